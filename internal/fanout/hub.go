// Package fanout implements the event fan-out layer (C8): a per-auction
// logical topic that delivers domain events to connected websocket
// subscribers, stamped with a monotonic per-auction sequence number so
// clients can detect gaps and refetch. Delivery is best-effort and at most
// once: an event is dropped when the broadcast channel is full, a slow
// subscriber is disconnected rather than retried, and nothing is redelivered.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Envelope is the wire shape delivered to every subscriber. Seq is the
// monotonic logical clock required by §4.8, derived from the durable event
// log rather than an in-memory counter so a restart never resets it.
type Envelope struct {
	AuctionID string          `json:"auctionId"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type subscriberMessage struct {
	auctionID string
	message   []byte
}

// Hub maintains connected websocket clients and their per-auction room
// subscriptions. The zero value is not usable; construct with NewHub.
type Hub struct {
	logger *slog.Logger

	register    chan *Client
	unregister  chan *Client
	broadcast   chan subscriberMessage

	mu          sync.RWMutex
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool
	clientRooms map[*Client]map[string]bool
}

// NewHub creates a Hub. Call Run in its own goroutine before use.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan subscriberMessage, 256),
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		clientRooms: make(map[*Client]map[string]bool),
	}
}

// Run applies registrations, unregistrations and broadcasts on a single
// goroutine; Subscribe and Unsubscribe change room membership from the
// caller's goroutine under the same mutex. It returns only when the register
// channel is closed; callers launch it once at startup with `go hub.Run()`.
func (h *Hub) Run() {
	for {
		select {
		case client, ok := <-h.register:
			if !ok {
				return
			}
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.unregisterClientLocked(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Write lock: sendToClientLocked may unregister a slow client.
			h.mu.Lock()
			for client := range h.subscribers[msg.auctionID] {
				h.sendToClientLocked(client, msg.message)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) unregisterClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for auctionID := range h.clientRooms[client] {
		if room := h.subscribers[auctionID]; room != nil {
			delete(room, client)
			if len(room) == 0 {
				delete(h.subscribers, auctionID)
			}
		}
	}
	delete(h.clientRooms, client)
	close(client.send)
}

// sendToClientLocked drops the message rather than blocking a slow
// subscriber; fan-out is best-effort (§4.8), never a reason to stall the
// settlement path.
func (h *Hub) sendToClientLocked(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		h.logger.Warn("dropping slow fan-out subscriber", slog.String("client", client.id))
		h.unregisterClientLocked(client)
	}
}

// Register connects a new client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister disconnects a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe joins a client to an auction's logical topic.
func (h *Hub) Subscribe(client *Client, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.subscribers[auctionID] == nil {
		h.subscribers[auctionID] = make(map[*Client]bool)
	}
	h.subscribers[auctionID][client] = true

	if h.clientRooms[client] == nil {
		h.clientRooms[client] = make(map[string]bool)
	}
	h.clientRooms[client][auctionID] = true
}

// Unsubscribe removes a client from an auction's logical topic.
func (h *Hub) Unsubscribe(client *Client, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room := h.subscribers[auctionID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.subscribers, auctionID)
		}
	}
	if rooms := h.clientRooms[client]; rooms != nil {
		delete(rooms, auctionID)
	}
}

// Publish implements settlement.Publisher and bid.Publisher: it marshals
// the event and enqueues it for every current subscriber of auctionID. A
// full broadcast channel drops the publish rather than blocking the caller.
func (h *Hub) Publish(auctionID string, seq int, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshaling fan-out payload", slog.Any("error", err))
		return
	}
	envelope, err := json.Marshal(Envelope{AuctionID: auctionID, Seq: seq, Type: eventType, Payload: data})
	if err != nil {
		h.logger.Error("marshaling fan-out envelope", slog.Any("error", err))
		return
	}
	select {
	case h.broadcast <- subscriberMessage{auctionID: auctionID, message: envelope}:
	default:
		h.logger.Warn("fan-out broadcast channel full, dropping event",
			slog.String("auction_id", auctionID), slog.String("type", eventType))
	}
}

// SubscriberCount returns the number of clients subscribed to auctionID.
func (h *Hub) SubscriberCount(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[auctionID])
}
