package fanout

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades an HTTP request to a websocket connection subscribed to
// the hub, one connection per caller. The auction room join itself happens
// over the "subscribe" inbound message so one connection may follow several
// auctions (e.g. a league overview screen).
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := NewClient(hub, conn, r.RemoteAddr, logger)
	go client.WritePump()
	go client.ReadPump()
}
