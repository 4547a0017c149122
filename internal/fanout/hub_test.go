package fanout

import (
	"log/slog"
	"testing"
	"time"
)

func TestHubPublish_IsAuctionScoped(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	c1 := &Client{hub: hub, send: make(chan []byte, 8), id: "c1", logger: slog.Default()}
	c2 := &Client{hub: hub, send: make(chan []byte, 8), id: "c2", logger: slog.Default()}

	hub.Register(c1)
	hub.Register(c2)
	hub.Subscribe(c1, "auction-1")
	hub.Subscribe(c2, "auction-2")

	hub.Publish("auction-1", 1, "round-opened", map[string]string{"playerId": "p1"})

	select {
	case got := <-c1.send:
		if len(got) == 0 {
			t.Fatal("expected non-empty envelope for c1")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for c1's auction-scoped message")
	}

	select {
	case got := <-c2.send:
		t.Fatalf("c2 should not receive auction-1's message, got: %s", string(got))
	case <-time.After(150 * time.Millisecond):
		// expected
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
}

func TestHubUnsubscribe_StopsDelivery(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	c := &Client{hub: hub, send: make(chan []byte, 8), id: "c", logger: slog.Default()}
	hub.Register(c)
	hub.Subscribe(c, "auction-1")
	hub.Unsubscribe(c, "auction-1")

	hub.Publish("auction-1", 1, "round-opened", map[string]string{"playerId": "p1"})

	select {
	case got := <-c.send:
		t.Fatalf("expected no message after unsubscribe, got: %s", string(got))
	case <-time.After(150 * time.Millisecond):
		// expected
	}

	hub.Unregister(c)
}

func TestHubUnregister_ClosesSendChannel(t *testing.T) {
	hub := NewHub(slog.Default())
	go hub.Run()

	c := &Client{hub: hub, send: make(chan []byte, 8), id: "c", logger: slog.Default()}
	hub.Register(c)
	hub.Subscribe(c, "auction-1")
	hub.Unregister(c)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected send channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for send channel to close")
	}

	if got := hub.SubscriberCount("auction-1"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}
