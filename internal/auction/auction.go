// Package auction implements the auction aggregate and its lifecycle (C1),
// the pure queue state machine (C2), the round state machine (C3), and the
// budget solver (C6). These four components share no I/O: persistence and
// transport live in sibling packages that operate on the types here.
package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/northbridge-sports/auctioneer/internal/auction")

// Auction is the aggregate root owning lifecycle status and immutable
// configuration. It is safe for concurrent use; all exported methods take
// the lock.
type Auction struct {
	mu sync.RWMutex

	ID     string
	Status Status
	Config Config
	Teams  []Team
	Players []Player

	Queue QueueState
	Version int

	clock  clock.Clock
	events []event.Event
}

// New creates a DRAFT auction with the given configuration.
func New(id string, cfg Config, clk clock.Clock) *Auction {
	a := &Auction{
		ID:     id,
		Status: StatusDraft,
		Config: cfg,
		clock:  clk,
	}
	data, _ := json.Marshal(event.AuctionCreatedData{
		BiddingMode:   string(cfg.BiddingMode),
		BudgetPerTeam: cfg.BudgetPerTeam,
		SquadSize:     cfg.SquadSize,
		Currency:      cfg.Currency,
	})
	a.recordEvent(event.AuctionCreated, data)
	return a
}

// AddTeams appends teams while the auction is still DRAFT or LOBBY.
func (a *Auction) AddTeams(ctx context.Context, teams ...Team) error {
	_, span := tracer.Start(ctx, "Auction.AddTeams", trace.WithAttributes(attribute.String("auction.id", a.ID)))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != StatusDraft && a.Status != StatusLobby {
		return fmt.Errorf("adding teams: %w", ErrInvalidPrecondition)
	}
	a.Teams = append(a.Teams, teams...)
	return nil
}

// AddPlayers appends players while the auction is still DRAFT or LOBBY.
func (a *Auction) AddPlayers(ctx context.Context, players ...Player) error {
	_, span := tracer.Start(ctx, "Auction.AddPlayers", trace.WithAttributes(attribute.String("auction.id", a.ID)))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != StatusDraft && a.Status != StatusLobby {
		return fmt.Errorf("adding players: %w", ErrInvalidPrecondition)
	}
	for i := range players {
		if players[i].Status == "" {
			players[i].Status = PlayerAvailable
		}
	}
	a.Players = append(a.Players, players...)
	return nil
}

// ConfigureTiers replaces the tier list while the auction is still DRAFT or
// LOBBY. Duplicate tier ids are rejected.
func (a *Auction) ConfigureTiers(ctx context.Context, tiers ...Tier) error {
	_, span := tracer.Start(ctx, "Auction.ConfigureTiers", trace.WithAttributes(attribute.String("auction.id", a.ID)))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != StatusDraft && a.Status != StatusLobby {
		return fmt.Errorf("configuring tiers: %w", ErrInvalidPrecondition)
	}
	seen := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		if seen[t.ID] {
			return fmt.Errorf("tier %q: %w", t.ID, ErrDuplicateTier)
		}
		seen[t.ID] = true
	}
	a.Config.Tiers = tiers
	a.Status = StatusLobby
	return nil
}

// Start transitions DRAFT/LOBBY to LIVE, building the queue order. The
// ordering contract: tier base price descending, tie-broken by player
// insertion order.
func (a *Auction) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Auction.Start", trace.WithAttributes(attribute.String("auction.id", a.ID)))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != StatusDraft && a.Status != StatusLobby {
		return fmt.Errorf("starting auction: %w", ErrInvalidPrecondition)
	}
	if len(a.Teams) < 2 {
		return ErrNotEnoughTeams
	}
	if len(a.Players) == 0 {
		return ErrNoPlayers
	}

	tierBasePrice := make(map[string]int, len(a.Config.Tiers))
	for _, t := range a.Config.Tiers {
		tierBasePrice[t.ID] = t.BasePrice
	}
	for _, p := range a.Players {
		if _, ok := tierBasePrice[p.TierID]; !ok {
			return ErrPlayerTierUndefined
		}
	}

	order := a.buildQueueOrder(tierBasePrice)
	a.Queue = NewQueueState(order)
	a.Status = StatusLive

	data, _ := json.Marshal(event.AuctionStartedData{QueueLength: len(order)})
	a.recordEvent(event.AuctionStarted, data)

	slog.InfoContext(ctx, "auction started",
		slog.String("auction_id", a.ID),
		slog.Int("queue_length", len(order)),
	)
	return nil
}

// buildQueueOrder implements the public ordering contract: tier base price
// descending, tie-broken by original insertion order (a stable sort keyed
// on negative base price preserves Players order within a tier).
func (a *Auction) buildQueueOrder(tierBasePrice map[string]int) []string {
	indexed := make([]Player, len(a.Players))
	copy(indexed, a.Players)

	order := make([]int, len(indexed))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return tierBasePrice[indexed[order[i]].TierID] > tierBasePrice[indexed[order[j]].TierID]
	})

	ids := make([]string, len(order))
	for i, idx := range order {
		ids[i] = indexed[idx].ID
	}
	return ids
}

// End marks the auction COMPLETED, whether the queue is exhausted or the
// owner is ending it early.
func (a *Auction) End(ctx context.Context, reason string) error {
	ctx, span := tracer.Start(ctx, "Auction.End", trace.WithAttributes(attribute.String("auction.id", a.ID)))
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Status != StatusLive {
		return fmt.Errorf("ending auction: %w", ErrInvalidPrecondition)
	}
	a.Status = StatusCompleted

	data, _ := json.Marshal(event.AuctionEndedData{Reason: reason})
	a.recordEvent(event.AuctionEnded, data)

	slog.InfoContext(ctx, "auction ended", slog.String("auction_id", a.ID), slog.String("reason", reason))
	return nil
}

// PendingEvents drains and returns uncommitted events.
func (a *Auction) PendingEvents() []event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := a.events
	a.events = nil
	return events
}

func (a *Auction) recordEvent(t event.Type, data json.RawMessage) {
	a.Version++
	a.events = append(a.events, event.Event{
		AggregateID: a.ID,
		Type:        t,
		Data:        data,
		Version:     a.Version,
	})
}
