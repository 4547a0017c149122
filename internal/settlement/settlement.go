// Package settlement implements the settlement engine (C5): the
// transactional action machine that applies an auctioneer's SOLD, UNSOLD,
// DEFER, or UNDO decision to the current round and advances the queue.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

var tracer = otel.Tracer("github.com/northbridge-sports/auctioneer/internal/settlement")

// Publisher is the fan-out sink settlement notifies after each committed
// action. Implemented by *fanout.Hub; kept as a narrow interface here so
// this package never imports the transport layer.
type Publisher interface {
	Publish(auctionID string, seq int, eventType string, payload any)
}

// Action is one auctioneer decision applied to the round currently on the
// block.
type Action struct {
	AuctionID string
	Kind      auction.ActionKind
	TeamID    string // required for SOLD
	Amount    int    // required for SOLD
}

// TeamSummary is one team's state in the post-settlement snapshot.
type TeamSummary struct {
	TeamID          string
	Name            string
	RemainingBudget int
	SquadCount      int
}

// Snapshot is the canonical auction view returned after a settlement action
// (spec §4.5 step 8).
type Snapshot struct {
	AuctionID     string
	Status        auction.Status
	Teams         []TeamSummary
	Sold          []string
	Unsold        []string
	Deferred      []string
	HistoryTail   *auction.HistoryEntry
	CurrentRound  *auction.Round
}

// Engine applies settlement actions. It holds no auction state itself: every
// call loads, mutates, and persists through the store in one transaction.
type Engine struct {
	store     store.AuctionRepository
	events    event.Store
	clock     clock.Clock
	logger    *slog.Logger
	publisher Publisher
}

// New returns an Engine. publisher may be nil, in which case settlement
// commits without any live fan-out (e.g. in tests).
func New(s store.AuctionRepository, events event.Store, clk clock.Clock, logger *slog.Logger, publisher Publisher) *Engine {
	return &Engine{store: s, events: events, clock: clk, logger: logger, publisher: publisher}
}

// Apply runs the eight-step settlement algorithm from spec §4.5.
func (e *Engine) Apply(ctx context.Context, action Action) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Engine.Apply",
		trace.WithAttributes(
			attribute.String("auction_id", action.AuctionID),
			attribute.String("action", string(action.Kind)),
		),
	)
	defer span.End()

	var snapshot *Snapshot
	var closedRoundID string
	var baseVersion int
	err := e.store.WithTransaction(ctx, func(ctx context.Context) error {
		s, roundID, version, err := e.apply(ctx, action)
		if err != nil {
			return err
		}
		snapshot, closedRoundID, baseVersion = s, roundID, version
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publishAction(action, snapshot, closedRoundID, baseVersion)
	return snapshot, nil
}

func (e *Engine) apply(ctx context.Context, action Action) (*Snapshot, string, int, error) {
	// Step 1: load auction, assert LIVE.
	rec, err := e.store.GetAuction(ctx, action.AuctionID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("loading auction: %w", err)
	}
	if rec.Status != auction.StatusLive {
		return nil, "", 0, fmt.Errorf("auction %s: %w", action.AuctionID, auction.ErrInvalidPrecondition)
	}

	rnd, err := e.store.GetOpenRound(ctx, action.AuctionID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("loading open round: %w", err)
	}

	// Step 2: current player must exist for SOLD/UNSOLD/DEFER.
	playerID := rec.Queue.Current()
	if playerID == "" && action.Kind != auction.ActionUndo {
		return nil, "", 0, auction.ErrQueueEmpty
	}

	now := e.clock.Now()
	undonePlayerID := ""

	// Step 3: apply the action to QueueState.
	switch action.Kind {
	case auction.ActionSold:
		if err := e.applySold(ctx, rec, playerID, action.TeamID, action.Amount, rnd, now); err != nil {
			return nil, "", 0, err
		}
	case auction.ActionUnsold:
		rec.Queue.MarkUnsold(playerID)
		rec.Queue.PushHistory(auction.HistoryEntry{PlayerID: playerID, Action: auction.ActionUnsold})
	case auction.ActionDefer:
		rec.Queue.Defer(playerID)
		rec.Queue.PushHistory(auction.HistoryEntry{PlayerID: playerID, Action: auction.ActionDefer})
	case auction.ActionUndo:
		undone, err := e.applyUndo(ctx, rec)
		if err != nil {
			return nil, "", 0, err
		}
		undonePlayerID = undone
	default:
		return nil, "", 0, fmt.Errorf("settlement: unsupported action %q", action.Kind)
	}

	// Step 4: auto-return check.
	rec.Queue.AutoReturnIfExhausted()

	// Step 5: close the round that was just settled.
	rnd.Close(now)
	if err := e.store.CloseOpenRounds(ctx, action.AuctionID); err != nil {
		return nil, "", 0, fmt.Errorf("closing open rounds: %w", err)
	}

	// Step 6: open the next round, or complete the auction.
	var newRound *auction.Round
	next := rec.Queue.Current()
	if next != "" {
		tier, player, err := findTierForPlayer(rec, next)
		if err != nil {
			return nil, "", 0, err
		}
		newRound = auction.NewRound(
			uuid.NewString(),
			action.AuctionID, player.ID, tier.ID, tier.BasePrice, rec.Config.TimerSeconds, now,
		)
		if err := e.store.CreateRound(ctx, newRound); err != nil {
			return nil, "", 0, fmt.Errorf("opening next round: %w", err)
		}
	} else {
		rec.Status = auction.StatusCompleted
		if err := e.store.UpdateStatus(ctx, action.AuctionID, auction.StatusCompleted); err != nil {
			return nil, "", 0, fmt.Errorf("completing auction: %w", err)
		}
	}

	// Step 7: persist the updated QueueState atomically with the round work.
	if err := e.store.UpdateQueueState(ctx, action.AuctionID, rec.Queue, rec.Version); err != nil {
		return nil, "", 0, fmt.Errorf("persisting queue state: %w", err)
	}

	baseVersion, err := e.appendEvent(ctx, action, rnd, newRound, undonePlayerID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to persist settlement event", slog.Any("error", err))
	}

	// Step 8: canonical snapshot.
	snapshot, err := e.buildSnapshot(ctx, rec, newRound)
	if err != nil {
		return nil, "", 0, err
	}
	return snapshot, rnd.ID, baseVersion, nil
}

func (e *Engine) applySold(ctx context.Context, rec *store.AuctionRecord, playerID, teamID string, amount int, rnd *auction.Round, now time.Time) error {
	result := auction.AuctionResult{
		PlayerID:         playerID,
		TeamID:           teamID,
		WinningBidAmount: amount,
		AssignedAt:       now.UnixNano(),
	}
	if err := e.store.UpsertAuctionResult(ctx, rec.ID, result); err != nil {
		return fmt.Errorf("recording auction result: %w", err)
	}
	if err := e.store.MarkWinningBid(ctx, rnd.ID, teamID); err != nil {
		return fmt.Errorf("marking winning bid: %w", err)
	}
	for i := range rec.Players {
		if rec.Players[i].ID == playerID {
			rec.Players[i].Status = auction.PlayerSold
			break
		}
	}
	rec.Queue.PushHistory(auction.HistoryEntry{PlayerID: playerID, TeamID: teamID, Price: amount, Action: auction.ActionSold})
	rec.Queue.Advance()
	return nil
}

// applyUndo inverts the last history entry per §4.2. It is the only action
// that does not consume the current player; it restores whichever entry
// sits at the top of the history stack. Returns the undone player's id.
func (e *Engine) applyUndo(ctx context.Context, rec *store.AuctionRecord) (string, error) {
	last, err := rec.Queue.PopHistory()
	if err != nil {
		return "", err
	}
	switch last.Action {
	case auction.ActionSold:
		if err := e.store.DeleteAuctionResult(ctx, rec.ID, last.PlayerID); err != nil {
			return "", fmt.Errorf("removing auction result: %w", err)
		}
		rec.Queue.UndoSold()
		for i := range rec.Players {
			if rec.Players[i].ID == last.PlayerID {
				rec.Players[i].Status = auction.PlayerAvailable
				break
			}
		}
	case auction.ActionUnsold:
		rec.Queue.UndoUnsold()
	case auction.ActionDefer:
		rec.Queue.UndoDeferred(last.PlayerID)
	default:
		return "", fmt.Errorf("settlement: cannot undo action %q", last.Action)
	}
	return last.PlayerID, nil
}

func findTierForPlayer(rec *store.AuctionRecord, playerID string) (auction.Tier, auction.Player, error) {
	var player auction.Player
	found := false
	for _, p := range rec.Players {
		if p.ID == playerID {
			player = p
			found = true
			break
		}
	}
	if !found {
		return auction.Tier{}, auction.Player{}, &auction.NotFoundError{Kind: "player", ID: playerID}
	}
	for _, t := range rec.Config.Tiers {
		if t.ID == player.TierID {
			return t, player, nil
		}
	}
	return auction.Tier{}, auction.Player{}, fmt.Errorf("player %s: %w", playerID, auction.ErrUnknownTier)
}

// CurrentSnapshot returns the canonical auction view without applying any
// action — the read path §4.5 step 8 and §9's reconnect story both rely on,
// shared with Apply's own post-commit snapshot so the wire shape never
// drifts between the two call sites.
func (e *Engine) CurrentSnapshot(ctx context.Context, auctionID string) (*Snapshot, error) {
	rec, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	rnd, err := e.store.GetOpenRound(ctx, auctionID)
	if err != nil {
		var notFound *auction.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading open round: %w", err)
		}
		rnd = nil
	}
	return e.buildSnapshot(ctx, rec, rnd)
}

func (e *Engine) buildSnapshot(ctx context.Context, rec *store.AuctionRecord, newRound *auction.Round) (*Snapshot, error) {
	results, err := e.store.ListAuctionResults(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("loading results for snapshot: %w", err)
	}
	spent := make(map[string]int)
	squad := make(map[string]int)
	sold := make([]string, 0, len(results))
	for _, res := range results {
		spent[res.TeamID] += res.WinningBidAmount
		squad[res.TeamID]++
		sold = append(sold, res.PlayerID)
	}

	teams := make([]TeamSummary, len(rec.Teams))
	for i, t := range rec.Teams {
		teams[i] = TeamSummary{
			TeamID:          t.ID,
			Name:            t.Name,
			RemainingBudget: rec.Config.BudgetPerTeam - spent[t.ID],
			SquadCount:      squad[t.ID],
		}
	}

	var historyTail *auction.HistoryEntry
	if n := len(rec.Queue.History); n > 0 {
		h := rec.Queue.History[n-1]
		historyTail = &h
	}

	return &Snapshot{
		AuctionID:    rec.ID,
		Status:       rec.Status,
		Teams:        teams,
		Sold:         sold,
		Unsold:       append([]string(nil), rec.Queue.Unsold...),
		Deferred:     append([]string(nil), rec.Queue.Deferred...),
		HistoryTail:  historyTail,
		CurrentRound: newRound,
	}, nil
}

func (e *Engine) appendEvent(ctx context.Context, action Action, closedRound, newRound *auction.Round, undonePlayerID string) (int, error) {
	version, err := event.NextVersion(ctx, e.events, action.AuctionID)
	if err != nil {
		return 0, err
	}

	var t event.Type
	var data json.RawMessage
	switch action.Kind {
	case auction.ActionSold:
		t = event.PlayerSold
		data, _ = json.Marshal(event.SettlementData{PlayerID: closedRound.PlayerID, TeamID: action.TeamID, Amount: action.Amount})
	case auction.ActionUnsold:
		t = event.PlayerUnsold
		data, _ = json.Marshal(event.SettlementData{PlayerID: closedRound.PlayerID})
	case auction.ActionDefer:
		t = event.PlayerDeferred
		data, _ = json.Marshal(event.SettlementData{PlayerID: closedRound.PlayerID})
	case auction.ActionUndo:
		t = event.SettlementUndone
		data, _ = json.Marshal(event.SettlementUndoneData{PlayerID: undonePlayerID, Action: string(action.Kind)})
	}

	events := []event.Event{{AggregateID: action.AuctionID, Type: t, Data: data, Version: version}}

	events = append(events, event.Event{
		AggregateID: action.AuctionID,
		Type:        event.RoundClosed,
		Data:        mustMarshal(event.RoundClosedData{RoundID: closedRound.ID}),
		Version:     version + 1,
	})

	if newRound != nil {
		events = append(events, event.Event{
			AggregateID: action.AuctionID,
			Type:        event.RoundOpened,
			Data: mustMarshal(event.RoundOpenedData{
				RoundID: newRound.ID, PlayerID: newRound.PlayerID, TierID: newRound.TierID, BasePrice: newRound.BasePrice,
			}),
			Version: version + 2,
		})
	} else {
		events = append(events, event.Event{
			AggregateID: action.AuctionID,
			Type:        event.AuctionEnded,
			Data:        mustMarshal(event.AuctionEndedData{Reason: "queue exhausted"}),
			Version:     version + 2,
		})
	}

	return version, e.events.Append(ctx, events...)
}

// publishAction fans out the events appendEvent just persisted, reusing the
// exact versions it assigned them (action event = baseVersion, round-closed
// = baseVersion+1, round-opened/auction-completed = baseVersion+2) so the
// live stream's seq always matches the durable log's position. If
// appendEvent failed to derive a version, baseVersion is 0 and nothing is
// published — there is no durable position to stamp it with.
func (e *Engine) publishAction(action Action, snapshot *Snapshot, closedRoundID string, baseVersion int) {
	if e.publisher == nil || baseVersion == 0 {
		return
	}
	switch action.Kind {
	case auction.ActionSold:
		e.publisher.Publish(action.AuctionID, baseVersion, "player-sold", map[string]any{"teamId": action.TeamID, "amount": action.Amount})
	case auction.ActionUnsold:
		e.publisher.Publish(action.AuctionID, baseVersion, "player-unsold", nil)
	case auction.ActionDefer:
		e.publisher.Publish(action.AuctionID, baseVersion, "player-deferred", nil)
	}

	// Step 5 of §4.5 always closes the round that was just settled.
	e.publisher.Publish(action.AuctionID, baseVersion+1, "round-closed", map[string]any{"roundId": closedRoundID})

	if snapshot.CurrentRound != nil {
		e.publisher.Publish(action.AuctionID, baseVersion+2, "round-opened", map[string]any{
			"roundId": snapshot.CurrentRound.ID, "playerId": snapshot.CurrentRound.PlayerID, "basePrice": snapshot.CurrentRound.BasePrice,
		})
	} else if snapshot.Status == auction.StatusCompleted {
		e.publisher.Publish(action.AuctionID, baseVersion+2, "auction-completed", nil)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
