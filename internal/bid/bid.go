// Package bid implements the bid admission pipeline (C4): the strict
// six-step sequence that decides whether a submitted bid is accepted,
// shared by both sealed and outcry bidding modes.
package bid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/authz"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

var tracer = otel.Tracer("github.com/northbridge-sports/auctioneer/internal/bid")

// Request is one bid submission.
type Request struct {
	AuctionID string
	RoundID   string
	TeamID    string
	Amount    int
	Identity  authz.Identity
}

// Result describes what happened after a bid was admitted.
type Result struct {
	Accepted       bool
	SequenceNumber int
	CurrentBid     int
}

// Publisher is the fan-out sink notified after an outcry raise is admitted.
// Implemented by *fanout.Hub; kept as a narrow interface here so this
// package never imports the transport layer.
type Publisher interface {
	Publish(auctionID string, seq int, eventType string, payload any)
}

// Pipeline evaluates bid requests against the persistence boundary and
// emits the resulting domain events.
type Pipeline struct {
	store       store.AuctionRepository
	events      event.Store
	clock       clock.Clock
	logger      *slog.Logger
	publisher   Publisher
	scarcityCap float64
}

// New returns a Pipeline. publisher may be nil, in which case admission
// commits without any live fan-out (e.g. in tests). scarcityCap bounds the
// budget solver's scarcity inflation factor (step 6/step 5-sealed); values
// below 1 fall back to auction.DefaultScarcityCap.
func New(s store.AuctionRepository, events event.Store, clk clock.Clock, logger *slog.Logger, publisher Publisher, scarcityCap float64) *Pipeline {
	if scarcityCap < 1 {
		scarcityCap = auction.DefaultScarcityCap
	}
	return &Pipeline{store: s, events: events, clock: clk, logger: logger, publisher: publisher, scarcityCap: scarcityCap}
}

// Admit runs the six-step admission sequence from spec §4.4. src supplies
// the authorization sources for step 1.
func (p *Pipeline) Admit(ctx context.Context, req Request, src authz.Sources) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Admit",
		trace.WithAttributes(
			attribute.String("auction_id", req.AuctionID),
			attribute.String("round_id", req.RoundID),
			attribute.String("team_id", req.TeamID),
			attribute.Int("amount", req.Amount),
		),
	)
	defer span.End()

	// Step 1: authorization.
	if err := authz.Resolve(req.Identity, req.TeamID, req.AuctionID, src); err != nil {
		return nil, err
	}

	rec, err := p.store.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}

	rnd, err := p.store.GetOpenRound(ctx, req.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("loading open round: %w", err)
	}

	// Step 2: round-open check.
	now := p.clock.Now()
	if rnd.Status != auction.RoundOpen || rnd.Expired(now) {
		return nil, fmt.Errorf("round %s: %w", req.RoundID, auction.ErrInvalidPrecondition)
	}

	// Step 3: tier-cap check.
	tier, ok := findTier(rec.Config.Tiers, rnd.TierID)
	if !ok {
		return nil, fmt.Errorf("round %s: %w", req.RoundID, auction.ErrUnknownTier)
	}
	if tier.MaxPerTeam != nil {
		held := countPlayersForTeam(rec, req.TeamID, tier.ID)
		if held >= *tier.MaxPerTeam {
			return nil, &auction.ValidationError{Field: "teamId", Message: "tier quota already reached"}
		}
	}

	// Step 4: amount floor.
	if req.Amount < rnd.BasePrice {
		return nil, &auction.ValidationError{Field: "amount", Message: "bid is below the round's base price"}
	}

	allTeams, err := teamStates(ctx, p.store, rec)
	if err != nil {
		return nil, fmt.Errorf("computing team states: %w", err)
	}
	team, ok := findTeamState(allTeams, req.TeamID)
	if !ok {
		return nil, &auction.NotFoundError{Kind: "team", ID: req.TeamID}
	}
	remaining := remainingAvailableBasePrices(rec)

	switch rec.Config.BiddingMode {
	case auction.ModeSealed:
		return p.admitSealed(ctx, req, rec, team, remaining, allTeams)
	case auction.ModeOutcry:
		return p.admitOutcry(ctx, req, rnd, rec, tier, team, remaining, allTeams)
	default:
		return nil, fmt.Errorf("auction %s: unsupported bidding mode %q", req.AuctionID, rec.Config.BiddingMode)
	}
}

func (p *Pipeline) admitSealed(ctx context.Context, req Request, rec *store.AuctionRecord, team auction.TeamState, remaining []int, allTeams []auction.TeamState) (*Result, error) {
	// Step 5 (sealed): amount must not exceed the team's max allowed bid.
	maxAllowed := auction.MaxAllowedBidWithCap(team, rec.Config.SquadSize, remaining, allTeams, p.scarcityCap)
	if req.Amount > maxAllowed {
		return nil, &auction.BudgetError{RemainingBudget: team.RemainingBudget, MaxAllowed: maxAllowed}
	}

	id := uuid.NewString()
	b := &store.BidRecord{
		ID:          id,
		RoundID:     req.RoundID,
		TeamID:      req.TeamID,
		Amount:      req.Amount,
		SubmittedAt: p.clock.Now().UTC(),
	}
	if err := p.store.CreateBid(ctx, b); err != nil {
		return nil, fmt.Errorf("recording sealed bid: %w", err)
	}

	data, _ := jsonMarshal(event.SealedBidData{RoundID: req.RoundID, BidID: id, TeamID: req.TeamID, Amount: req.Amount})
	version, verr := event.NextVersion(ctx, p.events, req.AuctionID)
	if verr != nil {
		p.logger.ErrorContext(ctx, "failed to derive event version", slog.Any("error", verr))
	} else if err := p.events.Append(ctx, event.Event{
		AggregateID: req.AuctionID,
		Type:        event.SealedBidPlaced,
		Data:        data,
		Version:     version,
	}); err != nil {
		p.logger.ErrorContext(ctx, "failed to persist sealed bid event", slog.Any("error", err))
	}

	return &Result{Accepted: true, CurrentBid: req.Amount}, nil
}

func (p *Pipeline) admitOutcry(ctx context.Context, req Request, rnd *auction.Round, rec *store.AuctionRecord, tier auction.Tier, team auction.TeamState, remaining []int, allTeams []auction.TeamState) (*Result, error) {
	currentBid := 0
	if rnd.CurrentBidAmount != nil {
		currentBid = *rnd.CurrentBidAmount
	}
	if rnd.CurrentBidTeamID != nil && *rnd.CurrentBidTeamID == req.TeamID {
		return nil, &auction.ValidationError{Field: "teamId", Message: "team already holds the current high bid"}
	}

	next := auction.NextBidAmount(currentBid, rnd.BasePrice, rec.Config.OutcryIncrementRules)
	if req.Amount < next {
		return nil, &auction.StaleBidError{CurrentBid: currentBid, NextBidAmount: next, SequenceNumber: rnd.BidCount}
	}

	// Step 6 (budget) runs before the atomic raise: the solver only needs
	// the team's own state, which hasn't changed underneath this request.
	maxAllowed := auction.MaxAllowedBidWithCap(team, rec.Config.SquadSize, remaining, allTeams, p.scarcityCap)
	if req.Amount > maxAllowed {
		return nil, &auction.BudgetError{RemainingBudget: team.RemainingBudget, MaxAllowed: maxAllowed}
	}

	nextSequence := rnd.BidCount + 1
	now := p.clock.Now()
	timerExpiresAt := now
	if rec.Config.TimerSeconds > 0 {
		timerExpiresAt = now.Add(secondsToDuration(rec.Config.TimerSeconds))
	}

	if err := p.store.AtomicOutcryRaise(ctx, req.RoundID, req.TeamID, rnd.BidCount, req.Amount, nextSequence, timerExpiresAt); err != nil {
		// A concurrent raise won the race; surface the authoritative state.
		if fresh, rerr := p.store.GetOpenRound(ctx, req.AuctionID); rerr == nil {
			freshCurrent := 0
			if fresh.CurrentBidAmount != nil {
				freshCurrent = *fresh.CurrentBidAmount
			}
			return nil, &auction.StaleBidError{
				CurrentBid:     freshCurrent,
				NextBidAmount:  auction.NextBidAmount(freshCurrent, fresh.BasePrice, rec.Config.OutcryIncrementRules),
				SequenceNumber: fresh.BidCount,
			}
		}
		return nil, fmt.Errorf("raising outcry bid: %w", err)
	}

	bidID := uuid.NewString()
	seq := nextSequence
	if err := p.store.CreateBid(ctx, &store.BidRecord{
		ID:             bidID,
		RoundID:        req.RoundID,
		TeamID:         req.TeamID,
		Amount:         req.Amount,
		SubmittedAt:    now.UTC(),
		SequenceNumber: &seq,
	}); err != nil {
		p.logger.ErrorContext(ctx, "failed to record outcry bid row", slog.Any("error", err))
	}

	data, _ := jsonMarshal(event.OutcryBidData{
		RoundID:        req.RoundID,
		BidID:          bidID,
		SequenceNumber: nextSequence,
		TeamID:         req.TeamID,
		Amount:         req.Amount,
		TimerExpiresAt: timerExpiresAt.Unix(),
	})
	version, verr := event.NextVersion(ctx, p.events, req.AuctionID)
	if verr != nil {
		p.logger.ErrorContext(ctx, "failed to derive event version", slog.Any("error", verr))
	} else if err := p.events.Append(ctx, event.Event{
		AggregateID: req.AuctionID,
		Type:        event.OutcryBidPlaced,
		Data:        data,
		Version:     version,
	}); err != nil {
		p.logger.ErrorContext(ctx, "failed to persist outcry bid event", slog.Any("error", err))
	}

	// §4.4 step 5: every accepted outcry raise broadcasts, stamped with the
	// same version the durable log just recorded it under. Skipped if the
	// version couldn't be derived, since there's no durable position to
	// stamp it with.
	if p.publisher != nil && verr == nil {
		teamName := req.TeamID
		for _, t := range rec.Teams {
			if t.ID == req.TeamID {
				teamName = t.Name
				break
			}
		}
		p.publisher.Publish(req.AuctionID, version, "outcry-bid", map[string]any{
			"roundId":        req.RoundID,
			"playerId":       rnd.PlayerID,
			"sequenceNumber": nextSequence,
			"teamId":         req.TeamID,
			"teamName":       teamName,
			"amount":         req.Amount,
			"timerExpiresAt": timerExpiresAt.Unix(),
			"nextBidAmount":  auction.NextBidAmount(req.Amount, rnd.BasePrice, rec.Config.OutcryIncrementRules),
			"basePrice":      rnd.BasePrice,
		})
	}

	return &Result{Accepted: true, SequenceNumber: nextSequence, CurrentBid: req.Amount}, nil
}
