// Package engine wires the auction aggregate, the bid admission pipeline,
// the settlement engine, the authorization resolver, the event fan-out hub,
// and the persistence boundary into the use cases the transport layer
// calls. It holds no authoritative state of its own; every method either
// delegates to a sub-package or loads/saves through the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/authz"
	"github.com/northbridge-sports/auctioneer/internal/bid"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/config"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"github.com/northbridge-sports/auctioneer/internal/fanout"
	"github.com/northbridge-sports/auctioneer/internal/settlement"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

var tracer = otel.Tracer("github.com/northbridge-sports/auctioneer/internal/engine")

// Manager is the application's single entry point for every auction use
// case. One Manager is shared across all HTTP requests.
type Manager struct {
	store      store.AuctionRepository
	events     event.Store
	clock      clock.Clock
	logger     *slog.Logger
	bids       *bid.Pipeline
	settlement *settlement.Engine
	hub        *fanout.Hub
	defaults   config.AuctionConfig
}

// New wires a Manager from its dependencies. hub may be nil in tests that
// don't exercise fan-out. defaults supplies the tuning knobs CreateAuction
// backfills when a request omits them, and the scarcity cap the budget
// solver applies everywhere it runs; a zero-value defaults behaves exactly
// like the hardcoded values this package used before config.AuctionConfig
// existed.
func New(s store.AuctionRepository, events event.Store, clk clock.Clock, logger *slog.Logger, hub *fanout.Hub, defaults config.AuctionConfig) *Manager {
	var settlementPub settlement.Publisher
	var bidPub bid.Publisher
	if hub != nil {
		settlementPub = hub
		bidPub = hub
	}
	return &Manager{
		store:      s,
		events:     events,
		clock:      clk,
		logger:     logger,
		bids:       bid.New(s, events, clk, logger, bidPub, defaults.ScarcityCap),
		settlement: settlement.New(s, events, clk, logger, settlementPub),
		hub:        hub,
		defaults:   defaults,
	}
}

// scarcityCap returns the configured scarcity cap, falling back to
// auction.DefaultScarcityCap when unset (e.g. a Manager built without a
// config.AuctionConfig).
func (m *Manager) scarcityCap() float64 {
	if m.defaults.ScarcityCap < 1 {
		return auction.DefaultScarcityCap
	}
	return m.defaults.ScarcityCap
}

// CreateAuctionRequest describes a new auction at creation time.
type CreateAuctionRequest struct {
	ID       string
	Config   auction.Config
	Teams    []auction.Team
	Players  []auction.Player
	Captains map[string]string
}

// CreateAuction builds the DRAFT aggregate, runs it through AddTeams/
// AddPlayers/ConfigureTiers, and persists the resulting record. The
// aggregate's pending lifecycle events are appended to the durable log
// under its own version counter (see auction.Auction.recordEvent) rather
// than via event.NextVersion, since the aggregate does not exist in the
// store yet for NextVersion to query against. StartAuction likewise appends
// its AuctionStarted event with the replayed aggregate's in-memory version.
func (m *Manager) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*store.AuctionRecord, error) {
	ctx, span := tracer.Start(ctx, "Manager.CreateAuction", trace.WithAttributes(attribute.String("auction.id", req.ID)))
	defer span.End()

	// Backfill tuning knobs the request left unset from the configured
	// defaults, rather than silently running with a zero timer or no
	// increment ladder.
	if req.Config.TimerSeconds == 0 {
		req.Config.TimerSeconds = m.defaults.DefaultTimerSeconds
	}
	if len(req.Config.OutcryIncrementRules) == 0 {
		req.Config.OutcryIncrementRules = m.defaults.Rules()
	}

	a := auction.New(req.ID, req.Config, m.clock)
	if err := a.AddTeams(ctx, req.Teams...); err != nil {
		return nil, err
	}
	if err := a.AddPlayers(ctx, req.Players...); err != nil {
		return nil, err
	}
	if len(req.Config.Tiers) > 0 {
		if err := a.ConfigureTiers(ctx, req.Config.Tiers...); err != nil {
			return nil, err
		}
	}

	rec := &store.AuctionRecord{
		ID:       a.ID,
		Status:   a.Status,
		Config:   a.Config,
		Teams:    a.Teams,
		Players:  a.Players,
		Queue:    a.Queue,
		Captains: req.Captains,
	}
	if err := m.store.CreateAuction(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting new auction: %w", err)
	}
	if err := m.events.Append(ctx, a.PendingEvents()...); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist auction lifecycle events", slog.Any("error", err))
	}
	return rec, nil
}

// StartAuction transitions an auction to LIVE and opens its first round.
// auction.Auction.Start needs the configured tiers and player list to build
// the queue order, so this loads the persisted record into a fresh
// aggregate, replays Start, then persists the resulting queue and opens
// round one.
func (m *Manager) StartAuction(ctx context.Context, auctionID string) (*store.AuctionRecord, error) {
	ctx, span := tracer.Start(ctx, "Manager.StartAuction", trace.WithAttributes(attribute.String("auction.id", auctionID)))
	defer span.End()

	rec, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}

	a := auction.New(rec.ID, rec.Config, m.clock)
	a.PendingEvents() // discard the replay's own AuctionCreated; it's already durable.
	a.Teams = rec.Teams
	a.Players = rec.Players
	a.Status = rec.Status

	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	rec.Status = a.Status
	rec.Queue = a.Queue
	if err := m.store.UpdateStatus(ctx, auctionID, rec.Status); err != nil {
		return nil, fmt.Errorf("marking auction live: %w", err)
	}
	if err := m.store.UpdateQueueState(ctx, auctionID, rec.Queue, rec.Version); err != nil {
		return nil, fmt.Errorf("persisting initial queue: %w", err)
	}
	if err := m.events.Append(ctx, a.PendingEvents()...); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist auction started event", slog.Any("error", err))
	}

	first := rec.Queue.Current()
	if first == "" {
		return rec, nil
	}
	tier, player, err := findTierForPlayer(rec, first)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	rnd := auction.NewRound(uuid.NewString(), auctionID, player.ID, tier.ID, tier.BasePrice, rec.Config.TimerSeconds, now)
	if err := m.store.CreateRound(ctx, rnd); err != nil {
		return nil, fmt.Errorf("opening first round: %w", err)
	}
	m.recordRoundOpened(ctx, auctionID, rnd)
	return rec, nil
}

func findTierForPlayer(rec *store.AuctionRecord, playerID string) (auction.Tier, auction.Player, error) {
	for _, p := range rec.Players {
		if p.ID != playerID {
			continue
		}
		for _, t := range rec.Config.Tiers {
			if t.ID == p.TierID {
				return t, p, nil
			}
		}
		return auction.Tier{}, auction.Player{}, fmt.Errorf("player %s: %w", playerID, auction.ErrUnknownTier)
	}
	return auction.Tier{}, auction.Player{}, &auction.NotFoundError{Kind: "player", ID: playerID}
}

// recordRoundOpened persists the RoundOpened domain event and, if a hub is
// wired, fans it out stamped with the same version — the seq clients see
// always matches the durable log's position (§4.8's gap-detection
// guarantee), the same discipline bid.Pipeline and settlement.Engine follow.
func (m *Manager) recordRoundOpened(ctx context.Context, auctionID string, rnd *auction.Round) {
	version, err := event.NextVersion(ctx, m.events, auctionID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to derive event version", slog.Any("error", err))
		return
	}
	data, _ := json.Marshal(event.RoundOpenedData{RoundID: rnd.ID, PlayerID: rnd.PlayerID, TierID: rnd.TierID, BasePrice: rnd.BasePrice})
	if err := m.events.Append(ctx, event.Event{AggregateID: auctionID, Type: event.RoundOpened, Data: data, Version: version}); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist round opened event", slog.Any("error", err))
	}
	if m.hub != nil {
		m.hub.Publish(auctionID, version, "round-opened", map[string]any{
			"roundId": rnd.ID, "playerId": rnd.PlayerID, "basePrice": rnd.BasePrice,
		})
	}
}

// BidRequest is a captain's submission, prior to authorization.
type BidRequest struct {
	AuctionID string
	RoundID   string
	TeamID    string
	Amount    int
	Identity  authz.Identity
}

// SubmitBid authorizes and admits a bid through the pipeline (C4), loading
// the captain roster as the authz.Sources union.
func (m *Manager) SubmitBid(ctx context.Context, req BidRequest) (*bid.Result, error) {
	rec, err := m.store.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	src := authz.Sources{Captains: rec.Captains}
	return m.bids.Admit(ctx, bid.Request{
		AuctionID: req.AuctionID,
		RoundID:   req.RoundID,
		TeamID:    req.TeamID,
		Amount:    req.Amount,
		Identity:  req.Identity,
	}, src)
}

// ApplySettlement authorizes the auctioneer action and runs it through the
// settlement engine (C5). Settlement actions require an auction-wide
// participant role (OWNER/MODERATOR/CAPTAIN), never a plain team captain
// grant, so teamID is empty here — Resolve falls through Captains and
// TeamMembers (both empty matches) to the Participants union.
func (m *Manager) ApplySettlement(ctx context.Context, identity authz.Identity, participants []authz.AuctionParticipant, action settlement.Action) (*settlement.Snapshot, error) {
	src := authz.Sources{Participants: participants}
	if err := authz.Resolve(identity, "", action.AuctionID, src); err != nil {
		return nil, err
	}
	return m.settlement.Apply(ctx, action)
}

// GetAuctionSnapshot returns the canonical auction view without applying any
// action, for clients reconnecting without a live websocket (spec §9).
func (m *Manager) GetAuctionSnapshot(ctx context.Context, auctionID string) (*settlement.Snapshot, error) {
	return m.settlement.CurrentSnapshot(ctx, auctionID)
}

// EndAuction closes out whatever round is open and marks a LIVE auction
// COMPLETED. An auction whose queue ran dry is already COMPLETED by
// settlement, so ending it again fails with ErrInvalidPrecondition.
// Like StartAuction, auction.Auction.End only needs the in-memory status to
// validate its precondition, so this replays onto a transient aggregate
// rather than reconstructing the full queue/team/player state.
func (m *Manager) EndAuction(ctx context.Context, auctionID, reason string) error {
	ctx, span := tracer.Start(ctx, "Manager.EndAuction", trace.WithAttributes(attribute.String("auction.id", auctionID)))
	defer span.End()

	rec, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("loading auction: %w", err)
	}

	a := auction.New(rec.ID, rec.Config, m.clock)
	a.PendingEvents() // discard the replay's own AuctionCreated; it's already durable.
	a.Status = rec.Status

	if err := a.End(ctx, reason); err != nil {
		return err
	}

	if err := m.store.CloseOpenRounds(ctx, auctionID); err != nil {
		return fmt.Errorf("closing open round before ending auction: %w", err)
	}
	if err := m.store.UpdateStatus(ctx, auctionID, a.Status); err != nil {
		return fmt.Errorf("marking auction completed: %w", err)
	}

	// a.PendingEvents() carries the Version recordEvent assigned in memory
	// (starting fresh at 1 on this transient aggregate), which only matches
	// the durable log's real position by coincidence — stamp it with the
	// log-derived version instead, the same way bid.Pipeline and
	// settlement.Engine do, before it's persisted or published.
	pending := a.PendingEvents()
	version, verr := event.NextVersion(ctx, m.events, auctionID)
	if verr != nil {
		m.logger.ErrorContext(ctx, "failed to derive event version", slog.Any("error", verr))
	} else {
		for i := range pending {
			pending[i].Version = version + i
		}
		if err := m.events.Append(ctx, pending...); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist auction ended event", slog.Any("error", err))
		}
	}
	if m.hub != nil && verr == nil {
		m.hub.Publish(auctionID, version, "auction-ended", map[string]any{"reason": reason})
	}
	return nil
}

// ForceOpenRound opens a round for a specific player out of order, used by
// an auctioneer to jump the queue (e.g. resuming after a dispute). It does
// not consult the queue cursor; the auctioneer is expected to DEFER the
// skipped players separately if the jump should be durable.
func (m *Manager) ForceOpenRound(ctx context.Context, auctionID, playerID string) (*auction.Round, error) {
	rec, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	if rec.Status != auction.StatusLive {
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrInvalidPrecondition)
	}
	tier, player, err := findTierForPlayer(rec, playerID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	rnd := auction.NewRound(uuid.NewString(), auctionID, player.ID, tier.ID, tier.BasePrice, rec.Config.TimerSeconds, now)
	if err := m.store.CreateRound(ctx, rnd); err != nil {
		return nil, fmt.Errorf("force-opening round: %w", err)
	}
	m.recordRoundOpened(ctx, auctionID, rnd)
	return rnd, nil
}

// ForceCloseRound closes whatever round is open without settling a player,
// for an auctioneer correcting a mis-opened round.
func (m *Manager) ForceCloseRound(ctx context.Context, auctionID string) error {
	rnd, err := m.store.GetOpenRound(ctx, auctionID)
	if err != nil {
		var notFound *auction.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("loading open round: %w", err)
	}
	if err := m.store.CloseOpenRounds(ctx, auctionID); err != nil {
		return fmt.Errorf("force-closing round: %w", err)
	}

	version, verr := event.NextVersion(ctx, m.events, auctionID)
	if verr != nil {
		m.logger.ErrorContext(ctx, "failed to derive event version", slog.Any("error", verr))
	} else {
		data, _ := json.Marshal(event.RoundClosedData{RoundID: rnd.ID})
		if err := m.events.Append(ctx, event.Event{AggregateID: auctionID, Type: event.RoundClosed, Data: data, Version: version}); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist round closed event", slog.Any("error", err))
		}
	}
	if m.hub != nil && verr == nil {
		m.hub.Publish(auctionID, version, "round-closed", map[string]any{"roundId": rnd.ID})
	}
	return nil
}

// OutcryState is the current paddle state a spectator or captain polls.
type OutcryState struct {
	RoundID        string
	PlayerID       string
	BasePrice      int
	CurrentBid     int
	CurrentTeamID  string
	NextBidAmount  int
	SequenceNumber int
	TimerExpiresAt int64
}

// GetOutcryState reports the round currently on the block.
func (m *Manager) GetOutcryState(ctx context.Context, auctionID string) (*OutcryState, error) {
	rec, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	rnd, err := m.store.GetOpenRound(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading open round: %w", err)
	}
	current := 0
	var teamID string
	if rnd.CurrentBidAmount != nil {
		current = *rnd.CurrentBidAmount
	}
	if rnd.CurrentBidTeamID != nil {
		teamID = *rnd.CurrentBidTeamID
	}
	state := &OutcryState{
		RoundID:        rnd.ID,
		PlayerID:       rnd.PlayerID,
		BasePrice:      rnd.BasePrice,
		CurrentBid:     current,
		CurrentTeamID:  teamID,
		NextBidAmount:  auction.NextBidAmount(current, rnd.BasePrice, rec.Config.OutcryIncrementRules),
		SequenceNumber: rnd.BidCount,
	}
	if rnd.TimerExpiresAt != nil {
		state.TimerExpiresAt = rnd.TimerExpiresAt.Unix()
	}
	return state, nil
}

// CaptainDashboard is the payload the captain-facing screen polls or
// receives pushed over the fan-out socket.
type CaptainDashboard struct {
	AuctionID       string
	TeamID          string
	RemainingBudget int
	SquadCount      int
	MaxAllowedBid   int
	CurrentRound    *auction.Round
	Outcry          *OutcryState
}

// GetCaptainDashboard assembles one team's view: its own budget/squad
// state, the maximum bid the solver would currently allow, and the round on
// the block (outcry state included when the auction runs in outcry mode).
func (m *Manager) GetCaptainDashboard(ctx context.Context, auctionID, teamID string) (*CaptainDashboard, error) {
	rec, err := m.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	results, err := m.store.ListAuctionResults(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	allTeams := make([]auction.TeamState, 0, len(rec.Teams))
	spent := make(map[string]int)
	squad := make(map[string]int)
	for _, res := range results {
		spent[res.TeamID] += res.WinningBidAmount
		squad[res.TeamID]++
	}
	var mine auction.TeamState
	found := false
	for _, t := range rec.Teams {
		ts := auction.TeamState{TeamID: t.ID, RemainingBudget: rec.Config.BudgetPerTeam - spent[t.ID], SquadCount: squad[t.ID]}
		allTeams = append(allTeams, ts)
		if t.ID == teamID {
			mine = ts
			found = true
		}
	}
	if !found {
		return nil, &auction.NotFoundError{Kind: "team", ID: teamID}
	}

	remaining := make([]int, 0, len(rec.Players))
	tierBasePrice := make(map[string]int, len(rec.Config.Tiers))
	for _, t := range rec.Config.Tiers {
		tierBasePrice[t.ID] = t.BasePrice
	}
	for _, p := range rec.Players {
		if p.Status == auction.PlayerAvailable {
			remaining = append(remaining, tierBasePrice[p.TierID])
		}
	}

	dash := &CaptainDashboard{
		AuctionID:       auctionID,
		TeamID:          teamID,
		RemainingBudget: mine.RemainingBudget,
		SquadCount:      mine.SquadCount,
		MaxAllowedBid:   auction.MaxAllowedBidWithCap(mine, rec.Config.SquadSize, remaining, allTeams, m.scarcityCap()),
	}

	if rnd, err := m.store.GetOpenRound(ctx, auctionID); err == nil {
		dash.CurrentRound = rnd
		if rec.Config.BiddingMode == auction.ModeOutcry {
			if outcry, err := m.GetOutcryState(ctx, auctionID); err == nil {
				dash.Outcry = outcry
			}
		}
	}
	return dash, nil
}
