package bid_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/authz"
	"github.com/northbridge-sports/auctioneer/internal/bid"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

// fakeRepo is an in-memory store.AuctionRepository for pipeline tests. The
// mutex exists only so concurrent-admission tests can hammer it the way the
// real driver's conditional UPDATE serializes concurrent raises.
type fakeRepo struct {
	mu      sync.Mutex
	rec     store.AuctionRecord
	round   auction.Round
	results []auction.AuctionResult
	bids    []store.BidRecord
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeRepo) CreateAuction(ctx context.Context, rec *store.AuctionRecord) error { return nil }
func (f *fakeRepo) GetAuction(ctx context.Context, auctionID string) (*store.AuctionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec
	return &r, nil
}
func (f *fakeRepo) UpdateQueueState(ctx context.Context, auctionID string, q auction.QueueState, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.Queue = q
	return nil
}
func (f *fakeRepo) UpdateStatus(ctx context.Context, auctionID string, status auction.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.Status = status
	return nil
}
func (f *fakeRepo) SetCaptains(ctx context.Context, auctionID string, captains map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.Captains = captains
	return nil
}
func (f *fakeRepo) CreateRound(ctx context.Context, r *auction.Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = *r
	return nil
}
func (f *fakeRepo) GetOpenRound(ctx context.Context, auctionID string) (*auction.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.round
	return &r, nil
}
func (f *fakeRepo) CloseOpenRounds(ctx context.Context, auctionID string) error { return nil }
func (f *fakeRepo) CreateBid(ctx context.Context, b *store.BidRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bids = append(f.bids, *b)
	return nil
}
func (f *fakeRepo) ListBids(ctx context.Context, roundID string) ([]store.BidRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.BidRecord(nil), f.bids...), nil
}
func (f *fakeRepo) AtomicOutcryRaise(ctx context.Context, roundID, teamID string, expectedBidCount, newAmount, newSequence int, timerExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.round.BidCount != expectedBidCount {
		return errors.New("stale")
	}
	f.round.CurrentBidAmount = &newAmount
	f.round.CurrentBidTeamID = &teamID
	f.round.BidCount = newSequence
	f.round.TimerExpiresAt = &timerExpiresAt
	return nil
}
func (f *fakeRepo) MarkWinningBid(ctx context.Context, roundID, teamID string) error { return nil }
func (f *fakeRepo) UpsertAuctionResult(ctx context.Context, auctionID string, result auction.AuctionResult) error {
	f.results = append(f.results, result)
	return nil
}
func (f *fakeRepo) DeleteAuctionResult(ctx context.Context, auctionID, playerID string) error {
	return nil
}
func (f *fakeRepo) GetAuctionResult(ctx context.Context, auctionID, playerID string) (*auction.AuctionResult, error) {
	return nil, &auction.NotFoundError{Kind: "auction result", ID: playerID}
}
func (f *fakeRepo) ListAuctionResults(ctx context.Context, auctionID string) ([]auction.AuctionResult, error) {
	return f.results, nil
}

// fakeEvents is an in-memory event.Store.
type fakeEvents struct {
	events []event.Event
}

func (f *fakeEvents) Append(ctx context.Context, events ...event.Event) error {
	f.events = append(f.events, events...)
	return nil
}
func (f *fakeEvents) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range f.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeEvents) LoadByType(ctx context.Context, t event.Type) ([]event.Event, error) {
	return nil, nil
}

func baseRec() store.AuctionRecord {
	return store.AuctionRecord{
		ID:     "a1",
		Status: auction.StatusLive,
		Config: auction.Config{
			BiddingMode:          auction.ModeOutcry,
			BudgetPerTeam:        1000,
			SquadSize:            5,
			OutcryIncrementRules: []auction.IncrementRule{{FromMultiplier: 0, ToMultiplier: 1e9, Increment: 10}},
			TimerSeconds:         30,
			Tiers:                []auction.Tier{{ID: "gold", BasePrice: 100}},
		},
		Teams: []auction.Team{{ID: "t1", Name: "Alpha"}, {ID: "t2", Name: "Beta"}},
		Players: []auction.Player{
			{ID: "p1", Name: "Striker", TierID: "gold", Status: auction.PlayerAvailable},
		},
		Queue: auction.QueueState{Queue: []string{"p1"}, Started: true},
	}
}

func baseRound() auction.Round {
	return auction.Round{
		ID:        "r1",
		AuctionID: "a1",
		PlayerID:  "p1",
		TierID:    "gold",
		Status:    auction.RoundOpen,
		BasePrice: 100,
	}
}

func TestPipeline_AdmitOutcry_FirstBidMustEqualBasePrice(t *testing.T) {
	repo := &fakeRepo{rec: baseRec(), round: baseRound()}
	events := &fakeEvents{}
	p := bid.New(repo, events, clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, slog.Default(), nil, 0)

	src := authz.Sources{Captains: map[string]string{"t1": "captain@example.com"}}
	identity := authz.Identity{UserID: "u1", Email: "captain@example.com"}

	_, err := p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 90, Identity: identity}, src)
	if err == nil {
		t.Fatal("expected error for bid below base price")
	}

	res, err := p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 100, Identity: identity}, src)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Accepted || res.SequenceNumber != 1 {
		t.Errorf("got %+v, want accepted sequence 1", res)
	}
}

func TestPipeline_AdmitOutcry_RejectsRaiseOnOwnHighBid(t *testing.T) {
	repo := &fakeRepo{rec: baseRec(), round: baseRound()}
	events := &fakeEvents{}
	p := bid.New(repo, events, clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, slog.Default(), nil, 0)

	src := authz.Sources{Captains: map[string]string{"t1": "captain1@example.com", "t2": "captain2@example.com"}}

	_, err := p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 100, Identity: authz.Identity{UserID: "u1", Email: "captain1@example.com"}}, src)
	if err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// Team t1 already holds the high bid; a second raise from t1 must be rejected.
	_, err = p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 110, Identity: authz.Identity{UserID: "u1", Email: "captain1@example.com"}}, src)
	var verr *auction.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for raising own high bid, got %v", err)
	}
}

func TestPipeline_AdmitSealed_RejectsOverBudget(t *testing.T) {
	rec := baseRec()
	rec.Config.BiddingMode = auction.ModeSealed
	repo := &fakeRepo{rec: rec, round: baseRound()}
	events := &fakeEvents{}
	p := bid.New(repo, events, clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, slog.Default(), nil, 0)

	src := authz.Sources{Captains: map[string]string{"t1": "captain@example.com"}}
	identity := authz.Identity{UserID: "u1", Email: "captain@example.com"}

	_, err := p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 1500, Identity: identity}, src)
	var berr *auction.BudgetError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BudgetError, got %v", err)
	}
}

// TestPipeline_AdmitOutcry_ConcurrentRaises_MaintainMonotonicSequence hammers
// the admission pipeline with concurrent outcry raises from distinct teams,
// each retrying on StaleBidError with the authoritative NextBidAmount it
// reports. This exercises P4 (at most one open round, implicit here since
// every raise targets the same round) and P5 (accepted bids carry strictly
// increasing, dense sequence numbers) under contention, the way the real
// AtomicOutcryRaise driver's conditional UPDATE serializes concurrent
// clients.
func TestPipeline_AdmitOutcry_ConcurrentRaises_MaintainMonotonicSequence(t *testing.T) {
	const numTeams = 8

	rec := baseRec()
	teams := make([]auction.Team, numTeams)
	captains := make(map[string]string, numTeams)
	for i := range teams {
		id := fmt.Sprintf("t%d", i)
		teams[i] = auction.Team{ID: id, Name: id}
		captains[id] = id + "@example.com"
	}
	rec.Teams = teams
	rec.Players = []auction.Player{{ID: "p1", Name: "Striker", TierID: "gold", Status: auction.PlayerAvailable}}

	repo := &fakeRepo{rec: rec, round: baseRound()}
	events := &fakeEvents{}
	p := bid.New(repo, events, clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, slog.Default(), nil, 0)
	src := authz.Sources{Captains: captains}

	var wg sync.WaitGroup
	sequences := make([]int, numTeams)
	for i, team := range teams {
		wg.Add(1)
		go func(i int, teamID string) {
			defer wg.Done()
			identity := authz.Identity{UserID: "u-" + teamID, Email: captains[teamID]}
			amount := rec.Config.Tiers[0].BasePrice
			for attempt := 0; attempt < numTeams*4; attempt++ {
				res, err := p.Admit(context.Background(), bid.Request{
					AuctionID: "a1", RoundID: "r1", TeamID: teamID, Amount: amount, Identity: identity,
				}, src)
				if err == nil {
					sequences[i] = res.SequenceNumber
					return
				}
				var stale *auction.StaleBidError
				if errors.As(err, &stale) {
					amount = stale.NextBidAmount
					continue
				}
				t.Errorf("team %s: unexpected error: %v", teamID, err)
				return
			}
			t.Errorf("team %s: never admitted after retrying", teamID)
		}(i, team.ID)
	}
	wg.Wait()

	seen := make(map[int]bool, numTeams)
	for _, seq := range sequences {
		if seen[seq] {
			t.Fatalf("duplicate sequence number %d among accepted bids: %v", seq, sequences)
		}
		seen[seq] = true
	}
	for seq := 1; seq <= numTeams; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence numbers not dense, missing %d: %v", seq, sequences)
		}
	}
}

func TestPipeline_Admit_RejectsUnauthorized(t *testing.T) {
	repo := &fakeRepo{rec: baseRec(), round: baseRound()}
	events := &fakeEvents{}
	p := bid.New(repo, events, clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, slog.Default(), nil, 0)

	src := authz.Sources{Captains: map[string]string{"t1": "captain@example.com"}}
	identity := authz.Identity{UserID: "u2", Email: "intruder@example.com"}

	_, err := p.Admit(context.Background(), bid.Request{AuctionID: "a1", RoundID: "r1", TeamID: "t1", Amount: 100, Identity: identity}, src)
	var authErr *auction.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}
