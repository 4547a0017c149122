package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/authz"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/config"
	"github.com/northbridge-sports/auctioneer/internal/engine"
	"github.com/northbridge-sports/auctioneer/internal/event"
	"github.com/northbridge-sports/auctioneer/internal/httpapi"
	"github.com/northbridge-sports/auctioneer/internal/settlement"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

type fakeRepo struct {
	rec     *store.AuctionRecord
	round   *auction.Round
	results []auction.AuctionResult
	closed  bool
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeRepo) CreateAuction(ctx context.Context, rec *store.AuctionRecord) error { return nil }
func (f *fakeRepo) GetAuction(ctx context.Context, auctionID string) (*store.AuctionRecord, error) {
	r := *f.rec
	return &r, nil
}
func (f *fakeRepo) UpdateQueueState(ctx context.Context, auctionID string, q auction.QueueState, expectedVersion int) error {
	f.rec.Queue = q
	return nil
}
func (f *fakeRepo) UpdateStatus(ctx context.Context, auctionID string, status auction.Status) error {
	f.rec.Status = status
	return nil
}
func (f *fakeRepo) SetCaptains(ctx context.Context, auctionID string, captains map[string]string) error {
	f.rec.Captains = captains
	return nil
}
func (f *fakeRepo) CreateRound(ctx context.Context, r *auction.Round) error {
	rnd := *r
	f.round = &rnd
	return nil
}
func (f *fakeRepo) GetOpenRound(ctx context.Context, auctionID string) (*auction.Round, error) {
	r := *f.round
	return &r, nil
}
func (f *fakeRepo) CloseOpenRounds(ctx context.Context, auctionID string) error {
	f.closed = true
	return nil
}
func (f *fakeRepo) CreateBid(ctx context.Context, b *store.BidRecord) error { return nil }
func (f *fakeRepo) ListBids(ctx context.Context, roundID string) ([]store.BidRecord, error) {
	return nil, nil
}
func (f *fakeRepo) AtomicOutcryRaise(ctx context.Context, roundID, teamID string, expectedBidCount, newAmount, newSequence int, timerExpiresAt time.Time) error {
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

type fakeEvents struct{ events []event.Event }

func (f *fakeEvents) Append(ctx context.Context, events ...event.Event) error {
	f.events = append(f.events, events...)
	return nil
}
func (f *fakeEvents) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return nil, nil
}
func (f *fakeEvents) LoadByType(ctx context.Context, t event.Type) ([]event.Event, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (*mux.Router, *fakeRepo, *httpapi.StaticRoster) {
	t.Helper()
	repo := &fakeRepo{
		rec: &store.AuctionRecord{
			ID:     "a1",
			Status: auction.StatusLive,
			Config: auction.Config{
				BiddingMode: auction.ModeOutcry, BudgetPerTeam: 1000, SquadSize: 5,
				Tiers: []auction.Tier{{ID: "gold", BasePrice: 100}},
			},
			Teams:   []auction.Team{{ID: "t1", Name: "Alpha"}, {ID: "t2", Name: "Beta"}},
			Players: []auction.Player{{ID: "p1", TierID: "gold", Status: auction.PlayerAvailable}},
			Queue:   auction.QueueState{Queue: []string{"p1"}, Started: true},
		},
		round: &auction.Round{ID: "r1", AuctionID: "a1", PlayerID: "p1", TierID: "gold", Status: auction.RoundOpen, BasePrice: 100},
	}
	clk := clock.Mock{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	mgr := engine.New(repo, &fakeEvents{}, clk, slog.Default(), nil, config.AuctionConfig{})
	roster := httpapi.NewStaticRoster()

	router := mux.NewRouter()
	httpapi.NewHandler(mgr, roster, slog.Default()).RegisterRoutes(router)
	return router, repo, roster
}

func TestHandler_CaptainDashboard_ReturnsBudgetAndRound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/captain/a1/t1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var dash engine.CaptainDashboard
	if err := json.Unmarshal(rec.Body.Bytes(), &dash); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if dash.RemainingBudget != 1000 {
		t.Errorf("RemainingBudget = %d, want 1000", dash.RemainingBudget)
	}
}

func TestHandler_CaptainBid_RejectsMissingIdentity(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{"roundId": "r1", "playerId": "p1", "amount": 100})
	req := httptest.NewRequest(http.MethodPost, "/captain/a1/t1/bid", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandler_SettlementAction_RequiresParticipantRole(t *testing.T) {
	router, _, roster := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{"action": "UNSOLD"})
	req := httptest.NewRequest(http.MethodPost, "/auctions/a1/action", bytes.NewReader(body))
	req.Header.Set("x-user-id", "auctioneer-1")
	req.Header.Set("x-user-email", "auctioneer@example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 before granting a role, body = %s", rec.Code, rec.Body.String())
	}

	roster.Grant("a1", "auctioneer-1", authz.RoleOwner)
	rec = httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/auctions/a1/action", bytes.NewReader(body))
	req2.Header.Set("x-user-id", "auctioneer-1")
	req2.Header.Set("x-user-email", "auctioneer@example.com")
	router.ServeHTTP(rec, req2)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after granting OWNER, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_GetAuctionSnapshot_ReturnsCanonicalView(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/auctions/a1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var snapshot settlement.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if snapshot.AuctionID != "a1" || snapshot.CurrentRound == nil || snapshot.CurrentRound.PlayerID != "p1" {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
}

func TestHandler_EndAuction_ClosesRoundAndCompletes(t *testing.T) {
	router, repo, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{"reason": "owner ended early"})
	req := httptest.NewRequest(http.MethodPost, "/auctions/a1/end", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body = %s", rec.Code, rec.Body.String())
	}
	if !repo.closed {
		t.Errorf("expected open round to be closed")
	}
	if repo.rec.Status != auction.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", repo.rec.Status)
	}
}

func TestHandler_OutcryState_ReportsCurrentRound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/auctions/a1/outcry/state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var state engine.OutcryState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if state.PlayerID != "p1" || state.NextBidAmount != 100 {
		t.Errorf("unexpected outcry state: %+v", state)
	}
}
