// Package store defines the persistence boundary (C9): every state
// transition in the auction engine writes through these interfaces, which
// offer transactional and compare-and-swap primitives so the engine itself
// holds no authoritative in-memory state.
package store

import (
	"context"
	"time"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/event"
)

// AuctionRecord is the durable row for one auction: immutable configuration
// plus the single JSON-typed QueueState column the spec calls for.
type AuctionRecord struct {
	ID      string          `db:"id"`
	Status  auction.Status  `db:"status"`
	Config  auction.Config  `db:"config"`
	Teams   []auction.Team  `db:"teams"`
	Players []auction.Player `db:"players"`
	Queue   auction.QueueState `db:"queue_state"`
	Version int             `db:"version"`
	// Captains maps teamID to its designated captain's email, the primary
	// source authz.Resolve consults (§4.7). Keyed by email so a rejection
	// can report expectedCaptain in the same identity format as
	// currentUser. Set at creation; SetCaptains replaces it at any auction
	// status.
	Captains map[string]string `db:"captains"`
}

// BidRecord is a durable row in the Bid table (§3). Sealed mode may hold
// many rows per (round, team); outcry mode holds one row per accepted raise.
type BidRecord struct {
	ID             string    `db:"id"`
	RoundID        string    `db:"round_id"`
	TeamID         string    `db:"team_id"`
	Amount         int       `db:"amount"`
	SubmittedAt    time.Time `db:"submitted_at"`
	SequenceNumber *int      `db:"sequence_number"`
	IsWinningBid   bool      `db:"is_winning_bid"`
}

// AuctionRepository is the persistence boundary described in spec §4.9.
// AtomicOutcryRaise must either commit in full or fail with no partial
// update — implementations realize it as a single conditional UPDATE.
type AuctionRepository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	CreateAuction(ctx context.Context, rec *AuctionRecord) error
	GetAuction(ctx context.Context, auctionID string) (*AuctionRecord, error)
	UpdateQueueState(ctx context.Context, auctionID string, queue auction.QueueState, expectedVersion int) error
	UpdateStatus(ctx context.Context, auctionID string, status auction.Status) error
	// SetCaptains replaces the auction's captain roster wholesale. Callers
	// typically read-modify-write: GetAuction, mutate the map, SetCaptains.
	SetCaptains(ctx context.Context, auctionID string, captains map[string]string) error

	CreateRound(ctx context.Context, r *auction.Round) error
	GetOpenRound(ctx context.Context, auctionID string) (*auction.Round, error)
	CloseOpenRounds(ctx context.Context, auctionID string) error

	CreateBid(ctx context.Context, b *BidRecord) error
	ListBids(ctx context.Context, roundID string) ([]BidRecord, error)
	AtomicOutcryRaise(ctx context.Context, roundID, teamID string, expectedBidCount, newAmount, newSequence int, timerExpiresAt time.Time) error
	// MarkWinningBid flags one bid row from teamID on roundID as the winner,
	// for the audit trail and the "incoming bids" panel (§4.5 step 3). It is
	// a no-op, not an error, when the round holds no bid from teamID — sealed
	// settlement is authoritative over the bid table, never gated by it.
	MarkWinningBid(ctx context.Context, roundID, teamID string) error

	UpsertAuctionResult(ctx context.Context, auctionID string, result auction.AuctionResult) error
	DeleteAuctionResult(ctx context.Context, auctionID, playerID string) error
	GetAuctionResult(ctx context.Context, auctionID, playerID string) (*auction.AuctionResult, error)
	ListAuctionResults(ctx context.Context, auctionID string) ([]auction.AuctionResult, error)
}
