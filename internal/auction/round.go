package auction

import "time"

// RoundStatus is the lifecycle status of a Round.
type RoundStatus string

const (
	RoundOpen   RoundStatus = "OPEN"
	RoundClosed RoundStatus = "CLOSED"
)

// Round is the bidding unit for a single player. CLOSED is never re-entered
// into OPEN; a new Round is created for the next player instead.
type Round struct {
	ID               string
	AuctionID        string
	PlayerID         string
	TierID           string
	Status           RoundStatus
	OpenedAt         time.Time
	ClosedAt         *time.Time
	BasePrice        int
	CurrentBidAmount *int
	CurrentBidTeamID *string
	BidCount         int
	TimerExpiresAt   *time.Time
}

// NewRound opens a round for playerID at basePrice. timerSeconds of 0 means
// no anti-snipe timer (sealed mode).
func NewRound(id, auctionID, playerID, tierID string, basePrice, timerSeconds int, now time.Time) *Round {
	r := &Round{
		ID:        id,
		AuctionID: auctionID,
		PlayerID:  playerID,
		TierID:    tierID,
		Status:    RoundOpen,
		OpenedAt:  now,
		BasePrice: basePrice,
	}
	if timerSeconds > 0 {
		exp := now.Add(time.Duration(timerSeconds) * time.Second)
		r.TimerExpiresAt = &exp
	}
	return r
}

// Close transitions the round to CLOSED. Idempotent.
func (r *Round) Close(now time.Time) {
	if r.Status == RoundClosed {
		return
	}
	r.Status = RoundClosed
	r.ClosedAt = &now
}

// Expired reports whether the outcry anti-snipe timer has lapsed. Sealed
// rounds (TimerExpiresAt == nil) never expire on their own; they are closed
// explicitly by a settlement action.
func (r *Round) Expired(now time.Time) bool {
	return r.TimerExpiresAt != nil && now.After(*r.TimerExpiresAt)
}

// ExtendTimer resets the anti-snipe timer on an accepted outcry bid.
func (r *Round) ExtendTimer(timerSeconds int, now time.Time) {
	if timerSeconds <= 0 {
		return
	}
	exp := now.Add(time.Duration(timerSeconds) * time.Second)
	r.TimerExpiresAt = &exp
}

// ApplyOutcryBid records an accepted raise. The caller (C4) has already
// validated amount and sequencing; this only mutates round state.
func (r *Round) ApplyOutcryBid(teamID string, amount, sequenceNumber, timerSeconds int, now time.Time) {
	r.CurrentBidAmount = &amount
	r.CurrentBidTeamID = &teamID
	r.BidCount = sequenceNumber
	r.ExtendTimer(timerSeconds, now)
}
