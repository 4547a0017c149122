// Package event defines the append-only domain event log shared by every
// auction aggregate and the live fan-out layer.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated  Type = "auction.created"
	AuctionStarted  Type = "auction.started"
	AuctionEnded    Type = "auction.ended"
	RoundOpened     Type = "round.opened"
	RoundClosed     Type = "round.closed"
	OutcryBidPlaced Type = "round.outcry_bid"
	SealedBidPlaced Type = "round.sealed_bid"
	PlayerSold      Type = "player.sold"
	PlayerUnsold    Type = "player.unsold"
	PlayerDeferred  Type = "player.deferred"
	SettlementUndone Type = "settlement.undone"
)

// Event represents a single domain event appended to an aggregate's log.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionCreatedData is the payload for AuctionCreated events.
type AuctionCreatedData struct {
	BiddingMode   string `json:"bidding_mode"`
	BudgetPerTeam int    `json:"budget_per_team"`
	SquadSize     int    `json:"squad_size"`
	Currency      string `json:"currency"`
}

// AuctionStartedData is the payload for AuctionStarted events.
type AuctionStartedData struct {
	QueueLength int `json:"queue_length"`
}

// AuctionEndedData is the payload for AuctionEnded events.
type AuctionEndedData struct {
	Reason string `json:"reason"`
}

// RoundOpenedData is the payload for RoundOpened events.
type RoundOpenedData struct {
	RoundID   string `json:"round_id"`
	PlayerID  string `json:"player_id"`
	TierID    string `json:"tier_id"`
	BasePrice int    `json:"base_price"`
}

// RoundClosedData is the payload for RoundClosed events.
type RoundClosedData struct {
	RoundID string `json:"round_id"`
}

// OutcryBidData is the payload for OutcryBidPlaced events.
type OutcryBidData struct {
	RoundID        string `json:"round_id"`
	BidID          string `json:"bid_id"`
	SequenceNumber int    `json:"sequence_number"`
	TeamID         string `json:"team_id"`
	Amount         int    `json:"amount"`
	TimerExpiresAt int64  `json:"timer_expires_at"`
}

// SealedBidData is the payload for SealedBidPlaced events.
type SealedBidData struct {
	RoundID string `json:"round_id"`
	BidID   string `json:"bid_id"`
	TeamID  string `json:"team_id"`
	Amount  int    `json:"amount"`
}

// SettlementData is the payload for PlayerSold/PlayerUnsold/PlayerDeferred events.
type SettlementData struct {
	PlayerID string `json:"player_id"`
	TeamID   string `json:"team_id,omitempty"`
	Amount   int    `json:"amount,omitempty"`
}

// SettlementUndoneData is the payload for SettlementUndone events.
type SettlementUndoneData struct {
	PlayerID string `json:"player_id"`
	Action   string `json:"action"`
}
