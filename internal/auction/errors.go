package auction

import "errors"

// Sentinel errors returned by the auction aggregate and its sub-machines.
// Callers type-switch or errors.Is against these to pick an HTTP status.
var (
	ErrInvalidPrecondition = errors.New("auction: invalid precondition for requested transition")
	ErrNotEnoughTeams      = errors.New("auction: at least two teams are required to start")
	ErrNoPlayers           = errors.New("auction: at least one player is required to start")
	ErrPlayerTierUndefined = errors.New("auction: every player must have a tier assigned before start")
	ErrNothingToUndo       = errors.New("auction: no history entry to undo")
	ErrQueueEmpty          = errors.New("auction: no player currently on the block")
	ErrUnknownTier         = errors.New("auction: referenced tier does not exist")
	ErrDuplicateTier       = errors.New("auction: tier id already configured")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Message
}

// AuthorizationError reports that an identity is known but not permitted.
type AuthorizationError struct {
	CurrentUser     string
	ExpectedCaptain string
}

func (e *AuthorizationError) Error() string {
	return "authorization: " + e.CurrentUser + " is not authorized for this team"
}

// BudgetError reports a bid that would violate solvency.
type BudgetError struct {
	RemainingBudget int
	MaxAllowed      int
}

func (e *BudgetError) Error() string {
	return "budget: bid exceeds the team's maximum allowed amount"
}

// StaleBidError reports a lost outcry race, carrying the authoritative state.
type StaleBidError struct {
	CurrentBid     int
	NextBidAmount  int
	SequenceNumber int
}

func (e *StaleBidError) Error() string {
	return "outcry: bid lost the race, the round has moved on"
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Kind + " " + e.ID
}
