package httpapi

import (
	"sync"

	"github.com/northbridge-sports/auctioneer/internal/authz"
)

// StaticRoster is a ParticipantSource backed by an in-memory map, set up at
// auction creation time (an auction's owner and any moderators the owner
// delegates to) and never mutated by the bidding path itself.
type StaticRoster struct {
	mu           sync.RWMutex
	participants map[string][]authz.AuctionParticipant
}

// NewStaticRoster returns an empty StaticRoster.
func NewStaticRoster() *StaticRoster {
	return &StaticRoster{participants: make(map[string][]authz.AuctionParticipant)}
}

// Grant adds userID as role for auctionID, typically called once when an
// auction is created (the creator becomes its OWNER).
func (s *StaticRoster) Grant(auctionID, userID string, role authz.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[auctionID] = append(s.participants[auctionID], authz.AuctionParticipant{
		UserID: userID, AuctionID: auctionID, Role: role,
	})
}

// Participants implements ParticipantSource.
func (s *StaticRoster) Participants(auctionID string) []authz.AuctionParticipant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]authz.AuctionParticipant(nil), s.participants[auctionID]...)
}
