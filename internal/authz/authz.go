// Package authz implements the authorization resolver (C7): a stateless
// union of three membership sources that decides whether an identity may
// bid on behalf of a team in a given auction.
package authz

import "github.com/northbridge-sports/auctioneer/internal/auction"

// Role is a membership role within a team or an auction.
type Role string

const (
	RoleCaptain     Role = "CAPTAIN"
	RoleViceCaptain Role = "VICE_CAPTAIN"
	RoleOwner       Role = "OWNER"
	RoleModerator   Role = "MODERATOR"
)

// TeamMembership represents one user's role on one team.
type TeamMembership struct {
	UserID string
	TeamID string
	Role   Role
}

// AuctionParticipant represents one user's role within an auction, separate
// from any specific team (e.g. an auction-wide moderator).
type AuctionParticipant struct {
	UserID    string
	AuctionID string
	Role      Role
}

// Sources bundles the three admin sources the resolver unions over.
type Sources struct {
	// Captains maps teamID to its designated captain's email (1:1). Keyed
	// by email, not userID, so a rejection can report expectedCaptain in
	// the same identity format as currentUser (spec scenario 6).
	Captains map[string]string
	// TeamMembers lists every team membership across the auction.
	TeamMembers []TeamMembership
	// Participants lists every auction-wide participant role.
	Participants []AuctionParticipant
}

// Identity is the caller's authenticated identity, read from headers at the
// HTTP boundary and passed down unchanged.
type Identity struct {
	UserID string
	Email  string
}

// Resolve decides whether identity may act on behalf of teamID in auctionID.
// It returns an *auction.AuthorizationError (never a bare bool) so the HTTP
// layer can render currentUser/expectedCaptain guidance on rejection.
func Resolve(identity Identity, teamID, auctionID string, src Sources) error {
	if captain, ok := src.Captains[teamID]; ok && captain == identity.Email {
		return nil
	}

	for _, m := range src.TeamMembers {
		if m.TeamID == teamID && m.UserID == identity.UserID &&
			(m.Role == RoleCaptain || m.Role == RoleViceCaptain) {
			return nil
		}
	}

	for _, p := range src.Participants {
		if p.AuctionID == auctionID && p.UserID == identity.UserID &&
			(p.Role == RoleOwner || p.Role == RoleModerator || p.Role == RoleCaptain) {
			return nil
		}
	}

	expectedCaptain := src.Captains[teamID]
	return &auction.AuthorizationError{
		CurrentUser:     identity.Email,
		ExpectedCaptain: expectedCaptain,
	}
}
