package bid

import (
	"context"
	"encoding/json"
	"time"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

func findTier(tiers []auction.Tier, tierID string) (auction.Tier, bool) {
	for _, t := range tiers {
		if t.ID == tierID {
			return t, true
		}
	}
	return auction.Tier{}, false
}

func countPlayersForTeam(rec *store.AuctionRecord, teamID, tierID string) int {
	count := 0
	for _, p := range rec.Players {
		if p.Status != auction.PlayerSold || p.TierID != tierID {
			continue
		}
		if ownedBy(rec, p.ID, teamID) {
			count++
		}
	}
	return count
}

func ownedBy(rec *store.AuctionRecord, playerID, teamID string) bool {
	for _, h := range rec.Queue.History {
		if h.PlayerID == playerID && h.Action == auction.ActionSold {
			return h.TeamID == teamID
		}
	}
	return false
}

// teamStates computes the live budget/squad-size view of every team on the
// auction from its sold history, since neither is persisted directly.
func teamStates(ctx context.Context, s store.AuctionRepository, rec *store.AuctionRecord) ([]auction.TeamState, error) {
	results, err := s.ListAuctionResults(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	spent := make(map[string]int)
	squad := make(map[string]int)
	for _, res := range results {
		spent[res.TeamID] += res.WinningBidAmount
		squad[res.TeamID]++
	}

	states := make([]auction.TeamState, len(rec.Teams))
	for i, t := range rec.Teams {
		states[i] = auction.TeamState{
			TeamID:          t.ID,
			RemainingBudget: rec.Config.BudgetPerTeam - spent[t.ID],
			SquadCount:      squad[t.ID],
		}
	}
	return states, nil
}

func findTeamState(states []auction.TeamState, teamID string) (auction.TeamState, bool) {
	for _, s := range states {
		if s.TeamID == teamID {
			return s, true
		}
	}
	return auction.TeamState{}, false
}

func remainingAvailableBasePrices(rec *store.AuctionRecord) []int {
	basePriceByTier := make(map[string]int, len(rec.Config.Tiers))
	for _, t := range rec.Config.Tiers {
		basePriceByTier[t.ID] = t.BasePrice
	}
	prices := make([]int, 0, len(rec.Players))
	for _, p := range rec.Players {
		if p.Status == auction.PlayerAvailable {
			prices = append(prices, basePriceByTier[p.TierID])
		}
	}
	return prices
}

func jsonMarshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	return json.RawMessage(data), err
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
