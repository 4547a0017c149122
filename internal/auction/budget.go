package auction

import "sort"

// TeamState is the minimal view the budget solver needs about one team:
// its remaining budget and current squad size.
type TeamState struct {
	TeamID          string
	RemainingBudget int
	SquadCount      int
}

// DefaultScarcityCap bounds the scarcity inflation factor when callers do not
// supply one of their own via MaxAllowedBidWithCap.
const DefaultScarcityCap = 1.15

// MaxAllowedBid computes the most a team may bid right now without
// endangering its ability to fill every remaining squad slot at base price.
// remainingAvailable is every AVAILABLE player's tier base price, across the
// whole auction (not just the current tier). allTeams is used only to derive
// the scarcity ratio; it may include the bidding team itself.
func MaxAllowedBid(team TeamState, squadSize int, remainingAvailableBasePrices []int, allTeams []TeamState) int {
	return MaxAllowedBidWithCap(team, squadSize, remainingAvailableBasePrices, allTeams, DefaultScarcityCap)
}

// MaxAllowedBidWithCap is MaxAllowedBid with a caller-supplied ceiling on the
// scarcity inflation factor, wired to the engine's configured scarcity cap.
func MaxAllowedBidWithCap(team TeamState, squadSize int, remainingAvailableBasePrices []int, allTeams []TeamState, scarcityCap float64) int {
	slotsNeeded := squadSize - team.SquadCount
	if slotsNeeded <= 0 {
		return 0
	}
	if slotsNeeded == 1 {
		return team.RemainingBudget
	}

	futureSlots := slotsNeeded - 1

	sorted := make([]int, len(remainingAvailableBasePrices))
	copy(sorted, remainingAvailableBasePrices)
	sort.Ints(sorted)

	reserve := 0
	lowest := 0
	if len(sorted) > 0 {
		lowest = sorted[0]
	}
	for i := 0; i < futureSlots; i++ {
		if i < len(sorted) {
			reserve += sorted[i]
		} else {
			reserve += lowest
		}
	}

	if len(remainingAvailableBasePrices) > 0 {
		totalSlotsNeeded := 0
		for _, t := range allTeams {
			need := squadSize - t.SquadCount
			if need > 0 {
				totalSlotsNeeded += need
			}
		}
		r := float64(totalSlotsNeeded) / float64(len(remainingAvailableBasePrices))
		if r > 1 {
			factor := 1 + 0.3*(r-1)
			if factor > scarcityCap {
				factor = scarcityCap
			}
			reserve = int(float64(reserve) * factor)
		}
	}

	max := team.RemainingBudget - reserve
	if max < 0 {
		return 0
	}
	return max
}

// NextBidAmount computes the next valid outcry raise. currentBid of 0 (no
// bids yet) returns basePrice exactly, per the "first bid of a round is
// exactly basePrice" rule.
func NextBidAmount(currentBid, basePrice int, rules []IncrementRule) int {
	if currentBid <= 0 {
		return basePrice
	}
	multiplier := float64(currentBid) / float64(basePrice)
	for _, rule := range rules {
		if multiplier >= rule.FromMultiplier && multiplier < rule.ToMultiplier {
			return currentBid + rule.Increment
		}
	}
	// No rule matched (misconfigured auction): fall back to the last rule's
	// increment, or a flat minimum unit if there are no rules at all.
	if len(rules) > 0 {
		return currentBid + rules[len(rules)-1].Increment
	}
	return currentBid + 1
}
