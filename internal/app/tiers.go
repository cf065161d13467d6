/**
 * @description
 * This file implements the threshold evaluator: a pure function computing
 * which reward tiers a balance transition newly crossed. A tier fires at most
 * once per account, ever: a tier already in the issued set is excluded even
 * if redemption dropped the balance below its threshold and a later event
 * carried it back over.
 *
 * @dependencies
 * - internal/domain: The static tier table.
 */

package app

import "github.com/perkline/loyalty-service/internal/domain"

// CrossedTiers returns the tier ids newly crossed by the transition from
// oldBalance to newBalance, in ascending threshold order. A tier is crossed
// iff oldBalance < threshold <= newBalance and the tier has not already been
// issued for the account.
func CrossedTiers(oldBalance, newBalance int64, issuedTiers []domain.TierID) []domain.TierID {
	if newBalance <= oldBalance {
		return nil
	}

	issued := make(map[domain.TierID]struct{}, len(issuedTiers))
	for _, id := range issuedTiers {
		issued[id] = struct{}{}
	}

	var crossed []domain.TierID
	for _, tier := range domain.Tiers() {
		if _, done := issued[tier.ID]; done {
			continue
		}
		if oldBalance < tier.Threshold && tier.Threshold <= newBalance {
			crossed = append(crossed, tier.ID)
		}
	}
	return crossed
}
