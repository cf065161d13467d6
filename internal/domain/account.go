/**
 * @description
 * This file defines the loyalty account domain model. An account is created on
 * the first event for a customer and is never deleted. All mutation goes
 * through the store: the balance changes only via ApplyEvent (earn) or
 * RedeemEntitlement (spend) and is never negative.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import "time"

// LoyaltyAccount is the per-customer loyalty state.
type LoyaltyAccount struct {
	CustomerID          string    `json:"customer_id"`
	Balance             int64     `json:"balance"`
	IssuedTiers         []TierID  `json:"issued_tiers"`
	EntitlementConsumed bool      `json:"entitlement_consumed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasIssuedTier reports whether the given tier has ever been issued for this
// account. Issued tiers never leave the set, even after redemption drops the
// balance back below the tier threshold.
func (a *LoyaltyAccount) HasIssuedTier(id TierID) bool {
	for _, t := range a.IssuedTiers {
		if t == id {
			return true
		}
	}
	return false
}

// TierProgress is one row of the customer-facing account view.
type TierProgress struct {
	TierID    TierID `json:"tier_id"`
	Threshold int64  `json:"threshold"`
	Reward    string `json:"reward"`
	Achieved  bool   `json:"achieved"`
}

// AccountView is the query-surface projection of an account: the current
// balance plus the static tier table annotated with issuance state.
type AccountView struct {
	CustomerID string         `json:"customer_id"`
	Balance    int64          `json:"balance"`
	Tiers      []TierProgress `json:"tiers"`
}
