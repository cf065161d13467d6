/**
 * @description
 * This file defines the static reward tier table for the loyalty program.
 * Tiers are fixed: customers unlock each tier exactly once over the lifetime
 * of their account, the first time their balance crosses the tier threshold.
 *
 * @dependencies
 * - sort: Standard Go library, used to guarantee ascending threshold order.
 */

package domain

import "sort"

// TierID identifies a reward tier. The set of tiers is fixed.
type TierID string

const (
	TierDiscount20   TierID = "discount_20"
	TierDiscount40   TierID = "discount_40"
	TierFreeShipping TierID = "free_shipping"
	TierFreeProduct  TierID = "free_product"
)

// RewardKind describes what a tier grants when it is unlocked.
type RewardKind string

const (
	RewardPercentDiscount RewardKind = "percent_discount"
	RewardFreeShipping    RewardKind = "free_shipping"
	RewardFreeProduct     RewardKind = "free_product_entitlement"
)

// FreeProductCost is the number of points consumed when the free-product
// entitlement is redeemed. It equals the free-product tier threshold.
const FreeProductCost int64 = 2000

// RewardTier describes one row of the static tier table.
type RewardTier struct {
	ID         TierID
	Threshold  int64
	Kind       RewardKind
	Value      int
	CodePrefix string
	Label      string
}

// rewardTiers is the canonical tier table. CodePrefix values match the
// discount code families the commerce platform generates for each tier.
var rewardTiers = []RewardTier{
	{ID: TierDiscount20, Threshold: 500, Kind: RewardPercentDiscount, Value: 20, CodePrefix: "LOYALTY20", Label: "20% Discount"},
	{ID: TierDiscount40, Threshold: 1000, Kind: RewardPercentDiscount, Value: 40, CodePrefix: "LOYALTY40", Label: "40% Discount"},
	{ID: TierFreeShipping, Threshold: 1500, Kind: RewardFreeShipping, Value: 100, CodePrefix: "FREESHIP", Label: "Free Shipping"},
	{ID: TierFreeProduct, Threshold: 2000, Kind: RewardFreeProduct, Value: 100, CodePrefix: "FREEPRODUCT", Label: "Free Product"},
}

// Tiers returns the tier table sorted by ascending threshold. Callers get a
// copy so the canonical table cannot be mutated.
func Tiers() []RewardTier {
	out := make([]RewardTier, len(rewardTiers))
	copy(out, rewardTiers)
	sort.Slice(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out
}

// TierByID looks up a tier in the static table.
func TierByID(id TierID) (RewardTier, bool) {
	for _, t := range rewardTiers {
		if t.ID == id {
			return t, true
		}
	}
	return RewardTier{}, false
}
