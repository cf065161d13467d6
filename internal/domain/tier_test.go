package domain

import "testing"

func TestTiers_SortedByThreshold(t *testing.T) {
	tiers := Tiers()
	if len(tiers) != 4 {
		t.Fatalf("expected four tiers, got %d", len(tiers))
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i-1].Threshold >= tiers[i].Threshold {
			t.Fatalf("tiers not in ascending threshold order: %v", tiers)
		}
	}
	if tiers[0].ID != TierDiscount20 || tiers[0].Threshold != 500 {
		t.Fatalf("unexpected first tier: %+v", tiers[0])
	}
	if tiers[3].ID != TierFreeProduct || tiers[3].Threshold != FreeProductCost {
		t.Fatalf("unexpected last tier: %+v", tiers[3])
	}
}

func TestTiers_ReturnsACopy(t *testing.T) {
	tiers := Tiers()
	tiers[0].Threshold = 1
	if fresh := Tiers(); fresh[0].Threshold != 500 {
		t.Fatal("mutating the returned slice must not affect the table")
	}
}

func TestTierByID(t *testing.T) {
	tier, ok := TierByID(TierDiscount40)
	if !ok {
		t.Fatal("expected discount_40 to exist")
	}
	if tier.Threshold != 1000 || tier.Kind != RewardPercentDiscount || tier.Value != 40 {
		t.Fatalf("unexpected tier: %+v", tier)
	}

	if _, ok := TierByID("no_such_tier"); ok {
		t.Fatal("expected lookup miss for unknown tier id")
	}
}
