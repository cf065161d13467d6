package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/perkline/loyalty-service/internal/domain"
	"github.com/perkline/loyalty-service/internal/store"
)

type issuedCall struct {
	customerID     string
	tierID         string
	rewardKind     string
	rewardValue    int
	idempotencyKey string
}

// rewardIssuerStub scripts the external discount-code provider. failuresLeft
// counts how many calls fail before the stub starts succeeding; failWith
// overrides the default timeout error for those failures.
type rewardIssuerStub struct {
	mu           sync.Mutex
	calls        []issuedCall
	failuresLeft int
	failWith     error
}

func (s *rewardIssuerStub) IssueReward(ctx context.Context, customerID, tierID, rewardKind string, rewardValue int, idempotencyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, issuedCall{customerID, tierID, rewardKind, rewardValue, idempotencyKey})
	if s.failuresLeft > 0 {
		s.failuresLeft--
		if s.failWith != nil {
			return "", s.failWith
		}
		return "", errors.New("commerce api timeout")
	}
	return fmt.Sprintf("CODE-%s-%d", tierID, len(s.calls)), nil
}

func (s *rewardIssuerStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *rewardIssuerStub) callsForTier(tierID string) []issuedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []issuedCall
	for _, c := range s.calls {
		if c.tierID == tierID {
			out = append(out, c)
		}
	}
	return out
}

type notifierStub struct {
	mu      sync.Mutex
	notices []string
	err     error
}

func (s *notifierStub) Notify(ctx context.Context, customerID, rewardKind, rewardLabel, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, customerID+":"+rewardKind)
	return s.err
}

type publishedEvent struct {
	exchange   string
	routingKey string
}

type publisherStub struct {
	mu        sync.Mutex
	published []publishedEvent
	err       error
}

func (s *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, publishedEvent{exchange, routingKey})
	return s.err
}

func (s *publisherStub) Close() {}

type serviceFixture struct {
	repo     *store.MemoryRepository
	issuer   *rewardIssuerStub
	notifier *notifierStub
	producer *publisherStub
	service  *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:     store.NewMemoryRepository(0),
		issuer:   &rewardIssuerStub{},
		notifier: &notifierStub{},
		producer: &publisherStub{},
	}
	f.service = NewService(f.repo, nil, f.issuer, f.notifier, f.producer, 5, 30)
	return f
}

func orderPaid(eventID, customerID string, amount float64) domain.OrderPaidPayload {
	return domain.OrderPaidPayload{EventID: eventID, CustomerID: customerID, TotalAmount: amount}
}

func TestProcessOrderPaid_AccumulatesAndCrossesFirstTier(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_1", "cust_1", 300)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	outcome, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_2", "cust_1", 250))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}

	if outcome.NewBalance != 550 {
		t.Fatalf("expected balance 550, got %d", outcome.NewBalance)
	}
	if len(outcome.CrossedTiers) != 1 || outcome.CrossedTiers[0] != domain.TierDiscount20 {
		t.Fatalf("expected discount_20 crossing, got %v", outcome.CrossedTiers)
	}

	calls := f.issuer.callsForTier("discount_20")
	if len(calls) != 1 {
		t.Fatalf("expected exactly one issuance call, got %d", len(calls))
	}
	if calls[0].idempotencyKey != "cust_1:discount_20" {
		t.Fatalf("unexpected idempotency key %q", calls[0].idempotencyKey)
	}
	if calls[0].rewardKind != "percent_discount" || calls[0].rewardValue != 20 {
		t.Fatalf("unexpected reward parameters: %+v", calls[0])
	}

	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !account.HasIssuedTier(domain.TierDiscount20) {
		t.Fatal("expected discount_20 marked issued")
	}
}

func TestProcessOrderPaid_DuplicateEventIsIgnored(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_dup", "cust_1", 600))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Applied || first.NewBalance != 600 {
		t.Fatalf("expected first delivery applied at 600, got %+v", first)
	}

	second, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_dup", "cust_1", 600))
	if err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}
	if second.Applied {
		t.Fatal("expected replay to be recognized as duplicate")
	}
	if second.NewBalance != 600 {
		t.Fatalf("expected balance unchanged at 600, got %d", second.NewBalance)
	}
	if len(second.CrossedTiers) != 0 {
		t.Fatalf("expected no crossings on replay, got %v", second.CrossedTiers)
	}
	if got := f.issuer.callCount(); got != 1 {
		t.Fatalf("expected one issuance total across replays, got %d", got)
	}
}

func TestProcessOrderPaid_BigJumpIssuesAllCrossedTiersInOrder(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	outcome, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_big", "cust_1", 2050))
	if err != nil {
		t.Fatalf("ProcessOrderPaid: %v", err)
	}

	want := []domain.TierID{
		domain.TierDiscount20,
		domain.TierDiscount40,
		domain.TierFreeShipping,
		domain.TierFreeProduct,
	}
	if len(outcome.CrossedTiers) != len(want) {
		t.Fatalf("expected %d crossings, got %v", len(want), outcome.CrossedTiers)
	}
	for i, id := range want {
		if outcome.CrossedTiers[i] != id {
			t.Fatalf("crossing %d: expected %s, got %s", i, id, outcome.CrossedTiers[i])
		}
	}
	if got := f.issuer.callCount(); got != 4 {
		t.Fatalf("expected four issuance calls, got %d", got)
	}
}

func TestProcessReviewCreated_ZeroDeltaEventIsStillDeduplicated(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	payload := domain.ReviewCreatedPayload{EventID: "evt_low_rev", CustomerID: "cust_1", Rating: 2}
	first, err := f.service.ProcessReviewCreated(ctx, payload)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Applied || first.Delta != 0 {
		t.Fatalf("expected applied zero-delta event, got %+v", first)
	}

	second, err := f.service.ProcessReviewCreated(ctx, payload)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Applied {
		t.Fatal("expected zero-delta replay to be recognized as duplicate")
	}
}

func TestProcessEvents_ConcurrentDistinctEventsAllCount(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := orderPaid(fmt.Sprintf("evt_c%d", i), "cust_1", 10)
			if _, err := f.service.ProcessOrderPaid(ctx, payload); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply failed: %v", err)
	}

	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance != workers*10 {
		t.Fatalf("expected balance %d, got %d", workers*10, account.Balance)
	}
}

func TestProcessEvents_ConcurrentSameEventAppliesOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_same", "cust_1", 75))
			if err != nil {
				t.Errorf("concurrent apply failed: %v", err)
				return
			}
			applied <- outcome.Applied
		}()
	}
	wg.Wait()
	close(applied)

	appliedCount := 0
	for a := range applied {
		if a {
			appliedCount++
		}
	}
	if appliedCount != 1 {
		t.Fatalf("expected exactly one delivery to apply, got %d", appliedCount)
	}

	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance != 75 {
		t.Fatalf("expected balance 75, got %d", account.Balance)
	}
}

func TestProcessEvents_ConcurrentCrossingIssuesTierOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Many small events whose sum crosses 500 exactly once.
	const workers = 30
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := orderPaid(fmt.Sprintf("evt_x%d", i), "cust_1", 20)
			if _, err := f.service.ProcessOrderPaid(ctx, payload); err != nil {
				t.Errorf("apply failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	calls := f.issuer.callsForTier("discount_20")
	if len(calls) != 1 {
		t.Fatalf("expected exactly one discount_20 issuance under concurrency, got %d", len(calls))
	}
	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance != workers*20 {
		t.Fatalf("expected balance %d, got %d", workers*20, account.Balance)
	}
}

func TestProcessEvents_ConcurrentPairCrossesEveryTierOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// An order and a review-sized delta landing together; the sum crosses
	// every threshold no matter which applies first.
	var wg sync.WaitGroup
	for _, ev := range []struct {
		id     string
		amount float64
	}{
		{"evt_a", 300},
		{"evt_b", 1700},
	} {
		wg.Add(1)
		go func(id string, amount float64) {
			defer wg.Done()
			if _, err := f.service.ProcessOrderPaid(ctx, orderPaid(id, "cust_1", amount)); err != nil {
				t.Errorf("apply %s failed: %v", id, err)
			}
		}(ev.id, ev.amount)
	}
	wg.Wait()

	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance != 2000 {
		t.Fatalf("expected balance 2000, got %d", account.Balance)
	}
	if len(account.IssuedTiers) != 4 {
		t.Fatalf("expected all four tiers issued, got %v", account.IssuedTiers)
	}
	for _, tierID := range []string{"discount_20", "discount_40", "free_shipping", "free_product"} {
		if calls := f.issuer.callsForTier(tierID); len(calls) != 1 {
			t.Fatalf("tier %s: expected exactly one issuance call, got %d", tierID, len(calls))
		}
	}
}

func TestRedeem_ConsumesEntitlementExactlyOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_all", "cust_1", 2000)); err != nil {
		t.Fatalf("setup event: %v", err)
	}

	newBalance, err := f.service.Redeem(ctx, "cust_1")
	if err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if newBalance != 0 {
		t.Fatalf("expected balance 0 after redemption, got %d", newBalance)
	}

	if _, err := f.service.Redeem(ctx, "cust_1"); !errors.Is(err, store.ErrEntitlementAlreadyConsumed) {
		t.Fatalf("expected ErrEntitlementAlreadyConsumed on second redemption, got %v", err)
	}
}

func TestRedeem_RequiresIssuedEntitlement(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_small", "cust_1", 100)); err != nil {
		t.Fatalf("setup event: %v", err)
	}
	if _, err := f.service.Redeem(ctx, "cust_1"); !errors.Is(err, store.ErrEntitlementNotIssued) {
		t.Fatalf("expected ErrEntitlementNotIssued, got %v", err)
	}
}

func TestRedeem_InsufficientPointsAfterSpend(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Tier marked issued out of band while the balance sits below the cost.
	if _, err := f.repo.ApplyEvent(ctx, "cust_1", "evt_seed", 1500); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.repo.MarkTierIssued(ctx, "cust_1", domain.TierFreeProduct); err != nil {
		t.Fatalf("mark issued: %v", err)
	}

	if _, err := f.service.Redeem(ctx, "cust_1"); !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
}

func TestRedeem_PublishesRedemptionEvent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_all", "cust_1", 2000)); err != nil {
		t.Fatalf("setup event: %v", err)
	}
	if _, err := f.service.Redeem(ctx, "cust_1"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	f.producer.mu.Lock()
	defer f.producer.mu.Unlock()
	found := false
	for _, p := range f.producer.published {
		if p.exchange == "loyalty.events" && p.routingKey == "loyalty.entitlement.redeemed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected loyalty.entitlement.redeemed publish, got %+v", f.producer.published)
	}
}

func TestRedeem_ReCrossedTiersStaySilentAfterRedemption(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_all", "cust_1", 2000)); err != nil {
		t.Fatalf("setup event: %v", err)
	}
	if _, err := f.service.Redeem(ctx, "cust_1"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	callsBefore := f.issuer.callCount()

	// Balance climbs from 0 back over every threshold.
	outcome, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_again", "cust_1", 2100))
	if err != nil {
		t.Fatalf("post-redemption event: %v", err)
	}
	if len(outcome.CrossedTiers) != 0 {
		t.Fatalf("expected no crossings after redemption climb, got %v", outcome.CrossedTiers)
	}
	if got := f.issuer.callCount(); got != callsBefore {
		t.Fatalf("expected no new issuance calls, got %d extra", got-callsBefore)
	}
}

func TestNotifierFailureDoesNotAffectIssuance(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()

	outcome, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_1", "cust_1", 600))
	if err != nil {
		t.Fatalf("ProcessOrderPaid: %v", err)
	}
	if len(outcome.CrossedTiers) != 1 {
		t.Fatalf("expected crossing despite notifier failure, got %v", outcome.CrossedTiers)
	}

	account, err := f.repo.GetAccount(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !account.HasIssuedTier(domain.TierDiscount20) {
		t.Fatal("expected tier issued despite notifier failure")
	}
}

func TestGetAccountView_UnknownCustomerIsZeroAccount(t *testing.T) {
	f := newServiceFixture(t)

	view, err := f.service.GetAccountView(context.Background(), "cust_new")
	if err != nil {
		t.Fatalf("GetAccountView: %v", err)
	}
	if view.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", view.Balance)
	}
	if len(view.Tiers) != 4 {
		t.Fatalf("expected four tier rows, got %d", len(view.Tiers))
	}
	for _, tier := range view.Tiers {
		if tier.Achieved {
			t.Fatalf("expected no achieved tiers for new customer, got %+v", tier)
		}
	}
}

func TestGetAccountView_AchievedTracksIssuance(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if _, err := f.service.ProcessOrderPaid(ctx, orderPaid("evt_1", "cust_1", 1100)); err != nil {
		t.Fatalf("setup event: %v", err)
	}

	view, err := f.service.GetAccountView(ctx, "cust_1")
	if err != nil {
		t.Fatalf("GetAccountView: %v", err)
	}
	achieved := map[domain.TierID]bool{}
	for _, tier := range view.Tiers {
		achieved[tier.TierID] = tier.Achieved
	}
	if !achieved[domain.TierDiscount20] || !achieved[domain.TierDiscount40] {
		t.Fatalf("expected first two tiers achieved, got %v", achieved)
	}
	if achieved[domain.TierFreeShipping] || achieved[domain.TierFreeProduct] {
		t.Fatalf("expected upper tiers unachieved, got %v", achieved)
	}
}
