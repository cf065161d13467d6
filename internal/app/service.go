/**
 * @description
 * This file contains the core business logic for the loyalty-service. The
 * `Service` struct orchestrates the event pipeline: normalize an inbound
 * commerce event, apply it to the points ledger (idempotently, serialized per
 * customer), evaluate newly crossed reward tiers, and drive reward issuance
 * and notification. It also owns the redemption entry point for the
 * free-product entitlement and the customer-facing account view.
 *
 * Propagation policy: ledger errors are authoritative and block the caller;
 * reward and notification errors are isolated so a downstream outage never
 * corrupts or loses earned points.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing loyalty events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
	"github.com/perkline/loyalty-service/internal/store"
	"github.com/perkline/loyalty-service/pkg/rabbitmq"
)

const (
	// loyaltyEventsExchange is the topic exchange loyalty events are published to.
	loyaltyEventsExchange = "loyalty.events"

	maxIssuanceBackoff = time.Hour
)

// ErrRateLimited is returned when a caller exceeds a configured rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RewardIssuer is the external collaborator that mints discount codes and
// entitlements. Implementations must honor the idempotency key so a retried
// call cannot produce a duplicate reward.
type RewardIssuer interface {
	IssueReward(ctx context.Context, customerID, tierID, rewardKind string, rewardValue int, idempotencyKey string) (string, error)
}

// Notifier is the external messaging collaborator. Failures are logged and
// never propagated.
type Notifier interface {
	Notify(ctx context.Context, customerID, rewardKind, rewardLabel, code string) error
}

// RateLimiter is the optional distributed rate limiter for the public surfaces.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the loyalty program.
type Service struct {
	repo       store.Repository
	normalizer *Normalizer
	issuer     RewardIssuer
	notifier   Notifier
	producer   rabbitmq.Publisher

	limiter              RateLimiter
	redeemLimitPerMinute int
	eventLimitPerMinute  int

	issuanceMaxAttempts int
	issuanceRetryBase   time.Duration
}

// NewService creates a new loyalty service instance.
func NewService(
	repo store.Repository,
	identities IdentityResolver,
	issuer RewardIssuer,
	notifier Notifier,
	producer rabbitmq.Publisher,
	issuanceMaxAttempts int,
	issuanceRetryBaseSeconds int,
) *Service {
	if issuanceMaxAttempts <= 0 {
		issuanceMaxAttempts = 5
	}
	if issuanceRetryBaseSeconds <= 0 {
		issuanceRetryBaseSeconds = 30
	}
	return &Service{
		repo:                repo,
		normalizer:          NewNormalizer(identities),
		issuer:              issuer,
		notifier:            notifier,
		producer:            producer,
		issuanceMaxAttempts: issuanceMaxAttempts,
		issuanceRetryBase:   time.Duration(issuanceRetryBaseSeconds) * time.Second,
	}
}

// SetRateLimiter installs the distributed rate limiter. Limits with value 0
// are disabled.
func (s *Service) SetRateLimiter(limiter RateLimiter, redeemPerMinute, eventPerMinute int) {
	s.limiter = limiter
	if redeemPerMinute > 0 {
		s.redeemLimitPerMinute = redeemPerMinute
	}
	if eventPerMinute > 0 {
		s.eventLimitPerMinute = eventPerMinute
	}
}

func (s *Service) consumeLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, limit, time.Minute)
	if err != nil {
		// Limiter outages must not take the pipeline down.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > limit {
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
	}
	return nil
}

// ProcessOrderPaid runs the full pipeline for a paid-order event.
func (s *Service) ProcessOrderPaid(ctx context.Context, payload domain.OrderPaidPayload) (*domain.ApplyOutcome, error) {
	event, err := s.normalizer.NormalizeOrderPaid(ctx, payload)
	if err != nil {
		return nil, err
	}
	return s.processEvent(ctx, event)
}

// ProcessReviewCreated runs the full pipeline for a product-review event.
func (s *Service) ProcessReviewCreated(ctx context.Context, payload domain.ReviewCreatedPayload) (*domain.ApplyOutcome, error) {
	event, err := s.normalizer.NormalizeReviewCreated(ctx, payload)
	if err != nil {
		return nil, err
	}
	return s.processEvent(ctx, event)
}

// processEvent applies a canonical event to the ledger and, when the balance
// grew, dispatches rewards for any newly crossed tiers. Dispatch problems are
// logged but never fail the apply: the points are already committed.
func (s *Service) processEvent(ctx context.Context, event *domain.Event) (*domain.ApplyOutcome, error) {
	if err := s.consumeLimit(ctx, "events", event.CustomerID, s.eventLimitPerMinute); err != nil {
		return nil, err
	}

	result, err := s.repo.ApplyEvent(ctx, event.CustomerID, event.ID, event.Delta)
	if err != nil {
		return nil, fmt.Errorf("ledger apply failed: %w", err)
	}

	outcome := &domain.ApplyOutcome{
		EventID:    event.ID,
		CustomerID: event.CustomerID,
		Delta:      event.Delta,
		OldBalance: result.OldBalance,
		NewBalance: result.NewBalance,
		Applied:    result.Applied,
	}

	if !result.Applied {
		log.Printf("level=info component=service flow=apply_event outcome=duplicate customer_id=%s event_id=%s", event.CustomerID, event.ID)
		return outcome, nil
	}

	log.Printf("level=info component=service flow=apply_event outcome=applied customer_id=%s event_id=%s kind=%s delta=%d old_balance=%d new_balance=%d",
		event.CustomerID, event.ID, event.Kind, event.Delta, result.OldBalance, result.NewBalance)

	if result.NewBalance > result.OldBalance {
		outcome.CrossedTiers = s.DispatchCrossings(ctx, event.CustomerID, result.OldBalance, result.NewBalance)
	}
	return outcome, nil
}

// Redeem consumes the free-product entitlement for a customer, decrementing
// the balance by the entitlement cost under the same per-customer
// serialization as event application.
func (s *Service) Redeem(ctx context.Context, customerID string) (int64, error) {
	if err := s.consumeLimit(ctx, "redeem", customerID, s.redeemLimitPerMinute); err != nil {
		return 0, err
	}

	newBalance, err := s.repo.RedeemEntitlement(ctx, customerID, domain.FreeProductCost)
	if err != nil {
		return 0, err
	}

	log.Printf("level=info component=service flow=redeem outcome=redeemed customer_id=%s new_balance=%d", customerID, newBalance)

	if s.producer != nil {
		if pubErr := s.producer.Publish(ctx, loyaltyEventsExchange, "loyalty.entitlement.redeemed", domain.EntitlementRedeemedEvent{
			CustomerID: customerID,
			NewBalance: newBalance,
			RedeemedAt: time.Now().UTC(),
		}); pubErr != nil {
			log.Printf("level=warn component=service flow=redeem msg=\"event publish failed\" customer_id=%s err=%v", customerID, pubErr)
		}
	}
	return newBalance, nil
}

// GetAccountView returns the customer-facing projection of an account: the
// current balance plus the static tier table annotated with issuance state.
// A customer with no account yet is shown as a zero-balance account.
func (s *Service) GetAccountView(ctx context.Context, customerID string) (*domain.AccountView, error) {
	account, err := s.repo.GetAccount(ctx, customerID)
	if err != nil {
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		account = &domain.LoyaltyAccount{CustomerID: customerID}
	}

	view := &domain.AccountView{
		CustomerID: customerID,
		Balance:    account.Balance,
	}
	for _, tier := range domain.Tiers() {
		view.Tiers = append(view.Tiers, domain.TierProgress{
			TierID:    tier.ID,
			Threshold: tier.Threshold,
			Reward:    tier.Label,
			Achieved:  account.HasIssuedTier(tier.ID),
		})
	}
	return view, nil
}

// FailedIssuances lists issuance records that exhausted their retry budget
// and need manual intervention.
func (s *Service) FailedIssuances(ctx context.Context, limit int) ([]domain.IssuanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListFailedIssuances(ctx, limit)
}
