/**
 * @description
 * This file implements the reward dispatcher and the notification dispatch
 * that follows a successful issuance. Dispatch is re-entrant: a crash or
 * retry can re-deliver the same balance transition, so every step is guarded
 * by the issuance record state machine (pending -> issued, issued terminal)
 * and the idempotency key on the external call.
 *
 * Earned points are never rolled back because issuance failed: a failed call
 * leaves the record pending for the background sweep to retry with bounded
 * exponential backoff, until the attempt budget is exhausted and the record
 * is marked failed for manual intervention.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
	"github.com/perkline/loyalty-service/internal/store"
)

// DispatchCrossings evaluates which tiers the committed balance transition
// newly crossed and attempts to issue a reward for each, in ascending
// threshold order. It returns the tiers that reached issued state during this
// call. Errors are logged, never propagated: the ledger commit stands.
func (s *Service) DispatchCrossings(ctx context.Context, customerID string, oldBalance, newBalance int64) []domain.TierID {
	account, err := s.repo.GetAccount(ctx, customerID)
	if err != nil {
		log.Printf("level=error component=service flow=dispatch msg=\"account load failed; crossings not evaluated\" customer_id=%s err=%v", customerID, err)
		return nil
	}

	crossed := CrossedTiers(oldBalance, newBalance, account.IssuedTiers)
	var issuedNow []domain.TierID
	for _, tierID := range crossed {
		if s.issueTier(ctx, customerID, tierID) {
			issuedNow = append(issuedNow, tierID)
		}
	}
	return issuedNow
}

// issueTier drives one (customer, tier) pair through the issuance state
// machine. Returns true when the tier reached issued state in this call.
func (s *Service) issueTier(ctx context.Context, customerID string, tierID domain.TierID) bool {
	tier, ok := domain.TierByID(tierID)
	if !ok {
		log.Printf("level=error component=service flow=dispatch msg=\"unknown tier id\" customer_id=%s tier_id=%s", customerID, tierID)
		return false
	}

	rec, err := s.repo.EnsurePendingIssuance(ctx, customerID, tierID)
	if err != nil {
		log.Printf("level=error component=service flow=dispatch msg=\"issuance record create failed\" customer_id=%s tier_id=%s err=%v", customerID, tierID, err)
		return false
	}

	switch rec.Status {
	case domain.IssuanceIssued:
		// Already issued on a previous delivery of this transition. Re-assert
		// the issued-tier marker in case the crash landed between the two writes.
		if err := s.repo.MarkTierIssued(ctx, customerID, tierID); err != nil {
			log.Printf("level=warn component=service flow=dispatch msg=\"issued-tier marker repair failed\" customer_id=%s tier_id=%s err=%v", customerID, tierID, err)
		}
		return false
	case domain.IssuanceFailed:
		// Exhausted its retry budget; waiting on manual intervention.
		return false
	}

	code, err := s.issuer.IssueReward(ctx, customerID, string(tierID), string(tier.Kind), tier.Value, rec.IdempotencyKey())
	if err != nil {
		// A timeout is an unknown outcome, not a definitive failure. The
		// idempotency key makes the sweep's retry safe either way.
		s.recordIssuanceFailure(ctx, rec, err)
		return false
	}

	if err := s.repo.MarkIssuanceIssued(ctx, rec.ID, code); err != nil {
		if errors.Is(err, store.ErrIssuanceAlreadyIssued) {
			return false
		}
		// The code exists externally but our record is still pending; the
		// sweep will retry with the same idempotency key and converge.
		log.Printf("level=error component=service flow=dispatch msg=\"issuance persist failed after external call\" customer_id=%s tier_id=%s err=%v", customerID, tierID, err)
		return false
	}

	if err := s.repo.MarkTierIssued(ctx, customerID, tierID); err != nil {
		log.Printf("level=error component=service flow=dispatch msg=\"issued-tier marker write failed\" customer_id=%s tier_id=%s err=%v", customerID, tierID, err)
	}

	log.Printf("level=info component=service flow=dispatch outcome=issued customer_id=%s tier_id=%s code=%s", customerID, tierID, code)

	s.notifyRewardIssued(ctx, customerID, tier, code)
	return true
}

// explicitRejection is implemented by collaborator errors that can tell a
// definitive API rejection apart from a transport failure whose outcome is
// unknown. A rejected call returns the same rejection on every retry.
type explicitRejection interface {
	IsExplicitRejection() bool
}

func isExplicitRejection(err error) bool {
	var rej explicitRejection
	return errors.As(err, &rej) && rej.IsExplicitRejection()
}

// recordIssuanceFailure bumps the attempt counter and either schedules the
// next retry with exponential backoff or abandons the record as failed. An
// explicitly rejected call is abandoned immediately: retrying a definitive
// rejection only burns the attempt budget.
func (s *Service) recordIssuanceFailure(ctx context.Context, rec *domain.IssuanceRecord, cause error) {
	attempts := rec.Attempts + 1
	rejected := isExplicitRejection(cause)
	markFailed := rejected || attempts >= s.issuanceMaxAttempts
	next := time.Now().UTC().Add(s.issuanceBackoff(attempts))

	if err := s.repo.RecordIssuanceFailure(ctx, rec.ID, cause.Error(), next, markFailed); err != nil {
		log.Printf("level=error component=service flow=dispatch msg=\"issuance failure persist failed\" customer_id=%s tier_id=%s err=%v", rec.CustomerID, rec.TierID, err)
		return
	}

	if markFailed {
		reason := "issuance attempts exhausted; manual intervention required"
		if rejected {
			reason = "issuance explicitly rejected; manual intervention required"
		}
		log.Printf("level=error component=service flow=dispatch outcome=abandoned msg=%q customer_id=%s tier_id=%s attempts=%d err=%v",
			reason, rec.CustomerID, rec.TierID, attempts, cause)
		return
	}
	log.Printf("level=warn component=service flow=dispatch outcome=retry_scheduled customer_id=%s tier_id=%s attempts=%d next_attempt_at=%s err=%v",
		rec.CustomerID, rec.TierID, attempts, next.Format(time.RFC3339), cause)
}

// issuanceBackoff returns the delay before the given attempt number retries.
func (s *Service) issuanceBackoff(attempts int) time.Duration {
	backoff := s.issuanceRetryBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxIssuanceBackoff {
			return maxIssuanceBackoff
		}
	}
	return backoff
}

// notifyRewardIssued tells the customer about the issued reward and publishes
// the reward event. Both are best-effort: failure never affects ledger or
// issuance state.
func (s *Service) notifyRewardIssued(ctx context.Context, customerID string, tier domain.RewardTier, code string) {
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, customerID, string(tier.Kind), tier.Label, code); err != nil {
			log.Printf("level=warn component=service flow=notify msg=\"reward notice failed\" customer_id=%s tier_id=%s err=%v", customerID, tier.ID, err)
		}
	}

	if s.producer != nil {
		if err := s.producer.Publish(ctx, loyaltyEventsExchange, "loyalty.reward.issued", domain.RewardIssuedEvent{
			CustomerID: customerID,
			TierID:     tier.ID,
			RewardKind: tier.Kind,
			Code:       code,
			IssuedAt:   time.Now().UTC(),
		}); err != nil {
			log.Printf("level=warn component=service flow=notify msg=\"reward event publish failed\" customer_id=%s tier_id=%s err=%v", customerID, tier.ID, err)
		}
	}
}
