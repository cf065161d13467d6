/**
 * @description
 * This file implements the background sweep that retries pending issuance
 * records. A record stays pending when the external issuance call failed or
 * timed out; the sweep picks up records whose backoff window has elapsed and
 * runs them through the same issuance path as inline dispatch, so every retry
 * carries the same idempotency key.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - internal/domain: Domain models.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
)

const (
	defaultSweepLimit = 100
	maxSweepLimit     = 500
)

// SweepResult summarizes one pass of the issuance retry sweep.
type SweepResult struct {
	Processed   int `json:"processed"`
	Issued      int `json:"issued"`
	Rescheduled int `json:"rescheduled"`
	Abandoned   int `json:"abandoned"`
}

// SweepPendingIssuances retries pending issuance records that are due,
// oldest first, up to limit records per pass.
func (s *Service) SweepPendingIssuances(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if limit > maxSweepLimit {
		limit = maxSweepLimit
	}

	due, err := s.repo.ListDuePendingIssuances(ctx, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due issuances: %w", err)
	}

	result := &SweepResult{Processed: len(due)}
	for _, rec := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if s.issueTier(ctx, rec.CustomerID, rec.TierID) {
			result.Issued++
			continue
		}

		// Classify the miss by the record's state after the attempt.
		after, getErr := s.repo.GetIssuance(ctx, rec.CustomerID, rec.TierID)
		if getErr != nil {
			log.Printf("level=warn component=service flow=issuance_sweep msg=\"record reload failed\" customer_id=%s tier_id=%s err=%v", rec.CustomerID, rec.TierID, getErr)
			continue
		}
		switch after.Status {
		case domain.IssuanceFailed:
			result.Abandoned++
		case domain.IssuancePending:
			result.Rescheduled++
		}
	}

	if result.Processed > 0 {
		log.Printf("level=info component=service flow=issuance_sweep processed=%d issued=%d rescheduled=%d abandoned=%d",
			result.Processed, result.Issued, result.Rescheduled, result.Abandoned)
	}
	return result, nil
}
