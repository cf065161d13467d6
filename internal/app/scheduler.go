/**
 * @description
 * Cron scheduler for the pending-issuance retry sweep.
 *
 * The dispatcher issues rewards inline when a crossing is detected; any
 * issuance that fails transiently is left pending with a next-attempt time.
 * This scheduler periodically drains those records so a flaky commerce API
 * never strands an earned reward.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Schedule parsing and job execution.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepRunTimeout bounds one scheduler-driven sweep pass.
const sweepRunTimeout = 2 * time.Minute

// SweepScheduler runs the pending-issuance sweep on a cron schedule.
type SweepScheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewSweepScheduler creates a scheduler that sweeps due issuances on the
// given cron schedule (for example "@every 1m").
func NewSweepScheduler(service *Service, schedule string) *SweepScheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &SweepScheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *SweepScheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Printf("level=error component=sweep_scheduler msg=\"failed to schedule issuance sweep\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=sweep_scheduler msg=\"scheduled issuance sweep\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the scheduler and returns a context that is done
// once any in-flight sweep has finished.
func (s *SweepScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *SweepScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunTimeout)
	defer cancel()

	result, err := s.service.SweepPendingIssuances(ctx, defaultSweepLimit)
	if err != nil {
		log.Printf("level=error component=sweep_scheduler msg=\"issuance sweep failed\" err=%v", err)
		return
	}
	if result.Processed > 0 {
		log.Printf("level=info component=sweep_scheduler msg=\"issuance sweep complete\" processed=%d issued=%d rescheduled=%d abandoned=%d",
			result.Processed, result.Issued, result.Rescheduled, result.Abandoned)
	}
}
