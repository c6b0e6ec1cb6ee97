// Package retention runs the periodic eviction of expired records: terminal
// jobs past the results TTL, batches past the metadata TTL, in-process job
// snapshots, and idle rate-limit windows.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"convoflow/internal/jobs"
	"convoflow/internal/queue"
	"convoflow/internal/ratelimit"
)

type Service struct {
	store       *queue.Store
	manager     *jobs.Manager
	limiter     *ratelimit.Limiter
	cron        *cron.Cron
	resultsTTL  time.Duration
	metadataTTL time.Duration
}

func NewService(store *queue.Store, manager *jobs.Manager, limiter *ratelimit.Limiter, resultsTTL, metadataTTL time.Duration) *Service {
	return &Service{
		store:       store,
		manager:     manager,
		limiter:     limiter,
		cron:        cron.New(),
		resultsTTL:  resultsTTL,
		metadataTTL: metadataTTL,
	}
}

// Start schedules the sweep with a standard cron expression or a descriptor
// like "@hourly".
func (s *Service) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", spec).Msg("retention sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	jobCount, batchCount, err := s.store.DeleteExpired(ctx, s.resultsTTL, s.metadataTTL)
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	inProcess := s.manager.Evict(s.resultsTTL)
	windows := s.limiter.Purge()
	log.Info().
		Int("jobs", jobCount).
		Int("batches", batchCount).
		Int("in_process", inProcess).
		Int("rate_windows", windows).
		Msg("retention sweep complete")
}
