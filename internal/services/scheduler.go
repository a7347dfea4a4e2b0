package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs ingestion on a cron schedule: every tick first retries
// pending archives, then ingests whatever the source lists.
type Scheduler struct {
	cron     *cron.Cron
	ingestor *Ingestor
	selector *Selector
	source   Source
	timeout  time.Duration
}

// NewScheduler creates a scheduler. A tick that is still running when the
// next one fires causes that next one to be skipped.
func NewScheduler(ingestor *Ingestor, selector *Selector, source Source) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ingestor: ingestor,
		selector: selector,
		source:   source,
		timeout:  30 * time.Minute,
	}
}

// Start registers the ingestion job under schedule and starts the cron loop.
func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Ingestion scheduler started.", "schedule", schedule)
	return nil
}

// Stop stops the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Ingestion scheduler stopped.")
}

// RunOnce performs one tick synchronously.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if n, err := s.selector.RecoverArchives(ctx); err != nil {
		slog.Warn("Archive recovery finished with errors.", "recovered", n, "error", err)
	}
	summary, err := s.ingestor.IngestAll(ctx, s.source)
	if err != nil {
		slog.Warn("Ingestion run finished with errors.", "failed", summary.Failed, "error", err)
	}
}
