package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	incrementalusecase "mailscan-backend/internal/incremental/usecase"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	scandomain "mailscan-backend/internal/scan/domain"
	scanusecase "mailscan-backend/internal/scan/usecase"
	"mailscan-backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

type DeepScanner interface {
	RunnableJobs(ctx context.Context) ([]*scandomain.ScanJob, error)
	Advance(ctx context.Context, jobID string) (scanusecase.TickReport, error)
}

type Syncer interface {
	AdvanceSync(ctx context.Context, mailboxID string) (incrementalusecase.SyncReport, error)
}

type MailboxLister interface {
	ListActive(ctx context.Context) ([]*mailboxdomain.Mailbox, error)
}

type Config struct {
	DeepScanInterval time.Duration
	SyncInterval     time.Duration
	Concurrency      int
}

// Scheduler fires deep-scan and sync ticks on fixed cadences. A tick holds
// no state between runs; a unit that overruns its cadence is simply picked
// up again by the next tick.
type Scheduler struct {
	scans        DeepScanner
	syncer       Syncer
	mailboxes    MailboxLister
	deepInterval time.Duration
	syncInterval time.Duration
	concurrency  int
	log          *logger.Logger
	stopChan     chan struct{}
	stopped      atomic.Bool
}

func NewScheduler(scans DeepScanner, syncer Syncer, mailboxes MailboxLister, cfg Config, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DeepScanInterval <= 0 {
		cfg.DeepScanInterval = time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Scheduler{
		scans:        scans,
		syncer:       syncer,
		mailboxes:    mailboxes,
		deepInterval: cfg.DeepScanInterval,
		syncInterval: cfg.SyncInterval,
		concurrency:  cfg.Concurrency,
		log:          log.With("component", "scheduler"),
		stopChan:     make(chan struct{}),
	}
}

// Start runs both loops in the background until Stop.
func (s *Scheduler) Start() {
	s.log.Info("scheduler started", "deep_interval", s.deepInterval, "sync_interval", s.syncInterval)
	go s.loop("deep", s.deepInterval, s.RunDeepTick)
	go s.loop("sync", s.syncInterval, s.RunSyncTick)
}

func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopChan)
	}
}

func (s *Scheduler) loop(name string, interval time.Duration, tick func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	run := func() {
		if err := tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", "loop", name, "error", err)
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-s.stopChan:
			s.log.Info("scheduler stopped", "loop", name)
			return
		}
	}
}

// RunDeepTick advances every runnable job once.
func (s *Scheduler) RunDeepTick(ctx context.Context) error {
	jobs, err := s.scans.RunnableJobs(ctx)
	if err != nil {
		return fmt.Errorf("list runnable jobs: %w", err)
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	s.each(ctx, "advance", ids, func(ctx context.Context, id string) error {
		report, err := s.scans.Advance(ctx, id)
		if err == nil && (report.Claimed > 0 || report.Skipped != "") {
			s.log.Debug("job advanced", "job_id", id, "status", report.Status, "completed", report.Completed,
				"retrying", report.Retrying, "skipped", report.Skipped)
		}
		return err
	})
	return nil
}

// RunSyncTick advances the change stream of every active mailbox once.
func (s *Scheduler) RunSyncTick(ctx context.Context) error {
	mailboxes, err := s.mailboxes.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active mailboxes: %w", err)
	}
	ids := make([]string, 0, len(mailboxes))
	for _, m := range mailboxes {
		ids = append(ids, m.ID)
	}
	s.each(ctx, "sync", ids, func(ctx context.Context, id string) error {
		_, err := s.syncer.AdvanceSync(ctx, id)
		return err
	})
	return nil
}

// each runs fn for every id with bounded concurrency. A failing or
// panicking unit is logged and never stops the others.
func (s *Scheduler) each(ctx context.Context, op string, ids []string, fn func(ctx context.Context, id string) error) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("scheduler unit panicked", "op", op, "id", id, "panic", fmt.Sprint(r))
				}
			}()
			if err := fn(ctx, id); err != nil {
				s.log.Warn("scheduler unit failed", "op", op, "id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
