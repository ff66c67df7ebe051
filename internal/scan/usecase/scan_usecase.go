package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	mailboxusecase "mailscan-backend/internal/mailbox/usecase"
	"mailscan-backend/internal/scan/domain"
	"mailscan-backend/internal/scan/repository"
	"mailscan-backend/pkg/logger"
	"mailscan-backend/pkg/retry"

	"github.com/google/uuid"
)

type Config struct {
	RangeYears         int
	WindowDays         int
	MaxAttempts        int
	LeaseDuration      time.Duration
	ClaimBatch         int
	TickBudget         time.Duration
	TickBudgetMargin   time.Duration
	ChunkRetryBaseWait time.Duration
	ChunkRetryMaxWait  time.Duration
}

func (c *Config) defaults() {
	if c.RangeYears <= 0 {
		c.RangeYears = 3
	}
	if c.WindowDays <= 0 {
		c.WindowDays = 30
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 2
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 50 * time.Second
	}
	if c.ChunkRetryBaseWait <= 0 {
		c.ChunkRetryBaseWait = 30 * time.Second
	}
	if c.ChunkRetryMaxWait <= 0 {
		c.ChunkRetryMaxWait = 30 * time.Minute
	}
}

// JobObserver hears about jobs that reached completed or failed.
type JobObserver interface {
	JobFinished(ctx context.Context, job *domain.ScanJob, mailbox *mailboxdomain.Mailbox)
}

// TickReport summarises one Advance call.
type TickReport struct {
	JobID           string             `json:"job_id"`
	Status          domain.JobStatus   `json:"status"`
	Claimed         int                `json:"claimed"`
	Completed       int                `json:"completed"`
	Retrying        int                `json:"retrying"`
	Exhausted       int                `json:"exhausted"`
	Released        int                `json:"released"`
	Skipped         string             `json:"skipped,omitempty"`
	BudgetExhausted bool               `json:"budget_exhausted"`
	Counts          domain.ChunkCounts `json:"counts"`
	DocumentsFound  int                `json:"documents_found"`
}

// JobProgress is the status view of a job.
type JobProgress struct {
	JobID          string                     `json:"job_id"`
	MailboxID      string                     `json:"mailbox_id"`
	Status         domain.JobStatus           `json:"status"`
	PauseRequested bool                       `json:"pause_requested"`
	ChunksDone     int                        `json:"chunks_done"`
	ChunksTotal    int                        `json:"chunks_total"`
	ChunksFailed   int                        `json:"chunks_failed"`
	ChunksInFlight int                        `json:"chunks_in_flight"`
	DocumentsFound int                        `json:"documents_found"`
	FailedWindows  []mailboxdomain.TimeWindow `json:"failed_windows"`
	FailureSummary string                     `json:"failure_summary,omitempty"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	FinishedAt     *time.Time                 `json:"finished_at,omitempty"`
}

// ScanUsecase drives deep scans. Every call is a short, stateless step
// coordinated only through the store, so any number of processes may tick.
type ScanUsecase struct {
	jobs      repository.JobRepository
	queue     repository.Queue
	mailboxes *mailboxusecase.MailboxUsecase
	factory   mailboxdomain.SourceFactory
	processor *ChunkProcessor
	cfg       Config
	now       func() time.Time
	observers []JobObserver
	log       *logger.Logger
}

func NewScanUsecase(
	jobs repository.JobRepository,
	queue repository.Queue,
	mailboxes *mailboxusecase.MailboxUsecase,
	factory mailboxdomain.SourceFactory,
	processor *ChunkProcessor,
	cfg Config,
	log *logger.Logger,
) *ScanUsecase {
	if log == nil {
		log = logger.Nop()
	}
	cfg.defaults()
	return &ScanUsecase{
		jobs:      jobs,
		queue:     queue,
		mailboxes: mailboxes,
		factory:   factory,
		processor: processor,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With("component", "scan"),
	}
}

// SetClock replaces the time source of the usecase and its processor.
func (u *ScanUsecase) SetClock(now func() time.Time) {
	u.now = now
	u.processor.now = now
}

func (u *ScanUsecase) AddObserver(o JobObserver) {
	u.observers = append(u.observers, o)
}

// StartScan creates a job over the last rangeYears of the mailbox. While a
// job is pending, running or paused it is returned instead.
func (u *ScanUsecase) StartScan(ctx context.Context, mailboxID string, rangeYears int) (*domain.ScanJob, error) {
	mailbox, err := u.mailboxes.Get(ctx, "", mailboxID)
	if err != nil {
		return nil, err
	}
	if active, err := u.jobs.FindActiveByMailbox(ctx, mailbox.ID); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}
	if rangeYears <= 0 {
		rangeYears = u.cfg.RangeYears
	}

	now := u.now().UTC().Truncate(time.Second)
	job := &domain.ScanJob{
		MailboxID:  mailbox.ID,
		RangeStart: now.AddDate(-rangeYears, 0, 0),
		RangeEnd:   now,
		Status:     domain.JobPending,
	}
	if err := u.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := u.start(ctx, job); err != nil {
		return nil, err
	}
	u.log.Info("scan started", "job_id", job.ID, "mailbox_id", mailbox.ID, "chunks", job.ChunksTotal,
		"range_start", job.RangeStart, "range_end", job.RangeEnd)
	return u.jobs.FindByID(ctx, job.ID)
}

// start enqueues the job's windows and moves it from pending to running.
// Enqueue is idempotent, so a job left pending by a crash is recovered by
// calling start again.
func (u *ScanUsecase) start(ctx context.Context, job *domain.ScanJob) error {
	chunks, err := u.queue.Enqueue(ctx, job.ID, domain.Partition(job.RangeStart, job.RangeEnd, u.cfg.WindowDays))
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	job.ChunksTotal = len(chunks)
	if err := u.jobs.SyncCounters(ctx, job.ID, domain.ChunkCounts{Total: len(chunks)}, 0); err != nil {
		return err
	}
	now := u.now()
	ok, err := u.jobs.TransitionStatus(ctx, job.ID, []domain.JobStatus{domain.JobPending}, domain.JobRunning, map[string]interface{}{
		"started_at": now,
	})
	if err != nil {
		return err
	}
	if ok {
		job.Status = domain.JobRunning
		job.StartedAt = &now
	}
	return nil
}

// Advance claims and processes chunks of jobID until the tick budget or
// the claim batch runs out.
func (u *ScanUsecase) Advance(ctx context.Context, jobID string) (TickReport, error) {
	started := u.now()
	budget := Budget{Deadline: started.Add(u.cfg.TickBudget), Margin: u.cfg.TickBudgetMargin, Now: u.now}
	tickCtx, cancel := context.WithTimeout(ctx, u.cfg.TickBudget)
	defer cancel()

	report := TickReport{JobID: jobID}
	job, err := u.jobs.FindByID(ctx, jobID)
	if err != nil {
		return report, err
	}
	if job == nil {
		return report, domain.ErrJobNotFound
	}
	report.Status = job.Status

	switch job.Status {
	case domain.JobPending:
		if err := u.start(ctx, job); err != nil {
			return report, err
		}
	case domain.JobRunning:
	default:
		return report, nil
	}

	mailbox, err := u.mailboxes.Get(ctx, "", job.MailboxID)
	if err != nil {
		return report, err
	}
	ok, reason, err := u.mailboxes.Available(ctx, mailbox, started)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = reason
		return u.settle(ctx, job, mailbox, report)
	}
	if job.PauseRequested {
		return u.settle(ctx, job, mailbox, report)
	}

	src, err := u.factory.ForMailbox(tickCtx, mailbox)
	if err != nil {
		if mailboxdomain.Classify(err) == mailboxdomain.KindAuthExpired {
			report.Skipped = "auth_expired"
			if aerr := u.mailboxes.AuthFailed(ctx, mailbox); aerr != nil {
				return report, aerr
			}
			return u.settle(ctx, job, mailbox, report)
		}
		return report, err
	}

	owner := uuid.NewString()
	for report.Claimed < u.cfg.ClaimBatch {
		if budget.Exhausted() {
			report.BudgetExhausted = true
			break
		}
		current, err := u.jobs.FindByID(ctx, job.ID)
		if err != nil {
			return report, err
		}
		if current == nil || current.Status != domain.JobRunning || current.PauseRequested {
			break
		}
		claimed, err := u.queue.Claim(ctx, job.ID, owner, 1, u.cfg.LeaseDuration, u.now())
		if err != nil {
			return report, err
		}
		if len(claimed) == 0 {
			break
		}
		report.Claimed++
		if stop := u.runChunk(ctx, tickCtx, src, mailbox, claimed[0], owner, budget, &report); stop {
			break
		}
	}
	return u.settle(ctx, job, mailbox, report)
}

// runChunk processes one claimed chunk and files its outcome. It returns
// true when the tick should stop claiming.
func (u *ScanUsecase) runChunk(ctx, tickCtx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, chunk *domain.WorkChunk, owner string, budget Budget, report *TickReport) bool {
	log := u.log.With("job_id", chunk.JobID, "chunk_id", chunk.ID, "window", chunk.Window().String(), "attempt", chunk.Attempts)
	err := u.processor.Process(tickCtx, src, mailbox, chunk, owner, budget)
	if err == nil {
		report.Completed++
		log.Debug("chunk completed")
		return false
	}

	// The tick context may be gone; outcome bookkeeping must still land.
	bg := context.WithoutCancel(ctx)
	now := u.now()
	release := func(availableAt *time.Time) {
		if rerr := u.queue.Release(bg, chunk.ID, owner, true, availableAt, now); rerr != nil && !errors.Is(rerr, domain.ErrLeaseLost) {
			log.Error("failed to release chunk", "error", rerr)
		}
		report.Released++
	}

	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("chunk lease lost")
		return false
	case errors.Is(err, errBudgetExhausted), errors.Is(err, context.DeadlineExceeded) && tickCtx.Err() != nil:
		release(nil)
		report.BudgetExhausted = true
		log.Debug("chunk paused at budget")
		return true
	case ctx.Err() != nil:
		release(nil)
		return true
	}

	switch mailboxdomain.Classify(err) {
	case mailboxdomain.KindAuthExpired:
		release(nil)
		report.Skipped = "auth_expired"
		if aerr := u.mailboxes.AuthFailed(bg, mailbox); aerr != nil {
			log.Error("failed to flag mailbox", "error", aerr)
		}
		return true
	case mailboxdomain.KindRateLimited:
		until, terr := u.mailboxes.Throttle(bg, mailbox, mailboxdomain.RetryAfterOf(err), now)
		if terr != nil {
			log.Error("failed to store cooldown", "error", terr)
		}
		release(&until)
		report.Skipped = "rate_limited"
		return true
	}

	maxAttempts := u.cfg.MaxAttempts
	if mailboxdomain.Classify(err) == mailboxdomain.KindPermanent {
		maxAttempts = 0
	}
	retryAt := now.Add(retry.Delay(u.cfg.ChunkRetryBaseWait, u.cfg.ChunkRetryMaxWait, chunk.Attempts))
	status, ferr := u.queue.Fail(bg, chunk.ID, owner, err.Error(), maxAttempts, retryAt, now)
	if ferr != nil {
		if !errors.Is(ferr, domain.ErrLeaseLost) {
			log.Error("failed to record chunk failure", "error", ferr, "cause", err)
		}
		return false
	}
	if status == domain.ChunkFailed {
		report.Exhausted++
		log.Warn("chunk failed permanently", "error", err)
	} else {
		report.Retrying++
		log.Info("chunk will retry", "error", err, "retry_at", retryAt)
	}
	return false
}

// settle refreshes the job counters and applies the transitions that
// depend on them: completion, failure and a requested pause.
func (u *ScanUsecase) settle(ctx context.Context, job *domain.ScanJob, mailbox *mailboxdomain.Mailbox, report TickReport) (TickReport, error) {
	ctx = context.WithoutCancel(ctx)
	counts, err := u.queue.Counts(ctx, job.ID)
	if err != nil {
		return report, err
	}
	docs, err := u.jobs.CountDocuments(ctx, job.ID)
	if err != nil {
		return report, err
	}
	if err := u.jobs.SyncCounters(ctx, job.ID, counts, docs); err != nil {
		return report, err
	}
	report.Counts = counts
	report.DocumentsFound = docs

	current, err := u.jobs.FindByID(ctx, job.ID)
	if err != nil {
		return report, err
	}
	if current == nil {
		return report, domain.ErrJobNotFound
	}

	switch {
	case current.Status == domain.JobRunning && counts.Total > 0 && counts.Queued == 0 && counts.Claimed == 0:
		if err := u.finish(ctx, current, mailbox, counts); err != nil {
			return report, err
		}
	case current.PauseRequested:
		if _, err := u.finalizePause(ctx, current.ID); err != nil {
			return report, err
		}
	}

	if latest, err := u.jobs.FindByID(ctx, job.ID); err == nil && latest != nil {
		report.Status = latest.Status
	}
	return report, nil
}

// finish closes a job whose chunks are all done or failed. A job is failed
// only when no chunk succeeded.
func (u *ScanUsecase) finish(ctx context.Context, job *domain.ScanJob, mailbox *mailboxdomain.Mailbox, counts domain.ChunkCounts) error {
	status := domain.JobCompleted
	summary := ""
	if counts.Failed > 0 {
		var err error
		summary, err = u.failureSummary(ctx, job.ID, counts)
		if err != nil {
			return err
		}
		if counts.Done == 0 {
			status = domain.JobFailed
		}
	}
	ok, err := u.jobs.TransitionStatus(ctx, job.ID, []domain.JobStatus{domain.JobRunning}, status, map[string]interface{}{
		"finished_at":     u.now(),
		"failure_summary": summary,
		"pause_requested": false,
	})
	if err != nil || !ok {
		return err
	}

	finished, err := u.jobs.FindByID(ctx, job.ID)
	if err != nil || finished == nil {
		return err
	}
	u.log.Info("scan finished", "job_id", job.ID, "status", status, "chunks_done", counts.Done,
		"chunks_failed", counts.Failed, "documents_found", finished.DocumentsFound)
	for _, o := range u.observers {
		o.JobFinished(ctx, finished, mailbox)
	}
	return nil
}

func (u *ScanUsecase) failureSummary(ctx context.Context, jobID string, counts domain.ChunkCounts) (string, error) {
	failed, err := u.queue.ListByJob(ctx, jobID, domain.ChunkFailed)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(failed))
	for i, c := range failed {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(failed)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Window().String(), c.LastError))
	}
	return truncate(fmt.Sprintf("%d of %d windows failed: %s", counts.Failed, counts.Total, strings.Join(parts, "; ")), 2000), nil
}

// finalizePause moves a job with a pending pause request to paused once no
// chunk is held under a live lease.
func (u *ScanUsecase) finalizePause(ctx context.Context, jobID string) (bool, error) {
	active, err := u.queue.ActiveClaims(ctx, jobID, u.now())
	if err != nil || active > 0 {
		return false, err
	}
	return u.jobs.TransitionStatus(ctx, jobID, []domain.JobStatus{domain.JobPending, domain.JobRunning}, domain.JobPaused, nil)
}

func (u *ScanUsecase) load(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	job, err := u.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// Pause asks the job to stop at the next chunk boundary. The job is paused
// right away when nothing is in flight.
func (u *ScanUsecase) Pause(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	job, err := u.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobPaused {
		return job, nil
	}
	ok, err := u.jobs.SetPauseRequested(ctx, jobID, true, []domain.JobStatus{domain.JobPending, domain.JobRunning})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot pause a %s job", domain.ErrInvalidTransition, job.Status)
	}
	if _, err := u.finalizePause(ctx, jobID); err != nil {
		return nil, err
	}
	u.log.Info("scan pause requested", "job_id", jobID)
	return u.load(ctx, jobID)
}

func (u *ScanUsecase) Resume(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	job, err := u.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobRunning && !job.PauseRequested {
		return job, nil
	}
	ok, err := u.jobs.SetPauseRequested(ctx, jobID, false, []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot resume a %s job", domain.ErrInvalidTransition, job.Status)
	}
	if _, err := u.jobs.TransitionStatus(ctx, jobID, []domain.JobStatus{domain.JobPaused}, domain.JobRunning, nil); err != nil {
		return nil, err
	}
	u.log.Info("scan resumed", "job_id", jobID)
	return u.load(ctx, jobID)
}

// Cancel discards the job's queued chunks. Chunks already in flight finish
// their current attempt. Cancelling a cancelled job is a no-op.
func (u *ScanUsecase) Cancel(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	job, err := u.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobCancelled:
		return job, nil
	case domain.JobCompleted:
		return nil, fmt.Errorf("%w: job already completed", domain.ErrInvalidTransition)
	}

	now := u.now()
	discarded, err := u.queue.DiscardQueued(ctx, jobID, now)
	if err != nil {
		return nil, err
	}
	ok, err := u.jobs.TransitionStatus(ctx, jobID,
		[]domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused, domain.JobFailed},
		domain.JobCancelled, map[string]interface{}{
			"finished_at":     now,
			"pause_requested": false,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		latest, err := u.load(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if latest.Status == domain.JobCancelled {
			return latest, nil
		}
		return nil, fmt.Errorf("%w: job is %s", domain.ErrInvalidTransition, latest.Status)
	}
	u.refreshCounters(ctx, jobID)
	u.log.Info("scan cancelled", "job_id", jobID, "discarded", discarded)
	return u.load(ctx, jobID)
}

// RetryFailed requeues the exhausted chunks of a failed job with fresh
// attempts and puts the job back to running.
func (u *ScanUsecase) RetryFailed(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	job, err := u.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", domain.ErrInvalidTransition, job.Status)
	}
	n, err := u.queue.RequeueFailed(ctx, jobID, u.now())
	if err != nil {
		return nil, err
	}
	ok, err := u.jobs.TransitionStatus(ctx, jobID, []domain.JobStatus{domain.JobFailed}, domain.JobRunning, map[string]interface{}{
		"finished_at":     nil,
		"failure_summary": "",
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job changed concurrently", domain.ErrInvalidTransition)
	}
	u.refreshCounters(ctx, jobID)
	u.log.Info("scan retry", "job_id", jobID, "requeued", n)
	return u.load(ctx, jobID)
}

// refreshCounters resyncs the stored counters after a transition that has
// already landed, so a failure is only logged.
func (u *ScanUsecase) refreshCounters(ctx context.Context, jobID string) {
	counts, err := u.queue.Counts(ctx, jobID)
	if err == nil {
		var docs int
		if docs, err = u.jobs.CountDocuments(ctx, jobID); err == nil {
			err = u.jobs.SyncCounters(ctx, jobID, counts, docs)
		}
	}
	if err != nil {
		u.log.Error("failed to refresh job counters", "job_id", jobID, "error", err)
	}
}

// GetStatus reports progress computed from the chunk table.
func (u *ScanUsecase) GetStatus(ctx context.Context, jobID string) (*JobProgress, error) {
	job, err := u.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := u.queue.Counts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	inFlight, err := u.queue.ActiveClaims(ctx, jobID, u.now())
	if err != nil {
		return nil, err
	}
	docs, err := u.jobs.CountDocuments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failed, err := u.queue.ListByJob(ctx, jobID, domain.ChunkFailed)
	if err != nil {
		return nil, err
	}
	windows := make([]mailboxdomain.TimeWindow, 0, len(failed))
	for _, c := range failed {
		windows = append(windows, c.Window())
	}
	return &JobProgress{
		JobID:          job.ID,
		MailboxID:      job.MailboxID,
		Status:         job.Status,
		PauseRequested: job.PauseRequested,
		ChunksDone:     counts.Done,
		ChunksTotal:    counts.Total,
		ChunksFailed:   counts.Failed,
		ChunksInFlight: int(inFlight),
		DocumentsFound: docs,
		FailedWindows:  windows,
		FailureSummary: job.FailureSummary,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}, nil
}

func (u *ScanUsecase) ListJobs(ctx context.Context, mailboxID string) ([]*domain.ScanJob, error) {
	return u.jobs.ListByMailbox(ctx, mailboxID)
}

// RunnableJobs lists the jobs a scheduler tick should advance.
func (u *ScanUsecase) RunnableJobs(ctx context.Context) ([]*domain.ScanJob, error) {
	return u.jobs.ListRunnable(ctx)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
