package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	documentdomain "mailscan-backend/internal/document/domain"
	"mailscan-backend/internal/extraction"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	mailboxusecase "mailscan-backend/internal/mailbox/usecase"
	"mailscan-backend/pkg/logger"
)

// CursorStore is the cursor half of the mailbox repository.
type CursorStore interface {
	GetCursor(ctx context.Context, mailboxID string) (*mailboxdomain.SyncCursor, error)
	CompareAndSwapCursor(ctx context.Context, mailboxID string, expectedVersion int64, value string) (bool, error)
}

// Extractor runs both extraction stages on one candidate.
type Extractor interface {
	Process(ctx context.Context, in extraction.Input) (extraction.Result, error)
}

type DocumentWriter interface {
	Upsert(ctx context.Context, mailboxID string, candidate *documentdomain.CandidateDocument, extraction *documentdomain.Extraction) (*documentdomain.ExtractedDocument, documentdomain.UpsertOutcome, error)
}

// CandidateStore keeps failed extraction attempts for synced candidates so
// one message that keeps failing cannot hold the cursor back forever.
type CandidateStore interface {
	SaveDiscovered(ctx context.Context, batch []*documentdomain.CandidateDocument) error
	FindByKey(ctx context.Context, mailboxID, chunkID, messageID, attachmentID string) (*documentdomain.CandidateDocument, error)
	MarkResolved(ctx context.Context, id, documentID string, producedBy documentdomain.Source) error
	MarkSkipped(ctx context.Context, id, reason string) error
	IncrementAttempts(ctx context.Context, id, lastError string) (int, error)
}

// SyncChunkID is the chunk id candidates staged by incremental sync carry.
const SyncChunkID = "sync"

type Config struct {
	FallbackDays     int
	PageLimit        int
	TickBudget       time.Duration
	TickBudgetMargin time.Duration
	// CandidateMaxAttempts is how many failed extractions a candidate gets
	// before it is stored as needs_review.
	CandidateMaxAttempts int
}

// SyncReport summarises one AdvanceSync call.
type SyncReport struct {
	MailboxID      string `json:"mailbox_id"`
	Changes        int    `json:"changes"`
	Created        int    `json:"created"`
	Upgraded       int    `json:"upgraded"`
	Unchanged      int    `json:"unchanged"`
	Skipped        int    `json:"skipped"`
	GaveUp         int    `json:"gave_up"`
	CursorAdvanced bool   `json:"cursor_advanced"`
	Fallback       bool   `json:"fallback"`
	Unavailable    string `json:"unavailable,omitempty"`
}

func (r *SyncReport) count(outcome documentdomain.UpsertOutcome) {
	switch outcome {
	case documentdomain.OutcomeCreated:
		r.Created++
	case documentdomain.OutcomeUpgraded:
		r.Upgraded++
	default:
		r.Unchanged++
	}
}

// SyncUsecase follows a mailbox's change stream. The stored cursor only
// moves after every change before it has been persisted.
type SyncUsecase struct {
	mailboxes *mailboxusecase.MailboxUsecase
	cursors   CursorStore
	factory   mailboxdomain.SourceFactory
	pipeline   Extractor
	candidates CandidateStore
	documents  DocumentWriter
	cfg        Config
	now        func() time.Time
	log        *logger.Logger
}

func NewSyncUsecase(
	mailboxes *mailboxusecase.MailboxUsecase,
	cursors CursorStore,
	factory mailboxdomain.SourceFactory,
	pipeline Extractor,
	candidates CandidateStore,
	documents DocumentWriter,
	cfg Config,
	log *logger.Logger,
) *SyncUsecase {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FallbackDays <= 0 {
		cfg.FallbackDays = 14
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 50 * time.Second
	}
	if cfg.CandidateMaxAttempts <= 0 {
		cfg.CandidateMaxAttempts = 3
	}
	return &SyncUsecase{
		mailboxes:  mailboxes,
		cursors:    cursors,
		factory:    factory,
		pipeline:   pipeline,
		candidates: candidates,
		documents:  documents,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With("component", "sync"),
	}
}

func (u *SyncUsecase) SetClock(now func() time.Time) {
	u.now = now
}

// AdvanceSync applies the changes since the stored cursor. Without a usable
// cursor it re-discovers the last FallbackDays and starts a fresh one.
func (u *SyncUsecase) AdvanceSync(ctx context.Context, mailboxID string) (SyncReport, error) {
	report := SyncReport{MailboxID: mailboxID}
	deadline := u.now().Add(u.cfg.TickBudget - u.cfg.TickBudgetMargin)
	ctx, cancel := context.WithTimeout(ctx, u.cfg.TickBudget)
	defer cancel()

	mailbox, err := u.mailboxes.Get(ctx, "", mailboxID)
	if err != nil {
		return report, err
	}
	ok, reason, err := u.mailboxes.Available(ctx, mailbox, u.now())
	if err != nil {
		return report, err
	}
	if !ok {
		report.Unavailable = reason
		return report, nil
	}

	src, err := u.factory.ForMailbox(ctx, mailbox)
	if err != nil {
		return report, u.sourceFailed(ctx, mailbox, &report, err)
	}

	cursor, err := u.cursors.GetCursor(ctx, mailbox.ID)
	if err != nil {
		return report, err
	}
	if cursor == nil {
		return report, u.fallback(ctx, src, mailbox, nil, &report)
	}

	log := u.log.With("mailbox_id", mailbox.ID)
	for {
		page, err := src.ChangesSince(ctx, cursor.Value, u.cfg.PageLimit)
		if err != nil {
			if mailboxdomain.Classify(err) == mailboxdomain.KindCursorExpired {
				log.Warn("sync cursor expired, re-discovering", "cursor", cursor.Value)
				return report, u.fallback(ctx, src, mailbox, cursor, &report)
			}
			return report, u.sourceFailed(ctx, mailbox, &report, err)
		}

		for _, id := range page.MessageIDs {
			report.Changes++
			if err := u.processMessage(ctx, src, mailbox, id, &report); err != nil {
				return report, u.sourceFailed(ctx, mailbox, &report, err)
			}
		}

		if page.NextCursor != "" && src.CursorAdvances(cursor.Value, page.NextCursor) {
			swapped, err := u.cursors.CompareAndSwapCursor(ctx, mailbox.ID, cursor.Version, page.NextCursor)
			if err != nil {
				return report, err
			}
			if !swapped {
				// Another writer committed first; its cursor wins.
				log.Info("sync cursor moved concurrently", "cursor", cursor.Value)
				return report, nil
			}
			cursor = &mailboxdomain.SyncCursor{MailboxID: mailbox.ID, Value: page.NextCursor, Version: cursor.Version + 1}
			report.CursorAdvanced = true
		}

		if !page.HasMore || !u.now().Before(deadline) {
			break
		}
	}

	if report.Changes > 0 {
		log.Info("sync advanced", "changes", report.Changes, "created", report.Created,
			"upgraded", report.Upgraded, "unchanged", report.Unchanged, "cursor", cursor.Value)
	}
	return report, nil
}

// fallback reads the current cursor before re-discovering, so anything
// arriving during the re-discovery is replayed by the next sync.
func (u *SyncUsecase) fallback(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, prev *mailboxdomain.SyncCursor, report *SyncReport) error {
	report.Fallback = true
	fresh, err := src.CurrentCursor(ctx)
	if err != nil {
		return u.sourceFailed(ctx, mailbox, report, err)
	}

	now := u.now()
	window := mailboxdomain.TimeWindow{Start: now.AddDate(0, 0, -u.cfg.FallbackDays), End: now.Add(time.Hour)}
	err = src.ListMessageIDs(ctx, window, func(ids []string) error {
		for _, id := range ids {
			report.Changes++
			if err := u.processMessage(ctx, src, mailbox, id, report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return u.sourceFailed(ctx, mailbox, report, err)
	}

	var expected int64
	if prev != nil {
		expected = prev.Version
	}
	swapped, err := u.cursors.CompareAndSwapCursor(ctx, mailbox.ID, expected, fresh)
	if err != nil {
		return err
	}
	report.CursorAdvanced = swapped
	u.log.Info("sync re-discovery done", "mailbox_id", mailbox.ID, "window", window.String(),
		"changes", report.Changes, "created", report.Created, "cursor_stored", swapped)
	return nil
}

func (u *SyncUsecase) processMessage(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, id string, report *SyncReport) error {
	msg, err := src.FetchMessage(ctx, id)
	if err != nil {
		if mailboxdomain.Classify(err) == mailboxdomain.KindNotFound {
			report.Skipped++
			return nil
		}
		return err
	}

	for _, cand := range extraction.CandidatesFor(mailbox.ID, SyncChunkID, msg) {
		in, err := extraction.InputFor(ctx, src, cand, true)
		if err != nil {
			if mailboxdomain.Classify(err) == mailboxdomain.KindNotFound {
				report.Skipped++
				continue
			}
			return err
		}

		var ext *documentdomain.Extraction
		res, err := u.pipeline.Process(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			giveUp, serr := u.failedAttempt(ctx, cand, err)
			if serr != nil {
				return errors.Join(err, serr)
			}
			if !giveUp {
				return fmt.Errorf("extract message %s: %w", id, err)
			}
			u.log.Warn("extraction keeps failing, storing for review", "mailbox_id", mailbox.ID,
				"message_id", cand.MessageID, "attachment_id", cand.AttachmentID, "error", err)
			report.GaveUp++
			res = extraction.NeedsReview("ai unavailable: " + err.Error())
		}

		switch res.Kind {
		case extraction.KindSkip:
			report.Skipped++
			if err := u.settle(ctx, cand, func(id string) error { return u.candidates.MarkSkipped(ctx, id, res.Reason) }); err != nil {
				return err
			}
			continue
		case extraction.KindResolved, extraction.KindNeedsReview:
			ext = res.Extraction
		default:
			ext = extraction.NeedsReview(res.Reason).Extraction
		}
		doc, outcome, err := u.documents.Upsert(ctx, mailbox.ID, cand, ext)
		if err != nil {
			return err
		}
		report.count(outcome)
		if err := u.settle(ctx, cand, func(id string) error { return u.candidates.MarkResolved(ctx, id, doc.ID, ext.Source) }); err != nil {
			return err
		}
	}
	return nil
}

// failedAttempt stages cand on its first failure and counts the attempt. It
// reports whether the candidate has used up its attempts.
func (u *SyncUsecase) failedAttempt(ctx context.Context, cand *documentdomain.CandidateDocument, cause error) (bool, error) {
	if err := u.candidates.SaveDiscovered(ctx, []*documentdomain.CandidateDocument{cand}); err != nil {
		return false, err
	}
	stored, err := u.candidates.FindByKey(ctx, cand.MailboxID, cand.ChunkID, cand.MessageID, cand.AttachmentID)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, fmt.Errorf("candidate %s/%s not staged", cand.MessageID, cand.AttachmentID)
	}
	cand.ID = stored.ID
	attempts, err := u.candidates.IncrementAttempts(ctx, stored.ID, cause.Error())
	if err != nil {
		return false, err
	}
	return attempts >= u.cfg.CandidateMaxAttempts, nil
}

// settle closes out a staged candidate. Candidates that never failed were
// never staged and need nothing.
func (u *SyncUsecase) settle(ctx context.Context, cand *documentdomain.CandidateDocument, mark func(id string) error) error {
	id := cand.ID
	if id == "" {
		stored, err := u.candidates.FindByKey(ctx, cand.MailboxID, cand.ChunkID, cand.MessageID, cand.AttachmentID)
		if err != nil || stored == nil {
			return err
		}
		id = stored.ID
	}
	return mark(id)
}

// sourceFailed records what an auth or rate-limit failure means for the
// mailbox and passes the error on.
func (u *SyncUsecase) sourceFailed(ctx context.Context, mailbox *mailboxdomain.Mailbox, report *SyncReport, err error) error {
	bg := context.WithoutCancel(ctx)
	switch mailboxdomain.Classify(err) {
	case mailboxdomain.KindAuthExpired:
		report.Unavailable = "auth_expired"
		if aerr := u.mailboxes.AuthFailed(bg, mailbox); aerr != nil {
			return errors.Join(err, aerr)
		}
	case mailboxdomain.KindRateLimited:
		report.Unavailable = "rate_limited"
		if _, terr := u.mailboxes.Throttle(bg, mailbox, mailboxdomain.RetryAfterOf(err), u.now()); terr != nil {
			return errors.Join(err, terr)
		}
	}
	return err
}
