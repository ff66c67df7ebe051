package usecase

import (
	"context"
	"errors"
	"time"

	documentdomain "mailscan-backend/internal/document/domain"
	documentrepo "mailscan-backend/internal/document/repository"
	"mailscan-backend/internal/extraction"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/scan/domain"
	"mailscan-backend/internal/scan/repository"
	"mailscan-backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// errBudgetExhausted stops a chunk between units of work when the tick is
// about to run out of time.
var errBudgetExhausted = errors.New("tick budget exhausted")

// Budget is the time left to one tick.
type Budget struct {
	Deadline time.Time
	Margin   time.Duration
	Now      func() time.Time
}

func (b Budget) Remaining() time.Duration {
	return b.Deadline.Sub(b.Now())
}

// Exhausted reports whether less than the margin remains.
func (b Budget) Exhausted() bool {
	return b.Remaining() <= b.Margin
}

// DocumentWriter is the dedup write path.
type DocumentWriter interface {
	Upsert(ctx context.Context, mailboxID string, candidate *documentdomain.CandidateDocument, extraction *documentdomain.Extraction) (*documentdomain.ExtractedDocument, documentdomain.UpsertOutcome, error)
}

// AIRunner is the second extraction stage.
type AIRunner interface {
	Run(ctx context.Context, in extraction.Input) (extraction.Result, error)
}

// ChunkProcessor runs one claimed chunk from its current stage onward.
// Each stage boundary is persisted, so a chunk resumed by another tick
// skips the stages already done.
type ChunkProcessor struct {
	queue                repository.Queue
	candidates           documentrepo.CandidateRepository
	documents            DocumentWriter
	regex                *extraction.RegexStage
	ai                   AIRunner
	fetchConcurrency     int
	candidateMaxAttempts int
	lease                time.Duration
	now                  func() time.Time
	log                  *logger.Logger
}

type ProcessorConfig struct {
	FetchConcurrency     int
	CandidateMaxAttempts int
	LeaseDuration        time.Duration
}

func NewChunkProcessor(queue repository.Queue, candidates documentrepo.CandidateRepository, documents DocumentWriter, regex *extraction.RegexStage, ai AIRunner, cfg ProcessorConfig, log *logger.Logger) *ChunkProcessor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.CandidateMaxAttempts <= 0 {
		cfg.CandidateMaxAttempts = 3
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	return &ChunkProcessor{
		queue:                queue,
		candidates:           candidates,
		documents:            documents,
		regex:                regex,
		ai:                   ai,
		fetchConcurrency:     cfg.FetchConcurrency,
		candidateMaxAttempts: cfg.CandidateMaxAttempts,
		lease:                cfg.LeaseDuration,
		now:                  func() time.Time { return time.Now().UTC() },
		log:                  log.With("component", "chunk"),
	}
}

// Process returns nil once the chunk is complete.
func (p *ChunkProcessor) Process(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, chunk *domain.WorkChunk, owner string, budget Budget) error {
	stage := chunk.Stage
	if stage == "" {
		stage = domain.StageDiscovery
	}
	for stage != "" {
		if budget.Exhausted() {
			return errBudgetExhausted
		}
		if err := p.queue.ExtendLease(ctx, chunk.ID, owner, p.now().Add(p.lease)); err != nil {
			return err
		}

		var err error
		switch stage {
		case domain.StageDiscovery:
			err = p.discover(ctx, src, mailbox, chunk, budget)
		case domain.StageRegex:
			err = p.runRegex(ctx, src, mailbox, chunk, budget)
		case domain.StageAI:
			err = p.runAI(ctx, src, mailbox, chunk, budget)
		}
		if err != nil {
			return err
		}

		next := stage.Next()
		if next == "" {
			return p.queue.Complete(ctx, chunk.ID, owner, p.now())
		}
		if err := p.queue.AdvanceStage(ctx, chunk.ID, owner, next, p.now()); err != nil {
			return err
		}
		p.log.Debug("chunk stage done", "chunk_id", chunk.ID, "stage", stage, "next", next)
		chunk.Stage = next
		stage = next
	}
	return nil
}

// discover lists the window and stores its candidates. Re-running it is
// harmless: candidates are unique per chunk and message.
func (p *ChunkProcessor) discover(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, chunk *domain.WorkChunk, budget Budget) error {
	return src.ListMessageIDs(ctx, chunk.Window(), func(ids []string) error {
		if budget.Exhausted() {
			return errBudgetExhausted
		}
		msgs := make([]*mailboxdomain.Message, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.fetchConcurrency)
		for i, id := range ids {
			g.Go(func() error {
				msg, err := src.FetchMessage(gctx, id)
				if err != nil {
					if mailboxdomain.Classify(err) == mailboxdomain.KindNotFound {
						return nil
					}
					return err
				}
				msgs[i] = msg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var batch []*documentdomain.CandidateDocument
		for _, msg := range msgs {
			if msg != nil {
				batch = append(batch, extraction.CandidatesFor(mailbox.ID, chunk.ID, msg)...)
			}
		}
		return p.candidates.SaveDiscovered(ctx, batch)
	})
}

func (p *ChunkProcessor) runRegex(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, chunk *domain.WorkChunk, budget Budget) error {
	cands, err := p.candidates.ListByState(ctx, chunk.ID, documentdomain.CandidatePending)
	if err != nil {
		return err
	}
	for _, cand := range cands {
		if budget.Exhausted() {
			return errBudgetExhausted
		}
		in, err := extraction.InputFor(ctx, src, cand, false)
		if err != nil {
			if mailboxdomain.Classify(err) == mailboxdomain.KindNotFound {
				if err := p.candidates.MarkSkipped(ctx, cand.ID, "attachment not found"); err != nil {
					return err
				}
				continue
			}
			return err
		}
		res := p.regex.Run(in)
		if res.Kind == extraction.KindResolved {
			if err := p.persist(ctx, mailbox, cand, res.Extraction); err != nil {
				return err
			}
			continue
		}
		if err := p.candidates.MarkNeedsAI(ctx, cand.ID, res.Reason); err != nil {
			return err
		}
	}
	return nil
}

// runAI works through every needs_ai candidate. A candidate whose AI call
// fails is deferred to the chunk's next attempt; after
// candidateMaxAttempts failures it is kept as needs_review.
func (p *ChunkProcessor) runAI(ctx context.Context, src mailboxdomain.MailSource, mailbox *mailboxdomain.Mailbox, chunk *domain.WorkChunk, budget Budget) error {
	cands, err := p.candidates.ListByState(ctx, chunk.ID, documentdomain.CandidateNeedsAI)
	if err != nil {
		return err
	}
	var deferred error
	for _, cand := range cands {
		if budget.Exhausted() {
			return errBudgetExhausted
		}
		in, err := extraction.InputFor(ctx, src, cand, true)
		if err != nil {
			if mailboxdomain.Classify(err) == mailboxdomain.KindNotFound {
				if err := p.candidates.MarkSkipped(ctx, cand.ID, "attachment not found"); err != nil {
					return err
				}
				continue
			}
			return err
		}

		res, err := p.ai.Run(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempts, ierr := p.candidates.IncrementAttempts(ctx, cand.ID, err.Error())
			if ierr != nil {
				return ierr
			}
			if attempts < p.candidateMaxAttempts {
				p.log.Warn("ai extraction deferred", "candidate_id", cand.ID, "attempts", attempts, "error", err)
				if deferred == nil {
					deferred = err
				}
				continue
			}
			res = extraction.NeedsReview("ai unavailable: " + err.Error())
		}

		switch res.Kind {
		case extraction.KindSkip:
			if err := p.candidates.MarkSkipped(ctx, cand.ID, res.Reason); err != nil {
				return err
			}
		case extraction.KindResolved, extraction.KindNeedsReview:
			if err := p.persist(ctx, mailbox, cand, res.Extraction); err != nil {
				return err
			}
		default:
			if err := p.persist(ctx, mailbox, cand, extraction.NeedsReview(res.Reason).Extraction); err != nil {
				return err
			}
		}
	}
	return deferred
}

func (p *ChunkProcessor) persist(ctx context.Context, mailbox *mailboxdomain.Mailbox, cand *documentdomain.CandidateDocument, ext *documentdomain.Extraction) error {
	doc, _, err := p.documents.Upsert(ctx, mailbox.ID, cand, ext)
	if err != nil {
		return err
	}
	return p.candidates.MarkResolved(ctx, cand.ID, doc.ID, ext.Source)
}
