package extraction

import (
	"time"

	"mailscan-backend/internal/document/domain"
)

// Kind tags a stage Result.
type Kind int

const (
	// KindResolved carries a usable extraction.
	KindResolved Kind = iota
	// KindNeedsNextStage hands the candidate to the following stage.
	KindNeedsNextStage
	// KindNeedsReview persists a needs_review record without fields.
	KindNeedsReview
	// KindSkip drops the candidate: it is not a financial document.
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindNeedsNextStage:
		return "needs_next_stage"
	case KindNeedsReview:
		return "needs_review"
	case KindSkip:
		return "skip"
	}
	return "unknown"
}

// Result is the outcome of running one stage over one candidate.
type Result struct {
	Kind       Kind
	Extraction *domain.Extraction
	Reason     string
}

func Resolved(e *domain.Extraction) Result {
	return Result{Kind: KindResolved, Extraction: e}
}

func NeedsNextStage(reason string) Result {
	return Result{Kind: KindNeedsNextStage, Reason: reason}
}

// NeedsReview yields an AI-sourced extraction flagged for review.
func NeedsReview(reason string) Result {
	return Result{
		Kind:       KindNeedsReview,
		Extraction: &domain.Extraction{Source: domain.SourceAI, NeedsReview: true},
		Reason:     reason,
	}
}

func Skip(reason string) Result {
	return Result{Kind: KindSkip, Reason: reason}
}

// Persistable reports whether the result should be written through the
// dedup layer.
func (r Result) Persistable() bool {
	return r.Kind == KindResolved || r.Kind == KindNeedsReview
}

// Input is everything a stage may look at for one candidate.
type Input struct {
	Subject    string
	From       string
	ReceivedAt time.Time
	Text       string
	Filename   string
	MimeType   string
	Attachment []byte
}
