package extraction

import (
	"context"
	"errors"
	"fmt"

	"mailscan-backend/internal/document/domain"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/ai"
)

// FieldExtractor is satisfied by *ai.Extractor.
type FieldExtractor interface {
	Extract(ctx context.Context, doc ai.Document) (*ai.InvoiceFields, error)
}

// AIStage is the model-assisted pass for candidates the deterministic
// stage could not resolve.
type AIStage struct {
	extractor         FieldExtractor
	defaultConfidence float64
}

func NewAIStage(extractor FieldExtractor) *AIStage {
	return &AIStage{extractor: extractor, defaultConfidence: 0.7}
}

// Run returns a Transient provider error when the model timed out or
// failed; the candidate is deferred, never dropped.
func (s *AIStage) Run(ctx context.Context, in Input) (Result, error) {
	fields, err := s.extractor.Extract(ctx, ai.Document{
		Subject:    in.Subject,
		From:       in.From,
		ReceivedAt: in.ReceivedAt,
		Text:       in.Text,
		Filename:   in.Filename,
		Attachment: in.Attachment,
		MimeType:   in.MimeType,
	})
	switch {
	case err == nil:
	case errors.Is(err, ai.ErrNotFinancial):
		return Skip("model: not a financial document"), nil
	case errors.Is(err, ai.ErrSchemaInvalid):
		return NeedsReview(err.Error()), nil
	default:
		return Result{}, mailboxdomain.NewProviderError(mailboxdomain.KindTransient, "ai extract", err)
	}

	date, err := fields.ParsedDate()
	if err != nil {
		return NeedsReview(fmt.Sprintf("unparseable date %q", fields.Date)), nil
	}
	minor := MinorUnits(*fields.Amount, fields.Currency)
	confidence := fields.Confidence
	if confidence <= 0 {
		confidence = s.defaultConfidence
	}
	return Resolved(&domain.Extraction{
		Vendor:      fields.Vendor,
		AmountMinor: &minor,
		Currency:    fields.Currency,
		Date:        &date,
		Category:    fields.Category,
		Source:      domain.SourceAI,
		Confidence:  confidence,
	}), nil
}
