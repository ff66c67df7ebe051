package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	documentdomain "mailscan-backend/internal/document/domain"
	"mailscan-backend/pkg/logger"
)

// Publisher is satisfied by *natsjs.Publisher.
type Publisher interface {
	Subject(suffix string) string
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// DocumentEvent is the JSON body of a document.upserted event.
type DocumentEvent struct {
	DocumentID   string     `json:"document_id"`
	MailboxID    string     `json:"mailbox_id"`
	DedupKey     string     `json:"dedup_key"`
	Outcome      string     `json:"outcome"`
	Revision     int        `json:"revision"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	Vendor       string     `json:"vendor,omitempty"`
	AmountMinor  *int64     `json:"amount_minor,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	Category     string     `json:"category,omitempty"`
	Confidence   float64    `json:"confidence"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// EventPublisher emits a JetStream event for every stored document change.
type EventPublisher struct {
	publisher Publisher
	log       *logger.Logger
}

func NewEventPublisher(publisher Publisher, log *logger.Logger) *EventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &EventPublisher{publisher: publisher, log: log.With("component", "events")}
}

// MessageID identifies one state of a document, so replays dedupe.
func MessageID(doc *documentdomain.ExtractedDocument) string {
	return fmt.Sprintf("%s:%d:%s", doc.DedupKey, doc.Revision, doc.Status)
}

func (p *EventPublisher) DocumentChanged(ctx context.Context, doc *documentdomain.ExtractedDocument, outcome documentdomain.UpsertOutcome) {
	if outcome == documentdomain.OutcomeUnchanged {
		return
	}
	payload, err := json.Marshal(DocumentEvent{
		DocumentID:   doc.ID,
		MailboxID:    doc.MailboxID,
		DedupKey:     doc.DedupKey,
		Outcome:      string(outcome),
		Revision:     doc.Revision,
		Status:       string(doc.Status),
		Source:       string(doc.Source),
		Vendor:       doc.Vendor,
		AmountMinor:  doc.AmountMinor,
		Currency:     doc.Currency,
		DocumentDate: doc.DocumentDate,
		Category:     doc.Category,
		Confidence:   doc.Confidence,
		OccurredAt:   doc.UpdatedAt,
	})
	if err != nil {
		p.log.Error("failed to encode document event", "document_id", doc.ID, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, p.publisher.Subject("document.upserted"), payload, MessageID(doc)); err != nil {
		p.log.Warn("failed to publish document event", "document_id", doc.ID, "error", err)
	}
}
