package domain

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Status of a persisted document.
type Status string

const (
	StatusActive      Status = "active"
	StatusEdited      Status = "edited"
	StatusDeleted     Status = "deleted"
	StatusNeedsReview Status = "needs_review"
)

// Source records which pass produced the stored fields.
type Source string

const (
	SourceRegex  Source = "regex"
	SourceAI     Source = "ai"
	SourceManual Source = "manual"
)

// CandidateState is the position of a candidate inside its chunk's stages.
type CandidateState string

const (
	CandidatePending  CandidateState = "pending"
	CandidateNeedsAI  CandidateState = "needs_ai"
	CandidateResolved CandidateState = "resolved"
	CandidateSkipped  CandidateState = "skipped"
)

// CandidateDocument is an email body or attachment that may be financial.
// Text holds the rendered body; attachment bytes are fetched on demand.
type CandidateDocument struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	MailboxID    string         `json:"mailbox_id" gorm:"not null;uniqueIndex:idx_candidate_unique,priority:1"`
	ChunkID      string         `json:"chunk_id" gorm:"not null;uniqueIndex:idx_candidate_unique,priority:2;index:idx_candidate_chunk_state,priority:1"`
	MessageID    string         `json:"message_id" gorm:"not null;uniqueIndex:idx_candidate_unique,priority:3"`
	AttachmentID string         `json:"attachment_id" gorm:"not null;default:'';uniqueIndex:idx_candidate_unique,priority:4"`
	Filename     string         `json:"filename,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	Subject      string         `json:"subject"`
	From         string         `json:"from"`
	ReceivedAt   time.Time      `json:"received_at"`
	Text         string         `json:"-"`
	State        CandidateState `json:"state" gorm:"not null;default:pending;index:idx_candidate_chunk_state,priority:2"`
	Attempts     int            `json:"attempts" gorm:"not null;default:0"`
	ProducedBy   Source         `json:"produced_by,omitempty"`
	DocumentID   string         `json:"document_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (CandidateDocument) TableName() string { return "candidate_documents" }

// IsAttachment reports whether the candidate is an attachment rather than a body.
func (c *CandidateDocument) IsAttachment() bool { return c.AttachmentID != "" }

// ExtractedDocument is the persisted financial document. DedupKey is
// unique per mailbox.
type ExtractedDocument struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	MailboxID    string     `json:"mailbox_id" gorm:"not null;uniqueIndex:idx_document_dedup,priority:1"`
	DedupKey     string     `json:"dedup_key" gorm:"not null;uniqueIndex:idx_document_dedup,priority:2"`
	MessageID    string     `json:"message_id" gorm:"not null"`
	AttachmentID string     `json:"attachment_id,omitempty"`
	Filename     string     `json:"filename,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Vendor       string     `json:"vendor,omitempty"`
	AmountMinor  *int64     `json:"amount_minor,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	DocumentDate *time.Time `json:"document_date,omitempty"`
	Category     string     `json:"category,omitempty"`
	Source       Source     `json:"source" gorm:"not null"`
	Confidence   float64    `json:"confidence"`
	Status       Status     `json:"status" gorm:"not null;index"`
	Revision     int        `json:"revision" gorm:"not null;default:1"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (ExtractedDocument) TableName() string { return "extracted_documents" }

// Extraction is what a pipeline stage produced for one candidate.
type Extraction struct {
	Vendor      string
	AmountMinor *int64
	Currency    string
	Date        *time.Time
	Category    string
	Source      Source
	Confidence  float64
	NeedsReview bool
}

// FilledFields counts the populated business fields.
func (e *Extraction) FilledFields() int {
	n := 0
	if e.Vendor != "" {
		n++
	}
	if e.AmountMinor != nil {
		n++
	}
	if e.Currency != "" {
		n++
	}
	if e.Date != nil {
		n++
	}
	if e.Category != "" {
		n++
	}
	return n
}

// UpsertOutcome tells the caller what Upsert did to the store.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpgraded  UpsertOutcome = "upgraded"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// DedupKey derives the stable identity of a (mailbox, message, attachment)
// triple. Parts are length-prefixed so no two triples share an encoding.
func DedupKey(mailboxID, messageID, attachmentID string) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{mailboxID, messageID, attachmentID} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rank orders extraction quality: review < regex < ai < manual.
func rank(source Source, needsReview bool) int {
	if needsReview {
		return 0
	}
	switch source {
	case SourceRegex:
		return 1
	case SourceAI:
		return 2
	case SourceManual:
		return 3
	}
	return 0
}

// Improves reports whether incoming should replace the stored fields of doc.
// Edited and deleted records are owned by the user and never improve.
func Improves(doc *ExtractedDocument, incoming *Extraction) bool {
	if doc.Status == StatusEdited || doc.Status == StatusDeleted {
		return false
	}
	have := rank(doc.Source, doc.Status == StatusNeedsReview)
	got := rank(incoming.Source, incoming.NeedsReview)
	if got != have {
		return got > have
	}
	if incoming.Confidence != doc.Confidence {
		return incoming.Confidence > doc.Confidence
	}
	return incoming.FilledFields() > StoredExtraction(doc).FilledFields()
}

// StoredExtraction views the stored fields of doc as an Extraction.
func StoredExtraction(doc *ExtractedDocument) *Extraction {
	return &Extraction{
		Vendor:      doc.Vendor,
		AmountMinor: doc.AmountMinor,
		Currency:    doc.Currency,
		Date:        doc.DocumentDate,
		Category:    doc.Category,
		Source:      doc.Source,
		Confidence:  doc.Confidence,
		NeedsReview: doc.Status == StatusNeedsReview,
	}
}

// Apply copies e onto doc and sets the status that matches it.
func (e *Extraction) Apply(doc *ExtractedDocument) {
	doc.Vendor = e.Vendor
	doc.AmountMinor = e.AmountMinor
	doc.Currency = e.Currency
	doc.DocumentDate = e.Date
	doc.Category = e.Category
	doc.Source = e.Source
	doc.Confidence = e.Confidence
	if e.NeedsReview {
		doc.Status = StatusNeedsReview
	} else {
		doc.Status = StatusActive
	}
}
