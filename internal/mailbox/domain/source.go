package domain

import (
	"context"
	"time"
)

// TimeWindow is the half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w TimeWindow) String() string {
	return w.Start.UTC().Format("2006-01-02") + ".." + w.End.UTC().Format("2006-01-02")
}

// AttachmentRef points at an attachment without carrying its bytes.
type AttachmentRef struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// Message is a fetched mail message: headers, body and attachment refs.
type Message struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	From        string          `json:"from"`
	Date        time.Time       `json:"date"`
	Text        string          `json:"text"`
	HTML        string          `json:"html,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// ChangePage is one page of the provider change stream.
type ChangePage struct {
	MessageIDs []string
	NextCursor string
	HasMore    bool
}

// MailSource abstracts a mailbox provider. Implementations return errors
// from the taxonomy in errors.go so callers can decide how to retry.
type MailSource interface {
	// ListMessageIDs pages through the messages received inside window,
	// handing each page to fn. Returning an error from fn stops paging.
	ListMessageIDs(ctx context.Context, window TimeWindow, fn func(ids []string) error) error
	FetchMessage(ctx context.Context, id string) (*Message, error)
	FetchAttachment(ctx context.Context, ref AttachmentRef) ([]byte, error)
	CurrentCursor(ctx context.Context) (string, error)
	// ChangesSince returns ErrCursorExpired when the provider no longer
	// holds history back to cursor.
	ChangesSince(ctx context.Context, cursor string, limit int) (*ChangePage, error)
	// CursorAdvances reports whether next supersedes prev.
	CursorAdvances(prev, next string) bool
}

// SourceFactory builds the adapter for a mailbox from its stored credentials.
type SourceFactory interface {
	ForMailbox(ctx context.Context, mailbox *Mailbox) (MailSource, error)
}
