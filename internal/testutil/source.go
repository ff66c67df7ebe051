package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"mailscan-backend/internal/mailbox/domain"
)

// FakeSource is an in-memory MailSource. The change stream is a log of
// message ids; a cursor is a position in that log.
type FakeSource struct {
	mu sync.Mutex

	messages    map[string]*domain.Message
	attachments map[string][]byte
	changes     []string

	listFailures  map[string][]error
	fetchFailures map[string][]error
	changeFailure []error
	expiredBefore int

	listCalls  map[string]int
	fetchCalls map[string]int

	PageSize int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		messages:      make(map[string]*domain.Message),
		attachments:   make(map[string][]byte),
		listFailures:  make(map[string][]error),
		fetchFailures: make(map[string][]error),
		listCalls:     make(map[string]int),
		fetchCalls:    make(map[string]int),
		PageSize:      50,
	}
}

// AddMessage stores a historical message without touching the change log.
func (s *FakeSource) AddMessage(m *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

// AddAttachment stores attachment bytes and a ref on the message.
func (s *FakeSource) AddAttachment(messageID string, ref domain.AttachmentRef, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref.MessageID = messageID
	ref.Size = int64(len(data))
	if m, ok := s.messages[messageID]; ok {
		m.Attachments = append(m.Attachments, ref)
	}
	s.attachments[messageID+"/"+ref.ID] = data
}

// Deliver stores a message and appends it to the change log.
func (s *FakeSource) Deliver(m *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	s.changes = append(s.changes, m.ID)
}

// Touch appends an existing message id to the change log again.
func (s *FakeSource) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, id)
}

// Remove deletes a message so later fetches return NotFound.
func (s *FakeSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

// FailList makes the next len(errs) listings of window return errs in order.
func (s *FakeSource) FailList(window domain.TimeWindow, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := window.String()
	s.listFailures[key] = append(s.listFailures[key], errs...)
}

// FailFetch makes the next len(errs) fetches of id return errs in order.
func (s *FakeSource) FailFetch(id string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFailures[id] = append(s.fetchFailures[id], errs...)
}

// FailChanges makes the next len(errs) ChangesSince calls return errs.
func (s *FakeSource) FailChanges(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeFailure = append(s.changeFailure, errs...)
}

// ExpireHistoryBefore makes cursors older than position n invalid.
func (s *FakeSource) ExpireHistoryBefore(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredBefore = n
}

func (s *FakeSource) ListCalls(window domain.TimeWindow) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[window.String()]
}

func (s *FakeSource) FetchCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls[id]
}

func (s *FakeSource) ListMessageIDs(ctx context.Context, window domain.TimeWindow, fn func(ids []string) error) error {
	s.mu.Lock()
	key := window.String()
	s.listCalls[key]++
	if errs := s.listFailures[key]; len(errs) > 0 {
		s.listFailures[key] = errs[1:]
		s.mu.Unlock()
		return errs[0]
	}
	var matched []*domain.Message
	for _, m := range s.messages {
		if window.Contains(m.Date) {
			matched = append(matched, m)
		}
	}
	pageSize := s.PageSize
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Date.Equal(matched[j].Date) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Date.After(matched[j].Date)
	})
	if pageSize <= 0 {
		pageSize = 50
	}
	for start := 0; start < len(matched); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+pageSize, len(matched))
		ids := make([]string, 0, end-start)
		for _, m := range matched[start:end] {
			ids = append(ids, m.ID)
		}
		if err := fn(ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *FakeSource) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls[id]++
	if errs := s.fetchFailures[id]; len(errs) > 0 {
		s.fetchFailures[id] = errs[1:]
		return nil, errs[0]
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.NewProviderError(domain.KindNotFound, "fetch "+id, nil)
	}
	cp := *m
	cp.Attachments = append([]domain.AttachmentRef(nil), m.Attachments...)
	return &cp, nil
}

func (s *FakeSource) FetchAttachment(ctx context.Context, ref domain.AttachmentRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.attachments[ref.MessageID+"/"+ref.ID]
	if !ok {
		return nil, domain.NewProviderError(domain.KindNotFound, "attachment "+ref.ID, nil)
	}
	return data, nil
}

func (s *FakeSource) CurrentCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.Itoa(len(s.changes)), nil
}

func (s *FakeSource) ChangesSince(ctx context.Context, cursor string, limit int) (*domain.ChangePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changeFailure) > 0 {
		err := s.changeFailure[0]
		s.changeFailure = s.changeFailure[1:]
		return nil, err
	}
	pos, err := strconv.Atoi(cursor)
	if err != nil || pos < 0 || pos > len(s.changes) {
		return nil, domain.NewProviderError(domain.KindCursorExpired, "changes", fmt.Errorf("bad cursor %q", cursor))
	}
	if pos < s.expiredBefore {
		return nil, domain.NewProviderError(domain.KindCursorExpired, "changes", nil)
	}
	if limit <= 0 {
		limit = 100
	}
	end := min(pos+limit, len(s.changes))
	return &domain.ChangePage{
		MessageIDs: append([]string(nil), s.changes[pos:end]...),
		NextCursor: strconv.Itoa(end),
		HasMore:    end < len(s.changes),
	}, nil
}

func (s *FakeSource) CursorAdvances(prev, next string) bool {
	n, err := strconv.Atoi(next)
	if err != nil {
		return false
	}
	if prev == "" {
		return true
	}
	p, err := strconv.Atoi(prev)
	if err != nil {
		return true
	}
	return n > p
}

// StaticFactory hands out the same source for every mailbox.
type StaticFactory struct {
	Source domain.MailSource
	Err    error
}

func (f *StaticFactory) ForMailbox(ctx context.Context, mailbox *domain.Mailbox) (domain.MailSource, error) {
	return f.Source, f.Err
}

// Invoice builds a message that the deterministic extractor resolves.
func Invoice(id, vendor string, amount string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:      id,
		Subject: fmt.Sprintf("Your %s invoice", vendor),
		From:    fmt.Sprintf("billing@%s.example", id),
		Date:    at.UTC(),
		Text: fmt.Sprintf("Invoice from %s\nInvoice date: %s\nTotal due: %s\nThank you for your business.",
			vendor, at.UTC().Format("2006-01-02"), amount),
	}
}

// Newsletter builds a message the discovery classifier ignores.
func Newsletter(id string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:      id,
		Subject: "This week in gardening",
		From:    "news@garden.example",
		Date:    at.UTC(),
		Text:    "Ten tips for tomatoes.",
	}
}
