// Package imapmail implements the mailbox source contract over IMAP.
// Message ids are "<uidvalidity>-<uid>"; the change cursor is
// "<uidvalidity>:<highest uid seen>".
package imapmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

type Config struct {
	Addr     string
	Username string
	Password string
	// Folder defaults to INBOX.
	Folder string
}

type Source struct {
	cfg Config
}

func NewSource(cfg Config) *Source {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &Source{cfg: cfg}
}

// session dials, logs in and selects the folder read-only. The connection
// is torn down when ctx ends so blocking commands return.
func (s *Source) session(ctx context.Context, op string, fn func(c *client.Client, status *goimap.MailboxStatus) error) error {
	if s.cfg.Addr == "" {
		return mailboxdomain.NewProviderError(mailboxdomain.KindPermanent, op, errors.New("imap address not configured"))
	}
	c, err := client.DialTLS(s.cfg.Addr, nil)
	if err != nil {
		return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, op, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-done:
		}
	}()
	defer func() { _ = c.Logout() }()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return mailboxdomain.NewProviderError(mailboxdomain.KindAuthExpired, op, err)
	}
	status, err := c.Select(s.cfg.Folder, true)
	if err != nil {
		return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, op, err)
	}
	if err := fn(c, status); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Source) ListMessageIDs(ctx context.Context, window mailboxdomain.TimeWindow, fn func(ids []string) error) error {
	return s.session(ctx, "imap.search", func(c *client.Client, status *goimap.MailboxStatus) error {
		// SINCE and BEFORE are day granular; widen and filter on INTERNALDATE.
		criteria := goimap.NewSearchCriteria()
		criteria.Since = window.Start.AddDate(0, 0, -1)
		criteria.Before = window.End.AddDate(0, 0, 1)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, "imap.search", err)
		}
		if len(uids) == 0 {
			return nil
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

		for start := 0; start < len(uids); start += 100 {
			end := min(start+100, len(uids))
			seq := new(goimap.SeqSet)
			seq.AddNum(uids[start:end]...)
			messages, err := fetch(c, seq, []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate})
			if err != nil {
				return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, "imap.fetch", err)
			}
			var ids []string
			for _, m := range messages {
				if window.Contains(m.InternalDate.UTC()) {
					ids = append(ids, messageID(status.UidValidity, m.Uid))
				}
			}
			if len(ids) > 0 {
				if err := fn(ids); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Source) FetchMessage(ctx context.Context, id string) (*mailboxdomain.Message, error) {
	var out *mailboxdomain.Message
	err := s.withBody(ctx, id, "imap.fetch", func(uid uint32, date time.Time, r io.Reader) error {
		msg, _, err := parse(r, id, false, "")
		if err != nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindPermanent, "imap.parse", err)
		}
		if msg.Date.IsZero() {
			msg.Date = date
		}
		msg.Date = msg.Date.UTC()
		out = msg
		return nil
	})
	return out, err
}

func (s *Source) FetchAttachment(ctx context.Context, ref mailboxdomain.AttachmentRef) ([]byte, error) {
	var data []byte
	err := s.withBody(ctx, ref.MessageID, "imap.attachment", func(uid uint32, date time.Time, r io.Reader) error {
		_, found, err := parse(r, ref.MessageID, true, ref.ID)
		if err != nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindPermanent, "imap.parse", err)
		}
		if found == nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindNotFound, "imap.attachment", fmt.Errorf("part %s", ref.ID))
		}
		data = found
		return nil
	})
	return data, err
}

func (s *Source) withBody(ctx context.Context, id, op string, fn func(uid uint32, date time.Time, r io.Reader) error) error {
	validity, uid, err := parseMessageID(id)
	if err != nil {
		return mailboxdomain.NewProviderError(mailboxdomain.KindNotFound, op, err)
	}
	return s.session(ctx, op, func(c *client.Client, status *goimap.MailboxStatus) error {
		if status.UidValidity != validity {
			return mailboxdomain.NewProviderError(mailboxdomain.KindNotFound, op, errors.New("uidvalidity changed"))
		}
		seq := new(goimap.SeqSet)
		seq.AddNum(uid)
		section := &goimap.BodySectionName{Peek: true}
		messages, err := fetch(c, seq, []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()})
		if err != nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, op, err)
		}
		for _, m := range messages {
			if m.Uid != uid {
				continue
			}
			body := m.GetBody(section)
			if body == nil {
				break
			}
			return fn(uid, m.InternalDate.UTC(), body)
		}
		return mailboxdomain.NewProviderError(mailboxdomain.KindNotFound, op, fmt.Errorf("uid %d", uid))
	})
}

func (s *Source) CurrentCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.session(ctx, "imap.status", func(c *client.Client, status *goimap.MailboxStatus) error {
		last := uint32(0)
		if status.UidNext > 0 {
			last = status.UidNext - 1
		}
		cursor = formatCursor(status.UidValidity, last)
		return nil
	})
	return cursor, err
}

// ChangesSince lists uids above the cursor. A changed UIDVALIDITY makes
// every stored uid meaningless, so the cursor is expired.
func (s *Source) ChangesSince(ctx context.Context, cursor string, limit int) (*mailboxdomain.ChangePage, error) {
	validity, last, err := parseCursor(cursor)
	if err != nil {
		return nil, mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "imap.changes", err)
	}
	if limit <= 0 {
		limit = 100
	}
	var page *mailboxdomain.ChangePage
	err = s.session(ctx, "imap.changes", func(c *client.Client, status *goimap.MailboxStatus) error {
		if status.UidValidity != validity {
			return mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "imap.changes", errors.New("uidvalidity changed"))
		}
		criteria := goimap.NewSearchCriteria()
		criteria.Uid = new(goimap.SeqSet)
		criteria.Uid.AddRange(last+1, 0)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return mailboxdomain.NewProviderError(mailboxdomain.KindTransient, "imap.changes", err)
		}
		// "n:*" always matches the newest message, even below n.
		fresh := uids[:0]
		for _, uid := range uids {
			if uid > last {
				fresh = append(fresh, uid)
			}
		}
		sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })

		page = &mailboxdomain.ChangePage{NextCursor: cursor}
		if len(fresh) > limit {
			fresh = fresh[:limit]
			page.HasMore = true
		}
		for _, uid := range fresh {
			page.MessageIDs = append(page.MessageIDs, messageID(validity, uid))
		}
		if len(fresh) > 0 {
			page.NextCursor = formatCursor(validity, fresh[len(fresh)-1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Source) CursorAdvances(prev, next string) bool {
	nv, nu, err := parseCursor(next)
	if err != nil {
		return false
	}
	if prev == "" {
		return true
	}
	pv, pu, err := parseCursor(prev)
	if err != nil || pv != nv {
		return true
	}
	return nu > pu
}

func fetch(c *client.Client, seq *goimap.SeqSet, items []goimap.FetchItem) ([]*goimap.Message, error) {
	ch := make(chan *goimap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seq, items, ch)
	}()
	var out []*goimap.Message
	for m := range ch {
		out = append(out, m)
	}
	return out, <-done
}

// parse reads a MIME message. Attachments are numbered in order of
// appearance; when wantPart is set the bytes of that part are returned.
func parse(r io.Reader, id string, wantBytes bool, wantPart string) (*mailboxdomain.Message, []byte, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, nil, err
	}
	msg := &mailboxdomain.Message{ID: id}
	msg.Subject, _ = mr.Header.Subject()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	} else {
		msg.From = mr.Header.Get("From")
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	n := 0
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return msg, nil, err
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return msg, nil, err
			}
			switch {
			case ct == "text/plain" && msg.Text == "":
				msg.Text = string(body)
			case ct == "text/html" && msg.HTML == "":
				msg.HTML = string(body)
			}
		case *mail.AttachmentHeader:
			n++
			partID := "part-" + strconv.Itoa(n)
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			if wantBytes && partID == wantPart {
				data, err := io.ReadAll(p.Body)
				return msg, data, err
			}
			size, _ := io.Copy(io.Discard, p.Body)
			msg.Attachments = append(msg.Attachments, mailboxdomain.AttachmentRef{
				MessageID: id,
				ID:        partID,
				Filename:  filename,
				MimeType:  ct,
				Size:      size,
			})
		}
	}
	return msg, nil, nil
}

func messageID(validity, uid uint32) string {
	return fmt.Sprintf("%d-%d", validity, uid)
}

func parseMessageID(id string) (uint32, uint32, error) {
	v, u, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap message id %q", id)
	}
	return parsePair(v, u)
}

func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseCursor(cursor string) (uint32, uint32, error) {
	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap cursor %q", cursor)
	}
	return parsePair(v, u)
}

func parsePair(a, b string) (uint32, uint32, error) {
	x, err := strconv.ParseUint(a, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(x), uint32(y), nil
}
