package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenUpdateFunc is called after the oauth2 library refreshed the token.
type TokenUpdateFunc func(token *oauth2.Token) error

type Service struct {
	clientID     string
	clientSecret string
	log          *logger.Logger
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
	log      *logger.Logger
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			s.log.Warn("failed to persist refreshed token", "error", err)
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		log:          log.With("component", "gmail"),
	}
}

// GetGmailService creates Gmail service with user's access token
func (s *Service) GetGmailService(ctx context.Context, accessToken, refreshToken string, expiry time.Time, onTokenRefresh TokenUpdateFunc) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	// Wrap token source to detect refreshes
	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: onTokenRefresh,
		log:      s.log,
	}

	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// NewSource returns a MailSource for one Gmail account.
func (s *Service) NewSource(ctx context.Context, accessToken, refreshToken string, expiry time.Time, onTokenRefresh TokenUpdateFunc) (*Source, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, expiry, onTokenRefresh)
	if err != nil {
		return nil, err
	}
	return &Source{srv: srv, user: "me"}, nil
}

// Watch sets up push notifications for the user's mailbox
func (s *Service) Watch(ctx context.Context, accessToken, refreshToken string, expiry time.Time, topicName string, onTokenRefresh TokenUpdateFunc) (uint64, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, expiry, onTokenRefresh)
	if err != nil {
		return 0, err
	}

	// Only one push client is allowed per user; clear any previous watch.
	_ = srv.Users.Stop("me").Context(ctx).Do()

	resp, err := srv.Users.Watch("me", &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return 0, mapError("watch", err)
	}
	s.log.Info("gmail watch started", "expiration", resp.Expiration, "history_id", resp.HistoryId)
	return resp.HistoryId, nil
}

// Source implements the mailbox MailSource contract on the Gmail API.
// The change cursor is a history id.
type Source struct {
	srv  *gmail.Service
	user string
}

// ListMessageIDs pages through messages.list with an epoch after/before query.
func (g *Source) ListMessageIDs(ctx context.Context, window mailboxdomain.TimeWindow, fn func(ids []string) error) error {
	q := fmt.Sprintf("after:%d before:%d", window.Start.Unix(), window.End.Unix())
	pageToken := ""
	for {
		call := g.srv.Users.Messages.List(g.user).Q(q).MaxResults(500).IncludeSpamTrash(false).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return mapError("messages.list", err)
		}
		ids := make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if len(ids) > 0 {
			if err := fn(ids); err != nil {
				return err
			}
		}
		if resp.NextPageToken == "" {
			return nil
		}
		pageToken = resp.NextPageToken
	}
}

func (g *Source) FetchMessage(ctx context.Context, id string) (*mailboxdomain.Message, error) {
	msg, err := g.srv.Users.Messages.Get(g.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError("messages.get", err)
	}
	return convertMessage(msg), nil
}

func (g *Source) FetchAttachment(ctx context.Context, ref mailboxdomain.AttachmentRef) ([]byte, error) {
	part, err := g.srv.Users.Messages.Attachments.Get(g.user, ref.MessageID, ref.ID).Context(ctx).Do()
	if err != nil {
		return nil, mapError("attachments.get", err)
	}
	return decodeBase64(part.Data)
}

func (g *Source) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := g.srv.Users.GetProfile(g.user).Context(ctx).Do()
	if err != nil {
		return "", mapError("getProfile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// ChangesSince reads one page of history. When more pages exist the next
// cursor is the id of the last record returned, so a resumed read starts
// right after it.
func (g *Source) ChangesSince(ctx context.Context, cursor string, limit int) (*mailboxdomain.ChangePage, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "history.list", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	resp, err := g.srv.Users.History.List(g.user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "history.list", err)
		}
		return nil, mapError("history.list", err)
	}

	page := &mailboxdomain.ChangePage{HasMore: resp.NextPageToken != ""}
	seen := make(map[string]bool)
	var last uint64
	for _, h := range resp.History {
		last = h.Id
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			page.MessageIDs = append(page.MessageIDs, added.Message.Id)
		}
	}
	switch {
	case page.HasMore && last > 0:
		page.NextCursor = strconv.FormatUint(last, 10)
	case resp.HistoryId > 0:
		page.NextCursor = strconv.FormatUint(resp.HistoryId, 10)
	default:
		page.NextCursor = cursor
	}
	return page, nil
}

// CursorAdvances compares history ids numerically.
func (g *Source) CursorAdvances(prev, next string) bool {
	n, err := strconv.ParseUint(next, 10, 64)
	if err != nil {
		return false
	}
	if prev == "" {
		return true
	}
	p, err := strconv.ParseUint(prev, 10, 64)
	if err != nil {
		return true
	}
	return n > p
}

// mapError translates Gmail and oauth2 failures onto the mailbox taxonomy.
func mapError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return mailboxdomain.NewProviderError(mailboxdomain.KindAuthExpired, op, err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return mailboxdomain.NewProviderError(mailboxdomain.Classify(err), op, err)
	}

	kind := mailboxdomain.KindFromStatus(gerr.Code)
	if gerr.Code == http.StatusForbidden && !hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded") {
		kind = mailboxdomain.KindAuthExpired
	}
	if kind == mailboxdomain.KindRateLimited {
		return mailboxdomain.RateLimited(op, retryAfter(gerr.Header), err)
	}
	return mailboxdomain.NewProviderError(kind, op, err)
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func convertMessage(msg *gmail.Message) *mailboxdomain.Message {
	out := &mailboxdomain.Message{
		ID:   msg.Id,
		Date: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return out
	}
	out.Subject = getHeader(msg.Payload.Headers, "Subject")
	out.From = getHeader(msg.Payload.Headers, "From")
	out.Text, out.HTML = getBodies(msg.Payload)
	out.Attachments = getAttachments(msg.Id, msg.Payload)
	return out
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// getBodies returns the first text/plain and text/html parts found.
func getBodies(payload *gmail.MessagePart) (text, html string) {
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p.Filename == "" && p.Body != nil && p.Body.Data != "" {
			data, err := decodeBase64(p.Body.Data)
			if err == nil {
				switch {
				case p.MimeType == "text/plain" && text == "":
					text = string(data)
				case p.MimeType == "text/html" && html == "":
					html = string(data)
				}
			}
		}
		for _, part := range p.Parts {
			walk(part)
		}
	}
	walk(payload)
	return text, html
}

func getAttachments(messageID string, payload *gmail.MessagePart) []mailboxdomain.AttachmentRef {
	var refs []mailboxdomain.AttachmentRef
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" {
			refs = append(refs, mailboxdomain.AttachmentRef{
				MessageID: messageID,
				ID:        p.Body.AttachmentId,
				Filename:  p.Filename,
				MimeType:  p.MimeType,
				Size:      p.Body.Size,
			})
		}
		for _, part := range p.Parts {
			walk(part)
		}
	}
	walk(payload)
	return refs
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
