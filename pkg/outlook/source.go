// Package outlook implements the mailbox source contract on Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

const pageSize = 100

// Source reads one Outlook mailbox. The change cursor is a Graph delta or
// next link for the inbox folder.
type Source struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// NewSource creates a Graph client over a delegated access token.
func NewSource(accessToken string, expiry time.Time, userID string) (*Source, error) {
	cred := &staticTokenCredential{token: accessToken, expiry: expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Source{client: client, userID: userID}, nil
}

func (s *Source) messages() *users.ItemMessagesRequestBuilder {
	return s.client.Users().ByUserId(s.userID).Messages()
}

func (s *Source) ListMessageIDs(ctx context.Context, window mailboxdomain.TimeWindow, fn func(ids []string) error) error {
	filter := fmt.Sprintf("receivedDateTime ge %s and receivedDateTime lt %s",
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(pageSize),
			Select:  []string{"id", "receivedDateTime"},
			Filter:  &filter,
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	result, err := s.messages().Get(ctx, config)
	for {
		if err != nil {
			return mapError("messages.list", err)
		}
		var ids []string
		for _, m := range result.GetValue() {
			if id := m.GetId(); id != nil {
				ids = append(ids, *id)
			}
		}
		if len(ids) > 0 {
			if err := fn(ids); err != nil {
				return err
			}
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			return nil
		}
		result, err = s.messages().WithUrl(*next).Get(ctx, nil)
	}
}

func (s *Source) FetchMessage(ctx context.Context, id string) (*mailboxdomain.Message, error) {
	msg, err := s.messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "subject", "from", "receivedDateTime", "body", "hasAttachments"},
		},
	})
	if err != nil {
		return nil, mapError("messages.get", err)
	}
	out := convertMessage(msg)

	if has := msg.GetHasAttachments(); has != nil && *has {
		atts, err := s.messages().ByMessageId(id).Attachments().Get(ctx, &users.ItemMessagesItemAttachmentsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesItemAttachmentsRequestBuilderGetQueryParameters{
				Select: []string{"id", "name", "contentType", "size"},
			},
		})
		if err != nil {
			return nil, mapError("attachments.list", err)
		}
		for _, a := range atts.GetValue() {
			if ref, ok := attachmentRef(id, a); ok {
				out.Attachments = append(out.Attachments, ref)
			}
		}
	}
	return out, nil
}

func (s *Source) FetchAttachment(ctx context.Context, ref mailboxdomain.AttachmentRef) ([]byte, error) {
	att, err := s.messages().ByMessageId(ref.MessageID).Attachments().ByAttachmentId(ref.ID).Get(ctx, nil)
	if err != nil {
		return nil, mapError("attachments.get", err)
	}
	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, mailboxdomain.NewProviderError(mailboxdomain.KindPermanent, "attachments.get", errors.New("not a file attachment"))
	}
	return file.GetContentBytes(), nil
}

func (s *Source) delta() *users.ItemMailFoldersItemMessagesDeltaRequestBuilder {
	return s.client.Users().ByUserId(s.userID).MailFolders().ByMailFolderId("inbox").Messages().Delta()
}

// CurrentCursor walks a delta round restricted to the last minute, which
// ends in a delta link positioned at now.
func (s *Source) CurrentCursor(ctx context.Context) (string, error) {
	since := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	filter := "receivedDateTime ge " + since
	resp, err := s.delta().GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id"},
		},
	})
	for {
		if err != nil {
			return "", mapError("delta", err)
		}
		if link := resp.GetOdataDeltaLink(); link != nil && *link != "" {
			return *link, nil
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return "", mailboxdomain.NewProviderError(mailboxdomain.KindTransient, "delta", errors.New("delta round ended without a link"))
		}
		resp, err = s.delta().WithUrl(*next).GetAsDeltaGetResponse(ctx, nil)
	}
}

// ChangesSince follows one delta page. Graph signals an expired delta
// token with 410 Gone.
func (s *Source) ChangesSince(ctx context.Context, cursor string, limit int) (*mailboxdomain.ChangePage, error) {
	if !strings.HasPrefix(cursor, "https://") {
		return nil, mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "delta", fmt.Errorf("malformed cursor"))
	}
	resp, err := s.delta().WithUrl(cursor).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		var oerr *odataerrors.ODataError
		if errors.As(err, &oerr) && oerr.ResponseStatusCode == http.StatusGone {
			return nil, mailboxdomain.NewProviderError(mailboxdomain.KindCursorExpired, "delta", err)
		}
		return nil, mapError("delta", err)
	}

	page := &mailboxdomain.ChangePage{}
	for _, m := range resp.GetValue() {
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			continue
		}
		if id := m.GetId(); id != nil {
			page.MessageIDs = append(page.MessageIDs, *id)
		}
	}
	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		page.NextCursor = *next
		page.HasMore = true
	} else if link := resp.GetOdataDeltaLink(); link != nil && *link != "" {
		page.NextCursor = *link
	} else {
		page.NextCursor = cursor
	}
	return page, nil
}

// CursorAdvances treats any new link as newer; Graph links are opaque.
func (s *Source) CursorAdvances(prev, next string) bool {
	return next != "" && next != prev
}

func convertMessage(m models.Messageable) *mailboxdomain.Message {
	out := &mailboxdomain.Message{}
	if id := m.GetId(); id != nil {
		out.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		out.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			name, email := deref(addr.GetName()), deref(addr.GetAddress())
			if name != "" {
				out.From = fmt.Sprintf("%s <%s>", name, email)
			} else {
				out.From = email
			}
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		out.Date = rcvd.UTC()
	}
	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			out.HTML = content
		} else {
			out.Text = content
		}
	}
	return out
}

func attachmentRef(messageID string, a models.Attachmentable) (mailboxdomain.AttachmentRef, bool) {
	id := deref(a.GetId())
	if id == "" {
		return mailboxdomain.AttachmentRef{}, false
	}
	// Item and reference attachments carry no bytes to extract from.
	if t := deref(a.GetOdataType()); t != "" && t != "#microsoft.graph.fileAttachment" {
		return mailboxdomain.AttachmentRef{}, false
	}
	ref := mailboxdomain.AttachmentRef{
		MessageID: messageID,
		ID:        id,
		Filename:  deref(a.GetName()),
		MimeType:  deref(a.GetContentType()),
	}
	if size := a.GetSize(); size != nil {
		ref.Size = int64(*size)
	}
	return ref, true
}

func mapError(op string, err error) error {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return mailboxdomain.NewProviderError(mailboxdomain.Classify(err), op, err)
	}
	kind := mailboxdomain.KindFromStatus(oerr.ResponseStatusCode)
	if oerr.ResponseStatusCode == http.StatusForbidden {
		kind = mailboxdomain.KindAuthExpired
	}
	if kind == mailboxdomain.KindRateLimited {
		return mailboxdomain.RateLimited(op, 0, err)
	}
	return mailboxdomain.NewProviderError(kind, op, err)
}

// staticTokenCredential implements the azcore credential interface over a
// token refreshed elsewhere.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expires}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
