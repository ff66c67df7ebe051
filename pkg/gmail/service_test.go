package gmail

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	mailboxdomain "mailscan-backend/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

func TestConvertMessage(t *testing.T) {
	enc := base64.URLEncoding.EncodeToString
	msg := &gmail.Message{
		Id:           "m1",
		InternalDate: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "subject", Value: "Invoice 42"},
				{Name: "From", Value: "Acme <billing@acme.example>"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "multipart/alternative", Parts: []*gmail.MessagePart{
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: enc([]byte("Total $10"))}},
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: enc([]byte("<p>Total $10</p>"))}},
				}},
				{MimeType: "application/pdf", Filename: "invoice.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-1", Size: 2048}},
			},
		},
	}

	out := convertMessage(msg)
	assert.Equal(t, "Invoice 42", out.Subject)
	assert.Equal(t, "Acme <billing@acme.example>", out.From)
	assert.Equal(t, "Total $10", out.Text)
	assert.Equal(t, "<p>Total $10</p>", out.HTML)
	assert.Equal(t, 2024, out.Date.Year())
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, mailboxdomain.AttachmentRef{MessageID: "m1", ID: "att-1", Filename: "invoice.pdf", MimeType: "application/pdf", Size: 2048}, out.Attachments[0])
}

func TestDecodeBase64AcceptsUnpadded(t *testing.T) {
	data, err := decodeBase64(base64.RawURLEncoding.EncodeToString([]byte("hello?")))
	require.NoError(t, err)
	assert.Equal(t, "hello?", string(data))
}

func TestMapError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := mapError("list", &googleapi.Error{Code: 429, Header: h})
	assert.Equal(t, mailboxdomain.KindRateLimited, mailboxdomain.Classify(err))
	assert.Equal(t, 7*time.Second, mailboxdomain.RetryAfterOf(err))

	err = mapError("list", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}})
	assert.Equal(t, mailboxdomain.KindRateLimited, mailboxdomain.Classify(err))

	err = mapError("list", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}})
	assert.ErrorIs(t, err, mailboxdomain.ErrAuthExpired)

	err = mapError("get", &googleapi.Error{Code: 404})
	assert.ErrorIs(t, err, mailboxdomain.ErrNotFound)

	err = mapError("get", &googleapi.Error{Code: 503})
	assert.ErrorIs(t, err, mailboxdomain.ErrTransient)

	err = mapError("refresh", &oauth2.RetrieveError{ErrorCode: "invalid_grant"})
	assert.ErrorIs(t, err, mailboxdomain.ErrAuthExpired)

	err = mapError("get", errors.New("connection reset"))
	assert.Equal(t, mailboxdomain.KindTransient, mailboxdomain.Classify(err))
}

func TestCursorAdvances(t *testing.T) {
	s := &Source{}
	assert.True(t, s.CursorAdvances("", "10"))
	assert.True(t, s.CursorAdvances("9", "10"))
	assert.False(t, s.CursorAdvances("10", "10"))
	assert.False(t, s.CursorAdvances("100", "99"))
	assert.False(t, s.CursorAdvances("10", "x"))
}
