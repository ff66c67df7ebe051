package imapmail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawInvoice = "From: Acme Billing <billing@acme.example>\r\n" +
	"Subject: Invoice 42\r\n" +
	"Date: Tue, 05 Mar 2024 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XX\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Total due: $10.00\r\n" +
	"--XX\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice-42.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4 fake\r\n" +
	"--XX--\r\n"

func TestParseMessage(t *testing.T) {
	msg, data, err := parse(strings.NewReader(rawInvoice), "7-12", false, "")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, "Invoice 42", msg.Subject)
	assert.Contains(t, msg.From, "billing@acme.example")
	assert.Equal(t, 2024, msg.Date.Year())
	assert.Contains(t, msg.Text, "Total due: $10.00")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "part-1", msg.Attachments[0].ID)
	assert.Equal(t, "invoice-42.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MimeType)
	assert.Equal(t, "7-12", msg.Attachments[0].MessageID)
}

func TestParseAttachmentBytes(t *testing.T) {
	_, data, err := parse(strings.NewReader(rawInvoice), "7-12", true, "part-1")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))

	_, data, err = parse(strings.NewReader(rawInvoice), "7-12", true, "part-9")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestCursorAndMessageIDs(t *testing.T) {
	v, u, err := parseCursor(formatCursor(7, 120))
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
	assert.EqualValues(t, 120, u)

	v, u, err = parseMessageID(messageID(7, 3))
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
	assert.EqualValues(t, 3, u)

	_, _, err = parseCursor("garbage")
	assert.Error(t, err)

	s := NewSource(Config{})
	assert.True(t, s.CursorAdvances("", "7:1"))
	assert.True(t, s.CursorAdvances("7:1", "7:2"))
	assert.False(t, s.CursorAdvances("7:2", "7:2"))
	assert.True(t, s.CursorAdvances("7:9", "8:1"))
	assert.False(t, s.CursorAdvances("7:1", "bad"))
}
