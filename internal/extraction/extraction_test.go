package extraction

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailscan-backend/internal/document/domain"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexStageResolvesCompleteInvoice(t *testing.T) {
	stage := NewRegexStage(DefaultVendors, 0)
	in := Input{
		Subject: "Your receipt",
		From:    "Slack <feedback@slack.com>",
		Text:    "Receipt from Slack Technologies\nInvoice date: March 4, 2024\nSubtotal $10.00\nTotal: $12.50\n",
	}

	res := stage.Run(in)
	require.Equal(t, KindResolved, res.Kind, res.Reason)
	e := res.Extraction
	assert.Equal(t, "Slack", e.Vendor)
	assert.Equal(t, "software", e.Category)
	assert.EqualValues(t, 1250, *e.AmountMinor)
	assert.Equal(t, "USD", e.Currency)
	assert.Equal(t, "2024-03-04", e.Date.Format("2006-01-02"))
	assert.Equal(t, domain.SourceRegex, e.Source)
	assert.InDelta(t, 0.95, e.Confidence, 1e-9)

	// Pure: same input, same output.
	assert.Equal(t, res, stage.Run(in))
}

func TestRegexStageHandsOnIncompleteCandidates(t *testing.T) {
	stage := NewRegexStage(DefaultVendors, 0)

	res := stage.Run(Input{Subject: "Invoice", From: "billing@acme.example", Text: "Invoice from Acme\nTotal due: 40 EUR"})
	assert.Equal(t, KindNeedsNextStage, res.Kind)
	assert.Equal(t, "date not found", res.Reason)

	res = stage.Run(Input{Subject: "Invoice", Text: "Invoice from Acme\nDate: 2024-01-02"})
	assert.Equal(t, KindNeedsNextStage, res.Kind)
	assert.Equal(t, "amount not found", res.Reason)

	res = stage.Run(Input{MimeType: "application/pdf"})
	assert.Equal(t, KindNeedsNextStage, res.Kind)
}

func TestFindAmountPrefersStrongestLabel(t *testing.T) {
	amount, currency, explicit, ok := findAmount("Total 10,00 €\nGrand total: 1.234,56 EUR\nTotal 3")
	require.True(t, ok)
	assert.EqualValues(t, 123456, amount)
	assert.Equal(t, "EUR", currency)
	assert.True(t, explicit)

	amount, currency, _, ok = findAmount("Amount due ¥1,200")
	require.True(t, ok)
	assert.EqualValues(t, 1200, amount)
	assert.Equal(t, "JPY", currency)
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw      string
		currency string
		want     int64
	}{
		{"120", "USD", 12000},
		{"1,234.56", "USD", 123456},
		{"1.234,56", "EUR", 123456},
		{"1.234", "EUR", 123400},
		{"12,5", "EUR", 1250},
		{"1 234,50", "EUR", 123450},
		{"5000", "VND", 5000},
	}
	for _, tc := range cases {
		got, ok := parseAmount(tc.raw, tc.currency)
		assert.True(t, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseDate(t *testing.T) {
	for raw, want := range map[string]string{
		"2024-02-29":   "2024-02-29",
		"03/04/2024":   "2024-03-04",
		"25/12/2023":   "2023-12-25",
		"4 March 2024": "2024-03-04",
		"Mar 4, 2024":  "2024-03-04",
		"04.03.2024":   "2024-03-04",
	} {
		got, ok := parseDate(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got.Format("2006-01-02"), raw)
	}
	_, ok := parseDate("31/02/2024")
	assert.False(t, ok)
}

func TestLooksFinancial(t *testing.T) {
	assert.True(t, LooksFinancial("Your invoice #123", "", "", ""))
	assert.True(t, LooksFinancial("", "", "", "Receipt-2024.pdf"))
	assert.True(t, LooksFinancial("Hello", "", "Payment received: $45.00", ""))
	assert.False(t, LooksFinancial("Hello", "", "Payment options changed", ""))
	assert.False(t, LooksFinancial("Weekly digest", "news@example.com", "Ten tips", ""))
}

func TestHTMLToText(t *testing.T) {
	got := HTMLToText(`<html><head><style>p{}</style></head><body><p>Invoice from <b>Acme</b></p><table><tr><td>Total</td><td>$5.00</td></tr></table></body></html>`)
	assert.Equal(t, "Invoice from Acme\nTotal $5.00", got)
}

func TestCandidatesFor(t *testing.T) {
	msg := &mailboxdomain.Message{
		ID:      "m1",
		Subject: "Your invoice",
		Text:    "See attached",
		Date:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Attachments: []mailboxdomain.AttachmentRef{
			{ID: "a1", Filename: "invoice.pdf", MimeType: "application/pdf", Size: 50000},
			{ID: "a2", Filename: "logo.png", MimeType: "image/png", Size: 2000},
			{ID: "a3", Filename: "data.zip", MimeType: "application/zip", Size: 2000},
		},
	}
	cands := CandidatesFor("mb", "c", msg)
	require.Len(t, cands, 2)
	assert.Equal(t, "", cands[0].AttachmentID)
	assert.Equal(t, "a1", cands[1].AttachmentID)

	assert.Empty(t, CandidatesFor("mb", "c", &mailboxdomain.Message{ID: "m2", Subject: "lunch?", Text: "tomorrow"}))
}

type stubExtractor struct {
	fields *ai.InvoiceFields
	err    error
	calls  int
}

func (s *stubExtractor) Extract(ctx context.Context, doc ai.Document) (*ai.InvoiceFields, error) {
	s.calls++
	return s.fields, s.err
}

func validFields() *ai.InvoiceFields {
	yes, amt := true, 42.5
	return &ai.InvoiceFields{
		IsFinancialDocument: &yes,
		Vendor:              "Initech",
		Amount:              &amt,
		Currency:            "EUR",
		Date:                "2023-11-30",
		Category:            "services",
		Confidence:          0.88,
	}
}

func TestAIStageOutcomes(t *testing.T) {
	ctx := context.Background()

	res, err := NewAIStage(&stubExtractor{fields: validFields()}).Run(ctx, Input{})
	require.NoError(t, err)
	require.Equal(t, KindResolved, res.Kind)
	assert.EqualValues(t, 4250, *res.Extraction.AmountMinor)
	assert.Equal(t, domain.SourceAI, res.Extraction.Source)
	assert.InDelta(t, 0.88, res.Extraction.Confidence, 1e-9)

	res, err = NewAIStage(&stubExtractor{err: ai.ErrNotFinancial}).Run(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, KindSkip, res.Kind)

	res, err = NewAIStage(&stubExtractor{err: ai.ErrSchemaInvalid}).Run(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, KindNeedsReview, res.Kind)
	assert.True(t, res.Extraction.NeedsReview)
	assert.True(t, res.Persistable())

	_, err = NewAIStage(&stubExtractor{err: context.DeadlineExceeded}).Run(ctx, Input{})
	assert.ErrorIs(t, err, mailboxdomain.ErrTransient)
	assert.Equal(t, mailboxdomain.KindTransient, mailboxdomain.Classify(err))
}

func TestPipelineSkipsAIWhenRegexResolves(t *testing.T) {
	stub := &stubExtractor{fields: validFields()}
	p := NewPipeline(NewRegexStage(DefaultVendors, 0), NewAIStage(stub))

	res, err := p.Process(context.Background(), Input{
		Subject: "Receipt",
		Text:    "Receipt from Uber\nDate: 2024-05-01\nTotal: $23.10",
	})
	require.NoError(t, err)
	assert.Equal(t, KindResolved, res.Kind)
	assert.Equal(t, domain.SourceRegex, res.Extraction.Source)
	assert.Equal(t, 0, stub.calls)

	res, err = p.Process(context.Background(), Input{Subject: "Receipt", Text: "see attachment"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAI, res.Extraction.Source)
	assert.Equal(t, 1, stub.calls)

	stub.err = errors.New("boom")
	_, err = p.Process(context.Background(), Input{Subject: "Receipt", Text: "see attachment"})
	assert.Error(t, err)
}
