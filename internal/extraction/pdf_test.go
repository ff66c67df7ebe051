package extraction

import (
	"context"
	"testing"
	"time"

	"mailscan-backend/internal/document/domain"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statementPDF() []byte {
	return testutil.TextPDF(
		"Invoice from Globex.",
		"Invoice date: 2024-10-30.",
		"Total due: $42.00",
	)
}

func TestPDFTextReadsTextLayer(t *testing.T) {
	text := PDFText(statementPDF())
	assert.Contains(t, text, "Invoice from Globex")
	assert.Contains(t, text, "Total due: $42.00")
	assert.Equal(t, text, Render("application/pdf", statementPDF()))
	assert.Equal(t, text, Render("application/octet-stream", statementPDF()))

	assert.Empty(t, PDFText([]byte("%PDF-1.4 scanned page")))
	assert.Empty(t, PDFText([]byte("not a pdf")))
	assert.Empty(t, Render("application/pdf", []byte("%PDF-1.4 receipt")))
}

func TestIsPDF(t *testing.T) {
	assert.True(t, IsPDF("application/pdf", ""))
	assert.True(t, IsPDF("application/octet-stream", "Statement.PDF"))
	assert.False(t, IsPDF("image/png", "scan.png"))
}

func pdfSource(data []byte) (*testutil.FakeSource, *domain.CandidateDocument) {
	src := testutil.NewFakeSource()
	src.AddMessage(&mailboxdomain.Message{
		ID:      "m1",
		Subject: "Your statement",
		From:    "accounts@globex.example",
		Date:    time.Date(2024, 10, 30, 9, 0, 0, 0, time.UTC),
	})
	src.AddAttachment("m1", mailboxdomain.AttachmentRef{ID: "a1", Filename: "statement.pdf", MimeType: "application/pdf"}, data)
	return src, &domain.CandidateDocument{
		MailboxID:    "mb",
		ChunkID:      "c1",
		MessageID:    "m1",
		AttachmentID: "a1",
		Filename:     "statement.pdf",
		MimeType:     "application/pdf",
		Subject:      "Your statement",
		From:         "accounts@globex.example",
	}
}

func TestTextPDFResolvesWithoutAI(t *testing.T) {
	ctx := context.Background()
	src, cand := pdfSource(statementPDF())

	in, err := InputFor(ctx, src, cand, false)
	require.NoError(t, err)
	assert.Contains(t, in.Text, "Invoice from Globex")
	assert.Nil(t, in.Attachment)

	stub := &stubExtractor{fields: validFields()}
	res, err := NewPipeline(NewRegexStage(DefaultVendors, 0), NewAIStage(stub)).Process(ctx, in)
	require.NoError(t, err)
	require.Equal(t, KindResolved, res.Kind)
	assert.Equal(t, domain.SourceRegex, res.Extraction.Source)
	assert.Equal(t, "Globex", res.Extraction.Vendor)
	assert.EqualValues(t, 4200, *res.Extraction.AmountMinor)
	assert.Equal(t, 0, stub.calls)
}

func TestScannedPDFGoesToAI(t *testing.T) {
	ctx := context.Background()
	scanned := []byte("%PDF-1.4 scanned page")
	src, cand := pdfSource(scanned)

	in, err := InputFor(ctx, src, cand, false)
	require.NoError(t, err)
	assert.Empty(t, in.Text)
	assert.Nil(t, in.Attachment)
	assert.Equal(t, KindNeedsNextStage, NewRegexStage(DefaultVendors, 0).Run(in).Kind)

	in, err = InputFor(ctx, src, cand, true)
	require.NoError(t, err)
	assert.Equal(t, scanned, in.Attachment)

	stub := &stubExtractor{fields: validFields()}
	res, err := NewPipeline(NewRegexStage(DefaultVendors, 0), NewAIStage(stub)).Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, KindResolved, res.Kind)
	assert.Equal(t, domain.SourceAI, res.Extraction.Source)
	assert.Equal(t, 1, stub.calls)
}
