package extraction

import (
	"context"
	"strings"

	"mailscan-backend/internal/document/domain"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
)

// images smaller than this are logos and tracking pixels
const minImageSize = 10 * 1024

// CandidatesFor returns the body and attachment candidates of msg, or nil
// when nothing in it looks financial.
func CandidatesFor(mailboxID, chunkID string, msg *mailboxdomain.Message) []*domain.CandidateDocument {
	text := MessageText(msg.Text, msg.HTML)
	messageFinancial := LooksFinancial(msg.Subject, msg.From, text, "")

	var out []*domain.CandidateDocument
	if messageFinancial && strings.TrimSpace(text) != "" {
		out = append(out, &domain.CandidateDocument{
			MailboxID:  mailboxID,
			ChunkID:    chunkID,
			MessageID:  msg.ID,
			Subject:    msg.Subject,
			From:       msg.From,
			ReceivedAt: msg.Date.UTC(),
			Text:       text,
		})
	}
	for _, att := range msg.Attachments {
		if !Extractable(att.MimeType, att.Filename) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(att.MimeType), "image/") && att.Size > 0 && att.Size < minImageSize {
			continue
		}
		if !messageFinancial && !LooksFinancial("", "", "", att.Filename) {
			continue
		}
		out = append(out, &domain.CandidateDocument{
			MailboxID:    mailboxID,
			ChunkID:      chunkID,
			MessageID:    msg.ID,
			AttachmentID: att.ID,
			Filename:     att.Filename,
			MimeType:     att.MimeType,
			Subject:      msg.Subject,
			From:         msg.From,
			ReceivedAt:   msg.Date.UTC(),
		})
	}
	return out
}

// InputFor loads what a stage needs for cand. Attachment bytes are fetched
// for text types and PDFs always, and for other binary types only when
// binary is set. A PDF's text layer goes to Text so the regex stage can
// resolve it; the AI stage still gets the bytes.
func InputFor(ctx context.Context, src mailboxdomain.MailSource, cand *domain.CandidateDocument, binary bool) (Input, error) {
	in := Input{
		Subject:    cand.Subject,
		From:       cand.From,
		ReceivedAt: cand.ReceivedAt,
		Text:       cand.Text,
		Filename:   cand.Filename,
		MimeType:   cand.MimeType,
	}
	if !cand.IsAttachment() {
		return in, nil
	}
	textual := IsTextual(cand.MimeType)
	isPDF := IsPDF(cand.MimeType, cand.Filename)
	if !textual && !isPDF && !binary {
		return in, nil
	}
	data, err := src.FetchAttachment(ctx, mailboxdomain.AttachmentRef{
		MessageID: cand.MessageID,
		ID:        cand.AttachmentID,
		Filename:  cand.Filename,
		MimeType:  cand.MimeType,
	})
	if err != nil {
		return Input{}, err
	}
	switch {
	case textual:
		in.Text = Render(cand.MimeType, data)
	case isPDF:
		if text := PDFText(data); text != "" {
			in.Text = text
		}
		if binary {
			in.Attachment = data
		}
	default:
		in.Attachment = data
	}
	return in, nil
}
