package ai

import (
	"fmt"
	"strings"
)

const schemaDescription = `{
  "is_financial_document": boolean,
  "vendor": string,            // issuing company, as printed
  "amount": number,            // grand total incl. tax, no currency symbol
  "currency": string,          // ISO 4217, e.g. "USD"
  "date": string,              // issue date, YYYY-MM-DD
  "category": string,          // one of: %s
  "confidence": number         // 0..1, your certainty about the fields
}`

func buildExtractionPrompt(doc Document, maxText int) string {
	text := doc.Text
	if len(text) > maxText {
		text = text[:maxText]
	}
	var b strings.Builder
	b.WriteString("You extract structured data from invoices and receipts found in a mailbox.\n\n")
	b.WriteString("Answer with ONE JSON object and nothing else, matching exactly:\n")
	b.WriteString(fmt.Sprintf(schemaDescription, strings.Join(Categories, ", ")))
	b.WriteString("\n\nRules:\n")
	b.WriteString("- If the document is not an invoice, receipt or bill, answer {\"is_financial_document\": false}.\n")
	b.WriteString("- Use the grand total, not subtotals or line items.\n")
	b.WriteString("- Never invent values. If a field is unreadable, lower confidence.\n\n")
	b.WriteString(fmt.Sprintf("Email subject: %s\n", doc.Subject))
	b.WriteString(fmt.Sprintf("Email sender: %s\n", doc.From))
	if !doc.ReceivedAt.IsZero() {
		b.WriteString(fmt.Sprintf("Received: %s\n", doc.ReceivedAt.UTC().Format("2006-01-02")))
	}
	if doc.Filename != "" {
		b.WriteString(fmt.Sprintf("Attachment: %s (%s)\n", doc.Filename, doc.MimeType))
	}
	if text != "" {
		b.WriteString("\nDocument text:\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("\nJSON:")
	return b.String()
}

func buildRepairPrompt(original, badOutput string, problem error) string {
	if len(badOutput) > 2000 {
		badOutput = badOutput[:2000]
	}
	return fmt.Sprintf(`%s

Your previous answer was rejected:
%s

Problems: %v

Return the corrected JSON object only.
JSON:`, original, badOutput, problem)
}
