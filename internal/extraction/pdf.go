package extraction

import (
	"bytes"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxPDFText = 200000

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether an attachment is a PDF by type or file name.
func IsPDF(mimeType, filename string) bool {
	return strings.EqualFold(mimeType, "application/pdf") || strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// PDFText returns the text layer of a PDF. Scanned or unreadable files
// have none and give "".
func PDFText(data []byte) (text string) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return ""
	}
	// The parser panics on some malformed files.
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(plain, maxPDFText))
	if err != nil {
		return ""
	}

	lines := strings.Split(string(bytes.ToValidUTF8(raw, []byte("?"))), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
