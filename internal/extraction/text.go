package extraction

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var financialKeywords = []string{
	"invoice", "receipt", "bill", "billing", "payment", "paid", "order confirmation",
	"statement", "amount due", "total due", "subscription renewal", "your order",
	"facture", "rechnung", "factura", "fattura", "hóa đơn",
}

var moneyPattern = regexp.MustCompile(`(?i)([$€£¥]\s?\d)|(\d[\d.,]*\s?(usd|eur|gbp|jpy|cad|aud|vnd|chf)\b)|((usd|eur|gbp|jpy|cad|aud|vnd|chf)\s?\d)`)

// LooksFinancial is the discovery classifier. A keyword in the subject or
// filename is enough; in the body it must come with a money amount.
func LooksFinancial(subject, from, text, filename string) bool {
	head := strings.ToLower(subject + " " + filename)
	if containsKeyword(head) {
		return true
	}
	if strings.Contains(strings.ToLower(from), "billing@") || strings.Contains(strings.ToLower(from), "invoice") {
		return true
	}
	body := strings.ToLower(text)
	if len(body) > 20000 {
		body = body[:20000]
	}
	return containsKeyword(body) && moneyPattern.MatchString(body)
}

func containsKeyword(s string) bool {
	for _, k := range financialKeywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Extractable reports whether an attachment can carry a financial document.
func Extractable(mimeType, filename string) bool {
	mt := strings.ToLower(mimeType)
	switch {
	case mt == "application/pdf",
		strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "text/"):
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".pdf")
}

// IsTextual reports whether Render can turn the bytes into text.
func IsTextual(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "text/")
}

// Render returns the readable text of an attachment. PDFs render to their
// text layer. Images and scanned PDFs are left for the AI stage as inline
// data and render to "".
func Render(mimeType string, data []byte) string {
	mt := strings.ToLower(mimeType)
	switch {
	case mt == "application/pdf", bytes.HasPrefix(data, pdfMagic):
		return PDFText(data)
	case strings.HasPrefix(mt, "text/html"):
		return HTMLToText(string(data))
	case strings.HasPrefix(mt, "text/"):
		return string(bytes.ToValidUTF8(data, []byte("?")))
	}
	return ""
}

// HTMLToText flattens markup to text, one line per block element.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "tr", "li", "h1", "h2", "h3", "h4", "table":
				b.WriteByte('\n')
			}
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// MessageText prefers the plain part and falls back to rendered HTML.
func MessageText(text, htmlBody string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if htmlBody != "" {
		return HTMLToText(htmlBody)
	}
	return ""
}
