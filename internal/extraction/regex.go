package extraction

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"mailscan-backend/internal/document/domain"
	"mailscan-backend/pkg/fuzzy"
)

// KnownVendor canonicalises vendor names and supplies their category.
type KnownVendor struct {
	Name     string
	Category string
}

// DefaultVendors seeds the deterministic stage.
var DefaultVendors = []KnownVendor{
	{"Amazon Web Services", "software"},
	{"Google", "software"},
	{"Microsoft", "software"},
	{"Adobe", "software"},
	{"Slack", "software"},
	{"GitHub", "software"},
	{"Atlassian", "software"},
	{"Dropbox", "subscriptions"},
	{"Netflix", "subscriptions"},
	{"Spotify", "subscriptions"},
	{"Uber", "travel"},
	{"Lyft", "travel"},
	{"Airbnb", "travel"},
	{"Booking.com", "travel"},
	{"FedEx", "shipping"},
	{"UPS", "shipping"},
	{"DHL", "shipping"},
	{"Staples", "office"},
	{"Comcast", "utilities"},
	{"Verizon", "utilities"},
}

const (
	vendorMatchThreshold = 0.85
	// DefaultMinConfidence is the lowest score the deterministic stage
	// resolves at.
	DefaultMinConfidence = 0.75
)

const currencyCodes = `USD|EUR|GBP|JPY|CAD|AUD|CHF|VND|SGD|INR`

var (
	amountPattern = regexp.MustCompile(`(?i)\b(grand total|total due|amount due|balance due|total paid|amount paid|amount charged|total)\b[^\n\d$€£¥]{0,30}?(?:([$€£¥])|\b(` + currencyCodes + `)\b)?\s*(\d{1,3}(?:[.,\x{00a0} ]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)(?:\s*(` + currencyCodes + `)\b)?`)

	datePart     = `(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{1,2}\.\d{1,2}\.\d{4}|[A-Za-z]{3,9}\.? \d{1,2},? \d{4}|\d{1,2} [A-Za-z]{3,9} \d{4})`
	labeledDate  = regexp.MustCompile(`(?i)\b(?:invoice date|date of issue|issue date|issued on|issued|billing date|payment date|order date|receipt date|dated|date)\s*[:\-]?\s*` + datePart)
	anyDate      = regexp.MustCompile(datePart)
	anyCurrency  = regexp.MustCompile(`([$€£¥])|\b(` + currencyCodes + `)\b`)
	fromVendor   = regexp.MustCompile(`(?im)\b(?:invoice|receipt|bill|order|payment|statement)\s+(?:from|by)\s+([^\n.,:;!()]{2,60}?)\s*(?:[.,:;!(\n]|$)`)
	labeledVend  = regexp.MustCompile(`(?im)^\s*(?:vendor|seller|merchant|supplier|sold by|billed by|issued by)\s*:\s*([^\n]{2,60}?)\s*$`)
	thanksVendor = regexp.MustCompile(`(?i)thank you for (?:your (?:purchase|order|payment|business) )?(?:from|with|at) ([^\n.,!]{2,60})`)
	subjectVend  = regexp.MustCompile(`(?i)\byour\s+([^\n]{2,40}?)\s+(?:invoice|receipt|bill)\b`)
)

var amountLabelRank = map[string]int{
	"grand total":    3,
	"total due":      2,
	"amount due":     2,
	"balance due":    2,
	"total paid":     2,
	"amount paid":    2,
	"amount charged": 2,
	"total":          1,
}

var senderNoise = map[string]bool{
	"billing": true, "invoice": true, "invoices": true, "receipts": true, "receipt": true,
	"no-reply": true, "noreply": true, "team": true, "payments": true, "accounts": true,
	"notifications": true, "support": true, "the": true,
}

// RegexStage is the deterministic pass. Run is pure.
type RegexStage struct {
	vendors       []KnownVendor
	names         []string
	minConfidence float64
}

func NewRegexStage(vendors []KnownVendor, minConfidence float64) *RegexStage {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	names := make([]string, len(vendors))
	for i, v := range vendors {
		names[i] = v.Name
	}
	return &RegexStage{vendors: vendors, names: names, minConfidence: minConfidence}
}

// Run resolves only when vendor, amount and date all match and the
// combined score reaches the configured minimum.
func (s *RegexStage) Run(in Input) Result {
	if strings.TrimSpace(in.Text) == "" {
		return NeedsNextStage("no text to match")
	}
	body := in.Text
	if len(body) > 50000 {
		body = body[:50000]
	}

	score := 0.5

	vendor, vendorScore := s.vendor(in.Subject, in.From, body)
	if vendor == "" {
		return NeedsNextStage("vendor not found")
	}
	score += vendorScore

	amount, currency, currencyExplicit, ok := findAmount(body)
	if !ok {
		return NeedsNextStage("amount not found")
	}
	score += 0.15
	if currencyExplicit {
		score += 0.05
	}

	date, labeled, ok := findDate(body)
	if !ok {
		return NeedsNextStage("date not found")
	}
	if labeled {
		score += 0.1
	}

	ext := &domain.Extraction{
		Vendor:      vendor,
		AmountMinor: &amount,
		Currency:    currency,
		Date:        &date,
		Source:      domain.SourceRegex,
	}
	if canonical, ok := fuzzy.BestMatch(vendor, s.names, vendorMatchThreshold); ok {
		ext.Vendor = canonical
		ext.Category = s.categoryOf(canonical)
		score += 0.05
	}
	ext.Confidence = min(score, 0.95)

	if ext.Confidence < s.minConfidence {
		return NeedsNextStage("low confidence")
	}
	return Resolved(ext)
}

func (s *RegexStage) categoryOf(name string) string {
	for _, v := range s.vendors {
		if v.Name == name {
			return v.Category
		}
	}
	return ""
}

// vendor returns the best vendor guess and the score it contributes.
func (s *RegexStage) vendor(subject, from, body string) (string, float64) {
	for _, re := range []*regexp.Regexp{labeledVend, fromVendor, thanksVendor} {
		if m := re.FindStringSubmatch(body); m != nil {
			if v := cleanVendor(m[1]); v != "" {
				return v, 0.15
			}
		}
	}
	if m := subjectVend.FindStringSubmatch(subject); m != nil {
		if v := cleanVendor(m[1]); v != "" {
			return v, 0.1
		}
	}
	if v := vendorFromSender(from); v != "" {
		return v, 0.05
	}
	return "", 0
}

func cleanVendor(v string) string {
	v = strings.Trim(strings.TrimSpace(v), `"'*-–`)
	if len(v) < 2 || strings.IndexFunc(v, func(r rune) bool { return r >= '0' && r <= '9' }) == 0 {
		return ""
	}
	return v
}

// vendorFromSender uses the display name, or the domain label when the
// display name is only noise.
func vendorFromSender(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	var kept []string
	for _, w := range strings.Fields(addr.Name) {
		if !senderNoise[strings.ToLower(w)] {
			kept = append(kept, w)
		}
	}
	if len(kept) > 0 {
		return strings.Join(kept, " ")
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 {
		return ""
	}
	labels := strings.Split(addr.Address[at+1:], ".")
	if len(labels) < 2 {
		return ""
	}
	name := labels[len(labels)-2]
	if len(name) < 2 {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// findAmount picks the strongest total label, the last one on ties.
func findAmount(body string) (int64, string, bool, bool) {
	matches := amountPattern.FindAllStringSubmatch(body, -1)
	bestRank := 0
	var best []string
	for _, m := range matches {
		if r := amountLabelRank[strings.ToLower(m[1])]; r >= bestRank {
			bestRank, best = r, m
		}
	}
	if best == nil {
		return 0, "", false, false
	}

	currency, explicit := "", true
	switch {
	case best[2] != "":
		currency = currencySymbols[best[2]]
	case best[3] != "":
		currency = strings.ToUpper(best[3])
	case best[5] != "":
		currency = strings.ToUpper(best[5])
	default:
		explicit = false
		if m := anyCurrency.FindStringSubmatch(body); m != nil {
			if m[1] != "" {
				currency = currencySymbols[m[1]]
			} else {
				currency = strings.ToUpper(m[2])
			}
		}
	}

	amount, ok := parseAmount(best[4], currency)
	if !ok || amount <= 0 {
		return 0, "", false, false
	}
	return amount, currency, explicit, true
}

func findDate(body string) (time.Time, bool, bool) {
	for _, m := range labeledDate.FindAllStringSubmatch(body, -1) {
		if t, ok := parseDate(m[1]); ok {
			return t, true, true
		}
	}
	for _, m := range anyDate.FindAllStringSubmatch(body, -1) {
		if t, ok := parseDate(m[1]); ok {
			return t, false, true
		}
	}
	return time.Time{}, false, false
}
