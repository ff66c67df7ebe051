package extraction

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// zero-decimal currencies
var zeroExponent = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true}

func currencyExponent(currency string) int {
	if zeroExponent[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MinorUnits converts a decimal amount to integer minor units of currency.
func MinorUnits(amount float64, currency string) int64 {
	return int64(math.Round(amount * math.Pow10(currencyExponent(currency))))
}

// parseAmount reads "1,234.56", "1.234,56", "1 234,5" or "120" into minor
// units. A lone separator followed by exactly three digits is a thousands
// separator.
func parseAmount(raw, currency string) (int64, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	decimalAt := -1
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimalAt = max(lastDot, lastComma)
	case lastDot >= 0 || lastComma >= 0:
		at := max(lastDot, lastComma)
		if digits := len(s) - at - 1; digits > 0 && digits <= 2 {
			decimalAt = at
		}
	}

	intPart, fracPart := s, ""
	if decimalAt >= 0 {
		intPart, fracPart = s[:decimalAt], s[decimalAt+1:]
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, false
	}

	exp := currencyExponent(currency)
	scale := int64(math.Pow10(exp))
	var frac int64
	if fracPart != "" && exp > 0 {
		for len(fracPart) < exp {
			fracPart += "0"
		}
		frac, err = strconv.ParseInt(fracPart[:exp], 10, 64)
		if err != nil {
			return 0, false
		}
	}
	return whole*scale + frac, true
}

var dateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02.01.2006",
}

// parseDate understands ISO, written-month and dotted dates. Slashed dates
// are month-first unless the first number cannot be a month.
func parseDate(raw string) (time.Time, bool) {
	s := strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) == 3 {
		a, errA := strconv.Atoi(parts[0])
		b, errB := strconv.Atoi(parts[1])
		y, errY := strconv.Atoi(parts[2])
		if errA != nil || errB != nil || errY != nil {
			return time.Time{}, false
		}
		month, dom := a, b
		if a > 12 {
			month, dom = b, a
		}
		if month < 1 || month > 12 || dom < 1 || dom > 31 {
			return time.Time{}, false
		}
		t := time.Date(y, time.Month(month), dom, 0, 0, 0, 0, time.UTC)
		if t.Day() != dom {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
