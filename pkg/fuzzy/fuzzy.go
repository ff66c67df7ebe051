package fuzzy

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// LevenshteinDistance calculates the edit distance between two strings
// This measures how many single-character edits (insertions, deletions, or substitutions)
// are required to change one string into another
func LevenshteinDistance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	m := len(r1)
	n := len(r2)

	if m == 0 {
		return n
	}
	if n == 0 {
		return m
	}

	// Two rows are enough: previous and current.
	prev := make([]int, n+1)
	cur := make([]int, n+1)
	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		cur[0] = i
		for j := 1; j <= n; j++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			cur[j] = min(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}

	return prev[n]
}

// Similarity returns 1 - distance/maxLen over normalized names, in [0,1].
func Similarity(a, b string) float64 {
	a, b = NormalizeVendor(a), NormalizeVendor(b)
	if a == "" && b == "" {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 0
	}
	return 1 - float64(LevenshteinDistance(a, b))/float64(maxLen)
}

// corporate suffixes dropped before comparing vendor names
var legalSuffixes = map[string]bool{
	"inc": true, "llc": true, "ltd": true, "limited": true, "corp": true,
	"corporation": true, "co": true, "gmbh": true, "sa": true, "sas": true,
	"bv": true, "plc": true, "pty": true, "ag": true, "srl": true,
}

// NormalizeVendor lowercases, strips accents and punctuation, and drops
// legal suffixes: "ACME, Inc." -> "acme".
func NormalizeVendor(s string) string {
	s = strings.ToLower(removeAccents(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	for len(words) > 1 && legalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// BestMatch returns the entry of known most similar to name when its
// similarity reaches threshold. A known name contained as a whole word in
// name ("Amazon Web Services EMEA" vs "Amazon Web Services") also matches.
func BestMatch(name string, known []string, threshold float64) (string, bool) {
	norm := NormalizeVendor(name)
	if norm == "" {
		return "", false
	}
	best, bestScore := "", 0.0
	for _, k := range known {
		kn := NormalizeVendor(k)
		if kn == "" {
			continue
		}
		score := Similarity(norm, kn)
		if containsWords(norm, kn) {
			score = max(score, 0.95)
		}
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	if bestScore >= threshold {
		return best, true
	}
	return "", false
}

// containsWords reports whether needle appears in text on word boundaries.
func containsWords(text, needle string) bool {
	return strings.Contains(" "+text+" ", " "+needle+" ")
}

// removeAccents removes diacritical marks from a string
func removeAccents(s string) string {
	var result strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) { // Mn: Mark, nonspacing
			continue
		}
		switch r {
		case 'đ':
			result.WriteRune('d')
		case 'Đ':
			result.WriteRune('D')
		case 'ß':
			result.WriteString("ss")
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
