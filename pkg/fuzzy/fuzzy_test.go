package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"amazon", "amazon", 0},
		{"café", "cafe", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevenshteinDistance(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}

func TestNormalizeVendor(t *testing.T) {
	assert.Equal(t, "acme", NormalizeVendor("ACME, Inc."))
	assert.Equal(t, "societe generale", NormalizeVendor("Société Générale SA"))
	assert.Equal(t, "co", NormalizeVendor("Co"))
}

func TestBestMatch(t *testing.T) {
	known := []string{"Amazon Web Services", "Google", "Slack"}

	got, ok := BestMatch("amazon web services emea sarl", known, 0.8)
	assert.True(t, ok)
	assert.Equal(t, "Amazon Web Services", got)

	got, ok = BestMatch("Slak", known, 0.7)
	assert.True(t, ok)
	assert.Equal(t, "Slack", got)

	_, ok = BestMatch("Initech", known, 0.8)
	assert.False(t, ok)

	_, ok = BestMatch("  ", known, 0.1)
	assert.False(t, ok)
}
