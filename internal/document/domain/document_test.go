package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func amount(v int64) *int64 { return &v }

func TestDedupKeyIsStableAndUnambiguous(t *testing.T) {
	k1 := DedupKey("mb", "msg-1", "att")
	assert.Equal(t, k1, DedupKey("mb", "msg-1", "att"))
	assert.Len(t, k1, 64)

	// Same concatenation, different split.
	assert.NotEqual(t, DedupKey("mb", "msg-1a", "tt"), k1)
	assert.NotEqual(t, DedupKey("mb", "msg-1", ""), k1)
	assert.NotEqual(t, DedupKey("other", "msg-1", "att"), k1)
}

func TestImproves(t *testing.T) {
	regexDoc := &ExtractedDocument{Source: SourceRegex, Status: StatusActive, Confidence: 0.8, Vendor: "Acme", AmountMinor: amount(100)}

	t.Run("ai beats regex", func(t *testing.T) {
		assert.True(t, Improves(regexDoc, &Extraction{Source: SourceAI, Confidence: 0.7, Vendor: "Acme"}))
	})
	t.Run("regex never beats ai", func(t *testing.T) {
		aiDoc := &ExtractedDocument{Source: SourceAI, Status: StatusActive, Confidence: 0.5}
		assert.False(t, Improves(aiDoc, &Extraction{Source: SourceRegex, Confidence: 0.99}))
	})
	t.Run("equal rank prefers confidence then fields", func(t *testing.T) {
		assert.True(t, Improves(regexDoc, &Extraction{Source: SourceRegex, Confidence: 0.9}))
		assert.False(t, Improves(regexDoc, &Extraction{Source: SourceRegex, Confidence: 0.8, Vendor: "Acme"}))
		assert.True(t, Improves(regexDoc, &Extraction{Source: SourceRegex, Confidence: 0.8, Vendor: "Acme", AmountMinor: amount(100), Currency: "USD"}))
	})
	t.Run("review loses to anything valid", func(t *testing.T) {
		review := &ExtractedDocument{Source: SourceAI, Status: StatusNeedsReview}
		assert.True(t, Improves(review, &Extraction{Source: SourceRegex, Confidence: 0.6}))
		assert.False(t, Improves(regexDoc, &Extraction{Source: SourceAI, NeedsReview: true}))
	})
	t.Run("edited and deleted are frozen", func(t *testing.T) {
		assert.False(t, Improves(&ExtractedDocument{Source: SourceManual, Status: StatusEdited}, &Extraction{Source: SourceAI, Confidence: 1}))
		assert.False(t, Improves(&ExtractedDocument{Source: SourceRegex, Status: StatusDeleted}, &Extraction{Source: SourceAI, Confidence: 1}))
	})
}
