package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu      sync.Mutex
	answers []string
	errs    []error
	prompts []string
	delay   time.Duration
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, prompt string, _ []byte, _ string) (string, error) {
	p.mu.Lock()
	i := len(p.prompts)
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.answers) {
		return p.answers[i], nil
	}
	return "", errors.New("script exhausted")
}

const validAnswer = "```json\n{\"is_financial_document\": true, \"vendor\": \"Acme Corp\", \"amount\": 120.5, \"currency\": \"usd\", \"date\": \"2024-03-01\", \"category\": \"Software\", \"confidence\": 0.9}\n```"

func TestExtractValidAnswer(t *testing.T) {
	p := &scriptedProvider{answers: []string{validAnswer}}
	fields, err := NewExtractor(p, time.Second).Extract(context.Background(), Document{Subject: "Invoice 42", Text: "Total 120.50"})

	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", fields.Vendor)
	assert.Equal(t, "USD", fields.Currency)
	assert.Equal(t, "software", fields.Category)
	assert.InDelta(t, 120.5, *fields.Amount, 1e-9)
	assert.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], "Invoice 42")
}

func TestExtractRepairsOnce(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"is_financial_document": true, "vendor": "Acme", "amount": 10, "currency": "dollars", "date": "March 1", "category": "software"}`,
		validAnswer,
	}}
	fields, err := NewExtractor(p, time.Second).Extract(context.Background(), Document{Text: "x"})

	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", fields.Vendor)
	require.Len(t, p.prompts, 2)
	assert.Contains(t, p.prompts[1], "previous answer was rejected")
	assert.Contains(t, p.prompts[1], "currency fails len=3")
}

func TestExtractSchemaInvalidAfterRepair(t *testing.T) {
	p := &scriptedProvider{answers: []string{"not json", `{"vendor": "Acme"}`}}
	_, err := NewExtractor(p, time.Second).Extract(context.Background(), Document{Text: "x"})

	assert.ErrorIs(t, err, ErrSchemaInvalid)
	assert.Len(t, p.prompts, 2)
}

func TestExtractNotFinancialSkipsRepair(t *testing.T) {
	p := &scriptedProvider{answers: []string{`{"is_financial_document": false}`}}
	_, err := NewExtractor(p, time.Second).Extract(context.Background(), Document{Text: "newsletter"})

	assert.ErrorIs(t, err, ErrNotFinancial)
	assert.Len(t, p.prompts, 1)
}

func TestExtractTimeoutIsReturnedAsDeadline(t *testing.T) {
	p := &scriptedProvider{answers: []string{validAnswer}, delay: time.Second}
	_, err := NewExtractor(p, 10*time.Millisecond).Extract(context.Background(), Document{Text: "x"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrSchemaInvalid)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("Sure! Here it is: {\"a\":1} hope it helps"))
	assert.Equal(t, `{"a":1}`, cleanJSON("```\n{\"a\":1}\n```"))
	assert.True(t, strings.HasPrefix(cleanJSON("[]"), "["))
}
