package testutil

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is a scripted AI provider.
type FakeProvider struct {
	mu    sync.Mutex
	fn    func(prompt string) (string, error)
	calls int
}

func NewFakeProvider(fn func(prompt string) (string, error)) *FakeProvider {
	return &FakeProvider{fn: fn}
}

// AnswerAlways returns a provider that always answers with answer.
func AnswerAlways(answer string) *FakeProvider {
	return NewFakeProvider(func(string) (string, error) { return answer, nil })
}

// Respond replaces the scripted answer for later calls.
func (p *FakeProvider) Respond(fn func(prompt string) (string, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Generate(ctx context.Context, prompt string, _ []byte, _ string) (string, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fn(prompt)
}

func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// InvoiceJSON renders a valid extraction answer.
func InvoiceJSON(vendor string, amount float64, currency, date, category string, confidence float64) string {
	return fmt.Sprintf(`{"is_financial_document": true, "vendor": %q, "amount": %.2f, "currency": %q, "date": %q, "category": %q, "confidence": %.2f}`,
		vendor, amount, currency, date, category, confidence)
}
