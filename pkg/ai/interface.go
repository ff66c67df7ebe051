package ai

import (
	"context"
	"errors"
)

var (
	// ErrSchemaInvalid is returned when the model output still fails
	// validation after the repair retry.
	ErrSchemaInvalid = errors.New("extraction output does not match schema")
	// ErrNotFinancial is returned when the model says the document is
	// not an invoice or receipt.
	ErrNotFinancial = errors.New("document is not a financial document")
	ErrNoProvider   = errors.New("no AI provider available")
)

// Provider is a text-generation backend. Implement this interface to add
// new AI providers (Gemini, Ollama, ...).
type Provider interface {
	Name() string
	// Generate returns the raw model answer. attachment may be nil;
	// providers that cannot read mimeType ignore it.
	Generate(ctx context.Context, prompt string, attachment []byte, mimeType string) (string, error)
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)

// Categories accepted in the extraction schema.
var Categories = []string{
	"utilities", "software", "travel", "meals", "office", "shipping",
	"subscriptions", "services", "taxes", "insurance", "other",
}

// InvoiceFields is the strict schema the model must answer with.
type InvoiceFields struct {
	IsFinancialDocument *bool    `json:"is_financial_document" validate:"required"`
	Vendor              string   `json:"vendor" validate:"required,min=2,max=200"`
	Amount              *float64 `json:"amount" validate:"required,gte=0"`
	Currency            string   `json:"currency" validate:"required,len=3,uppercase"`
	Date                string   `json:"date" validate:"required,datetime=2006-01-02"`
	Category            string   `json:"category" validate:"required,oneof=utilities software travel meals office shipping subscriptions services taxes insurance other"`
	Confidence          float64  `json:"confidence" validate:"gte=0,lte=1"`
}
