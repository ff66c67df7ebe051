package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Document is what the extractor sends to the model.
type Document struct {
	Subject    string
	From       string
	ReceivedAt time.Time
	Text       string
	Filename   string
	Attachment []byte
	MimeType   string
}

// Extractor turns a document into InvoiceFields with one repair retry.
type Extractor struct {
	provider Provider
	validate *validator.Validate
	timeout  time.Duration
	maxText  int
}

func NewExtractor(provider Provider, timeout time.Duration) *Extractor {
	return &Extractor{
		provider: provider,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  timeout,
		maxText:  12000,
	}
}

// Extract returns validated fields, ErrNotFinancial, ErrSchemaInvalid (after
// the repair attempt failed) or the provider error as-is.
func (e *Extractor) Extract(ctx context.Context, doc Document) (*InvoiceFields, error) {
	if e.provider == nil {
		return nil, ErrNoProvider
	}
	prompt := buildExtractionPrompt(doc, e.maxText)

	raw, err := e.generate(ctx, prompt, doc)
	if err != nil {
		return nil, err
	}
	fields, verr := e.parse(raw)
	if verr == nil || errors.Is(verr, ErrNotFinancial) {
		return fields, verr
	}

	raw, err = e.generate(ctx, buildRepairPrompt(prompt, raw, verr), doc)
	if err != nil {
		return nil, err
	}
	fields, verr = e.parse(raw)
	if verr == nil || errors.Is(verr, ErrNotFinancial) {
		return fields, verr
	}
	return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, verr)
}

func (e *Extractor) generate(ctx context.Context, prompt string, doc Document) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.provider.Generate(ctx, prompt, doc.Attachment, doc.MimeType)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s extraction: %w", e.provider.Name(), ctx.Err())
		}
		return "", fmt.Errorf("%s extraction: %w", e.provider.Name(), err)
	}
	return out, nil
}

func (e *Extractor) parse(raw string) (*InvoiceFields, error) {
	var fields InvoiceFields
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &fields); err != nil {
		return nil, fmt.Errorf("output is not a JSON object: %v", err)
	}
	if fields.IsFinancialDocument == nil {
		return nil, errors.New("is_financial_document is required")
	}
	if !*fields.IsFinancialDocument {
		return &fields, ErrNotFinancial
	}
	fields.Currency = strings.ToUpper(strings.TrimSpace(fields.Currency))
	fields.Category = strings.ToLower(strings.TrimSpace(fields.Category))
	if err := e.validate.Struct(&fields); err != nil {
		return nil, describeValidation(err)
	}
	return &fields, nil
}

// ParsedDate returns the document date of validated fields.
func (f *InvoiceFields) ParsedDate() (time.Time, error) {
	return time.Parse("2006-01-02", f.Date)
}

// cleanJSON strips markdown fences and any prose around the JSON object.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		s = s[start : end+1]
	}
	return s
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
