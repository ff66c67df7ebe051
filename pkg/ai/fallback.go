package ai

import (
	"context"
	"fmt"
	"net"
	"strings"

	"mailscan-backend/pkg/logger"
)

// FallbackService routes extraction to Gemini first (better document
// understanding) and falls back to Ollama when Gemini is unavailable.
type FallbackService struct {
	gemini Provider
	ollama Provider
	log    *logger.Logger
}

// NewFallbackService creates a new fallback service with both providers
func NewFallbackService(gemini Provider, ollama Provider, log *logger.Logger) *FallbackService {
	if log == nil {
		log = logger.Nop()
	}
	return &FallbackService{
		gemini: gemini,
		ollama: ollama,
		log:    log.With("component", "ai.fallback"),
	}
}

func (f *FallbackService) Name() string { return "fallback" }

// isConnectionError checks if the error is a network/connection error
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(net.Error); ok {
		return true
	}
	return containsAny(err.Error(), []string{
		"connection refused",
		"no such host",
		"network is unreachable",
		"connection reset",
		"timeout",
		"dial tcp",
		"EOF",
	})
}

// isQuotaError checks if the error indicates API quota exhaustion (429)
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), []string{
		"429",
		"quota",
		"rate limit",
		"too many requests",
		"resource exhausted",
		"RESOURCE_EXHAUSTED",
	})
}

func containsAny(s string, indicators []string) bool {
	s = strings.ToLower(s)
	for _, indicator := range indicators {
		if strings.Contains(s, strings.ToLower(indicator)) {
			return true
		}
	}
	return false
}

// Generate tries Gemini, then Ollama. If Ollama cannot be reached after a
// non-quota Gemini failure, Gemini gets one more try.
func (f *FallbackService) Generate(ctx context.Context, prompt string, attachment []byte, mimeType string) (string, error) {
	var geminiErr error
	if f.gemini != nil {
		result, err := f.gemini.Generate(ctx, prompt, attachment, mimeType)
		if err == nil {
			return result, nil
		}
		geminiErr = err
		if isQuotaError(err) {
			f.log.Warn("gemini quota exhausted, falling back to ollama", "error", err)
		} else {
			f.log.Warn("gemini failed, falling back to ollama", "error", err)
		}
	}

	if f.ollama != nil {
		result, err := f.ollama.Generate(ctx, prompt, attachment, mimeType)
		if err == nil {
			return result, nil
		}
		if isConnectionError(err) && f.gemini != nil && !isQuotaError(geminiErr) && ctx.Err() == nil {
			f.log.Warn("ollama unreachable, retrying gemini", "error", err)
			return f.gemini.Generate(ctx, prompt, attachment, mimeType)
		}
		return "", fmt.Errorf("ollama extraction failed: %w", err)
	}

	if geminiErr != nil {
		return "", fmt.Errorf("gemini extraction failed: %w", geminiErr)
	}
	return "", ErrNoProvider
}
