package ai

import (
	"fmt"

	"mailscan-backend/pkg/gemini"
	"mailscan-backend/pkg/logger"
)

// Config holds AI provider configuration
type Config struct {
	Provider ProviderType // "gemini", "ollama" or "auto"

	GeminiAPIKey string
	GeminiModel  string

	// Ollama settings are read through getters so they can change at runtime.
	GetOllamaBaseURL func() string
	GetOllamaModel   func() string
}

// NewProvider creates a Provider based on the config.
// Switch AI provider by changing cfg.Provider.
func NewProvider(cfg Config, log *logger.Logger) (Provider, error) {
	ollama := func() *OllamaService {
		getURL, getModel := cfg.GetOllamaBaseURL, cfg.GetOllamaModel
		if getURL == nil || getModel == nil {
			return NewOllamaService("", "")
		}
		return NewOllamaServiceWithGetters(getURL, getModel)
	}

	switch cfg.Provider {
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
		}
		return gemini.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel), nil

	case ProviderOllama:
		return ollama(), nil

	default:
		// Gemini with Ollama fallback when a key is available, otherwise Ollama alone.
		if cfg.GeminiAPIKey != "" {
			return NewFallbackService(gemini.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel), ollama(), log), nil
		}
		return ollama(), nil
	}
}
