package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// AISettings are the extraction model settings that can change while the
// service runs. Only the Ollama endpoint is switchable; Gemini keys stay
// in the environment.
type AISettings struct {
	Provider      string `json:"provider"`
	OllamaBaseURL string `json:"ollama_base_url"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

var (
	aiSettings     AISettings
	aiSettingsLock sync.RWMutex
)

func InitAISettings(provider, ollamaBaseURL, ollamaModel string) {
	aiSettingsLock.Lock()
	defer aiSettingsLock.Unlock()
	aiSettings = AISettings{
		Provider:      provider,
		OllamaBaseURL: strings.TrimRight(ollamaBaseURL, "/"),
		OllamaModel:   ollamaModel,
	}
}

// RuntimeOllamaBaseURL is read by the AI provider on every request.
func RuntimeOllamaBaseURL() string {
	aiSettingsLock.RLock()
	defer aiSettingsLock.RUnlock()
	return aiSettings.OllamaBaseURL
}

func RuntimeOllamaModel() string {
	aiSettingsLock.RLock()
	defer aiSettingsLock.RUnlock()
	return aiSettings.OllamaModel
}

type updateAISettingsRequest struct {
	OllamaBaseURL string `json:"ollama_base_url" binding:"required,url"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// GET /api/settings/ai
func GetAISettings(c *gin.Context) {
	aiSettingsLock.RLock()
	defer aiSettingsLock.RUnlock()
	c.JSON(http.StatusOK, aiSettings)
}

// PUT /api/settings/ai
func UpdateAISettings(c *gin.Context) {
	var req updateAISettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	aiSettingsLock.Lock()
	aiSettings.OllamaBaseURL = strings.TrimRight(req.OllamaBaseURL, "/")
	if req.OllamaModel != "" {
		aiSettings.OllamaModel = req.OllamaModel
	}
	current := aiSettings
	aiSettingsLock.Unlock()

	c.JSON(http.StatusOK, current)
}

// TestOllamaConnection checks that the Ollama server answers /api/tags.
// POST /api/settings/ai/test
func TestOllamaConnection(c *gin.Context) {
	var req struct {
		OllamaBaseURL string `json:"ollama_base_url"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.OllamaBaseURL == "" {
		req.OllamaBaseURL = RuntimeOllamaBaseURL()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(req.OllamaBaseURL, "/")+"/api/tags", nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"connected": false, "error": err.Error()})
		return
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"connected": false, "error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{"connected": false, "status_code": resp.StatusCode})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "ollama_base_url": req.OllamaBaseURL})
}
