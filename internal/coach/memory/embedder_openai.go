package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fitcoach/coach/common/redact"
	"github.com/fitcoach/coach/common/version"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingTimeout = 15 * time.Second
)

// OpenAIEmbedderConfig configures the OpenAI embedding provider.
type OpenAIEmbedderConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to
	// https://api.openai.com/v1 when empty.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Timeout bounds one embedding call. Defaults to 15s.
	Timeout time.Duration

	Logger *slog.Logger
}

// OpenAIEmbedder implements Embedder using the OpenAI Embeddings API. It
// makes exactly one request per call and never retries. Safe for concurrent
// use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
	logger *slog.Logger
}

// NewOpenAIEmbedder creates an Embedder backed by the OpenAI (or compatible)
// embeddings API.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// --- minimal OpenAI embeddings wire types ---

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed truncates text to MaxEmbeddingInputChars and requests its vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedder openai: empty input: %w", ErrEmbeddingUnavailable)
	}

	data, err := json.Marshal(embeddingRequest{Input: truncateInput(text), Model: e.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("embedder openai: marshal request: %w: %w", ErrEmbeddingUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("embedder openai: create http request: %w: %w", ErrEmbeddingUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: http request: %w: %w", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: read response body: %w: %w", ErrEmbeddingUnavailable, err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("embedder openai: decode response (HTTP %d): %w: %w", resp.StatusCode, ErrEmbeddingUnavailable, err)
	}

	if embResp.Error != nil {
		e.logger.Warn("embedder openai: provider error",
			"status", resp.StatusCode,
			"type", embResp.Error.Type,
			"message", redact.String(embResp.Error.Message, e.cfg.APIKey),
		)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("embedder openai: rate limit (HTTP 429): %w", ErrEmbeddingUnavailable)
		}
		return nil, fmt.Errorf("embedder openai: API error (%s): %w", embResp.Error.Type, ErrEmbeddingUnavailable)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embedder openai: unexpected HTTP status %d: %w", resp.StatusCode, ErrEmbeddingUnavailable)
	}

	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedder openai: no embedding data returned: %w", ErrEmbeddingUnavailable)
	}

	return embResp.Data[0].Embedding, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
