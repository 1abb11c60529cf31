package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fitcoach/coach/common/redact"
	"github.com/fitcoach/coach/common/version"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"

	// maxErrorBody bounds how much of a failed response is read for logs.
	maxErrorBody = 4 << 10
	// maxChunkSize bounds a single SSE line.
	maxChunkSize = 1 << 20
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint (local models, proxies).
	// Defaults to https://api.openai.com/v1.
	BaseURL string
	// Model is used when StreamRequest.Model is empty.
	Model string
	// Timeout bounds the whole streamed exchange. Defaults to 120s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// OpenAIProvider implements Provider with the chat completions API in
// streaming mode.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI returns a Provider backed by the OpenAI (or compatible) API.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type oaiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Stream sends the request and returns once the response headers arrived.
// A transport error or non-2xx status is returned here and no stream is
// created.
func (p *OpenAIProvider) Stream(ctx context.Context, req StreamRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	data, err := json.Marshal(oaiRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: open stream: %w: %w", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = string(body)
		}
		msg = redact.Truncate(redact.String(msg, p.cfg.APIKey), 512)
		p.logger.Warn("llm: upstream rejected stream", "status", resp.StatusCode, "model", model, "body", msg)
		return nil, fmt.Errorf("llm: open stream: HTTP %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxChunkSize)
	return &sseStream{ctx: ctx, body: resp.Body, scanner: scanner}, nil
}

// sseStream decodes "data: {...}" server-sent events.
type sseStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	skipped int
	done    bool

	closeOnce sync.Once
}

func (s *sseStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Blank separators, comments and event names carry nothing.
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			s.done = true
			return Delta{}, io.EOF
		}
		if !gjson.Valid(payload) {
			s.skipped++
			continue
		}

		chunk := gjson.Parse(payload)
		if e := chunk.Get("error"); e.Exists() {
			return Delta{}, fmt.Errorf("llm: stream error %q: %w", e.Get("message").String(), ErrUpstreamUnavailable)
		}
		choice := chunk.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		d := Delta{
			Text:         choice.Get("delta.content").String(),
			FinishReason: choice.Get("finish_reason").String(),
		}
		if d.Text == "" && d.FinishReason == "" {
			continue
		}
		return d, nil
	}

	if err := s.scanner.Err(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return Delta{}, fmt.Errorf("llm: read stream: %w", ctxErr)
		}
		return Delta{}, fmt.Errorf("llm: read stream: %w: %w", ErrUpstreamUnavailable, err)
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return Delta{}, fmt.Errorf("llm: read stream: %w", ctxErr)
	}
	// Clean end of body without [DONE] still counts as completion.
	s.done = true
	return Delta{}, io.EOF
}

func (s *sseStream) Skipped() int { return s.skipped }

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}

var _ Provider = (*OpenAIProvider)(nil)
