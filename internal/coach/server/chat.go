package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fitcoach/coach/common/redact"
	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/chat"
	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/observability"
	"github.com/fitcoach/coach/internal/coach/quota"
	"github.com/fitcoach/coach/internal/coach/store"
)

const chatSchemaURL = "chat_request.json"

// chatRequestSchema describes the body of POST /api/chat. Unknown fields
// are allowed; chat clients send extra metadata per message.
const chatRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant", "system"]},
          "content": {"type": "string"}
        }
      },
      "contains": {
        "type": "object",
        "required": ["role"],
        "properties": {"role": {"const": "user"}}
      }
    },
    "conversationId": {"type": ["string", "null"], "maxLength": 64}
  }
}`

func compileChatSchema() (*jsonschema.Schema, error) {
	return jsonschema.CompileString(chatSchemaURL, chatRequestSchema)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversationId"`
}

// newestUserMessage returns the content of the last non-blank user entry.
// The rest of the client's history is ignored; stored history is
// authoritative.
func (req chatRequest) newestUserMessage() (string, bool) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != string(llm.RoleUser) {
			continue
		}
		if content := strings.TrimSpace(m.Content); content != "" {
			return content, true
		}
	}
	return "", false
}

// decodeChatRequest reads, schema-checks and decodes the body. The returned
// status is meaningful only when err is non-nil.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, int, error) {
	var req chatRequest

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return req, http.StatusBadRequest, errors.New("could not read request body")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return req, http.StatusBadRequest, errors.New("request body is not valid JSON")
	}
	if err := s.schema.Validate(doc); err != nil {
		return req, http.StatusBadRequest, schemaError(err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, http.StatusBadRequest, errors.New("request body is not valid JSON")
	}
	return req, 0, nil
}

// schemaError condenses a validation failure to its most specific cause.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return errors.New("invalid request")
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return errors.New("invalid request: " + loc + ": " + ve.Message)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()
	logger := observability.WithTrace(ctx, s.logger)

	ownerID, ok := auth.OwnerFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing owner")
		return
	}
	logger = logger.With("owner_id", ownerID)

	req, status, err := s.decodeChatRequest(w, r)
	if err != nil {
		logger.Debug("server: rejected chat request", "status", status, "err", err)
		writeError(w, status, err.Error())
		return
	}
	message, ok := req.newestUserMessage()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid request: no user message")
		return
	}

	if s.quota != nil {
		if err := s.quota.Admit(ownerID); err != nil {
			logger.Info("server: quota refused turn", "err", err)
			switch {
			case errors.Is(err, quota.ErrDailyTokensExhausted):
				writeError(w, http.StatusTooManyRequests, "daily token allowance exhausted")
			default:
				writeError(w, http.StatusTooManyRequests, "too many requests")
			}
			return
		}
	}

	reply, err := s.chat.Start(ctx, chat.Turn{
		OwnerID:        ownerID,
		ConversationID: req.ConversationID,
		Message:        message,
	})
	if err != nil {
		logger.Warn("server: chat turn failed to start", "err", redact.Truncate(err.Error(), 512))
		switch {
		case errors.Is(err, llm.ErrUpstreamUnavailable):
			writeError(w, http.StatusBadGateway, "model provider unavailable")
		case errors.Is(err, store.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		case ctx.Err() != nil:
			// The client is gone; nobody reads the status.
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Conversation-Id", reply.ConversationID)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	res := reply.Relay(ctx, w)
	logger.Info("server: chat turn relayed",
		"conversation_id", reply.ConversationID,
		"finish_reason", res.FinishReason,
		"interrupted", res.Interrupted,
		"frames", res.Frames,
		"degraded", reply.Degraded,
		"duration", time.Since(started),
	)
}
