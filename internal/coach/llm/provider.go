// Package llm defines the chat model interface used by the coach pipeline
// and an OpenAI-compatible streaming implementation.
//
// A turn opens one stream and reads text deltas from it until the provider
// signals completion. Opening the stream and reading from it fail
// differently: an open failure means nothing was produced, a read failure
// means the reply was cut short.
package llm

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable wraps every failure to open or read a model stream.
var ErrUpstreamUnavailable = errors.New("upstream model unavailable")

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single prompt entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is the input to one streamed completion.
type StreamRequest struct {
	// Model overrides the provider's configured model when non-empty.
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Delta is one increment of a streamed reply. Text may be empty on the
// chunk that only carries the finish reason.
type Delta struct {
	Text         string
	FinishReason string
}

// Stream yields the deltas of a reply.
type Stream interface {
	// Recv returns the next delta. It returns io.EOF once the provider has
	// signalled completion, and any other error when the stream broke.
	Recv() (Delta, error)
	// Skipped reports how many malformed chunks were ignored so far.
	Skipped() int
	// Close releases the underlying connection. It is safe to call twice.
	Close() error
}

// Provider opens reply streams.
type Provider interface {
	Stream(ctx context.Context, req StreamRequest) (Stream, error)
}
