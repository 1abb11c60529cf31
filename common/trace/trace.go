// Package trace generates request trace IDs and carries them through
// context.Context so every log line of a chat turn can be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// Header is the HTTP header used to accept and echo trace IDs.
const Header = "X-Trace-Id"

// maxInboundLen bounds caller-supplied trace IDs.
const maxInboundLen = 64

type traceKey struct{}

// GenerateID returns a new random trace ID of the form "t_<32 hex chars>".
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

// FromRequest returns the caller's X-Trace-Id when it is present and of a
// sane length, otherwise a freshly generated ID.
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(Header); id != "" && len(id) <= maxInboundLen {
		return id
	}
	return GenerateID()
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
