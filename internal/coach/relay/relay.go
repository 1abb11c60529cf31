package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fitcoach/coach/internal/coach/llm"
)

// defaultFinishReason is reported when the provider completed without
// naming a reason.
const defaultFinishReason = "stop"

// Result describes how a relay ended.
type Result struct {
	// Text is everything forwarded to the client, in order.
	Text string
	// FinishReason is the provider's last reported reason, empty when
	// interrupted.
	FinishReason string
	// Interrupted is set when the reply was cut short by an upstream
	// failure, a client write failure, or cancellation. No Terminal frame
	// was written in that case.
	Interrupted bool
	// Err is the cause of an interruption.
	Err error
	// Frames counts the frames written, Terminal included.
	Frames int
}

// Relay copies one model stream to a client.
type Relay struct {
	w       io.Writer
	flusher http.Flusher
	logger  *slog.Logger
}

// New returns a Relay writing to w. If w implements http.Flusher each frame
// is flushed as soon as it is written.
func New(w io.Writer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{w: w, logger: logger}
	if f, ok := w.(http.Flusher); ok {
		r.flusher = f
	}
	return r
}

// Run forwards every non-empty delta of stream, then a Terminal frame once
// the stream completes. It always closes stream. Run never returns an
// error: the outcome, partial text included, is in the Result.
func (r *Relay) Run(ctx context.Context, stream llm.Stream, conversationID string) Result {
	defer stream.Close()

	var (
		buf    strings.Builder
		res    Result
		finish string
	)
	interrupt := func(err error) Result {
		res.Text = buf.String()
		res.Interrupted = true
		res.Err = err
		return res
	}

	for {
		if err := ctx.Err(); err != nil {
			return interrupt(err)
		}

		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.logger.Warn("relay: upstream stream broke", "err", err, "conversation_id", conversationID, "chars", buf.Len())
			return interrupt(err)
		}
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		if d.Text == "" {
			continue
		}

		// The buffer holds exactly what the client was sent.
		if err := r.write(TextDelta{Text: d.Text}); err != nil {
			return interrupt(err)
		}
		buf.WriteString(d.Text)
		res.Frames++
	}

	if skipped := stream.Skipped(); skipped > 0 {
		r.logger.Warn("relay: skipped malformed upstream chunks", "count", skipped, "conversation_id", conversationID)
	}

	if finish == "" {
		finish = defaultFinishReason
	}
	res.Text = buf.String()
	if err := r.write(Terminal{FinishReason: finish, ConversationID: conversationID}); err != nil {
		return interrupt(err)
	}
	res.Frames++
	res.FinishReason = finish
	return res
}

func (r *Relay) write(f Frame) error {
	line, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(line); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return nil
}
