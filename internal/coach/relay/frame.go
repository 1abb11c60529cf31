// Package relay forwards a model stream to the client as line frames while
// buffering the full reply.
//
// Each frame is one line, "<tag>:<json>\n". Tag "0" carries a JSON string
// with a text delta; tag "d" carries the terminal object
// {"finishReason":...,"conversationId":...} and is always the last frame of
// a completed reply.
package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	tagText     = '0'
	tagTerminal = 'd'
)

// ErrUnknownTag is returned when decoding a line with an unrecognised tag.
var ErrUnknownTag = errors.New("relay: unknown frame tag")

// Frame is either a TextDelta or a Terminal.
type Frame interface {
	tag() byte
}

// TextDelta is a fragment of the reply.
type TextDelta struct {
	Text string
}

// Terminal ends a completed reply.
type Terminal struct {
	FinishReason   string `json:"finishReason"`
	ConversationID string `json:"conversationId"`
}

func (TextDelta) tag() byte { return tagText }
func (Terminal) tag() byte  { return tagTerminal }

// Encode renders f as a single newline-terminated line.
func Encode(f Frame) ([]byte, error) {
	var payload any
	switch v := f.(type) {
	case TextDelta:
		payload = v.Text
	case Terminal:
		payload = v
	default:
		return nil, fmt.Errorf("relay: encode %T: %w", f, ErrUnknownTag)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: encode: %w", err)
	}
	line := make([]byte, 0, len(body)+3)
	line = append(line, f.tag(), ':')
	line = append(line, body...)
	return append(line, '\n'), nil
}

// Decode parses one line, with or without its trailing newline.
func Decode(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 2 || line[1] != ':' {
		return nil, fmt.Errorf("relay: decode: malformed line %q", line)
	}
	body := line[2:]

	switch line[0] {
	case tagText:
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return nil, fmt.Errorf("relay: decode text: %w", err)
		}
		return TextDelta{Text: text}, nil
	case tagTerminal:
		var t Terminal
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("relay: decode terminal: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("relay: decode tag %q: %w", line[0], ErrUnknownTag)
	}
}

// Decoder reads frames line by line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Decoder{scanner: s}
}

// Next returns the next frame, or io.EOF when the input ends. Blank lines
// are ignored.
func (d *Decoder) Next() (Frame, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("relay: read: %w", err)
	}
	return nil, io.EOF
}
