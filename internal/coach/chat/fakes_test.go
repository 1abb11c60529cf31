package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/memory"
	"github.com/fitcoach/coach/internal/coach/store"
)

// memStore is an in-memory ConversationStore that records every call.
type memStore struct {
	mu       sync.Mutex
	owners   map[string]string
	messages []store.NewMessage

	resolveErr   error
	appendErr    map[string]error // by role
	appendGate   map[string]<-chan struct{}
	recentErr    error
	recent       []store.Message
	resolveCalls int
	appendCalls  int
	recentCalls  int
}

func newMemStore() *memStore {
	return &memStore{owners: map[string]string{}, appendErr: map[string]error{}, appendGate: map[string]<-chan struct{}{}}
}

func (m *memStore) ResolveOrCreate(_ context.Context, ownerID, candidateID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	if owner, ok := m.owners[candidateID]; ok && owner == ownerID {
		return candidateID, nil
	}
	id := uuid.NewString()
	m.owners[id] = ownerID
	return id, nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg store.NewMessage) (string, error) {
	m.mu.Lock()
	gate := m.appendGate[msg.Role]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if err := m.appendErr[msg.Role]; err != nil {
		return "", err
	}
	m.messages = append(m.messages, msg)
	return uuid.NewString(), nil
}

func (m *memStore) RecentMessages(context.Context, string, int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentCalls++
	return m.recent, m.recentErr
}

func (m *memStore) stored() []store.NewMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.NewMessage(nil), m.messages...)
}

// fakeEmbedder returns a fixed vector unless told to fail.
type fakeEmbedder struct {
	mu     sync.Mutex
	fail   bool
	failOn string
	calls  []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.fail || (f.failOn != "" && text == f.failOn) {
		return nil, memory.ErrEmbeddingUnavailable
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeRetriever struct {
	mu       sync.Mutex
	out      memory.Outcome[[]memory.RetrievedMemory]
	calls    int
	lastOpts memory.RetrieveOptions
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ []float32, _ string, opts memory.RetrieveOptions) memory.Outcome[[]memory.RetrievedMemory] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastOpts = opts
	return f.out
}

type staticProfile struct {
	text string
	err  error
}

func (p staticProfile) Summary(context.Context, string) (string, error) { return p.text, p.err }

// scriptedStream replays deltas then ends with end (io.EOF when nil). When
// block is set it waits on ctx after the deltas instead.
type scriptedStream struct {
	ctx    context.Context
	deltas []llm.Delta
	end    error
	block  bool
	i      int
	closed bool
}

func (s *scriptedStream) Recv() (llm.Delta, error) {
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return llm.Delta{}, s.ctx.Err()
	}
	if s.end != nil {
		return llm.Delta{}, s.end
	}
	return llm.Delta{}, io.EOF
}

func (s *scriptedStream) Skipped() int { return 0 }
func (s *scriptedStream) Close() error { s.closed = true; return nil }

type fakeProvider struct {
	mu      sync.Mutex
	deltas  []llm.Delta
	end     error
	block   bool
	openErr error
	onOpen  func()
	calls   int
	lastReq llm.StreamRequest
	streams []*scriptedStream
}

func (p *fakeProvider) Stream(ctx context.Context, req llm.StreamRequest) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.onOpen != nil {
		p.onOpen()
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := &scriptedStream{ctx: ctx, deltas: p.deltas, end: p.end, block: p.block}
	p.streams = append(p.streams, s)
	return s, nil
}

func textDeltas(parts ...string) []llm.Delta {
	out := make([]llm.Delta, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Delta{Text: p})
	}
	return append(out, llm.Delta{FinishReason: "stop"})
}

type fakeTuning map[string]string

func (f fakeTuning) String(_ context.Context, key, def string) string {
	if v, ok := f[key]; ok {
		return v
	}
	return def
}

func (f fakeTuning) Float(_ context.Context, key string, def float64) float64 {
	switch f[key] {
	case "0.8":
		return 0.8
	}
	return def
}

func (f fakeTuning) Int(_ context.Context, key string, def int) int {
	switch f[key] {
	case "2":
		return 2
	}
	return def
}

type usageLog struct {
	mu     sync.Mutex
	tokens map[string]int
}

func (u *usageLog) RecordTokens(ownerID string, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tokens == nil {
		u.tokens = map[string]int{}
	}
	u.tokens[ownerID] += n
}

var errBoom = errors.New("boom")
