package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitcoach/coach/common/trace"
	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/chat"
	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/memory"
	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/quota"
	"github.com/fitcoach/coach/internal/coach/relay"
	"github.com/fitcoach/coach/internal/coach/server"
	"github.com/fitcoach/coach/internal/coach/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// upstream is a fake chat completions endpoint.
type upstream struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status int
	chunks []string
}

func newUpstream(t *testing.T, status int, chunks ...string) *upstream {
	t.Helper()
	u := &upstream{status: status, chunks: chunks}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.status != http.StatusOK {
			w.WriteHeader(u.status)
			fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range u.chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type fixture struct {
	store    *store.Store
	svc      *chat.Service
	upstream *upstream
	verifier *auth.JWTVerifier
	handler  *server.Server
}

func newFixture(t *testing.T, up *upstream, mutate ...func(*server.Config)) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "coach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := chat.NewService(chat.Deps{
		Store:     st,
		Embedder:  memory.NoopEmbedder{},
		Retriever: memory.NewRetriever(st, nil),
		Profiles:  profile.Static("Goal: run a 10k."),
		Provider:  llm.NewOpenAI(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: up.srv.URL, Model: "test-model"}),
	}, chat.Config{PersistTimeout: 2 * time.Second})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret), "")
	require.NoError(t, err)

	cfg := server.Config{
		Chat:     svc,
		Verifier: verifier,
		Quota:    quota.New(quota.Config{RequestsPerWindow: 100, Window: time.Minute}),
		Status:   st,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h, err := server.New(cfg)
	require.NoError(t, err)

	return &fixture{store: st, svc: svc, upstream: up, verifier: verifier, handler: h}
}

func (f *fixture) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := f.verifier.Generate(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) post(t *testing.T, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, owner))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
	return rec
}

func (f *fixture) counts(t *testing.T) (conversations, messages int) {
	t.Helper()
	ctx := context.Background()
	c, err := f.store.ConversationCount(ctx)
	require.NoError(t, err)
	m, err := f.store.MessageCount(ctx)
	require.NoError(t, err)
	return c, m
}

func decodeFrames(t *testing.T, body io.Reader) []relay.Frame {
	t.Helper()
	var frames []relay.Frame
	dec := relay.NewDecoder(body)
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestChat_StreamsReplyAndPersists(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "Warm up ", "for ten minutes."))

	rec := f.post(t, "alice", `{"messages":[{"role":"user","content":"How should I start?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	convID := rec.Header().Get("X-Conversation-Id")
	require.NotEmpty(t, convID)
	assert.NotEmpty(t, rec.Header().Get(trace.Header))

	frames := decodeFrames(t, rec.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, relay.TextDelta{Text: "Warm up "}, frames[0])
	assert.Equal(t, relay.TextDelta{Text: "for ten minutes."}, frames[1])
	assert.Equal(t, relay.Terminal{FinishReason: "stop", ConversationID: convID}, frames[2])

	msgs, err := f.store.RecentMessages(context.Background(), convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "How should I start?", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Warm up for ten minutes.", msgs[1].Content)
	assert.Nil(t, msgs[1].Embedding, "no embedder configured")
}

func TestChat_ContinuesConversation(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))

	first := f.post(t, "alice", `{"messages":[{"role":"user","content":"day one"}]}`)
	require.Equal(t, http.StatusOK, first.Code)
	convID := first.Header().Get("X-Conversation-Id")

	body := fmt.Sprintf(`{"conversationId":%q,"messages":[{"role":"user","content":"day one"},{"role":"assistant","content":"ok"},{"role":"user","content":"day two"}]}`, convID)
	second := f.post(t, "alice", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, convID, second.Header().Get("X-Conversation-Id"))

	msgs, err := f.store.RecentMessages(context.Background(), convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "day two", msgs[2].Content, "only the newest user entry is stored")

	// Another owner cannot attach to the thread.
	third := f.post(t, "bob", body)
	require.Equal(t, http.StatusOK, third.Code)
	assert.NotEqual(t, convID, third.Header().Get("X-Conversation-Id"))
}

func TestChat_InvalidRequestsHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty messages", `{"messages":[]}`, http.StatusBadRequest},
		{"missing messages", `{}`, http.StatusBadRequest},
		{"no user entry", `{"messages":[{"role":"assistant","content":"hi"}]}`, http.StatusBadRequest},
		{"unknown role", `{"messages":[{"role":"coach","content":"hi"}]}`, http.StatusBadRequest},
		{"content not a string", `{"messages":[{"role":"user","content":42}]}`, http.StatusBadRequest},
		{"blank user content", `{"messages":[{"role":"user","content":"   "}]}`, http.StatusBadRequest},
		{"not json", `messages please`, http.StatusBadRequest},
		{"conversation id not a string", `{"conversationId":7,"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newUpstream(t, http.StatusOK, "never"))

			rec := f.post(t, "alice", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
			assert.Zero(t, f.upstream.hits.Load(), "no upstream call")
			conversations, messages := f.counts(t)
			assert.Zero(t, conversations, "no store write")
			assert.Zero(t, messages, "no store write")
		})
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "never"), func(c *server.Config) {
		c.MaxBodyBytes = 64
	})
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`

	rec := f.post(t, "alice", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.upstream.hits.Load())
}

func TestChat_Unauthorized(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "never"))

	rec := f.post(t, "", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.upstream.hits.Load())
	conversations, _ := f.counts(t)
	assert.Zero(t, conversations)
}

func TestChat_RateLimited(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"), func(c *server.Config) {
		c.Quota = quota.New(quota.Config{RequestsPerWindow: 1, Window: time.Hour})
	})
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	require.Equal(t, http.StatusOK, f.post(t, "alice", body).Code)
	second := f.post(t, "alice", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "too many requests")
	assert.Equal(t, int32(1), f.upstream.hits.Load())

	// Limits are per owner.
	assert.Equal(t, http.StatusOK, f.post(t, "bob", body).Code)
}

func TestChat_UpstreamUnavailable(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusServiceUnavailable))

	rec := f.post(t, "alice", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("X-Conversation-Id"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "model provider unavailable", body["error"])
}

func TestChat_StoreUnavailable(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "never"))
	require.NoError(t, f.store.Close())

	rec := f.post(t, "alice", `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, f.upstream.hits.Load())
}

func TestTraceIDIsEchoed(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(trace.Header, "t_fromclient")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "t_fromclient", rec.Header().Get(trace.Header))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))
	require.Equal(t, http.StatusOK, f.post(t, "alice", `{"messages":[{"role":"user","content":"hi"}]}`).Code)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status        string  `json:"status"`
		Conversations int     `json:"conversation_count"`
		Messages      int     `json:"message_count"`
		Uptime        float64 `json:"uptime_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Conversations)
	assert.Equal(t, 2, body.Messages)
	assert.GreaterOrEqual(t, body.Uptime, 0.0)
}

func TestStatus_DegradedWhenStoreIsDown(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))
	require.NoError(t, f.store.Close())

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := server.New(server.Config{})
	assert.Error(t, err)
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	f := newFixture(t, newUpstream(t, http.StatusOK, "ok"))
	h, err := server.New(server.Config{
		Addr:     "127.0.0.1:0",
		Chat:     f.svc,
		Verifier: f.verifier,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := h.Start(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	h.Stop()
}
