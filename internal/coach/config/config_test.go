package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: ":9090"
  shutdown_timeout: 5s
database:
  path: /var/lib/coach/coach.db
auth:
  jwt_secret: ${COACH_TEST_SECRET}
llm:
  base_url: http://llm.internal/v1
  api_key: sk-$literal
  model: coach-large
  temperature: 0.4
  timeout: 90s
embedding:
  enabled: false
retrieval:
  threshold: 0.7
  top_k: 3
budget:
  system_prompt_tokens: 1000
  current_conversation_tokens: 2000
  retrieved_context_tokens: 600
  total_tokens: 3600
`

func TestLoad_FileOverDefaults(t *testing.T) {
	t.Setenv("COACH_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	path := filepath.Join(t.TempDir(), "coach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Std(), "unset keys keep defaults")
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "sk-$literal", cfg.LLM.APIKey, "bare $ is not expanded")
	assert.Equal(t, "coach-large", cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.Equal(t, 0.4, *cfg.LLM.Temperature)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Std())
	assert.False(t, cfg.Embedding.Enabled)
	assert.Equal(t, 0.7, cfg.Retrieval.Threshold)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, 2000, cfg.Budget.CurrentConversationTokens)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	var cfg Config
	assert.Error(t, Parse([]byte("server:\n  adress: x\n"), &cfg), "unknown keys are rejected")
	assert.Error(t, Parse([]byte("llm:\n  timeout: soon\n"), &cfg))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COACH_ADDR", ":7000")
	t.Setenv("COACH_LLM_API_KEY", "sk-chat")
	t.Setenv("COACH_LLM_TIMEOUT", "45s")
	t.Setenv("COACH_RETRIEVAL_TOP_K", "8")
	t.Setenv("COACH_EMBEDDING_ENABLED", "false")

	cfg := Default()
	ApplyEnv(&cfg)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "sk-chat", cfg.LLM.APIKey)
	assert.Equal(t, "sk-chat", cfg.Embedding.APIKey, "embedding key falls back to the chat key")
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout.Std())
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.False(t, cfg.Embedding.Enabled)
	assert.Equal(t, "./coach.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.Validate())

	cfg.Retrieval.Threshold = 2
	cfg.Budget.TotalTokens = 10
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
	assert.Contains(t, err.Error(), "exceed total")
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("COACH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("OPENAI_API_KEY", "sk-example")

	cfg, err := Load(filepath.Join("..", "..", "..", "coach.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sk-example", cfg.LLM.APIKey)
	assert.Equal(t, "sk-example", cfg.Embedding.APIKey)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Persist.Std())
	assert.Equal(t, Default().Budget, cfg.Budget)
}
