package config

import (
	"github.com/fitcoach/coach/common/environment"
)

// ApplyEnv overlays COACH_* environment variables onto cfg. Unset variables
// leave the current value untouched.
func ApplyEnv(cfg *Config) {
	cfg.Server.Addr = environment.StringOr("COACH_ADDR", cfg.Server.Addr)
	cfg.Database.Path = environment.StringOr("COACH_DB_PATH", cfg.Database.Path)

	cfg.Auth.JWTSecret = environment.StringOr("COACH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = environment.StringOr("COACH_JWT_ISSUER", cfg.Auth.Issuer)

	cfg.LLM.BaseURL = environment.StringOr("COACH_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = environment.StringOr("COACH_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = environment.StringOr("COACH_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Timeout = Duration(environment.DurationOr("COACH_LLM_TIMEOUT", cfg.LLM.Timeout.Std()))

	cfg.Embedding.Enabled = environment.BoolOr("COACH_EMBEDDING_ENABLED", cfg.Embedding.Enabled)
	cfg.Embedding.BaseURL = environment.StringOr("COACH_EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	// The embedding key defaults to the chat key; most deployments use one
	// provider account for both.
	cfg.Embedding.APIKey = environment.StringOr("COACH_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	cfg.Embedding.Model = environment.StringOr("COACH_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Timeout = Duration(environment.DurationOr("COACH_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout.Std()))

	cfg.Retrieval.Threshold = environment.Float64Or("COACH_RETRIEVAL_THRESHOLD", cfg.Retrieval.Threshold)
	cfg.Retrieval.TopK = environment.IntOr("COACH_RETRIEVAL_TOP_K", cfg.Retrieval.TopK)

	cfg.Quota.RequestsPerMinute = environment.IntOr("COACH_QUOTA_REQUESTS_PER_MINUTE", cfg.Quota.RequestsPerMinute)
	cfg.Quota.DailyTokens = environment.IntOr("COACH_QUOTA_DAILY_TOKENS", cfg.Quota.DailyTokens)

	cfg.Logging.Level = environment.StringOr("COACH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = environment.StringOr("COACH_LOG_FORMAT", cfg.Logging.Format)
}
