// Package config loads the service configuration from a YAML file and the
// environment.
//
// Precedence, lowest first: built-in defaults, the YAML file (with ${VAR}
// references expanded), then COACH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/memory"
)

// Duration is a time.Duration that reads "15s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Server struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds the chat request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LLM struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	MaxReplyTokens int      `yaml:"max_reply_tokens"`
	Temperature    *float64 `yaml:"temperature"`
	Timeout        Duration `yaml:"timeout"`
}

type Embedding struct {
	// Enabled false wires the no-op embedder: no memories, unembedded
	// messages.
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

type Retrieval struct {
	Threshold   float64 `yaml:"threshold"`
	TopK        int     `yaml:"top_k"`
	RecentLimit int     `yaml:"recent_limit"`
}

type Quota struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	DailyTokens       int `yaml:"daily_tokens"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Timeouts struct {
	// Persist bounds post-stream persistence.
	Persist Duration `yaml:"persist"`
}

type Profile struct {
	// Fallback replaces the built-in summary for owners without a profile.
	Fallback string `yaml:"fallback"`
}

// Config is the whole service configuration.
type Config struct {
	Server    Server               `yaml:"server"`
	Database  Database             `yaml:"database"`
	Auth      Auth                 `yaml:"auth"`
	LLM       LLM                  `yaml:"llm"`
	Embedding Embedding            `yaml:"embedding"`
	Retrieval Retrieval            `yaml:"retrieval"`
	Budget    memory.ContextBudget `yaml:"budget"`
	Quota     Quota                `yaml:"quota"`
	Logging   Logging              `yaml:"logging"`
	Timeouts  Timeouts             `yaml:"timeouts"`
	Profile   Profile              `yaml:"profile"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxBodyBytes:    1 << 20,
		},
		Database: Database{Path: "./coach.db"},
		LLM: LLM{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxReplyTokens: 1024,
			Timeout:        Duration(120 * time.Second),
		},
		Embedding: Embedding{
			Enabled: true,
			BaseURL: "https://api.openai.com/v1",
			Model:   "text-embedding-3-small",
			Timeout: Duration(15 * time.Second),
		},
		Retrieval: Retrieval{
			Threshold:   memory.DefaultSimilarityThreshold,
			TopK:        memory.DefaultTopK,
			RecentLimit: 20,
		},
		Budget: memory.DefaultBudget(),
		Quota: Quota{
			RequestsPerMinute: 20,
			DailyTokens:       200_000,
		},
		Logging:  Logging{Level: "info", Format: "text"},
		Timeouts: Timeouts{Persist: Duration(20 * time.Second)},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// ${VAR} references in the file are replaced by environment values before
// parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its value. A bare $ is left alone so
// secrets containing one survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Parse expands ${VAR} references in raw and decodes it into cfg. Unknown
// keys are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(expandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must not be negative"))
	}
	if c.Retrieval.Threshold < -1 || c.Retrieval.Threshold > 1 {
		errs = append(errs, errors.New("retrieval.threshold must be within [-1, 1]"))
	}
	if err := c.Budget.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
