// Package app wires the coach service together from a config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/chat"
	"github.com/fitcoach/coach/internal/coach/config"
	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/memory"
	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/quota"
	"github.com/fitcoach/coach/internal/coach/server"
	"github.com/fitcoach/coach/internal/coach/settings"
	"github.com/fitcoach/coach/internal/coach/store"
)

const defaultShutdownGrace = 30 * time.Second

// App is the running coach service.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	settings *settings.Store
	profiles *profile.SQLiteProvider
	quota    *quota.Guard
	chat     *chat.Service
	server   *server.Server
}

// New opens the database and builds every component. The config must
// already be validated.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("app: opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	tuning := settings.New(st.DB(), logger)
	profiles := profile.NewSQLiteProvider(st.DB(), cfg.Profile.Fallback, logger)
	guard := quota.New(quota.Config{
		RequestsPerWindow: cfg.Quota.RequestsPerMinute,
		Window:            time.Minute,
		DailyTokens:       cfg.Quota.DailyTokens,
	})

	svc, err := chat.NewService(chat.Deps{
		Store:     st,
		Embedder:  newEmbedder(cfg.Embedding, logger),
		Retriever: memory.NewRetriever(st, logger),
		Profiles:  profiles,
		Provider: llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout.Std(),
			Logger:  logger,
		}),
		Tuning: tuning,
		Usage:  guard,
		Logger: logger,
	}, chat.Config{
		Budget: cfg.Budget,
		Retrieval: memory.RetrieveOptions{
			Threshold: cfg.Retrieval.Threshold,
			TopK:      cfg.Retrieval.TopK,
		},
		RecentLimit:    cfg.Retrieval.RecentLimit,
		Model:          cfg.LLM.Model,
		MaxReplyTokens: cfg.LLM.MaxReplyTokens,
		Temperature:    cfg.LLM.Temperature,
		PersistTimeout: cfg.Timeouts.Persist.Std(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Chat:            svc,
		Verifier:        verifier,
		Quota:           guard,
		Status:          st,
		Logger:          logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		settings: tuning,
		profiles: profiles,
		quota:    guard,
		chat:     svc,
		server:   srv,
	}, nil
}

// newEmbedder returns the OpenAI embedder, or the no-op one when embeddings
// are disabled or no key is configured.
func newEmbedder(cfg config.Embedding, logger *slog.Logger) memory.Embedder {
	if !cfg.Enabled || cfg.APIKey == "" {
		logger.Info("app: embeddings disabled; cross-conversation memory is off")
		return memory.NoopEmbedder{}
	}
	return memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout.Std(),
		Logger:  logger,
	})
}

// Settings exposes the runtime settings store.
func (a *App) Settings() *settings.Store { return a.settings }

// Profiles exposes the profile summary store.
func (a *App) Profiles() *profile.SQLiteProvider { return a.profiles }

// Run serves until ctx is cancelled, then stops accepting requests and
// waits for in-flight persistence before returning. ready, when non-nil,
// receives the listening address.
func (a *App) Run(ctx context.Context, ready func(net.Addr)) error {
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := a.server.Start(serveCtx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if ready != nil {
		ready(addr)
	}
	a.logger.Info("app: coach is running", "addr", addr.String())

	<-ctx.Done()
	a.logger.Info("app: shutting down")
	a.server.Stop()

	grace := a.cfg.Server.ShutdownTimeout.Std()
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), grace)
	defer waitCancel()
	if err := a.chat.Wait(waitCtx); err != nil {
		a.logger.Warn("app: persistence did not finish before shutdown", "err", err)
	}
	return nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.store.Close()
}
