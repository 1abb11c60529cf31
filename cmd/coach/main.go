// Coach is the fitness coaching chat backend.
//
// Usage:
//
//	coach [serve] [-config coach.yaml]           run the HTTP service
//	coach token -owner <id> [-ttl 24h]          mint a bearer token
//	coach profile set <owner> <summary>         store a profile summary
//	coach settings list|get <key>|set <key> <value>|delete <key>
//	coach version
//
// The config file path may also come from COACH_CONFIG. COACH_* variables
// override file values; see internal/coach/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fitcoach/coach/common/environment"
	"github.com/fitcoach/coach/common/version"
	"github.com/fitcoach/coach/internal/coach/app"
	"github.com/fitcoach/coach/internal/coach/auth"
	"github.com/fitcoach/coach/internal/coach/config"
	"github.com/fitcoach/coach/internal/coach/observability"
	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/settings"
	"github.com/fitcoach/coach/internal/coach/store"
)

var errUsage = errors.New("usage: coach [serve|token|profile|settings|version] [flags]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "coach: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(args)
	case "token":
		return mintToken(args, out)
	case "profile":
		return profileCmd(args, out)
	case "settings":
		return settingsCmd(args, out)
	case "version":
		fmt.Fprintln(out, version.Info())
		return nil
	default:
		return errUsage
	}
}

// loadConfig parses the shared -config flag, then file, env and validation.
func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	path := fs.String("config", environment.StringOr("COACH_CONFIG", ""), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, err
	}
	config.ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serve(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	logger := observability.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("coach: starting", "version", version.Version, "commit", version.GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx, nil)
}

func mintToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id to put in the sub claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("token: -owner is required")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := verifier.Generate(*owner, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// openStore opens the configured database for the maintenance commands.
func openStore(name string, args []string) (*store.Store, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.Database.Path, store.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, nil, err
	}
	return st, fs.Args(), nil
}

func profileCmd(args []string, out io.Writer) error {
	st, rest, err := openStore("profile", args)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(rest) != 3 || rest[0] != "set" {
		return errors.New("usage: coach profile [-config f] set <owner> <summary>")
	}
	p := profile.NewSQLiteProvider(st.DB(), "", nil)
	if err := p.Upsert(context.Background(), rest[1], rest[2]); err != nil {
		return err
	}
	fmt.Fprintf(out, "profile stored for %s\n", rest[1])
	return nil
}

func settingsCmd(args []string, out io.Writer) error {
	st, rest, err := openStore("settings", args)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	s := settings.New(st.DB(), nil)
	switch {
	case len(rest) == 1 && rest[0] == "list":
		all, err := s.List(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s=%s\n", k, all[k])
		}
		return nil
	case len(rest) == 2 && rest[0] == "get":
		v, err := s.Get(ctx, rest[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	case len(rest) == 3 && rest[0] == "set":
		return s.Set(ctx, rest[1], rest[2])
	case len(rest) == 2 && rest[0] == "delete":
		return s.Delete(ctx, rest[1])
	default:
		return errors.New("usage: coach settings [-config f] list | get <key> | set <key> <value> | delete <key>")
	}
}
