// Package cli implements the rentauthctl command tree.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/session"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app holds what the subcommands share: resolved settings and the Manager
// built from them.
type app struct {
	v       *viper.Viper
	m       *rentauth.Manager
	closers []func() error
}

// newRootCommand returns the rentauthctl command tree and the state its
// commands share. Settings come from flags, then RENTAUTH_* variables, then
// the --config file.
func newRootCommand() (*cobra.Command, *app) {
	v := viper.New()
	a := &app{v: v}

	root := &cobra.Command{
		Use:   "rentauthctl",
		Short: "Inspect and drive a rental portal session",
		Long: `rentauthctl logs in to the portal auth API, keeps the session in a local
store and answers RBAC questions about it.

Examples:
  rentauthctl serve-dev --addr 127.0.0.1:8081
  rentauthctl --api-url http://127.0.0.1:8081 login --email renter@example.com
  rentauthctl can property:create
  rentauthctl route /admin/users`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file (see rentauth.LoadConfig)")
	pf.String("api-url", "", "auth API base URL")
	pf.String("store", string(rentauth.StoreFile), "session store: file, memory, redis or postgres")
	pf.String("session-file", defaultSessionFile(), "session file for --store file")
	pf.String("redis-addr", "", "redis address for --store redis")
	pf.String("postgres-dsn", "", "postgres DSN for --store postgres")
	pf.Bool("json", false, "print JSON")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	_ = v.BindPFlags(pf)

	v.SetEnvPrefix("RENTAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newLoginCmd(a),
		newWhoamiCmd(a),
		newRefreshCmd(a),
		newLogoutCmd(a),
		newCanCmd(a),
		newRouteCmd(a),
		newReportCmd(a),
		newServeDevCmd(a),
	)
	return root, a
}

// ExecuteContext runs rentauthctl with the process arguments.
func ExecuteContext(ctx context.Context) error {
	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

// Exit codes returned by ExitCode.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitDenied      = 3
	ExitNoSession   = 4
	ExitInterrupted = 130
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errDenied):
		return ExitDenied
	case errors.Is(err, errNotLoggedIn), rentauth.Classify(err) == rentauth.KindSessionExpired:
		return ExitNoSession
	case rentauth.Classify(err) == rentauth.KindCancelled:
		return ExitInterrupted
	default:
		return ExitError
	}
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rentauth-session.json"
	}
	return filepath.Join(home, ".rentauth", "session.json")
}

func (a *app) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// config merges the config file, RENTAUTH_* variables and flags.
func (a *app) config() (rentauth.Config, error) {
	cfg, err := rentauth.LoadConfig(a.v.GetString("config"))
	if err != nil {
		return rentauth.Config{}, err
	}
	if u := a.v.GetString("api-url"); u != "" {
		cfg.API.BaseURL = u
	}
	// a memory store forgets the session between invocations
	if a.v.IsSet("store") || cfg.Store.Kind == rentauth.StoreMemory {
		cfg.Store.Kind = rentauth.StoreKind(a.v.GetString("store"))
	}
	if a.v.IsSet("session-file") || cfg.Store.FilePath == "" {
		cfg.Store.FilePath = a.v.GetString("session-file")
	}
	if addr := a.v.GetString("redis-addr"); addr != "" {
		cfg.Store.RedisAddr = addr
	}
	if dsn := a.v.GetString("postgres-dsn"); dsn != "" {
		cfg.Store.PostgresDSN = dsn
	}
	// a terminal has no browser cookie jar to protect
	cfg.Cookie.Secure = false
	if cfg.Cookie.SameSite == "none" {
		cfg.Cookie.SameSite = "lax"
	}
	if cfg.API.BaseURL == "" {
		return rentauth.Config{}, errors.New("auth API URL required: pass --api-url or set RENTAUTH_API_BASE_URL")
	}
	return cfg, cfg.Validate()
}

// manager builds the Manager once per invocation.
func (a *app) manager(ctx context.Context) (*rentauth.Manager, error) {
	if a.m != nil {
		return a.m, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	logger := a.logger()
	b := rentauth.New().WithConfig(cfg).WithLogger(logger)

	switch cfg.Store.Kind {
	case rentauth.StoreFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.FilePath), 0o700); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	case rentauth.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Store.RedisAddr}})
		a.closers = append(a.closers, client.Close)
		backend := session.NewRedisBackend(client, cfg.Store.RedisPrefix)
		if _, err := backend.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		b.WithBackends(backend, backend).
			WithBroadcaster(session.NewRedisBroadcaster(client, cfg.Broadcast.Channel, logger))
	case rentauth.StorePostgres:
		db, err := sql.Open("postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		backend, err := session.NewPostgresBackend(ctx, db, cfg.Store.PostgresNamespace)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		b.WithBackends(backend, backend)
	}

	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	a.m = m
	return m, nil
}

func (a *app) close() error {
	var errs []error
	if a.m != nil {
		errs = append(errs, a.m.Close())
		a.m = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// print writes v as JSON with --json, otherwise text.
func (a *app) print(w io.Writer, v any, text string) error {
	if a.v.GetBool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
