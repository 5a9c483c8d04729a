package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/server"
	authmem "github.com/cyp0633/caldora/server/auth/memory"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
	"github.com/cyp0633/caldora/server/storage/sqlite"
	"github.com/cyp0633/caldora/server/ticket"
)

// devUsers are registered when the configuration names no users.
var devUsers = []config.User{
	{Username: "alice", Password: "password"},
	{Username: "bob", Password: "password"},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "caldora:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to a YAML configuration file")
	listen := pflag.String("listen", "", "address to listen on")
	prefix := pflag.String("prefix", "", "URL prefix of the CalDAV tree")
	driver := pflag.String("driver", "", "storage driver (memory or sqlite)")
	dsn := pflag.String("dsn", "", "sqlite database path")
	logLevel := pflag.String("log-level", "", "log level (debug, info, warn, error)")
	seed := pflag.Bool("seed", true, "create sample calendars for the configured users")
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	overrideString(&cfg.Listen, *listen)
	overrideString(&cfg.Prefix, *prefix)
	overrideString(&cfg.Storage.Driver, *driver)
	overrideString(&cfg.Storage.DSN, *dsn)
	overrideString(&cfg.LogLevel, *logLevel)
	if len(cfg.Users) == 0 {
		cfg.Users = devUsers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := storage.Open(ctx, backend,
		storage.WithLogger(logger.With("component", "storage")),
		storage.WithLockConfig(cfg.LockConfig()))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	engine := recurrence.NewEngineWithConfig(cfg.EngineConfig(),
		recurrence.WithLogger(logger.With("component", "recurrence")))
	tickets := ticket.NewService(store,
		ticket.WithLogger(logger.With("component", "ticket")),
		ticket.WithDefaultTimeout(cfg.Tickets.DefaultTimeout))
	queries := query.NewProcessor(store, engine,
		query.WithLogger(logger.With("component", "query")),
		query.WithParallelism(cfg.Query.Parallelism))
	aggregator := freebusy.NewAggregator(store, engine,
		freebusy.WithLogger(logger.With("component", "freebusy")))

	users := authmem.New(authmem.WithLogger(logger.With("component", "auth")))
	for _, u := range cfg.Users {
		if err := users.AddUser(u.Username, u.Password); err != nil {
			return fmt.Errorf("adding user %s: %w", u.Username, err)
		}
	}
	if *seed {
		if err := seedStore(ctx, store, cfg.Users, time.Now()); err != nil {
			return fmt.Errorf("seeding sample data: %w", err)
		}
	}

	reaper, err := storage.NewReaper(store, cfg.Reaper.Schedule)
	if err != nil {
		return err
	}
	reaper.Start()
	defer func() { <-reaper.Stop().Done() }()

	handler := server.NewCaldavHandler(store,
		server.WithPrefix(cfg.Prefix),
		server.WithRealm(cfg.Realm),
		server.WithAuthenticator(users),
		server.WithTicketService(tickets),
		server.WithQueryProcessor(queries),
		server.WithFreeBusy(aggregator),
		server.WithLogger(logger.With("component", "http")))

	mux := http.NewServeMux()
	mux.Handle(handler.Prefix, handler)
	mux.HandleFunc("/.well-known/caldav", handler.ServeWellKnown)
	if handler.Prefix != "/" {
		mux.HandleFunc("/", landingPage(cfg, handler.Prefix))
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("caldora listening", "addr", cfg.Listen, "prefix", handler.Prefix, "driver", cfg.Storage.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// openBackend returns the configured backend and a function releasing it.
func openBackend(cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		b, err := sqlite.Open(sqlite.Config{
			Path:     cfg.DSN,
			PoolSize: cfg.PoolSize,
			Logger:   logger.With("component", "sqlite"),
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				logger.Error("closing sqlite backend", "error", err)
			}
		}, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// landingPage provides a basic page with connection instructions.
func landingPage(cfg config.Config, prefix string) http.HandlerFunc {
	const page = `<!DOCTYPE html>
<html>
<head>
    <title>caldora</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 0 auto; padding: 20px; }
        code { background: #f4f4f4; padding: 2px 4px; border-radius: 4px; }
    </style>
</head>
<body>
    <h1>caldora CalDAV server</h1>
    <p>Calendar homes live under <code>%s</code>, one per user: <code>%s&lt;user&gt;/</code>.</p>
    <p>Configured users: %d. Storage driver: <code>%s</code>.</p>
    <p>Clients that support discovery can use <code>/.well-known/caldav</code>.</p>
</body>
</html>
`
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, page, prefix, prefix, len(cfg.Users), cfg.Storage.Driver)
	}
}
