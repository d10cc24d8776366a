// Command carol is a CLI front-end over the storage manager: a thin
// argument-parsing and exit-code-mapping shell around (*carol.Manager).Get
// and Remove. Grounded on the teacher's single-binary
// cmd/content-cache layout, rebuilt on kong's subcommand style (the
// teacher's go.mod requires kong and tint but its own main.go never
// imports them; this is where that declared-but-unwired pair gets used).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/carol-cache/carol"
	"github.com/carol-cache/carol/httpfetch"
)

// cli is kong's top-level command tree.
type cli struct {
	CacheRoot string `help:"Cache root directory." default:"./carol-cache" env:"CAROL_CACHE_ROOT"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`

	Get    getCmd    `cmd:"" help:"Fetch a source into the cache, optionally symlinking it to target."`
	Remove removeCmd `cmd:"" help:"Force-tombstone the cache entry for a source."`
}

// policyFlags is embedded by subcommands that create new cache entries, so
// the retention policy flags are defined once.
type policyFlags struct {
	Forever   bool          `help:"Never evict this entry (default)." xor:"policy"`
	ExpiresAt string        `help:"Evict at or after this RFC3339 instant." xor:"policy"`
	IdleFor   time.Duration `help:"Evict once idle (unused) for this long." xor:"policy"`
}

func (p policyFlags) storePolicy() (carol.StorePolicy, error) {
	switch {
	case p.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, p.ExpiresAt)
		if err != nil {
			return carol.StorePolicy{}, fmt.Errorf("parsing --expires-at: %w", err)
		}
		return carol.ExpiresAt(t), nil
	case p.IdleFor > 0:
		return carol.ExpiresAfterNotUsedFor(p.IdleFor), nil
	default:
		return carol.StoreForever(), nil
	}
}

type getCmd struct {
	policyFlags

	Source string `arg:"" help:"Source URL to fetch."`
	Target string `arg:"" optional:"" help:"Optional symlink path to create pointing at the cached blob."`
}

func (c *getCmd) Run(app *appContext) error {
	policy, err := c.storePolicy()
	if err != nil {
		return err
	}
	h, err := app.manager.Get(app.ctx, c.Source, policy)
	if err != nil {
		return err
	}
	defer h.Release()

	if c.Target != "" {
		if err := h.Symlink(c.Target); err != nil {
			return err
		}
		fmt.Println(c.Target)
		return nil
	}
	fmt.Println(h.CachePath())
	return nil
}

type removeCmd struct {
	Source string `arg:"" help:"Source whose cache entry should be removed."`
	Wait   bool   `help:"Block until the entry's refcount reaches zero before unlinking." default:"false"`
}

func (c *removeCmd) Run(app *appContext) error {
	return app.manager.Remove(app.ctx, c.Source, c.Wait)
}

// appContext carries the dependencies every subcommand's Run method needs,
// bound at dispatch time via kctx.Run(app).
type appContext struct {
	ctx     context.Context
	manager *carol.Manager
	logger  *slog.Logger
}

func main() {
	os.Exit(run())
}

func run() int {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("carol"),
		kong.Description("An asynchronous, managed, content-addressed file cache."),
		kong.UsageOnError(),
	)

	logger := newLogger(c.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager, err := carol.Open(ctx, c.CacheRoot,
		carol.WithLogger(logger),
		carol.WithFetcher(httpfetch.New()),
	)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		return exitCode(err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Error("failed to close cache cleanly", "error", err)
		}
	}()

	app := &appContext{ctx: ctx, manager: manager, logger: logger}
	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})
	return slog.New(handler)
}

// exitCode maps a carol.Error's Kind to a process exit code, per spec's
// "exit code 0 on success, non-zero on any GetError" with finer-grained
// codes for scripts that want to branch on failure category.
func exitCode(err error) int {
	var cerr *carol.Error
	if !errors.As(err, &cerr) {
		return 1
	}
	switch cerr.Kind {
	case carol.KindTransport:
		return 10
	case carol.KindHashMismatch:
		return 11
	case carol.KindIO:
		return 12
	case carol.KindDatabase:
		return 13
	case carol.KindCancelled:
		return 14
	case carol.KindCorruption:
		return 15
	case carol.KindConflict:
		return 16
	default:
		return 1
	}
}
