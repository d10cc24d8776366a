package carol

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/carol-cache/carol/sweeper"
)

// Option configures a Manager at Open time.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	fetcher      Fetcher
	meter        metric.Meter
	sweepConfig  sweeper.Config
	recoveryPool int
}

func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		sweepConfig:  sweeper.DefaultConfig(),
		recoveryPool: 8,
	}
}

// WithLogger sets the logger used by the manager and its subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFetcher sets the Fetcher used for Get. Required unless the caller
// only ever uses CopyLocalFile.
func WithFetcher(fetcher Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithMeter installs an OpenTelemetry meter used to build sweeper metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithSweepInterval overrides the eviction sweeper's periodic interval.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepConfig.Interval = d }
}

// WithSweepStartupDelay overrides the delay before the sweeper's first
// periodic run (its startup recovery sweep runs synchronously regardless).
func WithSweepStartupDelay(d time.Duration) Option {
	return func(o *options) { o.sweepConfig.StartupDelay = d }
}

// WithRecoveryConcurrency bounds how many Ready-row file-existence checks
// startup recovery runs concurrently.
func WithRecoveryConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.recoveryPool = n
		}
	}
}
