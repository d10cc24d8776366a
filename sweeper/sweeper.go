// Package sweeper runs the background eviction sweep described by spec
// §4.7: periodically, and whenever a refcount drops to zero, it tombstones
// expired Ready entries and unlinks their blobs when no other entry still
// references them. Shape grounded on the teacher's GC manager
// (Start/Stop/RunNow/Status, startup delay then ticker loop); the phased
// sweep itself is rewritten for Carol's simpler four-step per-candidate
// transaction instead of the teacher's four independent GC phases.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/carol-cache/carol/metadb"
	"github.com/carol-cache/carol/refcount"
	"github.com/carol-cache/carol/storagedir"
)

// Config configures the sweeper's run cadence.
type Config struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		StartupDelay: 30 * time.Second,
	}
}

// Result summarizes the outcome of a single sweep.
type Result struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Candidates    int           `json:"candidates"`
	Tombstoned    int           `json:"tombstoned"`
	BlobsUnlinked int           `json:"blobs_unlinked"`
	Errors        []string      `json:"errors,omitempty"`
}

// Manager runs the eviction sweep on a timer and on demand.
type Manager struct {
	db        metadb.DB
	dir       *storagedir.Dir
	refcounts *refcount.Table
	config    Config
	metrics   *Metrics
	logger    *slog.Logger

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics installs OpenTelemetry instruments built from meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create sweeper metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a Manager bound to db, dir, and refcounts. refcounts is
// consulted to re-check that a candidate entry still has zero live handles
// immediately before tombstoning it.
func New(db metadb.DB, dir *storagedir.Dir, refcounts *refcount.Table, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:        db,
		dir:       dir,
		refcounts: refcounts,
		config:    config,
		logger:    slog.Default(),
		kickCh:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kick requests an out-of-band sweep as soon as the run loop next wakes,
// without blocking the caller. Intended to be wired as a refcount.DropNotifier.
func (m *Manager) Kick(int64) {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// Start begins the background sweep loop. A no-op if already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish, or for
// ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs a sweep synchronously and returns its result.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.sweep(ctx), nil
}

// Status returns the result of the most recently completed sweep, or nil.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.kickCh:
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.kickCh:
			m.sweep(ctx)
		case <-m.stopCh:
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

// sweep implements spec §4.7's four-step candidate processing.
func (m *Manager) sweep(ctx context.Context) *Result {
	result := &Result{StartedAt: time.Now()}

	candidates, err := m.db.ListEvictable(ctx, result.StartedAt)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		m.finish(ctx, result)
		return result
	}
	result.Candidates = len(candidates)

	for _, entry := range candidates {
		if !m.refcounts.IsZero(entry.ID) {
			continue
		}

		if err := m.db.Tombstone(ctx, entry.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Tombstoned++

		count, err := m.db.CountReferencing(ctx, entry.CachePath, entry.ID)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if count == 0 && entry.CachePath != "" {
			if err := m.dir.RemoveFinal(entry.CachePath); err != nil {
				result.Errors = append(result.Errors, err.Error())
			} else {
				result.BlobsUnlinked++
			}
		}

		if err := m.db.Delete(ctx, entry.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	m.finish(ctx, result)
	return result
}

func (m *Manager) finish(ctx context.Context, result *Result) {
	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("sweep completed",
		"duration", result.Duration,
		"candidates", result.Candidates,
		"tombstoned", result.Tombstoned,
		"blobs_unlinked", result.BlobsUnlinked,
		"errors", len(result.Errors),
	)
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}
	m.metrics.sweepsTotal.Add(ctx, 1)
	m.metrics.sweepDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.candidatesSeen.Add(ctx, int64(result.Candidates))
	m.metrics.tombstonedTotal.Add(ctx, int64(result.Tombstoned))
	m.metrics.blobsUnlinkedTotal.Add(ctx, int64(result.BlobsUnlinked))
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
}
