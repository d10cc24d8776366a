// Package singleflight coordinates concurrent callers racing to produce the
// same keyed result, collapsing them into one leader fetch with many
// followers. It is grounded on the same one-shot-broadcast idea as
// golang.org/x/sync/singleflight, but that package cannot express Carol's
// leader/follower asymmetry: a follower's cancellation must be invisible to
// everyone else, while a leader's cancellation must abort the fetch and
// publish Cancelled to every waiter. x/sync/singleflight.DoChan treats every
// caller the same way, so this package rolls its own slot bookkeeping
// instead.
package singleflight

import (
	"context"
	"log/slog"
	"sync"
)

// Outcome is what a leader eventually publishes to all waiters on a slot.
type Outcome struct {
	Value any
	Err   error
}

// Role reports whether the caller that just joined a slot is responsible
// for doing the work (Leader) or merely waiting for it (Follower).
type Role int

const (
	// RoleLeader means the caller must do the work and call Publish.
	RoleLeader Role = iota
	// RoleFollower means the caller must wait on the returned Waiter.
	RoleFollower
)

// Waiter is a one-shot handle a follower uses to observe the leader's
// published outcome.
type Waiter struct {
	done chan struct{}
	slot *slot
}

// Wait blocks until the leader publishes, or ctx is cancelled. A cancelled
// follower wait has no effect on the leader or other followers.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		return w.slot.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type slot struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	cancel  context.CancelCauseFunc
}

// Registry is an in-memory table of in-flight operations keyed by source.
// Spec requires the table to contain an entry for a key iff a Downloading
// row exists for it; the manager is responsible for keeping that invariant,
// this type only provides the coordination primitive.
type Registry struct {
	mu     sync.Mutex
	slots  map[string]*slot
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for diagnostic messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:  make(map[string]*slot),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lease is returned to the leader of a slot. Publish records the outcome
// and removes the slot; Abort does the same with a failure outcome.
type Lease struct {
	key string
	s   *slot
	r   *Registry
}

// Context returns a context derived from ctx that is cancelled when ctx is
// cancelled or when the returned CancelFunc is called. It is not tied to
// any follower's lifetime.
func (l *Lease) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	derived, cancel := context.WithCancelCause(ctx)
	l.s.cancel = cancel
	return derived, func() { cancel(context.Canceled) }
}

// Publish records the outcome, wakes every waiting follower, and removes
// the slot so the next caller for this key starts a fresh leader election.
// Must be called exactly once by the leader. The wake and the removal
// happen under the same critical section as JoinOrStart's test-and-insert,
// so a caller racing JoinOrStart during Publish either observes the slot
// before it's removed (and becomes a follower of this outcome) or after
// (and elects a fresh leader) — never a follower of a slot already woken
// and about to vanish.
func (l *Lease) Publish(outcome Outcome) {
	l.r.mu.Lock()
	l.s.once.Do(func() {
		l.s.outcome = outcome
		close(l.s.done)
	})
	if l.r.slots[l.key] == l.s {
		delete(l.r.slots, l.key)
	}
	l.r.mu.Unlock()
}

// Abort is called instead of Publish when the leader fails or is cancelled
// before finishing; it publishes an outcome carrying cause as its error to
// every follower.
func (l *Lease) Abort(cause error) {
	l.Publish(Outcome{Err: cause})
}

// JoinOrStart performs an atomic test-and-insert for key. Exactly one
// caller per currently-absent key receives RoleLeader and a non-nil *Lease;
// all other concurrent callers for the same key receive RoleFollower and a
// *Waiter that resolves with the leader's published Outcome.
func (r *Registry) JoinOrStart(key string) (Role, *Lease, *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[key]; ok {
		return RoleFollower, nil, &Waiter{done: s.done, slot: s}
	}

	s := &slot{done: make(chan struct{})}
	r.slots[key] = s
	return RoleLeader, &Lease{key: key, s: s, r: r}, nil
}

// Len reports the number of in-flight slots, for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
