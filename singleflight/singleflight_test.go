package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJoinOrStartSingleLeader(t *testing.T) {
	r := New()

	role, lease, waiter := r.JoinOrStart("key")
	require.Equal(t, RoleLeader, role)
	require.NotNil(t, lease)
	require.Nil(t, waiter)

	role2, lease2, waiter2 := r.JoinOrStart("key")
	require.Equal(t, RoleFollower, role2)
	require.Nil(t, lease2)
	require.NotNil(t, waiter2)

	lease.Publish(Outcome{Value: "done"})

	got, err := waiter2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", got.Value)

	require.Zero(t, r.Len())
}

func TestConcurrentCallersCollapseToOneLeader(t *testing.T) {
	r := New()
	const callers = 50

	var leaderCount atomic.Int64
	var wg sync.WaitGroup
	var joined sync.WaitGroup
	joined.Add(callers)
	results := make([]Outcome, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			role, lease, waiter := r.JoinOrStart("https://h/x")
			joined.Done()
			if role == RoleLeader {
				leaderCount.Add(1)
				// Publish only after every caller has joined, so all of them
				// race against the same in-flight slot.
				joined.Wait()
				lease.Publish(Outcome{Value: "fetched"})
				results[i] = Outcome{Value: "fetched"}
				return
			}
			out, err := waiter.Wait(context.Background())
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, leaderCount.Load())
	for _, out := range results {
		require.Equal(t, "fetched", out.Value)
	}
	require.Zero(t, r.Len())
}

func TestFollowerCancelDoesNotAffectLeader(t *testing.T) {
	r := New()

	_, lease, _ := r.JoinOrStart("s")
	_, _, waiter := r.JoinOrStart("s")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := waiter.Wait(ctx)
	require.Error(t, err)

	require.Equal(t, 1, r.Len())
	lease.Publish(Outcome{Value: "ok"})
	require.Zero(t, r.Len())
}

func TestLeaderAbortPublishesCancelledToFollowers(t *testing.T) {
	r := New()

	_, lease, _ := r.JoinOrStart("s")
	_, _, waiter1 := r.JoinOrStart("s")
	_, _, waiter2 := r.JoinOrStart("s")

	lease.Abort(context.Canceled)

	out1, err := waiter1.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, out1.Err, context.Canceled)

	out2, err := waiter2.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, out2.Err, context.Canceled)
}

func TestFreshLeaderElectionAfterPublish(t *testing.T) {
	r := New()

	_, lease1, _ := r.JoinOrStart("s")
	lease1.Abort(context.Canceled)

	role, lease2, _ := r.JoinOrStart("s")
	require.Equal(t, RoleLeader, role)
	require.NotSame(t, lease1, lease2)
	lease2.Publish(Outcome{Value: "success"})
	require.Zero(t, r.Len())
}

func TestLeaseContextCancelledPropagatesToDerivedContext(t *testing.T) {
	r := New()
	_, lease, _ := r.JoinOrStart("s")

	derived, cancel := lease.Context(context.Background())
	cancel()

	select {
	case <-derived.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context was not cancelled")
	}
	lease.Publish(Outcome{})
}
