package refcount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	tbl := New(nil)

	require.Equal(t, 1, tbl.Acquire(1))
	require.Equal(t, 2, tbl.Acquire(1))
	require.Equal(t, 2, tbl.Count(1))

	tbl.Release(1)
	require.Equal(t, 1, tbl.Count(1))
	require.False(t, tbl.IsZero(1))

	tbl.Release(1)
	require.True(t, tbl.IsZero(1))
}

func TestReleaseNotifiesOnDropToZero(t *testing.T) {
	var dropped []int64
	var mu sync.Mutex

	tbl := New(func(id int64) {
		mu.Lock()
		dropped = append(dropped, id)
		mu.Unlock()
	})

	tbl.Acquire(5)
	tbl.Acquire(5)
	tbl.Release(5)

	mu.Lock()
	require.Empty(t, dropped)
	mu.Unlock()

	tbl.Release(5)

	mu.Lock()
	require.Equal(t, []int64{5}, dropped)
	mu.Unlock()
}

func TestReleaseOnUnknownIDIsNoop(t *testing.T) {
	tbl := New(nil)
	tbl.Release(42)
	require.Zero(t, tbl.Count(42))
}

func TestConcurrentAcquireRelease(t *testing.T) {
	tbl := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Acquire(1)
			tbl.Release(1)
		}()
	}
	wg.Wait()
	require.True(t, tbl.IsZero(1))
}
