package multimutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMutexSerializesPerID tests that goroutines locking the same id
// are mutually excluded while distinct ids proceed independently.
func TestMutexSerializesPerID(t *testing.T) {
	t.Parallel()

	mtx := NewMutex[string]()

	const workers = 50
	var evenCount, oddCount int
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		id, counter := "even", &evenCount
		if i%2 == 1 {
			id, counter = "odd", &oddCount
		}

		wg.Add(1)
		go func(id string, counter *int) {
			defer wg.Done()

			mtx.Lock(id)
			defer mtx.Unlock(id)

			// Unsynchronized read-modify-write, safe only if
			// the per-id lock is honored.
			*counter++
		}(id, counter)
	}

	wg.Wait()
	require.Equal(t, workers/2, evenCount)
	require.Equal(t, workers/2, oddCount)

	// All mutexes must have been garbage collected once released.
	mtx.mapMtx.Lock()
	defer mtx.mapMtx.Unlock()
	require.Empty(t, mtx.mutexes)
}

// TestMutexDistinctIDsDoNotBlock tests that holding one id's lock does
// not block a different id.
func TestMutexDistinctIDsDoNotBlock(t *testing.T) {
	t.Parallel()

	mtx := NewMutex[int]()
	mtx.Lock(1)
	defer mtx.Unlock(1)

	acquired := make(chan struct{})
	go func() {
		mtx.Lock(2)
		defer mtx.Unlock(2)
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on distinct id blocked")
	}
}

// TestMutexDoubleUnlockPanics tests that unlocking an id that is not
// held panics instead of silently corrupting state.
func TestMutexDoubleUnlockPanics(t *testing.T) {
	t.Parallel()

	mtx := NewMutex[string]()
	require.Panics(t, func() {
		mtx.Unlock("never-locked")
	})
}
