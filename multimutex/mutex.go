package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex with a reference counter that tracks how many
// goroutines currently hold or wait on it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex is a struct that keeps track of a set of mutexes with a given
// id. It can be used for making sure only one goroutine gets given the
// mutex per id. Since the same mutex is reused for a given id, the ids
// must come from a finite namespace that callers serialize writes over,
// such as node or entity ids.
type Mutex[T comparable] struct {
	// mutexes is a map of ids to a cntMutex. The cnt field tracks
	// the number of goroutines waiting for the mutex, such that we
	// can forget about it when no goroutine waits for it anymore.
	mutexes map[T]*cntMutex

	// mapMtx is used to give synchronized access to the mutexes map.
	mapMtx sync.Mutex
}

// NewMutex creates a new Mutex.
func NewMutex[T comparable]() *Mutex[T] {
	return &Mutex[T]{
		mutexes: make(map[T]*cntMutex),
	}
}

// Lock locks the mutex by the given id. If the mutex is already locked
// by this id, Lock blocks until the mutex is available.
func (c *Mutex[T]) Lock(id T) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		// If the mutex already existed in the map, we increment
		// its counter, to indicate that there now is one more
		// goroutine waiting for it.
		mtx.cnt++
	} else {
		// If it was not in the map, it means no other goroutine
		// has locked the mutex for this id, and we can create a
		// new mutex with count 1 and add it to the map.
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	// Acquire the mutex for this id.
	mtx.Lock()
}

// Unlock unlocks the mutex by the given id. It is a run-time error if
// the mutex is not locked by the id on entry to Unlock.
func (c *Mutex[T]) Unlock(id T) {
	// Since we are done with all the work for this update, we update
	// the map to reflect that one less goroutine is waiting for this
	// mutex.
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if !ok {
		// The mutex not existing in the map means an unlock for
		// an id not currently locked was attempted.
		panic(fmt.Sprintf("double unlock for id %v", id))
	}

	// If we are the last goroutine waiting for the mutex, we can
	// delete it from the map.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	// Unlock the mutex for this id.
	mtx.Unlock()
}
