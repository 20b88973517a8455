// Package locks implements the SymbolLockRegistry:
// per-(userID, symbol) reentrant locks, lazily created, never evicted.
package locks

import (
	"fmt"
	"sync"
)

// reentrantMutex allows the same logical operation (same id) to
// re-acquire a lock it already holds; a caller with a different id,
// such as the stream consumer's recordFill with its own
// OperationToken, blocks until the holder releases.
// real guards actual mutual exclusion; meta guards holder/depth and is
// only ever held briefly.
type reentrantMutex struct {
	real   sync.Mutex
	meta   sync.Mutex
	holder int64
	depth  int
}

func (l *reentrantMutex) lock(id int64) {
	l.meta.Lock()
	if l.depth > 0 && l.holder == id {
		l.depth++
		l.meta.Unlock()
		return
	}
	l.meta.Unlock()

	l.real.Lock()
	l.meta.Lock()
	l.holder = id
	l.depth = 1
	l.meta.Unlock()
}

func (l *reentrantMutex) unlock(id int64) {
	l.meta.Lock()
	defer l.meta.Unlock()
	l.depth--
	if l.depth <= 0 {
		l.depth = 0
		l.holder = 0
		l.real.Unlock()
	}
}

// Registry hands out one reentrant lock per (userID, symbol) key.
// Locks are created lazily on first use and never removed: the
// key space is bounded by active users and symbols, which is small
// enough that eviction isn't worth the complexity.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*reentrantMutex
}

func New() *Registry {
	return &Registry{locks: make(map[string]*reentrantMutex)}
}

func key(userID, symbol string) string {
	return userID + "\x00" + symbol
}

func (r *Registry) get(userID, symbol string) *reentrantMutex {
	k := key(userID, symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[k]
	if !ok {
		l = &reentrantMutex{}
		r.locks[k] = l
	}
	return l
}

// Unlock releases the lock acquired by the matching Lock call.
type Unlock func()

// Lock acquires the reentrant lock for (userID, symbol), identified by
// goroutineID so nested calls on the same logical operation don't
// deadlock. Callers that don't need reentrancy can pass any stable,
// unique-per-operation token as goroutineID (e.g. a request ID).
func (r *Registry) Lock(userID, symbol string, goroutineID int64) Unlock {
	l := r.get(userID, symbol)
	l.lock(goroutineID)
	return func() { l.unlock(goroutineID) }
}

// OperationToken produces a best-effort unique-per-operation id from a
// monotonically increasing counter, for callers with no natural
// request ID to reuse as the reentrancy token.
var counter int64
var counterMu sync.Mutex

func OperationToken() int64 {
	counterMu.Lock()
	defer counterMu.Unlock()
	counter++
	return counter
}

// String is a debugging helper describing the key space size.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("locks.Registry{keys=%d}", len(r.locks))
}
