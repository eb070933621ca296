// Package lockutils provides named critical sections and the reentrancy detector used to
// flag blocking RPCs issued while a lock is held.
//
// Lock ownership is tracked per execution, not per goroutine. An execution is identified
// by an ID stored in a context.Context; Synchronized creates one when the context has none.
// A goroutine started from inside a critical section should call WithExecution on the
// context it receives so that the parent's holds are not attributed to it.
//
//	err := lockutils.Synchronized(ctx, "instances", "compute-", func(ctx context.Context) error {
//	    lockutils.LockHeld(ctx) // true
//	    return nil
//	})
package lockutils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrNoLockPath = errors.New("lockutils: external lock requires a lock path")

type options struct {
	external bool
	lockPath string
}

type Option func(*options)

// External additionally serializes across processes through a file lock.
func External() Option {
	return func(o *options) { o.external = true }
}

// LockPath sets the directory holding external lock files.
func LockPath(dir string) Option {
	return func(o *options) { o.lockPath = dir }
}

type execKey struct{}

// WithExecution returns a context that starts a new execution holding no locks.
func WithExecution(ctx context.Context) context.Context {
	return context.WithValue(ctx, execKey{}, uuid.NewString())
}

func executionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(execKey{}).(string)
	return id, ok
}

type semaphore struct {
	mu   sync.Mutex
	refs int
}

type holds struct {
	count int
	names map[string]int
}

// Registry owns the named semaphores and the per-execution hold counters.
// Hold counters are written only by Synchronized.
type Registry struct {
	mu    sync.Mutex
	sems  map[string]*semaphore
	holds map[string]*holds
}

func NewRegistry() *Registry {
	return &Registry{
		sems:  make(map[string]*semaphore),
		holds: make(map[string]*holds),
	}
}

// Default is the process-wide registry used by the package-level functions.
var Default = NewRegistry()

func Synchronized(ctx context.Context, name, prefix string, fn func(ctx context.Context) error, opts ...Option) error {
	return Default.Synchronized(ctx, name, prefix, fn, opts...)
}

func LockHeld(ctx context.Context) bool {
	return Default.LockHeld(ctx)
}

func HeldLocks(ctx context.Context) []string {
	return Default.HeldLocks(ctx)
}

// Synchronized runs fn while holding the lock prefix+name. The lock is released when fn
// returns or panics.
func (r *Registry) Synchronized(ctx context.Context, name, prefix string, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	lockName := prefix + name

	id, ok := executionID(ctx)
	if !ok {
		ctx = WithExecution(ctx)
		id, _ = executionID(ctx)
	}

	sem := r.semaphore(lockName)
	sem.mu.Lock()
	defer r.release(lockName, sem)

	if o.external {
		if o.lockPath == "" {
			return ErrNoLockPath
		}
		if err := os.MkdirAll(o.lockPath, 0o755); err != nil {
			return err
		}
		unlock, err := lockFile(filepath.Join(o.lockPath, lockName))
		if err != nil {
			return err
		}
		defer unlock()
	}

	r.enter(id, lockName)
	defer r.exit(id, lockName)

	return fn(ctx)
}

// LockHeld reports whether the execution in ctx currently holds at least one lock.
func (r *Registry) LockHeld(ctx context.Context) bool {
	id, ok := executionID(ctx)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	return ok && h.count > 0
}

// HeldLocks lists the locks held by the execution in ctx, sorted by name.
func (r *Registry) HeldLocks(ctx context.Context) []string {
	id, ok := executionID(ctx)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(h.names))
	for n := range h.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) semaphore(name string) *semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[name]
	if !ok {
		sem = &semaphore{}
		r.sems[name] = sem
	}
	sem.refs++
	return sem
}

func (r *Registry) release(name string, sem *semaphore) {
	sem.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	sem.refs--
	if sem.refs == 0 {
		delete(r.sems, name)
	}
}

func (r *Registry) enter(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		h = &holds{names: make(map[string]int)}
		r.holds[id] = h
	}
	h.count++
	h.names[name]++
}

func (r *Registry) exit(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return
	}
	h.count--
	if h.names[name]--; h.names[name] <= 0 {
		delete(h.names, name)
	}
	if h.count <= 0 {
		delete(r.holds, id)
	}
}
