package ctxmgr

import (
	"fmt"
	"sync"
	"time"
)

// DefaultReloadTimeout is the bounded wait for the write lock during
// RELOAD (spec §4.J: "a reader-writer lock with a bounded timeout
// (typically 60 s)").
const DefaultReloadTimeout = 60 * time.Second

// Manager owns the global "current context" slot (spec §3/§4.J). Readers
// (sessions, at connect) take the read lock only long enough to bump the
// reference count and copy the pointer; RELOAD takes the write lock for
// the swap itself, never while building the candidate context.
type Manager struct {
	mu            sync.RWMutex
	current       *Context
	reloadTimeout time.Duration
}

// NewManager wraps initial as the current context. initial must already
// carry a reference count of 1, representing the slot's own reference
// (Build returns exactly that).
func NewManager(initial *Context, reloadTimeout time.Duration) *Manager {
	if reloadTimeout <= 0 {
		reloadTimeout = DefaultReloadTimeout
	}
	return &Manager{current: initial, reloadTimeout: reloadTimeout}
}

// Acquire takes a reference on the current context and returns it. The
// caller owns that reference for as long as it holds the pointer and
// must Unref it exactly once (spec §4.J: "Every new session takes a
// reader lock, increments the context's reference count, copies the
// pointer, releases the lock; it holds its reference for the entire
// session").
func (m *Manager) Acquire() *Context {
	m.mu.RLock()
	c := m.current.Ref()
	m.mu.RUnlock()
	return c
}

// Current peeks at the active context without taking a reference. It is
// for read-only diagnostics (e.g. the control channel's SHOW-COUNTER,
// which reads Stats through the context but does not outlive the call).
func (m *Manager) Current() *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reload implements spec §4.J's reload protocol. build receives the
// outgoing context (already ref'd on the reloader's behalf, so it is
// safe for build to read its unreloadable fields) and returns a
// candidate context, or an error that leaves the running context
// untouched.
//
// The read lock taken to reference the outgoing context and step 2's
// write lock are both bounded by the reload timeout, expressed with
// sync.RWMutex.TryRLock/TryLock polling rather than a timed OS mutex (Go's
// standard library has no Lock-with-timeout); this keeps the same
// externally observable contract — RELOAD either completes within the
// timeout or fails cleanly — without leaking a goroutine blocked
// forever on a lock that timed out on this side.
func (m *Manager) Reload(build func(old *Context) (*Context, error)) error {
	deadline := time.Now().Add(m.reloadTimeout)
	for !m.mu.TryRLock() {
		if time.Now().After(deadline) {
			return fmt.Errorf("ctxmgr: reload: timed out acquiring read lock after %s", m.reloadTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
	old := m.current.Ref()
	m.mu.RUnlock()

	newCtx, err := build(old)
	if err != nil {
		old.Unref()
		return fmt.Errorf("ctxmgr: reload: build candidate context: %w", err)
	}

	if !m.tryLockWithTimeout(m.reloadTimeout) {
		newCtx.Unref()
		old.Unref()
		return fmt.Errorf("ctxmgr: reload: timed out acquiring write lock after %s", m.reloadTimeout)
	}

	if m.current != old {
		m.mu.Unlock()
		newCtx.Unref()
		old.Unref()
		return fmt.Errorf("ctxmgr: reload: context changed underneath reloader, aborting")
	}
	m.current = newCtx
	m.mu.Unlock()

	// Two unrefs: the temporary reference taken above, and the
	// global slot's own reference that newCtx now holds in old's place.
	old.Unref()
	old.Unref()
	return nil
}

func (m *Manager) tryLockWithTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
