package resolverpool

import (
	"sync"
	"time"
)

// Pool is a fixed-capacity stack of resolver handles, grounded on
// yenma/resolverpool.c: Acquire pops an idle handle or constructs one on
// demand; Release pushes it back if a slot remains, else destroys it. The
// mutex is held only around slot manipulation, never during construction
// or destruction (per spec §4.A's concurrency note).
type Pool struct {
	mu       sync.Mutex
	slots    []Resolver
	capacity int

	init Initializer

	// Negative values mean "don't override".
	timeoutOverride    time.Duration
	retryCountOverride int
}

// Option configures timeout/retry-count overrides applied to every
// freshly constructed resolver (never to one popped from the pool, which
// already carries them).
type Option func(*Pool)

func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeoutOverride = d }
}

func WithRetryCount(n int) Option {
	return func(p *Pool) { p.retryCountOverride = n }
}

// New builds a Pool with the given slot capacity and construction function.
func New(capacity int, init Initializer, opts ...Option) *Pool {
	p := &Pool{
		capacity:           capacity,
		init:               init,
		timeoutOverride:    -1,
		retryCountOverride: -1,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire pops the top slot; if the pool is empty it constructs a fresh
// resolver via the configured Initializer and applies the timeout/retry
// overrides, if any. Returns nil on allocation failure; callers must treat
// nil as a retryable tempfail per spec §4.A.
func (p *Pool) Acquire() Resolver {
	p.mu.Lock()
	var r Resolver
	if n := len(p.slots); n > 0 {
		r = p.slots[n-1]
		p.slots[n-1] = nil
		p.slots = p.slots[:n-1]
	}
	p.mu.Unlock()

	if r != nil {
		return r
	}

	r, err := p.init()
	if err != nil || r == nil {
		return nil
	}
	if p.timeoutOverride >= 0 {
		r.SetTimeout(p.timeoutOverride)
	}
	if p.retryCountOverride >= 0 {
		r.SetRetryCount(p.retryCountOverride)
	}
	return r
}

// Release returns resolver to the pool if a slot remains, otherwise frees
// it immediately. Passing nil is a no-op.
func (p *Pool) Release(r Resolver) {
	if r == nil {
		return
	}

	p.mu.Lock()
	if len(p.slots) < p.capacity {
		p.slots = append(p.slots, r)
		r = nil
	}
	p.mu.Unlock()

	if r != nil {
		r.Free()
	}
}

// Close frees every pooled resolver. It does not affect resolvers
// currently on loan.
func (p *Pool) Close() {
	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	for _, r := range slots {
		r.Free()
	}
}
