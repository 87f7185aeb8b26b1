package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// pooledEvent is a manual-reset-event-like handle: each waiter blocks
// until it receives one token from a buffered channel, and broadcast(n)
// wakes up to n of them by sending n tokens (this engine only ever needs
// "wake n waiters", which spec §4.1 calls out explicitly for the
// reader-wake path).
type pooledEvent struct {
	refs  atomic.Int32
	tok   chan struct{}
	index int
}

func newPooledEvent(index int) *pooledEvent {
	return &pooledEvent{tok: make(chan struct{}, 1<<20), index: index}
}

func (e *pooledEvent) wait(d time.Duration) bool {
	if d < 0 {
		<-e.tok
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.tok:
		return true
	case <-t.C:
		return false
	}
}

func (e *pooledEvent) broadcast(n int) {
	for i := 0; i < n; i++ {
		select {
		case e.tok <- struct{}{}:
		default:
			// Channel is sized generously; a full channel means more
			// wakes are already pending than waiters, which is safe to
			// drop.
		}
	}
}

// pooledSemaphore is a counting semaphore handle drawn from the
// semaphore pool.
type pooledSemaphore struct {
	refs  atomic.Int32
	c     chan struct{}
	index int
}

func newPooledSemaphore(index int) *pooledSemaphore {
	return &pooledSemaphore{c: make(chan struct{}, 1<<20), index: index}
}

func (s *pooledSemaphore) wait(d time.Duration) bool {
	if d < 0 {
		<-s.c
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.c:
		return true
	case <-t.C:
		return false
	}
}

func (s *pooledSemaphore) post(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.c <- struct{}{}:
		default:
		}
	}
}

// handlePool is a singleton, reference-counted pool of event/semaphore
// handles indexed by small integers (spec §4.1: "event-handle recycling
// uses a process-wide pool indexed by small integers; handles are
// reference counted so that a waking thread cannot free an event a
// waiter still references").
type handlePool[T any] struct {
	mu      sync.Mutex
	free    []*poolSlot[T]
	factory func(index int) *T
	seq     int
}

type poolSlot[T any] struct {
	val   *T
	index int
}

func newHandlePool[T any](factory func(index int) *T) *handlePool[T] {
	return &handlePool[T]{factory: factory}
}

// acquire returns a handle, trying the free list first. The caller is
// the sole initial reference holder.
func (p *handlePool[T]) acquireRaw() *poolSlot[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s
	}
	idx := p.seq
	p.seq++
	return &poolSlot[T]{val: p.factory(idx), index: idx}
}

// release returns a handle to the pool once its refcount has dropped to
// zero. Callers that parked on the handle must have already observed
// their wakeup before calling this.
func (p *handlePool[T]) releaseRaw(s *poolSlot[T]) {
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}

var eventPoolImpl = newHandlePool(func(i int) *pooledEvent { return newPooledEvent(i) })
var semaphorePoolImpl = newHandlePool(func(i int) *pooledSemaphore { return newPooledSemaphore(i) })

type eventPoolT struct{}
type semaphorePoolT struct{}

var eventPool eventPoolT
var semaphorePool semaphorePoolT

func (eventPoolT) acquire() *pooledEvent {
	s := eventPoolImpl.acquireRaw()
	s.val.refs.Store(1)
	return s.val
}

func (eventPoolT) release(e *pooledEvent) {
	if e.refs.Add(-1) == 0 {
		eventPoolImpl.releaseRaw(&poolSlot[pooledEvent]{val: e, index: e.index})
	}
}

func (semaphorePoolT) acquire() *pooledSemaphore {
	s := semaphorePoolImpl.acquireRaw()
	s.val.refs.Store(1)
	return s.val
}

func (semaphorePoolT) release(s *pooledSemaphore) {
	if s.refs.Add(-1) == 0 {
		semaphorePoolImpl.releaseRaw(&poolSlot[pooledSemaphore]{val: s, index: s.index})
	}
}

