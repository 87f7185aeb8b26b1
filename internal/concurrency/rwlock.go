// Package concurrency implements the CPU-aware locking and queuing
// primitives the storage engine is built on (spec §4.1): a fair
// reader/writer lock, a CPU-partitioned variant of it, a cache-line
// aligned allocator, singleton semaphore/event pools, and a bounded job
// queue with normal and grouped drain modes.
//
// The teacher repo interleaves an RWLock and an RWSpinLock variant; per
// spec §9's instruction to pick the superset, RWLock below is the only
// lock type and always supports both the spin-then-park fast path and a
// timeout-bounded slow path.
package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// state word bit layout, packed into a single atomic uint64 so every
// transition is a single CAS:
//
//	bit 63           writerHeld
//	bit 62           writerWaiting
//	bits 41..61 (21) waitingReaders
//	bits 20..40 (21) waitingWriters
//	bits  0..19 (20) enteredReaders
const (
	bitsEnteredReaders = 20
	bitsWaitingWriters = 21
	bitsWaitingReaders = 21

	shiftEnteredReaders = 0
	shiftWaitingWriters = shiftEnteredReaders + bitsEnteredReaders
	shiftWaitingReaders = shiftWaitingWriters + bitsWaitingWriters
	shiftWriterWaiting  = shiftWaitingReaders + bitsWaitingReaders
	shiftWriterHeld     = shiftWriterWaiting + 1

	maskEnteredReaders = uint64(1<<bitsEnteredReaders - 1)
	maskWaitingWriters = uint64(1<<bitsWaitingWriters-1) << shiftWaitingWriters
	maskWaitingReaders = uint64(1<<bitsWaitingReaders-1) << shiftWaitingReaders
	bitWriterWaiting   = uint64(1) << shiftWriterWaiting
	bitWriterHeld      = uint64(1) << shiftWriterHeld
)

func enteredReaders(s uint64) uint64 { return s & maskEnteredReaders }
func waitingWriters(s uint64) uint64 { return (s & maskWaitingWriters) >> shiftWaitingWriters }
func waitingReaders(s uint64) uint64 { return (s & maskWaitingReaders) >> shiftWaitingReaders }
func writerHeld(s uint64) bool       { return s&bitWriterHeld != 0 }
func writerWaiting(s uint64) bool    { return s&bitWriterWaiting != 0 }

// RWLock is a fair reader/writer lock: once a writer is waiting, no new
// reader is admitted ahead of it (spec §4.1 "writers have priority over
// new readers once one is waiting"). Spinning precedes parking; parked
// waiters use reference-counted handles from the process-wide event pool
// so a waking thread never frees an event a waiter still holds.
type RWLock struct {
	state uint64

	// writerSem gates at most one parked writer at a time; the lock
	// itself only ever wakes one writer, so a counting semaphore of
	// capacity effectively-1 is sufficient.
	writerSem *pooledSemaphore
	readerEvt *pooledEvent

	spinLimit int
}

// NewRWLock constructs a ready-to-use lock.
func NewRWLock() *RWLock {
	return &RWLock{
		writerSem: semaphorePool.acquire(),
		readerEvt: eventPool.acquire(),
		spinLimit: 64,
	}
}

// Close returns the lock's pooled handles. The lock must not be used
// afterwards.
func (l *RWLock) Close() {
	semaphorePool.release(l.writerSem)
	eventPool.release(l.readerEvt)
}

// EnterRead blocks until a read slot is available.
func (l *RWLock) EnterRead() { l.enterReadTimeout(-1) }

// TryEnterReadTimeout attempts to enter read mode, giving up after d.
// d < 0 means "wait forever".
func (l *RWLock) TryEnterReadTimeout(d time.Duration) bool { return l.enterReadTimeout(d) }

func (l *RWLock) enterReadTimeout(d time.Duration) bool {
	deadline := deadlineFor(d)
	spins := 0
	for {
		s := atomic.LoadUint64(&l.state)
		if !writerHeld(s) && !writerWaiting(s) {
			ns := s + 1 // enteredReaders++
			if atomic.CompareAndSwapUint64(&l.state, s, ns) {
				return true
			}
			continue
		}
		if spins < l.spinLimit {
			spins++
			backoff(spins)
			continue
		}
		// Publish ourselves as a waiting reader, then park.
		ns := s + (1 << shiftWaitingReaders)
		if !atomic.CompareAndSwapUint64(&l.state, s, ns) {
			continue
		}
		if !l.readerEvt.wait(remaining(deadline)) {
			atomic.AddUint64(&l.state, ^uint64(1<<shiftWaitingReaders-1)) // undo on timeout
			return false
		}
		// Woken by a releasing writer: we were already counted as an
		// entered reader by exitWrite's handoff, so just return.
		return true
	}
}

// ExitRead releases a previously acquired read slot.
func (l *RWLock) ExitRead() {
	for {
		s := atomic.LoadUint64(&l.state)
		ns := s - 1
		// The last reader out hands the lock straight to one parked
		// writer, as ExitWrite does.
		handoff := enteredReaders(ns) == 0 && waitingWriters(ns) > 0
		if handoff {
			ns = (ns - (1 << shiftWaitingWriters)) | bitWriterHeld
			if waitingWriters(ns) == 0 {
				ns &^= bitWriterWaiting
			}
		}
		if atomic.CompareAndSwapUint64(&l.state, s, ns) {
			if handoff {
				l.writerSem.post(1)
			}
			return
		}
	}
}

// EnterWrite blocks until exclusive access is granted.
func (l *RWLock) EnterWrite() bool { return l.enterWriteTimeout(-1) }

// EnterWriteTimeout is the timeout variant; returns false on timeout.
func (l *RWLock) EnterWriteTimeout(d time.Duration) bool { return l.enterWriteTimeout(d) }

func (l *RWLock) enterWriteTimeout(d time.Duration) bool {
	deadline := deadlineFor(d)
	spins := 0
	for {
		s := atomic.LoadUint64(&l.state)
		if enteredReaders(s) == 0 && !writerHeld(s) {
			ns := (s &^ maskEnteredReaders) | bitWriterHeld
			if waitingWriters(s) > 0 {
				ns &^= bitWriterWaiting // we are about to become the holder
			}
			if atomic.CompareAndSwapUint64(&l.state, s, ns) {
				return true
			}
			continue
		}
		if spins < l.spinLimit {
			spins++
			backoff(spins)
			continue
		}
		ns := s + (1 << shiftWaitingWriters) | bitWriterWaiting
		if !atomic.CompareAndSwapUint64(&l.state, s, ns) {
			continue
		}
		if !l.writerSem.wait(remaining(deadline)) {
			atomic.AddUint64(&l.state, ^uint64(1<<shiftWaitingWriters-1))
			return false
		}
		// We were handed the lock directly by the releasing holder.
		return true
	}
}

// ExitWrite releases exclusive access, waking exactly one waiting writer
// if any, else all waiting readers.
func (l *RWLock) ExitWrite() {
	for {
		s := atomic.LoadUint64(&l.state)
		ns := s &^ bitWriterHeld
		if waitingWriters(ns) > 0 {
			ns = ns - (1 << shiftWaitingWriters)
			if waitingWriters(ns) == 0 {
				ns &^= bitWriterWaiting
			}
			ns |= bitWriterHeld // hand off directly to the woken writer
			if atomic.CompareAndSwapUint64(&l.state, s, ns) {
				l.writerSem.post(1)
				return
			}
			continue
		}
		if waitingReaders(ns) > 0 {
			woken := waitingReaders(ns)
			ns = (ns &^ maskWaitingReaders) + woken // hand off as entered readers
			if atomic.CompareAndSwapUint64(&l.state, s, ns) {
				l.readerEvt.broadcast(int(woken))
				return
			}
			continue
		}
		if atomic.CompareAndSwapUint64(&l.state, s, ns) {
			return
		}
	}
}

// DowngradeToRead atomically converts write ownership to read ownership.
// Never fails; preserves the waiting-writer bit so a writer parked behind
// us is not starved.
func (l *RWLock) DowngradeToRead() {
	for {
		s := atomic.LoadUint64(&l.state)
		ns := (s &^ bitWriterHeld) + 1
		if atomic.CompareAndSwapUint64(&l.state, s, ns) {
			return
		}
	}
}

func deadlineFor(d time.Duration) time.Time {
	if d < 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// backoff implements the cooperative spin: a growing run of Gosched
// calls followed by a short sleep, per spec §4.1's "exponentially
// increasing yield-then-sleep backoff".
func backoff(attempt int) {
	if attempt < 8 {
		runtimeGosched()
		return
	}
	d := time.Duration(1<<uint(min(attempt-8, 10))) * time.Microsecond
	time.Sleep(d)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ProcessorRWLock partitions one RWLock per logical CPU, each padded to
// its own cache line (spec §4.1). Readers take only their own CPU's
// lock; a writer takes all of them in a fixed order to avoid deadlock
// against concurrent writers.
type ProcessorRWLock struct {
	shards []cacheLinePaddedLock
}

type cacheLinePaddedLock struct {
	lock *RWLock
	_    [cacheLineSize - unsafeSizeofPointer]byte
}

// NewProcessorRWLock allocates one shard per logical CPU.
func NewProcessorRWLock(numCPU int) *ProcessorRWLock {
	if numCPU < 1 {
		numCPU = 1
	}
	p := &ProcessorRWLock{shards: make([]cacheLinePaddedLock, numCPU)}
	for i := range p.shards {
		p.shards[i].lock = NewRWLock()
	}
	return p
}

// currentShard is a process-wide best-effort CPU hint; Go gives no
// cheap true "current CPU" syscall, so callers route by a cheap
// goroutine-local proxy (see CPUHint).
func (p *ProcessorRWLock) currentShard() *RWLock {
	return p.shards[CPUHint()%len(p.shards)].lock
}

// EnterRead acquires only the calling CPU's shard.
func (p *ProcessorRWLock) EnterRead() { p.currentShard().EnterRead() }

// ExitRead releases the calling CPU's shard.
func (p *ProcessorRWLock) ExitRead() { p.currentShard().ExitRead() }

// EnterWrite acquires every shard, in a fixed order, for exclusive
// access across all CPUs.
func (p *ProcessorRWLock) EnterWrite() {
	for i := range p.shards {
		p.shards[i].lock.EnterWrite()
	}
}

// ExitWrite releases every shard in reverse order.
func (p *ProcessorRWLock) ExitWrite() {
	for i := len(p.shards) - 1; i >= 0; i-- {
		p.shards[i].lock.ExitWrite()
	}
}

var cpuHintOnce sync.Once
var cpuHintSeq atomic.Uint64

// CPUHint returns a small rotating integer used to pick a lock shard.
// It is not a true CPU id — Go does not expose one portably — but it
// spreads goroutines across shards the same way a CPU id would for the
// read-heavy workloads this lock targets.
func CPUHint() int {
	return int(cpuHintSeq.Add(1))
}
