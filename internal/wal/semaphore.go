package wal

import "github.com/SimonWaldherr/veloxdb/internal/concurrency"

// SnapshotSemaphore externally inhibits snapshot rotations during
// critical windows such as schema updates or replication seeding (spec
// §4.7). It is built directly on concurrency.RWLock: an ordinary append
// is the frequent, many-at-once side (Enter/Exit map onto read), and a
// snapshot blocker is the rare, exclusive side that must first drain
// every outstanding append (Block/Unblock map onto write).
type SnapshotSemaphore struct {
	lock *concurrency.RWLock
}

// NewSnapshotSemaphore returns a semaphore with no outstanding blockers.
func NewSnapshotSemaphore() *SnapshotSemaphore {
	return &SnapshotSemaphore{lock: concurrency.NewRWLock()}
}

// Enter is a try-read with a zero timeout: it succeeds only while no
// blocker is held or waiting, and otherwise fails after a short spin
// with backoff instead of waiting for the blocker (spec §4.7 "enter() is a try-read that succeeds only
// while count is zero").
func (s *SnapshotSemaphore) Enter() bool {
	return s.lock.TryEnterReadTimeout(0)
}

// Exit releases a successful Enter.
func (s *SnapshotSemaphore) Exit() { s.lock.ExitRead() }

// Block waits for every outstanding Enter to Exit, then holds exclusivity
// until Unblock (spec §4.7 "block() increments the count and waits for
// outstanding writers").
func (s *SnapshotSemaphore) Block() { s.lock.EnterWrite() }

// Unblock releases a Block, re-admitting new Enter callers.
func (s *SnapshotSemaphore) Unblock() { s.lock.ExitWrite() }

// Close returns the semaphore's pooled lock handles.
func (s *SnapshotSemaphore) Close() { s.lock.Close() }
