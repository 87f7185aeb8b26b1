package concurrency

import (
	"context"
	"sync"
	"time"
)

// Job is a unit of work dispatched through a JobQueue.
type Job func(ctx context.Context)

// QueueMode selects how dequeues are distributed to workers (spec §4.1).
type QueueMode uint8

const (
	// ModeNormal dequeues one job at a time; any idle worker may take
	// the next job.
	ModeNormal QueueMode = iota
	// ModeGrouped means a single consumer drains everything queued in
	// one batch per wakeup, useful for restoration workers that must
	// process a worker's whole backlog before yielding (spec §4.6).
	ModeGrouped
)

// JobQueue is a bounded FIFO with backpressure via a free-slot
// semaphore, mirroring the teacher's channel-based WorkerPool
// (internal/storage/concurrency.go) generalized to the engine's two
// queueing disciplines.
type JobQueue struct {
	mode QueueMode

	jobs     chan Job
	freeSlot chan struct{} // backpressure: one token per empty slot

	mu     sync.Mutex
	closed bool
}

// NewJobQueue creates a queue with the given capacity and mode.
func NewJobQueue(capacity int, mode QueueMode) *JobQueue {
	q := &JobQueue{
		mode:     mode,
		jobs:     make(chan Job, capacity),
		freeSlot: make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		q.freeSlot <- struct{}{}
	}
	return q
}

// Enqueue blocks until a slot is free (or d elapses, d<0 meaning wait
// forever), then enqueues job. Returns false on timeout or if the queue
// is closed.
func (q *JobQueue) Enqueue(job Job, d time.Duration) bool {
	var timeoutC <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case <-q.freeSlot:
	case <-timeoutC:
		return false
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.freeSlot <- struct{}{}
		return false
	}
	q.jobs <- job
	return true
}

// dequeueOne pulls a single job, used by ModeNormal workers.
func (q *JobQueue) dequeueOne(ctx context.Context) (Job, bool) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, false
		}
		q.freeSlot <- struct{}{}
		return job, true
	case <-ctx.Done():
		return nil, false
	}
}

// dequeueAll drains everything currently queued, used by ModeGrouped's
// single consumer; blocks until at least one job is available.
func (q *JobQueue) dequeueAll(ctx context.Context) ([]Job, bool) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, false
		}
		q.freeSlot <- struct{}{}
		batch := []Job{job}
		for {
			select {
			case job, ok := <-q.jobs:
				if !ok {
					return batch, true
				}
				q.freeSlot <- struct{}{}
				batch = append(batch, job)
			default:
				return batch, true
			}
		}
	case <-ctx.Done():
		return nil, false
	}
}

// Close prevents further enqueues and closes the underlying channel at
// once; jobs already buffered in it can still be dequeued.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// WorkerPool drives a fixed number of goroutines consuming a JobQueue.
type WorkerPool struct {
	queue  *JobQueue
	size   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainMu   sync.Mutex
	drainSeq  uint64
	drainWait map[uint64]chan struct{}
}

// NewWorkerPool starts size goroutines pulling from queue.
func NewWorkerPool(queue *JobQueue, size int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:     queue,
		size:      size,
		ctx:       ctx,
		cancel:    cancel,
		drainWait: make(map[uint64]chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		if p.queue.mode == ModeGrouped {
			batch, ok := p.queue.dequeueAll(p.ctx)
			if !ok {
				return
			}
			for _, job := range batch {
				p.runOne(job)
			}
			continue
		}
		job, ok := p.queue.dequeueOne(p.ctx)
		if !ok {
			return
		}
		p.runOne(job)
	}
}

func (p *WorkerPool) runOne(job Job) {
	if job == nil {
		// Nothing to run.
		return
	}
	job(p.ctx)
}

// Drain issues a sentinel into the queue for every worker and waits
// until all work enqueued before the call has been processed, without
// closing the pool (spec §4.1).
func (p *WorkerPool) Drain() {
	// Each sentinel holds its worker until every worker has reached one,
	// so no worker can still be running a job enqueued before the call.
	var arrived sync.WaitGroup
	arrived.Add(p.size)
	release := make(chan struct{})
	for i := 0; i < p.size; i++ {
		p.queue.Enqueue(func(ctx context.Context) {
			arrived.Done()
			<-release
		}, -1)
	}
	arrived.Wait()
	close(release)
}

// Shutdown closes the queue and waits for all workers to exit.
func (p *WorkerPool) Shutdown() {
	p.queue.Close()
	p.cancel()
	p.wg.Wait()
}
