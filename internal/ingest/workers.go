package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// Task is one unit of work submitted to a WorkerPool. Stream connection
// handlers are long-lived tasks: a Task runs for the lifetime of one
// accepted connection.
type Task func()

// WorkerPool is a grow-on-demand, prune-on-idle goroutine pool backing
// stream ingest: it starts at minWorkers, spins up additional workers
// (up to maxWorkers) when the task queue backs up, and lets a worker
// that sits idle past idleTimeout exit, shrinking back toward
// minWorkers. Panics inside a task are caught (via sourcegraph/conc's
// panics.Catcher) and logged; one bad connection never takes down the
// pool.
type WorkerPool struct {
	min, max    int
	idleTimeout time.Duration
	queue       chan Task
	logger      zerolog.Logger

	active   atomic.Int64
	dropped  atomic.Int64
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWorkerPool builds a pool and starts minWorkers idle workers.
// queueSize bounds how many submitted-but-not-yet-running tasks are
// buffered before Submit starts spawning workers past minWorkers.
func NewWorkerPool(min, max, queueSize int, idleTimeout time.Duration, logger zerolog.Logger) *WorkerPool {
	p := &WorkerPool{
		min:         min,
		max:         max,
		idleTimeout: idleTimeout,
		queue:       make(chan Task, queueSize),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < min; i++ {
		p.spawn(false)
	}
	return p
}

// Submit enqueues task. If the queue is full and the pool has not yet
// reached maxWorkers, a new worker is spawned to drain the backlog; once
// at capacity, Submit blocks the caller (the accept loop) until a slot
// frees up, providing back-pressure on new connections rather than
// dropping them.
func (p *WorkerPool) Submit(task Task) {
	select {
	case p.queue <- task:
		return
	default:
	}

	if int(p.active.Load()) < p.max {
		p.spawn(true)
	}
	p.queue <- task
}

func (p *WorkerPool) spawn(prunable bool) {
	p.active.Add(1)
	p.wg.Add(1)
	go p.worker(prunable)
}

func (p *WorkerPool) worker(prunable bool) {
	defer p.wg.Done()
	defer p.active.Add(-1)

	var idle *time.Timer
	var idleC <-chan time.Time
	if prunable && p.idleTimeout > 0 {
		idle = time.NewTimer(p.idleTimeout)
		idleC = idle.C
		defer idle.Stop()
	}

	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(p.idleTimeout)
			}
		case <-idleC:
			// No work for idleTimeout: this worker was spawned above
			// min to absorb a burst, so it prunes itself now.
			return
		case <-p.stopCh:
			return
		}
	}
}

func (p *WorkerPool) runTask(task Task) {
	var c panics.Catcher
	c.Try(task)
	if recovered := c.Recovered(); recovered != nil {
		p.logger.Error().
			Str("panic", recovered.String()).
			Msg("ingest worker pool task panicked, worker continues")
	}
}

// Active reports how many workers are currently running (including ones
// idling on the queue).
func (p *WorkerPool) Active() int64 { return p.active.Load() }

// Dropped reports tasks that could not be queued; Submit in this pool
// never drops (it blocks instead), so this is always zero. Kept for
// parity with the diagnostics snapshot shape and for a future
// non-blocking Submit mode.
func (p *WorkerPool) Dropped() int64 { return p.dropped.Load() }

// Stop signals every worker to exit once it finishes its current task,
// and waits for them to do so. In-flight connections are not forcibly
// closed; callers close the listener first so no new tasks arrive.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
