package engine

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/tremor/internal/workspace"
)

// Task is one job waiting for a worker. The task owns the workspace.
type Task struct {
	JobID          string
	Workspace      *workspace.Workspace
	CallbackURL    string
	ForeignCalcID  string
	HazardOutputID string
	HazardJobID    string
}

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan Task
	group  errgroup.Group
}

// NewPool starts workers goroutines that pass each queued task to run along
// with the index of the worker running it.
func NewPool(workers, queueSize int, run func(worker int, t Task)) *Pool {
	p := &Pool{tasks: make(chan Task, max(queueSize, 0))}
	for i := range max(workers, 1) {
		p.group.Go(func() error {
			for t := range p.tasks {
				queueDepth.Dec()
				run(i, t)
			}
			return nil
		})
	}
	return p
}

// Enqueue queues t without blocking. It returns ErrQueueFull when the queue
// is at capacity and ErrPoolClosed after Close.
func (p *Pool) Enqueue(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	queueDepth.Inc()
	select {
	case p.tasks <- t:
		return nil
	default:
		queueDepth.Dec()
		return ErrQueueFull
	}
}

// Close stops intake and waits until the queued tasks have run.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	return p.group.Wait()
}
