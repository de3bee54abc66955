package objectstore

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/ringvault/ringvault/internal/metrics"
)

// ErrStoreClosed is the result of background work submitted after Close.
var ErrStoreClosed = errors.New("object store closed")

// Pending is the completion handle of a background upload. Callers that do
// not need the outcome may drop it.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func failedPending(err error) *Pending {
	p := newPending()
	p.finish(err)
	return p
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the upload has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the upload finishes or ctx is done. It returns the
// upload's error, or ctx.Err() when ctx ended first; the upload itself
// keeps running in that case.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type asyncJob struct {
	run     func(ctx context.Context) error
	pending *Pending
}

// asyncPool runs background jobs on a fixed set of workers. Jobs for the
// same key always land on the same worker and therefore run in submission
// order.
type asyncPool struct {
	queues []chan asyncJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newAsyncPool(workers, queueSize int) *asyncPool {
	if workers < 1 {
		workers = 1
	}
	perWorker := max(queueSize/workers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &asyncPool{
		queues: make([]chan asyncJob, workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan asyncJob, perWorker)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *asyncPool) worker(queue chan asyncJob) {
	defer p.wg.Done()
	for job := range queue {
		metrics.AsyncQueueDepth.Dec()
		job.pending.finish(job.run(p.ctx))
	}
}

func (p *asyncPool) route(key string) chan asyncJob {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// submit enqueues run for key. It blocks only while the key's queue is
// full, and gives up when ctx ends first.
func (p *asyncPool) submit(ctx context.Context, key string, run func(ctx context.Context) error) (*Pending, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return failedPending(ErrStoreClosed), ErrStoreClosed
	}

	if err := ctx.Err(); err != nil {
		return failedPending(err), err
	}

	job := asyncJob{run: run, pending: newPending()}
	metrics.AsyncQueueDepth.Inc()
	select {
	case p.route(key) <- job:
		return job.pending, nil
	case <-ctx.Done():
		metrics.AsyncQueueDepth.Dec()
		return failedPending(ctx.Err()), ctx.Err()
	}
}

// close stops intake and waits for queued jobs. When ctx ends first the
// running jobs are cancelled and ctx.Err() is returned.
func (p *asyncPool) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return ctx.Err()
	}
}
