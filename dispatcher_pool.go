package mflow

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// ErrDispatcherStopped is returned by Submit once the dispatcher is stopped.
var ErrDispatcherStopped = errors.New("mflow: dispatcher stopped")

// Dispatcher submits work for execution and is responsible for running
// submitted functions. Submit must not block the caller for long: the
// scheduler calls it from its coordinator loop. A non-nil error means fn
// will never run.
type Dispatcher interface {
	Submit(func()) error
	Stop()
}

// NewWorkerPoolDispatcher returns a Dispatcher that executes submitted tasks
// on a fixed-size goroutine pool. If size is zero or negative, GOMAXPROCS
// workers are used. Submissions are queued without blocking and run in FIFO
// order.
func NewWorkerPoolDispatcher(size int) Dispatcher {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
		if size <= 0 {
			size = 1
		}
	}

	d := &workerPoolDispatcher{
		pool:   pool.New().WithMaxGoroutines(size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.feed()
	return d
}

type workerPoolDispatcher struct {
	pool   *pool.Pool
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	queue  []func()
	closed bool
}

// Submit queues fn. Submissions after Stop fail with ErrDispatcherStopped.
func (d *workerPoolDispatcher) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.wake()
	return nil
}

func (d *workerPoolDispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// feed moves queued functions into the pool. pool.Go blocks while every
// goroutine is busy, which is why it runs apart from Submit.
func (d *workerPoolDispatcher) feed() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				break
			}
			<-d.notify
			continue
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.pool.Go(fn)
	}
	d.pool.Wait()
}

// Stop runs everything already queued and waits for it to finish.
func (d *workerPoolDispatcher) Stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.wake()
		<-d.done
	})
}

// threadRunner executes nodes in-process on a Dispatcher. A dispatcher
// supplied through WithDispatcher belongs to the caller and is left running.
type threadRunner struct {
	dispatcher Dispatcher
	owned      bool
	force      bool
}

func (r *threadRunner) submit(ctx context.Context, n *node, events chan<- event) {
	err := r.dispatcher.Submit(func() {
		if !n.claim() {
			return
		}
		if err := ctx.Err(); err != nil {
			events <- event{kind: eventFinished, node: n.index, at: now(), result: outcome{skipped: true, err: err}}
			return
		}
		events <- event{kind: eventStarted, node: n.index, at: now()}
		task, err := runChain(ctx, n.tasks, r.force)
		events <- event{kind: eventFinished, node: n.index, at: now(), result: outcome{task: task, err: err}}
	})
	if err != nil && n.claim() {
		events <- event{kind: eventFinished, node: n.index, at: now(), result: outcome{skipped: true, fatal: true, err: err}}
	}
}

func (r *threadRunner) close() error {
	if r.owned {
		r.dispatcher.Stop()
	}
	return nil
}
