package engine

import (
	"context"
	"sync"
)

// A radioOp is one operation on the platform radio.
type radioOp struct {
	name string
	fn   func(ctx context.Context)
}

// taskQueue runs radio operations one at a time on a single goroutine.
type taskQueue struct {
	ops  chan radioOp
	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

func newTaskQueue(size int) *taskQueue {
	if size < 1 {
		size = 1
	}
	return &taskQueue{
		ops:  make(chan radioOp, size),
		stop: make(chan struct{}),
	}
}

// submit queues fn. It reports false, dropping fn, when the queue is full
// or stopped.
func (q *taskQueue) submit(name string, fn func(ctx context.Context)) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.ops <- radioOp{name: name, fn: fn}:
		return true
	default:
		log.WithField("op", name).Warn("radio queue full, dropping")
		return false
	}
}

// start runs the worker until ctx is done or close is called.
func (q *taskQueue) start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case op := <-q.ops:
				log.WithField("op", op.name).Debug("radio op")
				op.fn(ctx)
			}
		}
	}()
}

// close stops the worker after the running operation and waits for it.
func (q *taskQueue) close() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}
