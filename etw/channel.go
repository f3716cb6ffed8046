package etw

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// queue is an unbounded FIFO guarded by its own mutex and condition.
type queue[T any] struct {
	mu     sync.Mutex
	cond   sync.Cond
	items  []T
	closed bool // no more pushes are expected; blocked pops return
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond.L = &q.mu
	return q
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue[T]) pop(wait bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for wait && len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// TaskChannel runs handler on a single background goroutine, feeding it
// inputs in push order. The handler publishes results with PushOutput and
// returns true to end the worker. Producers never block, and consumers
// choose between blocking and polling pops.
type TaskChannel[In, Out any] struct {
	in      *queue[In]
	out     *queue[Out]
	handler func(In, *TaskChannel[In, Out]) bool
	done    chan struct{}
}

// NewTaskChannel starts the worker goroutine.
func NewTaskChannel[In, Out any](handler func(In, *TaskChannel[In, Out]) bool) *TaskChannel[In, Out] {
	tc := &TaskChannel[In, Out]{
		in:      newQueue[In](),
		out:     newQueue[Out](),
		handler: handler,
		done:    make(chan struct{}),
	}
	go tc.run()
	return tc
}

func (tc *TaskChannel[In, Out]) run() {
	defer close(tc.done)
	defer tc.out.close()
	for {
		v, _ := tc.in.pop(true)
		if tc.call(v) {
			return
		}
	}
}

// call runs the handler for one input. A panic is logged and the worker
// keeps going.
func (tc *TaskChannel[In, Out]) call(v In) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("task handler panicked")
			stop = false
		}
	}()
	return tc.handler(v, tc)
}

// PushInput queues v for the worker.
func (tc *TaskChannel[In, Out]) PushInput(v In) { tc.in.push(v) }

// PushOutput queues a result for the consumer. It is normally called from
// the handler.
func (tc *TaskChannel[In, Out]) PushOutput(v Out) { tc.out.push(v) }

// PopInput removes the oldest input. With wait it blocks until one exists.
func (tc *TaskChannel[In, Out]) PopInput(wait bool) (In, bool) { return tc.in.pop(wait) }

// PopOutput removes the oldest output. With wait it blocks until one exists
// or the worker has exited.
func (tc *TaskChannel[In, Out]) PopOutput(wait bool) (Out, bool) { return tc.out.pop(wait) }

// TryPopOutput is PopOutput(false).
func (tc *TaskChannel[In, Out]) TryPopOutput() (Out, bool) { return tc.out.pop(false) }

// Join waits for the worker goroutine to exit. It may be called any number
// of times.
func (tc *TaskChannel[In, Out]) Join() { <-tc.done }

// Done is closed when the worker exits.
func (tc *TaskChannel[In, Out]) Done() <-chan struct{} { return tc.done }
