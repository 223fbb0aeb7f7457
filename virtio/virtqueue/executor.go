package virtqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is one step of a task. It returns true once the task is done;
// otherwise it must have arranged for w to be woken.
type TaskFunc func(w Waker) bool

type task struct {
	fn     TaskFunc
	queued atomic.Bool
	done   bool
}

// Executor runs tasks cooperatively on the goroutine that calls Run. A task
// is polled again only after it is woken, or after it has been parked for
// the idle interval so a missed interrupt cannot stall it.
type Executor struct {
	mu    sync.Mutex
	ready []*task
	all   []*task
	wake  chan struct{}

	// Idle is how long Run sleeps before re-polling every parked task.
	Idle time.Duration
}

// NewExecutor returns an empty executor.
func NewExecutor() *Executor {
	return &Executor{wake: make(chan struct{}, 1), Idle: pollInterval}
}

// Spawn adds a task. It is first polled by the next Run iteration.
func (e *Executor) Spawn(fn TaskFunc) {
	t := &task{fn: fn}
	e.mu.Lock()
	e.all = append(e.all, t)
	e.mu.Unlock()
	e.schedule(t)
}

func (e *Executor) schedule(t *task) {
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	e.ready = append(e.ready, t)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run polls tasks until all are done or ctx ends.
func (e *Executor) Run(ctx context.Context) error {
	idle := time.NewTimer(e.Idle)
	defer idle.Stop()
	for {
		e.mu.Lock()
		batch := e.ready
		e.ready = nil
		e.mu.Unlock()

		for _, t := range batch {
			t.queued.Store(false)
			if t.done {
				continue
			}
			t.done = t.fn(WakerFunc(func() { e.schedule(t) }))
		}

		e.mu.Lock()
		live := e.all[:0]
		for _, t := range e.all {
			if !t.done {
				live = append(live, t)
			}
		}
		e.all = live
		remaining := len(live)
		pending := len(e.ready)
		e.mu.Unlock()

		if remaining == 0 {
			return nil
		}
		if pending > 0 {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(e.Idle)
		select {
		case <-e.wake:
		case <-idle.C:
			e.mu.Lock()
			parked := append([]*task(nil), e.all...)
			e.mu.Unlock()
			for _, t := range parked {
				e.schedule(t)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
