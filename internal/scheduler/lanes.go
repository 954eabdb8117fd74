package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// task is a unit of work bound to a lane.
type task struct {
	key    string
	fn     func(context.Context) error
	ctx    context.Context
	result chan error
}

// lane is the FIFO for a single key.
type lane struct {
	tasks     chan *task
	closed    bool // guarded by Lanes.mu
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Lanes provides per-key FIFO execution. Tasks sharing a key run one at a
// time in enqueue order; different keys run in parallel. A worker exits
// after idleTimeout without work and is recreated on demand.
type Lanes struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	wg          sync.WaitGroup
	closed      atomic.Bool
	idleTimeout time.Duration
	queueSize   int
}

// NewLanes creates a lane set.
func NewLanes(queueSize int, idleTimeout time.Duration) *Lanes {
	if queueSize <= 0 {
		queueSize = 64
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Lanes{
		lanes:       make(map[string]*lane),
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
	}
}

// Enqueue appends fn to the lane for key and returns a channel that receives
// its error once it has run. It never blocks: a full lane yields ErrQueueFull.
func (l *Lanes) Enqueue(ctx context.Context, key string, fn func(context.Context) error) (<-chan error, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	t := &task{key: key, fn: fn, ctx: ctx, result: make(chan error, 1)}

	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.lanes[key]
	if ln == nil {
		ln = &lane{
			tasks:   make(chan *task, l.queueSize),
			closeCh: make(chan struct{}),
		}
		l.lanes[key] = ln
		l.wg.Add(1)
		go l.worker(key, ln)
	}
	if ln.closed {
		return nil, ErrLaneClosed
	}
	select {
	case ln.tasks <- t:
		return t.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// retire removes ln if it has no queued work. The check and the removal
// happen under the same lock Enqueue uses, so no task is stranded.
func (l *Lanes) retire(key string, ln *lane, force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !force && len(ln.tasks) > 0 {
		return false
	}
	ln.closed = true
	if l.lanes[key] == ln {
		delete(l.lanes, key)
	}
	return true
}

func (l *Lanes) worker(key string, ln *lane) {
	defer l.wg.Done()

	idle := time.NewTimer(l.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t := <-ln.tasks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			l.run(t)
			idle.Reset(l.idleTimeout)

		case <-idle.C:
			if l.retire(key, ln, false) {
				return
			}
			idle.Reset(l.idleTimeout)

		case <-ln.closeCh:
			l.mu.Lock()
			ln.closed = true
			l.mu.Unlock()
			// Tasks already accepted still run, in order.
			for {
				select {
				case t := <-ln.tasks:
					l.run(t)
				default:
					l.retire(key, ln, true)
					return
				}
			}
		}
	}
}

func (l *Lanes) run(t *task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: lane %s: %v", ErrPanic, t.key, r)
			}
		}()
		err = t.fn(t.ctx)
	}()
	t.result <- err
	close(t.result)
}

// Pending returns the number of queued tasks for key, excluding one that is
// running.
func (l *Lanes) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln := l.lanes[key]; ln != nil {
		return len(ln.tasks)
	}
	return 0
}

// Active returns the number of lanes with a live worker.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Shutdown stops accepting work, lets queued tasks finish and waits for the
// workers or ctx.
func (l *Lanes) Shutdown(ctx context.Context) error {
	l.closed.Store(true)

	l.mu.Lock()
	for _, ln := range l.lanes {
		ln.closeOnce.Do(func() { close(ln.closeCh) })
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
