// ABOUTME: Single-goroutine FIFO task runner
// ABOUTME: Serializes control operations and runs delayed one-shot tasks
package taskloop

import (
	"context"
	"sync"
	"time"
)

// Task is a unit of work run on the loop goroutine
type Task func()

// Loop runs posted tasks one at a time, in the order they were posted.
// Posting never blocks.
type Loop struct {
	name string

	mu       sync.Mutex
	queue    []Task
	stopping bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a loop goroutine
func New(name string) *Loop {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Loop{
		name:   name,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.run()
	return l
}

// Name returns the loop name used in logs
func (l *Loop) Name() string {
	return l.name
}

// Post queues task. Returns false if the loop is stopping or stopped.
func (l *Loop) Post(task Task) bool {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostAndReply queues task and runs reply on the loop right after it
func (l *Loop) PostAndReply(task Task, reply Task) bool {
	return l.Post(func() {
		task()
		if reply != nil {
			reply()
		}
	})
}

// PostDelayed schedules task to be posted after d. The returned timer must
// only be stopped from the loop goroutine.
func (l *Loop) PostDelayed(d time.Duration, task Task) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			task()
		})
	})
	return t
}

// Stop lets already queued tasks run, then ends the loop.
// Safe to call from a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Context is cancelled when the loop exits
func (l *Loop) Context() context.Context {
	return l.ctx
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.cancel()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopping := l.stopping
			l.mu.Unlock()
			if stopping {
				return
			}
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// Timer is a cancellable delayed task
type Timer struct {
	timer   *time.Timer
	stopped bool // loop goroutine only
}

// Stop cancels the timer. Must be called on the loop goroutine; after it
// returns the task is guaranteed not to run.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}
