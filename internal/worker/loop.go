package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopStopped is returned when waiting on a loop that has stopped
var ErrLoopStopped = errors.New("loop stopped")

// Loop runs jobs one at a time on a single goroutine. Every access to the
// JavaScript runtime happens inside a loop job.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// NewLoop creates a loop. Jobs queue up until Run is called.
func NewLoop() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Run processes jobs until Stop is called
func (l *Loop) Run() {
	defer close(l.exited)
	for {
		for l.runOne() {
		}
		select {
		case <-l.notify:
		case <-l.stop:
			return
		}
	}
}

// Execute queues job. Jobs queued after Stop are dropped.
func (l *Loop) Execute(job func()) {
	l.mu.Lock()
	select {
	case <-l.stop:
		l.mu.Unlock()
		return
	default:
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It must not be called from
// a loop job.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Execute(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrLoopStopped
	}
}

// Await keeps running queued jobs until done is closed. It is called from
// inside a loop job that must wait for other jobs, such as a function
// stub waiting for the host's reply while the host calls back in.
func (l *Loop) Await(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		if l.runOne() {
			continue
		}
		select {
		case <-done:
			return nil
		case <-l.notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return ErrLoopStopped
		}
	}
}

// Stop ends the loop after the running job. Queued jobs are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		close(l.stop)
		l.queue = nil
		l.mu.Unlock()
	})
}

// Stopped is closed once Stop has been called
func (l *Loop) Stopped() <-chan struct{} {
	return l.stop
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.exited
}

func (l *Loop) runOne() bool {
	l.mu.Lock()
	select {
	case <-l.stop:
		l.mu.Unlock()
		return false
	default:
	}
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	job := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.mu.Unlock()

	job()
	return true
}
