// Package presenter provides the single goroutine that owns state observed by the
// presentation layer. Everything that mutates that state is posted to a Loop and runs there
// in order, one task at a time.
package presenter

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Sync once the loop no longer runs tasks.
var ErrStopped = errors.New("presentation loop stopped")

type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}

	quit     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// NewLoop returns a loop whose queue starts with room for queueSize tasks. The queue grows
// as needed so posting never waits on the loop.
func NewLoop(queueSize int, logger *zap.Logger) *Loop {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Loop{
		logger:   logger.Named("presenter"),
		pending:  make([]func(), 0, queueSize),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is done or Stop is called, then runs whatever is
// still queued and returns. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.finished)
	for {
		select {
		case <-l.wake:
			l.runPending()
		case <-ctx.Done():
			l.Stop()
			l.runPending()
			return
		case <-l.quit:
			l.runPending()
			return
		}
	}
}

// Post queues fn to run on the loop and returns immediately. It returns false if the loop
// has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every task posted before it has run. It returns ErrStopped if the loop
// stopped first, or ctx's error if ctx ends first.
func (l *Loop) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.finished:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks Run to return. Tasks already posted still run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.finished
}

// runPending executes queued tasks until the queue is empty, including tasks they post.
func (l *Loop) runPending() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("presentation task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
