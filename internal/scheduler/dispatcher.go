package scheduler

import (
	"context"
	"sync"
)

// Handler runs a firing and reports its outcome
type Handler func(ctx context.Context, firing Firing) Result

// Dispatcher delivers firings to the handler bound by the work manager
type Dispatcher interface {
	// Bind installs the handler that executes firings
	Bind(ctx context.Context, handler Handler) error

	// Dispatch delivers a firing and waits for its result
	Dispatch(ctx context.Context, firing Firing) (Result, error)

	Close() error
}

// LocalDispatcher runs firings in the calling goroutine
type LocalDispatcher struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// NewLocalDispatcher creates an in-process dispatcher
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{}
}

// Bind implements Dispatcher
func (d *LocalDispatcher) Bind(_ context.Context, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return nil
}

// Dispatch implements Dispatcher
func (d *LocalDispatcher) Dispatch(ctx context.Context, firing Firing) (Result, error) {
	d.mu.RLock()
	handler, closed := d.handler, d.closed
	d.mu.RUnlock()

	if closed {
		return ResultRetry, ErrDispatcherClosed
	}
	if handler == nil {
		return ResultRetry, ErrNoWorker
	}
	return handler(ctx, firing), nil
}

// Close implements Dispatcher
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
