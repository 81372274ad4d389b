// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package stop provides the Stopper, the canonical owner of all background
// work in a process. Every goroutine that outlives its spawning function is
// launched through a Stopper so that shutdown can quiesce them all.
package stop

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
)

// ErrUnavailable indicates that the server is quiescing and is unable to
// process new work.
var ErrUnavailable = errors.New("node unavailable; try another peer")

// Closer is an interface for objects to attach to the stopper to be closed
// once the stopper completes.
type Closer interface {
	Close()
}

// CloserFn is type that allows any function to be a Closer.
type CloserFn func()

// Close implements the Closer interface.
func (f CloserFn) Close() {
	f()
}

// A Stopper provides control over the lifecycle of goroutines started through
// it via its RunTask and RunAsyncTask methods.
//
// When Stop is invoked, the Stopper:
//
//   - it invokes Quiesce, which causes the Stopper to refuse new work, and
//     closes the channel returned by ShouldQuiesce to signal running tasks to
//     wind down;
//   - it waits for all active tasks to finish;
//   - it runs all the Closers registered via AddCloser.
//
// The Stopper is careful to be usable from tasks it owns: Stop may be called
// from any goroutine except a task itself.
type Stopper struct {
	quiescer chan struct{} // Closed when quiescing
	stopped  chan struct{} // Closed when stopped completely

	mu struct {
		syncutil.Mutex
		quiescing  bool
		stopCalled bool
		numTasks   int
		tasksDone  chan struct{} // Signaled on task completion
		closers    []Closer
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	s := &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.mu.tasksDone = make(chan struct{}, 1)
	return s
}

// RunTask adds one to the count of tasks left to quiesce in the system,
// then runs function f synchronously. Returns ErrUnavailable if the Stopper
// is quiescing, in which case the function is not executed.
//
// taskName is used as the "operation" field of the span opened for this task
// and is visible in traces. It is also part of the reason string logged when
// the stopper waits too long for tasks to complete.
func (s *Stopper) RunTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	defer s.runPostlude()
	f(ctx)
	return nil
}

// RunAsyncTask is like RunTask, except the callback f is run in a goroutine.
// The call returns as soon as the goroutine is spawned; it does not wait for
// f to complete.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	go func() {
		defer s.runPostlude()
		f(ctx)
	}()
	return nil
}

func (s *Stopper) runPrelude() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return false
	}
	s.mu.numTasks++
	return true
}

func (s *Stopper) runPostlude() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.numTasks--
	select {
	case s.mu.tasksDone <- struct{}{}:
	default:
	}
}

// NumTasks returns the number of active tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// AddCloser adds an object to close after the stopper has been stopped.
//
// WARNING: memory resources acquired by this method will stay around for
// the lifetime of the Stopper. Use with care to avoid leaking memory.
func (s *Stopper) AddCloser(c Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		// Close immediately; the stopper will not do it for us.
		c.Close()
		return
	}
	s.mu.closers = append(s.mu.closers, c)
}

// WithCancelOnQuiesce returns a child context which is canceled when the
// returned cancel function is called or when the Stopper begins to quiesce,
// whichever happens first.
//
// Canceling this context releases resources associated with it, so code
// should call cancel as soon as the operations running in this Context
// complete.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-s.quiescer:
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		cancel()
		close(stop)
	}
}

// ShouldQuiesce returns a channel which will be closed when Stop has been
// invoked and outstanding tasks should begin to quiesce.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	if s == nil {
		// A nil stopper quiesces forever.
		return nil
	}
	return s.quiescer
}

// IsStopped returns a channel which will be closed after Stop has completed.
func (s *Stopper) IsStopped() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.stopped
}

// Quiesce moves the stopper to the quiescing state: new tasks are refused and
// ShouldQuiesce is closed. It then waits for all active tasks to complete.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		done := s.mu.numTasks == 0
		s.mu.Unlock()
		if done {
			return
		}
		select {
		case <-s.mu.tasksDone:
		case <-time.After(5 * time.Second):
			// Just loop back around and check again; the wait is only here so a
			// wedged task does not hang the process silently with no recourse.
		}
	}
}

// Stop signals all live workers to stop and then waits for each to
// confirm it has stopped, then runs the registered Closers. It is idempotent;
// a second call waits for the first to complete.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.mu.stopCalled {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.mu.stopCalled = true
	s.mu.Unlock()

	s.Quiesce(ctx)
	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
	close(s.stopped)
}
