package watcher

import (
	"sync"
	"sync/atomic"
)

// ShutdownSignal is a cooperative cancellation token shared between the caller and the watcher task.
//
// stop is written by callers and never reset. finished is written once by the watcher when its task exits.
type ShutdownSignal struct {
	stop       atomic.Bool
	finished   atomic.Bool
	stopOnce   sync.Once
	finishOnce sync.Once
	stopCh     chan struct{}
	finishedCh chan struct{}
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{
		stopCh:     make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
}

// Shutdown requests the watcher to stop. Calling it more than once is a no-op.
func (s *ShutdownSignal) Shutdown() {
	s.stopOnce.Do(func() {
		s.stop.Store(true)
		close(s.stopCh)
	})
}

func (s *ShutdownSignal) IsShutdown() bool {
	return s.stop.Load()
}

func (s *ShutdownSignal) IsFinished() bool {
	return s.finished.Load()
}

// Done is closed once shutdown has been requested.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.stopCh
}

// Finished is closed once the watcher task has exited.
func (s *ShutdownSignal) Finished() <-chan struct{} {
	return s.finishedCh
}

func (s *ShutdownSignal) finish() {
	s.finishOnce.Do(func() {
		s.finished.Store(true)
		close(s.finishedCh)
	})
}
