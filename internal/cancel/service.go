// Package cancel tracks in-flight cancellable work so that one worker can ask
// another to stop. Cancellation is cooperative: owners poll their handle at
// safe checkpoints and unwind on their own.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRegistered is returned by Register when key already has a live
// handle.
var ErrAlreadyRegistered = errors.New("cancel handle already registered")

// ErrCancelled is what owners return when they stop because of a signal.
var ErrCancelled = errors.New("operation cancelled")

// Key is the identity of a cancellable operation: one per job type and
// repository.
func Key(jobType, repoURI string) string {
	return jobType + ":" + repoURI
}

// Handle is the owner's side of a registration.
type Handle struct {
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Key returns the identity the handle was registered under.
func (h *Handle) Key() string { return h.key }

// Context is cancelled when the handle is signalled.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled reports whether a cancel has been requested.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Checkpoint returns ErrCancelled once the handle is signalled.
func (h *Handle) Checkpoint() error {
	if h.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Done is closed when the owner unregisters.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Service is the in-memory registry of live handles. The zero value is not
// usable; call New.
type Service struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func New() *Service {
	return &Service{handles: make(map[string]*Handle)}
}

// Register creates a handle for key whose context derives from parent.
func (s *Service) Register(parent context.Context, key string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[key]; ok {
		return nil, ErrAlreadyRegistered
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{key: key, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.handles[key] = h
	return h, nil
}

// Cancel signals the handle for key. It reports whether one was live; a
// missing handle is not an error.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Unregister removes h and releases anyone waiting on it. Unregistering a
// handle that was already removed is a no-op.
func (s *Service) Unregister(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if cur, ok := s.handles[h.key]; ok && cur == h {
		delete(s.handles, h.key)
		close(h.done)
	}
	s.mu.Unlock()
	h.cancel()
}

// Active reports whether key has a live handle.
func (s *Service) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}

// CancelAndWait signals key and waits up to timeout for its owner to
// unregister. It returns true when there was nothing to cancel or the owner
// acknowledged in time.
func (s *Service) CancelAndWait(ctx context.Context, key string, timeout time.Duration) bool {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return true
	}
	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
