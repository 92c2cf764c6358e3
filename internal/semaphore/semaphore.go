// Package semaphore provides an interruptible, context-aware counting
// semaphore — the entry gate the cyclic primitives use to admit one
// party at a time into the current cycle.
package semaphore

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is returned once Interrupt has latched.
var ErrInterrupted = errors.New("semaphore: interrupted")

// ErrTimeout is returned when ctx expires before a permit is available.
var ErrTimeout = errors.New("semaphore: timeout")

// Semaphore is a counting semaphore with a latched interrupt flag.
type Semaphore struct {
	mu          sync.Mutex
	permits     int
	interrupted bool
	wakeCh      chan struct{}
}

// New returns a Semaphore initialized with the given number of
// permits.
func New(permits int) *Semaphore {
	if permits < 0 {
		permits = 0
	}
	return &Semaphore{permits: permits, wakeCh: make(chan struct{})}
}

// Acquire blocks until a permit is available, ctx is done, or the
// semaphore is interrupted. On success it consumes one permit.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	for {
		if s.interrupted {
			s.mu.Unlock()
			return ErrInterrupted
		}
		if s.permits > 0 {
			s.permits--
			s.mu.Unlock()
			return nil
		}

		wake := s.wakeCh
		var done <-chan struct{}
		if ctx != nil {
			done = ctx.Done()
		}

		s.mu.Unlock()
		select {
		case <-wake:
		case <-done:
		}
		s.mu.Lock()

		select {
		case <-wake:
			// pinged; loop and re-check permits/interrupted
		default:
			if ctx != nil && ctx.Err() != nil {
				s.mu.Unlock()
				return ErrTimeout
			}
		}
	}
}

// Release returns n permits to the semaphore, waking any waiters.
func (s *Semaphore) Release(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.permits += n
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
	s.mu.Unlock()
}

// Permits reports the number of permits currently available.
func (s *Semaphore) Permits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

// Interrupt latches the interrupt flag, failing the current and all
// future Acquire calls until Reset.
func (s *Semaphore) Interrupt() {
	s.mu.Lock()
	if !s.interrupted {
		s.interrupted = true
		close(s.wakeCh)
		s.wakeCh = make(chan struct{})
	}
	s.mu.Unlock()
}

// Reset clears the interrupt flag.
func (s *Semaphore) Reset() {
	s.mu.Lock()
	s.interrupted = false
	s.mu.Unlock()
}
