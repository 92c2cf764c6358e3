package cyclic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gosync/cyclic/internal/monitor"
	"github.com/gosync/cyclic/internal/semaphore"
)

// SynchValue is a waitable cell over a value of type T: WaitValue
// blocks until the cell equals a requested value, and SetValue only
// returns once every party that was waiting at the moment it took
// effect has observed the new value (or left via interrupt/timeout).
type SynchValue[T any] struct {
	mon *monitor.Monitor

	valueMu sync.Mutex // serializes SetValue callers
	value   T
	eq      func(a, b T) bool

	waitersCount int // monitor-protected: threads currently parked in mon.Wait
	ack          *semaphore.Semaphore

	logger *slog.Logger
}

// NewSynchValue constructs a SynchValue with the default equality
// comparator (==), for comparable T.
func NewSynchValue[T comparable](initial T) *SynchValue[T] {
	return NewSynchValueFunc(initial, func(a, b T) bool { return a == b })
}

// NewSynchValueFunc constructs a SynchValue with a pluggable equality
// comparator, for T that is not comparable.
func NewSynchValueFunc[T any](initial T, eq func(a, b T) bool) *SynchValue[T] {
	return &SynchValue[T]{
		mon:    monitor.New(),
		value:  initial,
		eq:     eq,
		ack:    semaphore.New(0),
		logger: slog.Default(),
	}
}

// GetValue returns the current value.
func (s *SynchValue[T]) GetValue() T {
	s.valueMu.Lock()
	defer s.valueMu.Unlock()
	return s.value
}

// SetValue publishes v and blocks until every party that was inside
// WaitValue at the moment the new value took effect has acknowledged
// it — by observing it and returning, or by leaving via interrupt or
// timeout. It returns 0 on success; -1 if any acknowledgement could
// not be collected (collection still runs to completion regardless).
func (s *SynchValue[T]) SetValue(v T) (int, error) {
	const op = "SynchValue.SetValue"

	s.valueMu.Lock()
	defer s.valueMu.Unlock()

	s.mon.Lock()
	if s.mon.Interrupted() {
		s.mon.Unlock()
		return -1, newErr(op, KindInterrupted)
	}
	s.value = v
	waiterCount := s.waitersCount
	if waiterCount > 0 {
		s.mon.Broadcast()
	}
	s.mon.Unlock()
	if s.logger != nil {
		s.logger.Debug("set", "component", "synchvalue", "waiters", waiterCount)
	}

	result := 0
	var firstErr error
	for i := 0; i < waiterCount; i++ {
		if err := s.ack.Acquire(context.Background()); err != nil {
			result = -1
			if firstErr == nil {
				firstErr = newErrCause(op, KindInterrupted, err)
			}
		}
	}
	return result, firstErr
}

// WaitValue blocks until the cell equals v (per the configured
// comparator) or ctx is done. It returns 0 once the value is
// observed to match.
//
// A waiter registers itself (waitersCount++) only for the duration of
// one mon.Wait call, and releases one ack immediately after that call
// returns, whatever the outcome — a SetValue snapshots waitersCount
// and expects exactly one ack per waiter it counted, and a waiter
// whose target doesn't match the published value re-registers for the
// next round instead of holding its ack hostage until it finally
// returns.
func (s *SynchValue[T]) WaitValue(ctx context.Context, v T) (int, error) {
	const op = "SynchValue.WaitValue"

	s.mon.Lock()
	defer s.mon.Unlock()

	for {
		if s.mon.Interrupted() {
			return -1, newErr(op, KindInterrupted)
		}
		if s.eq(s.value, v) {
			return 0, nil
		}

		s.waitersCount++
		werr := s.mon.Wait(ctx)
		s.waitersCount--
		s.ack.Release(1)

		if werr != nil {
			if errors.Is(werr, monitor.ErrInterrupted) {
				return -1, newErr(op, KindInterrupted)
			}
			// ErrTimeout: one last check before surfacing it, in case
			// the value changed in the same instant the deadline fired.
			if s.eq(s.value, v) {
				return 0, nil
			}
			return -1, newErr(op, KindTimeout)
		}
	}
}
