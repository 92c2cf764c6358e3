// Package cyclic provides cyclic thread-synchronization primitives
// with an all-or-none failure model: Barrier, Rendezvous, and
// SynchValue. Each is a reusable, fixed-party meeting point layered on
// an internal Monitor (mutex + condvar + interrupt flag) and an
// interruptible entry-gate Semaphore.
package cyclic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gosync/cyclic/internal/monitor"
	"github.com/gosync/cyclic/internal/semaphore"
)

// closeTimeout bounds how long Close waits for a cycle to drain
// before giving up, shared by Barrier and Rendezvous.
const closeTimeout = time.Second

// TripAction is the callable a Barrier runs exactly once per
// successful cycle, on the last-arriving party's goroutine, before any
// party is released.
type TripAction func() error

// Barrier is an N-party cyclic meeting point: every party calls Wait
// and blocks until the last party arrives, at which point an optional
// trip action runs and all parties are released atomically. Any
// party's failure (interrupt, timeout, or a trip-action error) poisons
// the current cycle for every other party still inside it.
//
// A Barrier is safe for concurrent use by multiple goroutines, but is
// not reentrant: a party must not call Wait from within the trip
// action.
type Barrier struct {
	parties int
	gate    *semaphore.Semaphore
	mon     *monitor.Monitor

	// monitor-protected
	count      int
	resets     uint64
	broken     bool
	triggered  bool
	tripAction TripAction

	logger *slog.Logger
}

// BarrierOption configures a Barrier at construction.
type BarrierOption func(*Barrier)

// WithTripAction sets the trip action run by the last arriving party.
func WithTripAction(action TripAction) BarrierOption {
	return func(b *Barrier) { b.tripAction = action }
}

// WithLogger overrides the *slog.Logger used for debug-level state
// transition logging. A nil logger (the default if this option is
// omitted) falls back to slog.Default().
func WithLogger(logger *slog.Logger) BarrierOption {
	return func(b *Barrier) { b.logger = logger }
}

// NewBarrier constructs a Barrier for the given number of parties. It
// fails with a KindInitialization error if parties <= 0.
func NewBarrier(parties int, opts ...BarrierOption) (*Barrier, error) {
	if parties <= 0 {
		return nil, newErr("NewBarrier", KindInitialization)
	}
	b := &Barrier{
		parties: parties,
		gate:    semaphore.New(parties),
		mon:     monitor.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Parties returns the fixed number of parties this Barrier was
// constructed with.
func (b *Barrier) Parties() int { return b.parties }

// Broken reports whether the current cycle has been poisoned.
func (b *Barrier) Broken() bool {
	b.mon.Lock()
	defer b.mon.Unlock()
	return b.broken
}

// SetTripAction replaces the trip action. It fails with
// KindIllegalState if a cycle is currently in progress.
func (b *Barrier) SetTripAction(action TripAction) error {
	b.mon.Lock()
	defer b.mon.Unlock()
	if b.count > 0 {
		return newErr("Barrier.SetTripAction", KindIllegalState)
	}
	b.tripAction = action
	return nil
}

// Interrupt latches the interrupt flag on both the monitor and the
// entry gate; every party currently or subsequently waiting fails
// with KindInterrupted until the cycle fully drains and resets.
func (b *Barrier) Interrupt() {
	b.mon.Interrupt()
	b.gate.Interrupt()
}

// Close tears the Barrier down: it interrupts it, then waits up to
// one second for the current cycle to drain, then returns regardless.
// Close never blocks indefinitely and never returns an error; it is
// safe to call from a defer.
func (b *Barrier) Close() {
	b.Interrupt()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	b.mon.Lock()
	// The latched interrupt makes mon.Wait return at once, so poll until
	// the parties still inside have observed it and left.
	for b.count > 0 && ctx.Err() == nil {
		b.mon.Unlock()
		time.Sleep(time.Millisecond)
		b.mon.Lock()
	}
	b.mon.Unlock()
}

// Wait blocks until every party has called Wait on this Barrier (at
// which point it returns this party's arrival index, in
// [0, Parties())), or until ctx is done, or until the cycle is broken
// by another party. A ctx with no deadline (e.g. context.Background())
// waits indefinitely.
func (b *Barrier) Wait(ctx context.Context) (int, error) {
	const op = "Barrier.Wait"

	b.mon.Lock()
	if b.mon.Interrupted() {
		b.mon.Unlock()
		return -1, newErr(op, KindInterrupted)
	}
	if b.triggered || b.broken || b.gate.Permits() == 0 {
		b.mon.Unlock()
		return -1, newErr(op, KindIllegalState)
	}
	b.mon.Unlock()

	if err := b.gate.Acquire(ctx); err != nil {
		switch {
		case errors.Is(err, semaphore.ErrInterrupted):
			return -1, newErr(op, KindInterrupted)
		case errors.Is(err, semaphore.ErrTimeout):
			return -1, newErr(op, KindTimeout)
		default:
			return -1, newErr(op, KindIllegalState)
		}
	}

	b.mon.Lock()
	resetsSnapshot := b.resets
	index := b.count
	b.count++
	b.logf("admitted", "index", index, "resets", resetsSnapshot)

	// abort performs the uniform Phase C cleanup shared by every
	// non-triggered exit path: this party gives up its slot, and
	// whichever party's decrement brings the count to zero either
	// poisons the cycle for the rest (if others remain) or resets it
	// (if it was the last one out).
	abort := func(kind Kind, cause error) (int, error) {
		b.count--
		if b.count > 0 {
			b.broken = true
			b.mon.Broadcast()
		} else {
			b.resetBarrier()
		}
		b.mon.Unlock()
		if cause != nil {
			return -1, newErrCause(op, kind, cause)
		}
		return -1, newErr(op, kind)
	}

	for {
		if b.mon.Interrupted() {
			return abort(KindInterrupted, nil)
		}
		if resetsSnapshot != b.resets {
			return abort(KindIllegalState, nil)
		}
		if b.broken {
			return abort(KindBroken, nil)
		}
		if b.triggered {
			b.count--
			if b.count > 0 {
				b.mon.Signal()
			} else {
				b.resetBarrier()
			}
			b.mon.Unlock()
			return index, nil
		}
		if b.gate.Permits() > 0 {
			// Not yet the last party: wait for the trip or a break.
			werr := b.mon.Wait(ctx)
			if werr != nil {
				if errors.Is(werr, monitor.ErrInterrupted) {
					return abort(KindInterrupted, nil)
				}
				if b.triggered || b.broken {
					// The cycle settled while our deadline was
					// expiring; honor the settlement, not the race.
					continue
				}
				return abort(KindTimeout, nil)
			}
			continue
		}

		// We are the last party: run the trip action under the lock,
		// before anyone is released.
		tripErr := b.runTripAction()
		if tripErr != nil {
			return abort(KindBroken, tripErr)
		}
		b.triggered = true
		b.logf("triggered", "resets", resetsSnapshot)
		b.mon.Broadcast()
		continue
	}
}

// WaitReset blocks until the current cycle has fully drained (every
// party has left and the barrier has been reset) or ctx is done. On a
// forced drain (ctx expiring before the cycle drained naturally) it
// marks the barrier broken, wakes every party still inside so they
// observe KindBroken, and keeps waiting without a deadline until the
// drain actually completes — it never returns while parties remain
// inside.
func (b *Barrier) WaitReset(ctx context.Context) error {
	const op = "Barrier.WaitReset"

	b.mon.Lock()
	defer b.mon.Unlock()

	resetsSnapshot := b.resets
	waitCtx := ctx
	forced := false

	for resetsSnapshot == b.resets {
		if b.count > 0 {
			werr := b.mon.Wait(waitCtx)
			if werr != nil {
				if errors.Is(werr, monitor.ErrInterrupted) {
					return newErr(op, KindInterrupted)
				}
				forced = true
				b.broken = true
				b.mon.Broadcast()
				waitCtx = context.Background()
			}
			continue
		}
		b.resetBarrier()
		break
	}

	if forced {
		return newErr(op, KindTimeout)
	}
	return nil
}

// resetBarrier returns the barrier to its idle state and tops up the
// entry gate. Must be called with the monitor lock held.
func (b *Barrier) resetBarrier() {
	b.broken = false
	b.triggered = false
	b.count = 0
	if missing := b.parties - b.gate.Permits(); missing > 0 {
		b.gate.Release(missing)
	}
	b.resets++
	b.mon.Reset()
	b.gate.Reset()
	b.mon.Broadcast()
	b.logf("reset", "resets", b.resets)
}

func (b *Barrier) runTripAction() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trip action panicked: %v", r)
		}
	}()
	if b.tripAction != nil {
		err = b.tripAction()
	}
	return err
}

func (b *Barrier) logf(msg string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Debug(msg, append([]any{"component", "barrier", "parties", b.parties}, args...)...)
}
