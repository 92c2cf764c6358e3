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

// RendezvousFunc transforms the slot vector collected from all
// parties of one cycle, in place, on the last-arriving party's
// goroutine. It may return an error (or panic, which is recovered
// into one), which poisons the cycle for every party.
type RendezvousFunc[T any] func(slots []T) error

// Rotator is the default RendezvousFunc: it left-rotates slots by one,
// so the party that arrived at index i ends up with the contribution
// of the party that arrived at index (i+1) mod len(slots).
func Rotator[T any](slots []T) error {
	n := len(slots)
	if n == 0 {
		return nil
	}
	first := slots[0]
	copy(slots, slots[1:])
	slots[n-1] = first
	return nil
}

// Rendezvous is an N-party cyclic meeting point at which each party
// contributes a value of type T; RendezvousFunc transforms the
// collected vector, and each party returns its (possibly rewritten)
// slot value. It shares Barrier's state machine and failure model.
type Rendezvous[T any] struct {
	parties int
	gate    *semaphore.Semaphore
	mon     *monitor.Monitor

	// monitor-protected
	count     int
	resets    uint64
	broken    bool
	triggered bool
	slots     []T
	fn        RendezvousFunc[T]

	logger *slog.Logger
}

// RendezvousOption configures a Rendezvous at construction.
type RendezvousOption[T any] func(*Rendezvous[T])

// WithRendezvousLogger overrides the *slog.Logger used for
// debug-level state transition logging.
func WithRendezvousLogger[T any](logger *slog.Logger) RendezvousOption[T] {
	return func(r *Rendezvous[T]) { r.logger = logger }
}

// NewRendezvous constructs a Rendezvous for the given number of
// parties. A nil fn defaults to Rotator[T]. It fails with
// KindInitialization if parties <= 0.
func NewRendezvous[T any](parties int, fn RendezvousFunc[T], opts ...RendezvousOption[T]) (*Rendezvous[T], error) {
	if parties <= 0 {
		return nil, newErr("NewRendezvous", KindInitialization)
	}
	if fn == nil {
		fn = Rotator[T]
	}
	r := &Rendezvous[T]{
		parties: parties,
		gate:    semaphore.New(parties),
		mon:     monitor.New(),
		fn:      fn,
		slots:   make([]T, 0, parties+2),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Parties returns the fixed number of parties.
func (r *Rendezvous[T]) Parties() int { return r.parties }

// Broken reports whether the current cycle has been poisoned.
func (r *Rendezvous[T]) Broken() bool {
	r.mon.Lock()
	defer r.mon.Unlock()
	return r.broken
}

// Interrupt latches the interrupt flag on both the monitor and the
// entry gate.
func (r *Rendezvous[T]) Interrupt() {
	r.mon.Interrupt()
	r.gate.Interrupt()
}

// Close tears the Rendezvous down the same way Barrier.Close does.
func (r *Rendezvous[T]) Close() {
	r.Interrupt()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	r.mon.Lock()
	// The latched interrupt makes mon.Wait return at once, so poll until
	// the parties still inside have observed it and left.
	for r.count > 0 && ctx.Err() == nil {
		r.mon.Unlock()
		time.Sleep(time.Millisecond)
		r.mon.Lock()
	}
	r.mon.Unlock()
}

// Exchange contributes v to the current cycle and blocks until every
// party has contributed, then returns this party's (possibly
// rewritten, per fn) slot value.
func (r *Rendezvous[T]) Exchange(ctx context.Context, v T) (T, error) {
	const op = "Rendezvous.Exchange"
	var zero T

	r.mon.Lock()
	if r.mon.Interrupted() {
		r.mon.Unlock()
		return zero, newErr(op, KindInterrupted)
	}
	if r.triggered || r.broken || r.gate.Permits() == 0 {
		r.mon.Unlock()
		return zero, newErr(op, KindIllegalState)
	}
	r.mon.Unlock()

	if err := r.gate.Acquire(ctx); err != nil {
		switch {
		case errors.Is(err, semaphore.ErrInterrupted):
			return zero, newErr(op, KindInterrupted)
		case errors.Is(err, semaphore.ErrTimeout):
			return zero, newErr(op, KindTimeout)
		default:
			return zero, newErr(op, KindIllegalState)
		}
	}

	r.mon.Lock()
	resetsSnapshot := r.resets
	index := r.count
	r.count++
	r.slots = append(r.slots, v)
	r.logf("admitted", "index", index, "resets", resetsSnapshot)

	abort := func(kind Kind, cause error) (T, error) {
		r.count--
		if r.count > 0 {
			r.broken = true
			r.mon.Broadcast()
		} else {
			r.resetRendezvous()
		}
		r.mon.Unlock()
		if cause != nil {
			return zero, newErrCause(op, kind, cause)
		}
		return zero, newErr(op, kind)
	}

	for {
		if r.mon.Interrupted() {
			return abort(KindInterrupted, nil)
		}
		if resetsSnapshot != r.resets {
			return abort(KindIllegalState, nil)
		}
		if r.broken {
			return abort(KindBroken, nil)
		}
		if r.triggered {
			result := r.slots[index]
			r.count--
			if r.count > 0 {
				r.mon.Signal()
			} else {
				r.resetRendezvous()
			}
			r.mon.Unlock()
			return result, nil
		}
		if r.gate.Permits() > 0 {
			werr := r.mon.Wait(ctx)
			if werr != nil {
				if errors.Is(werr, monitor.ErrInterrupted) {
					return abort(KindInterrupted, nil)
				}
				if r.triggered || r.broken {
					continue
				}
				return abort(KindTimeout, nil)
			}
			continue
		}

		// We are the last party: run fn over the collected slots
		// under the lock, before anyone is released.
		fnErr := r.runFunc()
		if fnErr != nil {
			return abort(KindBroken, fnErr)
		}
		r.triggered = true
		r.logf("triggered", "resets", resetsSnapshot)
		r.mon.Broadcast()
		continue
	}
}

// WaitReset has identical semantics to Barrier.WaitReset.
func (r *Rendezvous[T]) WaitReset(ctx context.Context) error {
	const op = "Rendezvous.WaitReset"

	r.mon.Lock()
	defer r.mon.Unlock()

	resetsSnapshot := r.resets
	waitCtx := ctx
	forced := false

	for resetsSnapshot == r.resets {
		if r.count > 0 {
			werr := r.mon.Wait(waitCtx)
			if werr != nil {
				if errors.Is(werr, monitor.ErrInterrupted) {
					return newErr(op, KindInterrupted)
				}
				forced = true
				r.broken = true
				r.mon.Broadcast()
				waitCtx = context.Background()
			}
			continue
		}
		r.resetRendezvous()
		break
	}

	if forced {
		return newErr(op, KindTimeout)
	}
	return nil
}

// resetRendezvous returns the rendezvous to its idle state, clears the
// slot vector, and tops up the entry gate. Must be called with the
// monitor lock held.
func (r *Rendezvous[T]) resetRendezvous() {
	r.broken = false
	r.triggered = false
	r.count = 0
	r.slots = r.slots[:0]
	if missing := r.parties - r.gate.Permits(); missing > 0 {
		r.gate.Release(missing)
	}
	r.resets++
	r.mon.Reset()
	r.gate.Reset()
	r.mon.Broadcast()
	r.logf("reset", "resets", r.resets)
}

func (r *Rendezvous[T]) runFunc() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rendezvous function panicked: %v", rec)
		}
	}()
	return r.fn(r.slots)
}

func (r *Rendezvous[T]) logf(msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Debug(msg, append([]any{"component", "rendezvous", "parties", r.parties}, args...)...)
}
