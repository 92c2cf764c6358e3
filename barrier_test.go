package cyclic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBarrier_InvalidParties(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := NewBarrier(n); !IsKind(err, KindInitialization) {
			t.Errorf("NewBarrier(%d): expected KindInitialization, got %v", n, err)
		}
	}
}

func TestBarrier_Basic(t *testing.T) {
	const parties = 3
	var tripped int32
	b, err := NewBarrier(parties, WithTripAction(func() error {
		atomic.AddInt32(&tripped, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	var wg sync.WaitGroup
	indexes := make([]int, parties)
	errs := make([]error, parties)
	wg.Add(parties)
	for i := 0; i < parties; i++ {
		i := i
		go func() {
			defer wg.Done()
			idx, err := b.Wait(context.Background())
			indexes[i] = idx
			errs[i] = err
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("party %d: unexpected error %v", i, err)
		}
		if indexes[i] < 0 || indexes[i] >= parties {
			t.Fatalf("party %d: index %d out of range", i, indexes[i])
		}
		seen[indexes[i]] = true
	}
	if len(seen) != parties {
		t.Fatalf("expected %d distinct indexes, got %v", parties, seen)
	}
	if atomic.LoadInt32(&tripped) != 1 {
		t.Fatalf("expected trip action to run exactly once, ran %d times", tripped)
	}
	if b.Broken() {
		t.Fatal("expected barrier not broken")
	}
}

func TestBarrier_TimeoutBreaksRemainingParties(t *testing.T) {
	const parties = 3
	var tripped int32
	b, err := NewBarrier(parties, WithTripAction(func() error {
		atomic.AddInt32(&tripped, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
			defer cancel()
			_, err := b.Wait(ctx)
			results <- err
		}()
	}

	var timeouts, broken int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case IsKind(err, KindTimeout):
			timeouts++
		case IsKind(err, KindBroken):
			broken++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if timeouts+broken != 2 {
		t.Fatalf("expected 2 outcomes across timeout/broken, got %d+%d", timeouts, broken)
	}
	if atomic.LoadInt32(&tripped) != 0 {
		t.Fatal("trip action must not have run")
	}
}

func TestBarrier_TooManyPartiesIsIllegalState(t *testing.T) {
	const parties = 2
	b, err := NewBarrier(parties)
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := b.Wait(ctx)
			results <- err
		}()
	}

	var ok, illegal int
	for i := 0; i < 3; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case IsKind(err, KindIllegalState):
			illegal++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 2 || illegal != 1 {
		t.Fatalf("expected 2 successes and 1 illegal state, got %d/%d", ok, illegal)
	}
}

func TestBarrier_WaitResetClean(t *testing.T) {
	const parties = 4
	var tripped int32
	b, err := NewBarrier(parties, WithTripAction(func() error {
		atomic.AddInt32(&tripped, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, parties)
	for i := 0; i < parties; i++ {
		go func() {
			_, err := b.Wait(context.Background())
			results <- err
		}()
	}
	for i := 0; i < parties; i++ {
		if err := <-results; err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := b.WaitReset(ctx); err != nil {
		t.Fatalf("WaitReset: %v", err)
	}
	if b.Broken() {
		t.Fatal("expected barrier not broken after clean drain")
	}
	if atomic.LoadInt32(&tripped) != 1 {
		t.Fatalf("expected trip action to run exactly once, ran %d times", tripped)
	}
}

func TestBarrier_WaitResetTimeoutForcesBreak(t *testing.T) {
	const parties = 3
	var tripped int32
	b, err := NewBarrier(parties, WithTripAction(func() error {
		atomic.AddInt32(&tripped, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, parties-1)
	for i := 0; i < parties-1; i++ {
		go func() {
			_, err := b.Wait(context.Background())
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err = b.WaitReset(ctx)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("WaitReset: expected KindTimeout, got %v", err)
	}
	if !b.Broken() {
		t.Fatal("expected barrier broken after forced drain")
	}

	for i := 0; i < parties-1; i++ {
		if perr := <-results; !IsKind(perr, KindBroken) {
			t.Fatalf("party: expected KindBroken, got %v", perr)
		}
	}
	if atomic.LoadInt32(&tripped) != 0 {
		t.Fatal("trip action must not have run")
	}
}

func TestBarrier_TripActionErrorBreaksCycle(t *testing.T) {
	const parties = 2
	sentinel := errors.New("boom")
	b, err := NewBarrier(parties, WithTripAction(func() error {
		return sentinel
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, parties)
	for i := 0; i < parties; i++ {
		go func() {
			_, err := b.Wait(context.Background())
			results <- err
		}()
	}
	// Only the last party, whose trip action failed, carries the cause;
	// the other party just observes the broken cycle.
	wrapped := 0
	for i := 0; i < parties; i++ {
		err := <-results
		if !IsKind(err, KindBroken) {
			t.Fatalf("expected KindBroken, got %v", err)
		}
		if errors.Is(err, sentinel) {
			wrapped++
		}
	}
	if wrapped != 1 {
		t.Fatalf("expected exactly one error to wrap sentinel, got %d", wrapped)
	}
}

func TestBarrier_SingleParty(t *testing.T) {
	ran := false
	b, err := NewBarrier(1, WithTripAction(func() error {
		ran = true
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}
	idx, err := b.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
	if !ran {
		t.Fatal("expected trip action to run on the calling goroutine")
	}
}

func TestBarrier_Cyclic(t *testing.T) {
	const parties = 5
	const rounds = 20
	var tripped int32
	b, err := NewBarrier(parties, WithTripAction(func() error {
		atomic.AddInt32(&tripped, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(parties)
	for i := 0; i < parties; i++ {
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				// Re-entering before the previous cycle has drained is
				// refused with KindIllegalState; retry until admitted.
				_, err := b.Wait(context.Background())
				for IsKind(err, KindIllegalState) {
					_, err = b.Wait(context.Background())
				}
				if err != nil {
					t.Errorf("round %d: %v", r, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&tripped); got != rounds {
		t.Fatalf("expected %d trips, got %d", rounds, got)
	}
}

func TestBarrier_InterruptReleasesAllParties(t *testing.T) {
	const parties = 3
	b, err := NewBarrier(parties)
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, parties-1)
	for i := 0; i < parties-1; i++ {
		go func() {
			_, err := b.Wait(context.Background())
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	b.Interrupt()

	for i := 0; i < parties-1; i++ {
		if err := <-results; !IsKind(err, KindInterrupted) {
			t.Fatalf("expected KindInterrupted, got %v", err)
		}
	}
}

func TestBarrier_SetTripActionRejectedMidCycle(t *testing.T) {
	const parties = 2
	b, err := NewBarrier(parties)
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background())
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.SetTripAction(func() error { return nil }); !IsKind(err, KindIllegalState) {
		t.Fatalf("expected KindIllegalState, got %v", err)
	}

	if _, err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := <-results; err != nil {
		t.Fatalf("first party: %v", err)
	}
}

func TestBarrier_CloseInterruptsInFlightParties(t *testing.T) {
	const parties = 2
	b, err := NewBarrier(parties)
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	results := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background())
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	b.Close()

	if err := <-results; !IsKind(err, KindInterrupted) {
		t.Fatalf("expected KindInterrupted, got %v", err)
	}
}
