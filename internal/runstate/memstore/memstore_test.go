package memstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i := 1; i < 10; i++ {
		st, opened, err := s.RecordFailure(ctx, 10)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if opened {
			t.Fatalf("breaker opened at %d failures, want 10", i)
		}
		if st.ConsecutiveFailures != i {
			t.Fatalf("failures = %d, want %d", st.ConsecutiveFailures, i)
		}
	}

	st, opened, err := s.RecordFailure(ctx, 10)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !opened || !st.Open {
		t.Fatal("breaker should open on the 10th consecutive failure")
	}

	// further failures stay open but do not re-report the transition
	_, opened, _ = s.RecordFailure(ctx, 10)
	if opened {
		t.Error("transition must be reported exactly once")
	}
}

func TestBreaker_SuccessResetsCounterButNotOpen(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	s.RecordFailure(ctx, 2)
	if err := s.RecordSuccess(ctx); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	st, _ := s.Breaker(ctx)
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 after success", st.ConsecutiveFailures)
	}

	s.RecordFailure(ctx, 2)
	s.RecordFailure(ctx, 2)
	st, _ = s.Breaker(ctx)
	if !st.Open {
		t.Fatal("breaker should be open")
	}

	// success while open must not silently close it
	s.RecordSuccess(ctx)
	st, _ = s.Breaker(ctx)
	if !st.Open {
		t.Error("only ResetBreaker may close an open breaker")
	}

	if err := s.ResetBreaker(ctx); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	st, _ = s.Breaker(ctx)
	if st.Open || st.ConsecutiveFailures != 0 {
		t.Errorf("after reset state = %+v, want closed with zero failures", st)
	}
}

func TestDedupIndex(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, ok, _ := s.LastAlerted(ctx, "svc/Err/1"); ok {
		t.Fatal("unexpected entry in fresh store")
	}

	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if err := s.MarkAlerted(ctx, "svc/Err/1", at); err != nil {
		t.Fatalf("MarkAlerted: %v", err)
	}
	got, ok, _ := s.LastAlerted(ctx, "svc/Err/1")
	if !ok || !got.Equal(at) {
		t.Errorf("LastAlerted = %v, %v; want %v, true", got, ok, at)
	}
}

func TestLease_MutualExclusionAndExpiry(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	ok, err := s.AcquireLease(ctx, "run-a", 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease run-a = %v, %v; want true", ok, err)
	}

	if ok, _ := s.AcquireLease(ctx, "run-b", 5*time.Minute); ok {
		t.Fatal("run-b acquired a held lease")
	}

	// re-acquire by the same holder is allowed
	if ok, _ := s.AcquireLease(ctx, "run-a", 5*time.Minute); !ok {
		t.Fatal("holder could not refresh its own lease")
	}

	// expiry frees the lease for the next trigger
	now = now.Add(6 * time.Minute)
	if ok, _ := s.AcquireLease(ctx, "run-b", 5*time.Minute); !ok {
		t.Fatal("expired lease should be acquirable")
	}

	// release by a non-holder is a no-op
	if err := s.ReleaseLease(ctx, "run-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, "run-c", 5*time.Minute); ok {
		t.Fatal("lease held by run-b should not be releasable by run-a")
	}
}

func TestTerminalLedger(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, ok, _ := s.TerminalOutcome(ctx, "fp@t0"); ok {
		t.Fatal("unexpected ledger entry in fresh store")
	}
	if err := s.MarkTerminal(ctx, "fp@t0", "alerted"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	out, ok, _ := s.TerminalOutcome(ctx, "fp@t0")
	if !ok || out != "alerted" {
		t.Errorf("TerminalOutcome = %q, %v; want alerted, true", out, ok)
	}
}

func TestConcurrentFailureCounting(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	openCount := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, opened, _ := s.RecordFailure(ctx, 10)
			if opened {
				mu.Lock()
				openCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	st, _ := s.Breaker(ctx)
	if st.ConsecutiveFailures != 20 {
		t.Errorf("failures = %d, want 20", st.ConsecutiveFailures)
	}
	if openCount != 1 {
		t.Errorf("open transitions = %d, want exactly 1", openCount)
	}
}
