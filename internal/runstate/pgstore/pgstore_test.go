package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/patrol/internal/runstate/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("PATROL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PATROL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestBreakerRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.ResetBreaker(ctx); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}

	var opened bool
	for i := range 3 {
		st, o, err := s.RecordFailure(ctx, 3)
		if err != nil {
			t.Fatalf("RecordFailure #%d: %v", i+1, err)
		}
		opened = o
		if st.ConsecutiveFailures != i+1 {
			t.Errorf("failures = %d, want %d", st.ConsecutiveFailures, i+1)
		}
	}
	if !opened {
		t.Fatal("breaker should report the open transition on the threshold failure")
	}

	st, err := s.Breaker(ctx)
	if err != nil {
		t.Fatalf("Breaker: %v", err)
	}
	if !st.Open {
		t.Error("breaker should be open")
	}
	if st.TransitionedAt.IsZero() {
		t.Error("expected transition timestamp")
	}

	if err := s.ResetBreaker(ctx); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	st, _ = s.Breaker(ctx)
	if st.Open || st.ConsecutiveFailures != 0 {
		t.Errorf("after reset = %+v, want closed and zero", st)
	}
}

func TestDedupAndLedger(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	key := "it-svc/ItErr/" + time.Now().Format("150405.000000000")
	at := time.Now().UTC().Truncate(time.Microsecond)

	if _, ok, err := s.LastAlerted(ctx, key); err != nil || ok {
		t.Fatalf("LastAlerted fresh = %v, %v; want false, nil", ok, err)
	}
	if err := s.MarkAlerted(ctx, key, at); err != nil {
		t.Fatalf("MarkAlerted: %v", err)
	}
	got, ok, err := s.LastAlerted(ctx, key)
	if err != nil || !ok || !got.Equal(at) {
		t.Errorf("LastAlerted = %v, %v, %v; want %v, true, nil", got, ok, err, at)
	}

	lkey := key + "@ledger"
	if err := s.MarkTerminal(ctx, lkey, "alerted"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	out, ok, err := s.TerminalOutcome(ctx, lkey)
	if err != nil || !ok || out != "alerted" {
		t.Errorf("TerminalOutcome = %q, %v, %v; want alerted, true, nil", out, ok, err)
	}
}

func TestLease(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// make sure no prior test run holds it
	if err := s.ReleaseLease(ctx, "it-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	ok, err := s.AcquireLease(ctx, "it-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease = %v, %v; want true", ok, err)
	}
	defer func() { _ = s.ReleaseLease(ctx, "it-a") }()

	if ok, _ := s.AcquireLease(ctx, "it-b", time.Minute); ok {
		t.Error("second holder acquired a live lease")
	}
	if ok, _ := s.AcquireLease(ctx, "it-a", time.Minute); !ok {
		t.Error("holder could not refresh its own lease")
	}
}
