package retention

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweep_UsesMaxAge(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := &fakePruner{}

	n, err := Sweep(context.Background(), p, Policy{MaxAge: 30 * 24 * time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Sweep() = %d, want 2", n)
	}
	if want := now.Add(-30 * 24 * time.Hour); !p.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestSweep_ZeroMaxAgeKeepsEverything(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	if _, err := Sweep(context.Background(), p, Policy{}); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if p.calls() != 0 {
		t.Fatalf("expected no prune call, got %d", p.calls())
	}
}

func TestStart_SweepsUntilCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePruner{err: errors.New("locked")}
	logger := log.NewWithOptions(io.Discard, log.Options{})

	done := make(chan struct{})
	go func() {
		Start(ctx, logger, 5*time.Millisecond, p, Policy{MaxAge: time.Hour})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.calls() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated sweeps, got %d", p.calls())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
