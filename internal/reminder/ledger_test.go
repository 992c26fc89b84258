package reminder

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLedgerMarkAndClaim(t *testing.T) {
	t.Parallel()

	l := NewLedger(at(2024, 1, 1, 9, 0, 0))
	l.MarkFired("k")
	l.MarkFired("k")
	if !l.IsFired("k") || l.Len() != 1 {
		t.Fatalf("MarkFired should be idempotent")
	}
	if l.Claim("k") {
		t.Fatalf("claim of fired key should fail")
	}
	if !l.Claim("other") || l.Claim("other") {
		t.Fatalf("claim should succeed exactly once")
	}
}

func TestLedgerClaimConcurrent(t *testing.T) {
	t.Parallel()

	l := NewLedger(at(2024, 1, 1, 9, 0, 0))
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Claim("k") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins=%d, want 1", wins.Load())
	}
}

func TestLedgerResetIfNewDay(t *testing.T) {
	t.Parallel()

	l := NewLedger(at(2024, 1, 1, 9, 0, 0))
	l.MarkFired("routine-r1-2024-01-01-09:00")

	if l.ResetIfNewDay(at(2024, 1, 1, 23, 59, 59)) {
		t.Fatalf("same day must not reset")
	}
	if !l.ResetIfNewDay(at(2024, 1, 2, 0, 0, 5)) {
		t.Fatalf("new day must reset")
	}
	if l.Len() != 0 || l.EpochDate() != "2024-01-02" {
		t.Fatalf("len=%d epoch=%s", l.Len(), l.EpochDate())
	}
	if l.ResetIfNewDay(at(2024, 1, 2, 0, 1, 0)) {
		t.Fatalf("second check on the same day must not reset")
	}
}

func TestLedgerClockSkew(t *testing.T) {
	t.Parallel()

	l := NewLedger(at(2024, 1, 2, 9, 0, 0))
	l.MarkFired("k")

	// Backward jump keeps fired keys.
	if l.ResetIfNewDay(at(2024, 1, 1, 23, 0, 0)) || !l.IsFired("k") {
		t.Fatalf("backward jump must not un-fire keys")
	}
	if l.EpochDate() != "2024-01-02" {
		t.Fatalf("epoch moved backward: %s", l.EpochDate())
	}

	// Forward jump across several midnights resets exactly once.
	resets := 0
	for _, day := range []int{5, 5, 5} {
		if l.ResetIfNewDay(at(2024, 1, day, 8, 0, 0)) {
			resets++
		}
	}
	if resets != 1 || l.IsFired("k") {
		t.Fatalf("resets=%d fired=%v", resets, l.IsFired("k"))
	}
}
