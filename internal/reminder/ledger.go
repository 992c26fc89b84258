package reminder

import (
	"sync"
	"time"
)

// Ledger records fired occurrence keys for one local calendar day.
//
// Lifecycle: NewLedger, then MarkFired/IsFired per tick, ResetIfNewDay before
// each evaluation, Dispose on teardown. Safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	fired map[string]struct{}
	epoch time.Time // local midnight of the current day
}

func NewLedger(now time.Time) *Ledger {
	return &Ledger{fired: map[string]struct{}{}, epoch: dayOf(now)}
}

// MarkFired is idempotent.
func (l *Ledger) MarkFired(key string) {
	l.mu.Lock()
	l.fired[key] = struct{}{}
	l.mu.Unlock()
}

// Claim marks key and reports whether this call was the first to do so.
func (l *Ledger) Claim(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.fired[key]; ok {
		return false
	}
	l.fired[key] = struct{}{}
	return true
}

func (l *Ledger) IsFired(key string) bool {
	l.mu.Lock()
	_, ok := l.fired[key]
	l.mu.Unlock()
	return ok
}

// ResetIfNewDay clears the set when now's local date is after the epoch date.
// A clock that moves backward never clears it. Reports whether it reset.
func (l *Ledger) ResetIfNewDay(now time.Time) bool {
	day := dayOf(now)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !day.After(l.epoch) {
		return false
	}
	l.fired = map[string]struct{}{}
	l.epoch = day
	return true
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}

// EpochDate is the local date (YYYY-MM-DD) the ledger covers.
func (l *Ledger) EpochDate() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch.Format(dateLayout)
}

// Dispose drops all state.
func (l *Ledger) Dispose() {
	l.mu.Lock()
	l.fired = map[string]struct{}{}
	l.mu.Unlock()
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, locationOf(t))
}
