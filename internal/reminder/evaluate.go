package reminder

import (
	"sort"
	"time"
)

// FiredSet is the read side of a Ledger.
type FiredSet interface {
	IsFired(key string) bool
}

// Evaluate returns the obligations due in now's minute whose occurrence key
// has not fired, ordered by due time then id. It never mutates fired.
func Evaluate(obligations []Obligation, now time.Time, fired FiredSet) []Obligation {
	minute := now.Truncate(time.Minute)
	var due []Obligation
	for _, o := range obligations {
		if !o.DueAt.Truncate(time.Minute).Equal(minute) {
			continue
		}
		if fired != nil && fired.IsFired(o.OccurrenceKey) {
			continue
		}
		due = append(due, o)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})

	// One entry per occurrence key.
	seen := make(map[string]struct{}, len(due))
	out := due[:0]
	for _, o := range due {
		if _, dup := seen[o.OccurrenceKey]; dup {
			continue
		}
		seen[o.OccurrenceKey] = struct{}{}
		out = append(out, o)
	}
	return out
}
