package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"routinely/internal/reminder"
)

type ownerSnapshot struct {
	batch  reminder.Batch
	sentAt time.Time
}

// Snapshot keeps the newest schedule per owner and serves their union as a
// reminder.Source.
type Snapshot struct {
	mu     sync.RWMutex
	owners map[string]ownerSnapshot
}

func NewSnapshot() *Snapshot {
	return &Snapshot{owners: map[string]ownerSnapshot{}}
}

// Apply stores m unless a newer message for the same owner was applied.
func (s *Snapshot) Apply(m Message) bool {
	if m.Validate() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.owners[m.OwnerID]; ok && m.SentAt.Before(prev.sentAt) {
		return false
	}
	s.owners[m.OwnerID] = ownerSnapshot{batch: m.Batch(), sentAt: m.SentAt}
	return true
}

// Handle is a Handler that applies m.
func (s *Snapshot) Handle(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.Apply(m)
	return nil
}

func (s *Snapshot) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for o := range s.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Load returns a copy of every owner's records. Records without an owner
// inherit the message owner.
func (s *Snapshot) Load(context.Context) (reminder.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out reminder.Batch
	for owner, snap := range s.owners {
		for _, r := range snap.batch.Routines {
			if r.OwnerID == "" {
				r.OwnerID = owner
			}
			out.Routines = append(out.Routines, r)
		}
		for _, e := range snap.batch.CalendarEvents {
			if e.OwnerID == "" {
				e.OwnerID = owner
			}
			out.CalendarEvents = append(out.CalendarEvents, e)
		}
	}
	return out, nil
}
