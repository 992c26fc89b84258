package notifier

import (
	"testing"
	"time"
)

func TestProgressTracksPartsPerTag(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	p := NewProgress(time.Hour)
	p.now = func() time.Time { return now }

	p.Mark("routine-r1-2024-03-01-07:30", "https://push.example/a")
	if !p.Done("routine-r1-2024-03-01-07:30", "https://push.example/a") {
		t.Fatal("marked part not done")
	}
	if p.Done("routine-r1-2024-03-01-07:30", "https://push.example/b") {
		t.Fatal("unmarked part reported done")
	}
	if p.Done("routine-r2-2024-03-01-07:30", "https://push.example/a") {
		t.Fatal("part leaked across tags")
	}

	p.Mark("", "x")
	if p.Done("", "x") {
		t.Fatal("empty tag must not be tracked")
	}

	now = now.Add(2 * time.Hour)
	if p.Done("routine-r1-2024-03-01-07:30", "https://push.example/a") {
		t.Fatal("expired entry still done")
	}
	p.Mark("event-e1-2024-03-01", "1")
	if len(p.tags) != 1 {
		t.Fatalf("expired tags not pruned: %d", len(p.tags))
	}
}
