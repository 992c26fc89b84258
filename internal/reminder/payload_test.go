package reminder

import (
	"testing"
	"time"
)

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		o         Obligation
		lead      time.Duration
		wantTitle string
		wantBody  string
	}{
		{
			name:      "routine",
			o:         Obligation{ID: "r1", Kind: KindRoutine, Title: "Meditate", OccurrenceKey: "routine-r1-2024-03-01-07:30"},
			wantTitle: "⏰ Reminder Due Now",
			wantBody:  "Meditate",
		},
		{
			name:      "routine with detail",
			o:         Obligation{ID: "r1", Kind: KindRoutine, Title: "Meditate", Detail: "10 minutes", OccurrenceKey: "k"},
			wantTitle: "⏰ Reminder Due Now",
			wantBody:  "Meditate\n10 minutes",
		},
		{
			name:      "event",
			o:         Obligation{ID: "e1", Kind: KindEvent, Title: "Standup", OccurrenceKey: "event-e1-2024-03-01"},
			wantTitle: "📅 Upcoming Calendar Event",
			wantBody:  "Standup starts in 5 minutes",
		},
		{
			name:      "event with detail and lead",
			o:         Obligation{ID: "e1", Kind: KindEvent, Title: "Standup", Detail: "Room 4", OccurrenceKey: "k"},
			lead:      time.Minute,
			wantTitle: "📅 Upcoming Calendar Event",
			wantBody:  "Standup starts in 1 minute\nRoom 4",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := BuildPayload(tc.o, tc.lead)
			if p.Title != tc.wantTitle {
				t.Fatalf("title=%q", p.Title)
			}
			if p.Body != tc.wantBody {
				t.Fatalf("body=%q, want %q", p.Body, tc.wantBody)
			}
			if p.Tag != tc.o.OccurrenceKey {
				t.Fatalf("tag=%q", p.Tag)
			}
			if !p.RequireInteraction || len(p.Vibrate) != 3 {
				t.Fatalf("unexpected presentation fields %+v", p)
			}
			if p.Data.Kind != tc.o.Kind || p.Data.ID != tc.o.ID {
				t.Fatalf("data=%+v", p.Data)
			}
		})
	}
}
