package reminder

import (
	"strconv"
	"time"
)

const (
	TitleRoutine = "⏰ Reminder Due Now"
	TitleEvent   = "📅 Upcoming Calendar Event"
)

var defaultVibrate = []int{200, 100, 200}

// PayloadData routes a click on the notification back to its record.
type PayloadData struct {
	Kind    Kind   `json:"type"`
	ID      string `json:"id"`
	OwnerID string `json:"owner_id,omitempty"`
}

// Payload is a rendered notification. Tag equals the occurrence key so
// duplicate OS-level notifications collapse.
type Payload struct {
	Title              string      `json:"title"`
	Body               string      `json:"body"`
	Tag                string      `json:"tag"`
	Icon               string      `json:"icon,omitempty"`
	Badge              string      `json:"badge,omitempty"`
	RequireInteraction bool        `json:"requireInteraction"`
	Vibrate            []int       `json:"vibrate,omitempty"`
	Sound              string      `json:"sound,omitempty"`
	Data               PayloadData `json:"data"`
	DueAt              time.Time   `json:"due_at"`
}

// BuildPayload renders o. lead is the event lead time used in the body;
// lead <= 0 selects DefaultLeadTime.
func BuildPayload(o Obligation, lead time.Duration) Payload {
	if lead <= 0 {
		lead = DefaultLeadTime
	}
	p := Payload{
		Tag:                o.OccurrenceKey,
		Icon:               "/favicon.ico",
		Badge:              "/favicon.ico",
		RequireInteraction: true,
		Vibrate:            append([]int(nil), defaultVibrate...),
		Sound:              "chime",
		Data:               PayloadData{Kind: o.Kind, ID: o.ID, OwnerID: o.OwnerID},
		DueAt:              o.DueAt,
	}
	switch o.Kind {
	case KindEvent:
		p.Title = TitleEvent
		p.Body = o.Title + " starts in " + minutesText(lead)
	default:
		p.Title = TitleRoutine
		p.Body = o.Title
	}
	if o.Detail != "" {
		p.Body += "\n" + o.Detail
	}
	return p
}

func minutesText(d time.Duration) string {
	n := int(d / time.Minute)
	if n == 1 {
		return "1 minute"
	}
	return strconv.Itoa(n) + " minutes"
}
