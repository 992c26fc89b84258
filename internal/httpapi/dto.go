package httpapi

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"routinely/internal/reminder"
	"routinely/internal/storage"
)

var hhmm = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// RoutineRequest is the body of POST /api/routines and PUT /api/routines/{id}.
type RoutineRequest struct {
	Name        string `json:"name"`
	Time        string `json:"time"`
	Date        string `json:"date"`
	Frequency   string `json:"frequency"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

func (r *RoutineRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Frequency = strings.ToLower(strings.TrimSpace(r.Frequency))
	return validation.ValidateStruct(r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Time, validation.Required, validation.Match(hhmm).Error("must be HH:MM")),
		validation.Field(&r.Date, validation.Required, validation.Date("2006-01-02").Error("must be YYYY-MM-DD")),
		validation.Field(&r.Frequency, validation.In("once", "daily", "weekly", "monthly")),
		validation.Field(&r.Description, validation.Length(0, 2000)),
		validation.Field(&r.Location, validation.Length(0, 500)),
	)
}

func (r RoutineRequest) routine(owner, id string) storage.Routine {
	freq := r.Frequency
	if freq == "" {
		freq = "once"
	}
	return storage.Routine{
		ID:          id,
		OwnerID:     owner,
		Name:        r.Name,
		Time:        r.Time,
		Date:        r.Date,
		Frequency:   freq,
		Description: r.Description,
		Location:    r.Location,
	}
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscriptionRequest mirrors the browser's PushSubscription JSON.
type PushSubscriptionRequest struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime,omitempty"`
	Keys           PushKeys `json:"keys"`
}

func (r PushSubscriptionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Endpoint, validation.Required, is.URL),
	)
}

type PermissionRequest struct {
	Permission string `json:"permission"`
}

func (r PermissionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Permission, validation.Required, validation.In(
			string(reminder.PermissionDefault), string(reminder.PermissionGranted), string(reminder.PermissionDenied))),
	)
}

type PermissionResponse struct {
	Permission reminder.Permission `json:"permission"`
}
