// Package calendar defines the external calendar gateway consumed by the
// sync engine. Implementations own provider credentials and wire formats;
// the engine only sees expanded, concrete events.
package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by a gateway that has no provider configured.
// Callers treat it as "calendar sync is off", not as a failure.
var ErrDisabled = errors.New("calendar gateway disabled")

// Event is one concrete calendar entry. Recurring provider events arrive
// already expanded into individual occurrences; RecurringEventID then points
// at the provider-side series.
type Event struct {
	ID               string
	Title            string
	Start            time.Time
	End              time.Time
	Color            string
	UpdatedAt        time.Time
	RecurringEventID string
}

// Gateway is the provider contract. Create and Update return the stored
// event so callers can record the provider's new modification stamp.
type Gateway interface {
	CreateEvent(ctx context.Context, owner int64, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, owner int64, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, owner int64, id string) error
	// ListEventsSince returns events starting inside [since, until],
	// recurring series expanded to single occurrences.
	ListEventsSince(ctx context.Context, owner int64, since, until time.Time) ([]Event, error)
	MarkEventDone(ctx context.Context, owner int64, id string) error
}

// Disabled is the gateway used when no calendar provider is configured.
type Disabled struct{}

func NewDisabled() Disabled { return Disabled{} }

func (Disabled) CreateEvent(context.Context, int64, Event) (Event, error) {
	return Event{}, ErrDisabled
}

func (Disabled) UpdateEvent(context.Context, int64, Event) (Event, error) {
	return Event{}, ErrDisabled
}

func (Disabled) DeleteEvent(context.Context, int64, string) error { return ErrDisabled }

func (Disabled) ListEventsSince(context.Context, int64, time.Time, time.Time) ([]Event, error) {
	return nil, ErrDisabled
}

func (Disabled) MarkEventDone(context.Context, int64, string) error { return ErrDisabled }
