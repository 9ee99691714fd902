// Package calendar mirrors local calendar events into a family's external
// calendar and sends reminders for upcoming events.
package calendar

import (
	"context"
	"time"

	"github.com/rottym/fambam/internal/model"
)

// Event is the provider-neutral form of a local calendar event.
type Event struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	// Recurrence holds RRULE lines, passed through unchanged.
	Recurrence string
}

// Provider manages events in an external calendar. Ids are assigned by the
// provider.
type Provider interface {
	CreateEvent(ctx context.Context, calendarID string, e Event) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, e Event) error
	// DeleteEvent treats an event that no longer exists as deleted.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

func toExternal(e *model.CalendarEvent) Event {
	return Event{
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.StartTime,
		End:         e.EndTime,
		AllDay:      e.AllDay,
		Recurrence:  e.Recurrence,
	}
}
