package sync

import (
	"context"

	"github.com/carebridge/calsync/internal/gcal"
)

// CalendarAPI is the slice of the provider surface the engine needs. The
// production implementation is gcal.Client; tests substitute a fake.
type CalendarAPI interface {
	ListEvents(ctx context.Context, calendarID string, q gcal.ListQuery) (*gcal.EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *gcal.Event) (*gcal.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	CreateCalendar(ctx context.Context, summary, description string) (string, error)
	CalendarExists(ctx context.Context, calendarID string) (bool, error)
	GrantACL(ctx context.Context, calendarID, email, role string) error
	Watch(ctx context.Context, calendarID, channelID, address string) (*gcal.Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// CalendarFactory builds a CalendarAPI for one user's access token. There is
// deliberately no shared client: tokens are always passed per user.
type CalendarFactory func(ctx context.Context, accessToken string) (CalendarAPI, error)

// GoogleCalendarFactory is the production factory.
func GoogleCalendarFactory(ctx context.Context, accessToken string) (CalendarAPI, error) {
	return gcal.NewClient(ctx, accessToken)
}
