package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const maxResultsPerPage = 250 // Google Calendar API max per page

// Client wraps the Google Calendar v3 service for a single user's token.
type Client struct {
	svc *calendar.Service
}

// NewClient builds a calendar service authenticated with the given access
// token. The token is expected to be valid; refresh happens upstream.
func NewClient(ctx context.Context, accessToken string) (*Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := calendar.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// ListEvents fetches one page of events. With a SyncToken the listing is
// incremental and includes cancelled events; otherwise it is a full listing.
func (c *Client) ListEvents(ctx context.Context, calendarID string, q ListQuery) (*EventPage, error) {
	call := c.svc.Events.List(calendarID).
		Context(ctx).
		MaxResults(maxResultsPerPage).
		ShowDeleted(true)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, ClassifyError(err)
	}

	page := &EventPage{
		NextPageToken: res.NextPageToken,
		NextSyncToken: res.NextSyncToken,
	}
	for _, item := range res.Items {
		page.Events = append(page.Events, fromGoogleEvent(item))
	}
	return page, nil
}

// InsertEvent creates a remote event and returns it with the provider-issued
// id and etag.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev *Event) (*Event, error) {
	created, err := c.svc.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return nil, ClassifyError(err)
	}
	out := fromGoogleEvent(created)
	return &out, nil
}

// PatchEvent updates an existing remote event.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, ev *Event) (*Event, error) {
	patched, err := c.svc.Events.Patch(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return nil, ClassifyError(err)
	}
	out := fromGoogleEvent(patched)
	return &out, nil
}

// DeleteEvent removes a remote event. An already-deleted event is success.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil && !IsNotFound(err) {
		return ClassifyError(err)
	}
	return nil
}

// CreateCalendar provisions a new calendar and returns its id.
func (c *Client) CreateCalendar(ctx context.Context, summary, description string) (string, error) {
	created, err := c.svc.Calendars.Insert(&calendar.Calendar{
		Summary:     summary,
		Description: description,
	}).Context(ctx).Do()
	if err != nil {
		return "", ClassifyError(err)
	}
	return created.Id, nil
}

// CalendarExists checks that a calendar still resolves remotely.
func (c *Client) CalendarExists(ctx context.Context, calendarID string) (bool, error) {
	_, err := c.svc.Calendars.Get(calendarID).Context(ctx).Do()
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, ClassifyError(err)
	}
	return true, nil
}

// GrantACL inserts an ACL rule for the given principal. Re-granting an
// existing role is accepted by the provider, so this is safe to repeat.
func (c *Client) GrantACL(ctx context.Context, calendarID, email, role string) error {
	_, err := c.svc.Acl.Insert(calendarID, &calendar.AclRule{
		Role:  role,
		Scope: &calendar.AclRuleScope{Type: "user", Value: email},
	}).Context(ctx).Do()
	if err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Watch registers a push-notification channel delivering to address.
func (c *Client) Watch(ctx context.Context, calendarID, channelID, address string) (*Channel, error) {
	res, err := c.svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
	}).Context(ctx).Do()
	if err != nil {
		return nil, ClassifyError(err)
	}
	return &Channel{
		ID:         res.Id,
		ResourceID: res.ResourceId,
		Expiration: time.UnixMilli(res.Expiration),
	}, nil
}

// StopChannel unsubscribes a push-notification channel. A channel the
// provider no longer knows is success.
func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil && !IsNotFound(err) {
		return ClassifyError(err)
	}
	return nil
}

func fromGoogleEvent(item *calendar.Event) Event {
	ev := Event{
		ID:        item.Id,
		Etag:      item.Etag,
		Summary:   item.Summary,
		Location:  item.Location,
		Cancelled: item.Status == "cancelled",
	}
	ev.Description = item.Description
	if item.Start != nil && item.Start.DateTime != "" {
		ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
	}
	if item.End != nil && item.End.DateTime != "" {
		ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
	}
	if item.Updated != "" {
		ev.Updated, _ = time.Parse(time.RFC3339, item.Updated)
	}
	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		ev.AppItemID = item.ExtendedProperties.Private[MarkerProperty]
	}
	return ev
}

func toGoogleEvent(ev *Event) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.AppItemID != "" {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{MarkerProperty: ev.AppItemID},
		}
	}
	return out
}
