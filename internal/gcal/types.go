package gcal

import "time"

// MarkerProperty is the private extended property stamped on every event this
// system creates. Its value is the owning appointment id, which lets a pull
// recognize our own writes being echoed back.
const MarkerProperty = "carebridge_appointment_id"

// Event is the provider-neutral projection of a calendar event used by the
// sync engine.
type Event struct {
	ID          string
	Etag        string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Updated     time.Time
	Cancelled   bool
	// AppItemID carries the MarkerProperty value for app-created events;
	// empty for externally created ones.
	AppItemID string
}

// EventPage is one page of a listing. NextSyncToken is only present on the
// final page.
type EventPage struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
}

// ListQuery selects between full and incremental listing.
type ListQuery struct {
	SyncToken string
	PageToken string
}

// Channel describes a registered push-notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}
