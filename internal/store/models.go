package store

import "time"

// ManagedCalendarState tracks the lifecycle of the system-owned calendar.
type ManagedCalendarState string

const (
	ManagedCalendarUnverified   ManagedCalendarState = "unverified"
	ManagedCalendarProvisioning ManagedCalendarState = "provisioning"
	ManagedCalendarActive       ManagedCalendarState = "active"
	ManagedCalendarError        ManagedCalendarState = "error"
)

// Credential holds a user's Google OAuth grant and sync cursor. Access and
// refresh tokens are sealed before they reach the database and opened on read.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        []string
	ExpiresAt    *time.Time
	NeedsReauth  bool

	GoogleSubject string
	GoogleEmail   string

	// CalendarID is the calendar the user originally connected, if any.
	// ManagedCalendarID is the calendar this system created and owns.
	CalendarID             *string
	ManagedCalendarID      *string
	ManagedCalendarState   ManagedCalendarState
	ManagedCalendarACLRole string

	// SyncToken is only meaningful for the ManagedCalendarID it was issued
	// for; switching calendars must clear it.
	SyncToken    *string
	LastPulledAt *time.Time

	WatchVerifyRequested bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WatchChannel is a Google push-notification subscription. At most one
// non-expired channel exists per calendar.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	CalendarID string
	UserID     string
	Expiration time.Time
	CreatedAt  time.Time
}

// Appointment is a care-plan item with its embedded sync linkage. The sync
// engine only writes the linkage fields (RemoteEventID, RemoteEtag,
// RemoteUpdatedAt, PendingSync) and the remote-applied business values.
type Appointment struct {
	ID       string
	UserID   string
	Title    string
	Location string
	PrepNote string
	StartsAt time.Time
	EndsAt   time.Time

	// Deleted marks a locally removed item whose remote event still needs
	// deletion; the row is purged once the remote delete is confirmed.
	Deleted bool

	ScheduleUpdatedAt time.Time
	NoteUpdatedAt     time.Time

	RemoteEventID   *string
	RemoteEtag      string
	RemoteUpdatedAt *time.Time
	PendingSync     bool

	CreatedAt time.Time
}
