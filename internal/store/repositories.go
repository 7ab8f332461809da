package store

import (
	"context"
	"time"
)

// CredentialRepository defines persistence operations for OAuth credentials.
// All updates are column-scoped; nothing here blindly rewrites a full row.
type CredentialRepository interface {
	Get(ctx context.Context, userID string) (*Credential, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	// Upsert stores a fresh grant. On reconnect the managed-calendar fields
	// and sync cursor of an existing row are preserved.
	Upsert(ctx context.Context, cred *Credential) error
	// UpdateTokens rewrites the token fields after a refresh. An empty
	// refreshToken keeps the stored one.
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken, tokenType string, scope []string, expiresAt *time.Time) error
	SetNeedsReauth(ctx context.Context, userID string, needsReauth bool) error
	// UpdateManagedCalendar records the managed calendar and clears the sync
	// cursor whenever the calendar id changes.
	UpdateManagedCalendar(ctx context.Context, userID string, calendarID *string, state ManagedCalendarState, aclRole string) error
	SetManagedCalendarState(ctx context.Context, userID string, state ManagedCalendarState) error
	// UpdateSyncCursor persists the cursor after a fully applied pull batch.
	UpdateSyncCursor(ctx context.Context, userID string, syncToken *string, lastPulledAt time.Time) error
	ClearSyncCursor(ctx context.Context, userID string) error
	SetWatchVerifyRequested(ctx context.Context, userID string, requested bool) error
	Delete(ctx context.Context, userID string) error
}

// WatchChannelRepository manages push-notification subscriptions.
type WatchChannelRepository interface {
	GetByCalendar(ctx context.Context, calendarID string) (*WatchChannel, error)
	GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error)
	ListByUser(ctx context.Context, userID string) ([]WatchChannel, error)
	// Replace removes any channel registered for the same calendar and
	// stores the new one, keeping the one-channel-per-calendar invariant.
	Replace(ctx context.Context, ch *WatchChannel) error
	DeleteByCalendar(ctx context.Context, calendarID string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// AppointmentRepository is the narrow boundary between the sync engine and
// the plan items owned by the CRUD domain. The engine reads business fields,
// writes linkage fields, and applies remote values won by conflict
// resolution; it never edits local business fields on its own behalf.
type AppointmentRepository interface {
	GetByID(ctx context.Context, id string) (*Appointment, error)
	GetByRemoteEventID(ctx context.Context, userID, remoteEventID string) (*Appointment, error)
	ListPendingSync(ctx context.Context, userID string) ([]Appointment, error)
	ListLinked(ctx context.Context, userID string) ([]Appointment, error)
	Create(ctx context.Context, appt *Appointment) error
	MarkPendingSync(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
	// ApplyRemoteLinkage confirms a remote write: stores id/etag/updated-at
	// and clears pending_sync.
	ApplyRemoteLinkage(ctx context.Context, id, remoteEventID, etag string, remoteUpdatedAt time.Time) error
	// ApplyRemoteSchedule applies the time/location/summary field group won
	// by the remote side.
	ApplyRemoteSchedule(ctx context.Context, id, title, location string, startsAt, endsAt time.Time, etag string, remoteUpdatedAt time.Time) error
	// ApplyRemoteNote applies the prep-note field group won by the remote side.
	ApplyRemoteNote(ctx context.Context, id, prepNote string, etag string, remoteUpdatedAt time.Time) error
	// RefreshRemoteEtag records a new remote etag when a pull found no mapped
	// field drift, without touching business fields or pending_sync.
	RefreshRemoteEtag(ctx context.Context, id, etag string, remoteUpdatedAt time.Time) error
	// Purge removes a row after its remote deletion is confirmed, or when a
	// pull reports the remote event cancelled.
	Purge(ctx context.Context, id string) error
	// ClearLinkage detaches every appointment of a user from its remote
	// event; used on disconnect.
	ClearLinkage(ctx context.Context, userID string) error
}
