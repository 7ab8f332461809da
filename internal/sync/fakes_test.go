package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/gcal"
	"github.com/carebridge/calsync/internal/store"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.BaseURL = "https://app.example.test"
	cfg.Google.ClientID = "client-id"
	cfg.Google.ClientSecret = "client-secret"
	cfg.Google.RedirectPath = "/auth/google/callback"
	cfg.Sync.PassTimeout = 2 * time.Minute
	cfg.Sync.BackoffBase = time.Millisecond
	cfg.Sync.BackoffCap = 5 * time.Millisecond
	cfg.Sync.BackoffMaxAttempts = 3
	return cfg
}

// fakeCredentialRepo is an in-memory CredentialRepository.
type fakeCredentialRepo struct {
	mu    sync.Mutex
	creds map[string]*store.Credential
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: make(map[string]*store.Credential)}
}

func (r *fakeCredentialRepo) put(cred *store.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	r.creds[cred.UserID] = &cp
}

func (r *fakeCredentialRepo) Get(_ context.Context, userID string) (*store.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (r *fakeCredentialRepo) ListUserIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeCredentialRepo) Upsert(_ context.Context, cred *store.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	if existing, ok := r.creds[cred.UserID]; ok {
		cp.CalendarID = existing.CalendarID
		cp.ManagedCalendarID = existing.ManagedCalendarID
		cp.ManagedCalendarState = existing.ManagedCalendarState
		cp.ManagedCalendarACLRole = existing.ManagedCalendarACLRole
		cp.SyncToken = existing.SyncToken
	}
	if cp.ManagedCalendarState == "" {
		cp.ManagedCalendarState = store.ManagedCalendarUnverified
	}
	r.creds[cred.UserID] = &cp
	return nil
}

func (r *fakeCredentialRepo) UpdateTokens(_ context.Context, userID, accessToken, refreshToken, tokenType string, scope []string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.AccessToken = accessToken
	if refreshToken != "" {
		cred.RefreshToken = refreshToken
	}
	if tokenType != "" {
		cred.TokenType = tokenType
	}
	if len(scope) > 0 {
		cred.Scope = scope
	}
	cred.ExpiresAt = expiresAt
	return nil
}

func (r *fakeCredentialRepo) SetNeedsReauth(_ context.Context, userID string, needsReauth bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.NeedsReauth = needsReauth
	return nil
}

func (r *fakeCredentialRepo) UpdateManagedCalendar(_ context.Context, userID string, calendarID *string, state store.ManagedCalendarState, aclRole string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	changed := (cred.ManagedCalendarID == nil) != (calendarID == nil) ||
		(cred.ManagedCalendarID != nil && calendarID != nil && *cred.ManagedCalendarID != *calendarID)
	if changed {
		cred.SyncToken = nil
	}
	cred.ManagedCalendarID = calendarID
	cred.ManagedCalendarState = state
	cred.ManagedCalendarACLRole = aclRole
	return nil
}

func (r *fakeCredentialRepo) SetManagedCalendarState(_ context.Context, userID string, state store.ManagedCalendarState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.ManagedCalendarState = state
	return nil
}

func (r *fakeCredentialRepo) UpdateSyncCursor(_ context.Context, userID string, syncToken *string, lastPulledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.SyncToken = syncToken
	cred.LastPulledAt = &lastPulledAt
	return nil
}

func (r *fakeCredentialRepo) ClearSyncCursor(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.SyncToken = nil
	return nil
}

func (r *fakeCredentialRepo) SetWatchVerifyRequested(_ context.Context, userID string, requested bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	cred.WatchVerifyRequested = requested
	return nil
}

func (r *fakeCredentialRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[userID]; !ok {
		return store.ErrNotFound
	}
	delete(r.creds, userID)
	return nil
}

// fakeWatchChannelRepo is an in-memory WatchChannelRepository.
type fakeWatchChannelRepo struct {
	mu       sync.Mutex
	channels map[string]*store.WatchChannel // keyed by calendar id
}

func newFakeWatchChannelRepo() *fakeWatchChannelRepo {
	return &fakeWatchChannelRepo{channels: make(map[string]*store.WatchChannel)}
}

func (r *fakeWatchChannelRepo) GetByCalendar(_ context.Context, calendarID string) (*store.WatchChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[calendarID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (r *fakeWatchChannelRepo) GetByChannelID(_ context.Context, channelID string) (*store.WatchChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		if ch.ChannelID == channelID {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeWatchChannelRepo) ListByUser(_ context.Context, userID string) ([]store.WatchChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.WatchChannel
	for _, ch := range r.channels {
		if ch.UserID == userID {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (r *fakeWatchChannelRepo) Replace(_ context.Context, ch *store.WatchChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ch
	r.channels[ch.CalendarID] = &cp
	return nil
}

func (r *fakeWatchChannelRepo) DeleteByCalendar(_ context.Context, calendarID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, calendarID)
	return nil
}

func (r *fakeWatchChannelRepo) DeleteByUser(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cal, ch := range r.channels {
		if ch.UserID == userID {
			delete(r.channels, cal)
		}
	}
	return nil
}

// fakeAppointmentRepo is an in-memory AppointmentRepository.
type fakeAppointmentRepo struct {
	mu    sync.Mutex
	appts map[string]*store.Appointment
}

func newFakeAppointmentRepo() *fakeAppointmentRepo {
	return &fakeAppointmentRepo{appts: make(map[string]*store.Appointment)}
}

func (r *fakeAppointmentRepo) put(appt *store.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *appt
	r.appts[appt.ID] = &cp
}

func (r *fakeAppointmentRepo) get(id string) *store.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return nil
	}
	cp := *appt
	return &cp
}

func (r *fakeAppointmentRepo) GetByID(_ context.Context, id string) (*store.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *appt
	return &cp, nil
}

func (r *fakeAppointmentRepo) GetByRemoteEventID(_ context.Context, userID, remoteEventID string) (*store.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, appt := range r.appts {
		if appt.UserID == userID && appt.RemoteEventID != nil && *appt.RemoteEventID == remoteEventID {
			cp := *appt
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeAppointmentRepo) ListPendingSync(_ context.Context, userID string) ([]store.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Appointment
	for _, appt := range r.appts {
		if appt.UserID == userID && appt.PendingSync {
			out = append(out, *appt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeAppointmentRepo) ListLinked(_ context.Context, userID string) ([]store.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Appointment
	for _, appt := range r.appts {
		if appt.UserID == userID && appt.RemoteEventID != nil {
			out = append(out, *appt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeAppointmentRepo) Create(_ context.Context, appt *store.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[appt.ID]; ok {
		return fmt.Errorf("appointment %s already exists", appt.ID)
	}
	cp := *appt
	r.appts[appt.ID] = &cp
	return nil
}

func (r *fakeAppointmentRepo) MarkPendingSync(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.PendingSync = true
	return nil
}

func (r *fakeAppointmentRepo) MarkDeleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.Deleted = true
	appt.PendingSync = true
	return nil
}

func (r *fakeAppointmentRepo) ApplyRemoteLinkage(_ context.Context, id, remoteEventID, etag string, remoteUpdatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.RemoteEventID = &remoteEventID
	appt.RemoteEtag = etag
	appt.RemoteUpdatedAt = &remoteUpdatedAt
	appt.PendingSync = false
	return nil
}

func (r *fakeAppointmentRepo) ApplyRemoteSchedule(_ context.Context, id, title, location string, startsAt, endsAt time.Time, etag string, remoteUpdatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.Title = title
	appt.Location = location
	appt.StartsAt = startsAt
	appt.EndsAt = endsAt
	appt.ScheduleUpdatedAt = remoteUpdatedAt
	appt.RemoteEtag = etag
	appt.RemoteUpdatedAt = &remoteUpdatedAt
	return nil
}

func (r *fakeAppointmentRepo) ApplyRemoteNote(_ context.Context, id, prepNote string, etag string, remoteUpdatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.PrepNote = prepNote
	appt.NoteUpdatedAt = remoteUpdatedAt
	appt.RemoteEtag = etag
	appt.RemoteUpdatedAt = &remoteUpdatedAt
	return nil
}

func (r *fakeAppointmentRepo) RefreshRemoteEtag(_ context.Context, id, etag string, remoteUpdatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	appt, ok := r.appts[id]
	if !ok {
		return store.ErrNotFound
	}
	appt.RemoteEtag = etag
	appt.RemoteUpdatedAt = &remoteUpdatedAt
	return nil
}

func (r *fakeAppointmentRepo) Purge(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.appts, id)
	return nil
}

func (r *fakeAppointmentRepo) ClearLinkage(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, appt := range r.appts {
		if appt.UserID == userID {
			appt.RemoteEventID = nil
			appt.RemoteEtag = ""
			appt.RemoteUpdatedAt = nil
			appt.PendingSync = false
		}
	}
	return nil
}

// fakeCalendar is an in-memory CalendarAPI. Events live in per-calendar maps;
// list order follows insertion order.
type fakeCalendar struct {
	mu       sync.Mutex
	events   map[string][]*gcal.Event // calendar id -> events, cancelled kept
	channels map[string]string        // channel id -> resource id

	calendarSeq int
	eventSeq    int
	etagSeq     int
	clock       time.Time

	nextSyncToken string
	// expiredSyncTokens makes listings with these tokens fail with 410.
	expiredSyncTokens map[string]bool
	// missingCalendars makes listings on these calendars fail as not-found.
	missingCalendars map[string]bool
	// failInserts makes the next n InsertEvent calls fail with failErr.
	failInserts int
	failErr     error

	listCalls   int
	insertCalls int
	patchCalls  int
	deleteCalls int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:            make(map[string][]*gcal.Event),
		channels:          make(map[string]string),
		clock:             time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		nextSyncToken:     "sync-1",
		expiredSyncTokens: make(map[string]bool),
		missingCalendars:  make(map[string]bool),
	}
}

func (c *fakeCalendar) tick() time.Time {
	c.clock = c.clock.Add(time.Minute)
	return c.clock
}

// seedEvent adds a remote event directly, as if another client created it.
func (c *fakeCalendar) seedEvent(calendarID string, ev gcal.Event) *gcal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.ID == "" {
		c.eventSeq++
		ev.ID = fmt.Sprintf("ev-%d", c.eventSeq)
	}
	if ev.Etag == "" {
		c.etagSeq++
		ev.Etag = fmt.Sprintf("etag-%d", c.etagSeq)
	}
	if ev.Updated.IsZero() {
		ev.Updated = c.tick()
	}
	cp := ev
	c.events[calendarID] = append(c.events[calendarID], &cp)
	return &cp
}

func (c *fakeCalendar) findEvent(calendarID, eventID string) *gcal.Event {
	for _, ev := range c.events[calendarID] {
		if ev.ID == eventID {
			return ev
		}
	}
	return nil
}

func (c *fakeCalendar) ListEvents(_ context.Context, calendarID string, q gcal.ListQuery) (*gcal.EventPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.missingCalendars[calendarID] {
		return nil, gcal.ErrCalendarMissing
	}
	if q.SyncToken != "" && c.expiredSyncTokens[q.SyncToken] {
		return nil, gcal.ErrCursorInvalid
	}
	page := &gcal.EventPage{NextSyncToken: c.nextSyncToken}
	for _, ev := range c.events[calendarID] {
		cp := *ev
		page.Events = append(page.Events, cp)
	}
	return page, nil
}

func (c *fakeCalendar) InsertEvent(_ context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertCalls++
	if c.failInserts > 0 {
		c.failInserts--
		return nil, c.failErr
	}
	c.eventSeq++
	c.etagSeq++
	cp := *ev
	cp.ID = fmt.Sprintf("ev-%d", c.eventSeq)
	cp.Etag = fmt.Sprintf("etag-%d", c.etagSeq)
	cp.Updated = c.tick()
	c.events[calendarID] = append(c.events[calendarID], &cp)
	out := cp
	return &out, nil
}

func (c *fakeCalendar) PatchEvent(_ context.Context, calendarID, eventID string, ev *gcal.Event) (*gcal.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patchCalls++
	existing := c.findEvent(calendarID, eventID)
	if existing == nil {
		return nil, gcal.ErrCalendarMissing
	}
	existing.Summary = ev.Summary
	existing.Description = ev.Description
	existing.Location = ev.Location
	existing.Start = ev.Start
	existing.End = ev.End
	c.etagSeq++
	existing.Etag = fmt.Sprintf("etag-%d", c.etagSeq)
	existing.Updated = c.tick()
	out := *existing
	return &out, nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if ev := c.findEvent(calendarID, eventID); ev != nil {
		ev.Cancelled = true
		ev.Updated = c.tick()
	}
	return nil
}

func (c *fakeCalendar) CreateCalendar(_ context.Context, summary, description string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendarSeq++
	id := fmt.Sprintf("cal-%d", c.calendarSeq)
	c.events[id] = nil
	return id, nil
}

func (c *fakeCalendar) CalendarExists(_ context.Context, calendarID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.events[calendarID]
	return ok, nil
}

func (c *fakeCalendar) GrantACL(_ context.Context, calendarID, email, role string) error {
	return nil
}

func (c *fakeCalendar) Watch(_ context.Context, calendarID, channelID, address string) (*gcal.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resourceID := "res-" + channelID
	c.channels[channelID] = resourceID
	return &gcal.Channel{
		ID:         channelID,
		ResourceID: resourceID,
		Expiration: time.Now().Add(7 * 24 * time.Hour),
	}, nil
}

func (c *fakeCalendar) StopChannel(_ context.Context, channelID, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
	return nil
}

func (c *fakeCalendar) factory() CalendarFactory {
	return func(_ context.Context, _ string) (CalendarAPI, error) {
		return c, nil
	}
}

// connectedCredential returns an active credential with a long-lived token so
// no refresh is attempted during the test.
func connectedCredential(userID, calendarID string) *store.Credential {
	expiry := time.Now().Add(time.Hour)
	return &store.Credential{
		UserID:               userID,
		AccessToken:          "access-token",
		RefreshToken:         "refresh-token",
		TokenType:            "Bearer",
		ExpiresAt:            &expiry,
		GoogleEmail:          "user@example.com",
		ManagedCalendarID:    &calendarID,
		ManagedCalendarState: store.ManagedCalendarActive,
	}
}
