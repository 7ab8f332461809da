package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/gcal"
	"github.com/carebridge/calsync/internal/metrics"
	"github.com/carebridge/calsync/internal/store"
)

// Engine is the facade the HTTP layer talks to. It composes the token
// authority, provisioner, reconciler, and watch manager and enforces the
// one-pass-per-user serialization that the components assume.
type Engine struct {
	cfg         *config.Config
	store       *store.Store
	tokens      *TokenAuthority
	provisioner *Provisioner
	reconciler  *Reconciler
	watches     *WatchManager
	locks       *userLocks
}

func NewEngine(cfg *config.Config, st *store.Store, tokens *TokenAuthority, calendars CalendarFactory) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		tokens:      tokens,
		provisioner: NewProvisioner(st.Credentials, st.Appointments, tokens, calendars),
		reconciler:  NewReconciler(cfg, st.Credentials, st.Appointments, tokens, calendars),
		watches:     NewWatchManager(cfg, st.WatchChannels, tokens, calendars),
		locks:       newUserLocks(),
	}
}

// Tokens exposes the token authority for the HTTP auth handlers.
func (e *Engine) Tokens() *TokenAuthority { return e.tokens }

// ConnectResult is returned after a completed authorization flow.
type ConnectResult struct {
	CalendarID        string `json:"calendarId"`
	CalendarCreated   bool   `json:"calendarCreated"`
	EventsMigrated    int    `json:"eventsMigrated"`
	MigrationsPending int    `json:"migrationsPending"`
	GoogleEmail       string `json:"googleEmail,omitempty"`
}

// Connect completes an authorization: exchanges the code, provisions the
// managed calendar, migrates legacy events, registers the watch channel, and
// runs the first full sync. The whole sequence holds the user's lock.
func (e *Engine) Connect(ctx context.Context, userID, code, pkceVerifier, redirectURI string) (*ConnectResult, error) {
	lock := e.locks.get(userID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	cred, err := e.tokens.ExchangeAuthorizationCode(ctx, userID, code, pkceVerifier, redirectURI)
	if err != nil {
		return nil, err
	}

	calendarID, created, err := e.provisioner.EnsureManagedCalendar(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ConnectResult{
		CalendarID:      calendarID,
		CalendarCreated: created,
		GoogleEmail:     cred.GoogleEmail,
	}

	report, err := e.provisioner.MigrateEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.EventsMigrated = report.Migrated
	result.MigrationsPending = report.Pending

	if err := e.watches.RefreshWatch(ctx, userID, calendarID, report.PreviousCalendarIDs); err != nil {
		// A failed watch registration degrades to periodic pulls; the sweep
		// retries it. Connecting still succeeds.
		log.Printf("[WARN] register watch channel for user %s: %v", userID, err)
	}

	force := report.Migrated > 0
	if _, _, err := e.syncOnce(ctx, userID, lock, force); err != nil {
		return nil, err
	}
	return result, nil
}

// SyncReport is the outcome of one manual or scheduled pass.
type SyncReport struct {
	Pull *PullSummary `json:"pull"`
	Push *PushSummary `json:"push"`
}

// TriggerManualSync runs a full pull+push pass for the user, serialized with
// any in-flight pass. A missing or broken managed calendar is reprovisioned
// here before the pass, so a manual sync is the recovery path when the user
// deleted the calendar remotely.
func (e *Engine) TriggerManualSync(ctx context.Context, userID string) (*SyncReport, error) {
	lock := e.locks.get(userID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	cred, err := e.store.Credentials.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}

	forceFull := false
	if cred.ManagedCalendarID == nil || cred.ManagedCalendarState != store.ManagedCalendarActive {
		if _, _, err := e.provisioner.EnsureManagedCalendar(ctx, userID); err != nil {
			return nil, err
		}
		forceFull = true
	}

	pull, push, err := e.syncOnce(ctx, userID, lock, forceFull)
	if err != nil {
		return nil, err
	}
	return &SyncReport{Pull: pull, Push: push}, nil
}

// syncOnce is the pull-then-push pass. Callers must hold lock.mu. The pull
// runs first so local conflict resolution sees the freshest remote state
// before pending items are pushed.
func (e *Engine) syncOnce(ctx context.Context, userID string, lock *userLock, forceFull bool) (*PullSummary, *PushSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Sync.PassTimeout)
	defer cancel()

	lock.setState(StatePulling)
	pull, err := e.reconciler.Pull(ctx, userID, PullOptions{
		ForceFull:   forceFull,
		OnReconcile: func() { lock.setState(StateReconciling) },
	})
	if err != nil {
		e.noteSyncFailure(ctx, userID, err)
		lock.setState(StateError)
		return pull, nil, err
	}

	lock.setState(StatePushing)
	push, err := e.reconciler.Push(ctx, userID)
	if err != nil {
		e.noteSyncFailure(ctx, userID, err)
		lock.setState(StateError)
		return pull, push, err
	}

	e.verifyWatchIfRequested(ctx, userID)

	lock.setState(StateIdle)
	return pull, push, nil
}

// noteSyncFailure persists user-visible status for terminal pass failures.
// Auth expiry is already flagged by the token authority via needs_reauth; a
// vanished managed calendar is flagged here so status surfaces it and the
// next manual sync reprovisions.
func (e *Engine) noteSyncFailure(ctx context.Context, userID string, err error) {
	if !errors.Is(err, gcal.ErrCalendarMissing) {
		return
	}
	if serr := e.store.Credentials.SetManagedCalendarState(ctx, userID, store.ManagedCalendarError); serr != nil {
		log.Printf("[WARN] flag missing managed calendar for user %s: %v", userID, serr)
	}
}

// verifyWatchIfRequested re-checks the watch channel after a pass that wrote
// remote events, since those writes race notifications already in flight. A
// failure here degrades to the periodic sweep and is never fatal to the pass.
func (e *Engine) verifyWatchIfRequested(ctx context.Context, userID string) {
	cred, err := e.store.Credentials.Get(ctx, userID)
	if err != nil || !cred.WatchVerifyRequested || cred.ManagedCalendarID == nil {
		return
	}
	if err := e.watches.RefreshWatch(ctx, userID, *cred.ManagedCalendarID, nil); err != nil {
		log.Printf("[WARN] verify watch channel for user %s: %v", userID, err)
		return
	}
	if err := e.store.Credentials.SetWatchVerifyRequested(ctx, userID, false); err != nil {
		log.Printf("[WARN] clear watch verify flag for user %s: %v", userID, err)
	}
}

// HandleNotification processes one webhook delivery. Unknown channels are
// ignored (stale registrations keep firing until their TTL lapses); known
// channels schedule a coalesced pull.
func (e *Engine) HandleNotification(ctx context.Context, channelID, resourceID, resourceState string) {
	if channelID == "" {
		metrics.ObserveWebhook("malformed")
		return
	}
	ch, err := e.store.WatchChannels.GetByChannelID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveWebhook("unknown_channel")
		return
	}
	if err != nil {
		metrics.ObserveWebhook("error")
		log.Printf("[ERROR] look up watch channel %s: %v", channelID, err)
		return
	}
	if resourceID != "" && ch.ResourceID != resourceID {
		metrics.ObserveWebhook("resource_mismatch")
		return
	}
	if ch.Expiration.Before(time.Now()) {
		// Google can keep delivering briefly past expiry; the replacement
		// channel re-announces anything this one carried.
		metrics.ObserveWebhook("stale_channel")
		return
	}
	if resourceState == "sync" {
		// Registration handshake, not a change notification.
		metrics.ObserveWebhook("handshake")
		return
	}

	metrics.ObserveWebhook("accepted")
	e.EnqueuePull(ch.UserID)
}

// EnqueuePull schedules an asynchronous pull+push pass. Back-to-back calls
// while a pass is running collapse into a single queued follow-up.
func (e *Engine) EnqueuePull(userID string) {
	lock := e.locks.get(userID)
	if !lock.markPullPending() {
		return
	}
	go e.runPull(userID, lock)
}

func (e *Engine) runPull(userID string, lock *userLock) {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	lock.clearPullPending()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Sync.PassTimeout)
	defer cancel()
	if _, _, err := e.syncOnce(ctx, userID, lock, false); err != nil {
		log.Printf("[WARN] notification-triggered sync for user %s: %v", userID, err)
	}
}

// IntegrationStatus is the connection summary surfaced to clients.
type IntegrationStatus struct {
	Connected            bool       `json:"connected"`
	NeedsReauth          bool       `json:"needsReauth"`
	GoogleEmail          string     `json:"googleEmail,omitempty"`
	ManagedCalendarID    string     `json:"managedCalendarId,omitempty"`
	ManagedCalendarState string     `json:"managedCalendarState,omitempty"`
	SyncState            string     `json:"syncState"`
	LastPulledAt         *time.Time `json:"lastPulledAt,omitempty"`
	WatchExpiresAt       *time.Time `json:"watchExpiresAt,omitempty"`
	PendingItems         int        `json:"pendingItems"`
}

// GetIntegrationStatus reports the user's connection without touching the
// provider. A missing credential is not an error, just "not connected".
func (e *Engine) GetIntegrationStatus(ctx context.Context, userID string) (*IntegrationStatus, error) {
	status := &IntegrationStatus{SyncState: string(StateIdle)}

	cred, err := e.store.Credentials.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}

	status.Connected = true
	status.NeedsReauth = cred.NeedsReauth
	status.GoogleEmail = cred.GoogleEmail
	status.ManagedCalendarState = string(cred.ManagedCalendarState)
	status.LastPulledAt = cred.LastPulledAt
	status.SyncState = string(e.locks.get(userID).currentState())
	if cred.ManagedCalendarID != nil {
		status.ManagedCalendarID = *cred.ManagedCalendarID
	}

	pending, err := e.store.Appointments.ListPendingSync(ctx, userID)
	if err != nil {
		return nil, err
	}
	status.PendingItems = len(pending)

	if cred.ManagedCalendarID != nil {
		ch, err := e.store.WatchChannels.GetByCalendar(ctx, *cred.ManagedCalendarID)
		if err == nil {
			exp := ch.Expiration
			status.WatchExpiresAt = &exp
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return status, nil
}

// Disconnect stops watch channels, deletes the credential, and detaches
// appointments from their remote events. Local appointment data is kept; only
// the linkage goes. Remote events stay on the managed calendar, which remains
// in the user's Google account.
func (e *Engine) Disconnect(ctx context.Context, userID string) error {
	lock := e.locks.get(userID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if err := e.watches.StopAll(ctx, userID); err != nil {
		return err
	}
	if err := e.store.Appointments.ClearLinkage(ctx, userID); err != nil {
		return err
	}
	err := e.store.Credentials.Delete(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	lock.setState(StateIdle)
	return nil
}

// RefreshAllWatches renews expiring watch channels for every connected user.
// Invoked by the background sweep in main.
func (e *Engine) RefreshAllWatches(ctx context.Context) {
	userIDs, err := e.store.Credentials.ListUserIDs(ctx)
	if err != nil {
		log.Printf("[ERROR] list users for watch sweep: %v", err)
		return
	}
	for _, userID := range userIDs {
		e.sweepUserWatch(ctx, userID)
	}
}

// sweepUserWatch renews one user's channel under the user's lock, so the
// sweep never races an in-flight pass registering the same calendar.
func (e *Engine) sweepUserWatch(ctx context.Context, userID string) {
	lock := e.locks.get(userID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	cred, err := e.store.Credentials.Get(ctx, userID)
	if err != nil {
		log.Printf("[WARN] watch sweep: load credential for user %s: %v", userID, err)
		return
	}
	if cred.NeedsReauth || cred.ManagedCalendarID == nil || cred.ManagedCalendarState != store.ManagedCalendarActive {
		return
	}
	if err := e.watches.RefreshWatch(ctx, userID, *cred.ManagedCalendarID, nil); err != nil {
		if errors.Is(err, gcal.ErrAuthExpired) || errors.Is(err, ErrNotConnected) {
			return
		}
		log.Printf("[WARN] watch sweep: refresh channel for user %s: %v", userID, err)
	}
}
