package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/gcal"
	"github.com/carebridge/calsync/internal/metrics"
	"github.com/carebridge/calsync/internal/store"
)

// Reconciler is the bidirectional diff/apply engine. Pull applies remote
// changes to local plan items, push writes pending local changes to the
// managed calendar. Callers are responsible for per-user serialization; the
// Engine wraps every invocation in the user's lock.
type Reconciler struct {
	cfg       *config.Config
	creds     store.CredentialRepository
	appts     store.AppointmentRepository
	tokens    *TokenAuthority
	calendars CalendarFactory
	now       func() time.Time
}

func NewReconciler(cfg *config.Config, creds store.CredentialRepository, appts store.AppointmentRepository, tokens *TokenAuthority, calendars CalendarFactory) *Reconciler {
	return &Reconciler{cfg: cfg, creds: creds, appts: appts, tokens: tokens, calendars: calendars, now: time.Now}
}

// PullOptions selects between incremental and forced full listing.
type PullOptions struct {
	ForceFull bool
	// OnReconcile, when set, fires once when the pass moves from listing
	// remote changes to applying them.
	OnReconcile func()
}

// PullSummary reports what a pull pass did.
type PullSummary struct {
	FullSync bool
	Applied  int
	Imported int
	Ignored  int
	Requeued int
	Purged   int
}

// PushSummary reports what a push pass did. Failed items stay pending.
type PushSummary struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// Pull lists remote changes (incrementally when a cursor is stored, fully
// otherwise) and applies them to local plan items. The new cursor is
// persisted only after every page of the batch has been applied, so a
// partial failure re-delivers rather than drops changes. A provider-side
// cursor expiry (HTTP 410) clears the cursor and recurses into a full pull;
// it is never surfaced as a failure.
func (r *Reconciler) Pull(ctx context.Context, userID string, opts PullOptions) (*PullSummary, error) {
	cred, token, err := r.tokens.EnsureValidAccessToken(ctx, userID)
	if err != nil {
		metrics.ObserveSyncPass("pull", "error")
		return nil, err
	}
	if cred.ManagedCalendarID == nil || cred.ManagedCalendarState != store.ManagedCalendarActive {
		metrics.ObserveSyncPass("pull", "error")
		return nil, ErrNotProvisioned
	}
	calendarID := *cred.ManagedCalendarID

	api, err := r.calendars(ctx, token)
	if err != nil {
		return nil, err
	}

	syncToken := ""
	if !opts.ForceFull && cred.SyncToken != nil {
		syncToken = *cred.SyncToken
	}
	summary := &PullSummary{FullSync: syncToken == ""}

	nextSyncToken := ""
	pageToken := ""
	for {
		var page *gcal.EventPage
		err := r.withRetry(ctx, func() error {
			var lerr error
			page, lerr = api.ListEvents(ctx, calendarID, gcal.ListQuery{SyncToken: syncToken, PageToken: pageToken})
			return lerr
		})
		if errors.Is(err, gcal.ErrCursorInvalid) {
			metrics.ObserveCursorInvalidation()
			log.Printf("[INFO] sync cursor expired for user %s, falling back to full listing", userID)
			if cerr := r.creds.ClearSyncCursor(ctx, userID); cerr != nil {
				return summary, cerr
			}
			return r.Pull(ctx, userID, PullOptions{ForceFull: true, OnReconcile: opts.OnReconcile})
		}
		if err != nil {
			metrics.ObserveSyncPass("pull", "error")
			return summary, err
		}

		if opts.OnReconcile != nil && len(page.Events) > 0 {
			opts.OnReconcile()
			opts.OnReconcile = nil
		}
		for i := range page.Events {
			if err := r.applyRemoteEvent(ctx, cred, &page.Events[i], summary); err != nil {
				metrics.ObserveSyncPass("pull", "error")
				return summary, err
			}
		}

		if page.NextPageToken == "" {
			nextSyncToken = page.NextSyncToken
			break
		}
		pageToken = page.NextPageToken
	}

	// Cursor advances only now that the whole batch is durably applied.
	cursor := cred.SyncToken
	if nextSyncToken != "" {
		cursor = &nextSyncToken
	}
	if err := r.creds.UpdateSyncCursor(ctx, userID, cursor, r.now()); err != nil {
		return summary, err
	}
	metrics.ObserveEventsPulled(summary.Applied)
	metrics.ObserveSyncPass("pull", "ok")
	return summary, nil
}

// applyRemoteEvent reconciles one remote event against the local plan items.
func (r *Reconciler) applyRemoteEvent(ctx context.Context, cred *store.Credential, ev *gcal.Event, summary *PullSummary) error {
	appt, err := r.appts.GetByRemoteEventID(ctx, cred.UserID, ev.ID)
	if errors.Is(err, store.ErrNotFound) {
		return r.applyUnlinkedEvent(ctx, cred, ev, summary)
	}
	if err != nil {
		return err
	}

	if ev.Cancelled {
		// Remote deletion wins over any local edit; the item is gone.
		summary.Purged++
		return r.appts.Purge(ctx, appt.ID)
	}
	if appt.RemoteEtag == ev.Etag {
		return nil // our own write echoed back, or no drift since last pull
	}
	if ev.Start.IsZero() || ev.End.IsZero() {
		// Converted to all-day or otherwise no longer appointment-shaped.
		// The local schedule wins regardless of timestamps; the re-push
		// restores the timed event.
		if err := r.appts.MarkPendingSync(ctx, appt.ID); err != nil {
			return err
		}
		summary.Requeued++
		return nil
	}

	// Last-writer-wins per field group, not whole-record: collaborators edit
	// prep notes independently of owners editing time/location.
	applied, requeued := false, false

	if scheduleDiffers(appt, ev) {
		if ev.Updated.After(appt.ScheduleUpdatedAt) {
			if err := r.appts.ApplyRemoteSchedule(ctx, appt.ID, ev.Summary, ev.Location, ev.Start, ev.End, ev.Etag, ev.Updated); err != nil {
				return err
			}
			applied = true
		} else {
			requeued = true
		}
	}
	if appt.PrepNote != ev.Description {
		if ev.Updated.After(appt.NoteUpdatedAt) {
			if err := r.appts.ApplyRemoteNote(ctx, appt.ID, ev.Description, ev.Etag, ev.Updated); err != nil {
				return err
			}
			applied = true
		} else {
			requeued = true
		}
	}

	if requeued {
		// Local side won at least one field group; re-push overwrites the
		// remote drift.
		if err := r.appts.MarkPendingSync(ctx, appt.ID); err != nil {
			return err
		}
		summary.Requeued++
	}
	if applied {
		summary.Applied++
	}
	if !applied && !requeued {
		// Etag moved without any mapped field changing (an edit to a field
		// the model does not carry); record it so the next pull
		// short-circuits on the etag match.
		return r.appts.RefreshRemoteEtag(ctx, appt.ID, ev.Etag, ev.Updated)
	}
	return nil
}

// applyUnlinkedEvent handles a remote event no local item points at.
func (r *Reconciler) applyUnlinkedEvent(ctx context.Context, cred *store.Credential, ev *gcal.Event, summary *PullSummary) error {
	if ev.AppItemID != "" {
		// System-created event. Either our own insert echoed back before the
		// linkage write landed, or a migrated event whose item lost its link.
		if ev.Cancelled {
			return nil
		}
		appt, err := r.appts.GetByID(ctx, ev.AppItemID)
		if errors.Is(err, store.ErrNotFound) {
			summary.Ignored++ // event for an item that no longer exists
			return nil
		}
		if err != nil {
			return err
		}
		if appt.RemoteEventID == nil {
			return r.appts.ApplyRemoteLinkage(ctx, appt.ID, ev.ID, ev.Etag, ev.Updated)
		}
		summary.Ignored++
		return nil
	}

	if ev.Cancelled {
		return nil
	}
	if !r.cfg.Sync.ImportExternalEvents {
		summary.Ignored++
		return nil
	}
	if ev.Start.IsZero() || ev.End.IsZero() {
		summary.Ignored++ // all-day or malformed; not appointment-shaped
		return nil
	}

	evID := ev.ID
	updated := ev.Updated
	summary.Imported++
	return r.appts.Create(ctx, &store.Appointment{
		ID:                uuid.NewString(),
		UserID:            cred.UserID,
		Title:             ev.Summary,
		Location:          ev.Location,
		PrepNote:          ev.Description,
		StartsAt:          ev.Start,
		EndsAt:            ev.End,
		ScheduleUpdatedAt: ev.Updated,
		NoteUpdatedAt:     ev.Updated,
		RemoteEventID:     &evID,
		RemoteEtag:        ev.Etag,
		RemoteUpdatedAt:   &updated,
		PendingSync:       false,
	})
}

// Push writes every pending local change to the managed calendar. Pending is
// cleared per item only on confirmed success; transient failures leave the
// item queued for the next pass. Terminal errors (auth expired, calendar
// gone) stop the pass immediately.
func (r *Reconciler) Push(ctx context.Context, userID string) (*PushSummary, error) {
	cred, token, err := r.tokens.EnsureValidAccessToken(ctx, userID)
	if err != nil {
		metrics.ObserveSyncPass("push", "error")
		return nil, err
	}
	if cred.ManagedCalendarID == nil || cred.ManagedCalendarState != store.ManagedCalendarActive {
		metrics.ObserveSyncPass("push", "error")
		return nil, ErrNotProvisioned
	}
	calendarID := *cred.ManagedCalendarID

	api, err := r.calendars(ctx, token)
	if err != nil {
		return nil, err
	}

	items, err := r.appts.ListPendingSync(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := &PushSummary{}
	if len(items) == 0 {
		metrics.ObserveSyncPass("push", "ok")
		return summary, nil
	}

	var firstErr error
	for i := range items {
		err := r.pushItem(ctx, api, calendarID, &items[i], summary)
		if err == nil {
			continue
		}
		if errors.Is(err, gcal.ErrAuthExpired) || errors.Is(err, gcal.ErrCalendarMissing) {
			metrics.ObserveSyncPass("push", "error")
			return summary, err
		}
		summary.Failed++
		log.Printf("[WARN] push appointment %s for user %s: %v", items[i].ID, userID, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	// A calendar write can race a webhook already in flight, so every push
	// requests watch verification on the next pass.
	if err := r.creds.SetWatchVerifyRequested(ctx, userID, true); err != nil {
		return summary, err
	}
	if firstErr != nil {
		metrics.ObserveSyncPass("push", "partial")
		return summary, fmt.Errorf("%d of %d pending items failed: %w", summary.Failed, len(items), firstErr)
	}
	metrics.ObserveSyncPass("push", "ok")
	return summary, nil
}

func (r *Reconciler) pushItem(ctx context.Context, api CalendarAPI, calendarID string, item *store.Appointment, summary *PushSummary) error {
	if item.Deleted {
		if item.RemoteEventID != nil {
			err := r.withRetry(ctx, func() error {
				return api.DeleteEvent(ctx, calendarID, *item.RemoteEventID)
			})
			if err != nil {
				return err
			}
			metrics.ObserveEventPushed("delete")
			summary.Deleted++
		}
		return r.appts.Purge(ctx, item.ID)
	}

	ev := &gcal.Event{
		Summary:     item.Title,
		Description: item.PrepNote,
		Location:    item.Location,
		Start:       item.StartsAt,
		End:         item.EndsAt,
		AppItemID:   item.ID,
	}

	var written *gcal.Event
	if item.RemoteEventID == nil {
		err := r.withRetry(ctx, func() error {
			var werr error
			written, werr = api.InsertEvent(ctx, calendarID, ev)
			return werr
		})
		if err != nil {
			return err
		}
		metrics.ObserveEventPushed("insert")
		summary.Created++
	} else {
		err := r.withRetry(ctx, func() error {
			var werr error
			written, werr = api.PatchEvent(ctx, calendarID, *item.RemoteEventID, ev)
			return werr
		})
		if err != nil {
			return err
		}
		metrics.ObserveEventPushed("patch")
		summary.Updated++
	}
	return r.appts.ApplyRemoteLinkage(ctx, item.ID, written.ID, written.Etag, written.Updated)
}

// withRetry runs op with capped exponential backoff and jitter. Only
// transient and rate-limit failures retry; everything else is permanent.
func (r *Reconciler) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Sync.BackoffBase
	policy.MaxInterval = r.cfg.Sync.BackoffCap
	policy.MaxElapsedTime = 0

	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, gcal.ErrTransient) || errors.Is(err, gcal.ErrRateLimited) {
			return err
		}
		return backoff.Permanent(err)
	}
	capped := backoff.WithMaxRetries(policy, uint64(r.cfg.Sync.BackoffMaxAttempts-1))
	return backoff.Retry(attempt, backoff.WithContext(capped, ctx))
}

func scheduleDiffers(appt *store.Appointment, ev *gcal.Event) bool {
	return appt.Title != ev.Summary ||
		appt.Location != ev.Location ||
		!appt.StartsAt.Equal(ev.Start) ||
		!appt.EndsAt.Equal(ev.End)
}
