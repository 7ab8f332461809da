package sync

import (
	"context"
	"fmt"
	"log"

	"github.com/carebridge/calsync/internal/gcal"
	"github.com/carebridge/calsync/internal/store"
)

const (
	managedCalendarSummary     = "CareBridge Appointments"
	managedCalendarDescription = "Care-coordination appointments managed by CareBridge. Do not edit the calendar itself; events sync both ways."
	managedCalendarACLRole     = "owner"
)

// Provisioner ensures a dedicated, system-owned calendar exists for a user
// and migrates app events off any calendar the user connected before the
// managed calendar existed.
type Provisioner struct {
	creds     store.CredentialRepository
	appts     store.AppointmentRepository
	tokens    *TokenAuthority
	calendars CalendarFactory
}

func NewProvisioner(creds store.CredentialRepository, appts store.AppointmentRepository, tokens *TokenAuthority, calendars CalendarFactory) *Provisioner {
	return &Provisioner{creds: creds, appts: appts, tokens: tokens, calendars: calendars}
}

// MigrationReport summarizes one migration pass. Migrated>0 obliges the
// caller to force a full resync.
type MigrationReport struct {
	Migrated            int
	Pending             int
	PreviousCalendarIDs []string
}

// EnsureManagedCalendar is idempotent: an active calendar that still resolves
// remotely is returned as-is; anything else provisions a fresh one. Remote
// failures leave the state at "error" and surface to the caller, which owns
// retry policy.
func (p *Provisioner) EnsureManagedCalendar(ctx context.Context, userID string) (calendarID string, created bool, err error) {
	cred, token, err := p.tokens.EnsureValidAccessToken(ctx, userID)
	if err != nil {
		return "", false, err
	}
	api, err := p.calendars(ctx, token)
	if err != nil {
		return "", false, err
	}

	if cred.ManagedCalendarID != nil && cred.ManagedCalendarState == store.ManagedCalendarActive {
		exists, err := api.CalendarExists(ctx, *cred.ManagedCalendarID)
		if err != nil {
			return "", false, err
		}
		if exists {
			// ACL grants can be revoked externally; re-verify on every pass.
			if err := p.ensureACL(ctx, api, cred, *cred.ManagedCalendarID); err != nil {
				return "", false, err
			}
			return *cred.ManagedCalendarID, false, nil
		}
		log.Printf("[WARN] managed calendar %s for user %s no longer resolves; reprovisioning", *cred.ManagedCalendarID, userID)
	}

	if err := p.creds.SetManagedCalendarState(ctx, userID, store.ManagedCalendarProvisioning); err != nil {
		return "", false, err
	}

	id, err := api.CreateCalendar(ctx, managedCalendarSummary, managedCalendarDescription)
	if err != nil {
		_ = p.creds.SetManagedCalendarState(ctx, userID, store.ManagedCalendarError)
		return "", false, fmt.Errorf("create managed calendar: %w", err)
	}
	if err := p.ensureACL(ctx, api, cred, id); err != nil {
		_ = p.creds.SetManagedCalendarState(ctx, userID, store.ManagedCalendarError)
		return "", false, err
	}
	if err := p.creds.UpdateManagedCalendar(ctx, userID, &id, store.ManagedCalendarActive, managedCalendarACLRole); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (p *Provisioner) ensureACL(ctx context.Context, api CalendarAPI, cred *store.Credential, calendarID string) error {
	if cred.GoogleEmail == "" {
		return nil
	}
	if err := api.GrantACL(ctx, calendarID, cred.GoogleEmail, managedCalendarACLRole); err != nil {
		return fmt.Errorf("grant calendar acl: %w", err)
	}
	return nil
}

// MigrateEvents recreates app-marked events from the user's previously
// connected calendar onto the managed one and relinks their appointments.
// Events missing required fields stay behind and are counted as pending.
func (p *Provisioner) MigrateEvents(ctx context.Context, userID string) (*MigrationReport, error) {
	cred, token, err := p.tokens.EnsureValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := &MigrationReport{}

	if cred.ManagedCalendarID == nil {
		return nil, ErrNotProvisioned
	}
	managedID := *cred.ManagedCalendarID
	if cred.CalendarID == nil || *cred.CalendarID == managedID {
		return report, nil
	}
	legacyID := *cred.CalendarID
	report.PreviousCalendarIDs = []string{legacyID}

	api, err := p.calendars(ctx, token)
	if err != nil {
		return nil, err
	}

	pageToken := ""
	for {
		page, err := api.ListEvents(ctx, legacyID, gcal.ListQuery{PageToken: pageToken})
		if err != nil {
			return report, fmt.Errorf("list legacy calendar: %w", err)
		}
		for i := range page.Events {
			ev := page.Events[i]
			if ev.Cancelled || ev.AppItemID == "" {
				continue // only events this system created move calendars
			}
			if ev.Summary == "" || ev.Start.IsZero() || ev.End.IsZero() {
				report.Pending++
				continue
			}
			created, err := api.InsertEvent(ctx, managedID, &ev)
			if err != nil {
				report.Pending++
				log.Printf("[WARN] migrate event %s for user %s: %v", ev.ID, userID, err)
				continue
			}
			if appt, err := p.appts.GetByID(ctx, ev.AppItemID); err == nil {
				if err := p.appts.ApplyRemoteLinkage(ctx, appt.ID, created.ID, created.Etag, created.Updated); err != nil {
					return report, err
				}
			}
			if err := api.DeleteEvent(ctx, legacyID, ev.ID); err != nil {
				log.Printf("[WARN] remove migrated event %s from legacy calendar: %v", ev.ID, err)
			}
			report.Migrated++
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return report, nil
}
