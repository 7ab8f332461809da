package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/calsync/internal/config"
	"github.com/carebridge/calsync/internal/store"
)

// renewalMargin is how long before expiration a channel is considered
// expiring and gets replaced. Renewal must happen strictly before expiry or
// remote changes go unnoticed until the next scheduled pull.
const renewalMargin = time.Hour

// WatchManager keeps at most one live push-notification channel per managed
// calendar.
type WatchManager struct {
	cfg       *config.Config
	channels  store.WatchChannelRepository
	tokens    *TokenAuthority
	calendars CalendarFactory
	now       func() time.Time
}

func NewWatchManager(cfg *config.Config, channels store.WatchChannelRepository, tokens *TokenAuthority, calendars CalendarFactory) *WatchManager {
	return &WatchManager{cfg: cfg, channels: channels, tokens: tokens, calendars: calendars, now: time.Now}
}

// RefreshWatch is an idempotent, safe re-registration: it stops channels on
// obsolete calendars (e.g. after migration), keeps a still-fresh channel, and
// replaces a missing or expiring one. The periodic sweep that invokes it for
// every user lives outside this package.
func (m *WatchManager) RefreshWatch(ctx context.Context, userID, calendarID string, obsoleteCalendarIDs []string) error {
	_, token, err := m.tokens.EnsureValidAccessToken(ctx, userID)
	if err != nil {
		return err
	}
	api, err := m.calendars(ctx, token)
	if err != nil {
		return err
	}

	for _, obsolete := range obsoleteCalendarIDs {
		if obsolete == calendarID {
			continue
		}
		ch, err := m.channels.GetByCalendar(ctx, obsolete)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := api.StopChannel(ctx, ch.ChannelID, ch.ResourceID); err != nil {
			log.Printf("[WARN] stop watch channel %s on obsolete calendar %s: %v", ch.ChannelID, obsolete, err)
		}
		if err := m.channels.DeleteByCalendar(ctx, obsolete); err != nil {
			return err
		}
	}

	existing, err := m.channels.GetByCalendar(ctx, calendarID)
	switch {
	case err == nil:
		if m.now().Add(renewalMargin).Before(existing.Expiration) {
			return nil
		}
		if err := api.StopChannel(ctx, existing.ChannelID, existing.ResourceID); err != nil {
			log.Printf("[WARN] stop expiring watch channel %s: %v", existing.ChannelID, err)
		}
	case errors.Is(err, store.ErrNotFound):
		// fall through to registration
	default:
		return err
	}

	registered, err := api.Watch(ctx, calendarID, uuid.NewString(), m.cfg.WebhookURL())
	if err != nil {
		return fmt.Errorf("register watch channel: %w", err)
	}
	return m.channels.Replace(ctx, &store.WatchChannel{
		ChannelID:  registered.ID,
		ResourceID: registered.ResourceID,
		CalendarID: calendarID,
		UserID:     userID,
		Expiration: registered.Expiration,
	})
}

// StopAll tears down every channel a user owns; used on disconnect. Provider
// failures are logged, local rows are removed regardless so no channel row
// outlives its credential.
func (m *WatchManager) StopAll(ctx context.Context, userID string) error {
	channels, err := m.channels.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(channels) > 0 {
		if _, token, err := m.tokens.EnsureValidAccessToken(ctx, userID); err == nil {
			if api, err := m.calendars(ctx, token); err == nil {
				for _, ch := range channels {
					if err := api.StopChannel(ctx, ch.ChannelID, ch.ResourceID); err != nil {
						log.Printf("[WARN] stop watch channel %s: %v", ch.ChannelID, err)
					}
				}
			}
		} else {
			log.Printf("[WARN] stopping channels for user %s without valid token: %v", userID, err)
		}
	}
	return m.channels.DeleteByUser(ctx, userID)
}
