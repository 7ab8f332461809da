package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const credentialColumns = `user_id, access_token, refresh_token, token_type, scope, expires_at,
	needs_reauth, google_subject, google_email, calendar_id, managed_calendar_id,
	managed_calendar_state, managed_calendar_acl_role, sync_token, last_pulled_at,
	watch_verify_requested, created_at, updated_at`

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

func (r *credentialRepo) Get(ctx context.Context, userID string) (*Credential, error) {
	defer observeDB(ctx, "credentials.get")()

	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE user_id=$1`, userID)
	cred, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (r *credentialRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	defer observeDB(ctx, "credentials.list_user_ids")()

	rows, err := r.pool.Query(ctx, `SELECT user_id FROM credentials WHERE NOT needs_reauth ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *credentialRepo) Upsert(ctx context.Context, cred *Credential) error {
	defer observeDB(ctx, "credentials.upsert")()

	access, err := r.cipher.Seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.cipher.Seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	const q = `INSERT INTO credentials
		(user_id, access_token, refresh_token, token_type, scope, expires_at,
		 google_subject, google_email, calendar_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (user_id) DO UPDATE SET
		access_token = EXCLUDED.access_token,
		refresh_token = EXCLUDED.refresh_token,
		token_type = EXCLUDED.token_type,
		scope = EXCLUDED.scope,
		expires_at = EXCLUDED.expires_at,
		needs_reauth = FALSE,
		google_subject = EXCLUDED.google_subject,
		google_email = EXCLUDED.google_email,
		calendar_id = COALESCE(EXCLUDED.calendar_id, credentials.calendar_id),
		updated_at = NOW()`
	_, err = r.pool.Exec(ctx, q, cred.UserID, access, refresh, cred.TokenType,
		strings.Join(cred.Scope, " "), cred.ExpiresAt, cred.GoogleSubject,
		cred.GoogleEmail, cred.CalendarID)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *credentialRepo) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken, tokenType string, scope []string, expiresAt *time.Time) error {
	defer observeDB(ctx, "credentials.update_tokens")()

	access, err := r.cipher.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh := ""
	if refreshToken != "" {
		refresh, err = r.cipher.Seal(refreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}

	const q = `UPDATE credentials SET
		access_token = $2,
		refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
		token_type = CASE WHEN $4 = '' THEN token_type ELSE $4 END,
		scope = CASE WHEN $5 = '' THEN scope ELSE $5 END,
		expires_at = $6,
		needs_reauth = FALSE,
		updated_at = NOW()
	WHERE user_id = $1`
	tag, err := r.pool.Exec(ctx, q, userID, access, refresh, tokenType, strings.Join(scope, " "), expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) SetNeedsReauth(ctx context.Context, userID string, needsReauth bool) error {
	defer observeDB(ctx, "credentials.set_needs_reauth")()

	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET needs_reauth=$2, updated_at=NOW() WHERE user_id=$1`, userID, needsReauth)
	if err != nil {
		return fmt.Errorf("set needs_reauth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) UpdateManagedCalendar(ctx context.Context, userID string, calendarID *string, state ManagedCalendarState, aclRole string) error {
	defer observeDB(ctx, "credentials.update_managed_calendar")()

	// A calendar change invalidates the cursor issued for the old calendar.
	const q = `UPDATE credentials SET
		sync_token = CASE WHEN managed_calendar_id IS DISTINCT FROM $2 THEN NULL ELSE sync_token END,
		managed_calendar_id = $2,
		managed_calendar_state = $3,
		managed_calendar_acl_role = $4,
		updated_at = NOW()
	WHERE user_id = $1`
	tag, err := r.pool.Exec(ctx, q, userID, calendarID, state, aclRole)
	if err != nil {
		return fmt.Errorf("update managed calendar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) SetManagedCalendarState(ctx context.Context, userID string, state ManagedCalendarState) error {
	defer observeDB(ctx, "credentials.set_managed_calendar_state")()

	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET managed_calendar_state=$2, updated_at=NOW() WHERE user_id=$1`, userID, state)
	if err != nil {
		return fmt.Errorf("set managed calendar state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) UpdateSyncCursor(ctx context.Context, userID string, syncToken *string, lastPulledAt time.Time) error {
	defer observeDB(ctx, "credentials.update_sync_cursor")()

	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET sync_token=$2, last_pulled_at=$3, updated_at=NOW() WHERE user_id=$1`,
		userID, syncToken, lastPulledAt)
	if err != nil {
		return fmt.Errorf("update sync cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) ClearSyncCursor(ctx context.Context, userID string) error {
	defer observeDB(ctx, "credentials.clear_sync_cursor")()

	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET sync_token=NULL, updated_at=NOW() WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("clear sync cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) SetWatchVerifyRequested(ctx context.Context, userID string, requested bool) error {
	defer observeDB(ctx, "credentials.set_watch_verify")()

	tag, err := r.pool.Exec(ctx,
		`UPDATE credentials SET watch_verify_requested=$2, updated_at=NOW() WHERE user_id=$1`, userID, requested)
	if err != nil {
		return fmt.Errorf("set watch_verify_requested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, userID string) error {
	defer observeDB(ctx, "credentials.delete")()

	tag, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) scan(row pgx.Row) (*Credential, error) {
	var cred Credential
	var access, refresh, scope string
	if err := row.Scan(&cred.UserID, &access, &refresh, &cred.TokenType, &scope,
		&cred.ExpiresAt, &cred.NeedsReauth, &cred.GoogleSubject, &cred.GoogleEmail,
		&cred.CalendarID, &cred.ManagedCalendarID, &cred.ManagedCalendarState,
		&cred.ManagedCalendarACLRole, &cred.SyncToken, &cred.LastPulledAt,
		&cred.WatchVerifyRequested, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if cred.AccessToken, err = r.cipher.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if cred.RefreshToken, err = r.cipher.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	if scope != "" {
		cred.Scope = strings.Fields(scope)
	}
	return &cred, nil
}

// watchChannelRepo implements WatchChannelRepository.
type watchChannelRepo struct {
	pool *pgxpool.Pool
}

const watchChannelColumns = `channel_id, resource_id, calendar_id, user_id, expiration, created_at`

func (r *watchChannelRepo) GetByCalendar(ctx context.Context, calendarID string) (*WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.get_by_calendar")()
	return r.get(ctx, `SELECT `+watchChannelColumns+` FROM watch_channels WHERE calendar_id=$1`, calendarID)
}

func (r *watchChannelRepo) GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.get_by_channel_id")()
	return r.get(ctx, `SELECT `+watchChannelColumns+` FROM watch_channels WHERE channel_id=$1`, channelID)
}

func (r *watchChannelRepo) get(ctx context.Context, q, arg string) (*WatchChannel, error) {
	var ch WatchChannel
	err := r.pool.QueryRow(ctx, q, arg).Scan(&ch.ChannelID, &ch.ResourceID, &ch.CalendarID,
		&ch.UserID, &ch.Expiration, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watch channel: %w", err)
	}
	return &ch, nil
}

func (r *watchChannelRepo) ListByUser(ctx context.Context, userID string) ([]WatchChannel, error) {
	defer observeDB(ctx, "watch_channels.list_by_user")()

	rows, err := r.pool.Query(ctx,
		`SELECT `+watchChannelColumns+` FROM watch_channels WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list watch channels: %w", err)
	}
	defer rows.Close()

	var channels []WatchChannel
	for rows.Next() {
		var ch WatchChannel
		if err := rows.Scan(&ch.ChannelID, &ch.ResourceID, &ch.CalendarID, &ch.UserID,
			&ch.Expiration, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan watch channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (r *watchChannelRepo) Replace(ctx context.Context, ch *WatchChannel) error {
	defer observeDB(ctx, "watch_channels.replace")()

	const q = `INSERT INTO watch_channels (channel_id, resource_id, calendar_id, user_id, expiration)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (calendar_id) DO UPDATE SET
		channel_id = EXCLUDED.channel_id,
		resource_id = EXCLUDED.resource_id,
		user_id = EXCLUDED.user_id,
		expiration = EXCLUDED.expiration,
		created_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, ch.ChannelID, ch.ResourceID, ch.CalendarID, ch.UserID, ch.Expiration); err != nil {
		return fmt.Errorf("replace watch channel: %w", err)
	}
	return nil
}

func (r *watchChannelRepo) DeleteByCalendar(ctx context.Context, calendarID string) error {
	defer observeDB(ctx, "watch_channels.delete_by_calendar")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM watch_channels WHERE calendar_id=$1`, calendarID); err != nil {
		return fmt.Errorf("delete watch channel: %w", err)
	}
	return nil
}

func (r *watchChannelRepo) DeleteByUser(ctx context.Context, userID string) error {
	defer observeDB(ctx, "watch_channels.delete_by_user")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM watch_channels WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete watch channels: %w", err)
	}
	return nil
}

// appointmentRepo implements AppointmentRepository.
type appointmentRepo struct {
	pool *pgxpool.Pool
}

const appointmentColumns = `id, user_id, title, location, prep_note, starts_at, ends_at, deleted,
	schedule_updated_at, note_updated_at, remote_event_id, remote_etag, remote_updated_at,
	pending_sync, created_at`

func (r *appointmentRepo) GetByID(ctx context.Context, id string) (*Appointment, error) {
	defer observeDB(ctx, "appointments.get_by_id")()

	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id=$1`, id)
	return scanAppointment(row)
}

func (r *appointmentRepo) GetByRemoteEventID(ctx context.Context, userID, remoteEventID string) (*Appointment, error) {
	defer observeDB(ctx, "appointments.get_by_remote_event_id")()

	row := r.pool.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id=$1 AND remote_event_id=$2`,
		userID, remoteEventID)
	return scanAppointment(row)
}

func (r *appointmentRepo) ListPendingSync(ctx context.Context, userID string) ([]Appointment, error) {
	defer observeDB(ctx, "appointments.list_pending_sync")()
	return r.list(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id=$1 AND pending_sync ORDER BY created_at`,
		userID)
}

func (r *appointmentRepo) ListLinked(ctx context.Context, userID string) ([]Appointment, error) {
	defer observeDB(ctx, "appointments.list_linked")()
	return r.list(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id=$1 AND remote_event_id IS NOT NULL ORDER BY created_at`,
		userID)
}

func (r *appointmentRepo) list(ctx context.Context, q string, args ...any) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, *appt)
	}
	return appts, rows.Err()
}

func (r *appointmentRepo) Create(ctx context.Context, appt *Appointment) error {
	defer observeDB(ctx, "appointments.create")()

	const q = `INSERT INTO appointments
		(id, user_id, title, location, prep_note, starts_at, ends_at,
		 schedule_updated_at, note_updated_at, remote_event_id, remote_etag,
		 remote_updated_at, pending_sync)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, q, appt.ID, appt.UserID, appt.Title, appt.Location,
		appt.PrepNote, appt.StartsAt, appt.EndsAt, appt.ScheduleUpdatedAt,
		appt.NoteUpdatedAt, appt.RemoteEventID, appt.RemoteEtag,
		appt.RemoteUpdatedAt, appt.PendingSync)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepo) MarkPendingSync(ctx context.Context, id string) error {
	defer observeDB(ctx, "appointments.mark_pending_sync")()
	return r.exec(ctx, `UPDATE appointments SET pending_sync=TRUE WHERE id=$1`, id)
}

func (r *appointmentRepo) MarkDeleted(ctx context.Context, id string) error {
	defer observeDB(ctx, "appointments.mark_deleted")()
	return r.exec(ctx, `UPDATE appointments SET deleted=TRUE, pending_sync=TRUE WHERE id=$1`, id)
}

func (r *appointmentRepo) ApplyRemoteLinkage(ctx context.Context, id, remoteEventID, etag string, remoteUpdatedAt time.Time) error {
	defer observeDB(ctx, "appointments.apply_remote_linkage")()
	return r.exec(ctx,
		`UPDATE appointments SET remote_event_id=$2, remote_etag=$3, remote_updated_at=$4, pending_sync=FALSE WHERE id=$1`,
		id, remoteEventID, etag, remoteUpdatedAt)
}

func (r *appointmentRepo) ApplyRemoteSchedule(ctx context.Context, id, title, location string, startsAt, endsAt time.Time, etag string, remoteUpdatedAt time.Time) error {
	defer observeDB(ctx, "appointments.apply_remote_schedule")()

	// schedule_updated_at takes the remote timestamp so a remote-applied
	// change never looks like a newer local edit.
	const q = `UPDATE appointments SET
		title=$2, location=$3, starts_at=$4, ends_at=$5,
		schedule_updated_at=$6, remote_etag=$7, remote_updated_at=$6
	WHERE id=$1`
	return r.exec(ctx, q, id, title, location, startsAt, endsAt, remoteUpdatedAt, etag)
}

func (r *appointmentRepo) ApplyRemoteNote(ctx context.Context, id, prepNote string, etag string, remoteUpdatedAt time.Time) error {
	defer observeDB(ctx, "appointments.apply_remote_note")()

	const q = `UPDATE appointments SET
		prep_note=$2, note_updated_at=$3, remote_etag=$4, remote_updated_at=$3
	WHERE id=$1`
	return r.exec(ctx, q, id, prepNote, remoteUpdatedAt, etag)
}

func (r *appointmentRepo) RefreshRemoteEtag(ctx context.Context, id, etag string, remoteUpdatedAt time.Time) error {
	defer observeDB(ctx, "appointments.refresh_remote_etag")()
	return r.exec(ctx,
		`UPDATE appointments SET remote_etag=$2, remote_updated_at=$3 WHERE id=$1`,
		id, etag, remoteUpdatedAt)
}

func (r *appointmentRepo) Purge(ctx context.Context, id string) error {
	defer observeDB(ctx, "appointments.purge")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id=$1`, id); err != nil {
		return fmt.Errorf("purge appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepo) ClearLinkage(ctx context.Context, userID string) error {
	defer observeDB(ctx, "appointments.clear_linkage")()

	const q = `UPDATE appointments SET
		remote_event_id=NULL, remote_etag='', remote_updated_at=NULL, pending_sync=FALSE
	WHERE user_id=$1`
	if _, err := r.pool.Exec(ctx, q, userID); err != nil {
		return fmt.Errorf("clear linkage: %w", err)
	}
	return nil
}

func (r *appointmentRepo) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var appt Appointment
	err := row.Scan(&appt.ID, &appt.UserID, &appt.Title, &appt.Location, &appt.PrepNote,
		&appt.StartsAt, &appt.EndsAt, &appt.Deleted, &appt.ScheduleUpdatedAt,
		&appt.NoteUpdatedAt, &appt.RemoteEventID, &appt.RemoteEtag,
		&appt.RemoteUpdatedAt, &appt.PendingSync, &appt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	return &appt, nil
}
