package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

// ChannelRepo persists domain.Channel rows.
type ChannelRepo struct{ q querier }

// Create inserts a new channel bound to its account.
func (r *ChannelRepo) Create(ctx context.Context, c domain.Channel) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO channels (id, account_id, target_chat_id, display_name, stream_kind,
			encoder_params, placeholder_media, desired_state, observed_state, auto_end_timeout_seconds,
			accepted_codec_profiles)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.TargetChatID, c.DisplayName, string(c.StreamKind),
		c.EncoderParams, c.PlaceholderMedia, string(c.DesiredState), string(c.ObservedState), c.AutoEndTimeoutSec,
		strings.Join(c.AcceptedCodecProfiles, ","))
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_create", err)
	}
	return nil
}

// Get loads a single channel by ID.
func (r *ChannelRepo) Get(ctx context.Context, id string) (domain.Channel, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, account_id, target_chat_id, display_name, stream_kind, encoder_params,
			placeholder_media, desired_state, observed_state, auto_end_timeout_seconds,
			accepted_codec_profiles
		FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// ListByAccount returns every channel bound to an account.
func (r *ChannelRepo) ListByAccount(ctx context.Context, accountID string) ([]domain.Channel, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, account_id, target_chat_id, display_name, stream_kind, encoder_params,
			placeholder_media, desired_state, observed_state, auto_end_timeout_seconds,
			accepted_codec_profiles
		FROM channels WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_list_by_account", err)
	}
	defer rows.Close()
	return scanChannelRows(rows)
}

// List returns every channel row.
func (r *ChannelRepo) List(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, account_id, target_chat_id, display_name, stream_kind, encoder_params,
			placeholder_media, desired_state, observed_state, auto_end_timeout_seconds,
			accepted_codec_profiles
		FROM channels`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_list", err)
	}
	defer rows.Close()
	return scanChannelRows(rows)
}

// SetDesiredState records the operator's intent (running/stopped).
func (r *ChannelRepo) SetDesiredState(ctx context.Context, id string, desired domain.DesiredState) error {
	_, err := r.q.ExecContext(ctx, `UPDATE channels SET desired_state = ? WHERE id = ?`, string(desired), id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_set_desired", err)
	}
	return nil
}

// SetObservedState records C8's reconciled runtime observation.
func (r *ChannelRepo) SetObservedState(ctx context.Context, id string, observed domain.ObservedState) error {
	_, err := r.q.ExecContext(ctx, `UPDATE channels SET observed_state = ? WHERE id = ?`, string(observed), id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_set_observed", err)
	}
	return nil
}

// Delete removes a channel and its dependent rows.
func (r *ChannelRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM playlist_items WHERE channel_id = ?`, id); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_delete_items", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM worker_records WHERE channel_id = ?`, id); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_delete_worker", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM scheduler_triggers WHERE channel_id = ?`, id); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_delete_triggers", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_delete", err)
	}
	return nil
}

func scanChannel(row *sql.Row) (domain.Channel, error) {
	var c domain.Channel
	var streamKind, desired, observed, acceptedProfiles string
	err := row.Scan(&c.ID, &c.AccountID, &c.TargetChatID, &c.DisplayName, &streamKind,
		&c.EncoderParams, &c.PlaceholderMedia, &desired, &observed, &c.AutoEndTimeoutSec, &acceptedProfiles)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, coreerr.New(coreerr.KindNotFound, "channel_not_found", "channel not found")
	}
	if err != nil {
		return domain.Channel{}, coreerr.Wrap(coreerr.KindStorageUnavailable, "channel_scan", err)
	}
	c.StreamKind = domain.StreamKind(streamKind)
	c.DesiredState = domain.DesiredState(desired)
	c.ObservedState = domain.ObservedState(observed)
	c.AcceptedCodecProfiles = splitCSV(acceptedProfiles)
	return c, nil
}

func scanChannelRows(rows *sql.Rows) ([]domain.Channel, error) {
	var out []domain.Channel
	for rows.Next() {
		var c domain.Channel
		var streamKind, desired, observed, acceptedProfiles string
		if err := rows.Scan(&c.ID, &c.AccountID, &c.TargetChatID, &c.DisplayName, &streamKind,
			&c.EncoderParams, &c.PlaceholderMedia, &desired, &observed, &c.AutoEndTimeoutSec, &acceptedProfiles); err != nil {
			return nil, fmt.Errorf("relstore: scan channel row: %w", err)
		}
		c.StreamKind = domain.StreamKind(streamKind)
		c.DesiredState = domain.DesiredState(desired)
		c.ObservedState = domain.ObservedState(observed)
		c.AcceptedCodecProfiles = splitCSV(acceptedProfiles)
		out = append(out, c)
	}
	return out, rows.Err()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
