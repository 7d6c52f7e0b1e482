package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

// TriggerRepo persists domain.SchedulerTrigger rows (C9).
type TriggerRepo struct{ q querier }

// Create inserts a new scheduler trigger.
func (r *TriggerRepo) Create(ctx context.Context, t domain.SchedulerTrigger) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scheduler_triggers (id, channel_id, playlist_ref, cron_expression, wall_time, recurrence, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChannelID, t.PlaylistRef, t.CronExpression, nullTime(t.WallTime), t.Recurrence, boolToInt(t.Enabled))
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_create", err)
	}
	return nil
}

// Get loads a single trigger by ID.
func (r *TriggerRepo) Get(ctx context.Context, id string) (domain.SchedulerTrigger, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, channel_id, playlist_ref, cron_expression, wall_time, recurrence, enabled
		FROM scheduler_triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

// ListEnabled returns every enabled trigger, the scheduler's load set at start-up.
func (r *TriggerRepo) ListEnabled(ctx context.Context) ([]domain.SchedulerTrigger, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, channel_id, playlist_ref, cron_expression, wall_time, recurrence, enabled
		FROM scheduler_triggers WHERE enabled = 1`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_list_enabled", err)
	}
	defer rows.Close()
	return scanTriggerRows(rows)
}

// ListByChannel returns every trigger for a channel.
func (r *TriggerRepo) ListByChannel(ctx context.Context, channelID string) ([]domain.SchedulerTrigger, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, channel_id, playlist_ref, cron_expression, wall_time, recurrence, enabled
		FROM scheduler_triggers WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_list_by_channel", err)
	}
	defer rows.Close()
	return scanTriggerRows(rows)
}

// SetEnabled toggles a trigger on or off without deleting its definition.
func (r *TriggerRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.q.ExecContext(ctx, `UPDATE scheduler_triggers SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_set_enabled", err)
	}
	return nil
}

// Delete removes a trigger.
func (r *TriggerRepo) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM scheduler_triggers WHERE id = ?`, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_delete", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTrigger(row *sql.Row) (domain.SchedulerTrigger, error) {
	var t domain.SchedulerTrigger
	var wallTime sql.NullTime
	var enabled int
	err := row.Scan(&t.ID, &t.ChannelID, &t.PlaylistRef, &t.CronExpression, &wallTime, &t.Recurrence, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SchedulerTrigger{}, coreerr.New(coreerr.KindNotFound, "trigger_not_found", "scheduler trigger not found")
	}
	if err != nil {
		return domain.SchedulerTrigger{}, coreerr.Wrap(coreerr.KindStorageUnavailable, "trigger_scan", err)
	}
	if wallTime.Valid {
		t.WallTime = wallTime.Time
	}
	t.Enabled = enabled != 0
	return t, nil
}

func scanTriggerRows(rows *sql.Rows) ([]domain.SchedulerTrigger, error) {
	var out []domain.SchedulerTrigger
	for rows.Next() {
		var t domain.SchedulerTrigger
		var wallTime sql.NullTime
		var enabled int
		if err := rows.Scan(&t.ID, &t.ChannelID, &t.PlaylistRef, &t.CronExpression, &wallTime, &t.Recurrence, &enabled); err != nil {
			return nil, fmt.Errorf("relstore: scan trigger row: %w", err)
		}
		if wallTime.Valid {
			t.WallTime = wallTime.Time
		}
		t.Enabled = enabled != 0
		out = append(out, t)
	}
	return out, rows.Err()
}
