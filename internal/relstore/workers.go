package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

// WorkerRepo persists domain.WorkerRecord rows, C8's view of a channel's
// worker process.
type WorkerRepo struct{ q querier }

// Upsert inserts or replaces a worker record for a channel.
func (r *WorkerRepo) Upsert(ctx context.Context, w domain.WorkerRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO worker_records (channel_id, handle, started_at, lifecycle, last_error, restart_attempts, next_restart_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			handle = excluded.handle,
			started_at = excluded.started_at,
			lifecycle = excluded.lifecycle,
			last_error = excluded.last_error,
			restart_attempts = excluded.restart_attempts,
			next_restart_at = excluded.next_restart_at`,
		w.ChannelID, w.Handle, nullTime(w.StartedAt), string(w.Lifecycle), w.LastError,
		w.RestartAttempts, nullTime(w.NextRestartAt))
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_upsert", err)
	}
	return nil
}

// Get loads a channel's worker record.
func (r *WorkerRepo) Get(ctx context.Context, channelID string) (domain.WorkerRecord, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT channel_id, handle, started_at, lifecycle, last_error, restart_attempts, next_restart_at
		FROM worker_records WHERE channel_id = ?`, channelID)
	return scanWorkerRecord(row)
}

// SetLifecycle transitions a worker's lifecycle state.
func (r *WorkerRepo) SetLifecycle(ctx context.Context, channelID string, lifecycle domain.WorkerLifecycle, lastError string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE worker_records SET lifecycle = ?, last_error = ? WHERE channel_id = ?`,
		string(lifecycle), lastError, channelID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_set_lifecycle", err)
	}
	return nil
}

// IncrementRestartAttempts bumps the restart counter and schedules the next
// backoff deadline, per the control-loop restart policy.
func (r *WorkerRepo) IncrementRestartAttempts(ctx context.Context, channelID string, nextRestartAt time.Time) (int, error) {
	_, err := r.q.ExecContext(ctx, `
		UPDATE worker_records SET restart_attempts = restart_attempts + 1, next_restart_at = ?
		WHERE channel_id = ?`, nextRestartAt, channelID)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_increment_restart", err)
	}
	w, err := r.Get(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return w.RestartAttempts, nil
}

// ResetRestartAttempts clears the restart counter after a sustained healthy run.
func (r *WorkerRepo) ResetRestartAttempts(ctx context.Context, channelID string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE worker_records SET restart_attempts = 0, next_restart_at = NULL WHERE channel_id = ?`, channelID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_reset_restart", err)
	}
	return nil
}

// List returns every worker record.
func (r *WorkerRepo) List(ctx context.Context) ([]domain.WorkerRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT channel_id, handle, started_at, lifecycle, last_error, restart_attempts, next_restart_at
		FROM worker_records`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_list", err)
	}
	defer rows.Close()

	var out []domain.WorkerRecord
	for rows.Next() {
		w, err := scanWorkerRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkerRecord(row *sql.Row) (domain.WorkerRecord, error) {
	var w domain.WorkerRecord
	var lifecycle string
	var startedAt, nextRestart sql.NullTime
	err := row.Scan(&w.ChannelID, &w.Handle, &startedAt, &lifecycle, &w.LastError, &w.RestartAttempts, &nextRestart)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkerRecord{}, coreerr.New(coreerr.KindNotFound, "worker_record_not_found", "worker record not found")
	}
	if err != nil {
		return domain.WorkerRecord{}, coreerr.Wrap(coreerr.KindStorageUnavailable, "worker_scan", err)
	}
	w.Lifecycle = domain.WorkerLifecycle(lifecycle)
	if startedAt.Valid {
		w.StartedAt = startedAt.Time
	}
	if nextRestart.Valid {
		w.NextRestartAt = nextRestart.Time
	}
	return w, nil
}

func scanWorkerRecordRows(rows *sql.Rows) (domain.WorkerRecord, error) {
	var w domain.WorkerRecord
	var lifecycle string
	var startedAt, nextRestart sql.NullTime
	if err := rows.Scan(&w.ChannelID, &w.Handle, &startedAt, &lifecycle, &w.LastError, &w.RestartAttempts, &nextRestart); err != nil {
		return domain.WorkerRecord{}, fmt.Errorf("relstore: scan worker record row: %w", err)
	}
	w.Lifecycle = domain.WorkerLifecycle(lifecycle)
	if startedAt.Valid {
		w.StartedAt = startedAt.Time
	}
	if nextRestart.Valid {
		w.NextRestartAt = nextRestart.Time
	}
	return w, nil
}
