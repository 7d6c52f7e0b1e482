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

// PlaylistRepo persists domain.PlaylistItem rows — the durable record of a
// queue entry; ordering itself lives in sharedstore, not here.
type PlaylistRepo struct{ q querier }

// Create inserts a new playlist item.
func (r *PlaylistRepo) Create(ctx context.Context, p domain.PlaylistItem) error {
	if p.CreatedAt.IsZero() {
		return coreerr.New(coreerr.KindValidation, "missing_created_at", "playlist item requires created_at")
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO playlist_items (id, channel_id, source_kind, source_value, title,
			duration_seconds, thumbnail, codec_profile, status, requester_id, requester_role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChannelID, string(p.SourceKind), p.SourceValue, p.Title, p.DurationSeconds,
		p.Thumbnail, p.CodecProfile, string(p.Status), p.RequesterID, string(p.RequesterRole), p.CreatedAt)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_item_create", err)
	}
	return nil
}

// Get loads a single playlist item by ID.
func (r *PlaylistRepo) Get(ctx context.Context, id string) (domain.PlaylistItem, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, channel_id, source_kind, source_value, title, duration_seconds, thumbnail,
			codec_profile, status, requester_id, requester_role, created_at
		FROM playlist_items WHERE id = ?`, id)
	return scanPlaylistItem(row)
}

// ListByChannel returns every item queued for a channel, oldest first.
func (r *PlaylistRepo) ListByChannel(ctx context.Context, channelID string) ([]domain.PlaylistItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, channel_id, source_kind, source_value, title, duration_seconds, thumbnail,
			codec_profile, status, requester_id, requester_role, created_at
		FROM playlist_items WHERE channel_id = ? ORDER BY created_at ASC`, channelID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_list_by_channel", err)
	}
	defer rows.Close()

	var out []domain.PlaylistItem
	for rows.Next() {
		p, err := scanPlaylistItemRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetStatus transitions an item's lifecycle status (queued/playing/played/failed/skipped).
func (r *PlaylistRepo) SetStatus(ctx context.Context, id string, status domain.ItemStatus) error {
	_, err := r.q.ExecContext(ctx, `UPDATE playlist_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_set_status", err)
	}
	return nil
}

// Delete removes a single item.
func (r *PlaylistRepo) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM playlist_items WHERE id = ?`, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_delete", err)
	}
	return nil
}

// DeleteByChannel clears every playlist item row for a channel.
func (r *PlaylistRepo) DeleteByChannel(ctx context.Context, channelID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM playlist_items WHERE channel_id = ?`, channelID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_delete_by_channel", err)
	}
	return nil
}

func scanPlaylistItem(row *sql.Row) (domain.PlaylistItem, error) {
	var p domain.PlaylistItem
	var sourceKind, status, role string
	var createdAt time.Time
	err := row.Scan(&p.ID, &p.ChannelID, &sourceKind, &p.SourceValue, &p.Title, &p.DurationSeconds,
		&p.Thumbnail, &p.CodecProfile, &status, &p.RequesterID, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PlaylistItem{}, coreerr.New(coreerr.KindNotFound, "playlist_item_not_found", "playlist item not found")
	}
	if err != nil {
		return domain.PlaylistItem{}, coreerr.Wrap(coreerr.KindStorageUnavailable, "playlist_item_scan", err)
	}
	p.SourceKind = domain.SourceKind(sourceKind)
	p.Status = domain.ItemStatus(status)
	p.RequesterRole = domain.Role(role)
	p.CreatedAt = createdAt
	return p, nil
}

func scanPlaylistItemRows(rows *sql.Rows) (domain.PlaylistItem, error) {
	var p domain.PlaylistItem
	var sourceKind, status, role string
	var createdAt time.Time
	if err := rows.Scan(&p.ID, &p.ChannelID, &sourceKind, &p.SourceValue, &p.Title, &p.DurationSeconds,
		&p.Thumbnail, &p.CodecProfile, &status, &p.RequesterID, &role, &createdAt); err != nil {
		return domain.PlaylistItem{}, fmt.Errorf("relstore: scan playlist item row: %w", err)
	}
	p.SourceKind = domain.SourceKind(sourceKind)
	p.Status = domain.ItemStatus(status)
	p.RequesterRole = domain.Role(role)
	p.CreatedAt = createdAt
	return p, nil
}
