package relstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
)

// AuditRecord is one persisted administrative event, backing the facade's
// ListAuditEvents(filter) operation (spec §6.1).
type AuditRecord struct {
	ID         string
	OccurredAt time.Time
	ActorID    string
	ActorRole  string
	Action     string
	Resource   string
	Result     string
	Details    string
}

// AuditFilter narrows ListEvents; zero-value fields are unconstrained.
type AuditFilter struct {
	Resource string
	ActorID  string
	Since    time.Time
	Limit    int
}

// AuditRepo persists audit_events rows.
type AuditRepo struct{ q querier }

// Insert records one audit event.
func (r *AuditRepo) Insert(ctx context.Context, rec AuditRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, actor_id, actor_role, action, resource, result, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OccurredAt, rec.ActorID, rec.ActorRole, rec.Action, rec.Resource, rec.Result, rec.Details)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "audit_event_insert", err)
	}
	return nil
}

// ListEvents returns matching audit records, most recent first.
func (r *AuditRepo) ListEvents(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, occurred_at, actor_id, actor_role, action, resource, result, details FROM audit_events WHERE 1=1`
	var args []any
	if filter.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, filter.Resource)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, filter.ActorID)
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY occurred_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "audit_event_list", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.ActorID, &rec.ActorRole, &rec.Action,
			&rec.Resource, &rec.Result, &rec.Details); err != nil {
			return nil, fmt.Errorf("relstore: scan audit event row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
