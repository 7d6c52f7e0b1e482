// Package audit provides structured WHO/WHAT/WHEN audit logging for
// administrative mutations (account revoke, channel desired-state change,
// discipline switch, scheduler trigger create/delete), backing the
// facade's ListAuditEvents(filter) operation (spec §6.1).
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
)

// auditDB narrows relstore.DB to the repo this logger needs.
type auditDB interface {
	AuditEvents() *relstore.AuditRepo
}

// Logger persists every event and mirrors it to the structured log stream.
type Logger struct {
	db auditDB
}

// NewLogger builds a Logger backed by db.
func NewLogger(db auditDB) *Logger {
	return &Logger{db: db}
}

// Record persists one administrative event. Storage failures are logged as
// warnings rather than propagated — an audit-write outage must not block
// the mutation it is recording.
func (l *Logger) Record(ctx context.Context, actor domain.Principal, action, resource, result string, details string) {
	rec := relstore.AuditRecord{
		ID:         uuid.NewString(),
		OccurredAt: time.Now(),
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Action:     action,
		Resource:   resource,
		Result:     result,
		Details:    details,
	}

	logger := log.WithComponent("audit").With().
		Str("actor_id", rec.ActorID).
		Str("actor_role", rec.ActorRole).
		Str("action", rec.Action).
		Str("resource", rec.Resource).
		Str("result", rec.Result).
		Logger()
	logger.Info().Msg("audit event")

	if err := l.db.AuditEvents().Insert(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("failed to persist audit event")
	}
}

// List returns matching persisted audit records, most recent first.
func (l *Logger) List(ctx context.Context, filter relstore.AuditFilter) ([]relstore.AuditRecord, error) {
	return l.db.AuditEvents().ListEvents(ctx, filter)
}
