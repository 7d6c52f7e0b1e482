// Package scheduler implements the C9 persistent scheduling primitive:
// cron and wall-clock triggers loaded from the relational store, fired
// exactly once per occurrence across every replica via a shared-store
// dedup key, going through the same entry points an operator's manual
// "enqueue and run" call would use (spec §4.9).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/ratelimit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

// catchUpWindow is the global grace period: a trigger due since the last
// successful tick, up to this far in the past, still fires (spec §9 Open
// Question, resolved in SPEC_FULL.md §D.3).
const catchUpWindow = 5 * time.Minute

const dedupTTL = 24 * time.Hour

const elevatedBucket = "elevated"

// Enqueuer performs a fired trigger's operation: "enqueue playlist P on
// channel C and ensure desired_state=running" through the same C3/C8 entry
// points an operator-issued request would use.
type Enqueuer interface {
	EnqueueAndEnsureRunning(ctx context.Context, channelID, playlistRef string, principal domain.Principal) error
}

// triggerDB narrows relstore.DB to what the scheduler needs.
type triggerDB interface {
	Triggers() *relstore.TriggerRepo
	Channels() *relstore.ChannelRepo
}

// Scheduler evaluates enabled triggers on a fixed tick.
type Scheduler struct {
	db       triggerDB
	store    *sharedstore.Store
	limiter  *ratelimit.Limiter
	enqueuer Enqueuer
	parser   cron.Parser
}

// New builds a Scheduler.
func New(db triggerDB, store *sharedstore.Store, limiter *ratelimit.Limiter, enqueuer Enqueuer) *Scheduler {
	return &Scheduler{
		db:       db,
		store:    store,
		limiter:  limiter,
		enqueuer: enqueuer,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Tick evaluates every enabled trigger once against now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	triggers, err := s.db.Triggers().ListEnabled(ctx)
	if err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("failed to list enabled triggers")
		return
	}
	for _, t := range triggers {
		for _, fireTime := range s.occurrencesInWindow(t, now) {
			s.fireOnce(ctx, t, fireTime)
		}
	}
}

// RunLoop drives Tick on interval until ctx is cancelled.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// occurrencesInWindow returns every due fire time in (now-catchUpWindow, now]
// for a cron-recurring trigger, or the single wall-clock time if it falls in
// that window.
func (s *Scheduler) occurrencesInWindow(t domain.SchedulerTrigger, now time.Time) []time.Time {
	windowStart := now.Add(-catchUpWindow)

	if t.CronExpression != "" {
		sched, err := s.parser.Parse(t.CronExpression)
		if err != nil {
			log.WithComponent("scheduler").Warn().Err(err).Str("trigger_id", t.ID).Msg("invalid cron expression")
			return nil
		}
		var out []time.Time
		cursor := windowStart
		for i := 0; i < 16; i++ {
			next := sched.Next(cursor)
			if next.IsZero() || next.After(now) {
				break
			}
			out = append(out, next)
			cursor = next
		}
		return out
	}

	if !t.WallTime.IsZero() && !t.WallTime.Before(windowStart) && !t.WallTime.After(now) {
		return []time.Time{t.WallTime}
	}
	return nil
}

// fireOnce dedups a (trigger_id, fire_time) occurrence across every
// replica, then runs the trigger's effect exactly once.
func (s *Scheduler) fireOnce(ctx context.Context, t domain.SchedulerTrigger, fireTime time.Time) {
	dedupKey := fmt.Sprintf("scheduler:fired:%s:%d", t.ID, fireTime.Unix())
	acquired, err := s.store.SetNX(ctx, dedupKey, "1", dedupTTL)
	if err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Str("trigger_id", t.ID).Msg("dedup check failed")
		return
	}
	if !acquired {
		return
	}

	ch, err := s.db.Channels().Get(ctx, t.ChannelID)
	if err != nil {
		metrics.SchedulerFiresTotal.WithLabelValues(t.ID, "channel_not_found").Inc()
		return
	}

	decision, err := s.limiter.Check(ctx, elevatedBucket, ch.AccountID)
	if err != nil || !decision.Allowed {
		metrics.SchedulerFiresTotal.WithLabelValues(t.ID, "rate_limited").Inc()
		return
	}

	// System-triggered operations act with the account's own authority, not
	// an interactive operator's — superadmin is the closest role in the
	// closed set to "scheduler acting on the account's behalf".
	principal := domain.Principal{ID: ch.AccountID, Role: domain.RoleSuperadmin}
	if err := s.enqueuer.EnqueueAndEnsureRunning(ctx, t.ChannelID, t.PlaylistRef, principal); err != nil {
		metrics.SchedulerFiresTotal.WithLabelValues(t.ID, "error").Inc()
		log.WithComponent("scheduler").Warn().Err(err).Str("trigger_id", t.ID).Msg("trigger fire failed")
		return
	}
	metrics.SchedulerFiresTotal.WithLabelValues(t.ID, "success").Inc()

	if t.CronExpression == "" {
		_ = s.db.Triggers().SetEnabled(ctx, t.ID, false)
	}
}
