// Package control implements the C8 process controller: starts and stops
// C7 workers through the Supervisor capability, persists WorkerRecord,
// enforces the restart-on-failure policy, and reconciles desired vs.
// observed state on a fixed interval (spec §4.8).
package control

import (
	"context"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
)

// SessionChecker is C4's atomicity gate, consulted before every Start.
type SessionChecker interface {
	CheckStartAllowed(ctx context.Context, accountID string) error
}

// channelDB narrows relstore.DB to what the controller needs.
type channelDB interface {
	Channels() *relstore.ChannelRepo
	Workers() *relstore.WorkerRepo
}

// Deps bundles the controller's collaborators.
type Deps struct {
	DB                         channelDB
	Queue                      *queue.Engine
	Hub                        *eventhub.Hub
	Supervisor                 transport.Supervisor
	Session                    SessionChecker
	GracefulStopTimeout        time.Duration
	RestartBackoff             time.Duration
	RestartAttemptsBeforeError int
}

// Controller is C8.
type Controller struct {
	deps Deps
}

// New builds a Controller, defaulting unset durations/counters to the
// spec's stated figures (10s graceful stop, 10s restart backoff, 5
// failures before giving up).
func New(deps Deps) *Controller {
	if deps.GracefulStopTimeout <= 0 {
		deps.GracefulStopTimeout = 10 * time.Second
	}
	if deps.RestartBackoff <= 0 {
		deps.RestartBackoff = 10 * time.Second
	}
	if deps.RestartAttemptsBeforeError <= 0 {
		deps.RestartAttemptsBeforeError = 5
	}
	return &Controller{deps: deps}
}

// Start validates the account's session is active, writes desired_state and
// a starting WorkerRecord, then asks the supervisor to bring the worker up.
// The atomicity gate and the desired_state write happen before the
// supervisor call so a crash between them only ever leaves a worker that
// reconciliation will (re)start, never one running against a refused
// session (spec §4.4's atomicity requirement).
func (c *Controller) Start(ctx context.Context, channelID string) error {
	ch, err := c.deps.DB.Channels().Get(ctx, channelID)
	if err != nil {
		return err
	}
	if err := c.deps.Session.CheckStartAllowed(ctx, ch.AccountID); err != nil {
		c.publishAlert("warning", "start_refused_session_unavailable", channelID)
		return err
	}
	if err := c.deps.DB.Channels().SetDesiredState(ctx, channelID, domain.DesiredRunning); err != nil {
		return err
	}
	if err := c.deps.DB.Workers().Upsert(ctx, domain.WorkerRecord{
		ChannelID: channelID,
		StartedAt: time.Now(),
		Lifecycle: domain.WorkerStarting,
	}); err != nil {
		return err
	}
	return c.deps.Supervisor.Start(ctx, channelID, nil, nil)
}

// Stop writes desired_state=stopped and asks the supervisor to bring the
// worker down within the graceful-stop timeout.
func (c *Controller) Stop(ctx context.Context, channelID string) error {
	if err := c.deps.DB.Channels().SetDesiredState(ctx, channelID, domain.DesiredStopped); err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(ctx, c.deps.GracefulStopTimeout)
	defer cancel()
	if err := c.deps.Supervisor.Stop(stopCtx, channelID); err != nil {
		return err
	}
	return c.deps.DB.Workers().SetLifecycle(ctx, channelID, domain.WorkerStopped, "")
}

// StopAllForAccount implements session.WorkerStopper: every worker bound to
// accountID is stopped, within the bounded timeout C8 enforces.
func (c *Controller) StopAllForAccount(ctx context.Context, accountID string) error {
	channels, err := c.deps.DB.Channels().ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ch := range channels {
		if err := c.Stop(ctx, ch.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequestStop implements autoend.StopRequester: the auto-end controller
// requests a single channel stop on firing.
func (c *Controller) RequestStop(ctx context.Context, channelID string) error {
	err := c.Stop(ctx, channelID)
	if err == nil {
		c.publishAlert("info", "auto_end_stop", channelID)
	}
	return err
}

// Reconcile compares every channel's desired_state against the supervisor's
// observed Status once, applying the restart policy on drift (spec §4.8's
// 30s reconciliation loop, run once per call so callers control cadence).
func (c *Controller) Reconcile(ctx context.Context) {
	channels, err := c.deps.DB.Channels().List(ctx)
	if err != nil {
		log.WithComponent("control").Warn().Err(err).Msg("reconcile: list channels failed")
		return
	}
	var running float64
	for _, ch := range channels {
		status, err := c.deps.Supervisor.Status(ctx, ch.ID)
		if err != nil {
			log.WithComponent("control").Warn().Err(err).Str("channel_id", ch.ID).Msg("reconcile: status failed")
			continue
		}

		switch {
		case ch.DesiredState == domain.DesiredRunning && (status == transport.StatusInactive || status == transport.StatusFailed):
			c.handleRestart(ctx, ch)
		case ch.DesiredState == domain.DesiredStopped && status == transport.StatusActive:
			_ = c.Stop(ctx, ch.ID)
		}

		observed := observedFor(status)
		if observed == domain.ObservedRunning {
			running++
		}
		_ = c.deps.DB.Channels().SetObservedState(ctx, ch.ID, observed)
	}
	metrics.StreamsActive.Set(running)
}

// RunLoop drives Reconcile on interval until ctx is cancelled.
func (c *Controller) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile(ctx)
		}
	}
}

func (c *Controller) handleRestart(ctx context.Context, ch domain.Channel) {
	rec, err := c.deps.DB.Workers().Get(ctx, ch.ID)
	if err != nil {
		rec = domain.WorkerRecord{ChannelID: ch.ID}
	}
	if rec.RestartAttempts >= c.deps.RestartAttemptsBeforeError {
		_ = c.deps.DB.Workers().SetLifecycle(ctx, ch.ID, domain.WorkerFailed, "restart_attempts_exceeded")
		c.publishAlert("error", "worker_restart_exhausted", ch.ID)
		return
	}
	if !rec.NextRestartAt.IsZero() && time.Now().Before(rec.NextRestartAt) {
		return
	}

	next := time.Now().Add(c.deps.RestartBackoff)
	if _, err := c.deps.DB.Workers().IncrementRestartAttempts(ctx, ch.ID, next); err != nil {
		log.WithComponent("control").Warn().Err(err).Str("channel_id", ch.ID).Msg("failed to record restart attempt")
	}
	metrics.WorkerRestartsTotal.WithLabelValues(ch.ID).Inc()
	if err := c.deps.Supervisor.Start(ctx, ch.ID, nil, nil); err != nil {
		log.WithComponent("control").Warn().Err(err).Str("channel_id", ch.ID).Msg("restart attempt failed")
	}
}

func observedFor(status transport.SupervisorStatus) domain.ObservedState {
	switch status {
	case transport.StatusActive:
		return domain.ObservedRunning
	case transport.StatusActivating:
		return domain.ObservedStarting
	case transport.StatusDeactivating:
		return domain.ObservedStopping
	case transport.StatusFailed:
		return domain.ObservedError
	case transport.StatusInactive:
		return domain.ObservedStopped
	default:
		return domain.ObservedUnknown
	}
}

// HealthSummary is C8's per-worker view, aggregated from the store and the
// worker's own reported state, never by shelling into the host (spec
// §4.8's "per-worker log/health endpoints").
type HealthSummary struct {
	Status        string
	UptimeSeconds float64
	QueueSize     int
	LastError     string
}

// HealthSummary returns the aggregated health view for one channel.
func (c *Controller) HealthSummary(ctx context.Context, channelID string) (HealthSummary, error) {
	rec, err := c.deps.DB.Workers().Get(ctx, channelID)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{Status: string(rec.Lifecycle), LastError: rec.LastError}
	if !rec.StartedAt.IsZero() {
		summary.UptimeSeconds = time.Since(rec.StartedAt).Seconds()
	}
	if c.deps.Queue != nil {
		if items, err := c.deps.Queue.Snapshot(ctx, channelID); err == nil {
			summary.QueueSize = len(items)
		}
	}
	return summary, nil
}

func (c *Controller) publishAlert(level, code, channelID string) {
	if c.deps.Hub == nil {
		return
	}
	c.deps.Hub.Publish(eventhub.Event{
		Type:      eventhub.EventSystemAlert,
		ChannelID: channelID,
		Payload:   map[string]any{"level": level, "code": code},
	})
}
