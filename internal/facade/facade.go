// Package facade exposes the single service surface the HTTP layer (an
// external collaborator, out of scope for this module) drives: every
// principal-driven mutation passes the role check and then the rate limiter
// (C1), then is routed to the owning component, with administrative actions
// additionally recorded through the audit logger (spec §1, §6.1). The
// scheduler's EnqueueAndEnsureRunning path has neither role check nor rate
// limiter.
package facade

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sattva2020/tg-video-stream-sub003/internal/audit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/control"
	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/ratelimit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/session"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
	"github.com/sattva2020/tg-video-stream-sub003/internal/worker"
)

const (
	bucketStandard = "standard"
	bucketElevated = "elevated"
	bucketStrict   = "strict"
)

// Authorization matrix mirroring spec §6.1: "administrative operations
// require admin or superadmin; moderator allowed on a specified subset;
// operator limited to start/stop/restart on their channels; user limited
// to queue additions." RoleVIP isn't part of §6.1's principal role set —
// it only ever appears as a cached PlaylistItem.RequesterRole for priority
// scoring — so it is treated as a queue-addition-only principal, same as
// RoleUser.
var (
	queueAdditionRoles = map[domain.Role]bool{
		domain.RoleUser: true, domain.RoleVIP: true, domain.RoleOperator: true,
		domain.RoleModerator: true, domain.RoleAdmin: true, domain.RoleSuperadmin: true,
	}
	moderatorSubsetRoles = map[domain.Role]bool{
		domain.RoleModerator: true, domain.RoleAdmin: true, domain.RoleSuperadmin: true,
	}
	channelControlRoles = map[domain.Role]bool{
		domain.RoleOperator: true, domain.RoleModerator: true, domain.RoleAdmin: true, domain.RoleSuperadmin: true,
	}
	administrativeRoles = map[domain.Role]bool{
		domain.RoleAdmin: true, domain.RoleSuperadmin: true,
	}
)

// facadeDB narrows relstore.DB to what the facade reads directly.
type facadeDB interface {
	Channels() *relstore.ChannelRepo
	Triggers() *relstore.TriggerRepo
}

// workerLookup exposes a channel's live Worker for direct intents.
type workerLookup interface {
	Worker(channelID string) (*worker.Worker, bool)
}

// Deps bundles every component the facade routes to.
type Deps struct {
	DB      facadeDB
	Limiter *ratelimit.Limiter
	Queue   *queue.Engine
	Session *session.Manager
	Control *control.Controller
	Audit   *audit.Logger
	Workers workerLookup
}

// Facade is the single entry point for every mutating and status-read
// operation the external HTTP surface needs.
type Facade struct {
	deps Deps
}

// New builds a Facade.
func New(deps Deps) *Facade {
	return &Facade{deps: deps}
}

// authorize enforces the §6.1 role policy before admit/rate-limiting, so an
// unauthorized caller is rejected without consuming a rate-limit slot.
func (f *Facade) authorize(principal domain.Principal, allowed map[domain.Role]bool) error {
	if !allowed[principal.Role] {
		return coreerr.New(coreerr.KindForbidden, "forbidden", "principal role not authorized for this operation")
	}
	return nil
}

func (f *Facade) admit(ctx context.Context, bucket string, principal domain.Principal) error {
	decision, err := f.deps.Limiter.Check(ctx, bucket, principal.ID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return coreerr.New(coreerr.KindRateLimited, "rate_limited", "too many requests")
	}
	return nil
}

func (f *Facade) audit(ctx context.Context, principal domain.Principal, action, resource, result, details string) {
	if f.deps.Audit != nil {
		f.deps.Audit.Record(ctx, principal, action, resource, result, details)
	}
}

// --- C3 queue operations ---

func (f *Facade) AddToQueue(ctx context.Context, principal domain.Principal, channelID string, item domain.PlaylistItem) (int, error) {
	if err := f.authorize(principal, queueAdditionRoles); err != nil {
		return 0, err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return 0, err
	}
	item.RequesterID = principal.ID
	pos, err := f.deps.Queue.Add(ctx, channelID, item, principal.Role)
	f.audit(ctx, principal, "queue_add", "channel:"+channelID, outcomeOf(err), item.SourceValue)
	return pos, err
}

func (f *Facade) PriorityAddToQueue(ctx context.Context, principal domain.Principal, channelID string, item domain.PlaylistItem) error {
	if err := f.authorize(principal, queueAdditionRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	item.RequesterID = principal.ID
	err := f.deps.Queue.PriorityAdd(ctx, channelID, item, principal.Role)
	f.audit(ctx, principal, "queue_priority_add", "channel:"+channelID, outcomeOf(err), item.SourceValue)
	return err
}

func (f *Facade) RemoveFromQueue(ctx context.Context, principal domain.Principal, channelID, itemID string) (bool, error) {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return false, err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return false, err
	}
	ok, err := f.deps.Queue.Remove(ctx, channelID, itemID)
	f.audit(ctx, principal, "queue_remove", "channel:"+channelID, outcomeOf(err), itemID)
	return ok, err
}

func (f *Facade) MoveInQueue(ctx context.Context, principal domain.Principal, channelID, itemID string, newPosition int) (bool, error) {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return false, err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return false, err
	}
	ok, err := f.deps.Queue.Move(ctx, channelID, itemID, newPosition)
	f.audit(ctx, principal, "queue_move", "channel:"+channelID, outcomeOf(err), itemID)
	return ok, err
}

// SkipCurrent cancels the worker's in-flight item, which then advances the
// queue itself via the same Skip outcome path a natural end would take.
func (f *Facade) SkipCurrent(ctx context.Context, principal domain.Principal, channelID string) error {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return err
	}
	w, ok := f.deps.Workers.Worker(channelID)
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "worker_not_running", "no worker is running for this channel")
	}
	w.Skip(ctx)
	f.audit(ctx, principal, "worker_skip", "channel:"+channelID, "success", "")
	return nil
}

// ClearQueue empties channelID's queue, returning the number of items removed.
func (f *Facade) ClearQueue(ctx context.Context, principal domain.Principal, channelID string) (int, error) {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return 0, err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return 0, err
	}
	count, err := f.deps.Queue.Clear(ctx, channelID)
	f.audit(ctx, principal, "queue_clear", "channel:"+channelID, outcomeOf(err), "")
	return count, err
}

func (f *Facade) SnapshotQueue(ctx context.Context, channelID string) ([]domain.PlaylistItem, error) {
	return f.deps.Queue.Snapshot(ctx, channelID)
}

func (f *Facade) SetQueueDiscipline(ctx context.Context, principal domain.Principal, channelID string, discipline domain.Discipline) error {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	err := f.deps.Queue.SetDiscipline(ctx, channelID, discipline)
	f.audit(ctx, principal, "queue_set_discipline", "channel:"+channelID, outcomeOf(err), string(discipline))
	return err
}

func (f *Facade) MigrateQueue(ctx context.Context, principal domain.Principal, channelID string, from, to domain.Discipline) (int, error) {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return 0, err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return 0, err
	}
	count, err := f.deps.Queue.Migrate(ctx, channelID, from, to)
	f.audit(ctx, principal, "queue_migrate", "channel:"+channelID, outcomeOf(err), string(from)+"->"+string(to))
	return count, err
}

// --- C4 session operations ---

func (f *Facade) RevokeAccount(ctx context.Context, principal domain.Principal, accountID string) error {
	if err := f.authorize(principal, administrativeRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketStrict, principal); err != nil {
		return err
	}
	err := f.deps.Session.Revoke(ctx, accountID)
	f.audit(ctx, principal, "revoke_account", "account:"+accountID, outcomeOf(err), "")
	return err
}

// --- C7 worker intents ---

func (f *Facade) PauseWorker(ctx context.Context, principal domain.Principal, channelID string) error {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return err
	}
	w, ok := f.deps.Workers.Worker(channelID)
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "worker_not_running", "no worker is running for this channel")
	}
	err := w.Pause(ctx)
	f.audit(ctx, principal, "worker_pause", "channel:"+channelID, outcomeOf(err), "")
	return err
}

func (f *Facade) ResumeWorker(ctx context.Context, principal domain.Principal, channelID string) error {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return err
	}
	w, ok := f.deps.Workers.Worker(channelID)
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "worker_not_running", "no worker is running for this channel")
	}
	err := w.Resume(ctx)
	f.audit(ctx, principal, "worker_resume", "channel:"+channelID, outcomeOf(err), "")
	return err
}

func (f *Facade) SeekWorker(ctx context.Context, principal domain.Principal, channelID string, stream transport.ResolvedStream, position time.Duration) error {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return err
	}
	w, ok := f.deps.Workers.Worker(channelID)
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "worker_not_running", "no worker is running for this channel")
	}
	return w.Seek(ctx, stream, position)
}

func (f *Facade) SetTranscodeParams(ctx context.Context, principal domain.Principal, channelID string, params transport.TranscodeParams) (transport.TranscodeParams, bool, error) {
	if err := f.authorize(principal, moderatorSubsetRoles); err != nil {
		return transport.TranscodeParams{}, false, err
	}
	if err := f.admit(ctx, bucketStandard, principal); err != nil {
		return transport.TranscodeParams{}, false, err
	}
	w, ok := f.deps.Workers.Worker(channelID)
	if !ok {
		return transport.TranscodeParams{}, false, coreerr.New(coreerr.KindNotFound, "worker_not_running", "no worker is running for this channel")
	}
	clamped, warned := w.SetTranscodeParams(params)
	return clamped, warned, nil
}

// --- C8 process controller operations ---

func (f *Facade) StartChannel(ctx context.Context, principal domain.Principal, channelID string) error {
	if err := f.authorize(principal, channelControlRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	err := f.deps.Control.Start(ctx, channelID)
	f.audit(ctx, principal, "set_desired_state", "channel:"+channelID, outcomeOf(err), `{"desired_state":"running"}`)
	return err
}

func (f *Facade) StopChannel(ctx context.Context, principal domain.Principal, channelID string) error {
	if err := f.authorize(principal, channelControlRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	err := f.deps.Control.Stop(ctx, channelID)
	f.audit(ctx, principal, "set_desired_state", "channel:"+channelID, outcomeOf(err), `{"desired_state":"stopped"}`)
	return err
}

// ChannelStatus is the read-side aggregate GetChannelStatus returns.
type ChannelStatus struct {
	Channel domain.Channel
	Health  control.HealthSummary
	Queue   []domain.PlaylistItem
}

// GetChannelStatus aggregates the channel record, its worker health
// summary, and its current queue snapshot (spec §6.1).
func (f *Facade) GetChannelStatus(ctx context.Context, channelID string) (ChannelStatus, error) {
	ch, err := f.deps.DB.Channels().Get(ctx, channelID)
	if err != nil {
		return ChannelStatus{}, err
	}
	health, err := f.deps.Control.HealthSummary(ctx, channelID)
	if err != nil {
		health = control.HealthSummary{}
	}
	items, err := f.deps.Queue.Snapshot(ctx, channelID)
	if err != nil {
		items = nil
	}
	return ChannelStatus{Channel: ch, Health: health, Queue: items}, nil
}

// --- C9 scheduler trigger operations ---

func (f *Facade) CreateTrigger(ctx context.Context, principal domain.Principal, trigger domain.SchedulerTrigger) (domain.SchedulerTrigger, error) {
	if err := f.authorize(principal, administrativeRoles); err != nil {
		return domain.SchedulerTrigger{}, err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return domain.SchedulerTrigger{}, err
	}
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	err := f.deps.DB.Triggers().Create(ctx, trigger)
	f.audit(ctx, principal, "create_trigger", "channel:"+trigger.ChannelID, outcomeOf(err), trigger.ID)
	return trigger, err
}

func (f *Facade) DeleteTrigger(ctx context.Context, principal domain.Principal, triggerID string) error {
	if err := f.authorize(principal, administrativeRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	err := f.deps.DB.Triggers().Delete(ctx, triggerID)
	f.audit(ctx, principal, "delete_trigger", "trigger:"+triggerID, outcomeOf(err), "")
	return err
}

func (f *Facade) SetTriggerEnabled(ctx context.Context, principal domain.Principal, triggerID string, enabled bool) error {
	if err := f.authorize(principal, administrativeRoles); err != nil {
		return err
	}
	if err := f.admit(ctx, bucketElevated, principal); err != nil {
		return err
	}
	err := f.deps.DB.Triggers().SetEnabled(ctx, triggerID, enabled)
	f.audit(ctx, principal, "set_trigger_enabled", "trigger:"+triggerID, outcomeOf(err), "")
	return err
}

// EnqueueAndEnsureRunning implements scheduler.Enqueuer: a fired trigger
// enqueues its referenced playlist item and starts the channel if it is
// not already running, through the same queue and controller paths an
// operator-issued request uses.
func (f *Facade) EnqueueAndEnsureRunning(ctx context.Context, channelID, playlistRef string, principal domain.Principal) error {
	item := domain.PlaylistItem{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		SourceKind:  domain.SourceWebURL,
		SourceValue: playlistRef,
		RequesterID: principal.ID,
		Status:      domain.ItemQueued,
		CreatedAt:   time.Now(),
	}
	if _, err := f.deps.Queue.Add(ctx, channelID, item, principal.Role); err != nil {
		f.audit(ctx, principal, "scheduler_fire", "channel:"+channelID, "error", playlistRef)
		return err
	}
	if err := f.deps.Control.Start(ctx, channelID); err != nil {
		f.audit(ctx, principal, "scheduler_fire", "channel:"+channelID, "error", playlistRef)
		return err
	}
	f.audit(ctx, principal, "scheduler_fire", "channel:"+channelID, "success", playlistRef)
	return nil
}

// --- audit read ---

func (f *Facade) ListAuditEvents(ctx context.Context, filter relstore.AuditFilter) ([]relstore.AuditRecord, error) {
	return f.deps.Audit.List(ctx, filter)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
