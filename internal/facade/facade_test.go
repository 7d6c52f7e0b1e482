package facade

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/audit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/autoend"
	"github.com/sattva2020/tg-video-stream-sub003/internal/config"
	"github.com/sattva2020/tg-video-stream-sub003/internal/control"
	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/ratelimit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/session"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
	"github.com/sattva2020/tg-video-stream-sub003/internal/worker"
)

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, item domain.PlaylistItem) (transport.ResolvedStream, error) {
	return transport.ResolvedStream{Reader: io.NopCloser(strings.NewReader("audio"))}, nil
}

func (stubResolver) Seek(ctx context.Context, stream transport.ResolvedStream, position time.Duration) error {
	return nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, stream transport.ResolvedStream) (transport.CodecProfile, error) {
	return "opus_48k_mono", nil
}

type stubTransport struct{}

func (stubTransport) JoinCall(ctx context.Context, channel domain.Channel) error { return nil }
func (stubTransport) LeaveCall(ctx context.Context, channel domain.Channel) error { return nil }
func (stubTransport) Play(ctx context.Context, stream io.ReadCloser, onPosition func(time.Duration), onParticipants func(transport.ParticipantEvent)) transport.PlaybackResult {
	<-ctx.Done()
	return transport.PlaybackResult{Outcome: transport.OutcomeStopped}
}

type fakeValidator struct{ succeed bool }

func (f fakeValidator) Validate(ctx context.Context, account domain.Account) error {
	if f.succeed {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeWorkerLookup struct{ m map[string]*worker.Worker }

func (f fakeWorkerLookup) Worker(channelID string) (*worker.Worker, bool) {
	w, ok := f.m[channelID]
	return w, ok
}

func newTestFacade(t *testing.T) (*Facade, *relstore.DB, domain.Channel) {
	t.Helper()
	db, err := relstore.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sharedstore.NewWithClient(client)

	acc := domain.Account{ID: uuid.NewString(), OwnerPrincipal: "op-1", Label: "a", SessionMaterial: "x", State: domain.AccountActive}
	require.NoError(t, db.Accounts().Create(context.Background(), acc))
	// the channel offers a placeholder source so a freshly-started worker
	// has something to play while its queue is empty.
	ch := domain.Channel{ID: uuid.NewString(), AccountID: acc.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio, PlaceholderMedia: "placeholder.mp3"}
	require.NoError(t, db.Channels().Create(context.Background(), ch))

	limiter := ratelimit.New(store, map[string]config.RateBucketConfig{
		"standard": {Limit: 100, WindowSeconds: 60},
		"elevated": {Limit: 200, WindowSeconds: 60},
		"strict":   {Limit: 10, WindowSeconds: 60},
	})
	q := queue.New(store, nil, 100)

	var ctl *control.Controller
	factory := func(channelID string) *worker.Worker {
		ae := autoend.New(store, nil, ctl, []int{60, 30, 10})
		return worker.New(channelID, worker.Deps{
			DB:         db,
			Queue:      q,
			AutoEnd:    ae,
			Resolver:   stubResolver{},
			Classifier: stubClassifier{},
			Transport:  stubTransport{},
		})
	}
	sup := control.NewInProcessSupervisor(factory)
	ctl = control.New(control.Deps{DB: db, Queue: q, Supervisor: sup, Session: stubSessionChecker{}})
	sm := session.New(db, fakeValidator{succeed: true}, ctl, nil, time.Second, time.Minute)
	auditLogger := audit.NewLogger(db)

	w := worker.New(ch.ID, worker.Deps{})
	lookup := fakeWorkerLookup{m: map[string]*worker.Worker{ch.ID: w}}

	f := New(Deps{
		DB: db, Limiter: limiter, Queue: q, Session: sm, Control: ctl, Audit: auditLogger, Workers: lookup,
	})
	return f, db, ch
}

type stubSessionChecker struct{}

func (stubSessionChecker) CheckStartAllowed(ctx context.Context, accountID string) error { return nil }

func TestAddToQueue_PersistsAndAudits(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "op-1", Role: domain.RoleOperator}

	item := domain.PlaylistItem{ID: uuid.NewString(), ChannelID: ch.ID, SourceKind: domain.SourceWebURL, SourceValue: "https://example.com/a.mp3", Status: domain.ItemQueued, CreatedAt: time.Now()}
	pos, err := f.AddToQueue(context.Background(), principal, ch.ID, item)
	require.NoError(t, err)
	require.Equal(t, 0, pos)

	items, err := f.SnapshotQueue(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	events, err := f.ListAuditEvents(context.Background(), relstore.AuditFilter{Resource: "channel:" + ch.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "queue_add", events[0].Action)
}

func TestRevokeAccount_MovesAccountAndAudits(t *testing.T) {
	f, db, ch := newTestFacade(t)
	principal := domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}

	require.NoError(t, f.RevokeAccount(context.Background(), principal, ch.AccountID))

	acc, err := db.Accounts().Get(context.Background(), ch.AccountID)
	require.NoError(t, err)
	require.Equal(t, domain.AccountRevoked, acc.State)

	events, err := f.ListAuditEvents(context.Background(), relstore.AuditFilter{Resource: "account:" + ch.AccountID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "revoke_account", events[0].Action)
}

func TestStartStopChannel_DrivesController(t *testing.T) {
	f, db, ch := newTestFacade(t)
	principal := domain.Principal{ID: "op-1", Role: domain.RoleOperator}

	require.NoError(t, f.StartChannel(context.Background(), principal, ch.ID))
	got, err := db.Channels().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DesiredRunning, got.DesiredState)

	require.NoError(t, f.StopChannel(context.Background(), principal, ch.ID))
	got, err = db.Channels().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DesiredStopped, got.DesiredState)
}

func TestGetChannelStatus_AggregatesQueueAndHealth(t *testing.T) {
	f, db, ch := newTestFacade(t)
	require.NoError(t, db.Workers().Upsert(context.Background(), domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerRunning}))

	status, err := f.GetChannelStatus(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, ch.ID, status.Channel.ID)
	require.Equal(t, "running", status.Health.Status)
}

func TestPauseWorker_RejectsWhenWorkerHasNotJoinedYet(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "mod-1", Role: domain.RoleModerator}

	// a freshly constructed Worker starts in "starting", before Run has
	// joined the call; pause is only valid once playback is running.
	require.Error(t, f.PauseWorker(context.Background(), principal, ch.ID))
}

func TestSetTranscodeParams_ClampsAndReturnsWarning(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "mod-1", Role: domain.RoleModerator}

	clamped, warned, err := f.SetTranscodeParams(context.Background(), principal, ch.ID, transport.TranscodeParams{Speed: 10})
	require.NoError(t, err)
	require.True(t, warned)
	require.Equal(t, 2.0, clamped.Speed)
}

func TestRevokeAccount_RejectsNonAdminPrincipal(t *testing.T) {
	f, db, ch := newTestFacade(t)
	principal := domain.Principal{ID: "user-1", Role: domain.RoleUser}

	err := f.RevokeAccount(context.Background(), principal, ch.AccountID)
	require.Error(t, err)
	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerr.KindForbidden, kind)

	acc, err := db.Accounts().Get(context.Background(), ch.AccountID)
	require.NoError(t, err)
	require.Equal(t, domain.AccountActive, acc.State)
}

func TestStartChannel_RejectsUserPrincipal(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "user-1", Role: domain.RoleUser}

	err := f.StartChannel(context.Background(), principal, ch.ID)
	require.Error(t, err)
	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerr.KindForbidden, kind)
}

func TestClearQueue_RemovesItemsAndAudits(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "mod-1", Role: domain.RoleModerator}

	item := domain.PlaylistItem{ID: uuid.NewString(), ChannelID: ch.ID, SourceKind: domain.SourceWebURL, SourceValue: "https://example.com/a.mp3", Status: domain.ItemQueued, CreatedAt: time.Now()}
	_, err := f.AddToQueue(context.Background(), domain.Principal{ID: "u", Role: domain.RoleUser}, ch.ID, item)
	require.NoError(t, err)

	count, err := f.ClearQueue(context.Background(), principal, ch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	items, err := f.SnapshotQueue(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	events, err := f.ListAuditEvents(context.Background(), relstore.AuditFilter{Resource: "channel:" + ch.ID})
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	require.Contains(t, actions, "queue_clear")
}

func TestCreateAndDeleteTrigger(t *testing.T) {
	f, _, ch := newTestFacade(t)
	principal := domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}

	trig, err := f.CreateTrigger(context.Background(), principal, domain.SchedulerTrigger{ChannelID: ch.ID, PlaylistRef: "p1", CronExpression: "0 9 * * *", Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, trig.ID)

	require.NoError(t, f.DeleteTrigger(context.Background(), principal, trig.ID))
}
