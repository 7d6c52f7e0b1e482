package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	statuses map[string]transport.SupervisorStatus
	starts   int
	stops    int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{statuses: make(map[string]transport.SupervisorStatus)}
}

func (f *fakeSupervisor) Start(ctx context.Context, name string, args []string, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.statuses[name] = transport.StatusActive
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.statuses[name] = transport.StatusInactive
	return nil
}

func (f *fakeSupervisor) Status(ctx context.Context, name string) (transport.SupervisorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[name]; ok {
		return s, nil
	}
	return transport.StatusInactive, nil
}

func (f *fakeSupervisor) setStatus(name string, s transport.SupervisorStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = s
}

type allowAllSession struct{ err error }

func (a allowAllSession) CheckStartAllowed(ctx context.Context, accountID string) error { return a.err }

func newTestDB(t *testing.T) *relstore.DB {
	t.Helper()
	db, err := relstore.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedChannel(t *testing.T, db *relstore.DB) domain.Channel {
	t.Helper()
	ctx := context.Background()
	acc := domain.Account{ID: uuid.NewString(), OwnerPrincipal: "op-1", Label: "a", SessionMaterial: "x", State: domain.AccountActive}
	require.NoError(t, db.Accounts().Create(ctx, acc))
	ch := domain.Channel{ID: uuid.NewString(), AccountID: acc.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch))
	return ch
}

func TestStart_RefusedWhenSessionNotActive(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db)
	sup := newFakeSupervisor()
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{err: domainErr()}})

	err := c.Start(context.Background(), ch.ID)
	require.Error(t, err)
	require.Equal(t, 0, sup.starts)
}

func TestStart_WritesDesiredRunningAndStartsWorker(t *testing.T) {
	db := newTestDB(t)
	ch := seedChannel(t, db)
	sup := newFakeSupervisor()
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{}})

	require.NoError(t, c.Start(context.Background(), ch.ID))
	require.Equal(t, 1, sup.starts)

	got, err := db.Channels().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DesiredRunning, got.DesiredState)

	rec, err := db.Workers().Get(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerStarting, rec.Lifecycle)
}

func TestStopAllForAccount_StopsEveryChannel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	acc := domain.Account{ID: uuid.NewString(), OwnerPrincipal: "op-1", Label: "a", SessionMaterial: "x", State: domain.AccountActive}
	require.NoError(t, db.Accounts().Create(ctx, acc))
	ch1 := domain.Channel{ID: uuid.NewString(), AccountID: acc.ID, TargetChatID: "-1", DisplayName: "c1", StreamKind: domain.StreamAudio}
	ch2 := domain.Channel{ID: uuid.NewString(), AccountID: acc.ID, TargetChatID: "-2", DisplayName: "c2", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch1))
	require.NoError(t, db.Channels().Create(ctx, ch2))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch1.ID, Lifecycle: domain.WorkerRunning}))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch2.ID, Lifecycle: domain.WorkerRunning}))

	sup := newFakeSupervisor()
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{}})

	require.NoError(t, c.StopAllForAccount(ctx, acc.ID))
	require.Equal(t, 2, sup.stops)
}

func TestReconcile_RestartsDriftedWorkerWithBackoff(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db)
	require.NoError(t, db.Channels().SetDesiredState(ctx, ch.ID, domain.DesiredRunning))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerFailed}))

	sup := newFakeSupervisor()
	sup.setStatus(ch.ID, transport.StatusFailed)
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{}, RestartBackoff: time.Hour})

	c.Reconcile(ctx)
	require.Equal(t, 1, sup.starts)

	rec, err := db.Workers().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.RestartAttempts)

	sup.setStatus(ch.ID, transport.StatusFailed)
	c.Reconcile(ctx)
	require.Equal(t, 1, sup.starts, "must not restart again before backoff elapses")
}

func TestReconcile_SetsStreamsActiveGaugeToObservedRunningCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db)
	require.NoError(t, db.Channels().SetDesiredState(ctx, ch.ID, domain.DesiredRunning))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerRunning}))

	sup := newFakeSupervisor()
	sup.setStatus(ch.ID, transport.StatusActive)
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{}})

	c.Reconcile(ctx)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.StreamsActive))

	require.NoError(t, db.Channels().SetDesiredState(ctx, ch.ID, domain.DesiredStopped))
	sup.setStatus(ch.ID, transport.StatusInactive)
	c.Reconcile(ctx)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.StreamsActive))
}

func TestReconcile_GivesUpAfterRestartAttemptsExceeded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ch := seedChannel(t, db)
	require.NoError(t, db.Channels().SetDesiredState(ctx, ch.ID, domain.DesiredRunning))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerFailed, RestartAttempts: 5}))

	sup := newFakeSupervisor()
	sup.setStatus(ch.ID, transport.StatusFailed)
	c := New(Deps{DB: db, Supervisor: sup, Session: allowAllSession{}, RestartAttemptsBeforeError: 5})

	c.Reconcile(ctx)
	require.Equal(t, 0, sup.starts)

	rec, err := db.Workers().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerFailed, rec.Lifecycle)
}

func domainErr() error {
	return &testErr{}
}

type testErr struct{}

func (e *testErr) Error() string { return "session not active" }
