package relstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAccount(t *testing.T, db *DB) domain.Account {
	t.Helper()
	a := domain.Account{
		ID:              uuid.NewString(),
		OwnerPrincipal:  "operator-1",
		Label:           "primary",
		SessionMaterial: "sealed-blob",
		State:           domain.AccountActive,
	}
	require.NoError(t, db.Accounts().Create(context.Background(), a))
	return a
}

func TestAccountRepo_CreateGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	a := seedAccount(t, db)

	got, err := db.Accounts().Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Label, got.Label)
	require.Equal(t, domain.AccountActive, got.State)
}

func TestAccountRepo_CompareAndSwapState(t *testing.T) {
	db := newTestDB(t)
	a := seedAccount(t, db)
	ctx := context.Background()

	ok, err := db.Accounts().CompareAndSwapState(ctx, a.ID, domain.AccountActive, domain.AccountDegraded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.Accounts().CompareAndSwapState(ctx, a.ID, domain.AccountActive, domain.AccountRevoked)
	require.NoError(t, err)
	require.False(t, ok, "stale expected-state CAS must not apply")

	got, err := db.Accounts().Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AccountDegraded, got.State)
}

func TestChannelRepo_DesiredObservedState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)

	ch := domain.Channel{
		ID:                uuid.NewString(),
		AccountID:         a.ID,
		TargetChatID:      "-100123",
		DisplayName:       "Lounge",
		StreamKind:        domain.StreamAudio,
		DesiredState:      domain.DesiredStopped,
		ObservedState:     domain.ObservedStopped,
		AutoEndTimeoutSec: 300,
	}
	require.NoError(t, db.Channels().Create(ctx, ch))

	require.NoError(t, db.Channels().SetDesiredState(ctx, ch.ID, domain.DesiredRunning))
	require.NoError(t, db.Channels().SetObservedState(ctx, ch.ID, domain.ObservedStarting))

	got, err := db.Channels().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DesiredRunning, got.DesiredState)
	require.Equal(t, domain.ObservedStarting, got.ObservedState)
}

func TestChannelRepo_DeleteCascadesPlaylistAndWorker(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)
	ch := domain.Channel{ID: uuid.NewString(), AccountID: a.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch))

	item := domain.PlaylistItem{
		ID: uuid.NewString(), ChannelID: ch.ID, SourceKind: domain.SourceWebURL,
		SourceValue: "https://example.com/a.mp3", Status: domain.ItemQueued, CreatedAt: time.Unix(0, 0),
	}
	require.NoError(t, db.PlaylistItems().Create(ctx, item))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerStopped}))

	require.NoError(t, db.Channels().Delete(ctx, ch.ID))

	items, err := db.PlaylistItems().ListByChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Empty(t, items)

	_, err = db.Workers().Get(ctx, ch.ID)
	require.Error(t, err)
}

func TestPlaylistRepo_StatusTransitionAndOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)
	ch := domain.Channel{ID: uuid.NewString(), AccountID: a.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch))

	first := domain.PlaylistItem{ID: uuid.NewString(), ChannelID: ch.ID, SourceKind: domain.SourceWebURL, SourceValue: "a", Status: domain.ItemQueued, CreatedAt: time.Unix(100, 0)}
	second := domain.PlaylistItem{ID: uuid.NewString(), ChannelID: ch.ID, SourceKind: domain.SourceWebURL, SourceValue: "b", Status: domain.ItemQueued, CreatedAt: time.Unix(200, 0)}
	require.NoError(t, db.PlaylistItems().Create(ctx, second))
	require.NoError(t, db.PlaylistItems().Create(ctx, first))

	items, err := db.PlaylistItems().ListByChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, first.ID, items[0].ID, "ordering must be by created_at ascending")

	require.NoError(t, db.PlaylistItems().SetStatus(ctx, first.ID, domain.ItemPlaying))
	got, err := db.PlaylistItems().Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ItemPlaying, got.Status)
}

func TestWorkerRepo_RestartAttemptsLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)
	ch := domain.Channel{ID: uuid.NewString(), AccountID: a.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch))
	require.NoError(t, db.Workers().Upsert(ctx, domain.WorkerRecord{ChannelID: ch.ID, Lifecycle: domain.WorkerStarting}))

	next := time.Unix(1000, 0)
	attempts, err := db.Workers().IncrementRestartAttempts(ctx, ch.ID, next)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, db.Workers().SetLifecycle(ctx, ch.ID, domain.WorkerFailed, "transport_auth_error"))
	got, err := db.Workers().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerFailed, got.Lifecycle)
	require.Equal(t, "transport_auth_error", got.LastError)

	require.NoError(t, db.Workers().ResetRestartAttempts(ctx, ch.ID))
	got, err = db.Workers().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.RestartAttempts)
}

func TestTriggerRepo_EnabledFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)
	ch := domain.Channel{ID: uuid.NewString(), AccountID: a.ID, TargetChatID: "-1", DisplayName: "c", StreamKind: domain.StreamAudio}
	require.NoError(t, db.Channels().Create(ctx, ch))

	on := domain.SchedulerTrigger{ID: uuid.NewString(), ChannelID: ch.ID, PlaylistRef: "p1", CronExpression: "0 9 * * *", Enabled: true}
	off := domain.SchedulerTrigger{ID: uuid.NewString(), ChannelID: ch.ID, PlaylistRef: "p2", CronExpression: "0 10 * * *", Enabled: false}
	require.NoError(t, db.Triggers().Create(ctx, on))
	require.NoError(t, db.Triggers().Create(ctx, off))

	enabled, err := db.Triggers().ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, on.ID, enabled[0].ID)

	require.NoError(t, db.Triggers().SetEnabled(ctx, off.ID, true))
	enabled, err = db.Triggers().ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
}

func TestDB_WithTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)

	err := db.WithTx(ctx, func(q querier) error {
		repo := AccountsTx(q)
		if _, err := repo.CompareAndSwapState(ctx, a.ID, domain.AccountActive, domain.AccountDegraded); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	got, err := db.Accounts().Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AccountActive, got.State, "failed transaction must roll back")
}

func TestAuditRepo_InsertAndFilterByResource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AuditEvents().Insert(ctx, AuditRecord{
		ID: uuid.NewString(), ActorID: "op-1", ActorRole: "admin",
		Action: "revoke_account", Resource: "account:123", Result: "success",
	}))
	require.NoError(t, db.AuditEvents().Insert(ctx, AuditRecord{
		ID: uuid.NewString(), ActorID: "op-1", ActorRole: "admin",
		Action: "set_desired_state", Resource: "channel:456", Result: "success",
	}))

	events, err := db.AuditEvents().ListEvents(ctx, AuditFilter{Resource: "account:123"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "revoke_account", events[0].Action)
}

func TestChannelRepo_AcceptedCodecProfilesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, db)

	ch := domain.Channel{
		ID: uuid.NewString(), AccountID: a.ID, TargetChatID: "-1", DisplayName: "c",
		StreamKind: domain.StreamAudio, AcceptedCodecProfiles: []string{"opus_48k_mono", "opus_48k_stereo"},
	}
	require.NoError(t, db.Channels().Create(ctx, ch))

	got, err := db.Channels().Get(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"opus_48k_mono", "opus_48k_stereo"}, got.AcceptedCodecProfiles)
}
