package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

func newTestEngine(t *testing.T, maxLen int) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sharedstore.NewWithClient(client)
	return New(store, nil, maxLen)
}

func item(channelID string, role domain.Role, ts int64) domain.PlaylistItem {
	return domain.PlaylistItem{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		SourceKind:  domain.SourceWebURL,
		SourceValue: "https://example.com/a.mp3",
		Status:      domain.ItemQueued,
		CreatedAt:   time.Unix(ts, 0),
	}
}

func TestAdd_FIFOOrdering(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"

	a := item(ch, domain.RoleUser, 100)
	b := item(ch, domain.RoleUser, 200)
	_, err := e.Add(ctx, ch, a, domain.RoleUser)
	require.NoError(t, err)
	_, err = e.Add(ctx, ch, b, domain.RoleUser)
	require.NoError(t, err)

	peeked, ok, err := e.Peek(ctx, ch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.ID, peeked.ID)
}

func TestAdd_FailsWhenFull(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()
	const ch = "ch-1"

	_, err := e.Add(ctx, ch, item(ch, domain.RoleUser, 100), domain.RoleUser)
	require.NoError(t, err)

	_, err = e.Add(ctx, ch, item(ch, domain.RoleUser, 200), domain.RoleUser)
	require.Error(t, err)
}

func TestPriorityDiscipline_VIPBeatsUserRegardlessOfTime(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	require.NoError(t, e.SetDiscipline(ctx, ch, domain.DisciplinePriority))

	userItem := item(ch, domain.RoleUser, 100)
	vipItem := item(ch, domain.RoleVIP, 999999)
	_, err := e.Add(ctx, ch, userItem, domain.RoleUser)
	require.NoError(t, err)
	_, err = e.Add(ctx, ch, vipItem, domain.RoleVIP)
	require.NoError(t, err)

	peeked, ok, err := e.Peek(ctx, ch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vipItem.ID, peeked.ID, "vip role must win regardless of enqueue time")
}

func TestSetDiscipline_FailsWhenNotEmpty(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	_, err := e.Add(ctx, ch, item(ch, domain.RoleUser, 100), domain.RoleUser)
	require.NoError(t, err)

	err = e.SetDiscipline(ctx, ch, domain.DisciplinePriority)
	require.Error(t, err)
}

func TestSkip_AdvancesAndReturnsID(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	a := item(ch, domain.RoleUser, 100)
	_, err := e.Add(ctx, ch, a, domain.RoleUser)
	require.NoError(t, err)

	id, ok, err := e.Skip(ctx, ch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.ID, id)

	_, ok, err = e.Peek(ctx, ch)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemove_UnknownItemReturnsFalse(t *testing.T) {
	e := newTestEngine(t, 10)
	ok, err := e.Remove(context.Background(), "ch-1", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMove_RepositionsWithinFIFO(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	a := item(ch, domain.RoleUser, 100)
	b := item(ch, domain.RoleUser, 200)
	_, err := e.Add(ctx, ch, a, domain.RoleUser)
	require.NoError(t, err)
	_, err = e.Add(ctx, ch, b, domain.RoleUser)
	require.NoError(t, err)

	ok, err := e.Move(ctx, ch, b.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	peeked, _, err := e.Peek(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, b.ID, peeked.ID)
}

func TestMigrate_TransfersAndClearsSource(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	_, err := e.Add(ctx, ch, item(ch, domain.RoleUser, 100), domain.RoleUser)
	require.NoError(t, err)
	_, err = e.Add(ctx, ch, item(ch, domain.RoleUser, 200), domain.RoleUser)
	require.NoError(t, err)

	count, err := e.Migrate(ctx, ch, domain.DisciplineFIFO, domain.DisciplinePriority)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	snap, err := e.Snapshot(ctx, ch)
	require.NoError(t, err)
	require.Len(t, snap, 2)
}

func TestClear_EmptiesQueueAndUpdatesGauge(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-clear"
	_, err := e.Add(ctx, ch, item(ch, domain.RoleUser, 100), domain.RoleUser)
	require.NoError(t, err)
	_, err = e.Add(ctx, ch, item(ch, domain.RoleUser, 200), domain.RoleUser)
	require.NoError(t, err)

	count, err := e.Clear(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	snap, err := e.Snapshot(ctx, ch)
	require.NoError(t, err)
	require.Empty(t, snap)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.QueueSize.WithLabelValues(ch)))

	count, err = e.Clear(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestMarkPlaceholderActive_ClearedOnAdd(t *testing.T) {
	e := newTestEngine(t, 10)
	ctx := context.Background()
	const ch = "ch-1"
	require.NoError(t, e.MarkPlaceholderActive(ctx, ch, true))

	st, err := e.loadState(ctx, ch)
	require.NoError(t, err)
	require.True(t, st.IsPlaceholderActive)

	_, err = e.Add(ctx, ch, item(ch, domain.RoleUser, 100), domain.RoleUser)
	require.NoError(t, err)

	st, err = e.loadState(ctx, ch)
	require.NoError(t, err)
	require.False(t, st.IsPlaceholderActive)
}
