package autoend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

type fakeStopper struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeStopper) RequestStop(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, channelID)
	return nil
}

func (f *fakeStopper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestController(t *testing.T, stopper StopRequester) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sharedstore.NewWithClient(client)
	return New(store, nil, stopper, []int{})
}

func TestReportListeners_ArmsAfterDebounceAndFires(t *testing.T) {
	stopper := &fakeStopper{}
	c := newTestController(t, stopper)
	ctx := context.Background()

	c.ReportListeners(ctx, "ch-1", 0, 1)
	require.Eventually(t, func() bool {
		return c.State("ch-1") == StateArmed
	}, debounceWindow+time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return stopper.count() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReportListeners_PositiveCancelsArm(t *testing.T) {
	stopper := &fakeStopper{}
	c := newTestController(t, stopper)
	ctx := context.Background()

	c.ReportListeners(ctx, "ch-1", 0, 60)
	time.Sleep(debounceWindow + 200*time.Millisecond)
	require.Equal(t, StateArmed, c.State("ch-1"))

	c.ReportListeners(ctx, "ch-1", 1, 60)
	require.Equal(t, StateIdle, c.State("ch-1"))
	require.Equal(t, 0, stopper.count())
}

func TestRestoreChannel_PastDeadlineFiresImmediately(t *testing.T) {
	stopper := &fakeStopper{}
	c := newTestController(t, stopper)
	ctx := context.Background()

	c.persist(ctx, "ch-1", time.Now().Add(-time.Second))
	require.NoError(t, c.RestoreChannel(ctx, "ch-1"))

	require.Eventually(t, func() bool {
		return stopper.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAcknowledgeStop_ReturnsToIdle(t *testing.T) {
	stopper := &fakeStopper{}
	c := newTestController(t, stopper)
	ctx := context.Background()

	c.ReportListeners(ctx, "ch-1", 0, 1)
	require.Eventually(t, func() bool {
		return stopper.count() == 1
	}, debounceWindow+3*time.Second, 20*time.Millisecond)

	c.AcknowledgeStop(ctx, "ch-1")
	require.Equal(t, StateIdle, c.State("ch-1"))
}

func TestReportListeners_RearmsAfterFullCycle(t *testing.T) {
	stopper := &fakeStopper{}
	c := newTestController(t, stopper)
	ctx := context.Background()

	c.ReportListeners(ctx, "ch-1", 0, 1)
	require.Eventually(t, func() bool {
		return stopper.count() == 1
	}, debounceWindow+3*time.Second, 20*time.Millisecond)
	c.AcknowledgeStop(ctx, "ch-1")

	// a channel that restarts and later goes empty again must be able to
	// arm a second time; a stale debounce reference from the first cycle
	// would block this permanently.
	c.ReportListeners(ctx, "ch-1", 0, 1)
	require.Eventually(t, func() bool {
		return stopper.count() == 2
	}, debounceWindow+3*time.Second, 20*time.Millisecond)
}
