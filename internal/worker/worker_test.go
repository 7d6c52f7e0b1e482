package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sattva2020/tg-video-stream-sub003/internal/autoend"
	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

type fakeResolver struct {
	mu      sync.Mutex
	fail    error
	profile transport.CodecProfile
}

func (f *fakeResolver) Resolve(ctx context.Context, item domain.PlaylistItem) (transport.ResolvedStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return transport.ResolvedStream{}, f.fail
	}
	return transport.ResolvedStream{Reader: nopCloser{strings.NewReader("audio")}, DetectedKind: f.profile}, nil
}

func (f *fakeResolver) Seek(ctx context.Context, stream transport.ResolvedStream, position time.Duration) error {
	return nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, stream transport.ResolvedStream) (transport.CodecProfile, error) {
	return stream.DetectedKind, nil
}

type fakeTranscoder struct{ called bool }

func (f *fakeTranscoder) Transcode(ctx context.Context, stream transport.ResolvedStream, target transport.CodecProfile, encoderParams string, params transport.TranscodeParams) (io.ReadCloser, error) {
	f.called = true
	return nopCloser{strings.NewReader("transcoded")}, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	joined   bool
	outcomes []transport.PlaybackResult
	calls    int
}

func (f *fakeTransport) JoinCall(ctx context.Context, channel domain.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = true
	return nil
}

func (f *fakeTransport) LeaveCall(ctx context.Context, channel domain.Channel) error {
	return nil
}

func (f *fakeTransport) Play(ctx context.Context, stream io.ReadCloser, onPosition func(time.Duration), onParticipants func(transport.ParticipantEvent)) transport.PlaybackResult {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	onPosition(time.Second)
	onParticipants(transport.ParticipantEvent{Count: 1})
	if idx < len(f.outcomes) {
		return f.outcomes[idx]
	}
	return transport.PlaybackResult{Outcome: transport.OutcomeNaturalEnd}
}

func newTestDeps(t *testing.T) (*relstore.DB, *queue.Engine, *autoend.Controller, *eventhub.Hub) {
	t.Helper()
	db, err := relstore.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := sharedstore.NewWithClient(client)

	hub := eventhub.New()
	q := queue.New(store, hub, 100)
	ae := autoend.New(store, hub, stubStopRequester{}, []int{60, 30})
	return db, q, ae, hub
}

type stubStopRequester struct{}

func (stubStopRequester) RequestStop(ctx context.Context, channelID string) error { return nil }

func seedChannel(t *testing.T, db *relstore.DB, profiles []string) domain.Channel {
	t.Helper()
	ctx := context.Background()
	acc := domain.Account{ID: uuid.NewString(), OwnerPrincipal: "op-1", Label: "a", SessionMaterial: "x", State: domain.AccountActive}
	require.NoError(t, db.Accounts().Create(ctx, acc))
	ch := domain.Channel{
		ID: uuid.NewString(), AccountID: acc.ID, TargetChatID: "-100", DisplayName: "lounge",
		StreamKind: domain.StreamAudio, AutoEndTimeoutSec: 300, AcceptedCodecProfiles: profiles,
	}
	require.NoError(t, db.Channels().Create(ctx, ch))
	return ch
}

func queueItem(t *testing.T, q *queue.Engine, channelID string) domain.PlaylistItem {
	t.Helper()
	item := domain.PlaylistItem{
		ID: uuid.NewString(), ChannelID: channelID, SourceKind: domain.SourceWebURL,
		SourceValue: "https://example.com/a.mp3", Status: domain.ItemQueued, CreatedAt: time.Now(),
	}
	_, err := q.Add(context.Background(), channelID, item, domain.RoleOperator)
	require.NoError(t, err)
	return item
}

func TestRun_PlaysQueuedItemToNaturalEnd(t *testing.T) {
	db, q, ae, hub := newTestDeps(t)
	ch := seedChannel(t, db, nil)
	item := queueItem(t, q, ch.ID)
	require.NoError(t, db.PlaylistItems().Create(context.Background(), item))

	tr := &fakeTransport{outcomes: []transport.PlaybackResult{{Outcome: transport.OutcomeNaturalEnd}}}
	w := New(ch.ID, Deps{
		DB: db, Queue: q, Hub: hub, AutoEnd: ae,
		Resolver: &fakeResolver{profile: "opus_48k_mono"}, Classifier: fakeClassifier{},
		Transcoder: &fakeTranscoder{}, Transport: tr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = w.Stop(context.Background())
	}()
	_ = w.Run(ctx)

	got, err := db.PlaylistItems().Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ItemPlayed, got.Status)
	require.Equal(t, StateStopped, w.State())
}

func TestRun_TranscodesWhenProfileNotAccepted(t *testing.T) {
	db, q, ae, hub := newTestDeps(t)
	ch := seedChannel(t, db, []string{"opus_48k_stereo"})
	queueItem(t, q, ch.ID)

	tc := &fakeTranscoder{}
	tr := &fakeTransport{outcomes: []transport.PlaybackResult{{Outcome: transport.OutcomeNaturalEnd}}}
	w := New(ch.ID, Deps{
		DB: db, Queue: q, Hub: hub, AutoEnd: ae,
		Resolver: &fakeResolver{profile: "opus_48k_mono"}, Classifier: fakeClassifier{},
		Transcoder: tc, Transport: tr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = w.Stop(context.Background())
	}()
	_ = w.Run(ctx)

	require.True(t, tc.called)
}

func TestPlayItem_ResolveFailureMarksFailedAndSkips(t *testing.T) {
	db, q, ae, hub := newTestDeps(t)
	ch := seedChannel(t, db, nil)
	item := queueItem(t, q, ch.ID)
	require.NoError(t, db.PlaylistItems().Create(context.Background(), item))

	w := New(ch.ID, Deps{
		DB: db, Queue: q, Hub: hub, AutoEnd: ae,
		Resolver:   &fakeResolver{fail: coreerr.New(coreerr.KindTransportPersistent, "not_found", "gone")},
		Classifier: fakeClassifier{}, Transcoder: &fakeTranscoder{}, Transport: &fakeTransport{},
	})

	w.playItem(context.Background(), ch, item)

	got, err := db.PlaylistItems().Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ItemFailed, got.Status)
}

func TestSetTranscodeParams_ClampsOutOfRangeSpeed(t *testing.T) {
	w := New("ch-1", Deps{})
	clamped, warned := w.SetTranscodeParams(transport.TranscodeParams{Speed: 5.0})
	require.True(t, warned)
	require.Equal(t, 2.0, clamped.Speed)
}

func TestSeek_RejectsNonSeekableStream(t *testing.T) {
	w := New("ch-1", Deps{})
	err := w.Seek(context.Background(), transport.ResolvedStream{Seekable: false}, time.Second)
	require.Error(t, err)
	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerr.KindValidation, kind)
}

func TestPauseResume_TransitionsState(t *testing.T) {
	w := New("ch-1", Deps{})
	_, _ = w.machine.Fire(context.Background(), evJoined)
	require.Equal(t, StateRunning, w.State())

	require.NoError(t, w.Pause(context.Background()))
	require.Equal(t, StatePaused, w.State())

	require.NoError(t, w.Resume(context.Background()))
	require.Equal(t, StateRunning, w.State())
}
