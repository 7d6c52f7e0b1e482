// Package worker implements the C7 streaming worker: the long-lived
// per-channel loop that resolves, classifies, optionally transcodes and
// plays playlist items into the voice-chat transport, reconciling with the
// shared store on every (re)start (spec §4.7).
package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/autoend"
	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/fsm"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/resilience"
	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
)

// positionThrottle is the minimum gap between position_update events for one
// item, per spec §4.7.3.
const positionThrottle = time.Second

// pendingAction is the intent that caused an in-flight Play call's context
// to be cancelled, letting the loop classify the outcome without the
// transport implementation needing to know about skip vs. stop.
type pendingAction int32

const (
	pendingNone pendingAction = iota
	pendingSkip
	pendingStop
)

// SessionErrorReporter is C4's capability for classifying a worker's
// transport_auth_error as an account-level session problem.
type SessionErrorReporter interface {
	ReportAuthError(ctx context.Context, accountID string) error
}

// channelDB narrows relstore.DB to what the worker needs.
type channelDB interface {
	Channels() *relstore.ChannelRepo
	PlaylistItems() *relstore.PlaylistRepo
}

// Deps bundles a Worker's collaborators.
type Deps struct {
	DB                     channelDB
	Queue                  *queue.Engine
	Hub                    *eventhub.Hub
	AutoEnd                *autoend.Controller
	Session                SessionErrorReporter
	Resolver               transport.SourceResolver
	Classifier             transport.CodecClassifier
	Transcoder             transport.Transcoder
	Transport              transport.Transport
	Breaker                *resilience.CircuitBreaker
	TransientRetryAttempts int
}

// Worker drives one channel's playback loop.
type Worker struct {
	channelID string
	deps      Deps

	machine *fsm.Machine[State, event]

	mu            sync.Mutex
	params        transport.TranscodeParams
	pending       atomic.Int32
	currentCancel context.CancelFunc
}

// New builds a Worker for one channel.
func New(channelID string, deps Deps) *Worker {
	if deps.TransientRetryAttempts <= 0 {
		deps.TransientRetryAttempts = 2
	}
	m, _ := newMachine(StateStarting)
	return &Worker{
		channelID: channelID,
		deps:      deps,
		machine:   m,
		params:    transport.DefaultTranscodeParams(),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return w.machine.State() }

// Run reconciles with the store and then drives the playback loop until ctx
// is cancelled or a stop intent is processed. After a stop intent it returns
// once the machine reaches stopped; when ctx is cancelled with no stop
// intent pending, it returns without that transition.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker").With().Str("channel_id", w.channelID).Logger()

	channel, err := w.deps.DB.Channels().Get(ctx, w.channelID)
	if err != nil {
		return err
	}

	if err := w.deps.Transport.JoinCall(ctx, channel); err != nil {
		if kind, ok := coreerr.KindOf(err); ok && kind == coreerr.KindTransportAuth {
			_, _ = w.machine.Fire(ctx, evAuthError)
			if w.deps.Session != nil {
				_ = w.deps.Session.ReportAuthError(ctx, channel.AccountID)
			}
			return err
		}
		_, _ = w.machine.Fire(ctx, evUnrecoverable)
		return err
	}
	if _, err := w.machine.Fire(ctx, evJoined); err != nil {
		return err
	}

	w.publishStreamState(ctx, "running")
	if err := w.deps.AutoEnd.RestoreChannel(ctx, w.channelID); err != nil {
		logger.Warn().Err(err).Msg("failed to restore auto-end state")
	}

	defer func() { _ = w.deps.Transport.LeaveCall(context.Background(), channel) }()

	placeholderActive := false
	for {
		if w.State() == StateStopping {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.State() == StatePaused {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		item, ok, err := w.deps.Queue.Peek(ctx, w.channelID)
		if err != nil {
			logger.Warn().Err(err).Msg("queue peek failed")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			if !placeholderActive {
				placeholderActive = true
				_ = w.deps.Queue.MarkPlaceholderActive(ctx, w.channelID, true)
				if w.State() == StateRunning {
					_, _ = w.machine.Fire(ctx, evQueueEmpty)
				}
				w.publishStreamState(ctx, "placeholder")
			}
			w.playPlaceholder(ctx, channel)
			continue
		}
		if placeholderActive {
			placeholderActive = false
			if w.State() == StatePlaceholder {
				_, _ = w.machine.Fire(ctx, evQueueNonEmpty)
			}
			w.publishStreamState(ctx, "running")
		}

		w.playItem(ctx, channel, item)
	}

	_, _ = w.machine.Fire(ctx, evPipelineDown)
	w.publishStreamState(ctx, "stopped")
	return nil
}

// playPlaceholder plays the configured placeholder media once, or sleeps
// briefly on silence, then returns so the loop can re-check the queue.
func (w *Worker) playPlaceholder(ctx context.Context, channel domain.Channel) {
	if channel.PlaceholderMedia == "" {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
	item := domain.PlaylistItem{ID: "placeholder", SourceKind: domain.SourceLocalPath, SourceValue: channel.PlaceholderMedia}
	stream, err := w.deps.Resolver.Resolve(ctx, item)
	if err != nil {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
	w.drivePlayback(ctx, channel, stream, nil)
}

// playItem resolves/classifies/transcodes and drives one playlist item
// through the transport, per the playback algorithm (spec §4.7.3).
func (w *Worker) playItem(ctx context.Context, channel domain.Channel, item domain.PlaylistItem) {
	stream, profile, err := w.resolveWithRetry(ctx, item)
	if err != nil {
		w.publishEvent(ctx, eventhub.EventTrackError, map[string]any{"item_id": item.ID, "error": err.Error()})
		_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemFailed)
		_, _, _ = w.deps.Queue.Skip(ctx, w.channelID)
		return
	}

	readable, err := w.maybeTranscode(ctx, channel, stream, profile)
	if err != nil {
		w.publishEvent(ctx, eventhub.EventTrackError, map[string]any{"item_id": item.ID, "error": err.Error()})
		_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemFailed)
		_, _, _ = w.deps.Queue.Skip(ctx, w.channelID)
		return
	}

	_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemPlaying)
	w.publishEvent(ctx, eventhub.EventTrackChange, map[string]any{"current": item.ID, "reason": "natural"})

	outcome := w.drivePlayback(ctx, channel, transport.ResolvedStream{Reader: readable, DetectedKind: profile}, &item)

	switch outcome {
	case transport.OutcomeNaturalEnd:
		_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemPlayed)
		metrics.TracksPlayedTotal.Inc()
		_, _, _ = w.deps.Queue.Skip(ctx, w.channelID)
	case transport.OutcomeSkipped:
		_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemSkipped)
		_, _, _ = w.deps.Queue.Skip(ctx, w.channelID)
	case transport.OutcomeStopped:
		// outer loop observes the stopping state and exits cleanly.
	case transport.OutcomeError:
		_ = w.deps.DB.PlaylistItems().SetStatus(ctx, item.ID, domain.ItemFailed)
		_, _, _ = w.deps.Queue.Skip(ctx, w.channelID)
	}
}

// resolveWithRetry retries a transient resolve failure up to
// TransientRetryAttempts times with 1s/5s backoff (spec §4.7.3 (d)).
func (w *Worker) resolveWithRetry(ctx context.Context, item domain.PlaylistItem) (transport.ResolvedStream, transport.CodecProfile, error) {
	backoffs := []time.Duration{time.Second, 5 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= w.deps.TransientRetryAttempts; attempt++ {
		var stream transport.ResolvedStream
		var err error
		if w.deps.Breaker != nil {
			err = w.deps.Breaker.Execute(func() error {
				var innerErr error
				stream, innerErr = w.deps.Resolver.Resolve(ctx, item)
				return innerErr
			})
		} else {
			stream, err = w.deps.Resolver.Resolve(ctx, item)
		}
		if err == nil {
			profile, cerr := w.deps.Classifier.Classify(ctx, stream)
			if cerr != nil {
				return transport.ResolvedStream{}, "", cerr
			}
			return stream, profile, nil
		}
		lastErr = err
		kind, _ := coreerr.KindOf(err)
		if kind != coreerr.KindTransportTransient || attempt == w.deps.TransientRetryAttempts {
			return transport.ResolvedStream{}, "", err
		}
		idx := attempt
		if idx >= len(backoffs) {
			idx = len(backoffs) - 1
		}
		select {
		case <-ctx.Done():
			return transport.ResolvedStream{}, "", ctx.Err()
		case <-time.After(backoffs[idx]):
		}
	}
	return transport.ResolvedStream{}, "", lastErr
}

// maybeTranscode applies the worker's transcode policy: if the detected
// profile isn't in the channel's accepted list, pipe it through the
// transcoder; an invalid encoder_params string falls back to a safe
// default rather than rejecting playback (spec §4.7.2 step 3).
func (w *Worker) maybeTranscode(ctx context.Context, channel domain.Channel, stream transport.ResolvedStream, profile transport.CodecProfile) (io.ReadCloser, error) {
	if accepted(channel.AcceptedCodecProfiles, profile) {
		return stream.Reader, nil
	}
	target := transport.CodecProfile("")
	if len(channel.AcceptedCodecProfiles) > 0 {
		target = transport.CodecProfile(channel.AcceptedCodecProfiles[0])
	}
	w.mu.Lock()
	params := w.params
	w.mu.Unlock()
	out, err := w.deps.Transcoder.Transcode(ctx, stream, target, channel.EncoderParams, params)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func accepted(profiles []string, profile transport.CodecProfile) bool {
	if len(profiles) == 0 {
		return true
	}
	for _, p := range profiles {
		if p == string(profile) {
			return true
		}
	}
	return false
}

// drivePlayback hands stream to the transport and classifies the outcome,
// folding in any pending skip/stop intent that cancelled the play context.
func (w *Worker) drivePlayback(ctx context.Context, channel domain.Channel, stream transport.ResolvedStream, item *domain.PlaylistItem) transport.PlaybackOutcome {
	playCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.currentCancel = cancel
	w.mu.Unlock()
	w.pending.Store(int32(pendingNone))

	var lastPublish time.Time
	result := w.deps.Transport.Play(playCtx, stream.Reader, func(pos time.Duration) {
		if item == nil {
			return
		}
		if time.Since(lastPublish) < positionThrottle {
			return
		}
		lastPublish = time.Now()
		w.publishEvent(ctx, eventhub.EventPositionUpdate, map[string]any{
			"item_id":          item.ID,
			"position_seconds": pos.Seconds(),
		})
	}, func(p transport.ParticipantEvent) {
		w.publishEvent(ctx, eventhub.EventListenersUpdate, map[string]any{"count": p.Count})
		w.deps.AutoEnd.ReportListeners(ctx, w.channelID, p.Count, channel.AutoEndTimeoutSec)
		metrics.StreamListeners.WithLabelValues(w.channelID).Set(float64(p.Count))
	})
	cancel()

	w.mu.Lock()
	w.currentCancel = nil
	w.mu.Unlock()

	switch pendingAction(w.pending.Load()) {
	case pendingSkip:
		return transport.OutcomeSkipped
	case pendingStop:
		return transport.OutcomeStopped
	}
	if result.Outcome == transport.OutcomeError && result.Err != nil {
		if kind, ok := coreerr.KindOf(result.Err); ok {
			switch kind {
			case coreerr.KindTransportAuth:
				_, _ = w.machine.Fire(ctx, evAuthError)
				if w.deps.Session != nil {
					_ = w.deps.Session.ReportAuthError(ctx, channel.AccountID)
				}
			case coreerr.KindTransportPersistent:
				// falls through to error outcome; loop marks failed+skip
			}
		}
	}
	return result.Outcome
}

// Pause/Resume/Stop/Skip/Seek are operator intents (spec §4.7.1, §4.7.3);
// Stop and Skip cancel any in-flight Play call.

func (w *Worker) Pause(ctx context.Context) error {
	_, err := w.machine.Fire(ctx, evPause)
	return err
}

func (w *Worker) Resume(ctx context.Context) error {
	_, err := w.machine.Fire(ctx, evResume)
	return err
}

func (w *Worker) Stop(ctx context.Context) error {
	w.pending.Store(int32(pendingStop))
	w.mu.Lock()
	cancel := w.currentCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_, err := w.machine.Fire(ctx, evStopRequested)
	return err
}

// Skip cancels the current item's Play call, if any, so the loop advances.
func (w *Worker) Skip(ctx context.Context) {
	w.pending.Store(int32(pendingSkip))
	w.mu.Lock()
	cancel := w.currentCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Seek asks the resolver to reposition the current stream; callers receive
// coreerr.KindValidation/"not_seekable" if the resolver can't.
func (w *Worker) Seek(ctx context.Context, stream transport.ResolvedStream, position time.Duration) error {
	if !stream.Seekable {
		return coreerr.New(coreerr.KindValidation, "not_seekable", "current source does not support seeking")
	}
	return w.deps.Resolver.Seek(ctx, stream, position)
}

// SetTranscodeParams updates the runtime speed/pitch/EQ bundle, clamped to
// the spec's documented ranges, applied at the next processing cycle. A
// clamp also publishes a warning-level system_alert event.
func (w *Worker) SetTranscodeParams(params transport.TranscodeParams) (transport.TranscodeParams, bool) {
	clamped := params
	warn := false
	if clamped.Speed < 0.5 {
		clamped.Speed, warn = 0.5, true
	} else if clamped.Speed > 2.0 {
		clamped.Speed, warn = 2.0, true
	}
	if clamped.PitchSemitones < -12 {
		clamped.PitchSemitones, warn = -12, true
	} else if clamped.PitchSemitones > 12 {
		clamped.PitchSemitones, warn = 12, true
	}
	w.mu.Lock()
	w.params = clamped
	w.mu.Unlock()
	if warn {
		w.publishEvent(context.Background(), eventhub.EventSystemAlert, map[string]any{"level": "warning", "code": "transcode_params_clamped"})
	}
	return clamped, warn
}

func (w *Worker) publishStreamState(ctx context.Context, state string) {
	w.publishEvent(ctx, eventhub.EventStreamState, map[string]any{"state": state})
}

func (w *Worker) publishEvent(_ context.Context, eventType eventhub.EventType, payload map[string]any) {
	if w.deps.Hub == nil {
		return
	}
	w.deps.Hub.Publish(eventhub.Event{
		Type:      eventType,
		ChannelID: w.channelID,
		Payload:   payload,
	})
}
