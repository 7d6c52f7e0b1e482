// Package transport defines the capability interfaces the streaming worker
// (C7) drives: resolving a playlist item to a stream, classifying its codec,
// transcoding it, and handing the result to the voice-chat transport. Every
// implementation of these is an external collaborator (spec §4.7.2); this
// package owns only the contracts and the closed error classification the
// worker reacts to.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

// CodecProfile names a transport-accepted encoding, e.g. "opus_48k_mono".
type CodecProfile string

// ResolvedStream is what a SourceResolver hands back: a readable media
// stream plus whatever codec it detected before any transcoding decision.
type ResolvedStream struct {
	Reader       io.ReadCloser
	DetectedKind CodecProfile
	Seekable     bool
}

// SourceResolver turns a PlaylistItem into a readable stream. Distinct
// implementations back local files, direct HTTP(S) radio streams, and the
// pluggable external-fetcher capability for web_url items.
type SourceResolver interface {
	Resolve(ctx context.Context, item domain.PlaylistItem) (ResolvedStream, error)
	// Seek repositions an in-flight stream if supported; returns an error
	// classified not_seekable (via coreerr) if the resolver can't.
	Seek(ctx context.Context, stream ResolvedStream, position time.Duration) error
}

// CodecClassifier inspects a resolved stream and reports its codec profile.
type CodecClassifier interface {
	Classify(ctx context.Context, stream ResolvedStream) (CodecProfile, error)
}

// TranscodeParams bundles the runtime-tunable parameters applied at the next
// processing cycle (spec §4.7.3): speed in [0.5,2.0], pitch in semitones
// [-12,12], and a 10-band EQ gain list. Out-of-range speed and pitch
// values are clamped by Worker.SetTranscodeParams, which emits a warning
// event rather than rejecting them; EQ gains are passed through unclamped.
type TranscodeParams struct {
	Speed          float64
	PitchSemitones float64
	EQBands        [10]float64
}

// DefaultTranscodeParams is the flat, unmodified baseline.
func DefaultTranscodeParams() TranscodeParams {
	return TranscodeParams{Speed: 1.0, PitchSemitones: 0}
}

// Transcoder pipes a source stream through a decode/encode stage targeting
// one of the transport's accepted profiles. An invalid encoder parameter
// string must not reject playback — it falls back to target's zero value.
type Transcoder interface {
	Transcode(ctx context.Context, stream ResolvedStream, target CodecProfile, encoderParams string, params TranscodeParams) (io.ReadCloser, error)
}

// ParticipantEvent reports a transport-observed participant count change,
// excluding the worker itself.
type ParticipantEvent struct {
	Count int
}

// PlaybackOutcome is how a Transport.Play invocation ended.
type PlaybackOutcome string

const (
	OutcomeNaturalEnd PlaybackOutcome = "natural_end"
	OutcomeSkipped    PlaybackOutcome = "skipped"
	OutcomeStopped    PlaybackOutcome = "stopped"
	OutcomeError      PlaybackOutcome = "error"
)

// PlaybackResult is returned once a Transport.Play call stops driving audio.
type PlaybackResult struct {
	Outcome PlaybackOutcome
	Err     error
}

// Transport is the voice-chat transport capability: join a call, stream
// media into it, and observe participants/completion. Per-operation 30s,
// overall "join call" 60s, are enforced by the caller via ctx deadlines.
type Transport interface {
	JoinCall(ctx context.Context, channel domain.Channel) error
	LeaveCall(ctx context.Context, channel domain.Channel) error
	// Play drives stream to completion or until ctx is cancelled (stop/skip
	// intents are modeled as ctx cancellation by the caller), reporting
	// position via onPosition (throttled by the caller) and participant
	// changes via onParticipants.
	Play(ctx context.Context, stream io.ReadCloser, onPosition func(time.Duration), onParticipants func(ParticipantEvent)) PlaybackResult
}

// SupervisorStatus is the closed set of states a host supervisor reports
// for a named long-lived process (spec §4.8).
type SupervisorStatus string

const (
	StatusActive       SupervisorStatus = "active"
	StatusActivating   SupervisorStatus = "activating"
	StatusDeactivating SupervisorStatus = "deactivating"
	StatusFailed       SupervisorStatus = "failed"
	StatusInactive     SupervisorStatus = "inactive"
)

// Supervisor is the host process-supervision capability C8 drives: start,
// stop, and query a named long-lived process with restart-on-failure and
// resource isolation. The core never shells into the host directly.
type Supervisor interface {
	Start(ctx context.Context, name string, args []string, env map[string]string) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (SupervisorStatus, error)
}
