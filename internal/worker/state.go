package worker

import (
	"github.com/sattva2020/tg-video-stream-sub003/internal/fsm"
)

// State is the C7 worker's lifecycle state (spec §4.7.1).
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StatePlaceholder State = "placeholder"
	StatePaused      State = "paused"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateError       State = "error"
)

type event string

const (
	evJoined          event = "joined"
	evQueueEmpty      event = "queue_empty"
	evQueueNonEmpty   event = "queue_non_empty"
	evPause           event = "pause"
	evResume          event = "resume"
	evStopRequested   event = "stop_requested"
	evPipelineDown    event = "pipeline_down"
	evAuthError       event = "auth_error"
	evUnrecoverable   event = "unrecoverable_error"
)

func newMachine(initial State) (*fsm.Machine[State, event], error) {
	return fsm.New(initial, []fsm.Transition[State, event]{
		{From: StateStarting, Event: evJoined, To: StateRunning},
		{From: StateStarting, Event: evStopRequested, To: StateStopping},
		{From: StateRunning, Event: evQueueEmpty, To: StatePlaceholder},
		{From: StatePlaceholder, Event: evQueueNonEmpty, To: StateRunning},
		{From: StateRunning, Event: evPause, To: StatePaused},
		{From: StatePaused, Event: evResume, To: StateRunning},
		{From: StateRunning, Event: evStopRequested, To: StateStopping},
		{From: StatePlaceholder, Event: evStopRequested, To: StateStopping},
		{From: StatePaused, Event: evStopRequested, To: StateStopping},
		{From: StateError, Event: evStopRequested, To: StateStopping},
		{From: StateStopping, Event: evPipelineDown, To: StateStopped},
		{From: StateStarting, Event: evAuthError, To: StateError},
		{From: StateRunning, Event: evAuthError, To: StateError},
		{From: StatePlaceholder, Event: evAuthError, To: StateError},
		{From: StatePaused, Event: evAuthError, To: StateError},
		{From: StateStarting, Event: evUnrecoverable, To: StateError},
		{From: StateRunning, Event: evUnrecoverable, To: StateError},
		{From: StatePlaceholder, Event: evUnrecoverable, To: StateError},
		{From: StatePaused, Event: evUnrecoverable, To: StateError},
	})
}
