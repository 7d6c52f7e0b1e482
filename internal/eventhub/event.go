package eventhub

import "time"

// EventType is the closed set of event kinds from spec §4.5.
type EventType string

const (
	EventQueueUpdate      EventType = "queue_update"
	EventTrackChange      EventType = "track_change"
	EventTrackError       EventType = "track_error"
	EventPositionUpdate   EventType = "position_update"
	EventStreamState      EventType = "stream_state"
	EventListenersUpdate  EventType = "listeners_update"
	EventAutoEndWarning   EventType = "auto_end_warning"
	EventAutoEndTriggered EventType = "auto_end_triggered"
	EventSystemAlert      EventType = "system_alert"
	EventMetricsSnapshot  EventType = "metrics_snapshot"

	// eventCatchupHint is server-generated on buffer overflow, not published
	// by domain producers directly — see Subscription.deliver.
	eventCatchupHint EventType = "catchup_hint"
)

// Event is a single message flowing through the hub. ChannelID is empty for
// hub-wide events (system_alert).
type Event struct {
	Type       EventType
	ChannelID  string
	OccurredAt time.Time
	Payload    map[string]any
}

// Envelope is the wire format delivered to push connections (spec §6.2).
type Envelope struct {
	Type       EventType      `json:"type"`
	ChannelID  string         `json:"channel_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (e Event) envelope() Envelope {
	return Envelope{
		Type:       e.Type,
		ChannelID:  e.ChannelID,
		OccurredAt: e.OccurredAt,
		Payload:    e.Payload,
	}
}
