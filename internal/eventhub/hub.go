// Package eventhub implements the C5 event hub: a registry of subscriber
// connections, each with an optional channel_id filter and event-type
// filter, fed by a non-blocking Publish with bounded per-subscriber buffers
// and drop-oldest overflow semantics (spec §4.5).
package eventhub

import (
	"sync"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
)

// DefaultBufferSize is the bounded per-subscriber buffer capacity.
const DefaultBufferSize = 256

// Hub fans Publish calls out to every matching subscription.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
}

// New constructs a Hub with the default 256-envelope subscriber buffer.
func New() *Hub {
	return &Hub{subs: make(map[string]*Subscription), bufferSize: DefaultBufferSize}
}

// Subscription is one registered connection's view into the hub.
type Subscription struct {
	id        string
	filterMu  sync.RWMutex
	channelFilter string
	eventTypes    map[EventType]struct{}
	ch            chan Envelope
	done          chan struct{}
	closeOnce     sync.Once
	hub           *Hub
}

// Events returns the channel of envelopes destined for this subscription.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

// Done closes when the subscription is unsubscribed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes and is safe to call more than once (spec §4.5:
// "Connection termination is idempotent").
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
	s.closeOnce.Do(func() { close(s.done) })
}

// UpdateFilter replaces the subscription's channel/event-type filter in
// place, used when a client sends a subscribe/unsubscribe control message
// without tearing down the connection's buffer.
func (s *Subscription) UpdateFilter(channelFilter string, eventTypes []EventType) {
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	s.filterMu.Lock()
	s.channelFilter = channelFilter
	s.eventTypes = types
	s.filterMu.Unlock()
}

func (s *Subscription) matches(e Event) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	if s.channelFilter != "" && e.ChannelID != "" && s.channelFilter != e.ChannelID {
		return false
	}
	if len(s.eventTypes) > 0 {
		if _, ok := s.eventTypes[e.Type]; !ok {
			return false
		}
	}
	return true
}

// Subscribe registers a new subscription. An empty channelFilter receives
// events for every channel plus hub-wide events; an empty eventTypes
// receives every event type.
func (h *Hub) Subscribe(id, channelFilter string, eventTypes []EventType) *Subscription {
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	sub := &Subscription{
		id:            id,
		channelFilter: channelFilter,
		eventTypes:    types,
		ch:            make(chan Envelope, h.bufferSize),
		done:          make(chan struct{}),
		hub:           h,
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	metrics.WebsocketConnections.Inc()
	return sub
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		metrics.WebsocketConnections.Dec()
	}
}

// Publish fans e out to every matching subscriber. It never blocks: a full
// subscriber buffer is drained of its oldest entry to make room, per the
// drop-oldest overflow policy, and a catchup_hint is queued behind it.
func (h *Hub) Publish(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	env := e.envelope()
	for _, s := range subs {
		if s.matches(e) {
			s.deliver(env, s.id)
		}
	}
}

func (s *Subscription) deliver(env Envelope, subscriberID string) {
	select {
	case s.ch <- env:
		return
	default:
	}

	// Buffer full: evict the oldest entry to make room, then retry once.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- env:
	default:
		return
	}

	metrics.HubDropsTotal.WithLabelValues(subscriberID).Inc()
	hint := Envelope{Type: eventCatchupHint, OccurredAt: time.Now()}
	select {
	case s.ch <- hint:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- hint:
		default:
		}
	}
}
