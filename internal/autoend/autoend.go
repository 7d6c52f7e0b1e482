// Package autoend implements the C6 auto-end controller: one logical,
// store-persisted timer per channel that stops an empty voice chat after a
// bounded countdown (spec §4.6).
package autoend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/fsm"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

// State is the auto-end timer's FSM state.
type State string

const (
	StateIdle   State = "idle"
	StateArmed  State = "armed"
	StateFiring State = "firing"
)

// event is the internal FSM event alphabet; unexported since callers only
// interact through ReportListeners/AcknowledgeStop.
type event string

const (
	evListenersZero     event = "listeners_zero"
	evListenersPositive event = "listeners_positive"
	evDeadlineReached   event = "deadline_reached"
	evStopAcknowledged  event = "stop_acknowledged"
)

const debounceWindow = 5 * time.Second

// StopRequester is C8's capability for transitioning a channel's
// desired_state to stopped; injected to avoid an import cycle with control.
type StopRequester interface {
	RequestStop(ctx context.Context, channelID string) error
}

// Controller tracks one timer per channel.
type Controller struct {
	store         *sharedstore.Store
	hub           *eventhub.Hub
	stopper       StopRequester
	warningPoints []int

	mu     sync.Mutex
	timers map[string]*channelTimer
}

// New builds a Controller. warningPoints are seconds-before-deadline marks
// (e.g. [60,30,10]); entries ≥ the channel's timeout are silently skipped.
func New(store *sharedstore.Store, hub *eventhub.Hub, stopper StopRequester, warningPoints []int) *Controller {
	return &Controller{
		store:         store,
		hub:           hub,
		stopper:       stopper,
		warningPoints: warningPoints,
		timers:        make(map[string]*channelTimer),
	}
}

type channelTimer struct {
	mu             sync.Mutex
	machine        *fsm.Machine[State, event]
	channelID      string
	timeoutSeconds int
	deadline       time.Time
	debounce       *time.Timer
	deadlineTimer  *time.Timer
	warnTimers     []*time.Timer
}

func storeKey(channelID string) string { return fmt.Sprintf("auto_end:%s", channelID) }

type persistedState struct {
	Deadline time.Time `json:"deadline"`
}

func (c *Controller) timerFor(channelID string, timeoutSeconds int) *channelTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[channelID]
	if !ok {
		machine, _ := fsm.New(StateIdle, []fsm.Transition[State, event]{
			{From: StateIdle, Event: evListenersZero, To: StateArmed},
			{From: StateArmed, Event: evListenersPositive, To: StateIdle},
			{From: StateArmed, Event: evDeadlineReached, To: StateFiring},
			{From: StateFiring, Event: evStopAcknowledged, To: StateIdle},
		})
		t = &channelTimer{machine: machine, channelID: channelID, timeoutSeconds: timeoutSeconds}
		c.timers[channelID] = t
	}
	if timeoutSeconds > 0 {
		t.timeoutSeconds = timeoutSeconds
	}
	return t
}

// ReportListeners is called by the worker whenever its polled participant
// count changes (excluding itself). A sustained zero for ≥5 s arms the
// timer; any positive count clears it immediately.
func (c *Controller) ReportListeners(ctx context.Context, channelID string, count, timeoutSeconds int) {
	t := c.timerFor(channelID, timeoutSeconds)
	t.mu.Lock()
	defer t.mu.Unlock()

	if count > 0 {
		c.cancelTimersLocked(t)
		if t.machine.State() == StateArmed {
			if _, err := t.machine.Fire(ctx, evListenersPositive); err == nil {
				_ = c.store.Delete(ctx, storeKey(channelID))
			}
		}
		return
	}

	if t.machine.State() != StateIdle || t.debounce != nil {
		return
	}
	t.debounce = time.AfterFunc(debounceWindow, func() {
		c.arm(ctx, channelID)
	})
}

func (c *Controller) cancelTimersLocked(t *channelTimer) {
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
	if t.deadlineTimer != nil {
		t.deadlineTimer.Stop()
		t.deadlineTimer = nil
	}
	for _, wt := range t.warnTimers {
		wt.Stop()
	}
	t.warnTimers = nil
}

func (c *Controller) arm(ctx context.Context, channelID string) {
	t := c.timerFor(channelID, 0)
	t.mu.Lock()
	// the debounce timer that invoked arm has already fired; clear it here
	// so a later zero-listeners cycle isn't permanently blocked by a stale
	// non-nil reference (the guard in ReportListeners checks t.debounce).
	t.debounce = nil
	if t.machine.State() != StateIdle {
		t.mu.Unlock()
		return
	}
	if _, err := t.machine.Fire(ctx, evListenersZero); err != nil {
		t.mu.Unlock()
		return
	}
	deadline := time.Now().Add(time.Duration(t.timeoutSeconds) * time.Second)
	t.deadline = deadline
	t.mu.Unlock()

	c.persist(ctx, channelID, deadline)
	c.scheduleFromDeadline(ctx, channelID, deadline)
}

func (c *Controller) persist(ctx context.Context, channelID string, deadline time.Time) {
	blob, err := json.Marshal(persistedState{Deadline: deadline})
	if err != nil {
		return
	}
	ttl := time.Until(deadline)
	if ttl < 0 {
		ttl = 0
	}
	if err := c.store.SetWithTTL(ctx, storeKey(channelID), string(blob), ttl); err != nil {
		log.WithComponent("autoend").Warn().Err(err).Str("channel_id", channelID).Msg("failed to persist auto-end deadline")
	}
}

func (c *Controller) scheduleFromDeadline(ctx context.Context, channelID string, deadline time.Time) {
	t := c.timerFor(channelID, 0)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.fire(ctx, channelID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, wp := range c.warningPoints {
		warnAt := remaining - time.Duration(wp)*time.Second
		if warnAt <= 0 {
			continue
		}
		seconds := wp
		wt := time.AfterFunc(warnAt, func() {
			c.emitWarning(channelID, seconds)
		})
		t.warnTimers = append(t.warnTimers, wt)
	}

	t.deadlineTimer = time.AfterFunc(remaining, func() {
		c.fire(ctx, channelID)
	})
}

func (c *Controller) emitWarning(channelID string, secondsRemaining int) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(eventhub.Event{
		Type:      eventhub.EventAutoEndWarning,
		ChannelID: channelID,
		Payload:   map[string]any{"seconds_remaining": secondsRemaining},
	})
}

func (c *Controller) fire(ctx context.Context, channelID string) {
	t := c.timerFor(channelID, 0)
	t.mu.Lock()
	if t.machine.State() != StateArmed {
		t.mu.Unlock()
		return
	}
	if _, err := t.machine.Fire(ctx, evDeadlineReached); err != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	metrics.AutoEndTriggeredTotal.WithLabelValues(channelID, "timeout").Inc()
	if c.hub != nil {
		c.hub.Publish(eventhub.Event{
			Type:      eventhub.EventAutoEndTriggered,
			ChannelID: channelID,
			Payload:   map[string]any{"reason": "timeout"},
		})
	}
	if c.stopper != nil {
		if err := c.stopper.RequestStop(ctx, channelID); err != nil {
			log.WithComponent("autoend").Warn().Err(err).Str("channel_id", channelID).Msg("failed to request stop on auto-end fire")
		}
	}
}

// AcknowledgeStop is called once the worker has actually stopped, returning
// the timer to idle and clearing persisted state.
func (c *Controller) AcknowledgeStop(ctx context.Context, channelID string) {
	t := c.timerFor(channelID, 0)
	t.mu.Lock()
	if t.machine.State() == StateFiring {
		_, _ = t.machine.Fire(ctx, evStopAcknowledged)
	}
	t.mu.Unlock()
	_ = c.store.Delete(ctx, storeKey(channelID))
}

// RestoreChannel resumes observation for a channel on controller/worker
// restart: a deadline already past fires immediately without warnings; a
// future deadline resumes with recomputed warning schedules.
func (c *Controller) RestoreChannel(ctx context.Context, channelID string) error {
	raw, ok, err := c.store.Get(ctx, storeKey(channelID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var st persistedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		_ = c.store.Delete(ctx, storeKey(channelID))
		return nil
	}

	t := c.timerFor(channelID, 0)
	t.mu.Lock()
	if t.machine.State() == StateIdle {
		_, _ = t.machine.Fire(ctx, evListenersZero)
	}
	t.deadline = st.Deadline
	t.mu.Unlock()

	if !st.Deadline.After(time.Now()) {
		c.fire(ctx, channelID)
		return nil
	}
	c.scheduleFromDeadline(ctx, channelID, st.Deadline)
	return nil
}

// State reports the current FSM state for a channel (idle if untracked).
func (c *Controller) State(channelID string) State {
	c.mu.Lock()
	t, ok := c.timers[channelID]
	c.mu.Unlock()
	if !ok {
		return StateIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State()
}
