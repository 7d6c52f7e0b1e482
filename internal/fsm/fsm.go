// Package fsm is a small, strict, generic finite-state-machine runner shared
// by the streaming worker (§4.7.1), the auto-end controller (§4.6) and the
// session lifecycle manager (§4.4). Unknown transitions are errors rather
// than no-ops, so a caller can never silently stay in the wrong state.
package fsm

import (
	"context"
	"fmt"
	"sync"
)

// Transition describes a single edge in the machine. Guard may reject the
// transition before it happens; Action performs the side effect once the
// transition is accepted.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from, to S, event E) error
}

// Machine is a mutex-guarded FSM runner: the current state is read and
// written under the mutex, while Guard and Action run outside it; a Fire
// whose start state changed in the meantime returns a concurrent-transition
// error without applying its transition.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	index map[string]Transition[S, E]
}

// New builds a Machine from a transition table. Returns an error if two
// transitions share the same (from, event) pair.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("fsm: duplicate transition %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx}, nil
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState forcibly sets the state without firing a transition, used when
// rehydrating from persisted state on restart (§4.6, §4.7.4).
func (m *Machine[S, E]) SetState(s S) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Fire attempts to apply an event. Guard and Action run outside the lock so
// they may block or call out without stalling other callers of State().
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.index[key(from, event)]
	if !ok {
		m.mu.Unlock()
		var zero S
		return zero, fmt.Errorf("fsm: invalid transition state=%s event=%s", from, event)
	}
	to := t.To
	m.mu.Unlock()

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, to, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return cur, fmt.Errorf("fsm: concurrent transition detected from=%s cur=%s event=%s", from, cur, event)
	}
	m.state = to
	m.mu.Unlock()

	return to, nil
}

// CanFire reports whether event is a registered transition from the current state.
func (m *Machine[S, E]) CanFire(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[key(m.state, event)]
	return ok
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
