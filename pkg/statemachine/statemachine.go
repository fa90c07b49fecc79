// Package statemachine implements small finite state machines over
// comparable state and event types. A Definition holds the transition
// table and is shared; each Machine is one run through it.
package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Guard decides at fire time whether a transition may be taken.
type Guard[S, E comparable] func(ctx context.Context, from S, event E, data any) bool

// Action runs before the state changes and must not call back into the
// machine. An error aborts the transition.
type Action[S, E comparable] func(ctx context.Context, from, to S, event E, data any) error

// Transition is one edge of the table.
type Transition[S, E comparable] struct {
	From    S
	To      S
	Event   E
	Guards  []Guard[S, E]
	Actions []Action[S, E]
}

func (t Transition[S, E]) allowed(ctx context.Context, from S, event E, data any) bool {
	for _, g := range t.Guards {
		if g != nil && !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}

// Definition is an immutable transition table with an initial state.
type Definition[S, E comparable] struct {
	initial S
	table   map[S]map[E][]Transition[S, E]
}

// Initial returns the state new machines start in.
func (d *Definition[S, E]) Initial() S { return d.initial }

// IsTerminal reports whether no transition leaves s.
func (d *Definition[S, E]) IsTerminal(s S) bool {
	return len(d.table[s]) == 0
}

// Events lists the events that have at least one transition out of s.
func (d *Definition[S, E]) Events(s S) []E {
	events := make([]E, 0, len(d.table[s]))
	for e := range d.table[s] {
		events = append(events, e)
	}
	return events
}

// Start returns a machine positioned at the initial state.
func (d *Definition[S, E]) Start() *Machine[S, E] {
	return &Machine[S, E]{def: d, current: d.initial}
}

// Resume returns a machine positioned at s, for flows that persist their
// state between requests.
func (d *Definition[S, E]) Resume(s S) *Machine[S, E] {
	return &Machine[S, E]{def: d, current: s}
}

// Machine is safe for concurrent use.
type Machine[S, E comparable] struct {
	def     *Definition[S, E]
	mu      sync.RWMutex
	current S
}

func (m *Machine[S, E]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Fire takes the first transition for event whose guards all pass, in the
// order transitions were added.
func (m *Machine[S, E]) Fire(ctx context.Context, event E, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.def.table[m.current][event]
	if len(candidates) == 0 {
		return &NoTransitionError{State: fmt.Sprint(m.current), Event: fmt.Sprint(event)}
	}

	for _, t := range candidates {
		if !t.allowed(ctx, m.current, event, data) {
			continue
		}
		for _, action := range t.Actions {
			if action == nil {
				continue
			}
			if err := action(ctx, m.current, t.To, event, data); err != nil {
				return fmt.Errorf("action failed: %w", err)
			}
		}
		m.current = t.To
		return nil
	}
	return &RejectedError{State: fmt.Sprint(m.current), Event: fmt.Sprint(event)}
}

// CanFire reports whether Fire would find an allowed transition. Actions are not run.
func (m *Machine[S, E]) CanFire(ctx context.Context, event E, data any) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.def.table[m.current][event] {
		if t.allowed(ctx, m.current, event, data) {
			return true
		}
	}
	return false
}

// Done reports whether the machine reached a terminal state.
func (m *Machine[S, E]) Done() bool {
	return m.def.IsTerminal(m.Current())
}

func (m *Machine[S, E]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.def.initial
}
