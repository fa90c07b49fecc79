package statemachine

import "errors"

// Builder assembles a Definition:
//
//	def, err := statemachine.NewBuilder[State, Event](Initial).
//		From(Initial).When(Check).To(Allowed).Guard(hasQuota).Add().
//		From(Initial).When(Check).To(Blocked).Add().
//		Build()
type Builder[S, E comparable] struct {
	def  *Definition[S, E]
	cur  *Transition[S, E]
	errs []error
}

func NewBuilder[S, E comparable](initial S) *Builder[S, E] {
	return &Builder[S, E]{def: &Definition[S, E]{
		initial: initial,
		table:   make(map[S]map[E][]Transition[S, E]),
	}}
}

// From starts a new transition, discarding any unfinished one.
func (b *Builder[S, E]) From(s S) *Builder[S, E] {
	b.cur = &Transition[S, E]{From: s}
	return b
}

func (b *Builder[S, E]) When(e E) *Builder[S, E] {
	if b.pending() {
		b.cur.Event = e
	}
	return b
}

func (b *Builder[S, E]) To(s S) *Builder[S, E] {
	if b.pending() {
		b.cur.To = s
	}
	return b
}

func (b *Builder[S, E]) Guard(g Guard[S, E]) *Builder[S, E] {
	if b.pending() && g != nil {
		b.cur.Guards = append(b.cur.Guards, g)
	}
	return b
}

func (b *Builder[S, E]) Action(a Action[S, E]) *Builder[S, E] {
	if b.pending() && a != nil {
		b.cur.Actions = append(b.cur.Actions, a)
	}
	return b
}

// Add commits the current transition.
func (b *Builder[S, E]) Add() *Builder[S, E] {
	if !b.pending() {
		return b
	}
	t := *b.cur
	b.cur = nil

	var zeroS S
	var zeroE E
	if t.To == zeroS || t.Event == zeroE {
		b.errs = append(b.errs, ErrIncompleteTransition)
		return b
	}
	if b.def.table[t.From] == nil {
		b.def.table[t.From] = make(map[E][]Transition[S, E])
	}
	b.def.table[t.From][t.Event] = append(b.def.table[t.From][t.Event], t)
	return b
}

// Build returns the definition or every error collected while building.
func (b *Builder[S, E]) Build() (*Definition[S, E], error) {
	if b.cur != nil {
		b.errs = append(b.errs, ErrUnfinishedTransition)
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.def, nil
}

// MustBuild panics on error. Intended for package-level definitions.
func (b *Builder[S, E]) MustBuild() *Definition[S, E] {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

func (b *Builder[S, E]) pending() bool {
	if b.cur == nil {
		b.errs = append(b.errs, ErrNoTransitionStarted)
		return false
	}
	return true
}
