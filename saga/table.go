// Package saga holds the aggregate state machines. Each machine is an
// explicit transition table fixed at package init; applying an event is a
// pure function of the aggregate, the event and the current time.
package saga

import (
	"fmt"
	"sort"
	"time"

	"github.com/overtonx/sagaflow/events"
)

// Transition computes the next aggregate value and the events it emits.
type Transition[A any] func(agg A, payload events.Payload, now time.Time) (A, []events.Payload, error)

// Outcome is the result of applying one event.
type Outcome[A any] struct {
	Aggregate A
	Emitted   []events.Payload
	From      string
	To        string
	// Skipped is set when the aggregate was already terminal; nothing changed.
	Skipped   bool
}

// Changed reports whether the status moved.
func (o Outcome[A]) Changed() bool { return o.From != o.To }

// IllegalTransitionError is returned for an event the aggregate's current
// state does not accept.
type IllegalTransitionError struct {
	Machine string
	State   string
	Kind    events.Kind
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("%s: illegal transition from %s on %s", e.Machine, e.State, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

type ruleKey struct {
	state string
	kind  events.Kind
}

// Table is the transition table of one aggregate type. It is filled at init
// time with On and only read afterwards.
type Table[A any] struct {
	name     string
	status   func(A) string
	terminal map[string]bool
	rules    map[ruleKey]Transition[A]
}

func NewTable[A any](name string, status func(A) string, terminal ...string) *Table[A] {
	t := &Table[A]{
		name:     name,
		status:   status,
		terminal: make(map[string]bool, len(terminal)),
		rules:    make(map[ruleKey]Transition[A]),
	}
	for _, s := range terminal {
		t.terminal[s] = true
	}
	return t
}

// On registers fn for kind in each of the from states. Registering the same
// pair twice, or a terminal state, is a programming error.
func (t *Table[A]) On(kind events.Kind, fn Transition[A], from ...string) *Table[A] {
	for _, state := range from {
		if t.terminal[state] {
			panic(fmt.Sprintf("saga: %s: rule for %s in terminal state %s", t.name, kind, state))
		}
		key := ruleKey{state, kind}
		if _, dup := t.rules[key]; dup {
			panic(fmt.Sprintf("saga: %s: duplicate rule for %s in %s", t.name, kind, state))
		}
		t.rules[key] = fn
	}
	return t
}

func (t *Table[A]) Name() string { return t.name }

func (t *Table[A]) IsTerminal(state string) bool { return t.terminal[state] }

// StatusOf returns the state agg is in.
func (t *Table[A]) StatusOf(agg A) string { return t.status(agg) }

// NonTerminal lists the states that have at least one rule, sorted.
func (t *Table[A]) NonTerminal() []string {
	seen := make(map[string]struct{})
	for k := range t.rules {
		seen[k.state] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether kind has a rule in state.
func (t *Table[A]) Allows(state string, kind events.Kind) bool {
	_, ok := t.rules[ruleKey{state, kind}]
	return ok
}

// Kinds lists every kind the table reacts to, sorted.
func (t *Table[A]) Kinds() []events.Kind {
	seen := make(map[events.Kind]struct{})
	for k := range t.rules {
		seen[k.kind] = struct{}{}
	}
	out := make([]events.Kind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply runs the rule for the aggregate's state and the payload's kind.
// A terminal aggregate is returned unchanged with Skipped set.
func (t *Table[A]) Apply(agg A, payload events.Payload, now time.Time) (Outcome[A], error) {
	from := t.status(agg)
	if t.terminal[from] {
		return Outcome[A]{Aggregate: agg, From: from, To: from, Skipped: true}, nil
	}

	fn, ok := t.rules[ruleKey{from, payload.Kind()}]
	if !ok {
		return Outcome[A]{}, &IllegalTransitionError{Machine: t.name, State: from, Kind: payload.Kind()}
	}

	next, emitted, err := fn(agg, payload, now)
	if err != nil {
		return Outcome[A]{}, err
	}
	return Outcome[A]{Aggregate: next, Emitted: emitted, From: from, To: t.status(next)}, nil
}

func illegal(machine, state string, kind events.Kind, reason string) error {
	return &IllegalTransitionError{Machine: machine, State: state, Kind: kind, Reason: reason}
}

// as narrows payload to the concrete type registered for its kind.
func as[P events.Payload](payload events.Payload) (P, error) {
	p, ok := payload.(P)
	if !ok {
		return p, &events.ValidationError{Kind: payload.Kind(), Reason: fmt.Sprintf("unexpected payload type %T", payload)}
	}
	return p, nil
}
