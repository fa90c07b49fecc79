package adgate

import (
	"context"

	"github.com/dmitrymomot/quotagate/pkg/statemachine"
)

// State of one gated call, shared by server and client.
type State string

const (
	StateInitial    State = "INITIAL"
	StateAllowed    State = "ALLOWED"
	StateAdRequired State = "AD_REQUIRED"
	StateAdGranted  State = "AD_GRANTED"
	StateAdDeclined State = "AD_DECLINED"
	StateAdFailed   State = "AD_FAILED"
	StateDenied     State = "DENIED"
)

type Event string

const (
	// EventChecked carries a Verdict.
	EventChecked     Event = "checked"
	EventAdCompleted Event = "ad_completed"
	EventAdDeclined  Event = "ad_declined"
	EventAdFailed    Event = "ad_failed"
	// EventRetried carries a bool: whether the bypass was accepted.
	EventRetried   Event = "retried"
	EventAbandoned Event = "abandoned"
)

// Verdict is the outcome of the server's quota check.
type Verdict struct {
	Allowed bool
	// Hard means the feature has no ad path.
	Hard bool
}

func verdictAllowed(_ context.Context, _ State, _ Event, data any) bool {
	v, _ := data.(Verdict)
	return v.Allowed
}

func verdictHard(_ context.Context, _ State, _ Event, data any) bool {
	v, _ := data.(Verdict)
	return v.Hard
}

func retryAccepted(_ context.Context, _ State, _ Event, data any) bool {
	ok, _ := data.(bool)
	return ok
}

// Flow is the protocol:
//
//	INITIAL --checked--> ALLOWED | DENIED (hard cap) | AD_REQUIRED
//	AD_REQUIRED --ad_completed|ad_declined|ad_failed--> AD_GRANTED | AD_DECLINED | AD_FAILED
//	AD_GRANTED --retried--> ALLOWED | DENIED
//	AD_DECLINED, AD_FAILED --abandoned--> DENIED
var Flow = statemachine.NewBuilder[State, Event](StateInitial).
	From(StateInitial).When(EventChecked).To(StateAllowed).Guard(verdictAllowed).Add().
	From(StateInitial).When(EventChecked).To(StateDenied).Guard(verdictHard).Add().
	From(StateInitial).When(EventChecked).To(StateAdRequired).Add().
	From(StateAdRequired).When(EventAdCompleted).To(StateAdGranted).Add().
	From(StateAdRequired).When(EventAdDeclined).To(StateAdDeclined).Add().
	From(StateAdRequired).When(EventAdFailed).To(StateAdFailed).Add().
	From(StateAdGranted).When(EventRetried).To(StateAllowed).Guard(retryAccepted).Add().
	From(StateAdGranted).When(EventRetried).To(StateDenied).Add().
	From(StateAdDeclined).When(EventAbandoned).To(StateDenied).Add().
	From(StateAdFailed).When(EventAbandoned).To(StateDenied).Add().
	MustBuild()
