package domain

type Event string

const (
	EventRedeem         Event = "redeem"
	EventCancel         Event = "cancel"
	EventExpire         Event = "expire"
	EventFailPickup     Event = "fail_pickup"
	EventOverridePickup Event = "override_pickup"
	EventOverrideCancel Event = "override_cancel"
)

// Transition is a single allowed edge in the reservation state machine.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Every edge leaves ACTIVE. Terminal states have no outgoing edges.
var transitionsTable = []Transition{
	{From: StateActive, To: StatePickedUp, Event: EventRedeem},
	{From: StateActive, To: StateCancelled, Event: EventCancel},
	{From: StateActive, To: StateExpired, Event: EventExpire},
	{From: StateActive, To: StateFailedPickup, Event: EventFailPickup},
	{From: StateActive, To: StatePickedUp, Event: EventOverridePickup},
	{From: StateActive, To: StateCancelled, Event: EventOverrideCancel},
}

// TransitionFor returns the allowed transition for a given state and event.
func TransitionFor(from State, ev Event) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}
