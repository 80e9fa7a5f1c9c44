package timer

import "time"

// ActionID identifies one optimistic control action.
type ActionID string

// ActionState is the settlement of an optimistic action.
type ActionState string

const (
	ActionPendingState ActionState = "pending"
	ActionConfirmed    ActionState = "confirmed"
	ActionReverted     ActionState = "reverted"
)

// PendingAction is a control action whose optimistic snapshot is exposed
// while the hosted timer has not answered yet.
type PendingAction struct {
	ID         ActionID      `json:"id"`
	Action     Action        `json:"action"`
	Options    ActionOptions `json:"options"`
	Previous   Snapshot      `json:"previous"`
	Optimistic Snapshot      `json:"optimistic"`
	State      ActionState   `json:"state"`
	IssuedAt   time.Time     `json:"issuedAt"`
}

func validAction(a Action) bool {
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionReset:
		return true
	}
	return false
}
