package rides

import "github.com/google/uuid"

type edge struct {
	from []Status
	to   Status
}

// transitions is the lifecycle graph. Cancellation is handled separately
// since it applies from every non-terminal status.
var transitions = map[Action]edge{
	ActionDispatched:   {from: []Status{StatusCreated}, to: StatusSent},
	ActionLocked:       {from: []Status{StatusSent}, to: StatusLocked},
	ActionAssigned:     {from: []Status{StatusLocked}, to: StatusAssigned},
	ActionApproved:     {from: []Status{StatusAssigned}, to: StatusApproved},
	ActionEnroute:      {from: []Status{StatusApproved}, to: StatusEnroute},
	ActionArrived:      {from: []Status{StatusEnroute}, to: StatusArrived},
	ActionFinished:     {from: []Status{StatusArrived}, to: StatusFinished},
	ActionRedispatched: {from: []Status{StatusLocked, StatusAssigned, StatusApproved, StatusEnroute}, to: StatusSent},
}

// NextStatus returns the status reached by applying action from the given status
func NextStatus(rideID uuid.UUID, from Status, action Action) (Status, error) {
	if action == ActionCancelled {
		if from.IsTerminal() {
			return "", &TransitionError{RideID: rideID, From: from, Action: action}
		}
		return StatusCancelled, nil
	}

	e, ok := transitions[action]
	if !ok {
		return "", &TransitionError{RideID: rideID, From: from, Action: action}
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return "", &TransitionError{RideID: rideID, From: from, Action: action}
}

// CanApply reports whether action is valid from status
func CanApply(from Status, action Action) bool {
	_, err := NextStatus(uuid.Nil, from, action)
	return err == nil
}
