// Package escrowfsm holds the disposition state machine for proposed actions.
package escrowfsm

import (
	"strings"

	"applylens/pkg/models"
)

type Event string

const (
	EventApprove Event = "approve"
	EventReject  Event = "reject"
	EventExecute Event = "execute"
	EventFail    Event = "fail"
)

// CanTransition reports whether from -> to is allowed. Transitions are one-way.
func CanTransition(from, to models.ActionStatus) bool {
	switch from {
	case models.StatusProposed:
		return to == models.StatusApproved || to == models.StatusRejected
	case models.StatusApproved:
		return to == models.StatusExecuted || to == models.StatusFailed
	default:
		return false
	}
}

func Transition(from, to models.ActionStatus) (models.ActionStatus, error) {
	if !CanTransition(from, to) {
		if IsTerminal(from) {
			return from, models.Errorf(models.ErrActionTerminal, "action is %s and cannot move to %s", from, to)
		}
		return from, models.Errorf(models.ErrInvalidTransition, "cannot move action from %s to %s", from, to)
	}
	return to, nil
}

func Next(from models.ActionStatus, event Event) (models.ActionStatus, error) {
	switch event {
	case EventApprove:
		return Transition(from, models.StatusApproved)
	case EventReject:
		return Transition(from, models.StatusRejected)
	case EventExecute:
		return Transition(from, models.StatusExecuted)
	case EventFail:
		return Transition(from, models.StatusFailed)
	default:
		return from, models.Errorf(models.ErrInvalidTransition, "unknown event %q", string(event))
	}
}

// IsTerminal reports statuses with no outgoing transition.
func IsTerminal(status models.ActionStatus) bool {
	switch status {
	case models.StatusRejected, models.StatusExecuted, models.StatusFailed:
		return true
	default:
		return false
	}
}

// ApproverAllowed enforces separation of duties: nobody approves their own work.
func ApproverAllowed(approver, initiator string) error {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return models.Errorf(models.ErrInvalidInput, "approver is required")
	}
	if initiator != "" && strings.EqualFold(approver, strings.TrimSpace(initiator)) {
		return models.Errorf(models.ErrSoDViolation, "%s cannot approve their own change", approver)
	}
	return nil
}
