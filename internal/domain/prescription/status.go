package prescription

import (
	"github.com/rxextract/rxextract/internal/platform/apperr"
)

// Status is a prescription's position in the processing lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event drives a status transition.
type Event string

const (
	EventStart   Event = "start"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal states have no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transition returns the status that ev leads to from from, or an
// invalid-state error when ev is not accepted there.
func Transition(from Status, ev Event) (Status, error) {
	switch from {
	case StatusPending:
		if ev == EventStart {
			return StatusProcessing, nil
		}
	case StatusProcessing:
		switch ev {
		case EventSucceed:
			return StatusCompleted, nil
		case EventFail:
			return StatusFailed, nil
		case EventStart:
			return from, apperr.InvalidState("prescription is already being processed")
		}
	case StatusCompleted, StatusFailed:
		return from, apperr.InvalidState("prescription is already %s", from)
	default:
		return from, apperr.InvalidState("unknown processing status %q", from)
	}
	return from, apperr.InvalidState("event %s is not allowed while %s", ev, from)
}

// DeleteGuard refuses to delete a completed prescription unless forced.
func DeleteGuard(s Status, force bool) error {
	if s == StatusCompleted && !force {
		return apperr.Conflict("Cannot delete a completed prescription without force=true")
	}
	return nil
}
