package defect

import (
	"errors"
	"fmt"

	"crewline/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid bug transition")

// TransitionError reports a status change the bug workflow does not allow.
type TransitionError struct {
	BugID string
	From  domain.BugStatus
	To    domain.BugStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move %s from %s to %s", e.BugID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions lists the allowed moves. Any non-terminal status may also go to wont_fix.
var transitions = map[domain.BugStatus][]domain.BugStatus{
	domain.BugOpen:       {domain.BugAssigned, domain.BugInProgress},
	domain.BugAssigned:   {domain.BugAssigned, domain.BugInProgress},
	domain.BugInProgress: {domain.BugAssigned, domain.BugFixed, domain.BugVerified},
	domain.BugFixed:      {domain.BugAssigned, domain.BugVerified},
	domain.BugVerified:   {domain.BugClosed, domain.BugAssigned},
	domain.BugClosed:     {domain.BugOpen},
	domain.BugWontFix:    {domain.BugOpen},
}

// CanTransition reports whether a bug may move from one status to another.
func CanTransition(from, to domain.BugStatus) bool {
	if to == domain.BugWontFix {
		return from != domain.BugWontFix
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionsFrom lists the statuses reachable from status.
func TransitionsFrom(status domain.BugStatus) []domain.BugStatus {
	out := append([]domain.BugStatus{}, transitions[status]...)
	if status != domain.BugWontFix {
		out = append(out, domain.BugWontFix)
	}
	return out
}
