package call

import (
	"fmt"
	"slices"
)

// Phase represents a call session's lifecycle phase.
type Phase string

const (
	Idle            Phase = "IDLE"
	Initiating      Phase = "INITIATING"
	RingingOutgoing Phase = "RINGING_OUTGOING"
	RingingIncoming Phase = "RINGING_INCOMING"
	Negotiating     Phase = "NEGOTIATING"
	Active          Phase = "ACTIVE"
	Ended           Phase = "ENDED"
	Rejected        Phase = "REJECTED"
	Failed          Phase = "FAILED"
)

// validTransitions defines allowed phase transitions. Terminal phases have no
// exits: a finished session is discarded, never reused.
var validTransitions = map[Phase][]Phase{
	Idle:            {Initiating, RingingIncoming},
	Initiating:      {RingingOutgoing, Idle, Failed},
	RingingOutgoing: {Negotiating, Rejected, Ended, Failed},
	RingingIncoming: {Negotiating, Rejected, Ended, Failed},
	Negotiating:     {Active, Rejected, Ended, Failed},
	Active:          {Ended, Failed},
}

// Terminal reports whether a phase ends the session.
func (p Phase) Terminal() bool {
	return p == Ended || p == Rejected || p == Failed
}

// InvalidTransitionError is returned when a signaling method or remote event
// is applied in the wrong phase. The session phase is left unchanged; this is
// a programming or protocol error, never silently absorbed.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid call transition from %s to %s", e.From, e.To)
}

func allowed(from, to Phase) bool {
	return slices.Contains(validTransitions[from], to)
}
