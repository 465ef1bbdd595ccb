package call

import (
	"errors"
	"testing"

	"github.com/lif-app/lifsync/internal/bus"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return newSession("m1", Video, "peer1", bus.New())
}

// walkTo drives a fresh session along a known-valid path to the target phase.
func walkTo(t *testing.T, s *Session, path ...Phase) {
	t.Helper()
	for _, p := range path {
		if err := s.transition(p); err != nil {
			t.Fatalf("walk to %s: %v", p, err)
		}
	}
}

func TestSessionStartsIdle(t *testing.T) {
	s := newTestSession(t)
	if got := s.Phase(); got != Idle {
		t.Fatalf("new session phase = %s, want %s", got, Idle)
	}
}

func TestValidTransitionPaths(t *testing.T) {
	tests := []struct {
		name string
		path []Phase
	}{
		{"outgoing answered", []Phase{Initiating, RingingOutgoing, Negotiating, Active, Ended}},
		{"outgoing declined", []Phase{Initiating, RingingOutgoing, Rejected}},
		{"outgoing abandoned while ringing", []Phase{Initiating, RingingOutgoing, Ended}},
		{"initiate rollback", []Phase{Initiating, Idle}},
		{"initiate failed", []Phase{Initiating, Failed}},
		{"incoming accepted", []Phase{RingingIncoming, Negotiating, Active, Ended}},
		{"incoming rejected", []Phase{RingingIncoming, Rejected}},
		{"negotiation failed", []Phase{Initiating, RingingOutgoing, Negotiating, Failed}},
		{"active dropped", []Phase{RingingIncoming, Negotiating, Active, Failed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t)
			walkTo(t, s, tt.path...)
			if got := s.Phase(); got != tt.path[len(tt.path)-1] {
				t.Fatalf("final phase = %s, want %s", got, tt.path[len(tt.path)-1])
			}
		})
	}
}

func TestInvalidTransitionLeavesPhaseUnchanged(t *testing.T) {
	tests := []struct {
		name string
		walk []Phase
		to   Phase
	}{
		{"idle to active", nil, Active},
		{"idle to negotiating", nil, Negotiating},
		{"initiating to active", []Phase{Initiating}, Active},
		{"ringing outgoing to idle", []Phase{Initiating, RingingOutgoing}, Idle},
		{"negotiating to initiating", []Phase{Initiating, RingingOutgoing, Negotiating}, Initiating},
		{"active to negotiating", []Phase{RingingIncoming, Negotiating, Active}, Negotiating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t)
			walkTo(t, s, tt.walk...)
			before := s.Phase()

			err := s.transition(tt.to)
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("transition(%s) error = %v, want InvalidTransitionError", tt.to, err)
			}
			if ite.From != before || ite.To != tt.to {
				t.Errorf("error = %v, want from %s to %s", ite, before, tt.to)
			}
			if got := s.Phase(); got != before {
				t.Errorf("phase changed to %s after invalid transition, want %s", got, before)
			}
		})
	}
}

func TestTerminalPhasesHaveNoExits(t *testing.T) {
	terminalWalks := map[Phase][]Phase{
		Ended:    {RingingIncoming, Negotiating, Active, Ended},
		Rejected: {Initiating, RingingOutgoing, Rejected},
		Failed:   {Initiating, Failed},
	}
	all := []Phase{Idle, Initiating, RingingOutgoing, RingingIncoming, Negotiating, Active, Ended, Rejected, Failed}

	for terminal, walk := range terminalWalks {
		if !terminal.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", terminal)
		}
		for _, to := range all {
			s := newTestSession(t)
			walkTo(t, s, walk...)
			if err := s.transition(to); err == nil {
				t.Errorf("transition %s -> %s succeeded, terminal phases must have no exits", terminal, to)
			}
		}
	}
}

func TestTransitionPublishesPhaseChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("call.", 8)
	defer unsub()

	s := newSession("m1", Audio, "peer1", b)
	s.ID = "call-1"
	walkTo(t, s, Initiating)

	select {
	case evt := <-ch:
		if evt.Kind != "call.phase_changed" {
			t.Fatalf("event kind = %s, want call.phase_changed", evt.Kind)
		}
		pc, ok := evt.Payload.(PhaseChange)
		if !ok {
			t.Fatalf("payload type = %T, want PhaseChange", evt.Payload)
		}
		if pc.CallID != "call-1" || pc.From != Idle || pc.To != Initiating {
			t.Errorf("phase change = %+v", pc)
		}
	default:
		t.Fatal("no phase change event published")
	}
}
