package call

import (
	"sync"
	"time"

	"github.com/lif-app/lifsync/internal/bus"
)

// Kind is the requested media kind for a call.
type Kind string

const (
	Video Kind = "video"
	Audio Kind = "audio"
)

// Session is one call attempt riding on a conversation. Sessions are
// single-use: after reaching a terminal phase the session is discarded and a
// fresh one is minted for the next attempt.
type Session struct {
	ID      string
	MatchID string
	Kind    Kind
	PeerID  string

	mu    sync.RWMutex
	phase Phase
	bus   *bus.Bus
}

func newSession(matchID string, kind Kind, peerID string, b *bus.Bus) *Session {
	return &Session{
		MatchID: matchID,
		Kind:    kind,
		PeerID:  peerID,
		phase:   Idle,
		bus:     b,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// PhaseChange is the payload for call.phase_changed events.
type PhaseChange struct {
	CallID  string
	MatchID string
	From    Phase
	To      Phase
}

// transition attempts to move to a new phase. Returns InvalidTransitionError
// and leaves the phase unchanged if the move is not allowed.
func (s *Session) transition(to Phase) error {
	s.mu.Lock()
	from := s.phase
	if !allowed(from, to) {
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	s.phase = to
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "call.phase_changed",
			Timestamp: time.Now(),
			Payload: PhaseChange{
				CallID:  s.ID,
				MatchID: s.MatchID,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}
