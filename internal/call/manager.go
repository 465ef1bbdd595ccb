package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/realtime"
	"github.com/lif-app/lifsync/internal/rest"
	"go.uber.org/zap"
)

// ErrCallInProgress is returned when Initiate is attempted while another
// session is still live.
var ErrCallInProgress = errors.New("a call session is already in progress")

// Channel is the realtime surface the manager needs.
type Channel interface {
	Subscribe(event string, fn realtime.Handler) func()
	Emit(event string, payload any) error
}

// API is the REST surface for call lifecycle registration.
type API interface {
	InitiateCall(ctx context.Context, matchID, kind string) (*rest.CallInfo, error)
	AcceptCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
}

// Media receives the opaque negotiation blobs (offer/answer/ICE). This layer
// never inspects them; the media collaborator owns the actual transport.
type Media interface {
	HandleOffer(callID string, payload json.RawMessage)
	HandleAnswer(callID string, payload json.RawMessage)
	HandleICECandidate(callID string, payload json.RawMessage)
}

// Manager drives call signaling over the shared realtime channel plus the
// REST lifecycle endpoints. It owns phase transitions exclusively; local
// methods and remote events applied in the wrong phase fail with
// InvalidTransitionError instead of corrupting state.
type Manager struct {
	api     API
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger
	media   Media

	mu      sync.Mutex
	current *Session

	unsubs []func()
	cancel context.CancelFunc
}

// NewManager creates a call manager. media may be nil when no media
// collaborator is wired; negotiation blobs are then dropped with a warning.
func NewManager(api API, channel Channel, b *bus.Bus, logger *zap.Logger, media Media) *Manager {
	return &Manager{
		api:     api,
		channel: channel,
		bus:     b,
		logger:  logger,
		media:   media,
	}
}

// Start subscribes to remote signaling events and to channel lifecycle
// events (for the degraded-signaling warning).
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.unsubs = append(m.unsubs,
		m.channel.Subscribe(realtime.EvCallAccepted, m.onRemoteAccepted),
		m.channel.Subscribe(realtime.EvCallRejected, m.onRemoteRejected),
		m.channel.Subscribe(realtime.EvCallEnded, m.onRemoteEnded),
		m.channel.Subscribe(realtime.EvOffer, m.onOffer),
		m.channel.Subscribe(realtime.EvAnswer, m.onAnswer),
		m.channel.Subscribe(realtime.EvICECandidate, m.onICECandidate),
	)

	ch, unsub := m.bus.Subscribe("channel.", 16)
	m.unsubs = append(m.unsubs, unsub)
	go func() {
		for {
			select {
			case evt := <-ch:
				if evt.Kind == "channel.disconnected" {
					m.onChannelLost()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event processing.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Current returns the live session, or nil when none is in progress.
// Terminal sessions are not returned: they are spent.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Phase().Terminal() {
		return nil
	}
	return m.current
}

// Initiate starts an outgoing call. The call attempt is registered over REST
// first; only on success does the session ring. A REST failure rolls the
// session back to Idle and is surfaced to the caller, never leaving a
// dangling ringing state.
func (m *Manager) Initiate(ctx context.Context, matchID string, kind Kind, peerID string) (*Session, error) {
	m.mu.Lock()
	if m.current != nil && !m.current.Phase().Terminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	s := newSession(matchID, kind, peerID, m.bus)
	m.current = s
	m.mu.Unlock()

	if err := s.transition(Initiating); err != nil {
		return nil, err
	}

	info, err := m.api.InitiateCall(ctx, matchID, string(kind))
	if err != nil {
		_ = s.transition(Idle)
		m.discard(s)
		return nil, fmt.Errorf("initiate call: %w", err)
	}
	s.ID = info.CallID

	if err := s.transition(RingingOutgoing); err != nil {
		return nil, err
	}
	m.logger.Info("call ringing", zap.String("call_id", s.ID), zap.String("match_id", matchID))
	return s, nil
}

// PresentIncoming registers an incoming call (delivered out of band, e.g. by
// push notification) and moves it to ringing.
func (m *Manager) PresentIncoming(callID, matchID string, kind Kind, callerID string) (*Session, error) {
	m.mu.Lock()
	if m.current != nil && !m.current.Phase().Terminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	s := newSession(matchID, kind, callerID, m.bus)
	s.ID = callID
	m.current = s
	m.mu.Unlock()

	if err := s.transition(RingingIncoming); err != nil {
		return nil, err
	}
	return s, nil
}

// Accept answers an incoming call: RingingIncoming -> Negotiating, then the
// accept is registered over REST. Valid only while ringing incoming.
func (m *Manager) Accept(ctx context.Context) error {
	s := m.session()
	if s == nil {
		return &InvalidTransitionError{From: Idle, To: Negotiating}
	}
	if s.Phase() != RingingIncoming {
		return &InvalidTransitionError{From: s.Phase(), To: Negotiating}
	}
	if err := s.transition(Negotiating); err != nil {
		return err
	}
	if err := m.api.AcceptCall(ctx, s.ID); err != nil {
		_ = s.transition(Failed)
		m.notice("call accept failed")
		return fmt.Errorf("accept call: %w", err)
	}
	return nil
}

// Reject declines an incoming call. Valid only while ringing incoming.
func (m *Manager) Reject(ctx context.Context) error {
	s := m.session()
	if s == nil {
		return &InvalidTransitionError{From: Idle, To: Rejected}
	}
	if s.Phase() != RingingIncoming {
		return &InvalidTransitionError{From: s.Phase(), To: Rejected}
	}
	if err := s.transition(Rejected); err != nil {
		return err
	}
	if err := m.api.RejectCall(ctx, s.ID); err != nil {
		m.logger.Warn("reject call REST failed", zap.Error(err))
	}
	return nil
}

// HangUp ends the call from any live phase. The peer is notified best-effort
// over the channel and the end is registered over REST.
func (m *Manager) HangUp(ctx context.Context) error {
	s := m.session()
	if s == nil {
		return &InvalidTransitionError{From: Idle, To: Ended}
	}
	if err := s.transition(Ended); err != nil {
		return err
	}

	if err := m.channel.Emit(realtime.EvEndCall, map[string]string{
		"callId":   s.ID,
		"toUserId": s.PeerID,
	}); err != nil {
		m.logger.Debug("end-call signal dropped", zap.Error(err))
	}
	if err := m.api.EndCall(ctx, s.ID); err != nil {
		m.logger.Warn("end call REST failed", zap.Error(err))
	}
	return nil
}

// MarkActive records that the media collaborator established the stream:
// Negotiating -> Active.
func (m *Manager) MarkActive() error {
	s := m.session()
	if s == nil {
		return &InvalidTransitionError{From: Idle, To: Active}
	}
	return s.transition(Active)
}

func (m *Manager) session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) discard(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Manager) onRemoteAccepted(data json.RawMessage) {
	var p struct {
		CallID  string `json:"callId"`
		MatchID string `json:"matchId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		m.logger.Warn("malformed call_accepted payload", zap.Error(err))
		return
	}
	s := m.session()
	if s == nil || s.Phase() != RingingOutgoing {
		m.rejectRemote("call_accepted", s, Negotiating)
		return
	}
	if err := s.transition(Negotiating); err != nil {
		m.logger.Warn("call_accepted rejected", zap.Error(err))
	}
}

func (m *Manager) onRemoteRejected(data json.RawMessage) {
	var p struct {
		MatchID string `json:"matchId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		m.logger.Warn("malformed call_rejected payload", zap.Error(err))
		return
	}
	s := m.session()
	if s == nil {
		m.rejectRemote("call_rejected", nil, Rejected)
		return
	}
	switch s.Phase() {
	case RingingOutgoing, Negotiating:
		if err := s.transition(Rejected); err != nil {
			m.logger.Warn("call_rejected rejected", zap.Error(err))
			return
		}
		m.notice("call declined")
	default:
		m.rejectRemote("call_rejected", s, Rejected)
	}
}

func (m *Manager) onRemoteEnded(data json.RawMessage) {
	var p struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		m.logger.Warn("malformed call_ended payload", zap.Error(err))
		return
	}
	s := m.session()
	if s == nil {
		m.rejectRemote("call_ended", nil, Ended)
		return
	}
	switch s.Phase() {
	case Negotiating, Active, RingingOutgoing, RingingIncoming:
		if err := s.transition(Ended); err != nil {
			m.logger.Warn("call_ended rejected", zap.Error(err))
			return
		}
		m.notice("call ended")
	default:
		m.rejectRemote("call_ended", s, Ended)
	}
}

// rejectRemote logs a protocol-level invalid event. Remote peers cannot be
// returned an error, so the rejection is recorded instead of silently
// no-opping.
func (m *Manager) rejectRemote(event string, s *Session, to Phase) {
	from := Idle
	if s != nil {
		from = s.Phase()
	}
	err := &InvalidTransitionError{From: from, To: to}
	m.logger.Warn("remote signaling event rejected", zap.String("event", event), zap.Error(err))
}

func (m *Manager) onChannelLost() {
	s := m.session()
	if s == nil || s.Phase() != Active {
		return
	}
	// Media may outlive signaling: the call stays Active, but the caller is
	// warned that hangup/end events can no longer arrive.
	m.logger.Warn("signaling channel lost during active call", zap.String("call_id", s.ID))
	m.bus.Publish(bus.Event{Kind: "call.signaling_degraded", Timestamp: time.Now(), Payload: s.ID})
}

func (m *Manager) onOffer(data json.RawMessage)        { m.forwardMedia("offer", data) }
func (m *Manager) onAnswer(data json.RawMessage)       { m.forwardMedia("answer", data) }
func (m *Manager) onICECandidate(data json.RawMessage) { m.forwardMedia("ice-candidate", data) }

func (m *Manager) forwardMedia(event string, data json.RawMessage) {
	s := m.session()
	if s == nil {
		m.logger.Warn("negotiation blob with no live session", zap.String("event", event))
		return
	}
	if m.media == nil {
		m.logger.Warn("negotiation blob dropped: no media collaborator", zap.String("event", event))
		return
	}
	switch event {
	case "offer":
		m.media.HandleOffer(s.ID, data)
	case "answer":
		m.media.HandleAnswer(s.ID, data)
	case "ice-candidate":
		m.media.HandleICECandidate(s.ID, data)
	}
}

// SendOffer, SendAnswer and SendICECandidate relay local negotiation blobs
// to the peer. The payloads stay opaque to this layer.
func (m *Manager) SendOffer(payload any) error        { return m.emitBlob(realtime.EvOffer, payload) }
func (m *Manager) SendAnswer(payload any) error       { return m.emitBlob(realtime.EvAnswer, payload) }
func (m *Manager) SendICECandidate(payload any) error { return m.emitBlob(realtime.EvICECandidate, payload) }

func (m *Manager) emitBlob(event string, payload any) error {
	s := m.session()
	if s == nil {
		return &InvalidTransitionError{From: Idle, To: Negotiating}
	}
	return m.channel.Emit(event, payload)
}

func (m *Manager) notice(text string) {
	m.bus.Publish(bus.Event{Kind: "call.notice", Timestamp: time.Now(), Payload: text})
}
