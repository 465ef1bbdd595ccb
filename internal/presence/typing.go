package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/realtime"
	"go.uber.org/zap"
)

// Channel is the realtime surface the coordinator needs.
type Channel interface {
	Subscribe(event string, fn realtime.Handler) func()
	Emit(event string, payload any) error
}

// TypingPayload is the wire shape for typing signals in both directions.
type TypingPayload struct {
	MatchID  string `json:"matchId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type inboundKey struct {
	matchID string
	userID  string
}

// Coordinator debounces outbound typing signals and tracks inbound typing
// display state with automatic expiry.
//
// Outbound: the first NotifyTyping in a quiet period emits "started"; each
// further call only resets the inactivity timer; the timer firing emits
// "stopped". Inbound: a "stopped" signal is best-effort and can be lost on
// disconnect, so every displayed indicator also expires on its own after the
// stale TTL rather than sticking forever.
type Coordinator struct {
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger
	quiet   time.Duration
	stale   time.Duration

	mu       sync.Mutex
	outbound map[string]*time.Timer
	inbound  map[inboundKey]time.Time

	cancel context.CancelFunc
	unsub  func()
}

// NewCoordinator creates a typing coordinator. quiet is the outbound
// debounce window; stale bounds inbound indicator lifetime.
func NewCoordinator(channel Channel, b *bus.Bus, logger *zap.Logger, quiet, stale time.Duration) *Coordinator {
	return &Coordinator{
		channel:  channel,
		bus:      b,
		logger:   logger,
		quiet:    quiet,
		stale:    stale,
		outbound: make(map[string]*time.Timer),
		inbound:  make(map[inboundKey]time.Time),
	}
}

// Start subscribes to inbound typing events and runs the stale sweeper.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.unsub = c.channel.Subscribe(realtime.EvTyping, c.onRemoteTyping)

	go func() {
		ticker := time.NewTicker(c.stale / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the coordinator and cancels pending outbound timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	for id, timer := range c.outbound {
		timer.Stop()
		delete(c.outbound, id)
	}
	c.mu.Unlock()
}

// NotifyTyping reports local keystroke activity for a conversation. Emits
// "typing started" at most once per quiet period; the period ending emits
// "typing stopped". Emit failures are dropped: typing is a best-effort
// signal.
func (c *Coordinator) NotifyTyping(matchID string) {
	c.mu.Lock()
	if timer, ok := c.outbound[matchID]; ok {
		// Already in the started state: just push the deadline out.
		timer.Reset(c.quiet)
		c.mu.Unlock()
		return
	}
	c.outbound[matchID] = time.AfterFunc(c.quiet, func() { c.stopTyping(matchID) })
	c.mu.Unlock()

	if err := c.channel.Emit(realtime.EvTyping, TypingPayload{MatchID: matchID, IsTyping: true}); err != nil {
		c.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

func (c *Coordinator) stopTyping(matchID string) {
	c.mu.Lock()
	if timer, ok := c.outbound[matchID]; ok {
		timer.Stop()
		delete(c.outbound, matchID)
	}
	c.mu.Unlock()

	if err := c.channel.Emit(realtime.EvTyping, TypingPayload{MatchID: matchID, IsTyping: false}); err != nil {
		c.logger.Debug("typing stop dropped", zap.Error(err))
	}
}

func (c *Coordinator) onRemoteTyping(data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MatchID == "" || p.UserID == "" {
		c.logger.Warn("malformed typing payload", zap.Error(err))
		return
	}

	key := inboundKey{matchID: p.MatchID, userID: p.UserID}
	c.mu.Lock()
	if p.IsTyping {
		c.inbound[key] = time.Now()
	} else {
		delete(c.inbound, key)
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: "presence.typing", Timestamp: time.Now(), Payload: p})
}

// TypingUsers returns the ids of users currently shown as typing in a
// conversation.
func (c *Coordinator) TypingUsers(matchID string) []string {
	cutoff := time.Now().Add(-c.stale)
	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for key, seen := range c.inbound {
		if key.matchID == matchID && seen.After(cutoff) {
			users = append(users, key.userID)
		}
	}
	return users
}

// sweepStale clears indicators whose "stopped" signal never arrived.
func (c *Coordinator) sweepStale() {
	cutoff := time.Now().Add(-c.stale)

	c.mu.Lock()
	var expired []inboundKey
	for key, seen := range c.inbound {
		if seen.Before(cutoff) {
			delete(c.inbound, key)
			expired = append(expired, key)
		}
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.bus.Publish(bus.Event{Kind: "presence.typing", Timestamp: time.Now(), Payload: TypingPayload{
			MatchID: key.matchID, UserID: key.userID, IsTyping: false,
		}})
	}
}
