package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/realtime"
	"github.com/lif-app/lifsync/internal/rest"
	"github.com/lif-app/lifsync/internal/store"
	"go.uber.org/zap"
)

const imagePreview = "[photo]"

// Channel is the realtime surface the engine needs.
type Channel interface {
	Subscribe(event string, fn realtime.Handler) func()
	Emit(event string, payload any) error
	JoinRooms(ids []string) error
}

// API is the REST surface the engine needs.
type API interface {
	ListChats(ctx context.Context) ([]rest.ConversationSummary, error)
	ListMessages(ctx context.Context, matchID string, page, limit int) ([]rest.Message, error)
	DeleteChat(ctx context.Context, matchID string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Options tune engine policy.
type Options struct {
	// SelfID is the logged-in user's id; messages from anyone else are
	// inbound.
	SelfID string
	// SuppressUnreadWhenBackgrounded keeps the open conversation's unread
	// suppression active while the app is backgrounded. Default off:
	// backgrounded counts as closed.
	SuppressUnreadWhenBackgrounded bool
	// PageSize overrides the history page size. Zero means the backend
	// default of 50.
	PageSize int
}

// Engine reconciles the local store from its two producers: REST snapshots
// and realtime events. All merges are idempotent and commutative, so a page
// load racing a live event for the same conversation converges to the same
// list either way.
type Engine struct {
	db      *store.DB
	api     API
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	mu           stdsync.Mutex
	openMatchID  string
	backgrounded bool
	generation   uint64
	nextPage     map[string]int
	atHistoryEnd map[string]bool

	cancel context.CancelFunc
	unsubs []func()
}

// NewEngine creates a sync engine. Start must be called before events flow.
func NewEngine(db *store.DB, api API, channel Channel, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = rest.DefaultPageSize
	}
	return &Engine{
		db:           db,
		api:          api,
		channel:      channel,
		bus:          b,
		logger:       logger,
		opts:         opts,
		nextPage:     make(map[string]int),
		atHistoryEnd: make(map[string]bool),
	}
}

// Start subscribes to realtime chat events and to channel lifecycle events.
// After a reconnect the engine resyncs over REST, since events missed during
// the outage are not replayed.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.unsubs = append(e.unsubs,
		e.channel.Subscribe(realtime.EvNewMessage, e.onNewMessage),
		e.channel.Subscribe(realtime.EvMessageDeleted, e.onMessageDeleted),
		e.channel.Subscribe(realtime.EvMessageRead, e.onMessageRead),
	)

	ch, unsub := e.bus.Subscribe("channel.", 16)
	e.unsubs = append(e.unsubs, unsub)

	go func() {
		for {
			select {
			case evt := <-ch:
				if evt.Kind == "channel.connected" {
					e.resync(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event processing.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// RefreshConversations performs a full chat-list resync from REST and
// re-declares realtime interest for every known conversation. This is the
// authoritative baseline; live events only tap it afterwards.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	summaries, err := e.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.MatchID)
		if err := e.db.UpsertConversation(&store.Conversation{
			MatchID:            s.MatchID,
			PartnerID:          s.PartnerID,
			PartnerName:        s.PartnerName,
			PartnerAvatar:      s.PartnerAvatar,
			UnreadCount:        s.UnreadCount,
			LastMessageAt:      s.LastMessageAt,
			LastMessagePreview: s.LastMessage,
			LastMessageIsImage: s.IsImage,
		}); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", s.MatchID, err)
		}
	}

	if err := e.channel.JoinRooms(ids); err != nil {
		e.logger.Warn("join rooms failed", zap.Error(err))
	}

	e.publish("conversation.list_refreshed", len(summaries))
	return nil
}

// OpenConversation marks a conversation as the one currently on screen.
// Switching invalidates any in-flight page loads for the previous one and
// resets its unread counter.
func (e *Engine) OpenConversation(matchID string) {
	e.mu.Lock()
	e.openMatchID = matchID
	e.generation++
	e.nextPage[matchID] = 1
	e.atHistoryEnd[matchID] = false
	e.mu.Unlock()

	if err := e.db.ResetUnread(matchID); err != nil {
		e.logger.Warn("reset unread failed", zap.Error(err), zap.String("match_id", matchID))
	}
	e.publish("conversation.opened", matchID)
}

// CloseConversation clears the open-conversation pointer.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.openMatchID = ""
	e.generation++
	e.mu.Unlock()
}

// SetBackgrounded records app foreground state for the unread policy.
func (e *Engine) SetBackgrounded(backgrounded bool) {
	e.mu.Lock()
	e.backgrounded = backgrounded
	e.mu.Unlock()
}

// RemoveConversation deletes a conversation remote-first, then locally.
// If it was the open conversation the open pointer is cleared so nothing
// dangles on a deleted thread.
func (e *Engine) RemoveConversation(ctx context.Context, matchID string) error {
	if err := e.api.DeleteChat(ctx, matchID); err != nil {
		return err
	}
	if err := e.db.DeleteConversation(matchID); err != nil {
		return err
	}

	e.mu.Lock()
	if e.openMatchID == matchID {
		e.openMatchID = ""
		e.generation++
	}
	e.mu.Unlock()

	e.publish("conversation.removed", matchID)
	return nil
}

// RemoveMessage deletes a single message remote-first, then tombstones it
// locally. The local tombstone also absorbs the echoed realtime deletion.
func (e *Engine) RemoveMessage(ctx context.Context, messageID string) error {
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if err := e.db.DeleteMessage(messageID); err != nil {
		return err
	}
	e.publish("message.deleted", messageID)
	return nil
}

// MarkRead flips a message read locally and sends the read receipt over the
// channel. A failed emit is dropped: receipts are best-effort signals.
func (e *Engine) MarkRead(matchID, messageID string) {
	if err := e.db.MarkMessageRead(messageID); err != nil {
		e.logger.Warn("mark read failed", zap.Error(err), zap.String("msg_id", messageID))
		return
	}
	if err := e.channel.Emit(realtime.EvReadMessage, map[string]string{
		"messageId": messageID,
		"matchId":   matchID,
	}); err != nil {
		e.logger.Debug("read receipt dropped", zap.Error(err))
	}
	e.publish("message.read", messageID)
}

func (e *Engine) onNewMessage(data json.RawMessage) {
	var msg rest.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Warn("malformed new_message payload", zap.Error(err))
		return
	}
	if err := e.ingestLive(&msg); err != nil {
		e.logger.Error("failed to ingest live message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

// ingestLive applies one live message. Idempotent under duplicate delivery;
// insertion position follows the timestamp, so an event racing ahead of its
// REST page cannot corrupt order.
func (e *Engine) ingestLive(msg *rest.Message) error {
	applied, err := e.db.UpsertMessage(&store.Message{
		MatchID:   msg.MatchID,
		MsgID:     msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		IsImage:   msg.IsImage,
		IsRead:    msg.IsRead,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if !applied {
		// Duplicate or tombstoned; the list summary was already handled the
		// first time around. A tombstoned id coming back means the backend
		// reused a message id, which it promises not to do.
		if dead, terr := e.db.IsTombstoned(msg.ID); terr == nil && dead {
			e.logger.Warn("tombstoned message id re-delivered", zap.String("msg_id", msg.ID))
		}
		return nil
	}

	preview := msg.Content
	if msg.IsImage {
		preview = imagePreview
	}
	if err := e.db.TouchConversation(msg.MatchID, preview, msg.IsImage, msg.CreatedAt); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	inbound := msg.SenderID != e.opts.SelfID
	if inbound {
		if e.suppressUnread(msg.MatchID) {
			// Viewing the conversation reads the message implicitly.
			e.MarkRead(msg.MatchID, msg.ID)
		} else {
			if err := e.db.IncrementUnread(msg.MatchID); err != nil {
				return fmt.Errorf("increment unread: %w", err)
			}
		}
	}

	e.publish("message.upserted", map[string]string{"match_id": msg.MatchID, "msg_id": msg.ID})
	e.publish("conversation.updated", msg.MatchID)
	return nil
}

// suppressUnread applies the currently-open policy: inbound messages for the
// conversation on screen do not count as unread. Backgrounded apps keep the
// suppression only when configured to.
func (e *Engine) suppressUnread(matchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openMatchID != matchID {
		return false
	}
	if e.backgrounded && !e.opts.SuppressUnreadWhenBackgrounded {
		return false
	}
	return true
}

func (e *Engine) onMessageDeleted(data json.RawMessage) {
	var payload struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		e.logger.Warn("malformed message_deleted payload", zap.Error(err))
		return
	}
	if err := e.db.DeleteMessage(payload.MessageID); err != nil {
		e.logger.Error("failed to delete message", zap.Error(err), zap.String("msg_id", payload.MessageID))
		return
	}
	e.publish("message.deleted", payload.MessageID)
}

func (e *Engine) onMessageRead(data json.RawMessage) {
	var payload struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		e.logger.Warn("malformed message_read payload", zap.Error(err))
		return
	}
	if err := e.db.MarkMessageRead(payload.MessageID); err != nil {
		e.logger.Error("failed to mark read", zap.Error(err), zap.String("msg_id", payload.MessageID))
		return
	}
	e.publish("message.read", payload.MessageID)
}

// resync runs after a reconnect: the chat list is re-fetched and, when a
// conversation is open, its newest page is re-pulled to cover events lost
// during the outage.
func (e *Engine) resync(ctx context.Context) {
	if err := e.RefreshConversations(ctx); err != nil {
		e.logger.Warn("post-reconnect refresh failed", zap.Error(err))
	}

	e.mu.Lock()
	open := e.openMatchID
	gen := e.generation
	e.mu.Unlock()
	if open == "" {
		return
	}

	msgs, err := e.api.ListMessages(ctx, open, 1, e.opts.PageSize)
	if err != nil {
		e.logger.Warn("post-reconnect page reload failed", zap.Error(err), zap.String("match_id", open))
		return
	}
	if e.staleGeneration(gen) {
		return
	}
	if err := e.ingestPage(open, msgs); err != nil {
		e.logger.Error("post-reconnect ingest failed", zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
