package outbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lif-app/lifsync/internal/bus"
	"github.com/lif-app/lifsync/internal/rest"
	"github.com/lif-app/lifsync/internal/store"
	"go.uber.org/zap"
)

// MessageSender is the REST surface for delivering outgoing messages.
type MessageSender interface {
	SendMessage(ctx context.Context, matchID, content string) (*rest.Message, error)
	SendImageMessage(ctx context.Context, matchID, filename string, image io.Reader) (*rest.Message, error)
}

// Sender drains the outbox and delivers messages over REST. Sends are
// two-phase: the message is shown locally as a provisional "sending" copy
// before the request, then reconciled against the server's id on success.
type Sender struct {
	db     *store.DB
	api    MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, api MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger,
	}
}

// Queue enqueues a text message for delivery and returns its client id.
func (s *Sender) Queue(matchID, content string) (string, error) {
	clientID := uuid.NewString()
	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientID,
		MatchID:     matchID,
		Content:     content,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// QueueImage enqueues an image message. The file is read at send time, not
// at queue time, so the path must stay valid until delivery.
func (s *Sender) QueueImage(matchID, imagePath string) (string, error) {
	clientID := uuid.NewString()
	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientID,
		MatchID:     matchID,
		IsImage:     true,
		ImagePath:   imagePath,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	// Optimistic insert: show the message locally right away.
	now := time.Now().UnixMilli()
	preview := entry.Content
	if entry.IsImage {
		preview = ""
	}
	_, _ = s.db.UpsertMessage(&store.Message{
		MatchID:   entry.MatchID,
		MsgID:     entry.ClientMsgID,
		Content:   preview,
		IsImage:   entry.IsImage,
		IsRead:    true,
		Status:    "sending",
		CreatedAt: now,
	})
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"match_id": entry.MatchID, "msg_id": entry.ClientMsgID},
	})

	sent, err := s.deliver(ctx, entry)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		_, _ = s.db.UpsertMessage(&store.Message{
			MatchID: entry.MatchID, MsgID: entry.ClientMsgID,
			Content: preview, IsImage: entry.IsImage, IsRead: true,
			Status: "failed", CreatedAt: now,
		})
		s.bus.Publish(bus.Event{
			Kind:      "message.send_failed",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"match_id":      entry.MatchID,
				"error":         err.Error(),
			},
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, sent.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.ReconcileProvisional(entry.MatchID, entry.ClientMsgID, sent.ID); err != nil {
		s.logger.Error("failed to reconcile provisional", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	_, _ = s.db.UpsertMessage(&store.Message{
		MatchID:   entry.MatchID,
		MsgID:     sent.ID,
		SenderID:  sent.SenderID,
		Content:   sent.Content,
		IsImage:   sent.IsImage,
		IsRead:    true,
		CreatedAt: sent.CreatedAt,
	})

	s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", sent.ID))
	s.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": sent.ID,
			"match_id":      entry.MatchID,
		},
	})
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) (*rest.Message, error) {
	if !entry.IsImage {
		return s.api.SendMessage(ctx, entry.MatchID, entry.Content)
	}
	f, err := os.Open(entry.ImagePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return s.api.SendImageMessage(ctx, entry.MatchID, filepath.Base(entry.ImagePath), f)
}
