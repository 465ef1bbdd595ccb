package store

// Conversation represents a matched chat thread, keyed by the backend match id.
type Conversation struct {
	MatchID            string
	PartnerID          string
	PartnerName        string
	PartnerAvatar      string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageIsImage bool
}

// Message represents one message in a conversation.
//
// Status is empty for server-confirmed messages; provisional outbox copies
// carry "sending" or "failed" until reconciled.
type Message struct {
	ID        int64
	MatchID   string
	MsgID     string
	SenderID  string
	Content   string
	IsImage   bool
	IsRead    bool
	Status    string
	CreatedAt int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	MatchID      string
	Content      string
	IsImage      bool
	ImagePath    string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
