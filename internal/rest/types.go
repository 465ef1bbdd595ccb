package rest

// ConversationSummary is one entry of GET /chats.
type ConversationSummary struct {
	MatchID       string `json:"matchId"`
	PartnerID     string `json:"userId"`
	PartnerName   string `json:"name"`
	PartnerAvatar string `json:"avatar"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"`
	IsImage       bool   `json:"isImage"`
	UnreadCount   int    `json:"unreadCount"`
}

// Message is the wire shape of a chat message. Timestamps are unix
// milliseconds.
type Message struct {
	ID        string `json:"_id"`
	MatchID   string `json:"matchId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	IsImage   bool   `json:"isImage"`
	IsRead    bool   `json:"read"`
	CreatedAt int64  `json:"createdAt"`
}

// CallInfo is returned by POST /calls/initiate.
type CallInfo struct {
	CallID  string `json:"callId"`
	MatchID string `json:"matchId"`
}
