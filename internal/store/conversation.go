package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or fully replaces a conversation record. Used by
// the REST refresh, which is the authoritative baseline for the chat list.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (match_id, partner_id, partner_name, partner_avatar, unread_count, last_message_at, last_message_preview, last_message_is_image, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			partner_id = excluded.partner_id,
			partner_name = excluded.partner_name,
			partner_avatar = excluded.partner_avatar,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			last_message_is_image = excluded.last_message_is_image,
			updated_at = excluded.updated_at`,
		c.MatchID, c.PartnerID, c.PartnerName, c.PartnerAvatar, c.UnreadCount,
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageIsImage, now)
	return err
}

// TouchConversation updates the last-message summary from a live event
// without disturbing the unread count. Creates the row if the match is not
// known yet (event raced ahead of the chat-list refresh).
func (db *DB) TouchConversation(matchID, preview string, isImage bool, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (match_id, last_message_at, last_message_preview, last_message_is_image, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(match_id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_is_image = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_is_image ELSE conversations.last_message_is_image END,
			updated_at = excluded.updated_at`,
		matchID, at, preview, isImage, now)
	return err
}

// IncrementUnread bumps the unread counter for a conversation.
func (db *DB) IncrementUnread(matchID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE match_id = ?`, matchID)
	return err
}

// ResetUnread zeroes the unread counter for a conversation.
func (db *DB) ResetUnread(matchID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE match_id = ?`, matchID)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT match_id, partner_id, partner_name, partner_avatar, unread_count, last_message_at, last_message_preview, last_message_is_image
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.MatchID, &c.PartnerID, &c.PartnerName, &c.PartnerAvatar, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageIsImage); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// GetConversation returns a single conversation by match id, or nil when absent.
func (db *DB) GetConversation(matchID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT match_id, partner_id, partner_name, partner_avatar, unread_count, last_message_at, last_message_preview, last_message_is_image
		FROM conversations
		WHERE match_id = ?`, matchID).
		Scan(&c.MatchID, &c.PartnerID, &c.PartnerName, &c.PartnerAvatar, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageIsImage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and all of its messages. The
// remote side is authoritative for conversation deletion, so no tombstones
// are kept for the individual messages.
func (db *DB) DeleteConversation(matchID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE match_id = ?`, matchID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE match_id = ?`, matchID); err != nil {
		return err
	}
	return tx.Commit()
}
