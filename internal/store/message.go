package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on (match_id, msg_id).
// Returns true when a new row was created. Tombstoned ids are absorbed: the
// write is dropped and (false, nil) is returned, so a deleted message can
// never be resurrected by a late page load or a duplicate live event.
//
// On update the read flag only moves unread->read, and content/status/
// created_at are replaced (a server-confirmed copy supersedes a provisional
// one, including its timestamp — provisional rows carry the local clock).
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM tombstones WHERE msg_id = ?`, m.MsgID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	var existing int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE match_id = ? AND msg_id = ?`,
		m.MatchID, m.MsgID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO messages (match_id, msg_id, sender_id, content, is_image, is_read, status, created_at, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MatchID, m.MsgID, m.SenderID, m.Content, m.IsImage, m.IsRead, m.Status, m.CreatedAt, time.Now().UnixMilli())
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	default:
		_, err = tx.Exec(`
			UPDATE messages
			SET content = ?, is_image = ?, status = ?, created_at = ?, is_read = MAX(is_read, ?)
			WHERE id = ?`,
			m.Content, m.IsImage, m.Status, m.CreatedAt, m.IsRead, existing)
		if err != nil {
			return false, err
		}
		return false, tx.Commit()
	}
}

// DeleteMessage tombstones a message id and removes the row if present.
// Deleting an absent or already-deleted id is a no-op, not an error, since
// remote deletion events and local optimistic removal can race.
func (db *DB) DeleteMessage(msgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO tombstones (msg_id, deleted_at) VALUES (?, ?)`,
		msgID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkMessageRead flips a message's read flag. One-way: already-read or
// absent ids are a no-op.
func (db *DB) MarkMessageRead(msgID string) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE msg_id = ? AND is_read = 0`, msgID)
	return err
}

// IsTombstoned reports whether a message id has been deleted.
func (db *DB) IsTombstoned(msgID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM tombstones WHERE msg_id = ?`, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListMessages returns up to limit messages for a conversation strictly
// older than the (beforeTS, beforeID) cursor (pass 0, "" for the newest
// page), sorted ascending by creation time with msg_id as tiebreaker. The
// cursor compares the same (created_at, msg_id) pair the ordering uses, so
// messages sharing a timestamp across a page boundary are not skipped. The
// ascending order is the UI projection; a result shorter than limit means
// the start of loaded history was reached.
func (db *DB) ListMessages(matchID string, beforeTS int64, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
		beforeID = ""
	}
	rows, err := db.Query(`
		SELECT id, match_id, msg_id, sender_id, content, is_image, is_read, status, created_at
		FROM messages
		WHERE match_id = ? AND (created_at < ? OR (created_at = ? AND msg_id < ?))
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, matchID, beforeTS, beforeTS, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MatchID, &m.MsgID, &m.SenderID, &m.Content, &m.IsImage, &m.IsRead, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query walks newest-first for the keyset; present oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageCount returns the number of stored messages for a conversation.
func (db *DB) MessageCount(matchID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE match_id = ?`, matchID).Scan(&n)
	return n, err
}

// ReconcileProvisional swaps a provisional outbox message id for the
// server-assigned one. If the server copy already arrived via the realtime
// channel, the provisional row is simply dropped.
func (db *DB) ReconcileProvisional(matchID, clientMsgID, serverMsgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM messages WHERE match_id = ? AND msg_id = ?`,
		matchID, serverMsgID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, status = ''
			WHERE match_id = ? AND msg_id = ?`,
			serverMsgID, matchID, clientMsgID); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(`DELETE FROM messages WHERE match_id = ? AND msg_id = ?`,
			matchID, clientMsgID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
