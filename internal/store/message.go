package store

import (
	"database/sql"
	"time"
)

const messageCols = `id, msg_id, temp_id, conversation_id, seq, content, sender_id,
	created_at, updated_at, attachment_name, attachment_size, attachment_mime,
	status, cached_at, sync_version`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var rowID int64
	var attName, attMime string
	var attSize int64
	err := row.Scan(&rowID, &m.ID, &m.TempID, &m.ConversationID, &m.Seq, &m.Content,
		&m.SenderID, &m.CreatedAt, &m.UpdatedAt, &attName, &attSize, &attMime,
		&m.Status, &m.CachedAt, &m.SyncVersion)
	if err != nil {
		return nil, err
	}
	if attName != "" {
		m.Attachment = &Attachment{Filename: attName, Size: attSize, Mime: attMime}
	}
	return &m, nil
}

func attachmentCols(m *Message) (name string, size int64, mime string) {
	if m.Attachment == nil {
		return "", 0, ""
	}
	return m.Attachment.Filename, m.Attachment.Size, m.Attachment.Mime
}

// GetMessage returns a message by its server-assigned id, or nil if unknown.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE msg_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get message", err)
	}
	return m, nil
}

// GetByTempID returns a message by its client temp id, or nil if unknown.
func (db *DB) GetByTempID(tempID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE temp_id = ?`, tempID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get message by temp id", err)
	}
	return m, nil
}

// ListMessages returns all locally known messages for a conversation,
// ordered by sequence number ascending. Optimistic messages without a
// sequence number sort last, by creation time. Reading a conversation
// bumps its last-access time, which drives eviction order.
func (db *DB) ListMessages(conversationID string) ([]*Message, error) {
	db.touchConversation(conversationID)

	rows, err := db.Query(`
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ?
		ORDER BY CASE WHEN seq > 0 THEN 0 ELSE 1 END, seq ASC, created_at ASC`, conversationID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return msgs, nil
}

// MessagesRange returns the cached messages with sequence numbers in
// [startSeq, endSeq], ordered ascending. Used for gap-fill verification.
func (db *DB) MessagesRange(conversationID string, startSeq, endSeq int64) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? AND seq BETWEEN ? AND ?
		ORDER BY seq ASC`, conversationID, startSeq, endSeq)
	if err != nil {
		return nil, storageErr("messages range", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("messages range", err)
	}
	return msgs, nil
}

// RangeComplete reports whether every sequence number in [startSeq, endSeq]
// is present locally. Sequence numbers are unique per conversation, so a
// count suffices.
func (db *DB) RangeComplete(conversationID string, startSeq, endSeq int64) (bool, error) {
	if startSeq > endSeq {
		return true, nil
	}
	var count int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND seq BETWEEN ? AND ?`,
		conversationID, startSeq, endSeq).Scan(&count)
	if err != nil {
		return false, storageErr("range complete", err)
	}
	return count == endSeq-startSeq+1, nil
}

// UpsertMessage inserts or updates a single message (idempotent).
func (db *DB) UpsertMessage(m *Message) error {
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if err := ensureChatMeta(tx, m.ConversationID, now); err != nil {
			return err
		}
		_, err := upsertMessageTx(tx, m, now)
		return err
	})
}

// ensureChatMeta guarantees a conversation has a chat_meta row so
// eviction and cleanup can see it. Does not bump last_accessed_at for
// existing rows: writes are not reads.
func ensureChatMeta(tx *sql.Tx, conversationID string, now int64) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO chat_meta (conversation_id, last_accessed_at)
		VALUES (?, ?)`, conversationID, now)
	if err != nil {
		return storageErr("ensure chat meta", err)
	}
	return nil
}

// UpsertBatch merges a batch of messages in one transaction. Re-applying
// the same batch yields the same cache state. Returns counts of rows
// created and rows already known.
func (db *DB) UpsertBatch(msgs []*Message) (added, updated int, err error) {
	now := time.Now().UnixMilli()
	err = db.withTx(func(tx *sql.Tx) error {
		seen := make(map[string]bool)
		for _, m := range msgs {
			if !seen[m.ConversationID] {
				if err := ensureChatMeta(tx, m.ConversationID, now); err != nil {
					return err
				}
				seen[m.ConversationID] = true
			}
			created, err := upsertMessageTx(tx, m, now)
			if err != nil {
				return err
			}
			if created {
				added++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		added, updated = 0, 0
	}
	return added, updated, err
}

// upsertMessageTx merges one message inside tx. A server message carrying
// the temp id of a local optimistic row reconciles that row in place, so
// a delta fetch racing a send ack never duplicates the message.
func upsertMessageTx(tx *sql.Tx, m *Message, now int64) (created bool, err error) {
	attName, attSize, attMime := attachmentCols(m)

	if m.ID != "" && m.TempID != "" {
		var rowID int64
		err := tx.QueryRow(`SELECT id FROM messages WHERE temp_id = ? AND msg_id = ''`, m.TempID).Scan(&rowID)
		if err != nil && err != sql.ErrNoRows {
			return false, storageErr("find optimistic row", err)
		}
		if err == nil {
			_, err = tx.Exec(`
				UPDATE messages SET msg_id = ?, seq = ?, content = ?, sender_id = ?,
					created_at = ?, updated_at = ?, attachment_name = ?, attachment_size = ?,
					attachment_mime = ?, status = ?, cached_at = ?, sync_version = sync_version + 1
				WHERE id = ?`,
				m.ID, m.Seq, m.Content, m.SenderID, m.CreatedAt, m.UpdatedAt,
				attName, attSize, attMime, statusOr(m.Status, MsgSent), now, rowID)
			if err != nil {
				return false, storageErr("reconcile optimistic row", err)
			}
			return false, nil
		}
	}

	if m.ID != "" {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE msg_id = ?)`, m.ID).Scan(&exists); err != nil {
			return false, storageErr("check message", err)
		}
		_, err := tx.Exec(`
			INSERT INTO messages (msg_id, temp_id, conversation_id, seq, content, sender_id,
				created_at, updated_at, attachment_name, attachment_size, attachment_mime,
				status, cached_at, sync_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(msg_id) WHERE msg_id <> '' DO UPDATE SET
				seq = CASE WHEN excluded.seq > 0 THEN excluded.seq ELSE messages.seq END,
				content = excluded.content,
				updated_at = excluded.updated_at,
				status = CASE WHEN messages.status = 'sent' AND excluded.status = 'pending'
					THEN messages.status ELSE excluded.status END,
				sync_version = messages.sync_version + 1`,
			m.ID, m.TempID, m.ConversationID, m.Seq, m.Content, m.SenderID,
			m.CreatedAt, m.UpdatedAt, attName, attSize, attMime,
			statusOr(m.Status, MsgSent), now)
		if err != nil {
			return false, storageErr("upsert message", err)
		}
		return !exists, nil
	}

	// Optimistic message: keyed by temp id until the server assigns an id.
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE temp_id = ?)`, m.TempID).Scan(&exists); err != nil {
		return false, storageErr("check optimistic message", err)
	}
	_, err = tx.Exec(`
		INSERT INTO messages (msg_id, temp_id, conversation_id, seq, content, sender_id,
			created_at, updated_at, attachment_name, attachment_size, attachment_mime,
			status, cached_at, sync_version)
		VALUES ('', ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(temp_id) WHERE temp_id <> '' DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at,
			status = CASE WHEN messages.status = 'sent' THEN messages.status ELSE excluded.status END`,
		m.TempID, m.ConversationID, m.Content, m.SenderID, m.CreatedAt, m.UpdatedAt,
		attName, attSize, attMime, statusOr(m.Status, MsgPending), now)
	if err != nil {
		return false, storageErr("upsert optimistic message", err)
	}
	return !exists, nil
}

func statusOr(status, fallback string) string {
	if status == "" {
		return fallback
	}
	return status
}

// ReplaceOptimistic atomically swaps the optimistic row addressed by
// tempID for the server-confirmed message. No concurrent read can observe
// both rows or neither. Handles the race where a delta fetch already
// merged the confirmed message before the send ack arrived.
func (db *DB) ReplaceOptimistic(tempID string, real *Message) error {
	real.TempID = tempID
	return db.withTx(func(tx *sql.Tx) error {
		var existingID int64
		err := tx.QueryRow(`SELECT id FROM messages WHERE msg_id = ?`, real.ID).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return storageErr("check confirmed row", err)
		}
		if err == nil {
			// Delta sync won the race: the confirmed row already exists.
			// Drop the optimistic row and refresh the survivor.
			if _, err := tx.Exec(`DELETE FROM messages WHERE temp_id = ? AND msg_id = ''`, tempID); err != nil {
				return storageErr("drop optimistic row", err)
			}
			_, err := tx.Exec(`
				UPDATE messages SET temp_id = ?, content = ?, status = ?, updated_at = ?,
					sync_version = sync_version + 1
				WHERE id = ?`,
				tempID, real.Content, statusOr(real.Status, MsgSent), real.UpdatedAt, existingID)
			if err != nil {
				return storageErr("refresh confirmed row", err)
			}
			return nil
		}

		_, err = upsertMessageTx(tx, real, time.Now().UnixMilli())
		return err
	})
}

// MarkSendFailed flips an optimistic message to failed status after its
// offline operation exhausts all retries.
func (db *DB) MarkSendFailed(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET status = ?, updated_at = ? WHERE temp_id = ? AND msg_id = ''`,
		MsgFailed, now, tempID)
	if err != nil {
		return storageErr("mark send failed", err)
	}
	return nil
}

// heldSeqs returns the distinct assigned sequence numbers for a
// conversation, ascending.
func (db *DB) heldSeqs(conversationID string) ([]int64, error) {
	rows, err := db.Query(`
		SELECT seq FROM messages
		WHERE conversation_id = ? AND seq > 0 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, storageErr("held seqs", err)
	}
	defer func() { _ = rows.Close() }()

	var seqs []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, storageErr("scan seq", err)
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

func (db *DB) touchConversation(conversationID string) {
	now := time.Now().UnixMilli()
	_, _ = db.Exec(`INSERT INTO chat_meta (conversation_id, last_accessed_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_accessed_at = excluded.last_accessed_at`,
		conversationID, now)
}
