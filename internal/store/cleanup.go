package store

import (
	"database/sql"
	"time"
)

// protectedConversations returns the set of conversation ids that cleanup
// and eviction must not touch: unread messages or pending offline
// operations pin a conversation regardless of age.
func protectedConversations(tx *sql.Tx) (map[string]bool, error) {
	protected := make(map[string]bool)

	rows, err := tx.Query(`SELECT conversation_id FROM chat_meta WHERE unread_count > 0`)
	if err != nil {
		return nil, storageErr("protected unread", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, storageErr("scan conversation", err)
		}
		protected[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storageErr("protected unread", err)
	}
	_ = rows.Close()

	rows, err = tx.Query(`SELECT DISTINCT conversation_id FROM offline_queue WHERE status IN (?, ?)`,
		OpPending, OpSyncing)
	if err != nil {
		return nil, storageErr("protected pending ops", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, storageErr("scan conversation", err)
		}
		protected[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storageErr("protected pending ops", err)
	}
	_ = rows.Close()

	return protected, nil
}

func dropConversation(tx *sql.Tx, conversationID string) (messagesRemoved int64, err error) {
	res, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, storageErr("delete messages", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.Exec(`DELETE FROM gaps WHERE conversation_id = ?`, conversationID); err != nil {
		return 0, storageErr("delete gaps", err)
	}
	if _, err := tx.Exec(`DELETE FROM chat_meta WHERE conversation_id = ?`, conversationID); err != nil {
		return 0, storageErr("delete chat meta", err)
	}
	return n, nil
}

// CleanupExpired deletes conversations whose last access is older than
// maxAgeDays, along with their messages and sync state. Conversations
// with unread messages or pending offline operations are retained.
// Returns the number of messages removed.
func (db *DB) CleanupExpired(maxAgeDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
	var removed int64

	err := db.withTx(func(tx *sql.Tx) error {
		protected, err := protectedConversations(tx)
		if err != nil {
			return err
		}

		rows, err := tx.Query(`SELECT conversation_id FROM chat_meta WHERE last_accessed_at < ?`, cutoff)
		if err != nil {
			return storageErr("expired conversations", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return storageErr("scan conversation", err)
			}
			if !protected[id] {
				candidates = append(candidates, id)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("expired conversations", err)
		}
		_ = rows.Close()

		for _, id := range candidates {
			n, err := dropConversation(tx, id)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// EvictOldestChats frees cache space by dropping whole conversations,
// least recently accessed first, until at least bytesToFree bytes are
// reclaimed. Protected conversations are skipped, so the result may fall
// short of the request. Returns bytes actually freed.
func (db *DB) EvictOldestChats(bytesToFree int64) (int64, error) {
	if bytesToFree <= 0 {
		return 0, nil
	}
	var freed int64

	err := db.withTx(func(tx *sql.Tx) error {
		protected, err := protectedConversations(tx)
		if err != nil {
			return err
		}

		rows, err := tx.Query(`SELECT conversation_id FROM chat_meta ORDER BY last_accessed_at ASC`)
		if err != nil {
			return storageErr("eviction candidates", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return storageErr("scan conversation", err)
			}
			if !protected[id] {
				candidates = append(candidates, id)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("eviction candidates", err)
		}
		_ = rows.Close()

		for _, id := range candidates {
			if freed >= bytesToFree {
				break
			}
			var bytes int64
			if err := tx.QueryRow(`
				SELECT COALESCE(SUM(LENGTH(content) + attachment_size), 0)
				FROM messages WHERE conversation_id = ?`, id).Scan(&bytes); err != nil {
				return storageErr("conversation footprint", err)
			}
			if _, err := dropConversation(tx, id); err != nil {
				return err
			}
			freed += bytes
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// ClearAll wipes every store. Invoked on logout.
func (db *DB) ClearAll() error {
	return db.withTx(func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "chat_meta", "gaps", "media_meta", "media_blobs", "offline_queue"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return storageErr("clear "+table, err)
			}
		}
		return nil
	})
}
