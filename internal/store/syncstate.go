package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrGapIncomplete is returned by ClearGap when the range has not been
// proven contiguous and complete in the local cache.
var ErrGapIncomplete = errors.New("gap range not fully cached")

// StateUpdate is a partial merge into a conversation's sync state.
// Nil fields are left untouched. Gaps are never cleared implicitly;
// use ClearGap or DeleteGaps.
type StateUpdate struct {
	LastSyncedSeq *int64
	LastSyncedAt  *int64
	TotalCount    *int64
	UnreadCount   *int64
	LastReadSeq   *int64
}

// GetSyncState returns the sync state for a conversation including its
// known gaps, or nil if the conversation has never been synced.
func (db *DB) GetSyncState(conversationID string) (*SyncState, error) {
	var st SyncState
	err := db.QueryRow(`
		SELECT conversation_id, last_synced_seq, last_synced_at, total_count,
			unread_count, last_read_seq, last_accessed_at
		FROM chat_meta WHERE conversation_id = ?`, conversationID).
		Scan(&st.ConversationID, &st.LastSyncedSeq, &st.LastSyncedAt, &st.TotalCount,
			&st.UnreadCount, &st.LastReadSeq, &st.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get sync state", err)
	}

	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content) + attachment_size), 0)
		FROM messages WHERE conversation_id = ?`, conversationID).
		Scan(&st.MessageCount, &st.CacheBytes)
	if err != nil {
		return nil, storageErr("sync state footprint", err)
	}

	gaps, err := db.Gaps(conversationID)
	if err != nil {
		return nil, err
	}
	st.Gaps = gaps
	return &st, nil
}

// UpdateSyncState merges the non-nil fields of upd into the conversation's
// sync state, creating it on first sync.
func (db *DB) UpdateSyncState(conversationID string, upd StateUpdate) error {
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO chat_meta (conversation_id, last_accessed_at)
			VALUES (?, ?)`, conversationID, now); err != nil {
			return storageErr("ensure sync state", err)
		}

		sets := make([]string, 0, 5)
		args := make([]any, 0, 6)
		add := func(col string, v *int64) {
			if v != nil {
				sets = append(sets, col+" = ?")
				args = append(args, *v)
			}
		}
		add("last_synced_seq", upd.LastSyncedSeq)
		add("last_synced_at", upd.LastSyncedAt)
		add("total_count", upd.TotalCount)
		add("unread_count", upd.UnreadCount)
		add("last_read_seq", upd.LastReadSeq)
		if len(sets) == 0 {
			return nil
		}
		args = append(args, conversationID)

		query := fmt.Sprintf(`UPDATE chat_meta SET %s WHERE conversation_id = ?`, strings.Join(sets, ", "))
		if _, err := tx.Exec(query, args...); err != nil {
			return storageErr("update sync state", err)
		}
		return nil
	})
}

// MarkRead records that the user has read up to seq: last_read_seq
// advances monotonically and unread_count is recomputed from the
// messages newer than it.
func (db *DB) MarkRead(conversationID string, upToSeq int64) error {
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO chat_meta (conversation_id, last_accessed_at)
			VALUES (?, ?)`, conversationID, now); err != nil {
			return storageErr("ensure sync state", err)
		}
		_, err := tx.Exec(`
			UPDATE chat_meta SET
				last_read_seq = MAX(last_read_seq, ?),
				unread_count = (SELECT COUNT(*) FROM messages
					WHERE conversation_id = ? AND seq > MAX(chat_meta.last_read_seq, ?))
			WHERE conversation_id = ?`,
			upToSeq, conversationID, upToSeq, conversationID)
		if err != nil {
			return storageErr("mark read", err)
		}
		return nil
	})
}

// RecountUnread recomputes unread_count from the messages newer than the
// last read sequence. Called after a merge changes what is cached.
func (db *DB) RecountUnread(conversationID string) error {
	_, err := db.Exec(`
		UPDATE chat_meta SET unread_count = (
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = ? AND seq > chat_meta.last_read_seq)
		WHERE conversation_id = ?`, conversationID, conversationID)
	if err != nil {
		return storageErr("recount unread", err)
	}
	return nil
}

// Gaps returns the recorded gaps for a conversation ordered by start.
func (db *DB) Gaps(conversationID string) ([]Gap, error) {
	rows, err := db.Query(`
		SELECT start_seq, end_seq, detected_at FROM gaps
		WHERE conversation_id = ? ORDER BY start_seq ASC`, conversationID)
	if err != nil {
		return nil, storageErr("list gaps", err)
	}
	defer func() { _ = rows.Close() }()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.StartSeq, &g.EndSeq, &g.DetectedAt); err != nil {
			return nil, storageErr("scan gap", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// RecordGap records [startSeq, endSeq] as known-missing. Overlapping or
// adjacent recorded gaps are merged so the gap set stays disjoint.
func (db *DB) RecordGap(conversationID string, startSeq, endSeq int64) error {
	if startSeq > endSeq || startSeq < 1 {
		return fmt.Errorf("invalid gap range [%d, %d]", startSeq, endSeq)
	}
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		mergedStart, mergedEnd := startSeq, endSeq
		detectedAt := now

		rows, err := tx.Query(`
			SELECT start_seq, end_seq, detected_at FROM gaps
			WHERE conversation_id = ? AND start_seq <= ? AND end_seq >= ?`,
			conversationID, endSeq+1, startSeq-1)
		if err != nil {
			return storageErr("find overlapping gaps", err)
		}
		var absorbed []int64
		for rows.Next() {
			var s, e, d int64
			if err := rows.Scan(&s, &e, &d); err != nil {
				_ = rows.Close()
				return storageErr("scan gap", err)
			}
			if s < mergedStart {
				mergedStart = s
			}
			if e > mergedEnd {
				mergedEnd = e
			}
			if d < detectedAt {
				detectedAt = d
			}
			absorbed = append(absorbed, s)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("find overlapping gaps", err)
		}
		_ = rows.Close()

		for _, s := range absorbed {
			if _, err := tx.Exec(`DELETE FROM gaps WHERE conversation_id = ? AND start_seq = ?`,
				conversationID, s); err != nil {
				return storageErr("absorb gap", err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO gaps (conversation_id, start_seq, end_seq, detected_at)
			VALUES (?, ?, ?, ?)`,
			conversationID, mergedStart, mergedEnd, detectedAt); err != nil {
			return storageErr("record gap", err)
		}
		return nil
	})
}

// ClearGap removes [startSeq, endSeq] from the recorded gaps. It refuses
// with ErrGapIncomplete unless every sequence number in the range is
// present locally. A recorded gap only partially covered by the range is
// trimmed, not dropped.
func (db *DB) ClearGap(conversationID string, startSeq, endSeq int64) error {
	complete, err := db.RangeComplete(conversationID, startSeq, endSeq)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("clear gap [%d, %d]: %w", startSeq, endSeq, ErrGapIncomplete)
	}

	return db.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT start_seq, end_seq, detected_at FROM gaps
			WHERE conversation_id = ? AND start_seq <= ? AND end_seq >= ?`,
			conversationID, endSeq, startSeq)
		if err != nil {
			return storageErr("find gaps to clear", err)
		}
		type gapRow struct{ s, e, d int64 }
		var overlapping []gapRow
		for rows.Next() {
			var g gapRow
			if err := rows.Scan(&g.s, &g.e, &g.d); err != nil {
				_ = rows.Close()
				return storageErr("scan gap", err)
			}
			overlapping = append(overlapping, g)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("find gaps to clear", err)
		}
		_ = rows.Close()

		for _, g := range overlapping {
			if _, err := tx.Exec(`DELETE FROM gaps WHERE conversation_id = ? AND start_seq = ?`,
				conversationID, g.s); err != nil {
				return storageErr("delete gap", err)
			}
			// Re-insert any remainder outside the cleared range.
			if g.s < startSeq {
				if _, err := tx.Exec(`
					INSERT INTO gaps (conversation_id, start_seq, end_seq, detected_at)
					VALUES (?, ?, ?, ?)`, conversationID, g.s, startSeq-1, g.d); err != nil {
					return storageErr("trim gap head", err)
				}
			}
			if g.e > endSeq {
				if _, err := tx.Exec(`
					INSERT INTO gaps (conversation_id, start_seq, end_seq, detected_at)
					VALUES (?, ?, ?, ?)`, conversationID, endSeq+1, g.e, g.d); err != nil {
					return storageErr("trim gap tail", err)
				}
			}
		}
		return nil
	})
}

// DeleteGaps drops every recorded gap for a conversation. Only the full
// resync path uses it, after replacing the conversation's window outright.
func (db *DB) DeleteGaps(conversationID string) error {
	if _, err := db.Exec(`DELETE FROM gaps WHERE conversation_id = ?`, conversationID); err != nil {
		return storageErr("delete gaps", err)
	}
	return nil
}

// DetectGaps computes the missing sequence ranges for a conversation given
// the server-reported newest sequence. Sequence numbers are gapless on the
// server, so the expected set is [1, newestSeq]; anything not held locally
// is a gap. Pure function of cache state plus the server summary: no
// network, no writes.
func (db *DB) DetectGaps(conversationID string, newestSeq int64) ([]Gap, error) {
	if newestSeq < 1 {
		return nil, nil
	}
	held, err := db.heldSeqs(conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var gaps []Gap
	expect := int64(1)
	for _, s := range held {
		if s > newestSeq {
			break
		}
		if s > expect {
			gaps = append(gaps, Gap{StartSeq: expect, EndSeq: s - 1, DetectedAt: now})
		}
		expect = s + 1
	}
	if expect <= newestSeq {
		gaps = append(gaps, Gap{StartSeq: expect, EndSeq: newestSeq, DetectedAt: now})
	}
	return gaps, nil
}
