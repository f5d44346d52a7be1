package store

import "time"

// EnqueueOp appends an offline operation, preserving FIFO order within its
// conversation via created_at ordering.
func (db *DB) EnqueueOp(op *Operation) error {
	now := time.Now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	if op.Status == "" {
		op.Status = OpPending
	}
	_, err := db.Exec(`
		INSERT INTO offline_queue (op_id, conversation_id, op_type, payload, status,
			error_message, retry_count, max_retries, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.ConversationID, op.Type, string(op.Payload), op.Status,
		op.ErrorMessage, op.RetryCount, op.MaxRetries, op.NextRetryAt, op.CreatedAt, now)
	if err != nil {
		return storageErr("enqueue op", err)
	}
	return nil
}

// PendingOps returns all pending operations in enqueue order.
func (db *DB) PendingOps() ([]Operation, error) {
	return db.queryOps(`
		SELECT op_id, conversation_id, op_type, payload, status, error_message,
			retry_count, max_retries, next_retry_at, created_at, updated_at
		FROM offline_queue WHERE status = ? ORDER BY created_at ASC, op_id ASC`, OpPending)
}

// PendingOpsForConversation returns a conversation's pending operations in
// enqueue order.
func (db *DB) PendingOpsForConversation(conversationID string) ([]Operation, error) {
	return db.queryOps(`
		SELECT op_id, conversation_id, op_type, payload, status, error_message,
			retry_count, max_retries, next_retry_at, created_at, updated_at
		FROM offline_queue WHERE status = ? AND conversation_id = ?
		ORDER BY created_at ASC, op_id ASC`, OpPending, conversationID)
}

func (db *DB) queryOps(query string, args ...any) ([]Operation, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, storageErr("query ops", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var payload string
		if err := rows.Scan(&op.ID, &op.ConversationID, &op.Type, &payload, &op.Status,
			&op.ErrorMessage, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
			&op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, storageErr("scan op", err)
		}
		op.Payload = []byte(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// HasPendingOps reports whether a conversation has unconfirmed operations.
// Cleanup and eviction treat such conversations as protected.
func (db *DB) HasPendingOps(conversationID string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM offline_queue
			WHERE conversation_id = ? AND status IN (?, ?))`,
		conversationID, OpPending, OpSyncing).Scan(&exists)
	if err != nil {
		return false, storageErr("has pending ops", err)
	}
	return exists, nil
}

// MarkOpSyncing flips an operation to syncing while its network call runs.
func (db *DB) MarkOpSyncing(opID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE offline_queue SET status = ?, updated_at = ? WHERE op_id = ?`,
		OpSyncing, now, opID)
	if err != nil {
		return storageErr("mark op syncing", err)
	}
	return nil
}

// CompleteOp removes a confirmed operation. The bus event published by the
// processor is the audit trail; completed rows are not retained.
func (db *DB) CompleteOp(opID string) error {
	_, err := db.Exec(`DELETE FROM offline_queue WHERE op_id = ?`, opID)
	if err != nil {
		return storageErr("complete op", err)
	}
	return nil
}

// RescheduleOp returns a failed operation to pending with an incremented
// retry count and the next retry time.
func (db *DB) RescheduleOp(opID string, errorMessage string, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE offline_queue SET status = ?, error_message = ?, retry_count = retry_count + 1,
			next_retry_at = ?, updated_at = ?
		WHERE op_id = ?`,
		OpPending, errorMessage, nextRetryAt, now, opID)
	if err != nil {
		return storageErr("reschedule op", err)
	}
	return nil
}

// DeferOp returns an operation to pending without counting a retry.
// Used when draining stops for reasons unrelated to the operation itself,
// such as an expired session.
func (db *DB) DeferOp(opID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE offline_queue SET status = ?, updated_at = ? WHERE op_id = ?`,
		OpPending, now, opID)
	if err != nil {
		return storageErr("defer op", err)
	}
	return nil
}

// FailOp marks an operation permanently failed after exhausting retries.
func (db *DB) FailOp(opID string, errorMessage string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE offline_queue SET status = ?, error_message = ?, updated_at = ? WHERE op_id = ?`,
		OpFailed, errorMessage, now, opID)
	if err != nil {
		return storageErr("fail op", err)
	}
	return nil
}

// ResetSyncingOps returns operations stuck in syncing back to pending.
// Run at startup: a crash mid-send leaves syncing rows behind, and the
// server-side upsert keyed by temp id makes re-sending safe.
func (db *DB) ResetSyncingOps() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE offline_queue SET status = ?, updated_at = ? WHERE status = ?`,
		OpPending, now, OpSyncing)
	if err != nil {
		return 0, storageErr("reset syncing ops", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
