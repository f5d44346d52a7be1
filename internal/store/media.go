package store

import (
	"database/sql"
	"time"
)

// MediaKey builds the metadata key for a media reference.
func MediaKey(conversationID, filename string) string {
	return conversationID + ":" + filename
}

// GetMediaMeta returns media metadata by key, or nil if unknown.
func (db *DB) GetMediaMeta(key string) (*MediaMeta, error) {
	var m MediaMeta
	var verified int64
	err := db.QueryRow(`
		SELECT cache_key, conversation_id, filename, mime, size, status, error_message,
			retry_count, content_hash, verified, priority, last_access_at, created_at
		FROM media_meta WHERE cache_key = ?`, key).
		Scan(&m.Key, &m.ConversationID, &m.Filename, &m.Mime, &m.Size, &m.Status,
			&m.ErrorMessage, &m.RetryCount, &m.ContentHash, &verified, &m.Priority,
			&m.LastAccessAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get media meta", err)
	}
	m.Verified = verified != 0
	return &m, nil
}

// UpsertMediaMeta inserts or replaces media metadata.
func (db *DB) UpsertMediaMeta(m *MediaMeta) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.LastAccessAt == 0 {
		m.LastAccessAt = now
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	verified := 0
	if m.Verified {
		verified = 1
	}
	_, err := db.Exec(`
		INSERT INTO media_meta (cache_key, conversation_id, filename, mime, size, status,
			error_message, retry_count, content_hash, verified, priority, last_access_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			mime = excluded.mime,
			size = excluded.size,
			status = excluded.status,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			content_hash = excluded.content_hash,
			verified = excluded.verified,
			priority = excluded.priority,
			last_access_at = excluded.last_access_at`,
		m.Key, m.ConversationID, m.Filename, m.Mime, m.Size, m.Status,
		m.ErrorMessage, m.RetryCount, m.ContentHash, verified, m.Priority,
		m.LastAccessAt, m.CreatedAt)
	if err != nil {
		return storageErr("upsert media meta", err)
	}
	return nil
}

// SetMediaStatus updates the download status and error message for a key.
func (db *DB) SetMediaStatus(key, status, errorMessage string) error {
	_, err := db.Exec(`
		UPDATE media_meta SET status = ?, error_message = ? WHERE cache_key = ?`,
		status, errorMessage, key)
	if err != nil {
		return storageErr("set media status", err)
	}
	return nil
}

// TouchMedia bumps the last-access time for eviction ordering.
func (db *DB) TouchMedia(key string) error {
	_, err := db.Exec(`UPDATE media_meta SET last_access_at = ? WHERE cache_key = ?`,
		time.Now().UnixMilli(), key)
	if err != nil {
		return storageErr("touch media", err)
	}
	return nil
}

// DeleteMediaMeta removes the metadata row for a key. Callers must delete
// the payload first so no metadata ever points at a missing payload.
func (db *DB) DeleteMediaMeta(key string) error {
	_, err := db.Exec(`DELETE FROM media_meta WHERE cache_key = ?`, key)
	if err != nil {
		return storageErr("delete media meta", err)
	}
	return nil
}

// MediaByStatus returns all metadata rows with the given status.
func (db *DB) MediaByStatus(status string) ([]MediaMeta, error) {
	rows, err := db.Query(`
		SELECT cache_key, conversation_id, filename, mime, size, status, error_message,
			retry_count, content_hash, verified, priority, last_access_at, created_at
		FROM media_meta WHERE status = ?`, status)
	if err != nil {
		return nil, storageErr("media by status", err)
	}
	defer func() { _ = rows.Close() }()

	var out []MediaMeta
	for rows.Next() {
		var m MediaMeta
		var verified int64
		if err := rows.Scan(&m.Key, &m.ConversationID, &m.Filename, &m.Mime, &m.Size,
			&m.Status, &m.ErrorMessage, &m.RetryCount, &m.ContentHash, &verified,
			&m.Priority, &m.LastAccessAt, &m.CreatedAt); err != nil {
			return nil, storageErr("scan media meta", err)
		}
		m.Verified = verified != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MediaEvictionOrder returns completed media keys in eviction order: low
// priority class first, then least recently accessed.
func (db *DB) MediaEvictionOrder(limit int) ([]string, error) {
	rows, err := db.Query(`
		SELECT cache_key FROM media_meta
		WHERE status = ?
		ORDER BY CASE priority WHEN 'low' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
			last_access_at ASC
		LIMIT ?`, MediaCompleted, limit)
	if err != nil {
		return nil, storageErr("media eviction order", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storageErr("scan media key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MediaFootprint returns the count and total byte size of completed media.
func (db *DB) MediaFootprint() (count int64, bytes int64, err error) {
	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM media_meta WHERE status = ?`,
		MediaCompleted).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, storageErr("media footprint", err)
	}
	return count, bytes, nil
}

// ClearMedia deletes all media metadata and blob rows.
func (db *DB) ClearMedia() error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM media_blobs`); err != nil {
			return storageErr("clear media blobs", err)
		}
		if _, err := tx.Exec(`DELETE FROM media_meta`); err != nil {
			return storageErr("clear media meta", err)
		}
		return nil
	})
}

// PutBlob stores a media payload in the media_blobs table.
func (db *DB) PutBlob(key string, data []byte) error {
	_, err := db.Exec(`
		INSERT INTO media_blobs (blob_key, data, size) VALUES (?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET data = excluded.data, size = excluded.size`,
		key, data, len(data))
	if err != nil {
		return storageErr("put blob", err)
	}
	return nil
}

// GetBlob loads a media payload, or nil if not resident.
func (db *DB) GetBlob(key string) ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM media_blobs WHERE blob_key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get blob", err)
	}
	return data, nil
}

// HasBlob reports whether a payload is resident.
func (db *DB) HasBlob(key string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM media_blobs WHERE blob_key = ?)`, key).Scan(&exists)
	if err != nil {
		return false, storageErr("has blob", err)
	}
	return exists, nil
}

// DeleteBlob removes a payload.
func (db *DB) DeleteBlob(key string) error {
	_, err := db.Exec(`DELETE FROM media_blobs WHERE blob_key = ?`, key)
	if err != nil {
		return storageErr("delete blob", err)
	}
	return nil
}
