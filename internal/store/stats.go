package store

// Snapshot rebuilds the aggregate cache statistics from the underlying
// stores.
func (db *DB) Snapshot() (*Stats, error) {
	var s Stats
	if err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content) + attachment_size), 0)
		FROM messages`).Scan(&s.Messages, &s.MessageBytes); err != nil {
		return nil, storageErr("stats messages", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_meta`).Scan(&s.Conversations); err != nil {
		return nil, storageErr("stats conversations", err)
	}
	var mediaCount, mediaBytes int64
	var err error
	if mediaCount, mediaBytes, err = db.MediaFootprint(); err != nil {
		return nil, err
	}
	s.MediaItems = mediaCount
	s.MediaBytes = mediaBytes
	if err := db.QueryRow(`SELECT COUNT(*) FROM offline_queue WHERE status IN (?, ?)`,
		OpPending, OpSyncing).Scan(&s.QueueDepth); err != nil {
		return nil, storageErr("stats queue", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM gaps`).Scan(&s.OpenGaps); err != nil {
		return nil, storageErr("stats gaps", err)
	}
	return &s, nil
}
