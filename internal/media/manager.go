// Package media implements the blob/media cache: an in-memory LRU layer in
// front of a persistent payload backend plus a metadata index, filled
// lazily from the remote source with in-flight deduplication.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/msgvault/msgvault/internal/bus"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Image statuses returned to callers.
const (
	StatusCached   = "cached"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Image is the result of a media lookup. Data is nil unless Status is
// StatusCached.
type Image struct {
	Status string
	Data   []byte
	Mime   string
	Err    string
}

// Limits bounds the media cache.
type Limits struct {
	MaxItems int
	MaxBytes int64
}

// Manager is the media cache front. All state it owns (memory layer,
// in-flight fetches) is lifecycle-scoped: Clear wipes it on logout.
type Manager struct {
	db      *store.DB
	backend Backend
	fetcher remote.Fetcher
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	group    singleflight.Group
	mem      *memLRU
	limits   Limits
	timeout  time.Duration
	evicting atomic.Bool
}

// NewManager creates a media manager over the given backend and remote
// fetcher.
func NewManager(db *store.DB, backend Backend, fetcher remote.Fetcher, b *bus.Bus, m *metrics.Metrics, limits Limits, timeout time.Duration, logger *zap.Logger) *Manager {
	if limits.MaxItems <= 0 {
		limits.MaxItems = 500
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 128 << 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		db:      db,
		backend: backend,
		fetcher: fetcher,
		bus:     b,
		metrics: m,
		logger:  logger,
		mem:     newMemLRU(limits.MaxItems, limits.MaxBytes),
		limits:  limits,
		timeout: timeout,
	}
}

// Get resolves a media reference cache-first. A reference with a cached
// terminal status (not_found, failed) is returned as-is with no network
// call; only Retry clears terminal statuses. Routine failures come back
// inside the Image, never as a panic or error.
func (m *Manager) Get(ctx context.Context, conversationID, filename string) *Image {
	key := store.MediaKey(conversationID, filename)

	if data, mime, ok := m.mem.get(key); ok {
		m.metrics.CacheHit("memory")
		_ = m.db.TouchMedia(key)
		return &Image{Status: StatusCached, Data: data, Mime: mime}
	}
	m.metrics.CacheMiss("memory")

	meta, err := m.db.GetMediaMeta(key)
	if err != nil {
		// Degrade to a plain fetch when the metadata index is unreadable.
		m.logger.Warn("media metadata unavailable", zap.String("key", key), zap.Error(err))
		meta = nil
	}

	if meta != nil {
		switch meta.Status {
		case store.MediaCompleted:
			data, err := m.backend.Get(key)
			if err == nil {
				m.metrics.CacheHit("persistent")
				m.mem.add(key, data, meta.Mime)
				_ = m.db.TouchMedia(key)
				return &Image{Status: StatusCached, Data: data, Mime: meta.Mime}
			}
			if errors.Is(err, ErrNoPayload) {
				// Metadata claimed a payload that is gone (evicted or lost).
				// Demote and fall through to a fresh fetch.
				_ = m.db.SetMediaStatus(key, store.MediaFailed, "payload missing")
			} else {
				m.logger.Warn("media payload read failed", zap.String("key", key), zap.Error(err))
			}
		case store.MediaNotFound:
			return &Image{Status: StatusNotFound, Err: meta.ErrorMessage}
		case store.MediaFailed:
			return &Image{Status: StatusError, Err: meta.ErrorMessage}
		}
	} else {
		m.metrics.CacheMiss("persistent")
	}

	return m.fetch(ctx, conversationID, filename, key)
}

// fetch downloads a payload, deduplicating concurrent requests for the
// same key: all callers share one network call and its result. The
// singleflight entry is dropped only after the call settles.
func (m *Manager) fetch(ctx context.Context, conversationID, filename, key string) *Image {
	v, _, _ := m.group.Do(key, func() (any, error) {
		return m.fetchOne(ctx, conversationID, filename, key), nil
	})
	return v.(*Image)
}

func (m *Manager) fetchOne(ctx context.Context, conversationID, filename, key string) *Image {
	meta, _ := m.db.GetMediaMeta(key)
	if meta == nil {
		meta = &store.MediaMeta{
			Key:            key,
			ConversationID: conversationID,
			Filename:       filename,
			Priority:       store.PriorityNormal,
		}
	}
	meta.Status = store.MediaDownloading
	meta.ErrorMessage = ""
	if err := m.db.UpsertMediaMeta(meta); err != nil {
		m.logger.Warn("media meta write failed", zap.String("key", key), zap.Error(err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	data, mime, err := m.fetcher.FetchMedia(fetchCtx, conversationID, filename)
	if err != nil {
		return m.recordFailure(key, meta, err)
	}

	sum := sha256.Sum256(data)
	meta.Status = store.MediaCompleted
	meta.Mime = mime
	meta.Size = int64(len(data))
	meta.ContentHash = hex.EncodeToString(sum[:])
	meta.Verified = true
	meta.LastAccessAt = time.Now().UnixMilli()

	// Payload before metadata: metadata must never claim a payload that
	// was not durably written.
	if err := m.backend.Put(key, data); err != nil {
		return m.recordFailure(key, meta, err)
	}
	if err := m.db.UpsertMediaMeta(meta); err != nil {
		m.logger.Warn("media meta write failed", zap.String("key", key), zap.Error(err))
	}

	m.mem.add(key, data, mime)
	m.publish("media.cached", key)

	// Best-effort, non-blocking space check after the write.
	go m.evictIfNeeded()

	return &Image{Status: StatusCached, Data: data, Mime: mime}
}

func (m *Manager) recordFailure(key string, meta *store.MediaMeta, err error) *Image {
	if errors.Is(err, remote.ErrNotFound) {
		meta.Status = store.MediaNotFound
		meta.ErrorMessage = err.Error()
		if werr := m.db.UpsertMediaMeta(meta); werr != nil {
			m.logger.Warn("media meta write failed", zap.String("key", key), zap.Error(werr))
		}
		m.publish("media.failed", key)
		return &Image{Status: StatusNotFound, Err: err.Error()}
	}

	meta.Status = store.MediaFailed
	meta.ErrorMessage = err.Error()
	meta.RetryCount++
	if werr := m.db.UpsertMediaMeta(meta); werr != nil {
		m.logger.Warn("media meta write failed", zap.String("key", key), zap.Error(werr))
	}
	m.publish("media.failed", key)
	return &Image{Status: StatusError, Err: err.Error()}
}

// IsCached reports whether a reference is resident in the memory layer.
// This is an approximation: a payload held only by the persistent backend
// yields a false negative. It never yields a false positive.
func (m *Manager) IsCached(conversationID, filename string) bool {
	return m.mem.has(store.MediaKey(conversationID, filename))
}

// Retry clears a terminal status (not_found or failed) and re-attempts
// the fetch. The only path that refetches after a terminal failure.
func (m *Manager) Retry(ctx context.Context, conversationID, filename string) *Image {
	key := store.MediaKey(conversationID, filename)
	meta, err := m.db.GetMediaMeta(key)
	if err == nil && meta != nil &&
		(meta.Status == store.MediaNotFound || meta.Status == store.MediaFailed) {
		if err := m.db.SetMediaStatus(key, store.MediaPending, ""); err != nil {
			m.logger.Warn("media retry reset failed", zap.String("key", key), zap.Error(err))
		}
	}
	return m.Get(ctx, conversationID, filename)
}

// Remove evicts one reference from every layer: memory, payload, then
// metadata. Payload goes before metadata so no metadata row ever points
// at a missing payload.
func (m *Manager) Remove(conversationID, filename string) error {
	key := store.MediaKey(conversationID, filename)
	m.mem.remove(key)
	if err := m.backend.Delete(key); err != nil {
		return err
	}
	return m.db.DeleteMediaMeta(key)
}

// Clear wipes the media cache entirely. Invoked on logout.
func (m *Manager) Clear() error {
	m.mem.clear()
	if err := m.backend.Clear(); err != nil {
		return err
	}
	return m.db.ClearMedia()
}

// CacheStats is a point-in-time view of the media cache footprint.
type CacheStats struct {
	Items    int64
	Bytes    int64
	MemItems int
	MemBytes int64
}

// Stats rebuilds media cache statistics from the store and memory layer.
func (m *Manager) Stats() (*CacheStats, error) {
	count, bytes, err := m.db.MediaFootprint()
	if err != nil {
		return nil, err
	}
	memItems, memBytes := m.mem.stats()
	return &CacheStats{Items: count, Bytes: bytes, MemItems: memItems, MemBytes: memBytes}, nil
}

// VerifySweep demotes completed metadata whose payload is not resident,
// so the next access refetches instead of trusting a stale claim. Run at
// startup.
func (m *Manager) VerifySweep() (demoted int, err error) {
	completed, err := m.db.MediaByStatus(store.MediaCompleted)
	if err != nil {
		return 0, err
	}
	for _, meta := range completed {
		if !m.backend.Has(meta.Key) {
			if err := m.db.SetMediaStatus(meta.Key, store.MediaFailed, "payload missing"); err != nil {
				return demoted, err
			}
			demoted++
		}
	}
	if demoted > 0 {
		m.logger.Info("media integrity sweep demoted entries", zap.Int("count", demoted))
	}
	return demoted, nil
}

// evictIfNeeded walks the eviction order (low priority first, then least
// recently accessed) until the persistent footprint is under both limits.
func (m *Manager) evictIfNeeded() {
	if !m.evicting.CompareAndSwap(false, true) {
		return
	}
	defer m.evicting.Store(false)

	count, bytes, err := m.db.MediaFootprint()
	if err != nil {
		m.logger.Warn("media eviction footprint check failed", zap.Error(err))
		return
	}
	if count <= int64(m.limits.MaxItems) && bytes <= m.limits.MaxBytes {
		return
	}

	keys, err := m.db.MediaEvictionOrder(int(count))
	if err != nil {
		m.logger.Warn("media eviction order failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		if count <= int64(m.limits.MaxItems) && bytes <= m.limits.MaxBytes {
			break
		}
		meta, err := m.db.GetMediaMeta(key)
		if err != nil || meta == nil {
			continue
		}
		m.mem.remove(key)
		if err := m.backend.Delete(key); err != nil {
			m.logger.Warn("media eviction delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := m.db.DeleteMediaMeta(key); err != nil {
			m.logger.Warn("media eviction meta delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		m.metrics.Eviction("media")
		count--
		bytes -= meta.Size
	}
}

func (m *Manager) publish(kind, key string) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: key})
	}
}
