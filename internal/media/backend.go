package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/msgvault/msgvault/internal/store"
)

// ErrNoPayload is returned by Backend.Get when the payload is not
// resident. Metadata claiming otherwise is demoted by the manager.
var ErrNoPayload = errors.New("media payload not resident")

// Backend stores raw media payloads keyed by cache key. Three strategies
// satisfy it: the sqlite blob table, a filesystem directory, and an
// in-memory map. The manager's contract is identical over all three.
type Backend interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Has(key string) bool
	Delete(key string) error
	Clear() error
}

// NewBackend constructs a backend by configured kind: "sqlite", "fs" or
// "memory".
func NewBackend(kind, dir string, db *store.DB) (Backend, error) {
	switch kind {
	case "sqlite":
		return &sqliteBackend{db: db}, nil
	case "fs":
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
		return &fsBackend{dir: dir}, nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown media backend %q", kind)
	}
}

// sqliteBackend keeps payloads in the media_blobs table, next to the
// metadata but independently evictable.
type sqliteBackend struct {
	db *store.DB
}

func (b *sqliteBackend) Put(key string, data []byte) error {
	return b.db.PutBlob(key, data)
}

func (b *sqliteBackend) Get(key string) ([]byte, error) {
	data, err := b.db.GetBlob(key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoPayload
	}
	return data, nil
}

func (b *sqliteBackend) Has(key string) bool {
	ok, err := b.db.HasBlob(key)
	return err == nil && ok
}

func (b *sqliteBackend) Delete(key string) error {
	return b.db.DeleteBlob(key)
}

func (b *sqliteBackend) Clear() error {
	return b.db.ClearMedia()
}

// fsBackend keeps payloads as files under the profile media directory.
type fsBackend struct {
	dir string
}

// sanitizeKey replaces characters that are problematic for filesystems.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, key)
}

func (b *fsBackend) path(key string) string {
	return filepath.Join(b.dir, sanitizeKey(key))
}

func (b *fsBackend) Put(key string, data []byte) error {
	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write media file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize media file: %w", err)
	}
	return nil
}

func (b *fsBackend) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNoPayload
	}
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	return data, nil
}

func (b *fsBackend) Has(key string) bool {
	_, err := os.Stat(b.path(key))
	return err == nil
}

func (b *fsBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete media file: %w", err)
	}
	return nil
}

func (b *fsBackend) Clear() error {
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("clear media dir: %w", err)
	}
	return os.MkdirAll(b.dir, 0700)
}

// memoryBackend holds payloads in a map. Used by tests and as the
// degraded mode when persistent storage fails to open.
type memoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{blobs: make(map[string][]byte)}
}

func (b *memoryBackend) Put(key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[key] = cp
	return nil
}

func (b *memoryBackend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, ErrNoPayload
	}
	return data, nil
}

func (b *memoryBackend) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[key]
	return ok
}

func (b *memoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

func (b *memoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs = make(map[string][]byte)
	return nil
}
