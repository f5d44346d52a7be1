// Package remote defines the interfaces the cache core consumes from the
// server-of-record. The core never implements them: the server is reachable
// only through these contracts plus the out-of-band push hint on the bus.
package remote

import (
	"context"

	"github.com/msgvault/msgvault/internal/store"
)

// Delta is the result of a delta fetch.
type Delta struct {
	Messages   []*store.Message
	HasMore    bool
	NewestSeq  int64 // newest sequence number the server holds
	TotalCount int64 // server-reported total message count
}

// Source serves sequence-ordered message reads.
//
// FetchDelta returns messages with sequence numbers greater than sinceSeq,
// oldest first, up to limit. With sinceSeq == 0 the server returns its
// newest window of up to limit messages, which is how a full resync
// bootstraps a conversation it knows nothing about.
type Source interface {
	FetchDelta(ctx context.Context, conversationID string, sinceSeq int64, limit int) (*Delta, error)
	FetchRange(ctx context.Context, conversationID string, startSeq, endSeq int64) ([]*store.Message, error)
}

// Mutator applies user intents server-side. SendMessage is idempotent on
// tempID: re-sending after a crash returns the already-created message.
type Mutator interface {
	SendMessage(ctx context.Context, conversationID, content, tempID string) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string, upToSeq int64) error
}

// Fetcher downloads media payloads. Returns the raw bytes and mime type.
type Fetcher interface {
	FetchMedia(ctx context.Context, conversationID, filename string) (data []byte, mime string, err error)
}
