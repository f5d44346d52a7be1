package store

// Message statuses track the local lifecycle of an optimistic send.
const (
	MsgPending = "pending"
	MsgSent    = "sent"
	MsgFailed  = "failed"
)

// Media download statuses. NotFound and Failed are terminal until an
// explicit user-initiated retry.
const (
	MediaPending     = "pending"
	MediaDownloading = "downloading"
	MediaCompleted   = "completed"
	MediaNotFound    = "not_found"
	MediaFailed      = "failed"
)

// Media priorities govern eviction and prefetch ordering.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Offline operation types and statuses.
const (
	OpSendMessage = "send_message"
	OpMarkRead    = "mark_read"

	OpPending   = "pending"
	OpSyncing   = "syncing"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

// Message is one chat message as known locally. ID is server-assigned and
// empty until the server confirms; TempID is client-assigned and set only
// on optimistic sends. Exactly one of the two may be empty, never both.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	Seq            int64 // server sequence number, 0 until assigned
	Content        string
	SenderID       string
	CreatedAt      int64
	UpdatedAt      int64
	Attachment     *Attachment
	Status         string
	CachedAt       int64
	SyncVersion    int64
}

// Attachment references a media payload by filename; the payload itself
// lives in the media store.
type Attachment struct {
	Filename string
	Size     int64
	Mime     string
}

// Gap is a contiguous range of sequence numbers known to exist on the
// server but absent locally. Ranges are inclusive on both ends.
type Gap struct {
	StartSeq   int64
	EndSeq     int64
	DetectedAt int64
}

// SyncState tracks reconciliation progress for one conversation.
// MessageCount and CacheBytes are derived from the messages table.
type SyncState struct {
	ConversationID string
	LastSyncedSeq  int64
	LastSyncedAt   int64
	TotalCount     int64 // server-reported message count
	UnreadCount    int64
	LastReadSeq    int64
	LastAccessedAt int64
	MessageCount   int64
	CacheBytes     int64
	Gaps           []Gap
}

// MediaMeta is the metadata half of a cached media item. The binary
// payload is held by the media backend and may be evicted independently.
type MediaMeta struct {
	Key            string // conversationID:filename
	ConversationID string
	Filename       string
	Mime           string
	Size           int64
	Status         string
	ErrorMessage   string
	RetryCount     int64
	ContentHash    string
	Verified       bool
	Priority       string
	LastAccessAt   int64
	CreatedAt      int64
}

// Operation is a queued user intent not yet confirmed server-side.
// Payload is a JSON-encoded variant tagged by Type.
type Operation struct {
	ID             string
	ConversationID string
	Type           string
	Payload        []byte
	Status         string
	ErrorMessage   string
	RetryCount     int64
	MaxRetries     int64
	NextRetryAt    int64
	CreatedAt      int64
	UpdatedAt      int64
}

// Stats is an aggregated view over the cache. It is rebuilt from the
// other stores on demand and is never a source of truth.
type Stats struct {
	Conversations int64
	Messages      int64
	MessageBytes  int64
	MediaItems    int64
	MediaBytes    int64
	QueueDepth    int64
	OpenGaps      int64
}
