package bus

import "time"

// Event is a cache domain event published on the bus.
//
// Kinds are namespaced by component:
//
//	message.upserted     a message row was created or updated
//	message.send_failed  an optimistic send permanently failed
//	sync.started         a conversation sync began
//	sync.completed       a conversation sync finished
//	sync.failed          a conversation sync hit a recoverable error
//	media.cached         a media payload became resident
//	media.failed         a media fetch failed or was marked not found
//	queue.enqueued       an offline operation was queued
//	queue.op_completed   an offline operation was confirmed server-side
//	queue.op_failed      an offline operation exhausted its retries
//	net.status_changed   connectivity state machine transition
//	net.push             push hint: new data may exist for a conversation
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
