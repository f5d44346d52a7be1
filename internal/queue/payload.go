package queue

// SendMessagePayload is the payload variant for send_message operations.
// TempID always matches the TempID of the optimistic message the
// operation represents, so server confirmation replaces exactly one row.
type SendMessagePayload struct {
	TempID  string `json:"temp_id"`
	Content string `json:"content"`
}

// MarkReadPayload is the payload variant for mark_read operations.
type MarkReadPayload struct {
	UpToSeq int64 `json:"up_to_seq"`
}
