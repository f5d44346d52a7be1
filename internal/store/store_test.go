package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func syncedMsg(conv string, seq int64) *Message {
	return &Message{
		ID:             fmt.Sprintf("m%d", seq),
		ConversationID: conv,
		Seq:            seq,
		Content:        fmt.Sprintf("msg %d", seq),
		SenderID:       "peer",
		CreatedAt:      seq * 1000,
		UpdatedAt:      seq * 1000,
		Status:         MsgSent,
	}
}

func seedRange(t *testing.T, db *DB, conv string, from, to int64) {
	t.Helper()
	var msgs []*Message
	for seq := from; seq <= to; seq++ {
		msgs = append(msgs, syncedMsg(conv, seq))
	}
	if _, _, err := db.UpsertBatch(msgs); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	res, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Dirty {
		t.Errorf("first migrate: changed=%v dirty=%v, want changed clean", res.Changed, res.Dirty)
	}

	res, err = db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("second migrate reported changes")
	}
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{syncedMsg("c1", 1), syncedMsg("c1", 2)}
	added, updated, err := db.UpsertBatch(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 || updated != 0 {
		t.Errorf("first batch: added=%d updated=%d, want 2/0", added, updated)
	}

	added, updated, err = db.UpsertBatch(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 || updated != 2 {
		t.Errorf("second batch: added=%d updated=%d, want 0/2", added, updated)
	}

	stored, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("got %d messages, want 2 (idempotent)", len(stored))
	}
}

func TestListMessagesOrdersOptimisticLast(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 3)

	optimistic := &Message{
		TempID: "tmp-1", ConversationID: "c1", Content: "unsent",
		SenderID: "me", Status: MsgPending, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i, seq := range []int64{1, 2, 3} {
		if msgs[i].Seq != seq {
			t.Errorf("message %d seq = %d, want %d", i, msgs[i].Seq, seq)
		}
	}
	if msgs[3].TempID != "tmp-1" {
		t.Errorf("last message = %+v, want the optimistic one", msgs[3])
	}
}

func TestReplaceOptimisticSwapsInPlace(t *testing.T) {
	db := testDB(t)

	optimistic := &Message{
		TempID: "tmp-1", ConversationID: "c1", Content: "hello",
		SenderID: "me", Status: MsgPending, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	confirmed := syncedMsg("c1", 7)
	confirmed.Content = "hello"
	if err := db.ReplaceOptimistic("tmp-1", confirmed); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (swap, not duplicate)", len(msgs))
	}
	if msgs[0].ID != "m7" || msgs[0].Seq != 7 || msgs[0].Status != MsgSent {
		t.Errorf("message = %+v, want confirmed identity", msgs[0])
	}
	if msgs[0].TempID != "tmp-1" {
		t.Errorf("temp id = %q, want preserved for correlation", msgs[0].TempID)
	}
}

// A delta fetch can merge the confirmed message before the send ack
// arrives. Replacing afterwards must still leave exactly one row.
func TestReplaceOptimisticAfterDeltaRace(t *testing.T) {
	db := testDB(t)

	optimistic := &Message{
		TempID: "tmp-1", ConversationID: "c1", Content: "hello",
		SenderID: "me", Status: MsgPending, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	// Delta sync merges the confirmed message first (no temp id attached).
	confirmed := syncedMsg("c1", 7)
	if _, _, err := db.UpsertBatch([]*Message{confirmed}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReplaceOptimistic("tmp-1", syncedMsg("c1", 7)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after race", len(msgs))
	}
	if msgs[0].ID != "m7" {
		t.Errorf("message id = %q, want m7", msgs[0].ID)
	}
}

// A server batch carrying the temp id reconciles the optimistic row
// directly instead of inserting a second one.
func TestUpsertBatchReconcilesByTempID(t *testing.T) {
	db := testDB(t)

	optimistic := &Message{
		TempID: "tmp-1", ConversationID: "c1", Content: "hello",
		SenderID: "me", Status: MsgPending, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	confirmed := syncedMsg("c1", 7)
	confirmed.TempID = "tmp-1"
	if _, _, err := db.UpsertBatch([]*Message{confirmed}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m7" {
		t.Fatalf("messages = %+v, want one confirmed row", msgs)
	}
}

func TestMarkSendFailedOnlyTouchesOptimisticRow(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 2)

	optimistic := &Message{
		TempID: "tmp-1", ConversationID: "c1", Content: "unsendable",
		SenderID: "me", Status: MsgPending, CreatedAt: 100, UpdatedAt: 100,
	}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkSendFailed("tmp-1"); err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetByTempID("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != MsgFailed {
		t.Errorf("status = %q, want %q", msg.Status, MsgFailed)
	}
	synced, _ := db.GetMessage("m1")
	if synced.Status != MsgSent {
		t.Errorf("synced message status = %q, want untouched", synced.Status)
	}
}

func TestDetectGapsFindsMissingRanges(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 10)
	seedRange(t, db, "c1", 15, 20)

	gaps, err := db.DetectGaps("c1", 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 2 {
		t.Fatalf("got %d gaps, want 2: %+v", len(gaps), gaps)
	}
	if gaps[0].StartSeq != 11 || gaps[0].EndSeq != 14 {
		t.Errorf("gap 0 = [%d, %d], want [11, 14]", gaps[0].StartSeq, gaps[0].EndSeq)
	}
	if gaps[1].StartSeq != 21 || gaps[1].EndSeq != 25 {
		t.Errorf("gap 1 = [%d, %d], want [21, 25]", gaps[1].StartSeq, gaps[1].EndSeq)
	}
}

func TestDetectGapsCompleteCache(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 5)

	gaps, err := db.DetectGaps("c1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 0 {
		t.Errorf("got %d gaps, want 0: %+v", len(gaps), gaps)
	}
}

func TestRecordGapMergesOverlapping(t *testing.T) {
	db := testDB(t)

	if err := db.RecordGap("c1", 5, 10); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordGap("c1", 8, 15); err != nil {
		t.Fatal(err)
	}
	// Adjacent, not overlapping: still merges.
	if err := db.RecordGap("c1", 16, 20); err != nil {
		t.Fatal(err)
	}

	gaps, err := db.Gaps("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 1 {
		t.Fatalf("got %d gaps, want 1 merged: %+v", len(gaps), gaps)
	}
	if gaps[0].StartSeq != 5 || gaps[0].EndSeq != 20 {
		t.Errorf("gap = [%d, %d], want [5, 20]", gaps[0].StartSeq, gaps[0].EndSeq)
	}
}

func TestClearGapRefusesIncompleteRange(t *testing.T) {
	db := testDB(t)
	if err := db.RecordGap("c1", 5, 10); err != nil {
		t.Fatal(err)
	}
	// Only part of the range is cached.
	seedRange(t, db, "c1", 5, 7)

	err := db.ClearGap("c1", 5, 10)
	if !errors.Is(err, ErrGapIncomplete) {
		t.Fatalf("err = %v, want ErrGapIncomplete", err)
	}

	gaps, _ := db.Gaps("c1")
	if len(gaps) != 1 {
		t.Errorf("gap record dropped despite incomplete range")
	}
}

func TestClearGapTrimsPartialOverlap(t *testing.T) {
	db := testDB(t)
	if err := db.RecordGap("c1", 5, 15); err != nil {
		t.Fatal(err)
	}
	seedRange(t, db, "c1", 8, 12)

	if err := db.ClearGap("c1", 8, 12); err != nil {
		t.Fatal(err)
	}

	gaps, err := db.Gaps("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 2 {
		t.Fatalf("got %d gaps, want 2 remainders: %+v", len(gaps), gaps)
	}
	if gaps[0].StartSeq != 5 || gaps[0].EndSeq != 7 {
		t.Errorf("head remainder = [%d, %d], want [5, 7]", gaps[0].StartSeq, gaps[0].EndSeq)
	}
	if gaps[1].StartSeq != 13 || gaps[1].EndSeq != 15 {
		t.Errorf("tail remainder = [%d, %d], want [13, 15]", gaps[1].StartSeq, gaps[1].EndSeq)
	}
}

func TestUpdateSyncStateMergesPartially(t *testing.T) {
	db := testDB(t)

	seq := int64(10)
	total := int64(100)
	if err := db.UpdateSyncState("c1", StateUpdate{LastSyncedSeq: &seq, TotalCount: &total}); err != nil {
		t.Fatal(err)
	}

	// A later partial update must not clobber the other fields.
	seq2 := int64(20)
	if err := db.UpdateSyncState("c1", StateUpdate{LastSyncedSeq: &seq2}); err != nil {
		t.Fatal(err)
	}

	st, err := db.GetSyncState("c1")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastSyncedSeq != 20 {
		t.Errorf("last synced seq = %d, want 20", st.LastSyncedSeq)
	}
	if st.TotalCount != 100 {
		t.Errorf("total count = %d, want 100 (untouched)", st.TotalCount)
	}
}

func TestGetSyncStateUnknownConversation(t *testing.T) {
	db := testDB(t)
	st, err := db.GetSyncState("nope")
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("state = %+v, want nil for unknown conversation", st)
	}
}

func TestMarkReadAdvancesMonotonically(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 10)

	if err := db.MarkRead("c1", 7); err != nil {
		t.Fatal(err)
	}
	st, _ := db.GetSyncState("c1")
	if st.LastReadSeq != 7 || st.UnreadCount != 3 {
		t.Errorf("state = last_read=%d unread=%d, want 7/3", st.LastReadSeq, st.UnreadCount)
	}

	// A stale, lower mark must not regress the read position.
	if err := db.MarkRead("c1", 4); err != nil {
		t.Fatal(err)
	}
	st, _ = db.GetSyncState("c1")
	if st.LastReadSeq != 7 || st.UnreadCount != 3 {
		t.Errorf("state after stale mark = last_read=%d unread=%d, want 7/3", st.LastReadSeq, st.UnreadCount)
	}
}

func TestCleanupExpiredSparesProtectedConversations(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "old-read", 1, 3)
	seedRange(t, db, "old-unread", 1, 3)
	seedRange(t, db, "old-queued", 1, 3)

	// Everything is ancient.
	ancient := time.Now().AddDate(0, 0, -60).UnixMilli()
	for _, conv := range []string{"old-read", "old-unread", "old-queued"} {
		if _, err := db.Exec(`UPDATE chat_meta SET last_accessed_at = ? WHERE conversation_id = ?`, ancient, conv); err != nil {
			t.Fatal(err)
		}
	}
	// old-unread has unread messages; old-queued has a pending op.
	if _, err := db.Exec(`UPDATE chat_meta SET unread_count = 2 WHERE conversation_id = 'old-unread'`); err != nil {
		t.Fatal(err)
	}
	op := &Operation{ID: "op1", ConversationID: "old-queued", Type: OpSendMessage, Payload: []byte(`{}`), MaxRetries: 3}
	if err := db.EnqueueOp(op); err != nil {
		t.Fatal(err)
	}

	removed, err := db.CleanupExpired(30)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d messages, want 3 (only old-read)", removed)
	}

	for conv, want := range map[string]int{"old-read": 0, "old-unread": 3, "old-queued": 3} {
		msgs, err := db.ListMessages(conv)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != want {
			t.Errorf("%s: got %d messages, want %d", conv, len(msgs), want)
		}
	}
}

func TestEvictOldestChatsFreesLeastRecentFirst(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "old", 1, 5)
	seedRange(t, db, "new", 1, 5)

	past := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := db.Exec(`UPDATE chat_meta SET last_accessed_at = ? WHERE conversation_id = 'old'`, past); err != nil {
		t.Fatal(err)
	}

	freed, err := db.EvictOldestChats(1)
	if err != nil {
		t.Fatal(err)
	}
	if freed <= 0 {
		t.Errorf("freed = %d, want > 0", freed)
	}

	oldMsgs, _ := db.ListMessages("old")
	newMsgs, _ := db.ListMessages("new")
	if len(oldMsgs) != 0 {
		t.Errorf("old conversation survived eviction")
	}
	if len(newMsgs) != 5 {
		t.Errorf("new conversation evicted: %d messages left", len(newMsgs))
	}
}

func TestQueueOpLifecycle(t *testing.T) {
	db := testDB(t)

	op := &Operation{ID: "op1", ConversationID: "c1", Type: OpSendMessage, Payload: []byte(`{"x":1}`), MaxRetries: 3}
	if err := db.EnqueueOp(op); err != nil {
		t.Fatal(err)
	}

	has, err := db.HasPendingOps("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasPendingOps = false, want true")
	}

	if err := db.MarkOpSyncing("op1"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOps()
	if len(pending) != 0 {
		t.Errorf("got %d pending while syncing, want 0", len(pending))
	}
	// Syncing still protects the conversation.
	if has, _ := db.HasPendingOps("c1"); !has {
		t.Error("syncing op no longer protects conversation")
	}

	if err := db.CompleteOp("op1"); err != nil {
		t.Fatal(err)
	}
	if has, _ := db.HasPendingOps("c1"); has {
		t.Error("completed op still reported pending")
	}
}

func TestResetSyncingOpsRecoversCrash(t *testing.T) {
	db := testDB(t)

	op := &Operation{ID: "op1", ConversationID: "c1", Type: OpSendMessage, Payload: []byte(`{}`), MaxRetries: 3}
	if err := db.EnqueueOp(op); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOpSyncing("op1"); err != nil {
		t.Fatal(err)
	}

	n, err := db.ResetSyncingOps()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d ops, want 1", n)
	}
	pending, _ := db.PendingOps()
	if len(pending) != 1 {
		t.Errorf("got %d pending after reset, want 1", len(pending))
	}
}

func TestSnapshotAggregates(t *testing.T) {
	db := testDB(t)
	seedRange(t, db, "c1", 1, 3)
	seedRange(t, db, "c2", 1, 2)
	if err := db.RecordGap("c1", 4, 6); err != nil {
		t.Fatal(err)
	}
	op := &Operation{ID: "op1", ConversationID: "c1", Type: OpMarkRead, Payload: []byte(`{}`), MaxRetries: 3}
	if err := db.EnqueueOp(op); err != nil {
		t.Fatal(err)
	}

	s, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if s.Messages != 5 || s.Conversations != 2 || s.QueueDepth != 1 || s.OpenGaps != 1 {
		t.Errorf("snapshot = %+v, want 5 msgs / 2 convs / 1 op / 1 gap", s)
	}
}
