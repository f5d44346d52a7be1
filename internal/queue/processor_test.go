package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/msgvault/msgvault/internal/bus"
	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/status"
	"github.com/msgvault/msgvault/internal/store"
	"go.uber.org/zap"
)

// mockMutator records calls and returns configurable results.
type mockMutator struct {
	mu        sync.Mutex
	sends     []sendCall
	markReads []markReadCall
	err       error
	delay     time.Duration
	nextSeq   int64
}

type sendCall struct {
	ConversationID string
	Content        string
	TempID         string
}

type markReadCall struct {
	ConversationID string
	UpToSeq        int64
}

func (m *mockMutator) SendMessage(_ context.Context, conversationID, content, tempID string) (*store.Message, error) {
	m.mu.Lock()
	m.sends = append(m.sends, sendCall{ConversationID: conversationID, Content: content, TempID: tempID})
	delay, err := m.delay, m.err
	m.nextSeq++
	seq := m.nextSeq
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	return &store.Message{
		ID:             fmt.Sprintf("srv-%d", seq),
		ConversationID: conversationID,
		Seq:            seq,
		Content:        content,
		SenderID:       "me",
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         store.MsgSent,
	}, nil
}

func (m *mockMutator) MarkRead(_ context.Context, conversationID string, upToSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReads = append(m.markReads, markReadCall{ConversationID: conversationID, UpToSeq: upToSeq})
	return m.err
}

func (m *mockMutator) sendCalls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.sends...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func onlineMachine(b *bus.Bus) *status.Machine {
	m := status.NewMachine(b)
	_ = m.Transition(status.Connecting)
	_ = m.Transition(status.Online)
	return m
}

func testProcessor(db *store.DB, mock *mockMutator, machine *status.Machine, b *bus.Bus) *Processor {
	logger, _ := zap.NewDevelopment()
	return NewProcessor(db, mock, machine, b, nil, Policy{MaxRetries: 3, InitialDelay: 50 * time.Millisecond}, logger)
}

func TestEnqueueSendInsertsOptimisticMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	// Offline machine: nothing drains, the optimistic row must still appear.
	p := testProcessor(db, &mockMutator{}, status.NewMachine(b), b)

	tempID, err := p.EnqueueSend("c1", "me", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic insert)", len(msgs))
	}
	if msgs[0].Status != store.MsgPending {
		t.Errorf("status = %q, want %q", msgs[0].Status, store.MsgPending)
	}
	if msgs[0].TempID != tempID {
		t.Errorf("temp id = %q, want %q", msgs[0].TempID, tempID)
	}
	if msgs[0].ID != "" || msgs[0].Seq != 0 {
		t.Errorf("optimistic message has server identity: id=%q seq=%d", msgs[0].ID, msgs[0].Seq)
	}

	ops, err := db.PendingOps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Type != store.OpSendMessage {
		t.Fatalf("ops = %+v, want one send_message", ops)
	}
}

func TestDrainConfirmsOptimisticSend(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{}
	p := testProcessor(db, mock, onlineMachine(b), b)

	tempID, err := p.EnqueueSend("c1", "me", "hello")
	if err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	calls := mock.sendCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d send calls, want 1", len(calls))
	}
	if calls[0].TempID != tempID {
		t.Errorf("sent temp id = %q, want %q", calls[0].TempID, tempID)
	}

	// One row, now carrying the server identity. Never two.
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 after confirmation", len(msgs))
	}
	if msgs[0].ID == "" || msgs[0].Seq == 0 {
		t.Errorf("confirmed message missing server identity: %+v", msgs[0])
	}
	if msgs[0].Status != store.MsgSent {
		t.Errorf("status = %q, want %q", msgs[0].Status, store.MsgSent)
	}

	ops, err := db.PendingOps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("got %d pending ops, want 0", len(ops))
	}
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{}
	p := testProcessor(db, mock, status.NewMachine(b), b)

	if _, err := p.EnqueueSend("c1", "me", "hello"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	if len(mock.sendCalls()) != 0 {
		t.Errorf("got %d send calls while offline, want 0", len(mock.sendCalls()))
	}
	ops, _ := db.PendingOps()
	if len(ops) != 1 {
		t.Errorf("got %d pending ops, want 1 (kept for reconnect)", len(ops))
	}
}

func TestDrainPreservesPerConversationOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{}
	p := testProcessor(db, mock, onlineMachine(b), b)

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		if _, err := p.EnqueueSend("c1", "me", c); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	p.Drain(context.Background())

	calls := mock.sendCalls()
	if len(calls) != 3 {
		t.Fatalf("got %d send calls, want 3", len(calls))
	}
	for i, c := range contents {
		if calls[i].Content != c {
			t.Errorf("call %d content = %q, want %q (FIFO)", i, calls[i].Content, c)
		}
	}
}

func TestDrainFailureBlocksConversationQueue(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{err: fmt.Errorf("network error")}
	p := testProcessor(db, mock, onlineMachine(b), b)

	if _, err := p.EnqueueSend("c1", "me", "first"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.EnqueueSend("c1", "me", "second"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	// Only the head was attempted; the second send never went out of order.
	if calls := mock.sendCalls(); len(calls) != 1 || calls[0].Content != "first" {
		t.Fatalf("calls = %+v, want only the head attempted", calls)
	}

	// Head is rescheduled with backoff; an immediate re-drain must not
	// attempt the second op ahead of it.
	p.Drain(context.Background())
	if calls := mock.sendCalls(); len(calls) != 1 {
		t.Errorf("got %d calls after re-drain, want 1 (head of line still blocks)", len(calls))
	}

	ops, err := db.PendingOps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d pending ops, want 2", len(ops))
	}
	if ops[0].RetryCount != 1 {
		t.Errorf("head retry count = %d, want 1", ops[0].RetryCount)
	}
}

func TestDrainFailureDoesNotBlockOtherConversations(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{err: fmt.Errorf("network error")}
	p := testProcessor(db, mock, onlineMachine(b), b)

	if _, err := p.EnqueueSend("c1", "me", "fails"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.EnqueueSend("c2", "me", "independent"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	calls := mock.sendCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d send calls, want 2 (c2 drains despite c1 failure)", len(calls))
	}
}

func TestPermanentFailureMarksMessageFailed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{err: fmt.Errorf("%w: content rejected", remote.ErrValidation)}
	p := testProcessor(db, mock, onlineMachine(b), b)

	ch, unsub := b.Subscribe("message.send_failed", 10)
	defer unsub()

	tempID, err := p.EnqueueSend("c1", "me", "rejected")
	if err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	// Terminal error: no retries, message flipped to failed.
	msg, err := db.GetByTempID(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Status != store.MsgFailed {
		t.Fatalf("message = %+v, want status %q", msg, store.MsgFailed)
	}

	ops, _ := db.PendingOps()
	if len(ops) != 0 {
		t.Errorf("got %d pending ops, want 0 (permanently failed)", len(ops))
	}

	select {
	case evt := <-ch:
		if evt.Kind != "message.send_failed" {
			t.Errorf("event kind = %q, want message.send_failed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.send_failed event")
	}
}

func TestAuthErrorStopsDrainWithoutBurningRetries(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{err: fmt.Errorf("%w: session expired", remote.ErrAuth)}
	p := testProcessor(db, mock, onlineMachine(b), b)

	ch, unsub := b.Subscribe("queue.auth_required", 10)
	defer unsub()

	if _, err := p.EnqueueSend("c1", "me", "one"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := p.EnqueueSend("c2", "me", "two"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())

	// The whole drain stops, not just one conversation.
	if calls := mock.sendCalls(); len(calls) != 1 {
		t.Errorf("got %d send calls, want 1 (drain stopped on auth error)", len(calls))
	}

	ops, err := db.PendingOps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d pending ops, want 2 (nothing lost)", len(ops))
	}
	if ops[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (auth error is not the op's fault)", ops[0].RetryCount)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "queue.auth_required" {
			t.Errorf("event kind = %q, want queue.auth_required", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.auth_required event")
	}
}

func TestEnqueueMarkReadAppliesLocallyFirst(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{}
	p := testProcessor(db, mock, status.NewMachine(b), b)

	// Seed some synced messages so unread state is meaningful.
	var msgs []*store.Message
	for seq := int64(1); seq <= 5; seq++ {
		now := seq * 1000
		msgs = append(msgs, &store.Message{
			ID: fmt.Sprintf("m%d", seq), ConversationID: "c1", Seq: seq,
			Content: "x", SenderID: "peer", CreatedAt: now, UpdatedAt: now, Status: store.MsgSent,
		})
	}
	if _, _, err := db.UpsertBatch(msgs); err != nil {
		t.Fatal(err)
	}

	if err := p.EnqueueMarkRead("c1", 3); err != nil {
		t.Fatal(err)
	}

	// Local state reflects the read immediately, while offline.
	st, err := db.GetSyncState("c1")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastReadSeq != 3 {
		t.Errorf("last read seq = %d, want 3", st.LastReadSeq)
	}
	if st.UnreadCount != 2 {
		t.Errorf("unread count = %d, want 2", st.UnreadCount)
	}

	// The acknowledgement is queued, not sent.
	ops, _ := db.PendingOps()
	if len(ops) != 1 || ops[0].Type != store.OpMarkRead {
		t.Fatalf("ops = %+v, want one mark_read", ops)
	}
}

func TestStartDrainsOnReconnect(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockMutator{}
	machine := status.NewMachine(b)
	p := testProcessor(db, mock, machine, b)

	if _, err := p.EnqueueSend("c1", "me", "queued offline"); err != nil {
		t.Fatal(err)
	}

	p.Start(context.Background())
	defer p.Stop()

	// Coming online triggers a drain without waiting for the ticker.
	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Online)

	deadline := time.After(3 * time.Second)
	for {
		ops, err := db.PendingOps()
		if err != nil {
			t.Fatal(err)
		}
		if len(ops) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for reconnect drain")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if calls := mock.sendCalls(); len(calls) != 1 {
		t.Errorf("got %d send calls, want 1", len(calls))
	}
	msgs, _ := db.ListMessages("c1")
	if len(msgs) != 1 || msgs[0].Status != store.MsgSent {
		t.Errorf("messages = %+v, want one sent message", msgs)
	}
}
