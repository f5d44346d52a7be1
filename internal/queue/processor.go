// Package queue drains user intents captured while disconnected. It is
// the only path through which local mutations reach the server: the UI
// enqueues, the processor replays in order once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/msgvault/msgvault/internal/bus"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/status"
	"github.com/msgvault/msgvault/internal/store"
	"go.uber.org/zap"
)

// Policy controls retry behavior for queued operations.
type Policy struct {
	MaxRetries   int64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// Processor owns the offline operation queue: enqueue on intent, drain on
// connectivity, exponential backoff on failure, strict FIFO per
// conversation.
type Processor struct {
	db      *store.DB
	mutator remote.Mutator
	machine *status.Machine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	policy  Policy

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewProcessor creates an offline queue processor.
func NewProcessor(db *store.DB, mutator remote.Mutator, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, policy Policy, logger *zap.Logger) *Processor {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Minute
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 30 * time.Second
	}
	return &Processor{
		db:      db,
		mutator: mutator,
		machine: machine,
		bus:     b,
		metrics: m,
		logger:  logger,
		policy:  policy,
		kick:    make(chan struct{}, 1),
	}
}

// EnqueueSend records a send intent: an optimistic pending message appears
// in the cache immediately, and a send_message operation carrying the same
// temp id is queued for replay. Returns the temp id.
func (p *Processor) EnqueueSend(conversationID, senderID, content string) (string, error) {
	tempID := "tmp-" + uuid.NewString()
	now := time.Now().UnixMilli()

	optimistic := &store.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Status:         store.MsgPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.db.UpsertMessage(optimistic); err != nil {
		return "", err
	}

	payload, err := json.Marshal(SendMessagePayload{TempID: tempID, Content: content})
	if err != nil {
		return "", fmt.Errorf("encode send payload: %w", err)
	}
	op := &store.Operation{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           store.OpSendMessage,
		Payload:        payload,
		MaxRetries:     p.policy.MaxRetries,
		CreatedAt:      now,
	}
	if err := p.db.EnqueueOp(op); err != nil {
		return "", err
	}

	p.publish("message.upserted", map[string]string{"conversation_id": conversationID, "temp_id": tempID})
	p.publish("queue.enqueued", op.ID)
	p.Kick()
	return tempID, nil
}

// EnqueueMarkRead applies the read state locally right away and queues the
// server acknowledgement.
func (p *Processor) EnqueueMarkRead(conversationID string, upToSeq int64) error {
	if err := p.db.MarkRead(conversationID, upToSeq); err != nil {
		return err
	}
	payload, err := json.Marshal(MarkReadPayload{UpToSeq: upToSeq})
	if err != nil {
		return fmt.Errorf("encode mark read payload: %w", err)
	}
	op := &store.Operation{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           store.OpMarkRead,
		Payload:        payload,
		MaxRetries:     p.policy.MaxRetries,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := p.db.EnqueueOp(op); err != nil {
		return err
	}
	p.publish("queue.enqueued", op.ID)
	p.Kick()
	return nil
}

// Kick asks the loop to drain soon. Non-blocking.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start begins the drain loop and wires reconnect-triggered draining.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if n, err := p.db.ResetSyncingOps(); err != nil {
		p.logger.Warn("failed to reset in-flight ops", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("reset in-flight ops from previous run", zap.Int64("count", n))
	}

	ch, unsub := p.bus.Subscribe("net.status_changed", 16)

	go func() {
		defer unsub()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Drain(ctx)
			case <-p.kick:
				p.Drain(ctx)
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
					p.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the drain loop.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Drain replays pending operations in enqueue order per conversation.
// A failed operation blocks the rest of its conversation's queue until
// its retry time, so sends are never reordered. An expired session stops
// the whole drain; everything else only stops one conversation.
func (p *Processor) Drain(ctx context.Context) {
	if !p.machine.Online() {
		return
	}

	ops, err := p.db.PendingOps()
	if err != nil {
		p.logger.Error("failed to read offline queue", zap.Error(err))
		return
	}
	if len(ops) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	var convOrder []string
	byConv := make(map[string][]store.Operation)
	for _, op := range ops {
		if _, seen := byConv[op.ConversationID]; !seen {
			convOrder = append(convOrder, op.ConversationID)
		}
		byConv[op.ConversationID] = append(byConv[op.ConversationID], op)
	}

	for _, conv := range convOrder {
		for i := range byConv[conv] {
			op := byConv[conv][i]
			if op.NextRetryAt > now {
				break // head of line waits out its backoff
			}
			if err := p.process(ctx, &op); err != nil {
				if errors.Is(err, remote.ErrAuth) {
					p.publish("queue.auth_required", op.ID)
					return
				}
				break
			}
		}
	}
}

func (p *Processor) process(ctx context.Context, op *store.Operation) error {
	if err := p.db.MarkOpSyncing(op.ID); err != nil {
		p.logger.Error("failed to mark op syncing", zap.Error(err), zap.String("op_id", op.ID))
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()

	var opErr error
	switch op.Type {
	case store.OpSendMessage:
		opErr = p.processSend(opCtx, op)
	case store.OpMarkRead:
		opErr = p.processMarkRead(opCtx, op)
	default:
		opErr = fmt.Errorf("%w: unknown operation type %q", remote.ErrValidation, op.Type)
	}

	if opErr == nil {
		if err := p.db.CompleteOp(op.ID); err != nil {
			p.logger.Error("failed to complete op", zap.Error(err), zap.String("op_id", op.ID))
			return err
		}
		p.metrics.QueueOp("completed")
		p.publish("queue.op_completed", op.ID)
		return nil
	}

	return p.handleFailure(op, opErr)
}

func (p *Processor) processSend(ctx context.Context, op *store.Operation) error {
	var payload SendMessagePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode send payload: %w", remote.ErrValidation, err)
	}
	msg, err := p.mutator.SendMessage(ctx, op.ConversationID, payload.Content, payload.TempID)
	if err != nil {
		return err
	}
	if err := p.db.ReplaceOptimistic(payload.TempID, msg); err != nil {
		return err
	}
	p.publish("message.upserted", map[string]string{
		"conversation_id": op.ConversationID,
		"msg_id":          msg.ID,
	})
	return nil
}

func (p *Processor) processMarkRead(ctx context.Context, op *store.Operation) error {
	var payload MarkReadPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode mark read payload: %w", remote.ErrValidation, err)
	}
	return p.mutator.MarkRead(ctx, op.ConversationID, payload.UpToSeq)
}

func (p *Processor) handleFailure(op *store.Operation, opErr error) error {
	if errors.Is(opErr, remote.ErrAuth) {
		// Not the operation's fault: park it untouched and surface upward.
		if err := p.db.DeferOp(op.ID); err != nil {
			p.logger.Error("failed to defer op", zap.Error(err), zap.String("op_id", op.ID))
		}
		return opErr
	}

	permanent := remote.IsTerminal(opErr) || op.RetryCount+1 >= op.MaxRetries
	if permanent {
		p.logger.Error("operation permanently failed",
			zap.String("op_id", op.ID),
			zap.String("type", op.Type),
			zap.Int64("retries", op.RetryCount),
			zap.Error(opErr))
		if err := p.db.FailOp(op.ID, opErr.Error()); err != nil {
			p.logger.Error("failed to mark op failed", zap.Error(err), zap.String("op_id", op.ID))
		}
		if op.Type == store.OpSendMessage {
			var payload SendMessagePayload
			if err := json.Unmarshal(op.Payload, &payload); err == nil {
				if err := p.db.MarkSendFailed(payload.TempID); err != nil {
					p.logger.Error("failed to mark message failed", zap.Error(err), zap.String("temp_id", payload.TempID))
				}
				p.publish("message.send_failed", map[string]string{
					"conversation_id": op.ConversationID,
					"temp_id":         payload.TempID,
					"error":           opErr.Error(),
				})
			}
		}
		p.metrics.QueueOp("failed")
		p.publish("queue.op_failed", op.ID)
		return opErr
	}

	delay := p.retryDelay(op.RetryCount)
	nextRetryAt := time.Now().Add(delay).UnixMilli()
	if err := p.db.RescheduleOp(op.ID, opErr.Error(), nextRetryAt); err != nil {
		p.logger.Error("failed to reschedule op", zap.Error(err), zap.String("op_id", op.ID))
	}
	p.metrics.QueueOp("retried")
	p.logger.Warn("operation failed, scheduled retry",
		zap.String("op_id", op.ID),
		zap.Int64("retry", op.RetryCount+1),
		zap.Duration("delay", delay),
		zap.Error(opErr))
	return opErr
}

// retryDelay computes the exponential backoff delay for the given retry
// number.
func (p *Processor) retryDelay(retry int64) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.policy.InitialDelay
	bo.MaxInterval = p.policy.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	delay := bo.NextBackOff()
	for i := int64(0); i < retry; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (p *Processor) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}
