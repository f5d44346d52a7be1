// Package sync reconciles the local cache with the server of record:
// delta fetches since the last synced sequence, gap detection against the
// server's newest sequence, and bounded gap backfill.
package sync

import (
	"context"
	"time"

	"github.com/msgvault/msgvault/internal/bus"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Options selects how a conversation is synced.
type Options struct {
	// ForceFull discards the incremental path and re-bootstraps the
	// conversation from the server's newest window.
	ForceFull bool
}

// Result describes a finished sync attempt. A failed attempt still
// returns a Result; the engine never surfaces sync errors as Go errors
// to callers, because a failed sync leaves the cache serving what it has.
type Result struct {
	ConversationID string
	Success        bool
	Added          int
	Updated        int
	GapsDetected   int
	GapsFilled     int
	Duration       time.Duration
	Error          string
}

// Engine drives conversation synchronization. One sync runs per
// conversation at a time; concurrent requests for the same conversation
// coalesce onto the in-flight run and share its Result.
type Engine struct {
	db      *store.DB
	source  remote.Source
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	group    singleflight.Group
	timeout  time.Duration
	pageSize int
	window   int

	cancel context.CancelFunc
}

// NewEngine creates a sync engine. window bounds the full-resync
// bootstrap fetch; pageSize bounds each delta page and each gap-fill
// request.
func NewEngine(db *store.DB, source remote.Source, b *bus.Bus, m *metrics.Metrics, timeout time.Duration, pageSize, window int, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if window <= 0 {
		window = 200
	}
	return &Engine{
		db:       db,
		source:   source,
		bus:      b,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
		pageSize: pageSize,
		window:   window,
	}
}

// SyncChat synchronizes one conversation and returns what happened.
// Safe to call from any goroutine; duplicate concurrent calls for the
// same conversation share a single run.
func (e *Engine) SyncChat(ctx context.Context, conversationID string, opts Options) *Result {
	v, _, _ := e.group.Do(conversationID, func() (any, error) {
		return e.run(ctx, conversationID, opts), nil
	})
	return v.(*Result)
}

// Start wires push hints: a sync.requested event carrying a conversation
// id triggers a background delta sync for it.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("sync.requested", 32)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				conv, ok := evt.Payload.(string)
				if !ok || conv == "" {
					continue
				}
				go e.SyncChat(ctx, conv, Options{})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the push-hint listener.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) run(ctx context.Context, conversationID string, opts Options) *Result {
	start := time.Now()
	res := &Result{ConversationID: conversationID}
	e.publish("sync.started", conversationID)

	err := e.doSync(ctx, conversationID, opts, res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		e.metrics.SyncRun("error")
		e.publish("sync.failed", res)
		e.logger.Warn("sync failed",
			zap.String("conversation_id", conversationID),
			zap.Duration("duration", res.Duration),
			zap.Error(err))
		return res
	}

	res.Success = true
	e.metrics.SyncRun("ok")
	e.publish("sync.completed", res)
	e.logger.Info("sync completed",
		zap.String("conversation_id", conversationID),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("gaps_detected", res.GapsDetected),
		zap.Int("gaps_filled", res.GapsFilled),
		zap.Duration("duration", res.Duration))
	return res
}

func (e *Engine) doSync(ctx context.Context, conversationID string, opts Options, res *Result) error {
	st, err := e.db.GetSyncState(conversationID)
	if err != nil {
		return err
	}

	var newest int64
	if opts.ForceFull || st == nil || st.LastSyncedSeq == 0 {
		newest, err = e.fullResync(ctx, conversationID, res)
	} else {
		newest, err = e.deltaSync(ctx, conversationID, st.LastSyncedSeq, res)
	}
	if err != nil {
		return err
	}

	if err := e.reconcileGaps(ctx, conversationID, newest, res); err != nil {
		return err
	}

	// Unread count depends on what is cached, which the merge just changed.
	if err := e.db.RecountUnread(conversationID); err != nil {
		e.logger.Warn("unread recount failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// fullResync bootstraps the conversation from the server's newest window.
// Existing gap records are discarded and rebuilt from what the window
// actually covers.
func (e *Engine) fullResync(ctx context.Context, conversationID string, res *Result) (int64, error) {
	fctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	delta, err := e.source.FetchDelta(fctx, conversationID, 0, e.window)
	if err != nil {
		return 0, err
	}

	msgs := e.validMessages(conversationID, delta.Messages)
	added, updated, err := e.db.UpsertBatch(msgs)
	if err != nil {
		return 0, err
	}
	res.Added += added
	res.Updated += updated

	if err := e.db.DeleteGaps(conversationID); err != nil {
		return 0, err
	}
	if len(msgs) > 0 {
		minSeq := msgs[0].Seq
		for _, m := range msgs {
			if m.Seq < minSeq {
				minSeq = m.Seq
			}
		}
		if minSeq > 1 {
			if err := e.db.RecordGap(conversationID, 1, minSeq-1); err != nil {
				return 0, err
			}
		}
	}

	if err := e.updateState(conversationID, maxSeq(msgs), delta.TotalCount); err != nil {
		return 0, err
	}
	return delta.NewestSeq, nil
}

// deltaSync pages through everything newer than sinceSeq and merges it.
func (e *Engine) deltaSync(ctx context.Context, conversationID string, sinceSeq int64, res *Result) (int64, error) {
	var newest, total int64
	cursor := sinceSeq
	for {
		fctx, cancel := context.WithTimeout(ctx, e.timeout)
		delta, err := e.source.FetchDelta(fctx, conversationID, cursor, e.pageSize)
		cancel()
		if err != nil {
			return 0, err
		}
		newest = delta.NewestSeq
		total = delta.TotalCount

		prev := cursor
		msgs := e.validMessages(conversationID, delta.Messages)
		if len(msgs) > 0 {
			added, updated, err := e.db.UpsertBatch(msgs)
			if err != nil {
				return 0, err
			}
			res.Added += added
			res.Updated += updated
		}
		// Advance past every sequence the page carried, stored or skipped.
		// A cursor that does not move would refetch the same page verbatim;
		// sequences skipped as malformed surface as gaps and are backfilled.
		for _, m := range delta.Messages {
			if m != nil && m.Seq > cursor {
				cursor = m.Seq
			}
		}
		if !delta.HasMore || len(delta.Messages) == 0 {
			break
		}
		if cursor == prev {
			e.logger.Warn("delta page carried no new sequences, stopping pagination",
				zap.String("conversation_id", conversationID),
				zap.Int64("cursor", cursor))
			break
		}
	}

	if err := e.updateState(conversationID, cursor, total); err != nil {
		return 0, err
	}
	return newest, nil
}

// reconcileGaps records newly detected gaps against the server's newest
// sequence and backfills recorded gaps, one bounded request per gap per
// run. A gap is cleared only after the cache proves the range contiguous.
func (e *Engine) reconcileGaps(ctx context.Context, conversationID string, newestSeq int64, res *Result) error {
	detected, err := e.db.DetectGaps(conversationID, newestSeq)
	if err != nil {
		return err
	}
	res.GapsDetected = len(detected)
	for _, g := range detected {
		if err := e.db.RecordGap(conversationID, g.StartSeq, g.EndSeq); err != nil {
			return err
		}
	}

	recorded, err := e.db.Gaps(conversationID)
	if err != nil {
		return err
	}
	for _, g := range recorded {
		filled, err := e.fillGap(ctx, conversationID, g)
		if err != nil {
			// A failed backfill is not fatal: the gap stays recorded and
			// the next sync tries again.
			e.logger.Warn("gap fill failed",
				zap.String("conversation_id", conversationID),
				zap.Int64("start_seq", g.StartSeq),
				zap.Int64("end_seq", g.EndSeq),
				zap.Error(err))
			continue
		}
		if filled {
			res.GapsFilled++
		}
	}
	return nil
}

// fillGap fetches up to pageSize sequences from the newest end of the
// gap. Filling from the newest end keeps the most recent history
// contiguous first; the remainder stays recorded for the next run.
func (e *Engine) fillGap(ctx context.Context, conversationID string, g store.Gap) (bool, error) {
	start, end := g.StartSeq, g.EndSeq
	if end-start+1 > int64(e.pageSize) {
		start = end - int64(e.pageSize) + 1
	}

	fctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msgs, err := e.source.FetchRange(fctx, conversationID, start, end)
	if err != nil {
		return false, err
	}
	if _, _, err := e.db.UpsertBatch(e.validMessages(conversationID, msgs)); err != nil {
		return false, err
	}

	complete, err := e.db.RangeComplete(conversationID, start, end)
	if err != nil {
		return false, err
	}
	if !complete {
		// The server no longer holds part of the range. Leave the gap
		// recorded rather than pretend the history is contiguous.
		return false, nil
	}
	if err := e.db.ClearGap(conversationID, start, end); err != nil {
		return false, err
	}
	return start == g.StartSeq, nil
}

// validMessages drops server messages the cache cannot key: no id or no
// sequence number. A malformed entry skips, it never aborts the batch.
func (e *Engine) validMessages(conversationID string, msgs []*store.Message) []*store.Message {
	out := make([]*store.Message, 0, len(msgs))
	skipped := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" || m.Seq <= 0 {
			skipped++
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	if skipped > 0 {
		e.logger.Warn("skipped malformed server messages",
			zap.String("conversation_id", conversationID), zap.Int("count", skipped))
	}
	return out
}

func (e *Engine) updateState(conversationID string, lastSyncedSeq, totalCount int64) error {
	now := time.Now().UnixMilli()
	upd := store.StateUpdate{LastSyncedAt: &now}
	if lastSyncedSeq > 0 {
		upd.LastSyncedSeq = &lastSyncedSeq
	}
	if totalCount > 0 {
		upd.TotalCount = &totalCount
	}
	return e.db.UpdateSyncState(conversationID, upd)
}

func maxSeq(msgs []*store.Message) int64 {
	var m int64
	for _, msg := range msgs {
		if msg.Seq > m {
			m = msg.Seq
		}
	}
	return m
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}
