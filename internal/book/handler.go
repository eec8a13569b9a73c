package book

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coachpo/okxtap/internal/batch"
	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/schema"
)

// Resubscriber requests a fresh subscription for one instrument so the
// venue replays a full book snapshot.
type Resubscriber interface {
	RequestResubscribe(instrument string)
}

// Handler owns the per-instrument books and routes snapshot and delta
// frames into them. Every delta is persisted as-is; full views are
// persisted on a timer and whenever a sequence gap forces a reset.
type Handler struct {
	channel   string
	maxDepth  int
	deltas    *batch.Batcher[schema.BookDelta]
	snapshots *batch.Batcher[schema.BookSnapshotRow]
	resub     Resubscriber
	log       zerolog.Logger

	newID func() uuid.UUID
	now   func() int64

	mu    sync.Mutex
	books map[string]*Book
}

// NewHandler constructs a book handler writing through the given batchers.
func NewHandler(channel string, maxDepth int, deltas *batch.Batcher[schema.BookDelta], snapshots *batch.Batcher[schema.BookSnapshotRow], resub Resubscriber, log zerolog.Logger) *Handler {
	return &Handler{
		channel:   channel,
		maxDepth:  maxDepth,
		deltas:    deltas,
		snapshots: snapshots,
		resub:     resub,
		log:       observability.Component(log, "orderbook"),
		newID:     uuid.New,
		now:       func() int64 { return time.Now().UnixMilli() },
		books:     make(map[string]*Book),
	}
}

// OnSnapshot replaces an instrument's book and materializes the fresh view.
func (h *Handler) OnSnapshot(ctx context.Context, instrument string, f schema.BookFrame, tsIngest int64) error {
	seq, haveSeq := f.Seq()
	tsEvent := parseMillis(f.Ts)
	h.mu.Lock()
	b := h.bookLocked(instrument)
	b.ApplySnapshot(schema.Levels(f.Bids), schema.Levels(f.Asks), tsEvent, seq, haveSeq)
	rows := b.Materialize(h.newID(), tsEvent, h.maxDepth)
	h.mu.Unlock()
	return h.snapshots.AppendAll(ctx, rows)
}

// OnDelta applies an incremental frame. On a sequence gap the mutated book
// is materialized one last time, reset, and a resubscribe is requested so
// the venue replays a snapshot; the delta row is persisted either way.
func (h *Handler) OnDelta(ctx context.Context, instrument string, f schema.BookFrame, tsIngest int64) error {
	seq, haveSeq := f.Seq()
	prevSeq, havePrev := f.PrevSeq()
	tsEvent := parseMillis(f.Ts)
	bids := schema.Levels(f.Bids)
	asks := schema.Levels(f.Asks)

	h.mu.Lock()
	b := h.bookLocked(instrument)
	gap := b.HasGap(prevSeq, havePrev)
	if gap {
		observability.Telemetry().IncCounter(observability.MetricGapsTotal, 1,
			map[string]string{"inst_id": instrument, "channel": h.channel})
		h.log.Warn().Str("inst_id", instrument).
			Int64("prev_seq", prevSeq).Int64("last_seq", b.lastSeq).
			Msg("sequence gap, resetting book")
	}
	b.ApplyDelta(bids, asks, tsEvent, seq, haveSeq)
	if !b.VerifyChecksum(f.Checksum) {
		observability.Telemetry().IncCounter(observability.MetricChecksumFails, 1,
			map[string]string{"inst_id": instrument})
	}
	var rows []schema.BookSnapshotRow
	if gap {
		rows = b.Materialize(h.newID(), tsEvent, h.maxDepth)
		b.Reset()
	}
	h.mu.Unlock()

	if gap {
		if err := h.snapshots.AppendAll(ctx, rows); err != nil {
			return err
		}
		if h.resub != nil {
			h.resub.RequestResubscribe(instrument)
		}
	}
	return h.deltas.Append(ctx, schema.BookDelta{
		Instrument: instrument,
		TsEvent:    tsEvent,
		TsIngest:   tsIngest,
		BidsDelta:  bids,
		AsksDelta:  asks,
		Checksum:   f.Checksum,
	})
}

// MaterializeAll renders every valid book once, each under its own snapshot
// id, stamped with that book's last event time.
func (h *Handler) MaterializeAll(ctx context.Context) error {
	h.mu.Lock()
	rows := h.materializeLocked()
	h.mu.Unlock()
	return h.snapshots.AppendAll(ctx, rows)
}

// materializeLocked renders every valid book in instrument order. Caller
// holds the mutex. Books that never saw an event timestamp fall back to the
// wall clock.
func (h *Handler) materializeLocked() []schema.BookSnapshotRow {
	instruments := make([]string, 0, len(h.books))
	for inst := range h.books {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	var rows []schema.BookSnapshotRow
	for _, inst := range instruments {
		b := h.books[inst]
		ts := b.lastTs
		if ts == 0 {
			ts = h.now()
		}
		rows = append(rows, b.Materialize(h.newID(), ts, h.maxDepth)...)
	}
	return rows
}

// RunPeriodic materializes all books on the given interval until ctx is
// cancelled.
func (h *Handler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.MaterializeAll(ctx); err != nil {
				h.log.Warn().Err(err).Msg("periodic materialize failed")
			}
		}
	}
}

// OnReconnect checkpoints every valid book with a final materialized view,
// then discards all book state; the venue replays snapshots for every
// subscription once the session is back up.
func (h *Handler) OnReconnect(ctx context.Context) error {
	h.mu.Lock()
	rows := h.materializeLocked()
	for _, b := range h.books {
		b.Reset()
	}
	h.mu.Unlock()
	return h.snapshots.AppendAll(ctx, rows)
}

func (h *Handler) bookLocked(instrument string) *Book {
	b, ok := h.books[instrument]
	if !ok {
		b = NewBook(instrument)
		h.books[instrument] = b
	}
	return b
}

func parseMillis(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
