// Package book maintains incremental L2 order-book state per instrument and
// materializes depth-bounded snapshots for persistence.
package book

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/okxtap/internal/schema"
)

// Book is the in-memory L2 state for one instrument. Prices and sizes are
// kept in the venue's original decimal strings; numeric conversion happens
// only when a snapshot is materialized. A book is valid only between a
// snapshot and the next reset: deltas arriving outside that window are
// ignored and an invalid book never materializes. Book is not safe for
// concurrent use; Handler serializes access.
type Book struct {
	instrument string
	valid      bool
	bids       map[string]string
	asks       map[string]string
	lastSeq    int64
	haveSeq    bool
	lastTs     int64
}

// NewBook constructs an empty book for one instrument.
func NewBook(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       make(map[string]string),
		asks:       make(map[string]string),
	}
}

// Instrument reports the instrument this book tracks.
func (b *Book) Instrument() string { return b.instrument }

// Valid reports whether the book has a snapshot baseline.
func (b *Book) Valid() bool { return b.valid }

// Depth reports the current number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// LastSeq reports the sequence id of the last applied frame.
func (b *Book) LastSeq() (int64, bool) {
	return b.lastSeq, b.haveSeq
}

// ApplySnapshot replaces the whole book with the levels of a snapshot frame.
func (b *Book) ApplySnapshot(bids, asks []schema.PriceLevel, tsEvent int64, seq int64, haveSeq bool) {
	b.bids = make(map[string]string, len(bids))
	b.asks = make(map[string]string, len(asks))
	applySide(b.bids, bids)
	applySide(b.asks, asks)
	b.valid = true
	b.lastTs = tsEvent
	b.lastSeq, b.haveSeq = seq, haveSeq
}

// ApplyDelta mutates the book with the levels of an incremental frame. A
// level with non-positive size removes that price. Deltas against a book
// without a snapshot baseline are discarded.
func (b *Book) ApplyDelta(bids, asks []schema.PriceLevel, tsEvent int64, seq int64, haveSeq bool) {
	if !b.valid {
		return
	}
	applySide(b.bids, bids)
	applySide(b.asks, asks)
	b.lastTs = tsEvent
	if haveSeq {
		b.lastSeq, b.haveSeq = seq, true
	}
}

// HasGap reports whether a frame claiming to follow prevSeq breaks the
// sequence chain. Frames without sequence metadata never register a gap,
// nor does any frame against an invalid book.
func (b *Book) HasGap(prevSeq int64, havePrev bool) bool {
	if !b.valid || !havePrev || !b.haveSeq {
		return false
	}
	return prevSeq != b.lastSeq
}

// Reset invalidates the book and discards all state so the next snapshot
// starts fresh.
func (b *Book) Reset() {
	b.valid = false
	b.bids = make(map[string]string)
	b.asks = make(map[string]string)
	b.lastSeq, b.haveSeq = 0, false
	b.lastTs = 0
}

// VerifyChecksum validates the venue checksum against current state.
// TODO: implement the OKX CRC32 over the top 25 bid/ask levels; until then
// every checksum passes.
func (b *Book) VerifyChecksum(checksum int64) bool {
	_ = checksum
	return true
}

// Materialize renders the book into snapshot rows, bids first in descending
// price order, then asks ascending, each side truncated to maxDepth levels.
// Level ranks start at 1. All rows share snapshotID and tsEvent. An invalid
// book yields no rows.
func (b *Book) Materialize(snapshotID uuid.UUID, tsEvent int64, maxDepth int) []schema.BookSnapshotRow {
	if !b.valid || maxDepth <= 0 {
		return nil
	}
	rows := make([]schema.BookSnapshotRow, 0, 2*maxDepth)
	rows = appendSide(rows, b.bids, snapshotID, b.instrument, tsEvent, schema.SideBid, maxDepth, true)
	rows = appendSide(rows, b.asks, snapshotID, b.instrument, tsEvent, schema.SideAsk, maxDepth, false)
	return rows
}

func applySide(side map[string]string, levels []schema.PriceLevel) {
	for _, lv := range levels {
		size, err := decimal.NewFromString(lv.Size)
		if err != nil {
			continue
		}
		if !size.IsPositive() {
			delete(side, lv.Price)
			continue
		}
		side[lv.Price] = lv.Size
	}
}

type sortedLevel struct {
	price decimal.Decimal
	raw   string
	size  string
}

func appendSide(rows []schema.BookSnapshotRow, side map[string]string, snapshotID uuid.UUID, instrument string, tsEvent int64, sideCode uint8, maxDepth int, descending bool) []schema.BookSnapshotRow {
	levels := make([]sortedLevel, 0, len(side))
	for raw, size := range side {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		levels = append(levels, sortedLevel{price: price, raw: raw, size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
	if len(levels) > maxDepth {
		levels = levels[:maxDepth]
	}
	for rank, lv := range levels {
		size, _ := decimal.NewFromString(lv.size)
		rows = append(rows, schema.BookSnapshotRow{
			SnapshotID: snapshotID,
			Instrument: instrument,
			TsEvent:    tsEvent,
			Side:       sideCode,
			Price:      lv.price.InexactFloat64(),
			Size:       size.InexactFloat64(),
			Level:      rank + 1,
		})
	}
	return rows
}
