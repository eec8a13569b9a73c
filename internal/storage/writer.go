// Package storage defines the persistence contract the ingest pipeline
// writes through and the failure classification callers use to decide
// between retrying and shutting down.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/coachpo/okxtap/internal/schema"
)

// Writer persists batches of records. Implementations must deduplicate on
// the natural key of each record kind so that a retried batch is harmless.
// All methods honor context cancellation.
type Writer interface {
	AppendTrades(ctx context.Context, rows []schema.Trade) error
	AppendFundingRates(ctx context.Context, rows []schema.FundingRate) error
	AppendMarkPrices(ctx context.Context, rows []schema.MarkPrice) error
	AppendTickers(ctx context.Context, rows []schema.Ticker) error
	AppendOpenInterest(ctx context.Context, rows []schema.OpenInterest) error
	AppendIndexTickers(ctx context.Context, rows []schema.IndexTicker) error
	AppendLiquidations(ctx context.Context, rows []schema.Liquidation) error
	AppendBookDeltas(ctx context.Context, rows []schema.BookDelta) error
	AppendBookSnapshots(ctx context.Context, rows []schema.BookSnapshotRow) error
	Close(ctx context.Context) error
}

// Marker errors for failure classification. Transient failures keep the
// batch in place for the next flush attempt; fatal failures terminate the
// process.
var (
	ErrTransient = errors.New("transient storage failure")
	ErrFatal     = errors.New("fatal storage failure")
)

// MarkTransient wraps err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// MarkFatal wraps err as unrecoverable.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err carries the fatal marker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
