// Package postgres implements the storage writer on PostgreSQL with
// batched, deduplicating inserts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/schema"
	"github.com/coachpo/okxtap/internal/storage"
)

// Writer persists record batches into the relational schema. Every insert
// carries the table's natural key in ON CONFLICT DO NOTHING form, so
// replaying a batch after a transient failure cannot duplicate rows.
type Writer struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

const readinessWindow = time.Minute

// Connect opens a pool against dsn and waits for the database to become
// reachable, retrying the readiness ping with exponential backoff for up to
// a minute.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*Writer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	backoffCfg := backoff.NewExponentialBackOff()
	deadline := time.Now().Add(readinessWindow)
	for {
		pingErr := pool.Ping(ctx)
		if pingErr == nil {
			break
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			pool.Close()
			return nil, fmt.Errorf("database not reachable: %w", pingErr)
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("database not reachable: %w", pingErr)
		case <-time.After(sleep):
		}
	}
	return &Writer{pool: pool, log: observability.Component(log, "postgres")}, nil
}

// Close releases the pool.
func (w *Writer) Close(context.Context) error {
	w.pool.Close()
	return nil
}

const (
	tradeInsertSQL = `
INSERT INTO trades (instid, ts_event_ms, tradeid, price, size, side, ts_ingest_ms)
VALUES (@instid, @ts_event_ms, @tradeid, @price, @size, @side, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms, tradeid) DO NOTHING;
`

	fundingRateInsertSQL = `
INSERT INTO funding_rates (instid, funding_rate, funding_time_ms, next_funding_time_ms, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @funding_rate, @funding_time_ms, @next_funding_time_ms, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	markPriceInsertSQL = `
INSERT INTO mark_prices (instid, mark_px, idx_px, idx_ts_ms, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @mark_px, @idx_px, @idx_ts_ms, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	tickerInsertSQL = `
INSERT INTO tickers (instid, last, last_sz, bid_px, bid_sz, ask_px, ask_sz,
    open_24h, high_24h, low_24h, vol_24h, vol_ccy_24h, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @last, @last_sz, @bid_px, @bid_sz, @ask_px, @ask_sz,
    @open_24h, @high_24h, @low_24h, @vol_24h, @vol_ccy_24h, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	openInterestInsertSQL = `
INSERT INTO open_interest (instid, oi, oi_ccy, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @oi, @oi_ccy, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	indexTickerInsertSQL = `
INSERT INTO index_tickers (instid, idx_px, open_24h, high_24h, low_24h, sod_utc0, sod_utc8, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @idx_px, @open_24h, @high_24h, @low_24h, @sod_utc0, @sod_utc8, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	liquidationInsertSQL = `
INSERT INTO liquidations (instid, pos_side, side, size, bk_px, bk_loss, ccy, ts_event_ms, ts_ingest_ms)
VALUES (@instid, @pos_side, @side, @size, @bk_px, @bk_loss, @ccy, @ts_event_ms, @ts_ingest_ms)
ON CONFLICT (instid, ts_event_ms, pos_side, side) DO NOTHING;
`

	bookDeltaInsertSQL = `
INSERT INTO orderbook_updates (instid, ts_event_ms, ts_ingest_ms, bids_delta, asks_delta, checksum)
VALUES (@instid, @ts_event_ms, @ts_ingest_ms, @bids_delta::jsonb, @asks_delta::jsonb, @checksum)
ON CONFLICT (instid, ts_event_ms) DO NOTHING;
`

	bookSnapshotInsertSQL = `
INSERT INTO orderbook_snapshots (snapshot_id, instid, ts_event_ms, side, price, size, level)
VALUES (@snapshot_id, @instid, @ts_event_ms, @side, @price, @size, @level)
ON CONFLICT (instid, ts_event_ms, snapshot_id, side, price) DO NOTHING;
`
)

// AppendTrades persists executed trades.
func (w *Writer) AppendTrades(ctx context.Context, rows []schema.Trade) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(tradeInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"ts_event_ms":  r.TsEvent,
			"tradeid":      r.TradeID,
			"price":        r.Price,
			"size":         r.Size,
			"side":         r.Side,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "trades", b)
}

// AppendFundingRates persists funding-rate observations.
func (w *Writer) AppendFundingRates(ctx context.Context, rows []schema.FundingRate) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(fundingRateInsertSQL, pgx.NamedArgs{
			"instid":               r.Instrument,
			"funding_rate":         r.FundingRate,
			"funding_time_ms":      r.FundingTime,
			"next_funding_time_ms": r.NextFundingTime,
			"ts_event_ms":          r.TsEvent,
			"ts_ingest_ms":         r.TsIngest,
		})
	}
	return w.send(ctx, "funding_rates", b)
}

// AppendMarkPrices persists mark-price observations.
func (w *Writer) AppendMarkPrices(ctx context.Context, rows []schema.MarkPrice) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(markPriceInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"mark_px":      r.MarkPx,
			"idx_px":       r.IdxPx,
			"idx_ts_ms":    r.IdxTs,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "mark_prices", b)
}

// AppendTickers persists rolling 24h ticker observations.
func (w *Writer) AppendTickers(ctx context.Context, rows []schema.Ticker) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(tickerInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"last":         r.Last,
			"last_sz":      r.LastSz,
			"bid_px":       r.BidPx,
			"bid_sz":       r.BidSz,
			"ask_px":       r.AskPx,
			"ask_sz":       r.AskSz,
			"open_24h":     r.Open24h,
			"high_24h":     r.High24h,
			"low_24h":      r.Low24h,
			"vol_24h":      r.Vol24h,
			"vol_ccy_24h":  r.VolCcy24h,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "tickers", b)
}

// AppendOpenInterest persists open-interest observations.
func (w *Writer) AppendOpenInterest(ctx context.Context, rows []schema.OpenInterest) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(openInterestInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"oi":           r.OI,
			"oi_ccy":       r.OICcy,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "open_interest", b)
}

// AppendIndexTickers persists index-price observations.
func (w *Writer) AppendIndexTickers(ctx context.Context, rows []schema.IndexTicker) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(indexTickerInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"idx_px":       r.IdxPx,
			"open_24h":     r.Open24h,
			"high_24h":     r.High24h,
			"low_24h":      r.Low24h,
			"sod_utc0":     r.SodUtc0,
			"sod_utc8":     r.SodUtc8,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "index_tickers", b)
}

// AppendLiquidations persists forced-liquidation fills.
func (w *Writer) AppendLiquidations(ctx context.Context, rows []schema.Liquidation) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(liquidationInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"pos_side":     r.PosSide,
			"side":         r.Side,
			"size":         r.Size,
			"bk_px":        r.BkPx,
			"bk_loss":      r.BkLoss,
			"ccy":          r.Ccy,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
		})
	}
	return w.send(ctx, "liquidations", b)
}

// AppendBookDeltas persists incremental book updates with the raw level
// tuples as JSONB.
func (w *Writer) AppendBookDeltas(ctx context.Context, rows []schema.BookDelta) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		bids, err := encodeLevels(r.BidsDelta)
		if err != nil {
			return storage.MarkFatal(fmt.Errorf("encode bids delta: %w", err))
		}
		asks, err := encodeLevels(r.AsksDelta)
		if err != nil {
			return storage.MarkFatal(fmt.Errorf("encode asks delta: %w", err))
		}
		b.Queue(bookDeltaInsertSQL, pgx.NamedArgs{
			"instid":       r.Instrument,
			"ts_event_ms":  r.TsEvent,
			"ts_ingest_ms": r.TsIngest,
			"bids_delta":   bids,
			"asks_delta":   asks,
			"checksum":     r.Checksum,
		})
	}
	return w.send(ctx, "orderbook_updates", b)
}

// AppendBookSnapshots persists materialized book levels.
func (w *Writer) AppendBookSnapshots(ctx context.Context, rows []schema.BookSnapshotRow) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(bookSnapshotInsertSQL, pgx.NamedArgs{
			"snapshot_id": r.SnapshotID,
			"instid":      r.Instrument,
			"ts_event_ms": r.TsEvent,
			"side":        int16(r.Side),
			"price":       r.Price,
			"size":        r.Size,
			"level":       r.Level,
		})
	}
	return w.send(ctx, "orderbook_snapshots", b)
}

func encodeLevels(levels []schema.PriceLevel) (string, error) {
	if len(levels) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(levels)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (w *Writer) send(ctx context.Context, table string, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := w.pool.SendBatch(ctx, b)
	defer func() {
		if cerr := br.Close(); cerr != nil {
			w.log.Debug().Err(cerr).Str("table", table).Msg("batch close")
		}
	}()
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return classify(fmt.Errorf("insert %s: %w", table, err))
		}
	}
	return nil
}

// classify maps database failures onto the retry taxonomy. Authorization,
// missing-schema, and SQL errors cannot heal on retry; everything else,
// connection loss and resource pressure included, is treated as transient.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch prefix := sqlStateClass(pgErr.Code); prefix {
		case "28", "3D", "3F", "42":
			return storage.MarkFatal(err)
		default:
			return storage.MarkTransient(err)
		}
	}
	return storage.MarkTransient(err)
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return code
	}
	return strings.ToUpper(code[:2])
}
