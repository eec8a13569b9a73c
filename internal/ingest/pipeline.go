// Package ingest turns raw websocket frames into typed records and routes
// them into per-channel batchers.
package ingest

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/okxtap/internal/batch"
	"github.com/coachpo/okxtap/internal/book"
	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/schema"
	"github.com/coachpo/okxtap/internal/storage"
)

// Config carries the pipeline's tunables.
type Config struct {
	BatchMaxSize int
	MaxDepth     int
	BookChannel  string
}

// Pipeline demuxes venue frames by channel into typed batchers backed by
// one storage writer. Malformed records are counted and dropped; they never
// produce sentinel rows.
type Pipeline struct {
	log   zerolog.Logger
	books *book.Handler
	now   func() int64

	trades    *batch.Batcher[schema.Trade]
	funding   *batch.Batcher[schema.FundingRate]
	marks     *batch.Batcher[schema.MarkPrice]
	tickers   *batch.Batcher[schema.Ticker]
	oi        *batch.Batcher[schema.OpenInterest]
	idx       *batch.Batcher[schema.IndexTicker]
	liqs      *batch.Batcher[schema.Liquidation]
	deltas    *batch.Batcher[schema.BookDelta]
	snapshots *batch.Batcher[schema.BookSnapshotRow]
}

// NewPipeline wires one batcher per record kind onto the writer and builds
// the order-book handler over the two book batchers.
func NewPipeline(w storage.Writer, resub book.Resubscriber, cfg Config, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		log:       observability.Component(log, "pipeline"),
		now:       func() int64 { return time.Now().UnixMilli() },
		trades:    batch.NewBatcher("trades", cfg.BatchMaxSize, w.AppendTrades, log),
		funding:   batch.NewBatcher("funding_rates", cfg.BatchMaxSize, w.AppendFundingRates, log),
		marks:     batch.NewBatcher("mark_prices", cfg.BatchMaxSize, w.AppendMarkPrices, log),
		tickers:   batch.NewBatcher("tickers", cfg.BatchMaxSize, w.AppendTickers, log),
		oi:        batch.NewBatcher("open_interest", cfg.BatchMaxSize, w.AppendOpenInterest, log),
		idx:       batch.NewBatcher("index_tickers", cfg.BatchMaxSize, w.AppendIndexTickers, log),
		liqs:      batch.NewBatcher("liquidations", cfg.BatchMaxSize, w.AppendLiquidations, log),
		deltas:    batch.NewBatcher("orderbook_updates", cfg.BatchMaxSize, w.AppendBookDeltas, log),
		snapshots: batch.NewBatcher("orderbook_snapshots", cfg.BatchMaxSize, w.AppendBookSnapshots, log),
	}
	p.books = book.NewHandler(cfg.BookChannel, cfg.MaxDepth, p.deltas, p.snapshots, resub, log)
	return p
}

// Books exposes the order-book handler for the periodic materializer.
func (p *Pipeline) Books() *book.Handler { return p.books }

// Flushers lists every batcher in a fixed drain order.
func (p *Pipeline) Flushers() []batch.Flusher {
	return []batch.Flusher{
		p.trades, p.deltas, p.snapshots, p.funding,
		p.marks, p.tickers, p.oi, p.idx, p.liqs,
	}
}

// OnReconnect checkpoints and resets order-book state; the venue replays
// snapshots once the session resubscribes.
func (p *Pipeline) OnReconnect(ctx context.Context) error {
	return p.books.OnReconnect(ctx)
}

// HandleFrame processes one inbound text frame. Subscription acks and venue
// errors are logged and dropped. The returned error is a storage failure
// surfaced by a size-triggered flush; parse failures are never returned.
func (p *Pipeline) HandleFrame(ctx context.Context, raw []byte) error {
	var env schema.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		observability.Telemetry().IncCounter(observability.MetricParseErrorsTotal, 1, map[string]string{"channel": "unknown"})
		p.log.Debug().Err(err).Msg("dropping undecodable frame")
		return nil
	}
	if env.Event != "" {
		p.handleEvent(env)
		return nil
	}
	if len(env.Data) == 0 {
		return nil
	}
	kind, ok := schema.KindForChannel(env.Arg.Channel)
	if !ok {
		p.log.Debug().Str("channel", env.Arg.Channel).Msg("dropping frame for unknown channel")
		return nil
	}
	tsIngest := p.now()
	observability.Telemetry().IncCounter(observability.MetricEventsTotal, float64(len(env.Data)),
		map[string]string{"channel": env.Arg.Channel, "inst_id": env.Arg.InstID})

	switch kind {
	case schema.KindTrade:
		return dispatch(ctx, p, env, tsIngest, schema.ParseTrade, p.trades, func(r schema.Trade) int64 { return r.TsEvent })
	case schema.KindFundingRate:
		return dispatch(ctx, p, env, tsIngest, schema.ParseFundingRate, p.funding, func(r schema.FundingRate) int64 { return r.TsEvent })
	case schema.KindMarkPrice:
		return dispatch(ctx, p, env, tsIngest, schema.ParseMarkPrice, p.marks, func(r schema.MarkPrice) int64 { return r.TsEvent })
	case schema.KindTicker:
		return dispatch(ctx, p, env, tsIngest, schema.ParseTicker, p.tickers, func(r schema.Ticker) int64 { return r.TsEvent })
	case schema.KindOpenInterest:
		return dispatch(ctx, p, env, tsIngest, schema.ParseOpenInterest, p.oi, func(r schema.OpenInterest) int64 { return r.TsEvent })
	case schema.KindIndexTicker:
		return dispatch(ctx, p, env, tsIngest, schema.ParseIndexTicker, p.idx, func(r schema.IndexTicker) int64 { return r.TsEvent })
	case schema.KindLiquidation:
		return p.handleLiquidations(ctx, env, tsIngest)
	case schema.KindBook:
		return p.handleBook(ctx, env, tsIngest)
	}
	return nil
}

func (p *Pipeline) handleEvent(env schema.Envelope) {
	switch env.Event {
	case "subscribe", "unsubscribe":
		p.log.Debug().Str("event", env.Event).Str("channel", env.Arg.Channel).
			Str("inst_id", env.Arg.InstID).Msg("subscription acknowledged")
	case "error":
		p.log.Warn().Str("code", env.Code).Str("msg", env.Msg).Msg("venue error event")
	default:
		p.log.Debug().Str("event", env.Event).Msg("ignoring venue event")
	}
}

// dispatch parses every element of a frame with one parser and appends the
// survivors to one batcher.
func dispatch[T any](
	ctx context.Context,
	p *Pipeline,
	env schema.Envelope,
	tsIngest int64,
	parse func(json.RawMessage, string, int64) (T, error),
	b *batch.Batcher[T],
	eventTs func(T) int64,
) error {
	for _, raw := range env.Data {
		rec, err := parse(raw, env.Arg.InstID, tsIngest)
		if err != nil {
			p.countParseError(env.Arg.Channel, err)
			continue
		}
		p.recordStaleness(env.Arg.Channel, env.Arg.InstID, tsIngest, eventTs(rec))
		if err := b.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleLiquidations(ctx context.Context, env schema.Envelope, tsIngest int64) error {
	for _, raw := range env.Data {
		recs, err := schema.ParseLiquidation(raw, env.Arg.InstID, tsIngest)
		if err != nil {
			p.countParseError(env.Arg.Channel, err)
			continue
		}
		for _, rec := range recs {
			p.recordStaleness(env.Arg.Channel, env.Arg.InstID, tsIngest, rec.TsEvent)
		}
		if err := p.liqs.AppendAll(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

// handleBook routes book frames by action. Anything that is not explicitly
// an update is treated as a snapshot, matching the venue's omission of the
// action field on non-tbt book channels.
func (p *Pipeline) handleBook(ctx context.Context, env schema.Envelope, tsIngest int64) error {
	for _, raw := range env.Data {
		f, err := schema.ParseBookFrame(raw)
		if err != nil {
			p.countParseError(env.Arg.Channel, err)
			continue
		}
		var hErr error
		if env.Action == "update" {
			hErr = p.books.OnDelta(ctx, env.Arg.InstID, f, tsIngest)
		} else {
			hErr = p.books.OnSnapshot(ctx, env.Arg.InstID, f, tsIngest)
		}
		if hErr != nil {
			return hErr
		}
	}
	return nil
}

func (p *Pipeline) countParseError(channel string, err error) {
	observability.Telemetry().IncCounter(observability.MetricParseErrorsTotal, 1, map[string]string{"channel": channel})
	p.log.Debug().Err(err).Str("channel", channel).Msg("dropping unparsable record")
}

func (p *Pipeline) recordStaleness(channel, instID string, tsIngest, tsEvent int64) {
	if tsEvent <= 0 {
		return
	}
	observability.Telemetry().SetGauge(observability.MetricStalenessMs, float64(tsIngest-tsEvent),
		map[string]string{"channel": channel, "inst_id": instID})
}
