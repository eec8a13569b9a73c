package schema

import "github.com/google/uuid"

// Trade is one executed trade on an instrument.
type Trade struct {
	Instrument string
	TsEvent    int64
	TradeID    string
	Price      float64
	Size       float64
	Side       string
	TsIngest   int64
}

// FundingRate is one funding-rate observation for a perpetual swap.
type FundingRate struct {
	Instrument      string
	FundingRate     float64
	FundingTime     int64
	NextFundingTime int64
	TsEvent         int64
	TsIngest        int64
}

// MarkPrice is one mark-price observation.
type MarkPrice struct {
	Instrument string
	MarkPx     float64
	IdxPx      float64
	IdxTs      int64
	TsEvent    int64
	TsIngest   int64
}

// Ticker is one 24h rolling ticker observation.
type Ticker struct {
	Instrument string
	Last       float64
	LastSz     float64
	BidPx      float64
	BidSz      float64
	AskPx      float64
	AskSz      float64
	Open24h    float64
	High24h    float64
	Low24h     float64
	Vol24h     float64
	VolCcy24h  float64
	TsEvent    int64
	TsIngest   int64
}

// OpenInterest is one open-interest observation.
type OpenInterest struct {
	Instrument string
	OI         float64
	OICcy      float64
	TsEvent    int64
	TsIngest   int64
}

// IndexTicker is one underlying-index price observation.
type IndexTicker struct {
	Instrument string
	IdxPx      float64
	Open24h    float64
	High24h    float64
	Low24h     float64
	SodUtc0    float64
	SodUtc8    float64
	TsEvent    int64
	TsIngest   int64
}

// Liquidation is one forced-liquidation order.
type Liquidation struct {
	Instrument string
	PosSide    string
	Side       string
	Size       float64
	BkPx       float64
	BkLoss     float64
	Ccy        string
	TsEvent    int64
	TsIngest   int64
}

// PriceLevel is a single price level carried in the venue's original decimal
// string form. Prices and sizes stay strings until materialization to avoid
// rounding drift on repeated float round-trips.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookDelta is one incremental order-book update as delivered by the venue.
type BookDelta struct {
	Instrument string
	TsEvent    int64
	TsIngest   int64
	BidsDelta  []PriceLevel
	AsksDelta  []PriceLevel
	Checksum   int64
}

// Book sides for materialized snapshot rows.
const (
	SideBid uint8 = 1
	SideAsk uint8 = 2
)

// BookSnapshotRow is one level of a fully materialized book snapshot.
// All rows of one materialization share a SnapshotID so downstream consumers
// can reconstitute the view atomically.
type BookSnapshotRow struct {
	SnapshotID uuid.UUID
	Instrument string
	TsEvent    int64
	Side       uint8
	Price      float64
	Size       float64
	Level      int
}
