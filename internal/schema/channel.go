// Package schema defines the typed record model for the collector and the
// parsing of venue frames into records.
package schema

import "strings"

// Kind enumerates the record kinds produced by the collector, one per
// subscribed channel family.
type Kind string

const (
	// KindTrade identifies executed-trade records.
	KindTrade Kind = "trades"
	// KindFundingRate identifies funding-rate records.
	KindFundingRate Kind = "funding_rate"
	// KindMarkPrice identifies mark-price records.
	KindMarkPrice Kind = "mark_price"
	// KindTicker identifies 24h ticker records.
	KindTicker Kind = "ticker"
	// KindOpenInterest identifies open-interest records.
	KindOpenInterest Kind = "open_interest"
	// KindIndexTicker identifies index-price ticker records.
	KindIndexTicker Kind = "index_ticker"
	// KindLiquidation identifies liquidation-order records.
	KindLiquidation Kind = "liquidation"
	// KindBook identifies order-book snapshot/delta frames.
	KindBook Kind = "book"
)

// KindForChannel maps a venue wire channel name onto its record kind.
// The venue exposes several order-book channels with identical frame shape;
// all of them route to KindBook.
func KindForChannel(channel string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "trades":
		return KindTrade, true
	case "funding-rate":
		return KindFundingRate, true
	case "mark-price":
		return KindMarkPrice, true
	case "tickers":
		return KindTicker, true
	case "open-interest":
		return KindOpenInterest, true
	case "index-tickers":
		return KindIndexTicker, true
	case "liquidation-orders":
		return KindLiquidation, true
	case "books", "books-l2-tbt", "books50-l2-tbt", "books5":
		return KindBook, true
	default:
		return "", false
	}
}
