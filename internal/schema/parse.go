package schema

import (
	"strconv"

	json "github.com/goccy/go-json"
)

// Venue payloads carry every numeric as a decimal string and omit fields
// freely. Parsers below zero-fill anything absent or malformed; a record is
// rejected only when the payload itself is not valid JSON.

func asFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func asInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseTrade decodes one element of a trades frame.
func ParseTrade(raw json.RawMessage, instID string, tsIngest int64) (Trade, error) {
	var p struct {
		InstID  string `json:"instId"`
		TradeID string `json:"tradeId"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		Side    string `json:"side"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Trade{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return Trade{
		Instrument: instID,
		TsEvent:    asInt64(p.Ts),
		TradeID:    p.TradeID,
		Price:      asFloat(p.Px),
		Size:       asFloat(p.Sz),
		Side:       p.Side,
		TsIngest:   tsIngest,
	}, nil
}

// ParseFundingRate decodes one element of a funding-rate frame.
func ParseFundingRate(raw json.RawMessage, instID string, tsIngest int64) (FundingRate, error) {
	var p struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
		Ts              string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return FundingRate{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return FundingRate{
		Instrument:      instID,
		FundingRate:     asFloat(p.FundingRate),
		FundingTime:     asInt64(p.FundingTime),
		NextFundingTime: asInt64(p.NextFundingTime),
		TsEvent:         asInt64(p.Ts),
		TsIngest:        tsIngest,
	}, nil
}

// ParseMarkPrice decodes one element of a mark-price frame.
func ParseMarkPrice(raw json.RawMessage, instID string, tsIngest int64) (MarkPrice, error) {
	var p struct {
		InstID string `json:"instId"`
		MarkPx string `json:"markPx"`
		IdxPx  string `json:"idxPx"`
		IdxTs  string `json:"idxTs"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return MarkPrice{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return MarkPrice{
		Instrument: instID,
		MarkPx:     asFloat(p.MarkPx),
		IdxPx:      asFloat(p.IdxPx),
		IdxTs:      asInt64(p.IdxTs),
		TsEvent:    asInt64(p.Ts),
		TsIngest:   tsIngest,
	}, nil
}

// ParseTicker decodes one element of a tickers frame.
func ParseTicker(raw json.RawMessage, instID string, tsIngest int64) (Ticker, error) {
	var p struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		LastSz    string `json:"lastSz"`
		BidPx     string `json:"bidPx"`
		BidSz     string `json:"bidSz"`
		AskPx     string `json:"askPx"`
		AskSz     string `json:"askSz"`
		Open24h   string `json:"open24h"`
		High24h   string `json:"high24h"`
		Low24h    string `json:"low24h"`
		Vol24h    string `json:"vol24h"`
		VolCcy24h string `json:"volCcy24h"`
		Ts        string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Ticker{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return Ticker{
		Instrument: instID,
		Last:       asFloat(p.Last),
		LastSz:     asFloat(p.LastSz),
		BidPx:      asFloat(p.BidPx),
		BidSz:      asFloat(p.BidSz),
		AskPx:      asFloat(p.AskPx),
		AskSz:      asFloat(p.AskSz),
		Open24h:    asFloat(p.Open24h),
		High24h:    asFloat(p.High24h),
		Low24h:     asFloat(p.Low24h),
		Vol24h:     asFloat(p.Vol24h),
		VolCcy24h:  asFloat(p.VolCcy24h),
		TsEvent:    asInt64(p.Ts),
		TsIngest:   tsIngest,
	}, nil
}

// ParseOpenInterest decodes one element of an open-interest frame.
func ParseOpenInterest(raw json.RawMessage, instID string, tsIngest int64) (OpenInterest, error) {
	var p struct {
		InstID string `json:"instId"`
		OI     string `json:"oi"`
		OICcy  string `json:"oiCcy"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return OpenInterest{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return OpenInterest{
		Instrument: instID,
		OI:         asFloat(p.OI),
		OICcy:      asFloat(p.OICcy),
		TsEvent:    asInt64(p.Ts),
		TsIngest:   tsIngest,
	}, nil
}

// ParseIndexTicker decodes one element of an index-tickers frame.
func ParseIndexTicker(raw json.RawMessage, instID string, tsIngest int64) (IndexTicker, error) {
	var p struct {
		InstID  string `json:"instId"`
		IdxPx   string `json:"idxPx"`
		Open24h string `json:"open24h"`
		High24h string `json:"high24h"`
		Low24h  string `json:"low24h"`
		SodUtc0 string `json:"sodUtc0"`
		SodUtc8 string `json:"sodUtc8"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return IndexTicker{}, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	return IndexTicker{
		Instrument: instID,
		IdxPx:      asFloat(p.IdxPx),
		Open24h:    asFloat(p.Open24h),
		High24h:    asFloat(p.High24h),
		Low24h:     asFloat(p.Low24h),
		SodUtc0:    asFloat(p.SodUtc0),
		SodUtc8:    asFloat(p.SodUtc8),
		TsEvent:    asInt64(p.Ts),
		TsIngest:   tsIngest,
	}, nil
}

// ParseLiquidation decodes one element of a liquidation-orders frame. The
// venue nests fills under details; each detail becomes its own record.
func ParseLiquidation(raw json.RawMessage, instID string, tsIngest int64) ([]Liquidation, error) {
	var p struct {
		InstID  string `json:"instId"`
		Details []struct {
			PosSide string `json:"posSide"`
			Side    string `json:"side"`
			Sz      string `json:"sz"`
			BkPx    string `json:"bkPx"`
			BkLoss  string `json:"bkLoss"`
			Ccy     string `json:"ccy"`
			Ts      string `json:"ts"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.InstID != "" {
		instID = p.InstID
	}
	out := make([]Liquidation, 0, len(p.Details))
	for _, d := range p.Details {
		out = append(out, Liquidation{
			Instrument: instID,
			PosSide:    d.PosSide,
			Side:       d.Side,
			Size:       asFloat(d.Sz),
			BkPx:       asFloat(d.BkPx),
			BkLoss:     asFloat(d.BkLoss),
			Ccy:        d.Ccy,
			TsEvent:    asInt64(d.Ts),
			TsIngest:   tsIngest,
		})
	}
	return out, nil
}

// ParseBookFrame decodes one element of an order-book frame.
func ParseBookFrame(raw json.RawMessage) (BookFrame, error) {
	var f BookFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return BookFrame{}, err
	}
	return f, nil
}
