package schema

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Argument names one (channel, instrument) subscription pair on the wire.
type Argument struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

// Envelope is one inbound websocket frame. Frames without data carry
// subscription acknowledgments, errors, or pong replies and never reach
// the pipeline.
type Envelope struct {
	Arg    Argument          `json:"arg"`
	Action string            `json:"action,omitempty"`
	Data   []json.RawMessage `json:"data"`
	Event  string            `json:"event,omitempty"`
	Code   string            `json:"code,omitempty"`
	Msg    string            `json:"msg,omitempty"`
}

// BookFrame is one order-book payload element, shared between snapshots and
// deltas. Levels arrive as [price, size, ...] string tuples; only the first
// two positions carry information.
type BookFrame struct {
	Bids      [][]string  `json:"bids"`
	Asks      [][]string  `json:"asks"`
	Ts        string      `json:"ts"`
	Checksum  int64       `json:"checksum"`
	SeqID     json.Number `json:"seqId"`
	PrevSeqID json.Number `json:"prevSeqId"`
}

// Seq reports the frame's sequence id when the venue supplied one.
func (f BookFrame) Seq() (int64, bool) {
	return seqValue(f.SeqID)
}

// PrevSeq reports the sequence id this frame claims to follow.
func (f BookFrame) PrevSeq() (int64, bool) {
	return seqValue(f.PrevSeqID)
}

func seqValue(n json.Number) (int64, bool) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Levels converts raw [price, size, ...] tuples into price levels, skipping
// malformed entries.
func Levels(raw [][]string) []PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]PriceLevel, 0, len(raw))
	for _, tuple := range raw {
		if len(tuple) < 2 {
			continue
		}
		out = append(out, PriceLevel{Price: tuple[0], Size: tuple[1]})
	}
	return out
}
