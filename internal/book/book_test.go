package book

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/okxtap/internal/schema"
)

func levels(pairs ...string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, schema.PriceLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func TestApplySnapshotReplacesState(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(levels("64000", "1"), levels("64001", "2"), 1, 10, true)
	b.ApplySnapshot(levels("65000", "3"), levels("65001", "4"), 2, 11, true)

	bids, asks := b.Depth()
	require.Equal(t, 1, bids)
	require.Equal(t, 1, asks)
	seq, ok := b.LastSeq()
	require.True(t, ok)
	require.Equal(t, int64(11), seq)

	rows := b.Materialize(uuid.New(), 2, 10)
	require.Len(t, rows, 2)
	require.Equal(t, 65000.0, rows[0].Price)
	require.Equal(t, 65001.0, rows[1].Price)
}

func TestApplyDeltaNonPositiveSizeDeletes(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(levels("64000", "1", "63999", "2", "63998", "3"), nil, 1, 1, true)
	b.ApplyDelta(levels("64000", "0"), nil, 2, 2, true)

	bids, _ := b.Depth()
	require.Equal(t, 2, bids)

	b.ApplyDelta(levels("63999", "-1"), nil, 3, 3, true)
	bids, _ = b.Depth()
	require.Equal(t, 1, bids)

	// deleting an absent price is a no-op
	b.ApplyDelta(levels("70000", "0"), nil, 4, 4, true)
	bids, _ = b.Depth()
	require.Equal(t, 1, bids)
}

func TestDeltaWithoutSnapshotIsIgnored(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	require.False(t, b.Valid())
	b.ApplyDelta(levels("64000", "1"), nil, 1, 1, true)

	bids, _ := b.Depth()
	require.Zero(t, bids)
	_, haveSeq := b.LastSeq()
	require.False(t, haveSeq)
	require.Empty(t, b.Materialize(uuid.New(), 1, 50))
}

func TestResetInvalidatesBookUntilNextSnapshot(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(levels("64000", "1"), nil, 1, 10, true)
	require.True(t, b.Valid())

	b.Reset()
	require.False(t, b.Valid())
	b.ApplyDelta(levels("97", "5"), nil, 2, 11, true)
	require.Empty(t, b.Materialize(uuid.New(), 2, 50))

	b.ApplySnapshot(levels("64000", "1"), nil, 3, 12, true)
	require.True(t, b.Valid())
	require.Len(t, b.Materialize(uuid.New(), 3, 50), 1)
}

func TestApplyDeltaUpsertsLevels(t *testing.T) {
	b := NewBook("ETH-USDT-SWAP")
	b.ApplySnapshot(levels("3200", "1"), nil, 1, 1, true)
	b.ApplyDelta(levels("3200", "5", "3199", "2"), nil, 2, 2, true)

	rows := b.Materialize(uuid.New(), 3, 10)
	require.Len(t, rows, 2)
	require.Equal(t, 5.0, rows[0].Size)
	require.Equal(t, 3199.0, rows[1].Price)
}

func TestCrossedBookIsAccepted(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(levels("64010", "1"), levels("64000", "1"), 1, 1, true)
	rows := b.Materialize(uuid.New(), 2, 10)
	require.Len(t, rows, 2)
	require.Greater(t, rows[0].Price, rows[1].Price)
}

func TestHasGap(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	require.False(t, b.HasGap(5, true), "no gap before any sequenced frame")

	b.ApplySnapshot(nil, nil, 1, 10, true)
	require.False(t, b.HasGap(10, true))
	require.True(t, b.HasGap(11, true))
	require.False(t, b.HasGap(0, false), "unsequenced frames never gap")

	b.Reset()
	require.False(t, b.HasGap(99, true), "reset clears sequence tracking")
}

func TestMaterializeOrderingAndBounds(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(
		levels("64000", "1", "63999.5", "2", "64000.5", "3", "63998", "4"),
		levels("64002", "1", "64001", "2", "64003.5", "3"),
		1, 1, true)

	id := uuid.New()
	rows := b.Materialize(id, 7, 2)
	require.Len(t, rows, 4)

	// bids first, descending
	require.Equal(t, schema.SideBid, rows[0].Side)
	require.Equal(t, 64000.5, rows[0].Price)
	require.Equal(t, 64000.0, rows[1].Price)
	require.Equal(t, 1, rows[0].Level)
	require.Equal(t, 2, rows[1].Level)

	// then asks, ascending
	require.Equal(t, schema.SideAsk, rows[2].Side)
	require.Equal(t, 64001.0, rows[2].Price)
	require.Equal(t, 64002.0, rows[3].Price)

	for _, r := range rows {
		require.Equal(t, id, r.SnapshotID)
		require.Equal(t, int64(7), r.TsEvent)
	}
}

func TestMaterializeEmptyBook(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	require.Empty(t, b.Materialize(uuid.New(), 1, 50))
}

func TestApplySideSkipsMalformedSizes(t *testing.T) {
	b := NewBook("BTC-USDT-SWAP")
	b.ApplySnapshot(levels("64000", "bogus", "63999", "1"), nil, 1, 1, true)
	bids, _ := b.Depth()
	require.Equal(t, 1, bids)
}
