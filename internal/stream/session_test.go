package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/okxtap/internal/storage"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	reads  chan readResult
}

func newFakeConn(results ...readResult) *fakeConn {
	c := &fakeConn{reads: make(chan readResult, len(results)+1)}
	for _, r := range results {
		c.reads <- r
	}
	return c
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.MessageText, r.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error { return nil }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeHandler struct {
	mu         sync.Mutex
	frames     [][]byte
	reconnects int
	err        error
}

func (h *fakeHandler) HandleFrame(_ context.Context, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	h.frames = append(h.frames, cp)
	return h.err
}

func (h *fakeHandler) OnReconnect(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
	return nil
}

type opFrame struct {
	Op   string `json:"op"`
	Args []struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"args"`
}

func decodeOps(t *testing.T, writes [][]byte) []opFrame {
	t.Helper()
	var ops []opFrame
	for _, w := range writes {
		if string(w) == pingPayload {
			continue
		}
		var f opFrame
		require.NoError(t, json.Unmarshal(w, &f))
		ops = append(ops, f)
	}
	return ops
}

func testSession(conns ...*fakeConn) (*Session, *[]time.Duration) {
	s := NewSession(Config{
		URL:          "wss://example.test/ws",
		Instruments:  []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"},
		Channels:     []string{"trades", "books-l2-tbt"},
		PingInterval: time.Minute,
		BackoffBase:  100 * time.Millisecond,
		BackoffCap:   30 * time.Second,
	}, zerolog.Nop())
	var i int
	s.dial = func(context.Context, string) (conn, error) {
		if i >= len(conns) {
			return nil, errors.New("no more connections scripted")
		}
		c := conns[i]
		i++
		return c, nil
	}
	s.randF = func() float64 { return 1 }
	sleeps := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return s, sleeps
}

func TestSessionSubscribesCartesianProduct(t *testing.T) {
	h := &fakeHandler{}
	c := newFakeConn(readResult{err: errors.New("closed")})
	s, _ := testSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	require.Eventually(t, func() bool { return len(decodeOps(t, c.written())) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ops := decodeOps(t, c.written())
	require.Equal(t, "subscribe", ops[0].Op)
	require.Len(t, ops[0].Args, 4)
	require.Equal(t, "trades", ops[0].Args[0].Channel)
	require.Equal(t, "BTC-USDT-SWAP", ops[0].Args[0].InstID)
	require.Equal(t, "books-l2-tbt", ops[0].Args[3].Channel)
	require.Equal(t, "ETH-USDT-SWAP", ops[0].Args[3].InstID)
}

func TestSessionRoutesFramesAndSkipsKeepalives(t *testing.T) {
	h := &fakeHandler{}
	frame := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[]}`)
	c := newFakeConn(
		readResult{data: []byte(pongPayload)},
		readResult{data: frame},
		readResult{err: errors.New("closed")},
	)
	s, _ := testSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.frames) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, frame, h.frames[0])
}

func TestSessionReconnectsAndReplaysSubscriptions(t *testing.T) {
	h := &fakeHandler{}
	frame := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[]}`)
	c1 := newFakeConn(readResult{data: frame}, readResult{err: errors.New("reset by peer")})
	c2 := newFakeConn()
	s, sleeps := testSession(c1, c2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	require.Eventually(t, func() bool { return len(decodeOps(t, c2.written())) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	h.mu.Lock()
	require.Equal(t, 1, h.reconnects)
	h.mu.Unlock()
	require.Equal(t, "subscribe", decodeOps(t, c2.written())[0].Op)

	// first frame arrived before the drop, so the attempt counter was reset
	// and the first backoff uses the base delay
	require.NotEmpty(t, *sleeps)
	require.Equal(t, 100*time.Millisecond, (*sleeps)[0])
}

func TestSessionFiresReconnectHookBeforeRedial(t *testing.T) {
	h := &fakeHandler{}
	c := newFakeConn(readResult{err: errors.New("reset by peer")})
	s, _ := testSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	// the hook fires on the lost connection even though every further dial
	// fails and no replacement connection ever comes up
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.reconnects >= 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSessionReturnsFatalStorageErrors(t *testing.T) {
	h := &fakeHandler{err: storage.MarkFatal(errors.New("schema missing"))}
	frame := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{}]}`)
	c := newFakeConn(readResult{data: frame})
	s, _ := testSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := s.Run(ctx, h)
	require.True(t, storage.IsFatal(err))
}

func TestSessionResubscribeCycle(t *testing.T) {
	h := &fakeHandler{}
	c := newFakeConn()
	s, _ := testSession(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	// request only once the connection is up; earlier requests are discarded
	require.Eventually(t, func() bool { return len(decodeOps(t, c.written())) > 0 }, time.Second, 5*time.Millisecond)
	s.RequestResubscribe("BTC-USDT-SWAP")
	require.Eventually(t, func() bool {
		for _, op := range decodeOps(t, c.written()) {
			if op.Op == "unsubscribe" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ops := decodeOps(t, c.written())
	var cycle []string
	for _, op := range ops {
		if len(op.Args) == 1 && op.Args[0].InstID == "BTC-USDT-SWAP" && op.Args[0].Channel == "books-l2-tbt" {
			cycle = append(cycle, op.Op)
		}
	}
	require.Equal(t, []string{"unsubscribe", "subscribe"}, cycle)
}

func TestSessionDiscardsResubscribeRequestsRaisedWhileDisconnected(t *testing.T) {
	h := &fakeHandler{}
	c := newFakeConn()
	s, _ := testSession(c)

	// raised before any connection exists; the initial subscribe replays
	// every book subscription, so servicing it later would be redundant
	s.RequestResubscribe("BTC-USDT-SWAP")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	require.Eventually(t, func() bool { return len(decodeOps(t, c.written())) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, op := range decodeOps(t, c.written()) {
		require.NotEqual(t, "unsubscribe", op.Op)
	}
}

func TestFullJitterBounds(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 30 * time.Second

	// randF pinned to 1 yields the ceiling itself
	one := func() float64 { return 1 }
	require.Equal(t, base, fullJitter(0, base, cap, one))
	require.Equal(t, 2*base, fullJitter(1, base, cap, one))
	require.Equal(t, 8*base, fullJitter(3, base, cap, one))
	require.Equal(t, cap, fullJitter(10, base, cap, one))
	require.Equal(t, cap, fullJitter(400, base, cap, one))

	require.Zero(t, fullJitter(5, base, cap, func() float64 { return 0 }))

	for attempt := 0; attempt < 20; attempt++ {
		d := fullJitter(attempt, base, cap, func() float64 { return 0.5 })
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, cap)
	}
}
