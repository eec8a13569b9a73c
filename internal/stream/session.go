// Package stream manages the websocket session with the venue: dialing,
// subscription replay, keepalive, and jittered reconnects.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/schema"
	"github.com/coachpo/okxtap/internal/storage"
)

const (
	defaultReadLimit  = 1 << 22
	pingPayload       = "ping"
	pongPayload       = "pong"
	keepaliveGrace    = 5 * time.Second
	subscribeChunkLen = 20
	resubQueueLen     = 64
)

// Handler consumes the frames a session reads. OnReconnect fires when an
// established connection is lost, before the reconnect backoff starts.
type Handler interface {
	HandleFrame(ctx context.Context, raw []byte) error
	OnReconnect(ctx context.Context) error
}

// Config carries the session's connection parameters.
type Config struct {
	URL          string
	Instruments  []string
	Channels     []string
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	ReadLimit    int64
}

// conn is the subset of *websocket.Conn the session uses, split out so
// tests can drive the session with a scripted connection.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

// Session owns one logical venue connection. Run dials, subscribes, and
// pumps frames into the handler, reconnecting with full-jitter backoff on
// any failure. The backoff attempt counter resets once a connection has
// delivered its first frame.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	dial    dialFunc
	limiter *rate.Limiter
	resub   chan string
	randF   func() float64
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSession constructs a session; the frame handler is supplied to Run.
func NewSession(cfg Config, log zerolog.Logger) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Session{
		cfg:     cfg,
		log:     observability.Component(log, "session"),
		dial:    dialWebsocket,
		limiter: rate.NewLimiter(rate.Limit(3), 3),
		resub:   make(chan string, resubQueueLen),
		randF:   rand.Float64,
		sleep:   sleepCtx,
	}
}

func dialWebsocket(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RequestResubscribe queues a fresh book subscription for one instrument.
// Safe to call from any goroutine; a full queue drops the request, and
// requests pending when a new connection starts are discarded since the
// connection's initial subscribe covers every book.
func (s *Session) RequestResubscribe(instrument string) {
	select {
	case s.resub <- instrument:
	default:
	}
}

// Run drives the connect loop until ctx is cancelled, pumping frames into
// handler. The only error it returns is a fatal storage failure surfaced
// through the handler.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c, err := s.dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			if err := s.backoff(ctx, attempt); err != nil {
				return nil
			}
			attempt++
			continue
		}

		gotFrame, err := s.runConn(ctx, c, handler)
		_ = c.Close(websocket.StatusNormalClosure, "")
		if gotFrame {
			attempt = 0
		}
		if ctx.Err() != nil {
			return nil
		}
		if storage.IsFatal(err) {
			return err
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("connection lost")
		}
		observability.Telemetry().IncCounter(observability.MetricReconnectsTotal, 1, nil)
		if hookErr := handler.OnReconnect(ctx); hookErr != nil {
			if storage.IsFatal(hookErr) {
				return hookErr
			}
			s.log.Warn().Err(hookErr).Msg("reconnect hook failed")
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return nil
		}
		attempt++
	}
}

// runConn subscribes and pumps one connection until it fails or ctx ends.
// It reports whether at least one frame was read.
func (s *Session) runConn(ctx context.Context, c conn, handler Handler) (bool, error) {
	if lim, ok := c.(interface{ SetReadLimit(int64) }); ok {
		lim.SetReadLimit(s.cfg.ReadLimit)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Requests queued while no connection was live are stale; the full
	// subscribe below already replays every book subscription.
	s.drainResub()
	if err := s.subscribeAll(connCtx, c); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	go s.pingLoop(connCtx, c, cancel)
	go s.resubLoop(connCtx, c)

	gotFrame := false
	for {
		readCtx, cancelRead := context.WithTimeout(connCtx, s.cfg.PingInterval+keepaliveGrace)
		typ, data, err := c.Read(readCtx)
		cancelRead()
		if err != nil {
			if connCtx.Err() != nil {
				return gotFrame, fmt.Errorf("connection closed: %w", connCtx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return gotFrame, errors.New("keepalive missed")
			}
			return gotFrame, fmt.Errorf("read: %w", err)
		}
		gotFrame = true
		if typ != websocket.MessageText {
			continue
		}
		if len(data) <= 4 {
			if p := string(data); p == pingPayload || p == pongPayload {
				continue
			}
		}
		if err := handler.HandleFrame(connCtx, data); err != nil {
			if storage.IsFatal(err) {
				return gotFrame, err
			}
			s.log.Warn().Err(err).Msg("frame handling failed")
		}
	}
}

// subscribeAll replays the full channel x instrument subscription matrix in
// rate-limited chunks.
func (s *Session) subscribeAll(ctx context.Context, c conn) error {
	args := make([]schema.Argument, 0, len(s.cfg.Channels)*len(s.cfg.Instruments))
	for _, ch := range s.cfg.Channels {
		for _, inst := range s.cfg.Instruments {
			args = append(args, schema.Argument{Channel: ch, InstID: inst})
		}
	}
	for start := 0; start < len(args); start += subscribeChunkLen {
		end := start + subscribeChunkLen
		if end > len(args) {
			end = len(args)
		}
		if err := s.writeOp(ctx, c, "subscribe", args[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeOp(ctx context.Context, c conn, op string, args []schema.Argument) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(struct {
		Op   string            `json:"op"`
		Args []schema.Argument `json:"args"`
	}{Op: op, Args: args})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, payload)
}

func (s *Session) pingLoop(ctx context.Context, c conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Write(ctx, websocket.MessageText, []byte(pingPayload)); err != nil {
				s.log.Warn().Err(err).Msg("ping write failed")
				cancel()
				return
			}
		}
	}
}

// resubLoop services book resubscription requests raised on sequence gaps.
// The venue replays a snapshot on re-subscription, so the cycle is an
// unsubscribe followed by a subscribe for every configured book channel.
func (s *Session) resubLoop(ctx context.Context, c conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case inst := <-s.resub:
			for _, ch := range s.bookChannels() {
				args := []schema.Argument{{Channel: ch, InstID: inst}}
				if err := s.writeOp(ctx, c, "unsubscribe", args); err != nil {
					s.log.Warn().Err(err).Str("inst_id", inst).Msg("unsubscribe failed")
					continue
				}
				if err := s.writeOp(ctx, c, "subscribe", args); err != nil {
					s.log.Warn().Err(err).Str("inst_id", inst).Msg("resubscribe failed")
				}
			}
		}
	}
}

func (s *Session) drainResub() {
	for {
		select {
		case <-s.resub:
		default:
			return
		}
	}
}

func (s *Session) bookChannels() []string {
	out := make([]string, 0, 1)
	for _, ch := range s.cfg.Channels {
		if kind, ok := schema.KindForChannel(ch); ok && kind == schema.KindBook {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Session) backoff(ctx context.Context, attempt int) error {
	return s.sleep(ctx, fullJitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap, s.randF))
}

// fullJitter draws a delay uniformly from [0, min(limit, base*2^attempt)].
func fullJitter(attempt int, base, limit time.Duration, randF func() float64) time.Duration {
	ceiling := limit
	if attempt < 62 {
		scaled := base << uint(attempt)
		if scaled > 0 && scaled < limit {
			ceiling = scaled
		}
	}
	return time.Duration(randF() * float64(ceiling))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
