// Package batch implements per-channel record buffering and the periodic
// flush scheduler that drains every buffer into storage.
package batch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/storage"
)

// Sink persists one batch of rows. The rows slice is owned by the callee for
// the duration of the call only.
type Sink[T any] func(ctx context.Context, rows []T) error

// Flusher is the scheduler-facing surface of a batcher.
type Flusher interface {
	Flush(ctx context.Context) error
	Kind() string
	Len() int
}

// Batcher accumulates records of one kind and hands them to its sink either
// when the buffer reaches maxSize or when Flush is called. A failed batch is
// dropped, never re-queued, so the buffer stays bounded by maxSize.
type Batcher[T any] struct {
	kind    string
	maxSize int
	sink    Sink[T]
	log     zerolog.Logger

	mu  sync.Mutex
	buf []T
}

// NewBatcher constructs a batcher for one record kind.
func NewBatcher[T any](kind string, maxSize int, sink Sink[T], log zerolog.Logger) *Batcher[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Batcher[T]{
		kind:    kind,
		maxSize: maxSize,
		sink:    sink,
		log:     observability.Component(log, "batcher."+kind),
		buf:     make([]T, 0, maxSize),
	}
}

// Kind reports the record kind this batcher buffers.
func (b *Batcher[T]) Kind() string { return b.kind }

// Len reports the number of buffered records.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Append buffers one record and flushes synchronously once the buffer
// reaches its size limit.
func (b *Batcher[T]) Append(ctx context.Context, rec T) error {
	b.mu.Lock()
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.maxSize {
		b.mu.Unlock()
		return nil
	}
	rows := b.takeLocked()
	b.mu.Unlock()
	return b.write(ctx, rows)
}

// AppendAll buffers a group of records, flushing whenever the buffer fills.
func (b *Batcher[T]) AppendAll(ctx context.Context, recs []T) error {
	for _, rec := range recs {
		if err := b.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes out whatever is buffered. Flushing an empty buffer is a
// no-op and never touches the sink.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	rows := b.takeLocked()
	b.mu.Unlock()
	return b.write(ctx, rows)
}

// takeLocked swaps the buffer out, leaving a fresh one behind. Caller holds
// the mutex.
func (b *Batcher[T]) takeLocked() []T {
	rows := b.buf
	b.buf = make([]T, 0, b.maxSize)
	return rows
}

func (b *Batcher[T]) write(ctx context.Context, rows []T) error {
	err := b.sink(ctx, rows)
	if err == nil {
		observability.Telemetry().IncCounter(observability.MetricFlushedRowsTotal, float64(len(rows)), map[string]string{"kind": b.kind})
		return nil
	}
	observability.Telemetry().IncCounter(observability.MetricWriteErrorsTotal, 1, map[string]string{"kind": b.kind})
	if storage.IsTransient(err) {
		b.log.Warn().Err(err).Int("rows", len(rows)).Msg("flush failed, batch dropped")
		return err
	}
	b.log.Error().Err(err).Int("rows", len(rows)).Msg("flush failed, batch dropped")
	return err
}
