package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/storage"
)

// Scheduler drains a fixed set of flushers on a timer. One flusher failing
// never stops the others; a fatal storage failure ends the run so the
// process can shut down.
type Scheduler struct {
	interval     time.Duration
	finalTimeout time.Duration
	flushers     []Flusher
	log          zerolog.Logger
}

// NewScheduler constructs a scheduler over the given flushers. finalTimeout
// bounds the drain pass performed when the context is cancelled.
func NewScheduler(interval, finalTimeout time.Duration, flushers []Flusher, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if finalTimeout <= 0 {
		finalTimeout = 10 * time.Second
	}
	return &Scheduler{
		interval:     interval,
		finalTimeout: finalTimeout,
		flushers:     flushers,
		log:          observability.Component(log, "scheduler"),
	}
}

// Run flushes all batchers every interval until ctx is cancelled, then
// performs one final bounded drain pass before returning. The returned
// error is non-nil only for fatal storage failures.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), s.finalTimeout)
			defer cancel()
			s.FlushAll(drainCtx)
			return nil
		case <-ticker.C:
			if err := s.FlushAll(ctx); err != nil {
				return err
			}
		}
	}
}

// FlushAll flushes every registered flusher once. Transient failures are
// logged and swallowed; the first fatal failure is returned after all
// flushers have run.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	var fatal error
	for _, f := range s.flushers {
		err := f.Flush(ctx)
		if err == nil {
			continue
		}
		if storage.IsFatal(err) && fatal == nil {
			fatal = err
		}
		s.log.Warn().Err(err).Str("kind", f.Kind()).Msg("flush error")
	}
	return fatal
}

// Pending reports the total number of buffered records across flushers.
func (s *Scheduler) Pending() int {
	total := 0
	for _, f := range s.flushers {
		total += f.Len()
	}
	return total
}
