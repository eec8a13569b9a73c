// Command okxtap launches the OKX derivatives market-data collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/okxtap/internal/batch"
	"github.com/coachpo/okxtap/internal/config"
	"github.com/coachpo/okxtap/internal/ingest"
	"github.com/coachpo/okxtap/internal/observability"
	"github.com/coachpo/okxtap/internal/storage/postgres"
	"github.com/coachpo/okxtap/internal/stream"
)

const (
	drainTimeout          = 10 * time.Second
	metricsServerShutdown = 5 * time.Second
	metricsReadHeader     = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log := observability.NewLogger(cfg.LogLevel, os.Stdout)
	mainLog := observability.Component(log, "main")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := observability.NewPromMetrics()
	observability.SetMetrics(prom)

	var lifecycle conc.WaitGroup
	metricsServer := startMetricsServer(&lifecycle, prom, cfg.MetricsPort, mainLog)

	if err := postgres.Migrate(rootCtx, cfg.DatabaseURL, observability.Component(log, "migrate")); err != nil {
		mainLog.Error().Err(err).Msg("database migration failed")
		return 1
	}
	writer, err := postgres.Connect(rootCtx, cfg.DatabaseURL, log)
	if err != nil {
		mainLog.Error().Err(err).Msg("storage writer initialisation failed")
		return 1
	}

	session := stream.NewSession(stream.Config{
		URL:         cfg.WSURL,
		Instruments: cfg.Instruments,
		Channels:    cfg.Channels,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, log)
	pipeline := ingest.NewPipeline(writer, session, ingest.Config{
		BatchMaxSize: cfg.BatchMaxSize,
		MaxDepth:     cfg.OrderbookMaxDepth,
		BookChannel:  cfg.BookChannel(),
	}, log)
	scheduler := batch.NewScheduler(cfg.FlushInterval, drainTimeout, pipeline.Flushers(), log)

	// Each stage gets its own context so shutdown can drain in order:
	// stop the session first, then the materializer, then the scheduler,
	// whose cancellation branch performs the final flush.
	sessionCtx, stopSession := context.WithCancel(context.Background())
	bookCtx, stopBooks := context.WithCancel(context.Background())
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopSession()
	defer stopBooks()
	defer stopScheduler()

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.Run(sessionCtx, pipeline) }()

	booksDone := make(chan struct{})
	go func() {
		defer close(booksDone)
		pipeline.Books().RunPeriodic(bookCtx, cfg.SnapshotInterval)
	}()

	schedDone := make(chan error, 1)
	go func() { schedDone <- scheduler.Run(schedCtx) }()

	mainLog.Info().
		Str("ws_url", cfg.WSURL).
		Strs("instruments", cfg.Instruments).
		Strs("channels", cfg.Channels).
		Msg("collector started")

	exitCode := 0
	select {
	case <-rootCtx.Done():
		mainLog.Info().Msg("shutdown signal received")
	case err := <-sessionDone:
		sessionDone <- err
		if err != nil {
			mainLog.Error().Err(err).Msg("session terminated")
			exitCode = 1
		}
	case err := <-schedDone:
		schedDone <- err
		if err != nil {
			mainLog.Error().Err(err).Msg("flush scheduler terminated")
			exitCode = 1
		}
	}

	stopSession()
	if err := <-sessionDone; err != nil {
		exitCode = 1
	}

	stopBooks()
	<-booksDone

	stopScheduler()
	if err := <-schedDone; err != nil {
		mainLog.Error().Err(err).Msg("final drain failed")
		exitCode = 1
	}

	// the scheduler already drained on cancellation; a second pass picks up
	// rows the book checkpoint buffered after that drain started
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), drainTimeout)
	if err := scheduler.FlushAll(flushCtx); err != nil {
		mainLog.Error().Err(err).Msg("defensive flush failed")
	}
	cancelFlush()
	if pending := scheduler.Pending(); pending > 0 {
		mainLog.Warn().Int("rows", pending).Msg("dropping undeliverable buffered rows")
	}

	if err := writer.Close(context.Background()); err != nil {
		mainLog.Warn().Err(err).Msg("closing storage writer")
	}
	shutdownMetricsServer(metricsServer, mainLog)
	lifecycle.Wait()

	mainLog.Info().Int("exit_code", exitCode).Msg("collector stopped")
	return exitCode
}

func startMetricsServer(lifecycle *conc.WaitGroup, prom *observability.PromMetrics, port int, log zerolog.Logger) *http.Server {
	if port <= 0 {
		log.Info().Msg("metrics server disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeader,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	})
	log.Info().Str("addr", server.Addr).Msg("metrics server listening")
	return server
}

func shutdownMetricsServer(server *http.Server, log zerolog.Logger) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsServerShutdown)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
}
