// Command server runs the speech-processing pipeline: an ingress
// websocket endpoint, a VAD/ASR/diarization worker pool wired through
// an in-process event bus, a completion aggregator, and health/metrics
// endpoints. Grounded on the teacher's main.go start/stop sequencing
// and signal handling.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/streamvox/pipeline/internal/aggregator"
	"github.com/streamvox/pipeline/internal/analyzer/fake"
	"github.com/streamvox/pipeline/internal/config"
	"github.com/streamvox/pipeline/internal/connregistry"
	"github.com/streamvox/pipeline/internal/eventbus"
	"github.com/streamvox/pipeline/internal/health"
	"github.com/streamvox/pipeline/internal/ingress"
	"github.com/streamvox/pipeline/internal/lifecycle"
	"github.com/streamvox/pipeline/internal/session"
	"github.com/streamvox/pipeline/internal/worker"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func run(cfg config.Config, logger *zap.Logger) error {
	bus := eventbus.New(logger, 256)

	sessions, err := newSessionManager(cfg, logger)
	if err != nil {
		return err
	}
	defer sessions.Close()

	vadSvc := &fake.VAD{}
	asrSvc := &fake.ASR{}
	diarSvc := &fake.Diarization{}

	chunkTimeout := time.Duration(cfg.Pipeline.ChunkTimeoutS) * time.Second
	aggTimeout := time.Duration(cfg.Pipeline.AggregationTimeoutS) * time.Second
	cleanupPeriod := time.Duration(cfg.Pipeline.CleanupIntervalS) * time.Second

	// Drop ended sessions from the local cache once their grace period
	// has passed.
	sweepDone := make(chan struct{})
	defer close(sweepDone)
	go func() {
		ticker := time.NewTicker(cleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				sessions.Sweep()
			}
		}
	}()

	var workerOpts []worker.Option
	if cfg.Pipeline.SpeechGateEnabled {
		workerOpts = append(workerOpts, worker.WithSpeechGate("chunk_in.gated"))
	}

	vadWorker := worker.New(vadSvc, bus, "chunk_in", "chunk_result.vad", cfg.Pipeline.MaxInFlight, chunkTimeout, logger, workerOpts...)
	asrInputTopic := "chunk_in"
	if cfg.Pipeline.SpeechGateEnabled {
		asrInputTopic = "chunk_in.gated"
	}
	asrWorker := worker.New(asrSvc, bus, asrInputTopic, "chunk_result.asr", cfg.Pipeline.MaxInFlight, chunkTimeout, logger)
	diarWorker := worker.New(diarSvc, bus, asrInputTopic, "chunk_result.diarization", cfg.Pipeline.MaxInFlight, chunkTimeout, logger)

	resultTopics := []string{"chunk_result.vad", "chunk_result.asr", "chunk_result.diarization"}
	agg := aggregator.New(bus, resultTopics, "chunk_done", aggTimeout, cleanupPeriod, logger)
	if cfg.Pipeline.SpeechGateEnabled {
		agg = agg.WithGatedCompletion(true)
	}

	conns := connregistry.New()
	ing := ingress.New(bus, sessions, conns, ingress.Config{
		MaxChunkBytes:     cfg.Pipeline.MaxChunkBytes,
		MaxInFlight:       cfg.Pipeline.MaxInFlight,
		SampleRateDefault: cfg.Pipeline.SampleRateDefault,
		ChannelsDefault:   cfg.Pipeline.ChannelsDefault,
	}, logger)

	ctrl := lifecycle.New(logger)
	ctrl.Add(lifecycle.Component{
		Name:  "eventbus",
		Start: func(ctx context.Context) error { return nil },
		Stop: func(ctx context.Context) error {
			// §4.6's final teardown step: drop every subscriber so no
			// handler fires against components that have already stopped.
			bus.Clear("")
			return nil
		},
	})
	ctrl.Add(analyzerComponent("vad_worker", vadWorker))
	ctrl.Add(analyzerComponent("asr_worker", asrWorker))
	ctrl.Add(analyzerComponent("diarization_worker", diarWorker))
	ctrl.Add(lifecycle.Component{
		Name:  "aggregator",
		Start: agg.Start,
		Stop:  agg.Stop,
	})
	ctrl.Add(lifecycle.Component{
		Name:  "ingress",
		Start: ing.Start,
		Stop:  ing.Stop,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Start(startCtx); err != nil {
		return err
	}

	healthMgr := health.NewManager(logger)
	_ = healthMgr.RegisterChecker(eventbus.NewChecker(bus))
	_ = healthMgr.RegisterChecker(worker.NewChecker(vadWorker))
	_ = healthMgr.RegisterChecker(worker.NewChecker(asrWorker))
	_ = healthMgr.RegisterChecker(worker.NewChecker(diarWorker))
	_ = healthMgr.RegisterChecker(aggregator.NewChecker(agg, 10000))
	_ = healthMgr.RegisterChecker(session.NewChecker(sessions))
	if err := healthMgr.Start(context.Background()); err != nil {
		return err
	}
	defer healthMgr.Stop()

	mux := http.NewServeMux()
	ing.RegisterRoutes(mux)
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	return ctrl.Stop(shutdownCtx)
}

func newSessionManager(cfg config.Config, logger *zap.Logger) (*session.Manager, error) {
	graceTTL := time.Duration(cfg.Pipeline.SessionGraceS) * time.Second
	if cfg.Redis.Addr == "" {
		return session.NewLocalManager(graceTTL, logger), nil
	}
	return session.NewRedisManager(cfg.Redis.Addr, cfg.Redis.Password, graceTTL, logger)
}

func analyzerComponent(name string, w *worker.Worker) lifecycle.Component {
	return lifecycle.Component{
		Name: name,
		Start: func(ctx context.Context) error { return w.Start(ctx) },
		Stop:  func(ctx context.Context) error { return w.Stop(ctx) },
	}
}
