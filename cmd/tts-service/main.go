// main package for the tts-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/voice-tts-service/internal/apperror"
	"github.com/book-expert/voice-tts-service/internal/config"
	"github.com/book-expert/voice-tts-service/internal/httpapi"
	"github.com/book-expert/voice-tts-service/internal/objectstore"
	"github.com/book-expert/voice-tts-service/internal/observe"
	"github.com/book-expert/voice-tts-service/internal/tts"
	"github.com/book-expert/voice-tts-service/internal/tts/audio"
	"github.com/book-expert/voice-tts-service/internal/tts/generate"
	"github.com/book-expert/voice-tts-service/internal/tts/modelclient"
	"github.com/book-expert/voice-tts-service/internal/tts/request"
	"github.com/book-expert/voice-tts-service/internal/tts/seed"
	"github.com/book-expert/voice-tts-service/internal/tts/voice"
	"github.com/book-expert/voice-tts-service/internal/worker"
)

const (
	serviceName       = "voice-tts-service"
	serviceVersion    = "0.1.0"
	connectTimeout    = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	sentryFlushPeriod = 2 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func setupSentry(cfg *config.Config, log *logger.Logger) (*sentry.Hub, error) {
	if cfg.Observability.SentryDSN == "" {
		log.Info("Sentry DSN not configured, error capture disabled.")

		return nil, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Observability.SentryDSN,
		Environment: cfg.Observability.Environment,
		Release:     serviceName + "@" + serviceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	return sentry.CurrentHub(), nil
}

// components holds everything the transports need.
type components struct {
	service  *tts.Service
	model    *modelclient.HTTPClient
	presets  *voice.PresetLibrary
	reporter *apperror.Reporter
	metrics  *observe.Metrics
}

func buildComponents(
	ctx context.Context,
	cfg *config.Config,
	store *objectstore.NatsObjectStore,
	hub *sentry.Hub,
	metrics *observe.Metrics,
	log *logger.Logger,
) (*components, error) {
	model := modelclient.New(cfg.TTS.ModelServerURL, cfg.Timeout(),
		modelclient.WithModel(cfg.TTS.ModelID),
		modelclient.WithDevice(cfg.TTS.Device),
	)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	log.Info("Loading model '%s' on device '%s' ...", cfg.TTS.ModelID, cfg.TTS.Device)

	info, err := model.Connect(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model server: %w", err)
	}

	log.Info("Model '%s' ready on device '%s' at %d Hz.", info.ModelID, info.Device, info.SampleRate)

	codec := audio.NewCodec(cfg.TTS.FFmpegPath, log)
	presets := voice.LoadPresets(ctx, cfg.TTS.VoicesDir, codec, info.SampleRate, log)
	resolver := voice.NewResolver(presets, codec, info.SampleRate, log, voice.WithObjectStore(store))

	orchestrator := generate.New(model, codec, seed.NewScope(model, model), log, generate.WithMetrics(metrics))
	reporter := apperror.NewReporter(hub, log)

	service := tts.NewService(
		request.NewParser(cfg.RequestDefaults()),
		resolver,
		orchestrator,
		reporter,
		log,
		tts.WithMetrics(metrics),
	)

	return &components{
		service:  service,
		model:    model,
		presets:  presets,
		reporter: reporter,
		metrics:  metrics,
	}, nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		log.Info("HTTP API listening on %s", addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		return nil
	}
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), "tts-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog, os.LookupEnv)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	log, err := setupLogger(cfg.Paths.BaseLogsDir, "tts-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub, err := setupSentry(cfg, log)
	if err != nil {
		return err
	}

	if hub != nil {
		defer sentry.Flush(sentryFlushPeriod)
	}

	providers, err := observe.InitProvider(observe.ProviderConfig{ServiceName: serviceName, ServiceVersion: serviceVersion})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdownErr := providers.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			log.Warn("Telemetry shutdown failed: %v", shutdownErr)
		}
	}()

	metrics, err := observe.NewMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	built, err := buildComponents(ctx, cfg, store, hub, metrics, log)
	if err != nil {
		return err
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:           cfg.NATS.SynthesizeSubject,
		QueueGroup:        cfg.NATS.QueueGroup,
		AudioChunkSubject: cfg.NATS.AudioChunkCreatedSubject,
		Timeout:           cfg.Timeout(),
		StoreOutputs:      cfg.NATS.StoreOutputs,
	}, built.service, built.reporter, log, worker.WithObjectStore(store))
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	router := httpapi.NewRouter(built.service, built.model, built.presets, built.reporter, log,
		httpapi.WithMetrics(built.metrics),
		httpapi.WithSentryHub(hub),
	)

	log.System("TTS-Service successfully initialized. Listening for jobs on subject: %s", cfg.NATS.SynthesizeSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return natsWorker.Run(groupCtx)
	})

	group.Go(func() error {
		return serveHTTP(groupCtx, cfg.HTTP.Addr, router.Handler(), log)
	})

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("service stopped with error: %w", err)
	}

	log.Info("TTS-Service shut down cleanly.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
