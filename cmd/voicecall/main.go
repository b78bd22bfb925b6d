package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/agent"
	"voicecall-engine/pkg/agentconfig"
	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/conversation"
	"voicecall-engine/pkg/errors"
	http_server "voicecall-engine/pkg/http"
	"voicecall-engine/pkg/leads"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/mediastream"
	"voicecall-engine/pkg/messaging"
	"voicecall-engine/pkg/metrics"
	"voicecall-engine/pkg/pii"
	"voicecall-engine/pkg/rag"
	"voicecall-engine/pkg/ratelimit"
	"voicecall-engine/pkg/stt"
	"voicecall-engine/pkg/telemetry/tracing"
	"voicecall-engine/pkg/tts"
	"voicecall-engine/pkg/version"
)

var logger = logrus.New()

// application holds everything main has to start and stop
type application struct {
	cfg             *config.Config
	breakers        *circuitbreaker.Manager
	store           leads.Store
	amqp            *messaging.AMQPClient
	manager         *conversation.Manager
	server          *http_server.Server
	tracingShutdown func(context.Context) error
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	app, err := initialize(rootCtx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	go app.manager.Run(rootCtx)
	serverErrs := app.server.Start()

	logger.WithFields(logrus.Fields{
		"version":    version.Version,
		"port":       app.cfg.HTTP.Port,
		"media_path": app.cfg.HTTP.MediaPath,
	}).Info("Voice call engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case err, ok := <-serverErrs:
		if ok && err != nil {
			logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}

	rootCancel()
	app.shutdown()
	logger.Info("Shutdown complete")
}

func initialize(ctx context.Context) (*application, error) {
	cfg, err := config.Load(logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return nil, err
	}

	app := &application{cfg: cfg}

	metrics.SetMetricsPath(cfg.Metrics.Path)
	metrics.StartMetrics(logger, cfg.Metrics.Enabled)

	app.tracingShutdown, err = tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
		app.tracingShutdown = func(context.Context) error { return nil }
	}

	if cfg.CircuitBreaker.Enabled {
		cbConfig := circuitbreaker.DefaultConfig()
		cbConfig.FailureThreshold = int64(cfg.CircuitBreaker.FailureThreshold)
		cbConfig.Timeout = cfg.CircuitBreaker.Timeout
		app.breakers = circuitbreaker.NewManager(logger, cbConfig)
		app.breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
			metrics.RecordBreakerTransition(name, to.String())
		})
	}

	llmClient, err := llm.NewClient(ctx, logger, cfg.LLM, app.breakers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create LLM client")
	}

	synth := tts.NewStreamClientFromConfig(logger, cfg.TTS, app.breakers)
	phrases := tts.NewPhraseCache(synth)
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n := phrases.Warm(warmCtx, cfg.TTS.DefaultProvider, "", conversation.FixedPhrases())
		logger.WithField("phrases", n).Info("Fallback phrases cached")
	}()

	var transports []stt.Transport
	if transport, err := stt.NewTransport(ctx, logger, cfg.STT); err != nil {
		logger.WithError(err).Warn("Streaming STT unavailable, calls will use batch transcription")
	} else {
		transports = append(transports, transport)
	}
	batch := stt.NewWhisperBatch(logger, cfg.STT.Batch)

	app.store = leads.Open(cfg.Redis, logger)

	collaborators := agent.Collaborators{
		Synthesizer: synth,
		Leads:       app.store,
		Callbacks:   app.store,
		Memory:      app.store,
		Transfers:   app.store,
	}
	retriever, err := rag.NewRetrieverFromConfig(logger, cfg.RAG, app.breakers)
	if err != nil {
		logger.WithError(err).Warn("Knowledge retrieval unavailable")
	} else if retriever != nil {
		collaborators.Retriever = retriever
	}
	executor := agent.NewExecutor(logger, llmClient, collaborators)

	var exporter conversation.Exporter
	if cfg.AMQP.Enabled {
		app.amqp = messaging.NewAMQPClient(logger, cfg.AMQP)
		go connectAMQP(ctx, app.amqp)
		messagingExporter := messaging.NewExporter(logger, app.amqp)
		if cfg.PII.Enabled {
			messagingExporter.SetRedactor(pii.NewRedactor(logger, cfg.PII))
		}
		exporter = messagingExporter
	}

	profiles, err := agentconfig.NewStore(logger, cfg.AgentStore.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load agent configurations")
	}
	profiles.OnReload(func(ids []string) {
		logger.WithField("agents", ids).Info("Agent configurations reloaded")
	})
	if cfg.AgentStore.Watch {
		if err := profiles.Watch(ctx); err != nil {
			logger.WithError(err).Warn("Agent config hot reload disabled")
		}
	}

	app.manager = conversation.NewManager(logger, cfg, conversation.Dependencies{
		LLM:          llmClient,
		Synthesizer:  synth,
		Phrases:      phrases,
		Transports:   transports,
		Batch:        batch,
		Executor:     executor,
		Campaigns:    app.store,
		Profiles:     profiles,
		Transfers:    app.store,
		Exporter:     exporter,
		StreamConfig: stt.StreamConfigFrom(cfg.STT),
	})

	media := mediastream.NewHandler(logger, app.manager, cfg.Media)
	app.server = http_server.NewServer(logger, cfg.HTTP, app.manager, media)
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiterFromConfig(logger, cfg.RateLimit)
		go limiter.Run(ctx)
		app.server.SetRateLimiter(ratelimit.NewMiddleware(logger, limiter, cfg.RateLimit.ExemptPaths))
	}
	app.registerChecks()
	return app, nil
}

// registerChecks wires collaborator probes into the health endpoints
func (app *application) registerChecks() {
	if app.amqp != nil {
		client := app.amqp
		app.server.AddCheck("amqp", false, func(ctx context.Context) error {
			if !client.IsConnected() {
				return errors.Wrap(errors.ErrUnavailable, "AMQP disconnected")
			}
			return nil
		})
	}
	if redisStore, ok := app.store.(*leads.RedisStore); ok {
		app.server.AddCheck("redis", false, func(ctx context.Context) error {
			return redisStore.Client().Ping(ctx).Err()
		})
	}
	if app.breakers != nil {
		breakers := app.breakers
		app.server.AddCheck("providers", false, func(ctx context.Context) error {
			for name, stats := range breakers.GetAllStatistics() {
				if stats.State == circuitbreaker.StateOpen.String() {
					return errors.New("circuit open: " + name)
				}
			}
			return nil
		})
	}
}

// connectAMQP retries the initial broker connection with capped backoff.
// Reconnects after a drop are handled by the client.
func connectAMQP(ctx context.Context, client *messaging.AMQPClient) {
	backoff := time.Second
	for {
		err := client.Connect()
		if err == nil {
			return
		}
		if errors.IsErrorType(err, errors.ErrNotConfigured) {
			logger.WithError(err).Warn("AMQP export disabled")
			return
		}
		logger.WithError(err).WithField("retry_in", backoff.String()).Warn("AMQP connection failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (app *application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// stop accepting new media streams before ending live calls
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}
	if err := app.manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error ending active calls")
	}
	if app.amqp != nil {
		app.amqp.Disconnect()
	}
	if err := app.store.Close(); err != nil {
		logger.WithError(err).Warn("Error closing lead store")
	}
	if err := app.tracingShutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error shutting down tracing")
	}
}
