package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warelay/warelay/pkg/agent"
	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/bridge"
	"github.com/warelay/warelay/pkg/broadcast"
	"github.com/warelay/warelay/pkg/clock"
	"github.com/warelay/warelay/pkg/config"
	"github.com/warelay/warelay/pkg/dispatch"
	"github.com/warelay/warelay/pkg/dlq"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/presenter"
	"github.com/warelay/warelay/pkg/store"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/tts"
	"github.com/warelay/warelay/pkg/webhook"
	"github.com/warelay/warelay/pkg/whatsapp"
)

// drainGrace bounds how long in-flight batches may keep running once the
// webhook listener has stopped accepting deliveries.
const drainGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WhatsApp webhook gateway",
	Long: `Start the gateway: listen for WhatsApp webhook deliveries, batch
inbound messages per user, relay them to the configured AI agent, and send
the replies back over WhatsApp.

Configuration comes from defaults, an optional config.yaml, WARELAY_*
environment variables, and flags, in ascending precedence.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServeCommand(cmd.Context())
	},
}

func init() {
	// Add serve command flags
	defaults := config.DefaultConfig()
	serveCmd.Flags().String("host", defaults.Webhook.Host, "Host to bind the webhook listener to")
	serveCmd.Flags().Int("port", defaults.Webhook.Port, "Port to bind the webhook listener to")

	viper.BindPFlag("webhook.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("webhook.port", serveCmd.Flags().Lookup("port"))
}

// gateway holds the assembled components whose lifetimes the serve
// command manages.
type gateway struct {
	pipeline   *batching.Service
	server     *webhook.Server
	messages   store.MessageStore
	deadLetter *dlq.Publisher
}

// close releases resources in dependency order. The pipeline must be
// drained before this runs: draining can still publish dead batches and
// read from the store.
func (g *gateway) close(ctx context.Context) {
	if g.deadLetter != nil {
		if err := g.deadLetter.Close(); err != nil {
			logger.G(ctx).WithError(err).Error("failed to close dead letter publisher")
		}
	}
	if err := g.messages.Close(); err != nil {
		logger.G(ctx).WithError(err).Error("failed to close message store")
	}
}

func runServeCommand(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		presenter.Error(err, "failed to load configuration")
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		presenter.Error(err, "invalid logging configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		presenter.Error(err, "invalid configuration")
		os.Exit(1)
	}

	// Create a context that cancels on interrupt signals
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, tracingConfig(cfg))
	if err != nil {
		presenter.Error(err, "failed to initialize tracing")
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.G(ctx).WithError(err).Error("failed to shut down tracing")
		}
	}()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		presenter.Error(err, "failed to assemble the gateway")
		os.Exit(1)
	}
	defer gw.close(ctx)

	// Replay whatever previous runs buffered but never processed.
	recovered, err := gw.pipeline.Recover(ctx)
	if err != nil {
		presenter.Error(err, "failed to recover buffered messages")
		os.Exit(1)
	}
	if recovered > 0 {
		logger.G(ctx).WithField("messages", recovered).Info("recovered buffered messages from previous run")
	}

	presenter.Section("Warelay gateway")
	presenter.Info(fmt.Sprintf("Webhook: http://%s:%d%s | Store: %s | Agent: %s",
		cfg.Webhook.Host, cfg.Webhook.Port, cfg.Webhook.Path, cfg.Store.Backend, agentProvider(cfg)))
	if recovered > 0 {
		presenter.Info(fmt.Sprintf("Recovered %d buffered messages from the previous run", recovered))
	}
	presenter.Separator()
	presenter.Success("Gateway ready, press Ctrl+C to stop")

	if err := gw.server.Start(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("webhook server error")
		presenter.Error(err, "webhook server failed")
		os.Exit(1)
	}

	// The listener is gone; give buffered work a bounded window to finish
	// before resources close.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainGrace)
	defer drainCancel()
	if err := gw.pipeline.Close(drainCtx); err != nil {
		logger.G(ctx).WithError(err).Warn("pipeline drain incomplete")
		presenter.Warning("Some work was still in flight at shutdown; buffered messages are recovered on the next start")
	}

	presenter.Info("Gateway stopped")
}

// agentProvider names the effective agent backend for the startup banner.
func agentProvider(cfg *config.Config) string {
	if cfg.Agent.Provider == "" {
		return agent.ProviderAnthropic
	}
	return cfg.Agent.Provider
}

// buildGateway assembles the full inbound and outbound path:
// webhook server -> dispatcher -> batching pipeline -> bridge -> agent,
// with the bridge sending replies back through the WhatsApp client.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	clk := clock.NewSystem()

	messages, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var deadLetter *dlq.Publisher
	built := false
	defer func() {
		if built {
			return
		}
		if deadLetter != nil {
			_ = deadLetter.Close()
		}
		_ = messages.Close()
	}()

	client, err := whatsapp.NewClient(cfg.WhatsApp)
	if err != nil {
		return nil, errors.Wrap(err, "building whatsapp client")
	}

	conversant, err := agent.New(cfg.Agent)
	if err != nil {
		return nil, errors.Wrap(err, "building agent")
	}

	bc := broadcast.NewLog()

	bridgeOpts := []bridge.Option{bridge.WithBroadcaster(bc)}
	if cfg.Speech.Enabled() {
		synth, err := tts.NewOpenAI(cfg.Speech.Config)
		if err != nil {
			return nil, errors.Wrap(err, "building speech synthesizer")
		}
		bridgeOpts = append(bridgeOpts, bridge.WithSpeech(synth, cfg.Speech.Chance))
	}

	relay, err := bridge.New(clk, conversant, client, bridgeOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "building bridge")
	}

	serviceOpts := []batching.ServiceOption{
		batching.WithNotifier(relay),
		batching.WithOutcomeObserver(bc),
	}
	if cfg.DeadLetterEnabled() {
		deadLetter, err = dlq.NewPublisher(cfg.DeadLetter)
		if err != nil {
			return nil, errors.Wrap(err, "building dead letter publisher")
		}
		serviceOpts = append(serviceOpts, batching.WithDeadLetter(deadLetter.Handle))
	}

	pipeline, err := batching.NewService(clk, messages, relay, cfg.Pipeline, serviceOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "building batching pipeline")
	}

	dispatchOpts := []dispatch.Option{dispatch.WithReadMarker(client)}
	if transcriber := buildTranscriber(ctx, cfg, client); transcriber != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTranscriber(transcriber))
	}
	dispatcher := dispatch.NewDispatcher(clk, pipeline, bc, dispatchOpts...)

	server, err := webhook.NewServer(&cfg.Webhook, dispatcher)
	if err != nil {
		return nil, errors.Wrap(err, "building webhook server")
	}

	built = true
	return &gateway{
		pipeline:   pipeline,
		server:     server,
		messages:   messages,
		deadLetter: deadLetter,
	}, nil
}

// buildStore opens the configured persistence backend. The redis TTL is a
// multiple of the pipeline idle TTL so buffered messages outlive any state
// the scheduler would still act on.
func buildStore(ctx context.Context, cfg *config.Config) (store.MessageStore, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		return s, errors.Wrap(err, "opening sqlite store")
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, store.WithRedisTTL(3*cfg.Pipeline.IdleTTL))
		return s, errors.Wrap(err, "connecting to redis store")
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildTranscriber wires voice transcription when OpenAI credentials are
// available: the agent's own when it runs on OpenAI, otherwise the speech
// key. Without credentials voice notes fall back to a placeholder prompt,
// so failure here disables the feature rather than the gateway.
func buildTranscriber(ctx context.Context, cfg *config.Config, fetcher agent.MediaFetcher) *agent.Transcriber {
	var transcriberConfig agent.Config
	if cfg.Agent.Provider == agent.ProviderOpenAI {
		transcriberConfig = cfg.Agent
	} else if cfg.Speech.Enabled() {
		transcriberConfig.APIKey = cfg.Speech.APIKey
		transcriberConfig.BaseURL = cfg.Speech.BaseURL
	}

	transcriber, err := agent.NewTranscriber(transcriberConfig, fetcher)
	if err != nil {
		logger.G(ctx).WithError(err).Info("voice transcription disabled")
		return nil
	}
	return transcriber
}
