// Command eventcored runs the event sourcing protocol core: it wires
// together the event store, dispatcher, event bus, and protocol bridge
// behind a websocket listener, following the teacher's main.go startup
// shape (load config, tune GOMAXPROCS, build server, wait for signal,
// drain on shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/odin-labs/eventcore/internal/auth"
	"github.com/odin-labs/eventcore/internal/bridge"
	"github.com/odin-labs/eventcore/internal/config"
	"github.com/odin-labs/eventcore/internal/dispatch"
	"github.com/odin-labs/eventcore/internal/eventbus"
	"github.com/odin-labs/eventcore/internal/eventstore"
	"github.com/odin-labs/eventcore/internal/logging"
	"github.com/odin-labs/eventcore/internal/mirror"
	"github.com/odin-labs/eventcore/internal/ratelimit"
	"github.com/odin-labs/eventcore/internal/sysmonitor"
	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/odin-labs/eventcore/internal/transport"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides EVENTCORE_LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New("info", "console")

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("eventcored: automaxprocs applied")

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("eventcored: failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := sysmonitor.New(logger)
	monitor.Start(ctx, cfg.MetricsInterval)
	defer monitor.Stop()
	guard := sysmonitor.NewGuard(monitor, cfg.CPURejectThreshold, cfg.CPUPauseThreshold)

	store, closeStore, err := buildStore(ctx, cfg, guard, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("eventcored: failed to build event store")
	}
	defer closeStore()

	bus, stopBus, err := eventbus.New(ctx, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("eventcored: failed to start event bus")
	}
	defer stopBus()

	dispatcher := dispatch.New(store, logger, cfg.MaxCommitRetries, registeredAggregates()...)

	limiter := ratelimit.New(ratelimit.Config{
		IPBurst:     cfg.IPBurst,
		IPRate:      cfg.IPRate,
		GlobalBurst: cfg.GlobalBurst,
		GlobalRate:  cfg.GlobalRate,
	}, logger)
	defer limiter.Stop()

	var authManager *auth.Manager
	if cfg.JWTRequired {
		authManager = auth.NewManager(cfg.JWTSecret, cfg.JWTTokenDuration)
	}

	telemetry.SessionsMax.Set(float64(cfg.MaxConnections))

	listener := buildListener(cfg, guard, limiter, authManager, logger)
	b := bridge.New(listener, dispatcher, bus, logger)

	if cfg.MirrorEnabled {
		startMirror(ctx, cfg, bus, logger)
	}

	startMetricsServer(ctx, cfg, logger)

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- b.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("eventcored: shutdown signal received")
	case err := <-bridgeDone:
		if err != nil {
			logger.Error().Err(err).Msg("eventcored: bridge exited with error")
		}
	}

	cancel()
	logger.Info().Msg("eventcored: stopped")
}

// registeredAggregates is the wiring point for this deployment's domain
// aggregates. The protocol core ships with none of its own - aggregates
// are a concern of the service embedding it.
func registeredAggregates() []*dispatch.Aggregate {
	return nil
}

// buildStore constructs the configured event store backend. For the nats
// backend, ingestion is paused under the same CPU guard that rejects new
// sessions, so a saturated process sheds both sides of its admission load.
func buildStore(ctx context.Context, cfg *config.Config, guard *sysmonitor.Guard, logger zerolog.Logger) (eventstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case "nats":
		store, err := eventstore.NewNATSStore(ctx, eventstore.NATSStoreConfig{
			URL:            cfg.NATSUrl,
			StreamName:     cfg.NATSStream,
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
			Logger:         logger,
			PauseIngestion: guard.ShouldPauseIngestion,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("nats store: %w", err)
		}
		return store, func() {}, nil
	default:
		return eventstore.NewMemoryStore(), func() {}, nil
	}
}

// buildListener wires rate limiting, the CPU admission guard, and
// optional JWT auth into the websocket upgrade path via transport.Gate,
// alongside a /health route on the same mux.
func buildListener(cfg *config.Config, guard *sysmonitor.Guard, limiter *ratelimit.Limiter, authManager *auth.Manager, logger zerolog.Logger) *transport.WSListener {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	gate := func(r *http.Request) (bool, int, string) {
		ip := clientIP(r)
		if !limiter.Allow(ip) {
			telemetry.SessionsRejected.WithLabelValues("rate_limited").Inc()
			return false, http.StatusTooManyRequests, "rate limit exceeded"
		}
		if ok, reason := guard.AllowSession(); !ok {
			telemetry.SessionsRejected.WithLabelValues(reason).Inc()
			return false, http.StatusServiceUnavailable, "server overloaded: " + reason
		}
		if authManager != nil {
			if _, err := authManager.Authenticate(r); err != nil {
				telemetry.SessionsRejected.WithLabelValues("unauthorized").Inc()
				return false, http.StatusUnauthorized, "unauthorized: " + err.Error()
			}
		}
		return true, 0, ""
	}

	return transport.NewWSListenerWithOptions(cfg.Addr, cfg.WSPath, transport.ListenerOptions{
		Mux:  mux,
		Gate: gate,
	}, logger)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func startMirror(ctx context.Context, cfg *config.Config, bus *eventbus.Bus, logger zerolog.Logger) {
	m, err := mirror.New(mirror.Config{
		Brokers: splitBrokers(cfg.KafkaBrokers),
		Topic:   cfg.KafkaTopic,
	}, bus, logger)
	if err != nil {
		logger.Error().Err(err).Msg("eventcored: mirror disabled, failed to start")
		return
	}
	go func() {
		m.Run(ctx)
		m.Close()
	}()
}

func startMetricsServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("eventcored: metrics server stopped")
		}
	}()
}
