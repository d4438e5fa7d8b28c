package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stockpulse/stockpulse/internal/api"
	"github.com/stockpulse/stockpulse/internal/collector"
	"github.com/stockpulse/stockpulse/internal/config"
	"github.com/stockpulse/stockpulse/internal/evaluator"
	"github.com/stockpulse/stockpulse/internal/fanout"
	"github.com/stockpulse/stockpulse/internal/guard"
	"github.com/stockpulse/stockpulse/internal/logbuffer"
	"github.com/stockpulse/stockpulse/internal/messaging"
	"github.com/stockpulse/stockpulse/internal/notifier"
	"github.com/stockpulse/stockpulse/internal/push"
	"github.com/stockpulse/stockpulse/internal/store"
	"github.com/stockpulse/stockpulse/internal/version"
)

const (
	roleIngest    = "ingest"
	roleEvaluator = "evaluator"
	roleFanout    = "fanout"
)

// alertStore is what the pipeline needs from either store implementation
type alertStore interface {
	evaluator.AlertStore
	symbolSource
}

func main() {
	configPath := flag.String("config", "/config/stockpulse.yaml", "Path to pipeline configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	rolesFlag := flag.String("roles", "ingest,evaluator,fanout", "Comma-separated stages to run in this process")
	flag.Parse()

	// Captures the last 1000 log lines for /api/logs
	logBuffer := logbuffer.New(1000)

	zerolog.TimeFieldFormat = time.RFC3339
	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	build := version.Get()
	logger := zerolog.New(multiWriter).With().
		Timestamp().
		Str("version", build.Version).
		Str("commit", build.Commit).
		Logger()

	roles, err := parseRoles(*rolesFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid roles")
	}

	logger.Info().Strs("roles", roles.list()).Msg("Starting StockPulse")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	logger.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("store_driver", cfg.Store.Driver).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg      sync.WaitGroup
		closers []func() error
	)
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("loop", name).Msg("Loop exited with error")
			}
		}()
	}

	apiServer := api.NewServer(logger, cfg.API.Port, roles.list())
	apiServer.SetLogBuffer(logBuffer)
	if cfg.Metrics.Disabled {
		apiServer.DisableMetrics()
	}

	var alerts alertStore
	if roles.has(roleIngest) || roles.has(roleEvaluator) {
		alerts, err = openStore(cfg, logger)
		switch {
		case err == nil:
			if c, ok := alerts.(io.Closer); ok {
				closers = append(closers, c.Close)
			}
		case roles.has(roleEvaluator):
			logger.Fatal().Err(err).Msg("Failed to open alert store")
		default:
			// Ingest only reads the store to seed subscriptions
			logger.Warn().Err(err).Msg("Alert store unavailable, skipping subscription seeding")
			alerts = nil
		}
	}

	var feed *collector.Collector
	if roles.has(roleIngest) {
		tickWriter := messaging.NewAsyncWriter(cfg.Kafka, cfg.Kafka.TicksTopic, logger)
		ticks := messaging.NewTickProducer(tickWriter, logger)
		closers = append(closers, ticks.Close)

		feed = collector.NewCollector(collector.Options{
			URL:            cfg.Feed.URL,
			APIKey:         config.ResolveSecret(cfg.Feed.APIKeyEnv),
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			Dialer: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.Feed.HandshakeTimeout,
			},
		}, ticks, logger)

		var seed symbolSource
		if alerts != nil {
			seed = alerts
		}
		added := feed.Subscribe(bootSymbols(ctx, cfg.Feed.Symbols, seed, logger)...)
		logger.Info().Strs("symbols", added).Msg("Initial feed subscriptions")

		apiServer.SetFeed(feed)
		closers = append(closers, feed.Stop)
		runLoop("collector", feed.Run)
	}

	if roles.has(roleEvaluator) {
		var opts []evaluator.Option
		if cfg.Guard.Enabled {
			g := guard.New(cfg.Guard, config.ResolveSecret(cfg.Guard.PasswordEnv), logger)
			opts = append(opts, evaluator.WithGuard(g))
			closers = append(closers, g.Close)
		}

		triggerWriter := messaging.NewSyncWriter(cfg.Kafka, cfg.Kafka.TriggersTopic, logger)
		triggers := messaging.NewTriggerProducer(triggerWriter)
		closers = append(closers, triggers.Close)

		eval := evaluator.NewEvaluator(alerts, triggers, logger, opts...)
		reader := messaging.NewReader(cfg.Kafka, cfg.Kafka.TicksTopic, cfg.Kafka.Groups.Evaluator, logger)
		consumer := messaging.NewConsumer("evaluator", reader, eval.HandleMessage, logger)
		closers = append(closers, consumer.Close)
		runLoop("evaluator", consumer.Run)
	}

	if roles.has(roleFanout) {
		secret := config.ResolveSecret(cfg.Push.JWTSecretEnv)
		if secret == "" {
			logger.Fatal().Str("env", cfg.Push.JWTSecretEnv).Msg("JWT secret environment variable is required for fan-out")
		}
		hub := push.NewHub(push.NewAuthenticator(secret, cfg.Push.CookieName), logger)
		closers = append(closers, func() error { hub.Close(); return nil })

		var email fanout.EmailSender
		if cfg.Email.Enabled {
			email = notifier.NewEmailSender(cfg.Email, config.ResolveSecret(cfg.Email.PasswordEnv), logger)
		} else {
			logger.Info().Msg("Email delivery disabled")
		}

		dispatcher := fanout.NewDispatcher(hub, email, logger)
		triggerReader := messaging.NewReader(cfg.Kafka, cfg.Kafka.TriggersTopic, cfg.Kafka.Groups.Fanout, logger)
		triggerConsumer := messaging.NewConsumer("fanout", triggerReader, dispatcher.HandleMessage, logger)
		closers = append(closers, triggerConsumer.Close)
		runLoop("fanout", triggerConsumer.Run)

		// A nil *Collector must not reach the interface
		var subscriber push.Subscriber
		if feed != nil {
			subscriber = feed
		}
		prices := push.NewPriceStream(subscriber, logger)
		closers = append(closers, func() error { prices.Close(); return nil })
		priceReader := messaging.NewReader(cfg.Kafka, cfg.Kafka.TicksTopic, cfg.Kafka.Groups.Prices, logger)
		priceConsumer := messaging.NewConsumer("prices", priceReader, prices.HandleMessage, logger)
		closers = append(closers, priceConsumer.Close)
		runLoop("prices", priceConsumer.Run)

		apiServer.SetAlertSessions(hub)
		apiServer.SetPriceSessions(prices)
		apiServer.SetDeliveryLog(dispatcher)
	}

	runLoop("api", apiServer.Start)

	logger.Info().
		Str("port", cfg.API.Port).
		Msg("StockPulse running, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	// Closing in reverse order stops consumers before the writers they publish to
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error().Err(err).Msg("Error during shutdown")
		}
	}
	wg.Wait()

	logger.Info().Msg("StockPulse stopped")
}

func openStore(cfg *config.Config, logger zerolog.Logger) (alertStore, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn().Msg("Using in-memory alert store, alerts are not persisted")
		return store.NewMemoryStore(), nil
	}
	dsn := cfg.StoreDSN()
	if dsn == "" {
		return nil, fmt.Errorf("no DSN for %s store (set %s)", cfg.Store.Driver, cfg.Store.DSNEnv)
	}
	gs, err := store.Open(cfg.Store, dsn, logger)
	if err != nil {
		return nil, err
	}
	return gs, nil
}

type symbolSource interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// bootSymbols merges the configured symbols with those of active alerts.
// A nil or failing source leaves only the configured ones.
func bootSymbols(ctx context.Context, configured []string, source symbolSource, logger zerolog.Logger) []string {
	symbols := append([]string{}, configured...)
	if source == nil {
		return symbols
	}
	active, err := source.ActiveSymbols(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load symbols of active alerts")
		return symbols
	}
	return append(symbols, active...)
}

type roleSet map[string]bool

func parseRoles(s string) (roleSet, error) {
	roles := roleSet{}
	for _, r := range strings.Split(s, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		switch r {
		case roleIngest, roleEvaluator, roleFanout:
			roles[r] = true
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}
	return roles, nil
}

func (r roleSet) has(role string) bool { return r[role] }

func (r roleSet) list() []string {
	var out []string
	for _, role := range []string{roleIngest, roleEvaluator, roleFanout} {
		if r[role] {
			out = append(out, role)
		}
	}
	return out
}
