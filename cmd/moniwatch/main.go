// moniwatch - scheduled monitoring with chat alerts
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/api"
	"github.com/moniwatch/moniwatch/internal/config"
	"github.com/moniwatch/moniwatch/internal/execution"
	"github.com/moniwatch/moniwatch/internal/manager"
	"github.com/moniwatch/moniwatch/internal/matcher"
	"github.com/moniwatch/moniwatch/internal/metrics"
	"github.com/moniwatch/moniwatch/internal/notify"
	"github.com/moniwatch/moniwatch/internal/probe"
	"github.com/moniwatch/moniwatch/internal/scheduler"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/moniwatch/moniwatch/internal/tracing"
	"github.com/moniwatch/moniwatch/internal/webhook"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "moniwatch.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("moniwatch %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	logger := setupLogger()

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting moniwatch")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretManager := cfg.SecretManager()
	defer secretManager.Close(context.Background())
	if err := cfg.ResolveSecrets(ctx, secretManager); err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve secrets")
	}

	tp, err := tracing.InitProvider(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	clk := clock.New()
	m := metrics.New(nil)

	elastic, err := probe.NewElasticProbe(probe.ElasticConfig{
		Default:  cfg.Probes.Elastic.Default,
		Clusters: cfg.Probes.Elastic.Clusters,
		Timeout:  cfg.Probes.Elastic.Timeout.Std(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize elasticsearch probe")
	}
	sqlProbe := probe.NewSQLProbe(cfg.Probes.SQL.Datasources, cfg.Probes.SQL.Timeout.Std())
	certProbe := probe.NewCertProbe(cfg.Probes.Cert.Timeout.Std())
	defer sqlProbe.Close()

	breaker := cfg.Probes.HTTP.Breaker.Probe()
	breaker.OnStateChange = func(target string, from, to probe.CircuitState) {
		logger.Warn().
			Str("target", target).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	httpProbe := probe.NewHTTPProbe(probe.HTTPConfig{
		Timeout:            cfg.Probes.HTTP.Timeout.Std(),
		InsecureSkipVerify: cfg.Probes.HTTP.InsecureSkipVerify,
		UserAgent:          cfg.Probes.HTTP.UserAgent,
		Breaker:            breaker,
	}, clk)

	var override *alert.Channel
	if cfg.Alert.Override.Enabled() {
		override = &alert.Channel{Token: cfg.Alert.Override.Token, ChatID: cfg.Alert.Override.ChatID}
		logger.Warn().Str("chat_id", override.ChatID).Msg("All alerts are routed to the override chat group")
	}
	alerts := alert.NewDispatcher(
		alert.NewConfigResolver(store, override),
		alert.TelegramFactory(cfg.Alert.TelegramAPIURL, cfg.Alert.Timeout.Std()),
		alert.Config{
			ChunkSize:      cfg.Alert.ChunkSize,
			CacheSize:      cfg.Alert.ClientCacheSize,
			PlatformLabels: cfg.Alert.PlatformLabels,
		},
		clk, logger)

	runner := execution.NewRunner(execution.Deps{
		Logs:     store,
		Alerts:   alerts,
		Matcher:  matcher.New(cfg.Matcher.LegacyEqual),
		HTTP:     httpProbe,
		Elastic:  elastic,
		SQL:      sqlProbe,
		Cert:     certProbe,
		Clock:    clk,
		Metrics:  m,
		Logger:   logger,
		LinkBase: cfg.Links.BaseURL,
	})

	sched := scheduler.New(runner.Run, scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval.Std(),
		PoolSize:      cfg.Scheduler.PoolSize,
		FiringTimeout: cfg.Scheduler.FiringTimeout.Std(),
	}, clk, m, logger)

	mgr := manager.New(store, sched, clk, logger)
	runner.SetRecorder(mgr)

	n, err := mgr.Bootstrap(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore scheduled jobs")
	}
	logger.Info().Int("jobs", n).Msg("Scheduled jobs restored")

	sched.Start(ctx)

	templates := notify.NewTemplates(store)
	hub := notify.NewHub(logger)
	hub.Register(notify.ChannelTelegram, notify.NewTelegramSender(alerts, templates))
	if cfg.Mail.Enabled() {
		hub.Register(notify.ChannelMail, notify.NewMailSender(notify.MailConfig{
			APIKey:   cfg.Mail.APIKey,
			FromName: cfg.Mail.FromName,
			FromAddr: cfg.Mail.FromAddr,
		}, templates))
	} else {
		logger.Info().Msg("Mail push channel disabled, mail.api_key or mail.from_addr not set")
	}
	gateway := webhook.New(hub, mgr, store, m, clk, logger)

	limiter := api.NewRateLimiter(api.RateLimitConfig{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.Burst,
		CleanupInterval:   cfg.RateLimit.CleanupInterval.Std(),
	})
	defer limiter.Stop()

	handler := api.NewHandler(mgr, sched, store, templates, logger)
	router := api.NewRouterWithConfig(handler, logger, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthConfig: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Keys:    cfg.Auth.Keys,
		},
		RateLimiter:    limiter,
		Webhook:        gateway.Routes(),
		Metrics:        m,
		RequestTimeout: cfg.Server.HTTP.RequestTimeout.Std(),
	})

	server := &http.Server{
		Addr:         cfg.Server.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.HTTP.WriteTimeout.Std(),
	}

	go func() {
		logger.Info().Str("address", cfg.Server.HTTP.Address).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Waits for in-flight firings so their logs are persisted.
	sched.Stop()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracing shutdown failed")
	}

	logger.Info().Msg("moniwatch stopped")
}

// openStore opens the primary repository and, when configured, moves
// configuration lookups to redis.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("Using in-memory storage, state is lost on restart")
		store = storage.NewMemoryStore()
	case config.BackendSQL:
		store, err = storage.OpenSQL(cfg.Storage.DatabaseURL, cfg.Storage.Debug)
	default:
		if err = os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err = storage.NewBadgerStore(cfg.Storage.DataDir)
	}
	if err != nil {
		return nil, err
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("Storage opened")

	if cfg.ConfigStore.Backend == config.BackendRedis {
		kv, err := storage.NewRedisConfigStore(ctx, cfg.ConfigStore.RedisAddr, cfg.ConfigStore.RedisHash)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info().Str("hash", cfg.ConfigStore.RedisHash).Msg("Configuration lookups served by redis")
		store = storage.WithConfigStore(store, kv)
	}
	return store, nil
}

func setupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if os.Getenv("LOG_FORMAT") == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logger
}
