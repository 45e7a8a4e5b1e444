package main

import (
	"context"
	"strings"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/breaker"
	"github.com/wopr-network/wopr-platform-sub005/internal/gateway"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/metering"
	"github.com/wopr-network/wopr-platform-sub005/internal/tenants"
	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/config"
	"github.com/wopr-network/wopr-platform-sub005/pkg/database"
	"github.com/wopr-network/wopr-platform-sub005/pkg/kafka"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/monitoring"
	pkgredis "github.com/wopr-network/wopr-platform-sub005/pkg/redis"
	"github.com/wopr-network/wopr-platform-sub005/pkg/server"
	"github.com/wopr-network/wopr-platform-sub005/pkg/version"
)

const statsRetention = 24 * time.Hour

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("falken")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting falken (inference gateway)")

	dbURL := config.RequireEnv("DATABASE_URL")
	masterSecret := config.RequireEnv("VAULT_MASTER_SECRET")
	upstreamURL := config.RequireEnv("GATEWAY_UPSTREAM_URL")

	// Connect to database. The schema is shared with norad and
	// idempotent, so whichever binary boots first applies it.
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, logger); err != nil {
		logger.WithError(err).Fatal("Schema migration failed")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("falken", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("falken", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	// Credential vault, read side only
	cipher, err := vault.New([]byte(masterSecret))
	if err != nil {
		logger.WithError(err).Fatal("Invalid VAULT_MASTER_SECRET")
	}
	vaultStore := vault.NewStore(db, cipher, logger)

	// Model pricing for the token-math cost path
	rates, err := gateway.ParseRates(config.GetEnv("MODEL_RATES", ""))
	if err != nil {
		logger.WithError(err).Fatal("Invalid MODEL_RATES")
	}
	if len(rates) == 0 {
		logger.Warn("MODEL_RATES not set, pricing every model at the fallback rate")
	}
	rateTable := gateway.NewRateTable(rates, gateway.Rate{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tenant status gate: cached reads over the shared tenant_statuses
	// table, invalidated by norad's Redis fanout when configured.
	statusCache := gateway.NewStatusCache(tenants.NewService(tenants.Config{DB: db, Logger: logger}), logger)
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		redisClient, err := pkgredis.NewUniversalClient(ctx, pkgredis.Config{
			Addrs:    []string{redisAddr},
			Password: config.GetEnv("REDIS_PASSWORD", ""),
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))

		statusSub := pkgredis.NewTypedPubSub[gateway.StatusEvent](redisClient, logger)
		go func() {
			if err := statusSub.Subscribe(ctx, gateway.StatusChannel, statusCache.Apply); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Tenant status subscription ended")
			}
		}()
	} else {
		logger.Warn("REDIS_ADDR not set, tenant status changes apply on cache misses only")
	}

	// Meter events ship to norad's billing consumer over Kafka
	var publisher gateway.MeterPublisher
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		producer, err := kafka.NewProducer(
			strings.Split(brokersEnv, ","),
			config.GetEnv("KAFKA_CLIENT_ID", "falken"),
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		publisher = metering.NewPublisher(producer, logger)
		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	} else {
		logger.Warn("KAFKA_BROKERS not set, meter events stay in Postgres only")
	}

	// Per-tenant circuit breaker
	gate := breaker.New(breaker.Config{
		Store:  breaker.NewStore(db, logger),
		Logger: logger,
		Metrics: &breaker.Metrics{
			Trips:      metricsCollector.NewCounter("breaker_trips_total", "Circuit breaker trips", nil).WithLabelValues(),
			Rejections: metricsCollector.NewCounter("breaker_rejections_total", "Requests rejected while paused", nil).WithLabelValues(),
		},
		MaxRequestsPerWindow: config.GetEnvInt("BREAKER_MAX_REQUESTS", breaker.DefaultMaxRequestsPerWindow),
		Window:               config.GetEnvDuration("BREAKER_WINDOW", breaker.DefaultWindow),
		Pause:                config.GetEnvDuration("BREAKER_PAUSE", breaker.DefaultPause),
	})

	// Request stats back the gateway error-rate alert; prune the window
	// we never read again.
	statsStore := gateway.NewStatsStore(db, logger)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := statsStore.PruneBefore(ctx, time.Now().UTC().Add(-statsRetention)); err != nil {
					logger.WithError(err).Warn("Failed to prune request stats")
				}
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Tokens:   &auth.TokenStore{DB: db},
		Statuses: statusCache,
		Settings: tenants.NewSettingsStore(db, logger),
		Spend:    metering.NewAggregator(metering.AggregatorConfig{DB: db, Logger: logger, CacheTTL: metering.DefaultCacheTTL}),
		Ledger:   ledger.NewService(ledger.Config{DB: db, Logger: logger}),
		Breaker:  gate,
		Upstream: gateway.NewUpstream(gateway.UpstreamConfig{
			Name:           config.GetEnv("GATEWAY_UPSTREAM_NAME", "openai"),
			BaseURL:        upstreamURL,
			CredentialName: config.GetEnv("GATEWAY_CREDENTIAL_NAME", "api_key"),
			Timeout:        config.GetEnvDuration("GATEWAY_UPSTREAM_TIMEOUT", 5*time.Minute),
			Creds:          vaultStore,
			Logger:         logger,
		}),
		Meters:        metering.NewStore(db, logger),
		Publisher:     publisher,
		Stats:         statsStore,
		Rates:         rateTable,
		MarginPercent: config.GetEnvInt("MARGIN_PERCENT", 20),
		Logger:        logger,
		Metrics: &gateway.Metrics{
			Requests:    metricsCollector.NewCounter("requests_total", "Proxied requests by outcome", []string{"outcome"}),
			MeterEvents: metricsCollector.NewCounter("meter_events_total", "Meter events emitted", nil).WithLabelValues(),
		},
	})

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":         dbURL,
		"VAULT_MASTER_SECRET":  masterSecret,
		"GATEWAY_UPSTREAM_URL": upstreamURL,
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "falken", healthChecker, metricsCollector)
	gw.Register(router)

	// Streaming responses hold the connection open well past the default
	// write timeout.
	serverConfig := server.DefaultConfig("falken", "18091")
	serverConfig.WriteTimeout = config.GetEnvDuration("WRITE_TIMEOUT", 10*time.Minute)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
