package main

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wopr-network/wopr-platform-sub005/internal/alerts"
	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/gateway"
	"github.com/wopr-network/wopr-platform-sub005/internal/handlers"
	"github.com/wopr-network/wopr-platform-sub005/internal/images"
	"github.com/wopr-network/wopr-platform-sub005/internal/instances"
	"github.com/wopr-network/wopr-platform-sub005/internal/jobs"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/metering"
	"github.com/wopr-network/wopr-platform-sub005/internal/nodemgr"
	"github.com/wopr-network/wopr-platform-sub005/internal/nodes"
	"github.com/wopr-network/wopr-platform-sub005/internal/notify"
	"github.com/wopr-network/wopr-platform-sub005/internal/orphans"
	"github.com/wopr-network/wopr-platform-sub005/internal/payments"
	"github.com/wopr-network/wopr-platform-sub005/internal/profiles"
	"github.com/wopr-network/wopr-platform-sub005/internal/recovery"
	"github.com/wopr-network/wopr-platform-sub005/internal/tenants"
	"github.com/wopr-network/wopr-platform-sub005/internal/topup"
	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
	"github.com/wopr-network/wopr-platform-sub005/internal/watchdog"
	"github.com/wopr-network/wopr-platform-sub005/internal/webhooks"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/config"
	"github.com/wopr-network/wopr-platform-sub005/pkg/database"
	"github.com/wopr-network/wopr-platform-sub005/pkg/email"
	"github.com/wopr-network/wopr-platform-sub005/pkg/kafka"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
	"github.com/wopr-network/wopr-platform-sub005/pkg/monitoring"
	pkgredis "github.com/wopr-network/wopr-platform-sub005/pkg/redis"
	"github.com/wopr-network/wopr-platform-sub005/pkg/server"
	"github.com/wopr-network/wopr-platform-sub005/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("norad")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting norad (control plane)")

	dbURL := config.RequireEnv("DATABASE_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	agentSecret := config.RequireEnv("AGENT_JWT_SECRET")
	masterSecret := config.RequireEnv("VAULT_MASTER_SECRET")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, logger); err != nil {
		logger.WithError(err).Fatal("Schema migration failed")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("norad", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("norad", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	// Optional Redis: tenant status fanout to falken, webhook penalties
	var redisClient goredis.UniversalClient
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		client, err := pkgredis.NewUniversalClient(context.Background(), pkgredis.Config{
			Addrs:    []string{redisAddr},
			Password: config.GetEnv("REDIS_PASSWORD", ""),
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		redisClient = client
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}

	// Credential vault
	cipher, err := vault.New([]byte(masterSecret))
	if err != nil {
		logger.WithError(err).Fatal("Invalid VAULT_MASTER_SECRET")
	}
	vaultStore := vault.NewStore(db, cipher, logger)

	// Core stores
	ledgerSvc := ledger.NewService(ledger.Config{
		DB:     db,
		Logger: logger,
		Metrics: &ledger.Metrics{
			Transactions:  metricsCollector.NewCounter("credit_transactions_total", "Ledger transactions applied", []string{"transaction_type"}),
			DebitFailures: metricsCollector.NewCounter("credit_debit_failures_total", "Debits rejected for insufficient credits", nil).WithLabelValues(),
		},
	})

	retentionDays := config.GetEnvInt("RETENTION_DAYS", 30)
	instanceRepo := instances.NewRepo(instances.Config{
		DB:        db,
		Logger:    logger,
		Retention: time.Duration(retentionDays) * 24 * time.Hour,
	})
	nodeRepo := nodes.NewRepo(db, logger)

	profileStore, err := profiles.NewStore(config.GetEnv("PROFILES_DIR", "/var/lib/norad/profiles"), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open profile store")
	}

	settingsStore := tenants.NewSettingsStore(db, logger)

	// Tenant lifecycle. Status changes fan out over Redis so falken's
	// cache drops suspended tenants without a database poll.
	var onStatusChange func(ctx context.Context, tenantID, status string)
	if redisClient != nil {
		statusPub := pkgredis.NewTypedPubSub[gateway.StatusEvent](redisClient, logger)
		onStatusChange = func(ctx context.Context, tenantID, status string) {
			if err := statusPub.Publish(ctx, gateway.StatusChannel, gateway.StatusEvent{TenantID: tenantID, Status: status}); err != nil {
				logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to publish tenant status change")
			}
		}
	}
	tenantSvc := tenants.NewService(tenants.Config{
		DB:        db,
		Logger:    logger,
		Ledger:    ledgerSvc,
		Instances: instanceRepo,
		OnChange:  onStatusChange,
	})

	// Node connection manager, command bus, orphan cleaner. The three
	// reference each other, so the manager's collaborators bind late.
	recoveryEvents := recovery.NewEventStore(db, logger)
	manager := nodemgr.NewManager(nodemgr.Config{
		Nodes:       nodeRepo,
		Recovery:    recoveryEvents,
		AgentSecret: []byte(agentSecret),
		Logger:      logger,
		Metrics: &nodemgr.Metrics{
			ConnectedAgents: metricsCollector.NewGauge("connected_agents", "Live node agent connections", nil),
			NodeUsedMB:      metricsCollector.NewGauge("node_used_mb", "Reserved memory per node", []string{"node_id"}),
		},
	})
	go manager.Run()

	bus := commandbus.New(commandbus.Config{Sender: manager, Logger: logger})
	manager.BindResolver(bus)
	manager.BindCleaner(orphans.NewCleaner(orphans.Config{
		Instances: instanceRepo,
		Nodes:     nodeRepo,
		Bus:       bus,
		Logger:    logger,
	}))

	// Operator email, disabled when SMTP is unconfigured
	var mailer notify.Mailer
	if smtpHost := config.GetEnv("SMTP_HOST", ""); smtpHost != "" {
		mailer = email.NewSender(email.Config{
			Host:     smtpHost,
			Port:     config.GetEnv("SMTP_PORT", "587"),
			User:     config.GetEnv("SMTP_USER", ""),
			Password: config.GetEnv("SMTP_PASSWORD", ""),
			From:     config.GetEnv("SMTP_FROM", "norad@wopr.network"),
			FromName: config.GetEnv("SMTP_FROM_NAME", "WOPR Platform"),
		})
	}
	notifier := notify.New(notify.Config{
		Mailer: mailer,
		To:     config.GetEnv("OPERATOR_EMAIL", ""),
		Logger: logger,
	})

	// Recovery orchestrator and heartbeat watchdog
	orchestrator := recovery.NewOrchestrator(recovery.Config{
		Nodes:     nodeRepo,
		Instances: instanceRepo,
		Profiles:  profileStore,
		Events:    recoveryEvents,
		Bus:       bus,
		Notifier:  notifier,
		Logger:    logger,
		Metrics: &recovery.Metrics{
			Recoveries: metricsCollector.NewCounter("recoveries_total", "Recovery sweeps by outcome", []string{"outcome"}),
		},
	})

	alertEvents := alerts.NewEventStore(db, logger)
	heartbeatWatchdog := watchdog.New(watchdog.Config{
		Nodes:  nodeRepo,
		Events: alertEvents,
		OnOffline: func(nodeID string) {
			if _, err := orchestrator.TriggerRecovery(context.Background(), nodeID, models.TriggerHeartbeatTimeout); err != nil {
				logger.WithError(err).WithField("node_id", nodeID).Error("Automatic recovery failed")
			}
		},
		Logger: logger,
		Metrics: &watchdog.Metrics{
			Transitions: metricsCollector.NewCounter("node_transitions_total", "Watchdog node transitions", []string{"to"}),
		},
	})

	// Image poller and updater
	imageMetrics := &images.Metrics{
		Polls:           metricsCollector.NewCounter("image_polls_total", "Registry digest polls", []string{"channel"}),
		UpdatesDetected: metricsCollector.NewCounter("image_updates_detected_total", "New digests detected", []string{"channel"}),
		Updates:         metricsCollector.NewCounter("image_updates_total", "Bot image rollouts", []string{"outcome"}),
	}
	updater := images.NewUpdater(images.UpdaterConfig{
		Instances: instanceRepo,
		Profiles:  profileStore,
		Bus:       bus,
		Logger:    logger,
		Metrics:   imageMetrics,
	})
	poller := images.NewPoller(images.PollerConfig{
		Profiles:  profileStore,
		Instances: instanceRepo,
		Registry:  images.NewRegistryClient(images.RegistryConfig{Logger: logger}),
		Bus:       bus,
		OnUpdate: func(botID, digest string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := updater.UpdateBot(ctx, botID); err != nil {
				logger.WithError(err).WithFields(logging.Fields{
					"bot_id": botID,
					"digest": digest,
				}).Error("Automatic image update failed")
			}
		},
		Logger:  logger,
		Metrics: imageMetrics,
	})
	defer poller.Close()
	if err := poller.Sync(); err != nil {
		logger.WithError(err).Warn("Initial image poll sync failed")
	}

	// Payments and auto top-up
	stripeClient := payments.NewClient(payments.Config{SecretKey: stripeKey, Logger: logger})
	pendingTopups := payments.NewPendingTopups(db, logger)
	topupEngine := topup.New(topup.Config{
		Store:     topup.NewStore(db, logger),
		Charger:   stripeClient,
		Ledger:    ledgerSvc,
		Customers: settingsStore,
		Logger:    logger,
		Metrics: &topup.Metrics{
			Topups:   metricsCollector.NewCounter("topups_total", "Auto top-ups completed", []string{"trigger"}),
			Failures: metricsCollector.NewCounter("topup_failures_total", "Auto top-ups failed", []string{"trigger"}),
			Disabled: metricsCollector.NewCounter("topup_disabled_total", "Auto top-up disabled after repeated failures", nil).WithLabelValues(),
		},
	})

	// Meter pipeline: Kafka consumer feeding the ledger and rollups
	meterConsumer := metering.NewConsumer(metering.ConsumerConfig{
		Ledger:  ledgerSvc,
		Rollups: metering.NewStore(db, logger),
		Tenants: tenantSvc,
		Topup:   topupEngine,
		Logger:  logger,
		Metrics: &metering.Metrics{
			Billed:      metricsCollector.NewCounter("meter_events_billed_total", "Meter events debited", []string{"provider"}),
			Suspensions: metricsCollector.NewCounter("credit_suspensions_total", "Tenants suspended for exhausted credit", nil).WithLabelValues(),
		},
	})

	var meterSource jobs.MessageConsumer
	brokersEnv := config.GetEnv("KAFKA_BROKERS", "")
	if brokersEnv != "" {
		consumer, err := kafka.NewConsumer(
			strings.Split(brokersEnv, ","),
			config.GetEnv("KAFKA_GROUP_ID", "norad-billing"),
			config.GetEnv("KAFKA_CLIENT_ID", "norad"),
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		meterSource = consumer
		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
	} else {
		logger.Warn("KAFKA_BROKERS not set, meter consumption disabled")
	}

	// Alert checker
	checker := alerts.NewChecker(alerts.CheckerConfig{
		Alerts: []alerts.Alert{
			alerts.GatewayErrorRate(gateway.NewStatsStore(db, logger)),
			alerts.CreditDeductionSpike(ledgerSvc),
			alerts.FleetUnexpectedStop(alertEvents),
		},
		OnFire:    notifier.AlertFired,
		OnResolve: notifier.AlertResolved,
		Logger:    logger,
		Metrics: &alerts.Metrics{
			Firing: metricsCollector.NewGauge("alert_firing", "Alert state, 1 while firing", []string{"alert"}),
		},
	})

	// Stripe webhooks
	webhookHandler := webhooks.NewHandler(webhooks.Config{
		Reconciler: webhooks.NewReconciler(webhooks.NewStore(db, logger), ledgerSvc, settingsStore, logger),
		Penalties:  webhooks.NewPenaltyStore(redisClient),
		Secret:     stripeWebhookSecret,
		Logger:     logger,
		Metrics: &webhooks.Metrics{
			Deliveries: metricsCollector.NewCounter("webhook_deliveries_total", "Stripe webhook deliveries", []string{"outcome"}),
		},
	})

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":        dbURL,
		"SERVICE_TOKEN":       serviceToken,
		"AGENT_JWT_SECRET":    agentSecret,
		"VAULT_MASTER_SECRET": masterSecret,
		"STRIPE_SECRET_KEY":   stripeKey,
	}))

	// Admin/ops API
	api := handlers.New(handlers.Config{
		ServiceToken: serviceToken,
		Instances:    instanceRepo,
		Profiles:     profileStore,
		Nodes:        nodeRepo,
		Bus:          bus,
		Conns:        manager,
		Poller:       poller,
		Updater:      updater,
		Ledger:       ledgerSvc,
		Tenants:      tenantSvc,
		Settings:     settingsStore,
		Topups:       topupEngine,
		Checkout:     stripeClient,
		Pending:      pendingTopups,
		Tokens:       &auth.TokenStore{DB: db},
		Recovery:     orchestrator,
		Recoveries:   recoveryEvents,
		Vault:        vaultStore,
		Alerts:       checker,
		Logger:       logger,
	})

	// Background jobs
	jobManager := jobs.NewManager(jobs.Config{
		Watchdog:     heartbeatWatchdog,
		Alerts:       checker,
		Poller:       poller,
		Topups:       topupEngine,
		Consumer:     meterSource,
		MeterHandler: meterConsumer.HandleMessage,
		Logger:       logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "norad", healthChecker, metricsCollector)
	api.Register(router)
	webhookHandler.Register(router)
	manager.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("norad", "18090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
