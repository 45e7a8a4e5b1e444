// Package jobs runs norad's background loops: the heartbeat watchdog,
// the image poll reconciler, scheduled top-ups, alert checks and the
// meter-event consumer.
package jobs

import (
	"context"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/kafka"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

const (
	// DefaultTopupInterval is how often due scheduled top-ups are charged.
	DefaultTopupInterval = time.Minute

	// DefaultSyncInterval is how often the image poller's timer set is
	// reconciled against the profile store. Individual bots poll on
	// their own timers; the sync only repairs drift after restarts.
	DefaultSyncInterval = 5 * time.Minute
)

// Runner is a self-looping job that exits when the context ends. The
// watchdog and the alert checker satisfy it.
type Runner interface {
	Run(ctx context.Context)
}

// Syncer reconciles the image poller against stored profiles.
type Syncer interface {
	Sync() error
}

// ScheduleRunner charges every scheduled top-up that has come due.
type ScheduleRunner interface {
	RunDue(ctx context.Context, now time.Time) error
}

// MessageConsumer is the slice of the Kafka consumer the manager drives.
type MessageConsumer interface {
	AddHandler(topic string, handler kafka.Handler)
	Start(ctx context.Context) error
	Close() error
}

// Config wires a Manager. Nil components skip their job, so norad can
// run without Kafka or Stripe in development.
type Config struct {
	Watchdog Runner
	Alerts   Runner
	Poller   Syncer
	Topups   ScheduleRunner

	Consumer     MessageConsumer
	MeterTopic   string
	MeterHandler kafka.Handler

	TopupInterval time.Duration
	SyncInterval  time.Duration

	Logger logging.Logger
}

// Manager owns the background jobs' lifecycle.
type Manager struct {
	watchdog Runner
	alerts   Runner
	poller   Syncer
	topups   ScheduleRunner

	consumer     MessageConsumer
	meterTopic   string
	meterHandler kafka.Handler

	topupInterval time.Duration
	syncInterval  time.Duration

	logger logging.Logger
	stopCh chan struct{}
}

// NewManager creates a manager; Start launches the jobs.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		watchdog:      cfg.Watchdog,
		alerts:        cfg.Alerts,
		poller:        cfg.Poller,
		topups:        cfg.Topups,
		consumer:      cfg.Consumer,
		meterTopic:    cfg.MeterTopic,
		meterHandler:  cfg.MeterHandler,
		topupInterval: cfg.TopupInterval,
		syncInterval:  cfg.SyncInterval,
		logger:        cfg.Logger,
		stopCh:        make(chan struct{}),
	}
	if m.meterTopic == "" {
		m.meterTopic = "wopr.meter.events"
	}
	if m.topupInterval <= 0 {
		m.topupInterval = DefaultTopupInterval
	}
	if m.syncInterval <= 0 {
		m.syncInterval = DefaultSyncInterval
	}
	return m
}

// Start launches every configured job. Jobs stop when the context ends
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting background jobs")

	if m.watchdog != nil {
		go m.watchdog.Run(ctx)
	}
	if m.alerts != nil {
		go m.alerts.Run(ctx)
	}
	if m.consumer != nil && m.meterHandler != nil {
		m.consumer.AddHandler(m.meterTopic, m.meterHandler)
		go func() {
			if err := m.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).Error("Meter consumer exited with error")
			}
		}()
	}
	if m.poller != nil {
		go m.runPollerSync(ctx)
	}
	if m.topups != nil {
		go m.runScheduledTopups(ctx)
	}
}

// Stop shuts the consumer and ends the manager's own loops. Jobs driven
// purely by the context keep running until it is cancelled.
func (m *Manager) Stop() {
	m.logger.Info("Stopping background jobs")
	if m.consumer != nil {
		if err := m.consumer.Close(); err != nil {
			m.logger.WithError(err).Warn("Failed to close meter consumer")
		}
	}
	close(m.stopCh)
}

func (m *Manager) runScheduledTopups(ctx context.Context) {
	ticker := time.NewTicker(m.topupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.topups.RunDue(ctx, time.Now().UTC()); err != nil {
				m.logger.WithError(err).Error("Scheduled top-up run failed")
			}
		}
	}
}

func (m *Manager) runPollerSync(ctx context.Context) {
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.poller.Sync(); err != nil {
				m.logger.WithError(err).Error("Image poller sync failed")
			}
		}
	}
}
