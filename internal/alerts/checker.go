package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// DefaultCheckInterval between alert passes.
const DefaultCheckInterval = 30 * time.Second

// Status is the cached outcome of one alert.
type Status struct {
	Name      string    `json:"name"`
	Fired     bool      `json:"fired"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Metrics holds the checker's Prometheus instruments.
type Metrics struct {
	Firing *prometheus.GaugeVec // labels: alert
}

// CheckerConfig carries the dependencies for a Checker. A zero Interval
// falls back to the default.
type CheckerConfig struct {
	Alerts    []Alert
	Interval  time.Duration
	OnFire    func(name, detail string)
	OnResolve func(name string)
	Logger    logging.Logger
	Metrics   *Metrics
}

// Checker runs every alert on a timer and tracks fired state. The
// false→true transition invokes OnFire exactly once, true→false invokes
// OnResolve; a check error keeps the cached state so a flapping
// database does not flap alerts.
type Checker struct {
	alerts    []Alert
	interval  time.Duration
	onFire    func(name, detail string)
	onResolve func(name string)
	logger    logging.Logger
	metrics   *Metrics

	mu     sync.RWMutex
	status map[string]Status
}

func NewChecker(cfg CheckerConfig) *Checker {
	c := &Checker{
		alerts:    cfg.Alerts,
		interval:  cfg.Interval,
		onFire:    cfg.OnFire,
		onResolve: cfg.OnResolve,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		status:    make(map[string]Status),
	}
	if c.interval <= 0 {
		c.interval = DefaultCheckInterval
	}
	return c
}

// Run checks immediately and then on the configured interval until the
// context ends.
func (c *Checker) Run(ctx context.Context) {
	c.CheckNow(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		}
	}
}

// CheckNow runs every alert once and applies fired-state transitions.
func (c *Checker) CheckNow(ctx context.Context) {
	for _, alert := range c.alerts {
		fired, detail, err := alert.Check(ctx)
		if err != nil {
			c.logger.WithError(err).WithField("alert", alert.Name).Error("Alert check failed")
			continue
		}
		c.apply(alert.Name, fired, detail)
	}
}

func (c *Checker) apply(name string, fired bool, detail string) {
	c.mu.Lock()
	prev, known := c.status[name]
	c.status[name] = Status{Name: name, Fired: fired, Detail: detail, CheckedAt: time.Now()}
	c.mu.Unlock()

	c.setGauge(name, fired)

	switch {
	case fired && (!known || !prev.Fired):
		c.logger.WithFields(logging.Fields{
			"alert":  name,
			"detail": detail,
		}).Warn("Alert fired")
		if c.onFire != nil {
			c.onFire(name, detail)
		}
	case !fired && known && prev.Fired:
		c.logger.WithField("alert", name).Info("Alert resolved")
		if c.onResolve != nil {
			c.onResolve(name)
		}
	}
}

// Status returns the cached results in registration order. It never
// invokes a check; alerts that have not run yet report unfired.
func (c *Checker) Status() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.alerts))
	for _, alert := range c.alerts {
		if s, ok := c.status[alert.Name]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, Status{Name: alert.Name})
	}
	return out
}

func (c *Checker) setGauge(name string, fired bool) {
	if c.metrics == nil || c.metrics.Firing == nil {
		return
	}
	value := 0.0
	if fired {
		value = 1.0
	}
	c.metrics.Firing.WithLabelValues(name).Set(value)
}
