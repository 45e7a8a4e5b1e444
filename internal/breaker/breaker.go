// Package breaker rate-limits runaway gateway callers. One circuit per
// bot instance (falling back to the tenant for bare API keys): more than
// MaxRequestsPerWindow requests inside Window trips the circuit and
// pauses the caller for Pause.
package breaker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Defaults, overridable per deployment.
const (
	DefaultMaxRequestsPerWindow = 100
	DefaultWindow               = 10 * time.Second
	DefaultPause                = 300 * time.Second
)

// Stater is the persistence surface the breaker needs. Implemented by
// Store; each method must be atomic across gateway replicas.
type Stater interface {
	Get(ctx context.Context, instanceID string) (*models.CircuitState, error)
	IncrementOrReset(ctx context.Context, instanceID string, window time.Duration) (int, error)
	Trip(ctx context.Context, instanceID string) (bool, error)
	Reset(ctx context.Context, instanceID string) error
}

// OnTripFunc observes the untripped-to-tripped transition. Fired exactly
// once per trip.
type OnTripFunc func(tenantID, instanceID string, count int)

// Decision is the breaker's answer for one request.
type Decision struct {
	Allowed     bool
	RetryAfter  time.Duration
	PausedUntil time.Time
}

// Metrics holds the breaker's Prometheus instruments. All fields are
// optional; a nil Metrics disables recording.
type Metrics struct {
	Trips      prometheus.Counter
	Rejections prometheus.Counter
}

// Config wires a Breaker. Zero limits fall back to the defaults.
type Config struct {
	Store                Stater
	Logger               logging.Logger
	Metrics              *Metrics
	OnTrip               OnTripFunc
	MaxRequestsPerWindow int
	Window               time.Duration
	Pause                time.Duration
}

type Breaker struct {
	store   Stater
	logger  logging.Logger
	metrics *Metrics
	onTrip  OnTripFunc
	max     int
	window  time.Duration
	pause   time.Duration
}

func New(cfg Config) *Breaker {
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = DefaultMaxRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	return &Breaker{
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		onTrip:  cfg.OnTrip,
		max:     cfg.MaxRequestsPerWindow,
		window:  cfg.Window,
		pause:   cfg.Pause,
	}
}

// Allow decides whether this request may proceed. The circuit id is the
// instance when the token carries one, else the tenant.
func (b *Breaker) Allow(ctx context.Context, tenantID, instanceID string) (*Decision, error) {
	id := instanceID
	if id == "" {
		id = tenantID
	}

	state, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != nil && state.TrippedAt != nil {
		pausedUntil := state.TrippedAt.Add(b.pause)
		if time.Now().Before(pausedUntil) {
			if b.metrics != nil && b.metrics.Rejections != nil {
				b.metrics.Rejections.Inc()
			}
			return &Decision{RetryAfter: time.Until(pausedUntil), PausedUntil: pausedUntil}, nil
		}
		// Pause served; close the circuit and fall through to counting.
		if err := b.store.Reset(ctx, id); err != nil {
			return nil, err
		}
	}

	count, err := b.store.IncrementOrReset(ctx, id, b.window)
	if err != nil {
		return nil, err
	}
	if count <= b.max {
		return &Decision{Allowed: true}, nil
	}

	tripped, err := b.store.Trip(ctx, id)
	if err != nil {
		return nil, err
	}
	if tripped {
		if b.metrics != nil && b.metrics.Trips != nil {
			b.metrics.Trips.Inc()
		}
		b.logger.WithFields(logging.Fields{
			"circuit_id":    id,
			"tenant_id":     tenantID,
			"request_count": count,
		}).Warn("Circuit tripped")
		if b.onTrip != nil {
			b.onTrip(tenantID, id, count)
		}
	}

	pausedUntil := time.Now().Add(b.pause)
	if b.metrics != nil && b.metrics.Rejections != nil {
		b.metrics.Rejections.Inc()
	}
	return &Decision{RetryAfter: b.pause, PausedUntil: pausedUntil}, nil
}
