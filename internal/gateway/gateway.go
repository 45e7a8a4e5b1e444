// Package gateway is falken's request pipeline: authenticate the bearer
// token, gate on account status, spending caps and balance, rate-limit
// through the circuit breaker, proxy to the provider, meter the cost.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/breaker"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/middleware"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// BalanceFloor is the minimum balance that may open a metered request,
// roughly one day of bot runtime.
const BalanceFloor = credits.Credits(17)

// TokenResolver turns a presented bearer token into a principal.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*auth.GatewayPrincipal, error)
}

// StatusReader answers the tenant lifecycle gate.
type StatusReader interface {
	GetStatus(ctx context.Context, tenantID string) (*models.TenantStatus, error)
}

// SettingsReader answers spending-cap settings.
type SettingsReader interface {
	Get(ctx context.Context, tenantID string) (*models.TenantSettings, error)
}

// SpendReader answers windowed spend for cap enforcement.
type SpendReader interface {
	QuerySpend(ctx context.Context, tenantID string, now time.Time) (*models.SpendSummary, error)
}

// BalanceReader answers the balance-floor check.
type BalanceReader interface {
	Balance(ctx context.Context, tenantID string) (credits.Credits, error)
}

// RequestGate is the circuit breaker surface.
type RequestGate interface {
	Allow(ctx context.Context, tenantID, instanceID string) (*breaker.Decision, error)
}

// Dispatcher forwards a request to the provider. Implemented by Upstream.
type Dispatcher interface {
	Name() string
	Do(ctx context.Context, tenantID, method, path string, header http.Header, body []byte) (*http.Response, error)
}

// MeterRecorder persists raw meter events.
type MeterRecorder interface {
	Insert(ctx context.Context, ev *models.MeterEvent) error
}

// MeterPublisher ships meter events to the billing pipeline.
type MeterPublisher interface {
	Publish(ctx context.Context, ev *models.MeterEvent) error
}

// StatsRecorder counts finished requests for the error-rate alert.
type StatsRecorder interface {
	RecordRequest(ctx context.Context, at time.Time, isError bool) error
}

// Metrics holds the gateway's Prometheus instruments. All fields are
// optional; a nil Metrics disables recording.
type Metrics struct {
	Requests    *prometheus.CounterVec // labels: outcome
	MeterEvents prometheus.Counter
}

// Config wires a Gateway.
type Config struct {
	Tokens    TokenResolver
	Statuses  StatusReader
	Settings  SettingsReader
	Spend     SpendReader
	Ledger    BalanceReader
	Breaker   RequestGate
	Upstream  Dispatcher
	Meters    MeterRecorder
	Publisher MeterPublisher // optional; nil skips Kafka
	Stats     StatsRecorder  // optional
	Rates     *RateTable
	// MarginPercent is the platform markup applied to upstream cost.
	MarginPercent int
	Logger        logging.Logger
	Metrics       *Metrics
}

// Gateway owns the /v1 proxy surface.
type Gateway struct {
	tokens    TokenResolver
	statuses  StatusReader
	settings  SettingsReader
	spend     SpendReader
	ledger    BalanceReader
	breaker   RequestGate
	upstream  Dispatcher
	meters    MeterRecorder
	publisher MeterPublisher
	stats     StatsRecorder
	rates     *RateTable
	margin    int
	logger    logging.Logger
	metrics   *Metrics
}

func New(cfg Config) *Gateway {
	return &Gateway{
		tokens:    cfg.Tokens,
		statuses:  cfg.Statuses,
		settings:  cfg.Settings,
		spend:     cfg.Spend,
		ledger:    cfg.Ledger,
		breaker:   cfg.Breaker,
		upstream:  cfg.Upstream,
		meters:    cfg.Meters,
		publisher: cfg.Publisher,
		stats:     cfg.Stats,
		rates:     cfg.Rates,
		margin:    cfg.MarginPercent,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Register mounts the proxy under /v1. Stats run outermost so rejected
// requests are counted too.
func (g *Gateway) Register(r *gin.Engine) {
	v1 := r.Group("/v1", g.StatsMiddleware(), g.AuthMiddleware())
	v1.Any("/*path", g.Proxy)
}

const principalKey = "gateway_principal"

// PrincipalFrom returns the authenticated principal, or nil before the
// auth middleware ran.
func PrincipalFrom(c *gin.Context) *auth.GatewayPrincipal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*auth.GatewayPrincipal)
	return p
}

// AuthMiddleware resolves the bearer token and stores the principal on
// the request context.
func (g *Gateway) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := middleware.BearerToken(c)
		if !ok {
			g.countOutcome("unauthorized")
			openAIError(c, http.StatusUnauthorized, "invalid_api_key", "invalid_request_error", "Missing bearer token")
			return
		}

		principal, err := g.tokens.Resolve(c.Request.Context(), token)
		if errors.Is(err, auth.ErrInvalidGatewayToken) {
			g.countOutcome("unauthorized")
			openAIError(c, http.StatusUnauthorized, "invalid_api_key", "invalid_request_error", "Invalid or revoked API key")
			return
		}
		if err != nil {
			g.fail(c, "token resolution", err)
			return
		}

		c.Set(principalKey, principal)
		c.Set("tenant_id", principal.TenantID)
		c.Set("instance_id", principal.InstanceID)
		c.Next()
	}
}

// StatsMiddleware records one row per finished request, off the response
// path.
func (g *Gateway) StatsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if g.stats == nil {
			return
		}

		isError := c.Writer.Status() >= http.StatusInternalServerError
		go func(at time.Time, isError bool) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.stats.RecordRequest(ctx, at, isError); err != nil {
				g.logger.WithError(err).Warn("Failed to record request stats")
			}
		}(time.Now(), isError)
	}
}

func (g *Gateway) countOutcome(outcome string) {
	if g.metrics == nil || g.metrics.Requests == nil {
		return
	}
	g.metrics.Requests.WithLabelValues(outcome).Inc()
}

func (g *Gateway) fail(c *gin.Context, op string, err error) {
	g.logger.WithError(err).WithFields(logging.Fields{
		"op":   op,
		"path": c.Request.URL.Path,
	}).Error("Gateway pipeline error")
	openAIError(c, http.StatusInternalServerError, "internal_error", "api_error", "internal error")
}

// openAIError writes the nested error shape the proxied API surface
// uses everywhere except the flat 403 account gate.
func openAIError(c *gin.Context, status int, code, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{
		"message": message,
		"type":    errType,
		"code":    code,
	}})
	c.Abort()
}
