// Package handlers exposes the norad control-plane REST API: bot
// lifecycle, billing and top-ups, tenant account state, and fleet
// operations. Every route sits behind the service token; humans reach
// it through the operator UI, never directly.
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/internal/alerts"
	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/images"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/payments"
	"github.com/wopr-network/wopr-platform-sub005/internal/tenants"
	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/middleware"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// BotRepo is the instance repository surface the API needs.
type BotRepo interface {
	Create(ctx context.Context, inst *models.BotInstance) error
	Get(ctx context.Context, id string) (*models.BotInstance, error)
	Delete(ctx context.Context, id string) error
	ListByTenant(ctx context.Context, tenantID string) ([]models.BotInstance, error)
}

// ProfileStore persists bot profiles.
type ProfileStore interface {
	Save(profile *models.BotProfile) error
	Get(id string) (*models.BotProfile, error)
	Delete(id string) error
}

// NodeStore is the node repository surface the API needs.
type NodeStore interface {
	Get(ctx context.Context, id string) (*models.Node, error)
	List(ctx context.Context) ([]models.Node, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]models.Node, error)
	AdjustUsedMB(ctx context.Context, id string, deltaMB int64) error
	Transitions(ctx context.Context, nodeID string, limit int) ([]models.NodeTransition, error)
}

// CommandSender delivers typed commands to node agents.
type CommandSender interface {
	Send(ctx context.Context, nodeID string, cmd commandbus.Command) (commandbus.Result, error)
}

// ConnectionChecker reports whether a node has a live agent connection.
type ConnectionChecker interface {
	Connected(nodeID string) bool
}

// ImageTracker keeps the image poller's watch list in step with bot
// creation and deletion.
type ImageTracker interface {
	Track(profile *models.BotProfile)
	Untrack(botID string)
}

// BotUpdater rolls a bot to its current profile image.
type BotUpdater interface {
	UpdateBot(ctx context.Context, botID string) (*images.UpdateReport, error)
}

// Ledger is the credit ledger surface the API needs.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (credits.Credits, error)
	History(ctx context.Context, tenantID string, limit, offset int) ([]models.CreditTransaction, error)
	Credit(ctx context.Context, e ledger.Entry) (*models.CreditTransaction, error)
	Debit(ctx context.Context, e ledger.Entry) (*models.CreditTransaction, error)
}

// TenantService drives account status transitions.
type TenantService interface {
	GetStatus(ctx context.Context, tenantID string) (*models.TenantStatus, error)
	Suspend(ctx context.Context, tenantID, reason, by string) ([]string, error)
	Reactivate(ctx context.Context, tenantID, by string) error
	Ban(ctx context.Context, tenantID, reason, by string) (*tenants.BanResult, error)
	SetGracePeriod(ctx context.Context, tenantID string) error
}

// SettingsStore reads and writes per-tenant billing settings.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (*models.TenantSettings, error)
	SetCaps(ctx context.Context, tenantID string, daily, monthly *credits.Credits) error
}

// TopupEngine configures auto top-ups.
type TopupEngine interface {
	Settings(ctx context.Context, tenantID string) (*models.TopupSettings, error)
	ConfigureUsage(ctx context.Context, tenantID string, enabled bool, threshold, amount credits.Credits) error
	ConfigureSchedule(ctx context.Context, tenantID string, enabled bool, amount credits.Credits, interval string, now time.Time) error
	SetPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) error
}

// CheckoutCreator opens Stripe Checkout sessions.
type CheckoutCreator interface {
	CreateTopupCheckout(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error)
}

// PendingTopupOpener records a Checkout session awaiting its webhook.
type PendingTopupOpener interface {
	Open(ctx context.Context, tenantID string, amount credits.Credits, sessionID string) error
}

// TokenStore manages gateway bearer tokens.
type TokenStore interface {
	Issue(ctx context.Context, tenantID, instanceID, name string) (*auth.IssuedToken, error)
	List(ctx context.Context, tenantID string) ([]auth.TokenInfo, error)
	Revoke(ctx context.Context, tenantID string, id int64) (bool, error)
}

// RecoveryRunner triggers and retries recoveries.
type RecoveryRunner interface {
	TriggerRecovery(ctx context.Context, nodeID, trigger string) (*models.RecoveryEvent, error)
	RetryWaiting(ctx context.Context, eventID string) (*models.RecoveryEvent, error)
}

// RecoveryReader serves the recovery event log.
type RecoveryReader interface {
	List(ctx context.Context, limit int) ([]models.RecoveryEvent, error)
	Get(ctx context.Context, id string) (*models.RecoveryEvent, error)
	Items(ctx context.Context, eventID string) ([]models.RecoveryItem, error)
}

// VaultAdmin runs credential-store maintenance.
type VaultAdmin interface {
	Audit(ctx context.Context) (*vault.AuditReport, error)
	MigratePlaintext(ctx context.Context) (int, error)
	ReEncryptAll(ctx context.Context, oldSecret, newSecret []byte) (*vault.ReEncryptReport, error)
}

// AlertReader reports the current alert states.
type AlertReader interface {
	Status() []alerts.Status
}

// Config carries the dependencies for the API.
type Config struct {
	ServiceToken string

	Instances BotRepo
	Profiles  ProfileStore
	Nodes     NodeStore
	Bus       CommandSender
	Conns     ConnectionChecker
	Poller    ImageTracker
	Updater   BotUpdater

	Ledger   Ledger
	Tenants  TenantService
	Settings SettingsStore
	Topups   TopupEngine
	Checkout CheckoutCreator
	Pending  PendingTopupOpener
	Tokens   TokenStore

	Recovery   RecoveryRunner
	Recoveries RecoveryReader
	Vault      VaultAdmin
	Alerts     AlertReader

	Logger logging.Logger
}

// API is the norad control-plane HTTP surface.
type API struct {
	serviceToken string

	instances BotRepo
	profiles  ProfileStore
	nodes     NodeStore
	bus       CommandSender
	conns     ConnectionChecker
	poller    ImageTracker
	updater   BotUpdater

	ledger   Ledger
	tenants  TenantService
	settings SettingsStore
	topups   TopupEngine
	checkout CheckoutCreator
	pending  PendingTopupOpener
	tokens   TokenStore

	recovery   RecoveryRunner
	recoveries RecoveryReader
	vault      VaultAdmin
	alerts     AlertReader

	logger logging.Logger
}

// New creates the API.
func New(cfg Config) *API {
	return &API{
		serviceToken: cfg.ServiceToken,
		instances:    cfg.Instances,
		profiles:     cfg.Profiles,
		nodes:        cfg.Nodes,
		bus:          cfg.Bus,
		conns:        cfg.Conns,
		poller:       cfg.Poller,
		updater:      cfg.Updater,
		ledger:       cfg.Ledger,
		tenants:      cfg.Tenants,
		settings:     cfg.Settings,
		topups:       cfg.Topups,
		checkout:     cfg.Checkout,
		pending:      cfg.Pending,
		tokens:       cfg.Tokens,
		recovery:     cfg.Recovery,
		recoveries:   cfg.Recoveries,
		vault:        cfg.Vault,
		alerts:       cfg.Alerts,
		logger:       cfg.Logger,
	}
}

// Register mounts every route under /api/v1 behind service-token auth.
func (a *API) Register(r *gin.Engine) {
	api := r.Group("/api/v1", middleware.ServiceAuthMiddleware(a.serviceToken))

	bots := api.Group("/bots")
	bots.POST("", a.CreateBot)
	bots.GET("", a.ListBots)
	bots.GET("/:id", a.GetBot)
	bots.DELETE("/:id", a.DeleteBot)
	bots.POST("/:id/start", a.StartBot)
	bots.POST("/:id/stop", a.StopBot)
	bots.POST("/:id/restart", a.RestartBot)
	bots.POST("/:id/update", a.UpdateBot)

	t := api.Group("/tenants/:tenant_id")
	t.GET("/status", a.TenantStatus)
	t.POST("/suspend", a.SuspendTenant)
	t.POST("/reactivate", a.ReactivateTenant)
	t.POST("/ban", a.BanTenant)
	t.POST("/grace", a.GrantGracePeriod)
	t.GET("/balance", a.Balance)
	t.GET("/transactions", a.Transactions)
	t.POST("/credit", a.ManualCredit)
	t.POST("/debit", a.ManualDebit)
	t.PUT("/caps", a.SetCaps)
	t.GET("/topup", a.TopupSettings)
	t.PUT("/topup/usage", a.ConfigureUsageTopup)
	t.PUT("/topup/schedule", a.ConfigureScheduleTopup)
	t.PUT("/topup/payment-method", a.SetTopupPaymentMethod)
	t.POST("/checkout", a.CreateCheckout)
	t.POST("/tokens", a.IssueToken)
	t.GET("/tokens", a.ListTokens)
	t.DELETE("/tokens/:token_id", a.RevokeToken)

	nodes := api.Group("/nodes")
	nodes.GET("", a.ListNodes)
	nodes.GET("/:id", a.GetNode)
	nodes.GET("/:id/transitions", a.NodeTransitions)
	nodes.POST("/:id/recover", a.RecoverNode)

	rec := api.Group("/recoveries")
	rec.GET("", a.ListRecoveries)
	rec.GET("/:id", a.GetRecovery)
	rec.POST("/:id/retry", a.RetryRecovery)

	v := api.Group("/vault")
	v.GET("/audit", a.VaultAudit)
	v.POST("/migrate", a.VaultMigrate)
	v.POST("/re-encrypt", a.VaultReEncrypt)

	api.GET("/alerts", a.AlertStatus)
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// requestedBy normalises the optional audit identity on mutating calls.
func requestedBy(s string) string {
	if s == "" {
		return "ops_api"
	}
	return s
}
