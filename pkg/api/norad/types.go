// Package norad defines the request and response types of the norad
// control-plane API.
package norad

import (
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// CreateBotRequest is the payload for creating a bot.
type CreateBotRequest struct {
	TenantID       string              `json:"tenant_id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Image          string              `json:"image"`
	Env            map[string]string   `json:"env,omitempty"`
	RestartPolicy  string              `json:"restart_policy,omitempty"`
	ReleaseChannel string              `json:"release_channel,omitempty"`
	UpdatePolicy   string              `json:"update_policy,omitempty"`
	ResourceTier   string              `json:"resource_tier,omitempty"`
	StorageTier    string              `json:"storage_tier,omitempty"`
	Volumes        []string            `json:"volumes,omitempty"`
	HealthCheck    *models.HealthCheck `json:"health_check,omitempty"`
	CreatedBy      string              `json:"created_by,omitempty"`
}

// CreateBotResponse confirms a placement.
type CreateBotResponse struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
}

// BotRuntime is live container state merged into a bot detail when the
// hosting node is connected.
type BotRuntime struct {
	State  string `json:"state"` // running, stopped or unknown
	Health string `json:"health,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// Bot is the full view of one bot: instance row, stored profile and,
// when available, live runtime state.
type Bot struct {
	models.BotInstance
	Profile *models.BotProfile `json:"profile,omitempty"`
	Runtime *BotRuntime        `json:"runtime,omitempty"`
}

// BalanceResponse reports a tenant's credit balance.
type BalanceResponse struct {
	TenantID     string `json:"tenant_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// LedgerEntryRequest is a manual credit or debit issued by an operator.
type LedgerEntryRequest struct {
	AmountCents   int64  `json:"amount_cents"`
	Description   string `json:"description,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	AllowNegative bool   `json:"allow_negative,omitempty"`
}

// CapsRequest sets gateway spending caps. A nil cap clears it.
type CapsRequest struct {
	DailyCapCents   *int64 `json:"daily_cap_cents"`
	MonthlyCapCents *int64 `json:"monthly_cap_cents"`
}

// UsageTopupRequest configures the balance-triggered auto top-up.
type UsageTopupRequest struct {
	Enabled        bool  `json:"enabled"`
	ThresholdCents int64 `json:"threshold_cents"`
	AmountCents    int64 `json:"amount_cents"`
}

// ScheduleTopupRequest configures the scheduled auto top-up.
type ScheduleTopupRequest struct {
	Enabled     bool   `json:"enabled"`
	AmountCents int64  `json:"amount_cents"`
	Interval    string `json:"interval"`
}

// PaymentMethodRequest stores the Stripe payment method auto top-ups
// charge against.
type PaymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// CheckoutRequest opens a Stripe Checkout session for a manual top-up.
type CheckoutRequest struct {
	AmountCents int64  `json:"amount_cents"`
	SuccessURL  string `json:"success_url"`
	CancelURL   string `json:"cancel_url"`
}

// CheckoutResponse hands the session URL back to the UI.
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// IssueTokenRequest mints a gateway token. InstanceID narrows the token
// to one bot; empty means tenant-wide.
type IssueTokenRequest struct {
	Name       string `json:"name,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// StatusChangeRequest drives suspend, reactivate and grace transitions.
type StatusChangeRequest struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// BanRequest permanently bans a tenant. ConfirmName must spell out
// "BAN <tenant_id>" exactly.
type BanRequest struct {
	Reason      string `json:"reason,omitempty"`
	ConfirmName string `json:"confirm_name"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// TenantStatusResponse pairs the account state with the live balance.
type TenantStatusResponse struct {
	models.TenantStatus
	BalanceCents int64 `json:"balance_cents"`
}

// SuspendResponse lists the bots a suspension stopped.
type SuspendResponse struct {
	TenantID      string   `json:"tenant_id"`
	Status        string   `json:"status"`
	SuspendedBots []string `json:"suspended_bots"`
}

// BanResponse reports the outcome of a ban.
type BanResponse struct {
	TenantID        string   `json:"tenant_id"`
	Status          string   `json:"status"`
	RefundedCents   int64    `json:"refunded_cents"`
	SuspendedBots   []string `json:"suspended_bots"`
	DataDeleteAfter string   `json:"data_delete_after,omitempty"`
}

// RecoveryDetail is a recovery event with its per-tenant items.
type RecoveryDetail struct {
	Event models.RecoveryEvent  `json:"event"`
	Items []models.RecoveryItem `json:"items"`
}

// ReEncryptRequest rotates the vault master secret.
type ReEncryptRequest struct {
	OldSecret string `json:"old_secret"`
	NewSecret string `json:"new_secret"`
}
