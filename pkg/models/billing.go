package models

import (
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
)

// Transaction types recorded in the credit ledger.
const (
	TxTypeTopup       = "topup"
	TxTypeUsage       = "usage"
	TxTypeSignupGrant = "signup_grant"
	TxTypeCorrection  = "correction"
	TxTypeRefund      = "refund"
	TxTypeAdjustment  = "adjustment"
)

// CreditTransaction is one append-only row in the credit ledger. Amount is
// signed: credits add, debits subtract. BalanceAfter is the tenant's running
// balance after this row.
type CreditTransaction struct {
	ID            int64           `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	Amount        credits.Credits `json:"amount_cents" db:"amount_cents"`
	BalanceAfter  credits.Credits `json:"balance_after_cents" db:"balance_after_cents"`
	Type          string          `json:"transaction_type" db:"transaction_type"`
	Description   *string         `json:"description,omitempty" db:"description"`
	ReferenceID   *string         `json:"reference_id,omitempty" db:"reference_id"`
	FundingSource *string         `json:"funding_source,omitempty" db:"funding_source"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TenantBalance pairs a tenant with its cached balance.
type TenantBalance struct {
	TenantID string          `json:"tenant_id" db:"tenant_id"`
	Balance  credits.Credits `json:"balance_cents" db:"balance_cents"`
}

// Tenant account statuses.
const (
	TenantActive      = "active"
	TenantGracePeriod = "grace_period"
	TenantSuspended   = "suspended"
	TenantBanned      = "banned"
)

// TenantStatus is the account lifecycle row. A missing row means active.
type TenantStatus struct {
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	Status          string     `json:"status" db:"status"`
	Reason          *string    `json:"reason,omitempty" db:"reason"`
	ChangedAt       time.Time  `json:"changed_at" db:"changed_at"`
	ChangedBy       string     `json:"changed_by" db:"changed_by"`
	GraceDeadline   *time.Time `json:"grace_deadline,omitempty" db:"grace_deadline"`
	DataDeleteAfter *time.Time `json:"data_delete_after,omitempty" db:"data_delete_after"`
}

// TenantSettings carries gateway spending caps and the Stripe customer
// mapping. Caps are nil when unset.
type TenantSettings struct {
	TenantID         string           `json:"tenant_id" db:"tenant_id"`
	DailyCapCents    *credits.Credits `json:"daily_cap_cents,omitempty" db:"daily_cap_cents"`
	MonthlyCapCents  *credits.Credits `json:"monthly_cap_cents,omitempty" db:"monthly_cap_cents"`
	StripeCustomerID *string          `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Top-up schedule intervals.
const (
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly"
)

// TopupSettings is the per-tenant auto-topup row shared by the
// usage-triggered and scheduled mechanisms.
type TopupSettings struct {
	TenantID                    string          `json:"tenant_id" db:"tenant_id"`
	UsageEnabled                bool            `json:"usage_enabled" db:"usage_enabled"`
	UsageThreshold              credits.Credits `json:"usage_threshold_cents" db:"usage_threshold_cents"`
	UsageTopup                  credits.Credits `json:"usage_topup_cents" db:"usage_topup_cents"`
	UsageChargeInFlight         bool            `json:"usage_charge_in_flight" db:"usage_charge_in_flight"`
	UsageConsecutiveFailures    int             `json:"usage_consecutive_failures" db:"usage_consecutive_failures"`
	ScheduleEnabled             bool            `json:"schedule_enabled" db:"schedule_enabled"`
	ScheduleAmount              credits.Credits `json:"schedule_amount_cents" db:"schedule_amount_cents"`
	ScheduleInterval            string          `json:"schedule_interval" db:"schedule_interval"`
	ScheduleNextAt              *time.Time      `json:"schedule_next_at,omitempty" db:"schedule_next_at"`
	ScheduleConsecutiveFailures int             `json:"schedule_consecutive_failures" db:"schedule_consecutive_failures"`
	StripePaymentMethodID       *string         `json:"stripe_payment_method_id,omitempty" db:"stripe_payment_method_id"`
	UpdatedAt                   time.Time       `json:"updated_at" db:"updated_at"`
}

// PendingTopup tracks a Stripe Checkout session awaiting its webhook.
type PendingTopup struct {
	ID              int64           `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	Amount          credits.Credits `json:"amount_cents" db:"amount_cents"`
	Status          string          `json:"status" db:"status"`
	StripeSessionID *string         `json:"stripe_session_id,omitempty" db:"stripe_session_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
