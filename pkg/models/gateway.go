package models

import (
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
)

// MeterEvent is one metered upstream call. Cost is what the provider
// charged us; Charge is cost with the platform margin applied.
type MeterEvent struct {
	ID         int64           `json:"id" db:"id"`
	EventID    string          `json:"event_id" db:"event_id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	Cost       credits.Credits `json:"cost_credits" db:"cost_credits"`
	Charge     credits.Credits `json:"charge_credits" db:"charge_credits"`
	Capability string          `json:"capability" db:"capability"`
	Provider   string          `json:"provider" db:"provider"`
	InstanceID *string         `json:"instance_id,omitempty" db:"instance_id"`
	Model      *string         `json:"model,omitempty" db:"model"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// CircuitState is the persisted per-instance request-window counter.
// Mutated only through the breaker's atomic primitives.
type CircuitState struct {
	InstanceID   string     `json:"instance_id" db:"instance_id"`
	RequestCount int        `json:"request_count" db:"request_count"`
	WindowStart  time.Time  `json:"window_start" db:"window_start"`
	TrippedAt    *time.Time `json:"tripped_at,omitempty" db:"tripped_at"`
}

// UsageSummary is an aggregated window of meter events.
type UsageSummary struct {
	ID          int64           `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	WindowStart time.Time       `json:"window_start" db:"window_start"`
	WindowEnd   time.Time       `json:"window_end" db:"window_end"`
	TotalCost   credits.Credits `json:"total_cost_credits" db:"total_cost_credits"`
	TotalCharge credits.Credits `json:"total_charge_credits" db:"total_charge_credits"`
	EventCount  int             `json:"event_count" db:"event_count"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// SpendSummary is the aggregator's answer for cap enforcement.
type SpendSummary struct {
	Daily   credits.Credits `json:"daily_spend_cents"`
	Monthly credits.Credits `json:"monthly_spend_cents"`
}

// GatewayToken is a hashed bearer credential resolving to a tenant and an
// optional bot instance.
type GatewayToken struct {
	ID         int64      `json:"id" db:"id"`
	TokenHash  string     `json:"-" db:"token_hash"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	InstanceID *string    `json:"instance_id,omitempty" db:"instance_id"`
	Name       string     `json:"name" db:"name"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
