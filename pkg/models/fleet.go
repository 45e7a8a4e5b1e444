package models

import "time"

// Node statuses.
const (
	NodeActive     = "active"
	NodeUnhealthy  = "unhealthy"
	NodeOffline    = "offline"
	NodeRecovering = "recovering"
	NodeReturning  = "returning"
	NodeFailed     = "failed"
)

// Node transition reasons.
const (
	ReasonHeartbeatTimeout     = "heartbeat_timeout"
	ReasonHeartbeatOK          = "heartbeat_ok"
	ReasonReRegistration       = "re_registration"
	ReasonManualRecovery       = "manual_recovery"
	ReasonRecoveryComplete     = "recovery_complete"
	ReasonRecoverySetupFailed  = "recovery_setup_failed"
	ReasonOrphanCleanupDone    = "orphan_cleanup_complete"
)

// Node is one worker host running the agent.
type Node struct {
	ID              string     `json:"id" db:"id"`
	Host            string     `json:"host" db:"host"`
	Status          string     `json:"status" db:"status"`
	CapacityMB      int64      `json:"capacity_mb" db:"capacity_mb"`
	UsedMB          int64      `json:"used_mb" db:"used_mb"`
	AgentVersion    *string    `json:"agent_version,omitempty" db:"agent_version"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	RegisteredAt    time.Time  `json:"registered_at" db:"registered_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// FreeMB is the capacity still available for placements.
func (n Node) FreeMB() int64 {
	return n.CapacityMB - n.UsedMB
}

// NodeTransition is one append-only status-change row.
type NodeTransition struct {
	ID          int64     `json:"id" db:"id"`
	NodeID      string    `json:"node_id" db:"node_id"`
	FromStatus  string    `json:"from_status" db:"from_status"`
	ToStatus    string    `json:"to_status" db:"to_status"`
	Reason      string    `json:"reason" db:"reason"`
	TriggeredBy string    `json:"triggered_by" db:"triggered_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Bot billing states.
const (
	BotBillingActive    = "active"
	BotBillingSuspended = "suspended"
	BotBillingDestroyed = "destroyed"
)

// Resource tiers, smallest first.
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// TierPriority orders tiers for recovery: higher recovers first.
func TierPriority(tier string) int {
	switch tier {
	case TierEnterprise:
		return 3
	case TierPro:
		return 2
	case TierStarter:
		return 1
	default:
		return 0
	}
}

// ValidTier reports whether tier names a known resource tier.
func ValidTier(tier string) bool {
	switch tier {
	case TierFree, TierStarter, TierPro, TierEnterprise:
		return true
	}
	return false
}

// TierMemoryMB is the memory reservation a bot of the given tier needs on
// a node.
func TierMemoryMB(tier string) int64 {
	switch tier {
	case TierEnterprise:
		return 2048
	case TierPro:
		return 1024
	case TierStarter:
		return 512
	default:
		return 256
	}
}

// BotInstance is the runtime record pairing a bot profile with a node and a
// billing lifecycle. Its id equals the profile's id. NodeID is nil exactly
// when the bot holds no reservation on any node.
type BotInstance struct {
	ID              string     `json:"id" db:"id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	Name            string     `json:"name" db:"name"`
	NodeID          *string    `json:"node_id,omitempty" db:"node_id"`
	BillingState    string     `json:"billing_state" db:"billing_state"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty" db:"suspended_at"`
	DestroyAfter    *time.Time `json:"destroy_after,omitempty" db:"destroy_after"`
	ResourceTier    string     `json:"resource_tier" db:"resource_tier"`
	StorageTier     string     `json:"storage_tier" db:"storage_tier"`
	CreatedByUserID *string    `json:"created_by_user_id,omitempty" db:"created_by_user_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Profile enums.
const (
	RestartNo            = "no"
	RestartAlways        = "always"
	RestartOnFailure     = "on-failure"
	RestartUnlessStopped = "unless-stopped"

	ChannelStable  = "stable"
	ChannelCanary  = "canary"
	ChannelStaging = "staging"
	ChannelPinned  = "pinned"

	UpdateManual  = "manual"
	UpdateOnPush  = "on-push"
	UpdateNightly = "nightly"
)

// HealthCheck is the optional container health probe declaration.
type HealthCheck struct {
	Test     []string `json:"test,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Retries  int      `json:"retries,omitempty"`
}

// BotProfile is the declared state of a bot, stored as a JSON blob keyed by
// its v4 UUID. Runtime state lives in the container and in BotInstance.
type BotProfile struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Image          string            `json:"image"`
	Env            map[string]string `json:"env,omitempty"`
	RestartPolicy  string            `json:"restartPolicy"`
	ReleaseChannel string            `json:"releaseChannel"`
	UpdatePolicy   string            `json:"updatePolicy"`
	Volumes        []string          `json:"volumes,omitempty"`
	HealthCheck    *HealthCheck      `json:"healthCheck,omitempty"`
}

// AgentContainer is one running container as reported in an agent
// heartbeat frame.
type AgentContainer struct {
	Name     string `json:"name"`
	MemoryMB int64  `json:"memory_mb"`
}

// OrphanReport summarises one orphan-cleanup pass on a returning node.
type OrphanReport struct {
	Stopped []string `json:"stopped"`
	Kept    []string `json:"kept"`
	Errors  []string `json:"errors,omitempty"`
}

// Recovery event triggers.
const (
	TriggerHeartbeatTimeout = "heartbeat_timeout"
	TriggerManual           = "manual"
)

// Recovery event statuses.
const (
	RecoveryInProgress = "in_progress"
	RecoveryCompleted  = "completed"
	RecoveryPartial    = "partial"
	RecoveryFailed     = "failed"
)

// Recovery item statuses.
const (
	ItemRecovered = "recovered"
	ItemFailed    = "failed"
	ItemWaiting   = "waiting"
)

// RecoveryEvent tracks one attempt to move tenants off a dead node.
type RecoveryEvent struct {
	ID               string     `json:"id" db:"id"`
	NodeID           string     `json:"node_id" db:"node_id"`
	Trigger          string     `json:"trigger" db:"trigger"`
	Status           string     `json:"status" db:"status"`
	TenantsTotal     int        `json:"tenants_total" db:"tenants_total"`
	TenantsRecovered int        `json:"tenants_recovered" db:"tenants_recovered"`
	TenantsFailed    int        `json:"tenants_failed" db:"tenants_failed"`
	TenantsWaiting   int        `json:"tenants_waiting" db:"tenants_waiting"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Report           JSONB      `json:"report,omitempty" db:"report"`
}

// RecoveryItem is one tenant's outcome within a recovery event.
type RecoveryItem struct {
	ID          int64      `json:"id" db:"id"`
	EventID     string     `json:"event_id" db:"event_id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	BotID       string     `json:"bot_id" db:"bot_id"`
	SourceNode  string     `json:"source_node" db:"source_node"`
	TargetNode  *string    `json:"target_node,omitempty" db:"target_node"`
	BackupKey   string     `json:"backup_key" db:"backup_key"`
	Status      string     `json:"status" db:"status"`
	Reason      *string    `json:"reason,omitempty" db:"reason"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// FleetEventStop marks a fleet_events row recording bots stopping without
// the control plane asking.
const FleetEventStop = "fleet_stop"

// FleetEvent is an operational event row; unconsumed fleet_stop rows drive
// the fleet-unexpected-stop alert.
type FleetEvent struct {
	ID         int64      `json:"id" db:"id"`
	EventType  string     `json:"event_type" db:"event_type"`
	Detail     JSONB      `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}
