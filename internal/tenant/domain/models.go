package domain

import (
	"time"

	"gorm.io/datatypes"
)

type PlanType string

const (
	PlanBasic      PlanType = "basic"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is an isolated customer account. Rows are never deleted; suspension
// flips Status.
type Tenant struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name               string    `gorm:"type:varchar(255);not null" json:"name"`
	Domain             string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_tenants_domain" json:"domain"`
	CustomDomain       *string   `gorm:"type:varchar(255);index:ix_tenants_custom_domain" json:"custom_domain"`
	PlanType           PlanType  `gorm:"type:varchar(32);not null;default:basic" json:"plan_type"`
	Status             Status    `gorm:"type:varchar(32);not null;default:trial;index:ix_tenants_status" json:"status"`
	MaxProviders       int64     `gorm:"not null;default:5" json:"max_providers"`
	MaxConcurrentUsers int64     `gorm:"not null;default:100" json:"max_concurrent_users"`
	MaxAPICallsPerHour int64     `gorm:"column:max_api_calls_per_hour;not null;default:1000" json:"max_api_calls_per_hour"`
	BotToken           *string   `gorm:"type:text" json:"bot_token,omitempty"`
	ChannelID          *string   `gorm:"type:varchar(255)" json:"channel_id,omitempty"`
	CreatedAt          time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Resolvable reports whether requests may be attributed to the tenant.
func (t *Tenant) Resolvable() bool {
	return t != nil && (t.Status == StatusActive || t.Status == StatusTrial)
}

// APIKey stores the sha256 of a tenant secret. Revocation flips IsActive; the
// active name is unique per tenant, so a rotated key keeps its label.
type APIKey struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID   string     `gorm:"type:varchar(36);not null;index:ix_tenant_api_keys_tenant;uniqueIndex:ux_tenant_api_keys_active_name,priority:1,where:is_active = true" json:"tenant_id"`
	KeyName    string     `gorm:"type:varchar(100);not null;uniqueIndex:ux_tenant_api_keys_active_name,priority:2,where:is_active = true" json:"key_name"`
	KeyHash    string     `gorm:"type:varchar(64);not null;index:ix_tenant_api_keys_hash" json:"key_hash"`
	IsActive   bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

func (APIKey) TableName() string { return "tenant_api_keys" }

type Feature struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID    string         `gorm:"type:varchar(36);not null;uniqueIndex:ux_tenant_features_name,priority:1" json:"tenant_id"`
	FeatureName string         `gorm:"type:varchar(100);not null;uniqueIndex:ux_tenant_features_name,priority:2" json:"feature_name"`
	IsEnabled   bool           `gorm:"not null;default:true" json:"is_enabled"`
	ConfigJSON  datatypes.JSON `gorm:"column:config_json" json:"config_json"`
	LimitsJSON  datatypes.JSON `gorm:"column:limits_json" json:"limits_json"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
}

func (Feature) TableName() string { return "tenant_features" }

// UsageStatistic is one hour bucket of dedicated counters. StatDate is an ISO
// date string so both dialects compare it lexically.
type UsageStatistic struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID        string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_usage_statistics_bucket,priority:1" json:"tenant_id"`
	StatDate        string    `gorm:"type:varchar(10);not null;uniqueIndex:ux_usage_statistics_bucket,priority:2;index:ix_usage_statistics_date" json:"stat_date"`
	StatHour        int       `gorm:"not null;uniqueIndex:ux_usage_statistics_bucket,priority:3" json:"stat_hour"`
	APICallsTotal   int64     `gorm:"column:api_calls_total;not null;default:0" json:"api_calls_total"`
	ActiveUsersPeak int64     `gorm:"not null;default:0" json:"active_users_peak"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (UsageStatistic) TableName() string { return "usage_statistics" }

// OperationUsage counts any operation without a dedicated column, including
// feature actions.
type OperationUsage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  string    `gorm:"type:varchar(36);not null;uniqueIndex:ux_tenant_operation_usage_bucket,priority:1" json:"tenant_id"`
	Operation string    `gorm:"type:varchar(150);not null;uniqueIndex:ux_tenant_operation_usage_bucket,priority:2" json:"operation"`
	StatDate  string    `gorm:"type:varchar(10);not null;uniqueIndex:ux_tenant_operation_usage_bucket,priority:3;index:ix_tenant_operation_usage_date" json:"stat_date"`
	StatHour  int       `gorm:"not null;uniqueIndex:ux_tenant_operation_usage_bucket,priority:4" json:"stat_hour"`
	Counter   int64     `gorm:"not null;default:0" json:"counter"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (OperationUsage) TableName() string { return "tenant_operation_usage" }

// Models lists every table owned by the tenant component, in creation order.
func Models() []any {
	return []any{&Tenant{}, &APIKey{}, &Feature{}, &UsageStatistic{}, &OperationUsage{}}
}
