package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/tenantcore/internal/router"
)

type Method string

const (
	MethodSubdomain    Method = "subdomain"
	MethodAPIKey       Method = "apikey"
	MethodCustomDomain Method = "custom_domain"
	MethodPathParam    Method = "path_param"
	MethodJWT          Method = "jwt"
)

const (
	ReasonFeatureNotEnabled    = "Feature not enabled"
	ReasonFeatureLimitExceeded = "Feature limit exceeded"
)

var (
	ErrNotFound        = errors.New("tenant not found")
	ErrAPIKeyNotFound  = errors.New("api key not found")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidDomain   = errors.New("invalid_domain")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrInvalidTenantID = errors.New("invalid_tenant_id")
	ErrDuplicate       = errors.New("already exists")
)

// Request is the part of an inbound request used to identify its tenant.
// Header names are matched case-insensitively.
type Request struct {
	Hostname string
	Path     string
	Headers  map[string]string
}

func (r Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type Identification struct {
	Tenant *Tenant `json:"tenant"`
	Method Method  `json:"method"`
}

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// RetryAfter is how long a denied caller should wait, never below one second.
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	d := r.ResetTime.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

type FeaturePermission struct {
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason,omitempty"`
	Limit   int64           `json:"limit,omitempty"`
	Usage   int64           `json:"usage,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// FeatureGrant is the cached projection of one enabled feature.
type FeatureGrant struct {
	Enabled bool             `json:"enabled"`
	Config  json.RawMessage  `json:"config,omitempty"`
	Limits  map[string]int64 `json:"limits,omitempty"`
}

type CreateTenantRequest struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	CustomDomain *string  `json:"custom_domain"`
	PlanType     PlanType `json:"plan_type"`
	Status       Status   `json:"status"`
	BotToken     *string  `json:"bot_token"`
	ChannelID    *string  `json:"channel_id"`
}

type SecretResponse struct {
	KeyName string `json:"key_name"`
	APIKey  string `json:"api_key"`
}

type CreatedTenant struct {
	Tenant *Tenant         `json:"tenant"`
	APIKey *SecretResponse `json:"api_key"`
}

type SetFeatureRequest struct {
	Name    string           `json:"feature_name"`
	Enabled bool             `json:"is_enabled"`
	Config  json.RawMessage  `json:"config"`
	Limits  map[string]int64 `json:"limits"`
}

type Service interface {
	IdentifyTenant(ctx context.Context, req Request) (*Identification, error)
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	CheckRateLimit(ctx context.Context, tenantID, operation string) (*RateLimitResult, error)
	CheckFeaturePermission(ctx context.Context, tenantID, feature, action string) (*FeaturePermission, error)
	RecordFeatureUsage(ctx context.Context, tenantID, feature, action string, amount int64) error

	CreateTenant(ctx context.Context, req CreateTenantRequest) (*CreatedTenant, error)
	CreateAPIKey(ctx context.Context, tenantID, name string) (*SecretResponse, error)
	RevokeAPIKey(ctx context.Context, tenantID, name string) error
	RotateAPIKey(ctx context.Context, tenantID, name string) (*SecretResponse, error)
	ChangePlan(ctx context.Context, tenantID string, plan PlanType) (*Tenant, error)
	Suspend(ctx context.Context, tenantID string) error
	Activate(ctx context.Context, tenantID string) error
	SetFeature(ctx context.Context, tenantID string, req SetFeatureRequest) error
	GetTenantStats(ctx context.Context, tenantID string, days int) ([]DailyStat, error)

	InvalidateTenantCache(ctx context.Context, tenantID string) error
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
	PreloadActiveTenants(ctx context.Context, limit int) (int, error)
}

// Repository issues the tenant statements. Every method takes the runner so
// callers choose between the router and an open transaction. Finders return
// nil, nil when nothing matches.
type Repository interface {
	InsertTenant(ctx context.Context, db router.Runner, t *Tenant) error
	UpdateTenant(ctx context.Context, db router.Runner, t *Tenant) error
	FindTenantByID(ctx context.Context, db router.Runner, id string, fresh bool) (*Tenant, error)
	FindTenantByDomain(ctx context.Context, db router.Runner, domain string) (*Tenant, error)
	FindTenantByCustomDomain(ctx context.Context, db router.Runner, host string) (*Tenant, error)
	FindTenantByKeyHash(ctx context.Context, db router.Runner, hash string) (*Tenant, error)
	ListResolvableTenants(ctx context.Context, db router.Runner, limit int) ([]Tenant, error)

	InsertAPIKey(ctx context.Context, db router.Runner, key *APIKey) error
	DeactivateAPIKey(ctx context.Context, db router.Runner, tenantID, name string) (int64, error)
	ListAPIKeyHashes(ctx context.Context, db router.Runner, tenantID string) ([]string, error)
	TouchAPIKey(ctx context.Context, db router.Runner, hash string, at time.Time) error

	UpsertFeature(ctx context.Context, db router.Runner, f *Feature) error
	ListEnabledFeatures(ctx context.Context, db router.Runner, tenantID string) ([]Feature, error)

	// IncrementUsage applies inc atomically and returns the new counter.
	// allowed is false when the guard refused the increment.
	IncrementUsage(ctx context.Context, db router.Runner, inc UsageIncrement) (counter int64, allowed bool, err error)
	CurrentUsage(ctx context.Context, db router.Runner, tenantID, operation string, bucket Bucket) (int64, error)
	DailyStats(ctx context.Context, db router.Runner, tenantID, since string) ([]DailyStat, error)
	PurgeUsage(ctx context.Context, db router.Runner, before string) (int64, error)
}
