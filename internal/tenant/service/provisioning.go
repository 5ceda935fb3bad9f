package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/router"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"github.com/smallbiznis/tenantcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	apiKeyPrefix      = "tk_"
	apiKeySecretBytes = 32
	defaultKeyName    = "default"
	defaultStatsDays  = 7
)

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func (s *Service) CreateTenant(ctx context.Context, req tenantdomain.CreateTenantRequest) (*tenantdomain.CreatedTenant, error) {
	const op = "tenant.create"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidName)
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if !domainPattern.MatchString(domain) {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidDomain)
	}
	if _, reserved := s.reserved[domain]; reserved {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidDomain)
	}

	plan := req.PlanType
	if plan == "" {
		plan = tenantdomain.PlanBasic
	}
	limits, ok := s.topology.Get().Plans[string(plan)]
	if !ok {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidPlan)
	}
	status := req.Status
	if status == "" {
		status = tenantdomain.StatusTrial
	}

	now := s.clock.Now()
	t := &tenantdomain.Tenant{
		ID:                 uuid.NewString(),
		Name:               name,
		Domain:             domain,
		CustomDomain:       normalizeOptional(req.CustomDomain),
		PlanType:           plan,
		Status:             status,
		MaxProviders:       limits.MaxProviders,
		MaxConcurrentUsers: limits.MaxConcurrentUsers,
		MaxAPICallsPerHour: limits.MaxAPICallsPerHour,
		BotToken:           req.BotToken,
		ChannelID:          req.ChannelID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var secret *tenantdomain.SecretResponse
	err := s.router.WithTransaction(ctx, func(tx *router.Tx) error {
		if err := s.repo.InsertTenant(ctx, tx, t); err != nil {
			return err
		}
		created, err := s.insertAPIKey(ctx, tx, t.ID, defaultKeyName, now)
		if err != nil {
			return err
		}
		secret = created
		return nil
	})
	if err != nil {
		return nil, writeErr(op, err)
	}

	s.invalidate(ctx, t.ID)
	s.bus.Emit(eventSource, events.TenantCreated, map[string]any{
		"tenant_id": t.ID,
		"domain":    t.Domain,
		"plan_type": string(t.PlanType),
	})
	s.log.Info("tenant created", zap.String("tenant_id", t.ID), zap.String("domain", t.Domain))

	return &tenantdomain.CreatedTenant{Tenant: t, APIKey: secret}, nil
}

func (s *Service) CreateAPIKey(ctx context.Context, tenantID, name string) (*tenantdomain.SecretResponse, error) {
	const op = "tenant.create_api_key"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidName)
	}
	if _, err := s.mustFindTenant(ctx, op, tenantID); err != nil {
		return nil, err
	}

	secret, err := s.insertAPIKey(ctx, s.db, tenantID, name, s.clock.Now())
	if err != nil {
		return nil, writeErr(op, err)
	}
	return secret, nil
}

// RevokeAPIKey deactivates the active key with the given name. The row stays
// for audit.
func (s *Service) RevokeAPIKey(ctx context.Context, tenantID, name string) error {
	const op = "tenant.revoke_api_key"

	affected, err := s.repo.DeactivateAPIKey(ctx, s.db, tenantID, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if affected == 0 {
		return corerr.E(corerr.NotFound, op, tenantdomain.ErrAPIKeyNotFound)
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// RotateAPIKey replaces the active key under name with a fresh secret.
func (s *Service) RotateAPIKey(ctx context.Context, tenantID, name string) (*tenantdomain.SecretResponse, error) {
	const op = "tenant.rotate_api_key"

	name = strings.TrimSpace(name)
	var secret *tenantdomain.SecretResponse
	err := s.router.WithTransaction(ctx, func(tx *router.Tx) error {
		affected, err := s.repo.DeactivateAPIKey(ctx, tx, tenantID, name)
		if err != nil {
			return err
		}
		if affected == 0 {
			return tenantdomain.ErrAPIKeyNotFound
		}
		created, err := s.insertAPIKey(ctx, tx, tenantID, name, s.clock.Now())
		if err != nil {
			return err
		}
		secret = created
		return nil
	})
	if err != nil {
		return nil, notFound(op, writeErr(op, err))
	}

	s.invalidate(ctx, tenantID)
	return secret, nil
}

func (s *Service) ChangePlan(ctx context.Context, tenantID string, plan tenantdomain.PlanType) (*tenantdomain.Tenant, error) {
	const op = "tenant.change_plan"

	limits, ok := s.topology.Get().Plans[string(plan)]
	if !ok {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidPlan)
	}
	t, err := s.mustFindTenant(ctx, op, tenantID)
	if err != nil {
		return nil, err
	}

	previous := t.PlanType
	t.PlanType = plan
	t.MaxProviders = limits.MaxProviders
	t.MaxConcurrentUsers = limits.MaxConcurrentUsers
	t.MaxAPICallsPerHour = limits.MaxAPICallsPerHour
	t.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateTenant(ctx, s.db, t); err != nil {
		return nil, notFound(op, err)
	}

	s.invalidate(ctx, tenantID)
	s.bus.Emit(eventSource, events.TenantUpdated, map[string]any{
		"tenant_id": tenantID,
		"change":    "plan",
		"from":      string(previous),
		"to":        string(plan),
	})
	return t, nil
}

func (s *Service) Suspend(ctx context.Context, tenantID string) error {
	return s.setStatus(ctx, tenantID, tenantdomain.StatusSuspended)
}

func (s *Service) Activate(ctx context.Context, tenantID string) error {
	return s.setStatus(ctx, tenantID, tenantdomain.StatusActive)
}

func (s *Service) setStatus(ctx context.Context, tenantID string, status tenantdomain.Status) error {
	const op = "tenant.set_status"

	t, err := s.mustFindTenant(ctx, op, tenantID)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	previous := t.Status
	t.Status = status
	t.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateTenant(ctx, s.db, t); err != nil {
		return notFound(op, err)
	}

	s.invalidate(ctx, tenantID)
	s.bus.Emit(eventSource, events.TenantUpdated, map[string]any{
		"tenant_id": tenantID,
		"change":    "status",
		"from":      string(previous),
		"to":        string(status),
	})
	s.log.Info("tenant status changed", zap.String("tenant_id", tenantID), zap.String("status", string(status)))
	return nil
}

func (s *Service) SetFeature(ctx context.Context, tenantID string, req tenantdomain.SetFeatureRequest) error {
	const op = "tenant.set_feature"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidName)
	}
	if _, err := s.mustFindTenant(ctx, op, tenantID); err != nil {
		return err
	}

	var limits datatypes.JSON
	if len(req.Limits) > 0 {
		raw, err := json.Marshal(req.Limits)
		if err != nil {
			return corerr.E(corerr.ValidationFailed, op, err)
		}
		limits = datatypes.JSON(raw)
	}
	var cfg datatypes.JSON
	if len(req.Config) > 0 {
		if !json.Valid(req.Config) {
			return corerr.Errorf(corerr.ValidationFailed, op, "feature %q config is not valid json", name)
		}
		cfg = datatypes.JSON(req.Config)
	}

	now := s.clock.Now()
	if err := s.repo.UpsertFeature(ctx, s.db, &tenantdomain.Feature{
		TenantID:    tenantID,
		FeatureName: name,
		IsEnabled:   req.Enabled,
		ConfigJSON:  cfg,
		LimitsJSON:  limits,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}

	s.invalidate(ctx, tenantID)
	s.bus.Emit(eventSource, events.TenantUpdated, map[string]any{
		"tenant_id": tenantID,
		"change":    "feature",
		"feature":   name,
		"enabled":   req.Enabled,
	})
	return nil
}

// GetTenantStats returns daily usage for the last days, newest first.
func (s *Service) GetTenantStats(ctx context.Context, tenantID string, days int) ([]tenantdomain.DailyStat, error) {
	if days <= 0 {
		days = defaultStatsDays
	}
	since := s.clock.Now().AddDate(0, 0, -days).Format(time.DateOnly)
	return s.repo.DailyStats(ctx, s.db, tenantID, since)
}

// InvalidateTenantCache drops every cached projection of the tenant from both
// tiers: lookups by id, domain, custom domain and key hash, the features set,
// and the tenant's own namespace.
func (s *Service) InvalidateTenantCache(ctx context.Context, tenantID string) error {
	keys := []string{idKey(tenantID), featuresKey(tenantID)}

	t, err := s.repo.FindTenantByID(ctx, s.db, tenantID, true)
	if err != nil {
		return err
	}
	if t != nil {
		keys = append(keys, domainKey(t.Domain))
		if t.CustomDomain != nil {
			keys = append(keys, customDomainKey(*t.CustomDomain))
		}
	}
	hashes, err := s.repo.ListAPIKeyHashes(ctx, s.db, tenantID)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		keys = append(keys, apiKeyKey(hash))
	}

	var result *multierror.Error
	if err := s.cache.Delete(ctx, systemNamespace, keys...); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := s.cache.DeletePattern(ctx, systemNamespace, tenantPattern(tenantID)); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := s.cache.DeletePattern(ctx, tenantID, "*"); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// invalidate is used after a committed mutation; a cache failure is logged,
// never returned, since the store already holds the change.
func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if err := s.InvalidateTenantCache(ctx, tenantID); err != nil {
		s.log.Warn("tenant cache invalidation incomplete", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// PurgeUsage deletes usage buckets dated before the given day.
func (s *Service) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.repo.PurgeUsage(ctx, s.db, before.UTC().Format(time.DateOnly))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.log.Info("expired usage purged", zap.Int64("rows", removed), zap.Time("before", before))
	}
	return removed, nil
}

// PreloadActiveTenants warms id, domain and custom domain lookups for the most
// recently updated resolvable tenants.
func (s *Service) PreloadActiveTenants(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.PreloadLimit
	}
	if limit <= 0 {
		limit = 100
	}
	tenants, err := s.repo.ListResolvableTenants(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	var byID, byDomain, byCustom []cache.Item
	for i := range tenants {
		t := &tenants[i]
		data, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		byID = append(byID, cache.Item{Key: idKey(t.ID), Data: data})
		byDomain = append(byDomain, cache.Item{Key: domainKey(t.Domain), Data: data})
		if t.CustomDomain != nil {
			byCustom = append(byCustom, cache.Item{Key: customDomainKey(*t.CustomDomain), Data: data})
		}
	}

	var result *multierror.Error
	for _, batch := range []struct {
		items []cache.Item
		ttl   time.Duration
	}{
		{byID, s.cfg.IDTTL},
		{byDomain, s.cfg.DomainTTL},
		{byCustom, s.cfg.CustomDomainTTL},
	} {
		items := batch.items
		err := s.cache.Warmup(ctx, systemNamespace, func(context.Context) ([]cache.Item, error) {
			return items, nil
		}, batch.ttl)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.log.Warn("tenant preload incomplete", zap.Error(err))
	}
	return len(tenants), nil
}

func (s *Service) mustFindTenant(ctx context.Context, op, tenantID string) (*tenantdomain.Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrInvalidTenantID)
	}
	t, err := s.repo.FindTenantByID(ctx, s.db, tenantID, true)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, corerr.E(corerr.NotFound, op, tenantdomain.ErrNotFound)
	}
	return t, nil
}

func (s *Service) insertAPIKey(ctx context.Context, runner router.Runner, tenantID, name string, now time.Time) (*tenantdomain.SecretResponse, error) {
	plain, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	key := &tenantdomain.APIKey{
		TenantID:  tenantID,
		KeyName:   name,
		KeyHash:   tenantdomain.HashAPIKey(plain),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := s.repo.InsertAPIKey(ctx, runner, key); err != nil {
		return nil, err
	}
	return &tenantdomain.SecretResponse{KeyName: name, APIKey: plain}, nil
}

// generateAPIKey returns tk_ followed by 64 hex characters.
func generateAPIKey() (string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(secret), nil
}

func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.ToLower(strings.TrimSpace(*v))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func writeErr(op string, err error) error {
	if db.IsDuplicateKeyErr(err) {
		return corerr.E(corerr.ValidationFailed, op, tenantdomain.ErrDuplicate)
	}
	return err
}
