package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/tenantcore/internal/events"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"go.uber.org/zap"
)

const defaultFeatureAction = "use"

// CheckRateLimit counts one unit against the tenant's current hour bucket.
// A denial is a normal result and leaves the counter untouched.
func (s *Service) CheckRateLimit(ctx context.Context, tenantID, operation string) (*tenantdomain.RateLimitResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, corerr.E(corerr.ValidationFailed, "tenant.check_rate_limit", tenantdomain.ErrInvalidTenantID)
	}
	if operation == "" {
		operation = tenantdomain.OperationAPICall
	}

	now := s.clock.Now()
	limit, err := s.limitFor(ctx, tenantID, operation)
	if err != nil {
		return nil, err
	}
	result := &tenantdomain.RateLimitResult{Limit: limit, ResetTime: tenantdomain.ResetTime(now)}

	counter, allowed, err := s.repo.IncrementUsage(ctx, s.db, tenantdomain.UsageIncrement{
		TenantID:  tenantID,
		Operation: operation,
		Bucket:    tenantdomain.BucketAt(now),
		Amount:    1,
		Limit:     limit,
		At:        now,
	})
	if err != nil {
		return nil, err
	}
	s.core.IncQuotaCheck(operation, allowed)

	if !allowed {
		s.metrics.RecordRateLimitDenied(ctx, tenantID, operation)
		s.log.Warn("rate limit exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("operation", operation),
			zap.Int64("limit", limit),
		)
		s.bus.Emit(eventSource, events.RateLimitExceeded, map[string]any{
			"tenant_id":  tenantID,
			"operation":  operation,
			"limit":      limit,
			"reset_time": result.ResetTime,
		})
		return result, nil
	}

	result.Allowed = true
	switch {
	case limit < 0:
		result.Remaining = -1
	case counter >= limit:
		result.Remaining = 0
	default:
		result.Remaining = limit - counter
	}
	s.metrics.RecordRateLimitAllowed(ctx, tenantID, operation)
	return result, nil
}

// limitFor reads dedicated limits from the primary, never from the cache.
func (s *Service) limitFor(ctx context.Context, tenantID, operation string) (int64, error) {
	switch operation {
	case tenantdomain.OperationAPICall, tenantdomain.OperationConcurrentUsers:
		t, err := s.repo.FindTenantByID(ctx, s.db, tenantID, true)
		if err != nil {
			return 0, err
		}
		if t == nil {
			return 0, corerr.E(corerr.NotFound, "tenant.check_rate_limit", tenantdomain.ErrNotFound)
		}
		if operation == tenantdomain.OperationAPICall {
			return t.MaxAPICallsPerHour, nil
		}
		return t.MaxConcurrentUsers, nil
	default:
		return s.cfg.DefaultOpLimit, nil
	}
}

func (s *Service) CheckFeaturePermission(ctx context.Context, tenantID, feature, action string) (*tenantdomain.FeaturePermission, error) {
	if action == "" {
		action = defaultFeatureAction
	}
	grants, err := s.features(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	grant, ok := grants[feature]
	if !ok || !grant.Enabled {
		s.metrics.RecordFeatureDenied(ctx, feature, "not_enabled")
		return &tenantdomain.FeaturePermission{Reason: tenantdomain.ReasonFeatureNotEnabled}, nil
	}

	if limit, limited := grant.Limits[action]; limited && limit >= 0 {
		usage, err := s.repo.CurrentUsage(ctx, s.db, tenantID, tenantdomain.FeatureOperation(feature, action), tenantdomain.BucketAt(s.clock.Now()))
		if err != nil {
			return nil, err
		}
		if usage >= limit {
			s.metrics.RecordFeatureDenied(ctx, feature, "limit_exceeded")
			return &tenantdomain.FeaturePermission{
				Reason: tenantdomain.ReasonFeatureLimitExceeded,
				Limit:  limit,
				Usage:  usage,
			}, nil
		}
	}

	return &tenantdomain.FeaturePermission{Allowed: true, Config: grant.Config}, nil
}

// RecordFeatureUsage adds amount to the feature action's current hour.
func (s *Service) RecordFeatureUsage(ctx context.Context, tenantID, feature, action string, amount int64) error {
	if action == "" {
		action = defaultFeatureAction
	}
	now := s.clock.Now()
	_, _, err := s.repo.IncrementUsage(ctx, s.db, tenantdomain.UsageIncrement{
		TenantID:  tenantID,
		Operation: tenantdomain.FeatureOperation(feature, action),
		Bucket:    tenantdomain.BucketAt(now),
		Amount:    amount,
		Limit:     -1,
		At:        now,
	})
	return err
}

func (s *Service) features(ctx context.Context, tenantID string) (map[string]tenantdomain.FeatureGrant, error) {
	key := featuresKey(tenantID)
	var cached map[string]tenantdomain.FeatureGrant
	if s.cache.GetJSON(ctx, systemNamespace, key, &cached) {
		return cached, nil
	}

	rows, err := s.repo.ListEnabledFeatures(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	grants := make(map[string]tenantdomain.FeatureGrant, len(rows))
	for _, f := range rows {
		grant := tenantdomain.FeatureGrant{Enabled: f.IsEnabled}
		if len(f.ConfigJSON) > 0 {
			grant.Config = json.RawMessage(f.ConfigJSON)
		}
		if len(f.LimitsJSON) > 0 {
			if err := json.Unmarshal(f.LimitsJSON, &grant.Limits); err != nil {
				s.log.Warn("feature limits unreadable",
					zap.String("tenant_id", tenantID),
					zap.String("feature", f.FeatureName),
					zap.Error(err),
				)
			}
		}
		grants[f.FeatureName] = grant
	}

	if err := s.cache.SetJSON(ctx, systemNamespace, key, grants, s.cfg.FeaturesTTL); err != nil {
		s.log.Debug("features not cached", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return grants, nil
}
