package service

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/observability/logger"
	"github.com/smallbiznis/tenantcore/internal/observability/metrics"
	"github.com/smallbiznis/tenantcore/internal/router"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	eventSource = "tenant"
	// systemNamespace holds lookups that are not yet attributed to a tenant.
	systemNamespace = "system"
	jwtClaimTenant  = "tenant_id"
)

var tenantPathPattern = regexp.MustCompile(`^/tenant/([a-f0-9-]{36})`)

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Router   *router.Router
	Cache    *cache.Cache
	Repo     tenantdomain.Repository
	Clock    clock.Clock
	Bus      *events.Bus
	Topology *config.TopologyHolder
	Metrics  *metrics.Metrics `optional:"true"`
	Core     *metrics.Core    `optional:"true"`
}

type Service struct {
	cfg      config.TenantConfig
	log      *zap.Logger
	router   *router.Router
	db       router.Runner
	cache    *cache.Cache
	repo     tenantdomain.Repository
	clock    clock.Clock
	bus      *events.Bus
	topology *config.TopologyHolder
	metrics  *metrics.Metrics
	core     *metrics.Core
	reserved map[string]struct{}
}

func New(p Params) *Service {
	cfg := withDefaults(p.Cfg.Tenant)
	reserved := make(map[string]struct{}, len(cfg.ReservedSubdomains))
	for _, sub := range cfg.ReservedSubdomains {
		reserved[strings.ToLower(strings.TrimSpace(sub))] = struct{}{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	topology := p.Topology
	if topology == nil {
		topology = config.NewStaticTopologyHolder(config.DefaultTopology())
	}
	return &Service{
		cfg:      cfg,
		log:      log.Named("tenant.service"),
		router:   p.Router,
		db:       p.Router,
		cache:    p.Cache,
		repo:     p.Repo,
		clock:    clk,
		bus:      p.Bus,
		topology: topology,
		metrics:  p.Metrics,
		core:     p.Core,
		reserved: reserved,
	}
}

func withDefaults(cfg config.TenantConfig) config.TenantConfig {
	if cfg.DomainTTL <= 0 {
		cfg.DomainTTL = 5 * time.Minute
	}
	if cfg.APIKeyTTL <= 0 {
		cfg.APIKeyTTL = time.Minute
	}
	if cfg.CustomDomainTTL <= 0 {
		cfg.CustomDomainTTL = 10 * time.Minute
	}
	if cfg.IDTTL <= 0 {
		cfg.IDTTL = 5 * time.Minute
	}
	if cfg.FeaturesTTL <= 0 {
		cfg.FeaturesTTL = 10 * time.Minute
	}
	if cfg.DefaultOpLimit == 0 {
		cfg.DefaultOpLimit = 100
	}
	if cfg.ReservedSubdomains == nil {
		cfg.ReservedSubdomains = []string{"www", "api"}
	}
	return cfg
}

func domainKey(domain string) string { return "tenant:domain:" + domain }
func apiKeyKey(hash string) string { return "tenant:apikey:" + hash }
func customDomainKey(host string) string { return "tenant:custom_domain:" + host }
func idKey(id string) string { return "tenant:id:" + id }
func featuresKey(tenantID string) string { return "tenant:features:" + tenantID }
func tenantPattern(tenantID string) string { return "tenant:*:" + tenantID + "*" }

// IdentifyTenant tries subdomain, api key, custom domain, path and signed
// token in that order; the first resolvable tenant wins. Store failures are
// returned as is, an unmatched request fails with NotFound.
func (s *Service) IdentifyTenant(ctx context.Context, req tenantdomain.Request) (*tenantdomain.Identification, error) {
	ident, err := s.identify(ctx, req)
	if err != nil || ident == nil {
		if err == nil {
			err = corerr.E(corerr.NotFound, "tenant.identify", tenantdomain.ErrNotFound)
		}
		s.log.Warn("tenant identification failed",
			zap.String("hostname", req.Hostname),
			zap.String("path", req.Path),
			zap.Error(err),
		)
		s.bus.Emit(eventSource, events.IdentificationFailed, map[string]any{
			"hostname": req.Hostname,
			"path":     req.Path,
			"error":    err.Error(),
		})
		return nil, err
	}

	s.metrics.RecordIdentification(ctx, string(ident.Method))
	logger.WithTenant(s.log, ident.Tenant.ID).Debug("tenant identified", zap.String("method", string(ident.Method)))
	return ident, nil
}

func (s *Service) identify(ctx context.Context, req tenantdomain.Request) (*tenantdomain.Identification, error) {
	host := normalizeHost(req.Hostname)
	bearer := bearerToken(req.Header("authorization"))

	if sub := s.subdomain(host); sub != "" {
		t, err := s.tenantByDomain(ctx, sub)
		if err != nil {
			return nil, err
		}
		if t.Resolvable() {
			return &tenantdomain.Identification{Tenant: t, Method: tenantdomain.MethodSubdomain}, nil
		}
	}

	apiKey := strings.TrimSpace(req.Header("x-api-key"))
	if apiKey == "" && bearer != "" && !isJWT(bearer) {
		apiKey = bearer
	}
	if apiKey != "" {
		t, err := s.tenantByAPIKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		if t.Resolvable() {
			return &tenantdomain.Identification{Tenant: t, Method: tenantdomain.MethodAPIKey}, nil
		}
	}

	if host != "" {
		t, err := s.tenantByCustomDomain(ctx, host)
		if err != nil {
			return nil, err
		}
		if t.Resolvable() {
			return &tenantdomain.Identification{Tenant: t, Method: tenantdomain.MethodCustomDomain}, nil
		}
	}

	if m := tenantPathPattern.FindStringSubmatch(req.Path); m != nil {
		t, err := s.tenantByID(ctx, m[1])
		if err != nil {
			return nil, err
		}
		if t.Resolvable() {
			return &tenantdomain.Identification{Tenant: t, Method: tenantdomain.MethodPathParam}, nil
		}
	}

	if bearer != "" && isJWT(bearer) {
		if tenantID, ok := s.tenantIDFromToken(bearer); ok {
			t, err := s.tenantByID(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			if t.Resolvable() {
				return &tenantdomain.Identification{Tenant: t, Method: tenantdomain.MethodJWT}, nil
			}
		}
	}

	return nil, nil
}

// subdomain returns the first label of a host with at least three labels,
// unless it is reserved.
func (s *Service) subdomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 3 || parts[0] == "" {
		return ""
	}
	if _, reserved := s.reserved[parts[0]]; reserved {
		return ""
	}
	return parts[0]
}

func (s *Service) tenantIDFromToken(raw string) (string, bool) {
	if s.cfg.JWTSecret == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		s.log.Debug("bearer token rejected", zap.Error(err))
		return "", false
	}
	tenantID, _ := claims[jwtClaimTenant].(string)
	return tenantID, tenantID != ""
}

func (s *Service) tenantByDomain(ctx context.Context, domain string) (*tenantdomain.Tenant, error) {
	return s.cachedTenant(ctx, domainKey(domain), s.cfg.DomainTTL, func() (*tenantdomain.Tenant, error) {
		return s.repo.FindTenantByDomain(ctx, s.db, domain)
	})
}

// tenantByAPIKey caches by hash so the raw secret never reaches the cache.
func (s *Service) tenantByAPIKey(ctx context.Context, raw string) (*tenantdomain.Tenant, error) {
	hash := tenantdomain.HashAPIKey(raw)
	return s.cachedTenant(ctx, apiKeyKey(hash), s.cfg.APIKeyTTL, func() (*tenantdomain.Tenant, error) {
		t, err := s.repo.FindTenantByKeyHash(ctx, s.db, hash)
		if err != nil || t == nil {
			return t, err
		}
		if err := s.repo.TouchAPIKey(ctx, s.db, hash, s.clock.Now()); err != nil {
			s.log.Warn("api key last use not recorded", zap.String("tenant_id", t.ID), zap.Error(err))
		}
		return t, nil
	})
}

func (s *Service) tenantByCustomDomain(ctx context.Context, host string) (*tenantdomain.Tenant, error) {
	return s.cachedTenant(ctx, customDomainKey(host), s.cfg.CustomDomainTTL, func() (*tenantdomain.Tenant, error) {
		return s.repo.FindTenantByCustomDomain(ctx, s.db, host)
	})
}

func (s *Service) tenantByID(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	return s.cachedTenant(ctx, idKey(id), s.cfg.IDTTL, func() (*tenantdomain.Tenant, error) {
		return s.repo.FindTenantByID(ctx, s.db, id, false)
	})
}

// cachedTenant consults the cache, then load. Misses are not cached.
func (s *Service) cachedTenant(ctx context.Context, key string, ttl time.Duration, load func() (*tenantdomain.Tenant, error)) (*tenantdomain.Tenant, error) {
	var cached tenantdomain.Tenant
	if s.cache.GetJSON(ctx, systemNamespace, key, &cached) {
		return &cached, nil
	}
	t, err := load()
	if err != nil || t == nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, systemNamespace, key, t, ttl); err != nil {
		s.log.Debug("tenant lookup not cached", zap.String("key", key), zap.Error(err))
	}
	return t, nil
}

func (s *Service) GetTenant(ctx context.Context, tenantID string) (*tenantdomain.Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, corerr.E(corerr.ValidationFailed, "tenant.get", tenantdomain.ErrInvalidTenantID)
	}
	t, err := s.tenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, corerr.E(corerr.NotFound, "tenant.get", tenantdomain.ErrNotFound)
	}
	return t, nil
}

func normalizeHost(hostname string) string {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func isJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func notFound(op string, err error) error {
	if errors.Is(err, tenantdomain.ErrNotFound) || errors.Is(err, tenantdomain.ErrAPIKeyNotFound) {
		return corerr.E(corerr.NotFound, op, err)
	}
	return err
}

var _ tenantdomain.Service = (*Service)(nil)
