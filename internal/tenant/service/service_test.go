package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/migration"
	"github.com/smallbiznis/tenantcore/internal/router"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/internal/tenant/repository"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testJWTSecret = "test-secret"

type harness struct {
	svc    *Service
	clock  *clock.FakeClock
	cache  *cache.Cache
	mu     sync.Mutex
	events []events.Event
}

func (h *harness) ofType(t events.Type) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	r, err := router.New(router.Config{}, []router.PoolSpec{{Name: "primary", DB: conn, MaxOpen: 1}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, migration.Apply(context.Background(), r))

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC))
	h := &harness{clock: clk}
	h.cache = cache.New(cache.Config{}, cache.NewLocalStore(clk), clk, nil, nil, nil)

	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	topology := config.DefaultTopology()
	topology.Plans["tiny"] = config.PlanLimits{MaxProviders: 1, MaxConcurrentUsers: 2, MaxAPICallsPerHour: 5}
	topology.Plans["unlimited"] = config.PlanLimits{MaxProviders: -1, MaxConcurrentUsers: -1, MaxAPICallsPerHour: -1}

	h.svc = New(Params{
		Cfg: config.Config{Tenant: config.TenantConfig{
			JWTSecret:      testJWTSecret,
			DefaultOpLimit: 2,
		}},
		Log:      zap.NewNop(),
		Router:   r,
		Cache:    h.cache,
		Repo:     repository.Provide(),
		Clock:    clk,
		Bus:      bus,
		Topology: config.NewStaticTopologyHolder(topology),
	})
	return h
}

func (h *harness) create(t *testing.T, req tenantdomain.CreateTenantRequest) *tenantdomain.CreatedTenant {
	t.Helper()
	if req.Status == "" {
		req.Status = tenantdomain.StatusActive
	}
	created, err := h.svc.CreateTenant(context.Background(), req)
	require.NoError(t, err)
	return created
}

func ptr(s string) *string { return &s }

func TestCreateTenantIssuesDefaultKey(t *testing.T) {
	h := newHarness(t)

	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "Acme"})

	assert.Equal(t, "acme", created.Tenant.Domain)
	assert.Equal(t, tenantdomain.PlanBasic, created.Tenant.PlanType)
	assert.Equal(t, int64(1000), created.Tenant.MaxAPICallsPerHour)
	require.NotNil(t, created.APIKey)
	assert.Equal(t, "default", created.APIKey.KeyName)
	assert.True(t, strings.HasPrefix(created.APIKey.APIKey, "tk_"))
	assert.Len(t, created.APIKey.APIKey, 3+64)
	assert.Len(t, h.ofType(events.TenantCreated), 1)
}

func TestCreateTenantValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateTenant(ctx, tenantdomain.CreateTenantRequest{Name: "", Domain: "acme"})
	assert.Equal(t, corerr.ValidationFailed, corerr.KindOf(err))

	_, err = h.svc.CreateTenant(ctx, tenantdomain.CreateTenantRequest{Name: "WWW", Domain: "www"})
	assert.Equal(t, corerr.ValidationFailed, corerr.KindOf(err))

	_, err = h.svc.CreateTenant(ctx, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", PlanType: "platinum"})
	assert.Equal(t, corerr.ValidationFailed, corerr.KindOf(err))

	h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	_, err = h.svc.CreateTenant(ctx, tenantdomain.CreateTenantRequest{Name: "Acme again", Domain: "acme"})
	require.Error(t, err)
	assert.Equal(t, corerr.ValidationFailed, corerr.KindOf(err))
	assert.ErrorIs(t, err, tenantdomain.ErrDuplicate)
}

func TestIdentifyPrefersSubdomainOverAPIKey(t *testing.T) {
	h := newHarness(t)
	acme := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	other := h.create(t, tenantdomain.CreateTenantRequest{Name: "Other", Domain: "other"})

	ident, err := h.svc.IdentifyTenant(context.Background(), tenantdomain.Request{
		Hostname: "acme.example.com",
		Path:     "/bookings",
		Headers:  map[string]string{"x-api-key": other.APIKey.APIKey},
	})

	require.NoError(t, err)
	assert.Equal(t, tenantdomain.MethodSubdomain, ident.Method)
	assert.Equal(t, acme.Tenant.ID, ident.Tenant.ID)
}

func TestIdentifyStrategies(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, tenantdomain.CreateTenantRequest{
		Name:         "Acme",
		Domain:       "acme",
		CustomDomain: ptr("Booking.Acme-Corp.io"),
	})
	id := created.Tenant.ID

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": id}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	cases := []struct {
		name string
		req  tenantdomain.Request
		want tenantdomain.Method
	}{
		{"api key header", tenantdomain.Request{Hostname: "localhost", Headers: map[string]string{"X-API-Key": created.APIKey.APIKey}}, tenantdomain.MethodAPIKey},
		{"bearer api key", tenantdomain.Request{Hostname: "localhost", Headers: map[string]string{"Authorization": "Bearer " + created.APIKey.APIKey}}, tenantdomain.MethodAPIKey},
		{"custom domain", tenantdomain.Request{Hostname: "booking.acme-corp.io:8443"}, tenantdomain.MethodCustomDomain},
		{"path", tenantdomain.Request{Hostname: "localhost", Path: "/tenant/" + id + "/api/providers"}, tenantdomain.MethodPathParam},
		{"jwt", tenantdomain.Request{Hostname: "localhost", Headers: map[string]string{"authorization": "Bearer " + token}}, tenantdomain.MethodJWT},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ident, err := h.svc.IdentifyTenant(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ident.Method)
			assert.Equal(t, id, ident.Tenant.ID)
		})
	}
}

func TestIdentifyFailsWithNotFound(t *testing.T) {
	h := newHarness(t)
	h.create(t, tenantdomain.CreateTenantRequest{Name: "WWW owner", Domain: "acme"})

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "x"}).SignedString([]byte("wrong"))
	require.NoError(t, err)

	_, err = h.svc.IdentifyTenant(context.Background(), tenantdomain.Request{
		Hostname: "www.example.com",
		Headers:  map[string]string{"authorization": "Bearer " + forged},
	})

	require.Error(t, err)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))
	assert.Len(t, h.ofType(events.IdentificationFailed), 1)
}

func TestSuspendInvalidatesCachedIdentification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	req := tenantdomain.Request{Hostname: "acme.example.com"}

	_, err := h.svc.IdentifyTenant(ctx, req)
	require.NoError(t, err)
	require.True(t, h.cache.Get(ctx, systemNamespace, domainKey("acme")).Hit())

	require.NoError(t, h.svc.Suspend(ctx, created.Tenant.ID))
	assert.False(t, h.cache.Get(ctx, systemNamespace, domainKey("acme")).Hit())

	_, err = h.svc.IdentifyTenant(ctx, req)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))

	require.NoError(t, h.svc.Activate(ctx, created.Tenant.ID))
	ident, err := h.svc.IdentifyTenant(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.StatusActive, ident.Tenant.Status)
	assert.Len(t, h.ofType(events.TenantUpdated), 2)
}

func TestRotateAPIKeyRevokesCachedSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	oldKey := created.APIKey.APIKey
	byKey := func(key string) tenantdomain.Request {
		return tenantdomain.Request{Hostname: "localhost", Headers: map[string]string{"x-api-key": key}}
	}

	_, err := h.svc.IdentifyTenant(ctx, byKey(oldKey))
	require.NoError(t, err)

	rotated, err := h.svc.RotateAPIKey(ctx, created.Tenant.ID, "default")
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, rotated.APIKey)

	_, err = h.svc.IdentifyTenant(ctx, byKey(oldKey))
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))

	ident, err := h.svc.IdentifyTenant(ctx, byKey(rotated.APIKey))
	require.NoError(t, err)
	assert.Equal(t, created.Tenant.ID, ident.Tenant.ID)
}

func TestAPIKeyLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	id := created.Tenant.ID

	secret, err := h.svc.CreateAPIKey(ctx, id, "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci", secret.KeyName)

	_, err = h.svc.CreateAPIKey(ctx, id, "ci")
	assert.Equal(t, corerr.ValidationFailed, corerr.KindOf(err))

	_, err = h.svc.CreateAPIKey(ctx, "00000000-0000-0000-0000-000000000000", "ci")
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))

	require.NoError(t, h.svc.RevokeAPIKey(ctx, id, "ci"))
	assert.Equal(t, corerr.NotFound, corerr.KindOf(h.svc.RevokeAPIKey(ctx, id, "ci")))

	_, err = h.svc.RotateAPIKey(ctx, id, "missing")
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))

	again, err := h.svc.CreateAPIKey(ctx, id, "ci")
	require.NoError(t, err)
	assert.NotEqual(t, secret.APIKey, again.APIKey)
}

func TestConcurrentRateLimitAdmitsExactlyLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", PlanType: "tiny"})
	id := created.Tenant.ID

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.CheckRateLimit(ctx, id, tenantdomain.OperationAPICall)
			if !assert.NoError(t, err) {
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
	assert.Equal(t, int32(5), denied.Load())
	assert.Len(t, h.ofType(events.RateLimitExceeded), 5)

	usage, err := h.svc.repo.CurrentUsage(ctx, h.svc.db, id, tenantdomain.OperationAPICall, tenantdomain.BucketAt(h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage)
}

func TestRateLimitResultAndReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", PlanType: "tiny"})
	id := created.Tenant.ID

	res, err := h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(5), res.Limit)
	assert.Equal(t, int64(4), res.Remaining)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), res.ResetTime)

	for i := 0; i < 4; i++ {
		res, err = h.svc.CheckRateLimit(ctx, id, "")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), res.Remaining)

	res, err = h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 45*time.Minute, res.RetryAfter(h.clock.Now()))

	h.clock.Advance(time.Hour)
	res, err = h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimitUsesAuthoritativeLimitAfterPlanChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", PlanType: "tiny"})
	id := created.Tenant.ID

	_, err := h.svc.GetTenant(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.svc.CheckRateLimit(ctx, id, "")
		require.NoError(t, err)
	}
	updated, err := h.svc.ChangePlan(ctx, id, tenantdomain.PlanBasic)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), updated.MaxAPICallsPerHour)

	res, err := h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1000), res.Limit)

	cached, err := h.svc.GetTenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.PlanBasic, cached.PlanType)
}

func TestRateLimitUnlimitedAndGenericOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", PlanType: "unlimited"})
	id := created.Tenant.ID

	for i := 0; i < 20; i++ {
		res, err := h.svc.CheckRateLimit(ctx, id, tenantdomain.OperationAPICall)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, int64(-1), res.Remaining)
	}

	for i := 0; i < 2; i++ {
		res, err := h.svc.CheckRateLimit(ctx, id, "export")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := h.svc.CheckRateLimit(ctx, id, "export")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(2), res.Limit)

	_, err = h.svc.CheckRateLimit(ctx, "00000000-0000-0000-0000-000000000000", tenantdomain.OperationAPICall)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))
}

func TestFeaturePermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	id := created.Tenant.ID

	perm, err := h.svc.CheckFeaturePermission(ctx, id, "reports", "export")
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
	assert.Equal(t, tenantdomain.ReasonFeatureNotEnabled, perm.Reason)

	require.NoError(t, h.svc.SetFeature(ctx, id, tenantdomain.SetFeatureRequest{
		Name:    "reports",
		Enabled: true,
		Config:  []byte(`{"format":"csv"}`),
		Limits:  map[string]int64{"export": 2},
	}))

	perm, err = h.svc.CheckFeaturePermission(ctx, id, "reports", "export")
	require.NoError(t, err)
	assert.True(t, perm.Allowed)
	assert.JSONEq(t, `{"format":"csv"}`, string(perm.Config))

	require.NoError(t, h.svc.RecordFeatureUsage(ctx, id, "reports", "export", 2))

	perm, err = h.svc.CheckFeaturePermission(ctx, id, "reports", "export")
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
	assert.Equal(t, tenantdomain.ReasonFeatureLimitExceeded, perm.Reason)
	assert.Equal(t, int64(2), perm.Limit)
	assert.Equal(t, int64(2), perm.Usage)

	perm, err = h.svc.CheckFeaturePermission(ctx, id, "reports", "")
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	require.NoError(t, h.svc.SetFeature(ctx, id, tenantdomain.SetFeatureRequest{Name: "reports", Enabled: false}))
	perm, err = h.svc.CheckFeaturePermission(ctx, id, "reports", "")
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.ReasonFeatureNotEnabled, perm.Reason)
}

func TestUsageStatsAndPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme"})
	id := created.Tenant.ID

	for i := 0; i < 3; i++ {
		_, err := h.svc.CheckRateLimit(ctx, id, "")
		require.NoError(t, err)
	}
	h.clock.Advance(time.Hour)
	_, err := h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)

	stats, err := h.svc.GetTenantStats(ctx, id, 7)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "2024-03-01", stats[0].Date)
	assert.Equal(t, int64(4), stats[0].TotalAPICalls)

	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.svc.CheckRateLimit(ctx, id, "")
	require.NoError(t, err)

	removed, err := h.svc.PurgeUsage(ctx, h.clock.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err = h.svc.GetTenantStats(ctx, id, 7)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].TotalAPICalls)
}

func TestPreloadActiveTenants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.create(t, tenantdomain.CreateTenantRequest{Name: "Acme", Domain: "acme", CustomDomain: ptr("book.acme.io")})
	suspended := h.create(t, tenantdomain.CreateTenantRequest{Name: "Gone", Domain: "gone"})
	require.NoError(t, h.svc.Suspend(ctx, suspended.Tenant.ID))

	n, err := h.svc.PreloadActiveTenants(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, h.cache.Get(ctx, systemNamespace, idKey(active.Tenant.ID)).Hit())
	assert.True(t, h.cache.Get(ctx, systemNamespace, domainKey("acme")).Hit())
	assert.True(t, h.cache.Get(ctx, systemNamespace, customDomainKey("book.acme.io")).Hit())
	assert.False(t, h.cache.Get(ctx, systemNamespace, domainKey("gone")).Hit())
}

func TestSubdomainExtraction(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "acme", h.svc.subdomain(normalizeHost("ACME.example.com:8080")))
	assert.Empty(t, h.svc.subdomain(normalizeHost("example.com")))
	assert.Empty(t, h.svc.subdomain(normalizeHost("www.example.com")))
	assert.Empty(t, h.svc.subdomain(normalizeHost("api.example.com")))
}
