package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"github.com/smallbiznis/tenantcore/internal/router"
)

type repo struct{}

func Provide() tenantdomain.Repository {
	return &repo{}
}

const tenantColumns = `id, name, domain, custom_domain, plan_type, status, max_providers, max_concurrent_users, max_api_calls_per_hour, bot_token, channel_id, created_at, updated_at`

func qualified(prefix string) string {
	cols := strings.Split(tenantColumns, ", ")
	for i, c := range cols {
		cols[i] = prefix + "." + c
	}
	return strings.Join(cols, ", ")
}

func (r *repo) InsertTenant(ctx context.Context, db router.Runner, t *tenantdomain.Tenant) error {
	_, err := db.Execute(ctx, router.Query{
		SQL: `INSERT INTO tenants (` + tenantColumns + `)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			t.ID,
			t.Name,
			t.Domain,
			t.CustomDomain,
			string(t.PlanType),
			string(t.Status),
			t.MaxProviders,
			t.MaxConcurrentUsers,
			t.MaxAPICallsPerHour,
			t.BotToken,
			t.ChannelID,
			t.CreatedAt,
			t.UpdatedAt,
		},
	}, router.Options{})
	return err
}

func (r *repo) UpdateTenant(ctx context.Context, db router.Runner, t *tenantdomain.Tenant) error {
	rs, err := db.Execute(ctx, router.Query{
		SQL: `UPDATE tenants
		 SET name = ?, domain = ?, custom_domain = ?, plan_type = ?, status = ?, max_providers = ?, max_concurrent_users = ?, max_api_calls_per_hour = ?, bot_token = ?, channel_id = ?, updated_at = ?
		 WHERE id = ?`,
		Args: []any{
			t.Name,
			t.Domain,
			t.CustomDomain,
			string(t.PlanType),
			string(t.Status),
			t.MaxProviders,
			t.MaxConcurrentUsers,
			t.MaxAPICallsPerHour,
			t.BotToken,
			t.ChannelID,
			t.UpdatedAt,
			t.ID,
		},
	}, router.Options{})
	if err != nil {
		return err
	}
	if rs.RowsAffected == 0 {
		return tenantdomain.ErrNotFound
	}
	return nil
}

// FindTenantByID reads from the primary when fresh is set, e.g. before
// deciding a quota.
func (r *repo) FindTenantByID(ctx context.Context, db router.Runner, id string, fresh bool) (*tenantdomain.Tenant, error) {
	return findTenant(ctx, db, router.Options{ForceMaster: fresh},
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
}

func (r *repo) FindTenantByDomain(ctx context.Context, db router.Runner, domain string) (*tenantdomain.Tenant, error) {
	return findTenant(ctx, db, router.Options{},
		`SELECT `+tenantColumns+` FROM tenants WHERE domain = ?`, domain)
}

func (r *repo) FindTenantByCustomDomain(ctx context.Context, db router.Runner, host string) (*tenantdomain.Tenant, error) {
	return findTenant(ctx, db, router.Options{},
		`SELECT `+tenantColumns+` FROM tenants WHERE custom_domain = ? LIMIT 1`, host)
}

func (r *repo) FindTenantByKeyHash(ctx context.Context, db router.Runner, hash string) (*tenantdomain.Tenant, error) {
	return findTenant(ctx, db, router.Options{},
		`SELECT `+qualified("t")+`
		 FROM tenants t
		 JOIN tenant_api_keys k ON k.tenant_id = t.id
		 WHERE k.key_hash = ? AND k.is_active = true
		 LIMIT 1`, hash)
}

func (r *repo) ListResolvableTenants(ctx context.Context, db router.Runner, limit int) ([]tenantdomain.Tenant, error) {
	rs, err := db.Execute(ctx, router.Query{
		SQL: `SELECT ` + tenantColumns + `
		 FROM tenants WHERE status IN (?, ?) ORDER BY updated_at DESC LIMIT ?`,
		Args: []any{string(tenantdomain.StatusActive), string(tenantdomain.StatusTrial), limit},
	}, router.Options{})
	if err != nil {
		return nil, err
	}
	var tenants []tenantdomain.Tenant
	if err := rs.Decode(&tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

func findTenant(ctx context.Context, db router.Runner, opts router.Options, sql string, args ...any) (*tenantdomain.Tenant, error) {
	rs, err := db.Execute(ctx, router.Query{SQL: sql, Args: args}, opts)
	if err != nil {
		return nil, err
	}
	var t tenantdomain.Tenant
	found, err := rs.DecodeFirst(&t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

func (r *repo) InsertAPIKey(ctx context.Context, db router.Runner, key *tenantdomain.APIKey) error {
	rs, err := db.Execute(ctx, router.Query{
		SQL: `INSERT INTO tenant_api_keys (tenant_id, key_name, key_hash, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id`,
		Args: []any{key.TenantID, key.KeyName, key.KeyHash, key.IsActive, key.CreatedAt},
	}, router.Options{})
	if err != nil {
		return err
	}
	var row struct {
		ID int64 `json:"id"`
	}
	if _, err := rs.DecodeFirst(&row); err != nil {
		return err
	}
	key.ID = row.ID
	return nil
}

func (r *repo) DeactivateAPIKey(ctx context.Context, db router.Runner, tenantID, name string) (int64, error) {
	rs, err := db.Execute(ctx, router.Query{
		SQL:  `UPDATE tenant_api_keys SET is_active = false WHERE tenant_id = ? AND key_name = ? AND is_active = true`,
		Args: []any{tenantID, name},
	}, router.Options{})
	if err != nil {
		return 0, err
	}
	return rs.RowsAffected, nil
}

// ListAPIKeyHashes includes revoked keys so their cached lookups can be dropped.
func (r *repo) ListAPIKeyHashes(ctx context.Context, db router.Runner, tenantID string) ([]string, error) {
	rs, err := db.Execute(ctx, router.Query{
		SQL:  `SELECT key_hash FROM tenant_api_keys WHERE tenant_id = ?`,
		Args: []any{tenantID},
	}, router.Options{ForceMaster: true})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		KeyHash string `json:"key_hash"`
	}
	if err := rs.Decode(&rows); err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, row.KeyHash)
	}
	return hashes, nil
}

func (r *repo) TouchAPIKey(ctx context.Context, db router.Runner, hash string, at time.Time) error {
	_, err := db.Execute(ctx, router.Query{
		SQL:  `UPDATE tenant_api_keys SET last_used_at = ? WHERE key_hash = ? AND is_active = true`,
		Args: []any{at, hash},
	}, router.Options{})
	return err
}

func (r *repo) UpsertFeature(ctx context.Context, db router.Runner, f *tenantdomain.Feature) error {
	_, err := db.Execute(ctx, router.Query{
		SQL: `INSERT INTO tenant_features (tenant_id, feature_name, is_enabled, config_json, limits_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, feature_name) DO UPDATE
		 SET is_enabled = excluded.is_enabled, config_json = excluded.config_json, limits_json = excluded.limits_json, updated_at = excluded.updated_at`,
		Args: []any{f.TenantID, f.FeatureName, f.IsEnabled, f.ConfigJSON, f.LimitsJSON, f.CreatedAt, f.UpdatedAt},
	}, router.Options{})
	return err
}

func (r *repo) ListEnabledFeatures(ctx context.Context, db router.Runner, tenantID string) ([]tenantdomain.Feature, error) {
	rs, err := db.Execute(ctx, router.Query{
		SQL: `SELECT id, tenant_id, feature_name, is_enabled, config_json, limits_json, created_at, updated_at
		 FROM tenant_features WHERE tenant_id = ? AND is_enabled = true`,
		Args: []any{tenantID},
	}, router.Options{})
	if err != nil {
		return nil, err
	}
	var features []tenantdomain.Feature
	if err := rs.Decode(&features); err != nil {
		return nil, err
	}
	return features, nil
}

// usageTarget maps an operation onto the table and counter column that hold it.
type usageTarget struct {
	table       string
	column      string
	limitColumn string
}

func targetFor(operation string) usageTarget {
	switch operation {
	case tenantdomain.OperationAPICall:
		return usageTarget{table: "usage_statistics", column: "api_calls_total", limitColumn: "max_api_calls_per_hour"}
	case tenantdomain.OperationConcurrentUsers:
		return usageTarget{table: "usage_statistics", column: "active_users_peak", limitColumn: "max_concurrent_users"}
	default:
		return usageTarget{table: "tenant_operation_usage", column: "counter"}
	}
}

// IncrementUsage is one upsert whose conflict branch only fires while the
// counter stays within the limit. For dedicated columns the limit is re-read
// from the tenants row inside the statement, so a stale caller cannot push
// the counter past it.
func (r *repo) IncrementUsage(ctx context.Context, db router.Runner, inc tenantdomain.UsageIncrement) (int64, bool, error) {
	if inc.Amount <= 0 {
		inc.Amount = 1
	}
	if inc.Limit >= 0 && inc.Amount > inc.Limit {
		return 0, false, nil
	}

	rs, err := db.Execute(ctx, usageUpsert(inc), router.Options{})
	if err != nil {
		return 0, false, err
	}
	var row struct {
		Counter int64 `json:"counter"`
	}
	found, err := rs.DecodeFirst(&row)
	if err != nil {
		return 0, false, err
	}
	return row.Counter, found, nil
}

func usageUpsert(inc tenantdomain.UsageIncrement) router.Query {
	target := targetFor(inc.Operation)
	t, col := target.table, target.column

	var (
		sql  string
		args []any
	)
	if target.table == "usage_statistics" {
		var apiCalls, activeUsers int64
		if col == "api_calls_total" {
			apiCalls = inc.Amount
		} else {
			activeUsers = inc.Amount
		}
		sql = `INSERT INTO usage_statistics (tenant_id, stat_date, stat_hour, api_calls_total, active_users_peak, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, stat_date, stat_hour) DO UPDATE`
		args = []any{inc.TenantID, inc.Bucket.Date, inc.Bucket.Hour, apiCalls, activeUsers, inc.At, inc.At}
	} else {
		sql = `INSERT INTO tenant_operation_usage (tenant_id, operation, stat_date, stat_hour, counter, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, operation, stat_date, stat_hour) DO UPDATE`
		args = []any{inc.TenantID, inc.Operation, inc.Bucket.Date, inc.Bucket.Hour, inc.Amount, inc.At, inc.At}
	}

	sql += fmt.Sprintf(`
		 SET %[2]s = %[1]s.%[2]s + ?, updated_at = ?`, t, col)
	args = append(args, inc.Amount, inc.At)

	if inc.Limit >= 0 {
		if target.limitColumn != "" {
			limit := fmt.Sprintf(`(SELECT %s FROM tenants WHERE id = %s.tenant_id)`, target.limitColumn, t)
			sql += fmt.Sprintf(`
		 WHERE %[3]s < 0 OR %[1]s.%[2]s + ? <= %[3]s`, t, col, limit)
			args = append(args, inc.Amount)
		} else {
			sql += fmt.Sprintf(`
		 WHERE %[1]s.%[2]s + ? <= ?`, t, col)
			args = append(args, inc.Amount, inc.Limit)
		}
	}

	sql += fmt.Sprintf(`
		 RETURNING %s AS counter`, col)
	return router.Query{SQL: sql, Args: args}
}

// CurrentUsage reads the bucket from the primary; an absent bucket is zero.
func (r *repo) CurrentUsage(ctx context.Context, db router.Runner, tenantID, operation string, bucket tenantdomain.Bucket) (int64, error) {
	target := targetFor(operation)
	q := router.Query{
		SQL:  fmt.Sprintf(`SELECT %s AS counter FROM %s WHERE tenant_id = ? AND stat_date = ? AND stat_hour = ?`, target.column, target.table),
		Args: []any{tenantID, bucket.Date, bucket.Hour},
	}
	if target.limitColumn == "" {
		q.SQL += ` AND operation = ?`
		q.Args = append(q.Args, operation)
	}
	rs, err := db.Execute(ctx, q, router.Options{ForceMaster: true})
	if err != nil {
		return 0, err
	}
	var row struct {
		Counter int64 `json:"counter"`
	}
	if _, err := rs.DecodeFirst(&row); err != nil {
		return 0, err
	}
	return row.Counter, nil
}

func (r *repo) DailyStats(ctx context.Context, db router.Runner, tenantID, since string) ([]tenantdomain.DailyStat, error) {
	rs, err := db.Execute(ctx, router.Query{
		SQL: `SELECT stat_date,
		   CAST(SUM(api_calls_total) AS BIGINT) AS total_api_calls,
		   CAST(MAX(active_users_peak) AS BIGINT) AS peak_users
		 FROM usage_statistics
		 WHERE tenant_id = ? AND stat_date >= ?
		 GROUP BY stat_date
		 ORDER BY stat_date DESC`,
		Args: []any{tenantID, since},
	}, router.Options{})
	if err != nil {
		return nil, err
	}
	stats := make([]tenantdomain.DailyStat, 0, len(rs.Rows))
	if err := rs.Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *repo) PurgeUsage(ctx context.Context, db router.Runner, before string) (int64, error) {
	var total int64
	for _, table := range []string{"usage_statistics", "tenant_operation_usage"} {
		rs, err := db.Execute(ctx, router.Query{
			SQL:  `DELETE FROM ` + table + ` WHERE stat_date < ?`,
			Args: []any{before},
		}, router.Options{})
		if err != nil {
			return total, err
		}
		total += rs.RowsAffected
	}
	return total, nil
}
