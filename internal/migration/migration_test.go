package migration

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tenantcore/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestApplyMigratesSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migration_apply?mode=memory&cache=shared"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	r, err := router.New(router.Config{}, []router.PoolSpec{{Name: "primary", DB: conn, MaxOpen: 1}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Apply(ctx, r))
	require.NoError(t, Apply(ctx, r))

	for _, table := range []string{"tenants", "tenant_api_keys", "tenant_features", "usage_statistics", "tenant_operation_usage"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.True(t, conn.Migrator().HasIndex("usage_statistics", "ux_usage_statistics_bucket"))
	assert.True(t, conn.Migrator().HasIndex("tenant_api_keys", "ux_tenant_api_keys_active_name"))
}
