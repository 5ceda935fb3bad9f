package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 1000, cfg.Cache.MemoryMaxEntries)
	assert.Equal(t, 10*time.Second, cfg.Router.HealthInterval)
	assert.Equal(t, time.Second, cfg.Router.SlowQueryThreshold)
	assert.Equal(t, 3*time.Second, cfg.Database.AcquireTimeout)
	assert.Equal(t, 5*time.Second, cfg.Database.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Database.StatementTimeout)
	assert.Equal(t, []string{"www", "api"}, cfg.Tenant.ReservedSubdomains)
	assert.Equal(t, 30*24*time.Hour, cfg.Tenant.UsageRetention)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsReplicaHosts(t *testing.T) {
	t.Setenv("DATABASE_REPLICA_HOSTS", " replica-1:5432, ,replica-2 ")
	t.Setenv("DATABASE_ACQUIRE_TIMEOUT", "750ms")

	cfg := Load()

	assert.Equal(t, []string{"replica-1:5432", "replica-2"}, cfg.Database.ReplicaHosts)
	assert.Equal(t, 750*time.Millisecond, cfg.Database.AcquireTimeout)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Load()
	cfg.Database.Type = "oracle"
	cfg.Database.MaxOpenConn = 0
	cfg.Cache.DistributedTTL = time.Hour
	cfg.Queue.Backend = "kafka"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
	assert.Contains(t, err.Error(), "max open connections")
	assert.Contains(t, err.Error(), "distributed ttl")
	assert.Contains(t, err.Error(), "kafka")
}

func TestDefaultTopology(t *testing.T) {
	topology := DefaultTopology()
	require.NoError(t, validateTopology(topology))

	high, ok := topology.Queue("high-priority")
	require.True(t, ok)
	assert.Equal(t, 20, high.Concurrency)

	batch, ok := topology.Queue("batch-processing")
	require.True(t, ok)
	assert.Equal(t, 2, batch.Concurrency)

	assert.Equal(t, int64(-1), topology.Plans["enterprise"].MaxProviders)
	assert.Equal(t, int64(1000), topology.Plans["basic"].MaxAPICallsPerHour)
}

func TestNewTopologyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenantcore.yml")
	content := []byte(`topology:
  queues:
    - name: high-priority
      concurrency: 4
      priority: 1
  jobDefaults:
    attempts: 5
    backoff: 1s
    keepCompleted: 10
    keepFailed: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg := Load()
	cfg.Queue.TopologyPath = path

	holder, err := NewTopologyHolder(cfg)
	require.NoError(t, err)

	topology := holder.Get()
	require.Len(t, topology.Queues, 1)
	assert.Equal(t, 4, topology.Queues[0].Concurrency)
	assert.Equal(t, 5, topology.JobDefaults.Attempts)
	assert.Equal(t, time.Second, topology.JobDefaults.Backoff)
	assert.NotEmpty(t, topology.Plans)
}

func TestValidateTopologyRejectsDuplicates(t *testing.T) {
	topology := DefaultTopology()
	topology.Queues = append(topology.Queues, QueueSpec{Name: "high-priority", Concurrency: 1})

	assert.Error(t, validateTopology(topology))
}
