package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// QueueSpec declares one named queue and its concurrency ceiling.
type QueueSpec struct {
	Name        string `mapstructure:"name"`
	Concurrency int    `mapstructure:"concurrency"`
	// Priority is the default job priority for the queue. Lower runs first.
	Priority int `mapstructure:"priority"`
}

type JobDefaults struct {
	Attempts      int           `mapstructure:"attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	KeepCompleted int           `mapstructure:"keepCompleted"`
	KeepFailed    int           `mapstructure:"keepFailed"`
}

// PlanLimits are the per-plan quotas applied when a tenant is provisioned
// or moved between plans. A negative value means unlimited.
type PlanLimits struct {
	MaxProviders       int64 `mapstructure:"maxProviders"`
	MaxConcurrentUsers int64 `mapstructure:"maxConcurrentUsers"`
	MaxAPICallsPerHour int64 `mapstructure:"maxApiCallsPerHour"`
}

type Topology struct {
	Queues      []QueueSpec           `mapstructure:"queues"`
	JobDefaults JobDefaults           `mapstructure:"jobDefaults"`
	Plans       map[string]PlanLimits `mapstructure:"plans"`
}

func (t Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

func DefaultTopology() Topology {
	return Topology{
		Queues: []QueueSpec{
			{Name: "high-priority", Concurrency: 20, Priority: 1},
			{Name: "normal-priority", Concurrency: 10, Priority: 2},
			{Name: "low-priority", Concurrency: 5, Priority: 3},
			{Name: "batch-processing", Concurrency: 2, Priority: 4},
		},
		JobDefaults: JobDefaults{
			Attempts:      3,
			Backoff:       2 * time.Second,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		Plans: map[string]PlanLimits{
			"basic":      {MaxProviders: 5, MaxConcurrentUsers: 100, MaxAPICallsPerHour: 1000},
			"pro":        {MaxProviders: 50, MaxConcurrentUsers: 1000, MaxAPICallsPerHour: 10000},
			"enterprise": {MaxProviders: -1, MaxConcurrentUsers: 10000, MaxAPICallsPerHour: 100000},
		},
	}
}

type TopologyHolder struct {
	current atomic.Value // holds Topology
}

// NewStaticTopologyHolder wraps a fixed topology, used by tests and when no file is present.
func NewStaticTopologyHolder(t Topology) *TopologyHolder {
	holder := &TopologyHolder{}
	holder.current.Store(t)
	return holder
}

func NewTopologyHolder(cfg Config) (*TopologyHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(cfg.Queue.TopologyPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tenantcore")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tenantcore")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TENANTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return NewStaticTopologyHolder(DefaultTopology()), nil
	}

	topology, err := decodeTopology(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticTopologyHolder(topology)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log := zap.L().Named("config.topology")
		updated, err := decodeTopology(v)
		if err != nil {
			log.Warn("invalid topology ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("topology reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TopologyHolder) Get() Topology {
	return h.current.Load().(Topology)
}

func decodeTopology(v *viper.Viper) (Topology, error) {
	defaults := DefaultTopology()
	topology := defaults
	topology.Queues = nil
	if err := v.UnmarshalKey("topology", &topology); err != nil {
		return Topology{}, err
	}
	if len(topology.Queues) == 0 {
		topology.Queues = defaults.Queues
	}
	if err := validateTopology(topology); err != nil {
		return Topology{}, err
	}
	return topology, nil
}

func validateTopology(t Topology) error {
	if len(t.Queues) == 0 {
		return errors.New("topology.queues cannot be empty")
	}
	seen := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		if strings.TrimSpace(q.Name) == "" {
			return errors.New("topology.queues name is required")
		}
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("topology.queues %q declared twice", q.Name)
		}
		seen[q.Name] = struct{}{}
		if q.Concurrency <= 0 {
			return fmt.Errorf("topology.queues %q concurrency must be positive", q.Name)
		}
	}
	if t.JobDefaults.Attempts <= 0 {
		return errors.New("topology.jobDefaults.attempts must be positive")
	}
	if t.JobDefaults.Backoff < 0 {
		return errors.New("topology.jobDefaults.backoff must not be negative")
	}
	if len(t.Plans) == 0 {
		return errors.New("topology.plans cannot be empty")
	}
	return nil
}
