package db

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tenantcore/internal/config"
)

// Config describes a single connection pool.
type Config struct {
	Name            string
	Type            string
	Host            string
	Port            string
	DBName          string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConn     int
	MinConn         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	// DSN overrides the composed connection string, mostly for sqlite.
	DSN string
}

// PoolConfigs expands the database config into the primary pool followed by one pool per replica.
func PoolConfigs(cfg config.DatabaseConfig) []Config {
	primary := Config{
		Name:            "primary",
		Type:            cfg.Type,
		Host:            cfg.Host,
		Port:            cfg.Port,
		DBName:          cfg.Name,
		User:            cfg.User,
		Password:        cfg.Password,
		SSLMode:         cfg.SSLMode,
		MaxOpenConn:     cfg.MaxOpenConn,
		MinConn:         cfg.MinConn,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	out := []Config{primary}
	for i, hostport := range cfg.ReplicaHosts {
		replica := primary
		replica.Name = "replica-" + strconv.Itoa(i+1)
		replica.Host, replica.Port = splitHostPort(hostport, cfg.Port)
		out = append(out, replica)
	}
	return out
}

func splitHostPort(hostport, defPort string) (string, string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return strings.TrimSpace(hostport), defPort
	}
	return host, port
}
