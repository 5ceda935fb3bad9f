package observability

import (
	"strings"

	"github.com/smallbiznis/tenantcore/internal/config"
)

// Config is the telemetry view of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel    string
	LogFormat   string
	ProbeRoutes []string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "tenantcore"
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             orDefault(cfg.Telemetry.LogLevel, "info"),
		LogFormat:            orDefault(cfg.Telemetry.LogFormat, "json"),
		ProbeRoutes:          cfg.Telemetry.ProbeRoutes,
		OtelEnabled:          cfg.Telemetry.OtelEnabled && endpoint != "",
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: orDefault(cfg.Telemetry.OtelProtocol, "grpc"),
		OtelSamplingRatio:    cfg.Telemetry.SamplingRatio,
	}
}

// Debug is on for an explicit debug level or any non-production environment.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func orDefault(value, def string) string {
	if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
		return value
	}
	return def
}
