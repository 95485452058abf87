// Package config loads the control plane's configuration from environment
// variables, following the teacher's envStr/envInt/envBool helper pattern.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the sandbox control plane.
type Config struct {
	Port           int
	PostgresURL    string
	WorkspaceImage string

	WarmIdle         time.Duration
	MaxRunsPerDay    int
	WorkspaceColdTTL time.Duration
	EvidenceTTL      time.Duration
	EvidenceRoot     string

	OpenAIAPIKey   string
	ForceMockCodex bool
	SeedDemoUser   bool

	Telemetry TelemetryConfig
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		Port:           envInt("PORT", 8080),
		PostgresURL:    envStr("POSTGRES_URL", ""),
		WorkspaceImage: envStr("WORKSPACE_IMAGE", "sandboxctl/workspace:latest"),

		WarmIdle:         time.Duration(envInt("WARM_IDLE_MINUTES", 20)) * time.Minute,
		MaxRunsPerDay:    envInt("MAX_RUNS_PER_DAY", 500),
		WorkspaceColdTTL: time.Duration(envInt("WORKSPACE_COLD_TTL_DAYS", 30)) * 24 * time.Hour,
		EvidenceTTL:      time.Duration(envInt("EVIDENCE_TTL_DAYS", 180)) * 24 * time.Hour,
		EvidenceRoot:     envStr("EVIDENCE_ROOT", "./data/evidence"),

		OpenAIAPIKey:   envStr("OPENAI_API_KEY", ""),
		ForceMockCodex: envBool("FORCE_MOCK_CODEX", false),
		SeedDemoUser:   envBool("SEED_DEMO_USER", false),

		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "sandboxctl-control-plane"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
