package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mos.yml.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		BasePath       string   `yaml:"base_path"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Core struct {
		Version          string        `yaml:"version"`
		FailureThreshold int           `yaml:"failure_threshold"`
		Cooldown         time.Duration `yaml:"cooldown"`
		HealthInterval   time.Duration `yaml:"health_interval"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
	} `yaml:"core"`
	Dispatch struct {
		RevenueLockThreshold int64  `yaml:"revenue_lock_threshold"`
		LockAggregation      string `yaml:"lock_aggregation"`
	} `yaml:"dispatch"`
	Trust struct {
		DecayRate            float64 `yaml:"decay_rate"`
		DecaySchedule        string  `yaml:"decay_schedule"`
		ClosureSchedule      string  `yaml:"closure_schedule"`
		CompletionIncentive  int64   `yaml:"completion_incentive"`
		CompletionTrustBonus float64 `yaml:"completion_trust_bonus"`
	} `yaml:"trust"`
	Bus struct {
		Transport string `yaml:"transport"`
		RedisURL  string `yaml:"redis_url"`
		Channel   string `yaml:"channel"`
	} `yaml:"bus"`
	Gateway struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		PeerQueue         int     `yaml:"peer_queue"`
	} `yaml:"gateway"`
	SMS struct {
		SenderID    string `yaml:"sender_id"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"sms"`
	Anchor struct {
		Network       string        `yaml:"network"`
		Issuer        string        `yaml:"issuer"`
		SigningSecret string        `yaml:"signing_secret"`
		CredentialTTL time.Duration `yaml:"credential_ttl"`
	} `yaml:"anchor"`
	PlatformKeys map[string]PlatformKey `yaml:"platform_keys"`
	Capabilities map[string][]string    `yaml:"capabilities"`
	Webhooks     []WebhookConfig        `yaml:"webhooks"`
}

type PlatformKey struct {
	Role  string `yaml:"role"`
	Label string `yaml:"label"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	AggregateSum    = "sum"
	AggregateLatest = "latest"

	TransportLocal = "local"
	TransportRedis = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with mos config default > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Core.FailureThreshold <= 0 {
		return fmt.Errorf("config.core.failure_threshold must be positive")
	}
	if c.Core.Cooldown <= 0 {
		return fmt.Errorf("config.core.cooldown must be positive")
	}
	if c.Dispatch.RevenueLockThreshold < 0 {
		return fmt.Errorf("config.dispatch.revenue_lock_threshold must not be negative")
	}
	switch c.Dispatch.LockAggregation {
	case AggregateSum, AggregateLatest:
	default:
		return fmt.Errorf("config.dispatch.lock_aggregation must be %q or %q", AggregateSum, AggregateLatest)
	}
	if c.Trust.DecayRate < 0 || c.Trust.DecayRate >= 1 {
		return fmt.Errorf("config.trust.decay_rate must be in [0,1)")
	}
	switch c.Bus.Transport {
	case "", TransportLocal:
	case TransportRedis:
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("config.bus.redis_url is required for the redis transport")
		}
	default:
		return fmt.Errorf("config.bus.transport %s not supported", c.Bus.Transport)
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("config.capabilities is required")
	}
	for role, caps := range c.Capabilities {
		if role == "" {
			return fmt.Errorf("config.capabilities contains empty role")
		}
		for _, capability := range caps {
			if capability == "" {
				return fmt.Errorf("role %s has empty capability", role)
			}
		}
	}
	for key, pk := range c.PlatformKeys {
		if key == "" {
			return fmt.Errorf("config.platform_keys contains empty key")
		}
		if _, ok := c.Capabilities[pk.Role]; !ok {
			return fmt.Errorf("platform key %s references unknown role %s", pk.Label, pk.Role)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mos.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	var registry struct {
		PlatformKeys map[string]PlatformKey `yaml:"platform_keys"`
		Capabilities map[string][]string    `yaml:"capabilities"`
	}
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default()
	// yaml.v3 merges into existing maps; a file that names a registry replaces it.
	if registry.PlatformKeys != nil {
		cfg.PlatformKeys = nil
	}
	if registry.Capabilities != nil {
		cfg.Capabilities = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allowed_origins:
    - http://localhost:3000
    - http://127.0.0.1:3000

core:
  version: 3.7.1-stable
  failure_threshold: 3
  cooldown: 30s
  health_interval: 15s
  operation_timeout: 10s

dispatch:
  revenue_lock_threshold: 50000
  lock_aggregation: sum

trust:
  decay_rate: 0.001
  decay_schedule: "0 0 * * *"
  closure_schedule: "55 23 * * *"
  completion_incentive: 15
  completion_trust_bonus: 0.2

bus:
  transport: local
  channel: LYNC_MOS_EVENTS

gateway:
  requests_per_second: 20
  burst: 40
  peer_queue: 64

sms:
  sender_id: LYNC
  max_attempts: 3

anchor:
  network: Celo
  issuer: did:lync:mos
  signing_secret: change-me
  credential_ttl: 720h

platform_keys:
  mos_pk_control_live_8291:
    role: platform_control
    label: Global Control Tower
  mos_pk_growth_data_0021:
    role: platform_growth
    label: Growth Engine
  mos_pk_admin_global_7734:
    role: sacco_admin
    label: Fleet SuperAdmin

capabilities:
  operator_terminal: [system_health]
  sacco_admin: [system_health, operational_metrics, trust_metrics, revenue_integrity, audit_logs]
  platform_control: [system_health, operational_metrics, revenue_integrity, audit_logs]
  platform_growth: [growth_metrics, acquisition_metrics, projections]
`
