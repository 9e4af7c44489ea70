package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"reportline/internal/artifact"
	"reportline/internal/retry"
)

const fileName = "reportline.yml"

// Config models reportline.yml. Every scalar can be overridden from the
// environment with the REPORTLINE_ prefix, e.g. REPORTLINE_SERVER_JWT_SECRET.
type Config struct {
	Server struct {
		Addr         string `yaml:"addr" env:"ADDR"`
		BasePath     string `yaml:"base_path" env:"BASE_PATH"`
		JWTSecret    string `yaml:"jwt_secret" env:"JWT_SECRET"`
		WebhookToken string `yaml:"webhook_token" env:"WEBHOOK_TOKEN"`
	} `yaml:"server" envPrefix:"SERVER_"`
	Database struct {
		Path          string `yaml:"path" env:"PATH"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS"`
	} `yaml:"database" envPrefix:"DB_"`
	Storage struct {
		Provider        string `yaml:"provider" env:"PROVIDER"`
		Dir             string `yaml:"dir" env:"DIR"`
		Bucket          string `yaml:"bucket" env:"BUCKET"`
		Prefix          string `yaml:"prefix" env:"PREFIX"`
		CredentialsJSON string `yaml:"credentials_json" env:"CREDENTIALS_JSON"`
	} `yaml:"storage" envPrefix:"STORAGE_"`
	Lock struct {
		Provider      string        `yaml:"provider" env:"PROVIDER"`
		RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
		RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
		RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
		TTL           time.Duration `yaml:"ttl" env:"TTL"`
	} `yaml:"lock" envPrefix:"LOCK_"`
	Artifact struct {
		MaxBytes int `yaml:"max_bytes" env:"MAX_BYTES"`
	} `yaml:"artifact" envPrefix:"ARTIFACT_"`
	Retry struct {
		StoragePolicy    string                 `yaml:"storage_policy" env:"STORAGE_POLICY"`
		BreakerThreshold int                    `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
		BreakerCooldown  time.Duration          `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
		Policies         map[string]RetryPolicy `yaml:"policies"`
	} `yaml:"retry" envPrefix:"RETRY_"`
	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
	Telemetry struct {
		Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
		ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	} `yaml:"telemetry" envPrefix:"OTEL_"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// RetryPolicy overrides fields of a built-in retry preset. Zero fields keep
// the preset value.
type RetryPolicy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	switch c.Storage.Provider {
	case "fs":
		if c.Storage.Dir == "" {
			return fmt.Errorf("config.storage.dir is required for the fs provider")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("config.storage.provider must be one of fs, gcs, memory")
	}
	switch c.Lock.Provider {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("config.lock.redis_addr is required for the redis provider")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("config.lock.ttl must be positive")
		}
	default:
		return fmt.Errorf("config.lock.provider must be one of local, redis")
	}
	if c.Artifact.MaxBytes < 0 || c.Artifact.MaxBytes > artifact.MaxBytes {
		return fmt.Errorf("config.artifact.max_bytes must be between 0 and %d", artifact.MaxBytes)
	}
	if _, ok := retry.Preset(c.Retry.StoragePolicy); !ok {
		return fmt.Errorf("config.retry.storage_policy %q is not a known preset", c.Retry.StoragePolicy)
	}
	if c.Retry.BreakerThreshold < 0 {
		return fmt.Errorf("config.retry.breaker_threshold must not be negative")
	}
	for name, p := range c.Retry.Policies {
		if _, ok := retry.Preset(name); !ok {
			return fmt.Errorf("config.retry.policies.%s is not a known preset", name)
		}
		if p.MaxAttempts < 0 || p.Multiplier < 0 || p.Jitter < 0 || p.Jitter > 1 {
			return fmt.Errorf("config.retry.policies.%s has out of range values", name)
		}
	}
	if c.Lock.Provider == "redis" {
		// A lock that expires mid-retry lets a second writer in.
		if p, err := c.RetryPolicy(c.Retry.StoragePolicy); err == nil && p.Timeout > c.Lock.TTL {
			return fmt.Errorf("config.lock.ttl %s is shorter than the %s retry timeout %s", c.Lock.TTL, p.Name, p.Timeout)
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["administrator"]; !ok {
			return fmt.Errorf("config.rbac.roles must include administrator")
		}
	}
	return nil
}

// RetryPolicy returns the named preset with any configured overrides applied.
func (c *Config) RetryPolicy(name string) (retry.Policy, error) {
	p, ok := retry.Preset(name)
	if !ok {
		return retry.Policy{}, fmt.Errorf("unknown retry policy %s", name)
	}
	o, ok := c.Retry.Policies[name]
	if !ok {
		return p, nil
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelay > 0 {
		p.InitialDelay = o.InitialDelay
	}
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.Jitter > 0 {
		p.Jitter = o.Jitter
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	return p, nil
}

// RolePermissions flattens the rbac section for seeding.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads config from the workspace, applies environment overrides and
// validates the result.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := ApplyEnv(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, applies
// environment overrides and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
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
  addr: "127.0.0.1:8080"
  base_path: ""
  jwt_secret: ""
  webhook_token: ""

database:
  path: ""
  busy_timeout_ms: 5000

storage:
  provider: fs
  dir: .reportline/artifacts
  bucket: ""
  prefix: ""

lock:
  provider: local
  redis_addr: ""
  redis_db: 0
  ttl: 10m

artifact:
  max_bytes: 1048576

retry:
  storage_policy: storage
  breaker_threshold: 5
  breaker_cooldown: 60s
  policies: {}

log:
  level: info
  format: json

telemetry:
  endpoint: ""
  service_name: reportline

rbac:
  roles:
    administrator:
      description: "Full access"
      permissions: [batch.create, batch.read, batch.cancel, batch.finalize, evaluation.update, emission.request, report.confirm, report.read, report.verify, payment.create, payment.read, audit.read, retry.read]
    hr_manager:
      description: "Manages batches and evaluations"
      permissions: [batch.create, batch.read, batch.cancel, evaluation.update, emission.request, report.read, report.verify, payment.read]
    report_issuer:
      description: "Uploads issued reports"
      permissions: [batch.read, report.confirm, report.read, report.verify]
`
