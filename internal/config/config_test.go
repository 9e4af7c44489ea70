package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.BreakerThreshold != 5 || cfg.Retry.BreakerCooldown != time.Minute {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Retry)
	}
	if cfg.Artifact.MaxBytes != 1048576 {
		t.Fatalf("unexpected max bytes %d", cfg.Artifact.MaxBytes)
	}
	cfg.Lock.Provider = "redis"
	cfg.Lock.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default lock ttl should cover the storage retry timeout: %v", err)
	}
	if len(cfg.RBAC.Roles["report_issuer"].Permissions) == 0 {
		t.Fatalf("report_issuer role missing permissions")
	}
}

func TestFromYAMLOverridesAndEnv(t *testing.T) {
	t.Setenv("REPORTLINE_SERVER_JWT_SECRET", "from-env")
	t.Setenv("REPORTLINE_STORAGE_PROVIDER", "memory")
	cfg, err := FromYAML([]byte("server:\n  addr: \":9090\"\nretry:\n  policies:\n    storage:\n      max_attempts: 2\n      initial_delay: 10ms\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr not read from yaml: %q", cfg.Server.Addr)
	}
	if cfg.Server.JWTSecret != "from-env" || cfg.Storage.Provider != "memory" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Storage)
	}
	p, err := cfg.RetryPolicy("storage")
	if err != nil {
		t.Fatalf("retry policy: %v", err)
	}
	if p.MaxAttempts != 2 || p.InitialDelay != 10*time.Millisecond || p.Multiplier != 2 {
		t.Fatalf("unexpected merged policy %+v", p)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"storage.provider":   "storage:\n  provider: s3\n",
		"redis_addr":         "lock:\n  provider: redis\n",
		"storage_policy":     "retry:\n  storage_policy: nope\n",
		"log.format":         "log:\n  format: xml\n",
		"artifact.max_bytes": "artifact:\n  max_bytes: 2097152\n",
		"lock.ttl":           "lock:\n  provider: redis\n  redis_addr: localhost:6379\n  ttl: 1m\n",
	}
	for want, doc := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", doc, want, err)
		}
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Storage.Dir != ".reportline/artifacts" {
		t.Fatalf("unexpected storage dir %s", cfg.Storage.Dir)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should fail without a file")
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
