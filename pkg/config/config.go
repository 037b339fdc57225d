package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RAVEN_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Server     ServerConfig     `koanf:"server"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	KV         KVConfig         `koanf:"kv"`
	Worker     WorkerConfig     `koanf:"worker"`
	Governance GovernanceConfig `koanf:"governance"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Identity   IdentityConfig   `koanf:"identity"`
	MCP        MCPConfig        `koanf:"mcp"`
	GRPC       GRPCConfig       `koanf:"grpc"`
}

// CatalogConfig selects the static namespace catalogs to register.
type CatalogConfig struct {
	Builtin bool   `koanf:"builtin"`
	Dir     string `koanf:"dir"` // extra *.yaml catalogs
}

type IdentityConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, prometheus, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LifecycleConfig struct {
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// DispatchConfig tunes the hosted call path.
type DispatchConfig struct {
	DefaultTimeout  time.Duration `koanf:"default_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // calls per second per namespace, 0 disables
	Burst           int           `koanf:"burst"`
	BreakerFailures int           `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
	RetryAttempts   int           `koanf:"retry_attempts"`
	AuditBackend    string        `koanf:"audit_backend"` // none, memory, sqlite
	AuditDSN        string        `koanf:"audit_dsn"`
}

type KVConfig struct {
	Backend   string `koanf:"backend"` // memory, sqlite
	DSN       string `koanf:"dsn"`
	Namespace string `koanf:"namespace"`
}

type WorkerConfig struct {
	Dir     string `koanf:"dir"`
	Pattern string `koanf:"pattern"`
	Watch   bool   `koanf:"watch"`
}

// GovernanceConfig restricts which namespaces and members scripts may reach.
type GovernanceConfig struct {
	Allow []string     `koanf:"allow"`
	Deny  []string     `koanf:"deny"`
	Rules []RuleConfig `koanf:"rules"`
}

type RuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"` // allow, deny
	Type   string `koanf:"type"`   // import, call
	Name   string `koanf:"name"`   // glob
	Reason string `koanf:"reason"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `koanf:"servers"`
}

// MCPServerConfig binds an MCP server's tools to a hosted namespace.
type MCPServerConfig struct {
	Name      string            `koanf:"name"`
	Namespace string            `koanf:"namespace"`
	Command   string            `koanf:"command"`
	Args      []string          `koanf:"args"`
	Env       map[string]string `koanf:"env"`
	URL       string            `koanf:"url"`
	Timeout   time.Duration     `koanf:"timeout"`
}

type GRPCConfig struct {
	Bridges []GRPCBridgeConfig `koanf:"bridges"`
}

// GRPCBridgeConfig binds a reflected gRPC service to a hosted namespace.
type GRPCBridgeConfig struct {
	Namespace string        `koanf:"namespace"`
	Target    string        `koanf:"target"`
	Service   string        `koanf:"service"`
	Insecure  bool          `koanf:"insecure"`
	Timeout   time.Duration `koanf:"timeout"`
}

// Global k instance
var k = koanf.New(".")

func setDefaults() {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.service_name", "raven")

	k.Set("server.addr", ":8787")
	k.Set("server.shutdown_timeout", "10s")

	k.Set("lifecycle.request_timeout", "30s")

	k.Set("dispatch.default_timeout", "5s")
	k.Set("dispatch.rate_limit", 0)
	k.Set("dispatch.burst", 10)
	k.Set("dispatch.breaker_failures", 5)
	k.Set("dispatch.breaker_cooldown", "30s")
	k.Set("dispatch.retry_attempts", 1)
	k.Set("dispatch.audit_backend", "none")

	k.Set("kv.backend", "memory")
	k.Set("kv.namespace", "default")

	k.Set("worker.dir", "workers")
	k.Set("worker.pattern", "**/*.go")
	k.Set("worker.watch", false)

	k.Set("catalog.builtin", true)
	k.Set("identity.enabled", true)
}

func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile loads the base file, then the profile overlay
// (config.<profile>.yaml next to it) when present, then the environment.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOverrides(path, profile, nil)
}

// LoadWithOverrides is LoadWithProfile followed by explicit key=value
// overrides, which win over every other source.
func LoadWithOverrides(path, profile string, overrides map[string]string) (*Config, error) {
	k = koanf.New(".")
	setDefaults()

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
		if profile != "" {
			profilePath := ProfileConfigPath(path, profile)
			if _, err := os.Stat(profilePath); err == nil {
				if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
					return nil, err
				}
			}
		}
	}

	// 2. Load from ENV (RAVEN_DISPATCH_DEFAULT_TIMEOUT -> dispatch.default_timeout)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	// 3. Explicit overrides
	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ProfileConfigPath returns the overlay path for a profile:
// /etc/raven/raven.yaml + prod -> /etc/raven/raven.prod.yaml.
func ProfileConfigPath(path, profile string) string {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(dir, base+"."+profile+ext)
}

// ParseOverrides turns ["a.b=c", ...] into a key/value map.
func ParseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: expected key=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
