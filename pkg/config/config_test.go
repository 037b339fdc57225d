package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.KV.Backend != "memory" {
		t.Errorf("expected default kv backend memory, got %s", cfg.KV.Backend)
	}
	if cfg.Dispatch.DefaultTimeout != 5*time.Second {
		t.Errorf("expected default dispatch timeout 5s, got %s", cfg.Dispatch.DefaultTimeout)
	}
	if cfg.Lifecycle.RequestTimeout != 30*time.Second {
		t.Errorf("expected default request timeout 30s, got %s", cfg.Lifecycle.RequestTimeout)
	}
	if cfg.Worker.Pattern != "**/*.go" {
		t.Errorf("expected default worker pattern, got %s", cfg.Worker.Pattern)
	}
	if !cfg.Catalog.Builtin || !cfg.Identity.Enabled {
		t.Errorf("expected builtin catalog and identity on by default, got %+v %+v", cfg.Catalog, cfg.Identity)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("RAVEN_KV_BACKEND", "sqlite")
	t.Setenv("RAVEN_DISPATCH_DEFAULT_TIMEOUT", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.KV.Backend != "sqlite" {
		t.Errorf("expected kv backend sqlite from env, got %s", cfg.KV.Backend)
	}
	if cfg.Dispatch.DefaultTimeout != 250*time.Millisecond {
		t.Errorf("expected timeout from env, got %s", cfg.Dispatch.DefaultTimeout)
	}
}

func TestLoadFileWithLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raven.yaml")
	content := `
governance:
  deny:
    - "raven/process/**"
  rules:
    - id: no-user-delete
      effect: deny
      type: call
      name: "raven/identity/users.delete"
mcp:
  servers:
    - name: fs
      namespace: raven/mcp/fs
      command: mcp-fs
      args: ["--root", "/srv"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Governance.Deny) != 1 || cfg.Governance.Deny[0] != "raven/process/**" {
		t.Errorf("unexpected deny list: %v", cfg.Governance.Deny)
	}
	if len(cfg.Governance.Rules) != 1 || cfg.Governance.Rules[0].ID != "no-user-delete" {
		t.Errorf("unexpected rules: %+v", cfg.Governance.Rules)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Args[1] != "/srv" {
		t.Errorf("unexpected mcp servers: %+v", cfg.MCP.Servers)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
kv:
  backend: "memory"
  namespace: "base"
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "raven.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
log:
  level: "debug"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "raven.dev.yaml"), []byte(devConfig), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	prodConfig := `
kv:
  backend: "sqlite"
log:
  level: "warn"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "raven.prod.yaml"), []byte(prodConfig), 0644); err != nil {
		t.Fatalf("failed to write prod config: %v", err)
	}

	tests := []struct {
		name          string
		profile       string
		wantBackend   string
		wantLogLevel  string
		wantNamespace string
	}{
		{"no profile - base only", "", "memory", "info", "base"},
		{"dev profile", "dev", "memory", "debug", "base"},
		{"prod profile", "prod", "sqlite", "warn", "base"},
		{"nonexistent profile - falls back to base", "staging", "memory", "info", "base"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.KV.Backend != tc.wantBackend {
				t.Errorf("backend: got %s, want %s", cfg.KV.Backend, tc.wantBackend)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.KV.Namespace != tc.wantNamespace {
				t.Errorf("namespace: got %s, want %s", cfg.KV.Namespace, tc.wantNamespace)
			}
		})
	}
}

func TestLoadWithOverrides(t *testing.T) {
	t.Setenv("RAVEN_KV_BACKEND", "sqlite")

	overrides, err := ParseOverrides([]string{"kv.backend=memory", "dispatch.burst=3"})
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	cfg, err := LoadWithOverrides("", "", overrides)
	if err != nil {
		t.Fatalf("LoadWithOverrides: %v", err)
	}
	if cfg.KV.Backend != "memory" {
		t.Errorf("override should win over env, got %s", cfg.KV.Backend)
	}
	if cfg.Dispatch.Burst != 3 {
		t.Errorf("expected burst 3, got %d", cfg.Dispatch.Burst)
	}
}

func TestParseOverridesErrors(t *testing.T) {
	for _, bad := range []string{"novalue", "=x", " =y"} {
		if _, err := ParseOverrides([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestProfileConfigPath(t *testing.T) {
	got := ProfileConfigPath("/etc/raven/raven.yaml", "prod")
	want := filepath.Join("/etc/raven", "raven.prod.yaml")
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
