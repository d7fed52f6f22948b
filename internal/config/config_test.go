package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9000
account-file: /tmp/accounts.json
debug: true
proxy-url: socks5://127.0.0.1:1080
fallback-model: gemini-2.5-flash
request-retry: 3
routes:
  - pattern: my-alias
    target: claude-sonnet-4-5
  - pattern: "team-*"
    target: gemini-3-pro-low
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 || !cfg.Debug || cfg.RequestRetry != 3 {
		t.Errorf("basic fields = %+v", cfg)
	}
	if cfg.FallbackModel != "gemini-2.5-flash" {
		t.Errorf("FallbackModel = %q", cfg.FallbackModel)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d", len(cfg.Routes))
	}
	// Declaration order is preserved.
	if cfg.Routes[0].Pattern != "my-alias" || cfg.Routes[1].Pattern != "team-*" {
		t.Errorf("route order = %+v", cfg.Routes)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "debug: false\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8317 {
		t.Errorf("default port = %d", cfg.Port)
	}
	if cfg.AccountFile != "accounts.json" {
		t.Errorf("default account file = %q", cfg.AccountFile)
	}
	if cfg.AccountStore != "file" {
		t.Errorf("default store = %q", cfg.AccountStore)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Routes = []Route{{Pattern: "x", Target: "gemini-3-flash"}}
	if err = cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Routes) != 1 || reloaded.Routes[0].Target != "gemini-3-flash" {
		t.Errorf("routes after round trip = %+v", reloaded.Routes)
	}
}
