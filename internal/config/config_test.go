package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 18790 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Models.Default == "" {
		t.Error("default model empty")
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.json5")
	body := `{
		// local dev overrides
		server: { port: 9999 },
		models: { default: "gpt-4.1" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Models.Default != "gpt-4.1" {
		t.Errorf("model = %q", cfg.Models.Default)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.MaxToolIterations != 24 {
		t.Errorf("maxToolIterations = %d", cfg.Agent.MaxToolIterations)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("LOOM_DEFAULT_MODEL", "gemini-2.5-flash")
	t.Setenv("LOOM_PORT", "7001")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Default != "gemini-2.5-flash" {
		t.Errorf("model = %q", cfg.Models.Default)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}
