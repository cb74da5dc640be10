package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/websoft9/webssh/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
session:
  secret: "test-secret-key-at-least-16-chars"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 2222 {
		t.Errorf("listen.port default: got %d", cfg.Listen.Port)
	}
	if cfg.SSH.Port != 22 || cfg.SSH.Term != "xterm-color" {
		t.Errorf("ssh defaults: %+v", cfg.SSH)
	}
	if cfg.SSH.ReadyTimeout != 20*time.Second {
		t.Errorf("ready_timeout default: %v", cfg.SSH.ReadyTimeout)
	}
	if cfg.SSH.KeepaliveInterval != 120*time.Second || cfg.SSH.KeepaliveCountMax != 10 {
		t.Errorf("keepalive defaults: %v / %d", cfg.SSH.KeepaliveInterval, cfg.SSH.KeepaliveCountMax)
	}
	if cfg.Session.MaxAuthAttempts != 2 {
		t.Errorf("max_auth_attempts default: %d", cfg.Session.MaxAuthAttempts)
	}
	if cfg.Options.AllowReplay || cfg.Options.AllowReauth {
		t.Error("replay/reauth must default off")
	}
	if len(cfg.SSH.AllowedMethods()) != 3 {
		t.Errorf("allowed methods default: %v", cfg.SSH.AllowedMethods())
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 8022
ssh:
  term: "xterm-256color"
  ready_timeout: 5s
  allowed_auth_methods: ["publickey"]
options:
  allow_replay: true
session:
  secret: "test-secret-key-at-least-16-chars"
  max_auth_attempts: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8022 {
		t.Errorf("listen.port: %d", cfg.Listen.Port)
	}
	if cfg.SSH.ReadyTimeout != 5*time.Second {
		t.Errorf("ready_timeout: %v", cfg.SSH.ReadyTimeout)
	}
	allowed := cfg.SSH.AllowedMethods()
	if len(allowed) != 1 || allowed[0] != policy.MethodPublicKey {
		t.Errorf("allowed methods: %v", allowed)
	}
	if !cfg.Options.AllowReplay {
		t.Error("allow_replay not applied")
	}
	if cfg.Session.MaxAuthAttempts != 3 {
		t.Errorf("max_auth_attempts: %d", cfg.Session.MaxAuthAttempts)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 8022
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing session.secret")
	}
}

func TestLoad_BadAuthMethod(t *testing.T) {
	path := writeConfig(t, `
ssh:
  allowed_auth_methods: ["hostbased"]
session:
  secret: "test-secret-key-at-least-16-chars"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown auth method")
	}
}

func TestLoad_BadLogLevel(t *testing.T) {
	path := writeConfig(t, `
log:
  level: "loud"
session:
  secret: "test-secret-key-at-least-16-chars"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
