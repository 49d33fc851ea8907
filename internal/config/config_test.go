package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected default queue backend redis, got %q", cfg.Queue.Backend)
	}
	if cfg.Generation.DefaultProvider != "openai" {
		t.Errorf("expected default provider openai, got %q", cfg.Generation.DefaultProvider)
	}

	openai, ok := cfg.GetProvider("openai")
	if !ok {
		t.Fatal("expected an openai provider entry in the defaults")
	}
	if openai.APIKey != "${OPENAI_API_KEY}" {
		t.Errorf("expected the openai key to stay a placeholder, got %q", openai.APIKey)
	}
	if !openai.Enabled {
		t.Error("expected the openai provider to be enabled by default")
	}
	if openai.Model != "gpt-image-1" {
		t.Errorf("expected default openai model gpt-image-1, got %q", openai.Model)
	}

	stability, ok := cfg.GetProvider("stability")
	if !ok {
		t.Fatal("expected a stability provider entry in the defaults")
	}
	if stability.Enabled {
		t.Error("expected the stability provider to be disabled by default")
	}

	enabled := cfg.EnabledProviders()
	if _, ok := enabled["openai"]; !ok {
		t.Error("expected openai among enabled providers")
	}
	if _, ok := enabled["stability"]; ok {
		t.Error("did not expect stability among enabled providers")
	}
}

func TestGetDefault(t *testing.T) {
	entry := GetDefault("queue.backend")
	if entry == nil {
		t.Fatal("expected a default entry for queue.backend")
	}
	if entry.Value != "redis" {
		t.Errorf("expected redis, got %v", entry.Value)
	}
	if entry.Description == "" {
		t.Error("expected queue.backend to carry a description")
	}
	if GetDefault("no.such.key") != nil {
		t.Error("expected nil for an unknown key")
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("INKWELL_TEST_SECRET", "sk-12345")
		if got := ResolveEnvVars("${INKWELL_TEST_SECRET}"); got != "sk-12345" {
			t.Errorf("expected sk-12345, got %q", got)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		if got := ResolveEnvVars("${INKWELL_TEST_DEFINITELY_UNSET}"); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		if got := ResolveEnvVars("sk-literal"); got != "sk-literal" {
			t.Errorf("expected sk-literal, got %q", got)
		}
	})
}

func TestResolveUserTokens(t *testing.T) {
	t.Setenv("INKWELL_TEST_ALICE_TOKEN", "tok-alice")

	cfg := DefaultConfig()
	cfg.Auth.Tokens = map[string]string{
		"alice": "${INKWELL_TEST_ALICE_TOKEN}",
		"bob":   "tok-bob",
		"carol": "${INKWELL_TEST_UNSET_TOKEN}",
	}

	tokens := cfg.ResolveUserTokens()
	if len(tokens) != 2 {
		t.Fatalf("expected 2 resolved tokens, got %d: %v", len(tokens), tokens)
	}
	if tokens["tok-alice"] != "alice" {
		t.Errorf("expected tok-alice to map to alice, got %q", tokens["tok-alice"])
	}
	if tokens["tok-bob"] != "bob" {
		t.Errorf("expected tok-bob to map to bob, got %q", tokens["tok-bob"])
	}
}

func TestResolveServiceToken(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Auth.ServiceToken = "${INKWELL_TEST_SERVICE_TOKEN}"
	if got := cfg.ResolveServiceToken(); got != "" {
		t.Errorf("expected empty token for unset variable, got %q", got)
	}

	t.Setenv("INKWELL_TEST_SERVICE_TOKEN", "svc-secret")
	if got := cfg.ResolveServiceToken(); got != "svc-secret" {
		t.Errorf("expected svc-secret, got %q", got)
	}
}

func TestToProviderRegistryConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-resolved")

	cfg := DefaultConfig()
	rc := cfg.ToProviderRegistryConfig()

	openai, ok := rc.Providers["openai"]
	if !ok {
		t.Fatal("expected an openai entry in the registry config")
	}
	if openai.APIKey != "sk-resolved" {
		t.Errorf("expected the resolved key, got %q", openai.APIKey)
	}
	if openai.Type != "openai" {
		t.Errorf("expected type openai, got %q", openai.Type)
	}

	stability, ok := rc.Providers["stability"]
	if !ok {
		t.Fatal("expected a stability entry in the registry config")
	}
	if stability.APIKey != "" {
		t.Errorf("expected an empty key for the unset stability variable, got %q", stability.APIKey)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads defaults without a config file", func(t *testing.T) {
		cm, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		if cm.Get().Server.Port != "8080" {
			t.Errorf("expected default port, got %q", cm.Get().Server.Port)
		}
	})

	t.Run("loads from config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
server:
  port: "9090"
queue:
  backend: local
providers:
  openai:
    enabled: false
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cm, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		cfg := cm.Get()
		if cfg.Server.Port != "9090" {
			t.Errorf("expected port 9090 from file, got %q", cfg.Server.Port)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("expected default host to survive the merge, got %q", cfg.Server.Host)
		}
		if cfg.Queue.Backend != "local" {
			t.Errorf("expected queue backend local, got %q", cfg.Queue.Backend)
		}
		openai, ok := cfg.GetProvider("openai")
		if !ok {
			t.Fatal("expected the openai entry to survive the merge")
		}
		if openai.Enabled {
			t.Error("expected the file to disable openai")
		}
		if openai.Model != "gpt-image-1" {
			t.Errorf("expected the default model to survive the merge, got %q", openai.Model)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		t.Setenv("INKWELL_SERVER_PORT", "7070")

		cm, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		if cm.Get().Server.Port != "7070" {
			t.Errorf("expected the environment to win, got %q", cm.Get().Server.Port)
		}
	})

	t.Run("rejects an unknown queue backend", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte("queue:\n  backend: kafka\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := NewManager(path); err == nil {
			t.Fatal("expected an error for an unknown queue backend")
		}
	})

	t.Run("rejects a provider without a type", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte("providers:\n  doodle:\n    api_key: x\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := NewManager(path); err == nil {
			t.Fatal("expected an error for a provider entry without a type")
		}
	})
}

func TestManagerOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"8081\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var fired atomic.Bool
	var gotPort atomic.Value
	cm.OnChange(func(cfg *Config) {
		gotPort.Store(cfg.Server.Port)
		fired.Store(true)
	})
	cm.WatchConfig()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  port: \"9191\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("change callback never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if port, _ := gotPort.Load().(string); port != "9191" {
		t.Errorf("expected callback to see port 9191, got %q", port)
	}
	if cm.Get().Server.Port != "9191" {
		t.Errorf("expected manager to hold the new port, got %q", cm.Get().Server.Port)
	}
}

func TestWatchConfigIgnoresInvalidRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  backend: local\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cm.WatchConfig()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("queue:\n  backend: kafka\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// The invalid rewrite must not replace the running config.
	time.Sleep(500 * time.Millisecond)
	if got := cm.Get().Queue.Backend; got != "local" {
		t.Errorf("expected the previous backend to survive, got %q", got)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(raw), "#") {
		t.Error("expected the written config to start with a comment header")
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager on written defaults: %v", err)
	}
	cfg := cm.Get()
	if cfg.Server.Port != "8080" {
		t.Errorf("expected the written defaults to round-trip, got port %q", cfg.Server.Port)
	}
	if _, ok := cfg.GetProvider("openai"); !ok {
		t.Error("expected the openai provider to round-trip")
	}
}
