package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/market-publish/internal/config"
)

// TestConfigPath tests the config path command
func TestConfigPath(t *testing.T) {
	cmd := newConfigPathCmd()
	if cmd.Use != "path" {
		t.Errorf("Expected Use='path', got '%s'", cmd.Use)
	}
	if cmd.Short == "" {
		t.Error("Short description is empty")
	}
}

func TestConfigWizard(t *testing.T) {
	cfg := config.NewConfig()
	input := strings.Join([]string{
		"dev@example.com", // username
		"s3cret",          // password
		"",                // bazaar secret left empty
		"basic",           // proxy mode
		"proxy.corp",      // host
		"",                // port default
		"alice",           // proxy user
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runConfigWizard(cfg, newPrompter(strings.NewReader(input), &out)); err != nil {
		t.Fatalf("runConfigWizard() error = %v", err)
	}

	if cfg.MyketUsername != "dev@example.com" || cfg.MyketPassword != "s3cret" {
		t.Errorf("myket = %q / %q", cfg.MyketUsername, cfg.MyketPassword)
	}
	if cfg.BazaarAPIKey != "" {
		t.Errorf("BazaarAPIKey = %q, want empty", cfg.BazaarAPIKey)
	}
	if cfg.ProxyMode != "basic" || cfg.ProxyHost != "proxy.corp" || cfg.ProxyPort != 8080 || cfg.ProxyUser != "alice" {
		t.Errorf("proxy = %s %s:%d %s", cfg.ProxyMode, cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyUser)
	}
}

func TestConfigWizardKeepsCurrentSecret(t *testing.T) {
	cfg := config.NewConfig()
	cfg.MyketPassword = "old"
	input := "user\n\n\nno-proxy\n"

	if err := runConfigWizard(cfg, newPrompter(strings.NewReader(input), &bytes.Buffer{})); err != nil {
		t.Fatalf("runConfigWizard() error = %v", err)
	}
	if cfg.MyketPassword != "old" {
		t.Errorf("MyketPassword = %q, want old", cfg.MyketPassword)
	}
}

func TestConfigWizardRejectsUnknownProxyMode(t *testing.T) {
	input := "user\npw\nkey\nsocks\n"
	if err := runConfigWizard(config.NewConfig(), newPrompter(strings.NewReader(input), &bytes.Buffer{})); err == nil {
		t.Error("runConfigWizard() accepted proxy mode socks")
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	root := NewRootCmd()
	AddCommands(root)
	root.SetIn(strings.NewReader("dev@example.com\nhunter2hunter2\nbazaar-key-123\nno-proxy\n"))
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config permissions = %04o, want 0600", info.Mode().Perm())
	}

	root = NewRootCmd()
	AddCommands(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config show error = %v", err)
	}
	shown := out.String()
	if !strings.Contains(shown, "dev@example.com") {
		t.Errorf("show output missing username:\n%s", shown)
	}
	if strings.Contains(shown, "hunter2hunter2") || strings.Contains(shown, "bazaar-key-123") {
		t.Errorf("show output leaks a secret:\n%s", shown)
	}
}
