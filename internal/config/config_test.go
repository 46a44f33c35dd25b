package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rescale/market-publish/internal/constants"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.MyketAPIURL != constants.MyketAPIURL || cfg.MyketUploadURL != constants.MyketUploadURL {
		t.Errorf("myket urls = %s %s", cfg.MyketAPIURL, cfg.MyketUploadURL)
	}
	if cfg.ChunkSize != 1024000 {
		t.Errorf("ChunkSize = %d, want 1024000", cfg.ChunkSize)
	}
	if cfg.ProxyMode != "no-proxy" {
		t.Errorf("ProxyMode = %s, want no-proxy", cfg.ProxyMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoadConfigNonExistent(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ChunkSize != constants.UploadChunkSize {
		t.Errorf("ChunkSize = %d, want default", cfg.ChunkSize)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config")

	cfg := NewConfig()
	cfg.MyketUsername = "dev@example.com"
	cfg.MyketPassword = "pw"
	cfg.BazaarAPIKey = "key"
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy.corp"
	cfg.ProxyPort = 3128
	cfg.ProxyUser = "alice"
	cfg.ProxyPassword = "never-saved"
	cfg.NoProxy = "localhost,.internal"
	cfg.RequestTimeout = 45 * time.Second
	cfg.ChunkTimeout = 2 * time.Minute
	cfg.Deadline = 30 * time.Minute
	cfg.RetryMax = 3
	cfg.ChunkSize = 512000

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("permissions = %04o, want 0600", info.Mode().Perm())
		}
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	want := *cfg
	want.ProxyPassword = ""
	if *loaded != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *loaded, want)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("[myket\napi_url = x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() accepted a malformed file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"chunk too small", func(c *Config) { c.ChunkSize = 1000 }, ErrInvalidChunkSize},
		{"chunk too large", func(c *Config) { c.ChunkSize = 64 << 20 }, ErrInvalidChunkSize},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, ErrInvalidTimeout},
		{"negative deadline", func(c *Config) { c.Deadline = -time.Second }, ErrInvalidTimeout},
		{"retry max", func(c *Config) { c.RetryMax = 11 }, ErrInvalidRetryMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateForPlatforms(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ValidateForMyket(); err != ErrMissingMyketCredential {
		t.Errorf("ValidateForMyket() = %v, want ErrMissingMyketCredential", err)
	}
	cfg.MyketUsername, cfg.MyketPassword = "u", "p"
	if err := cfg.ValidateForMyket(); err != nil {
		t.Errorf("ValidateForMyket() = %v", err)
	}
	cfg.MyketUploadURL = ""
	if err := cfg.ValidateForMyket(); err != ErrMissingMyketURL {
		t.Errorf("ValidateForMyket() = %v, want ErrMissingMyketURL", err)
	}

	if err := cfg.ValidateForBazaar(); err != ErrMissingBazaarKey {
		t.Errorf("ValidateForBazaar() = %v, want ErrMissingBazaarKey", err)
	}
	cfg.BazaarAPIKey = "k"
	if err := cfg.ValidateForBazaar(); err != nil {
		t.Errorf("ValidateForBazaar() = %v", err)
	}
}

func TestMasked(t *testing.T) {
	cfg := NewConfig()
	cfg.MyketPassword = "supersecret"
	cfg.BazaarAPIKey = "abc"
	m := cfg.Masked()
	if m.MyketPassword != "su*******et" {
		t.Errorf("masked password = %s", m.MyketPassword)
	}
	if m.BazaarAPIKey != "****" {
		t.Errorf("masked key = %s", m.BazaarAPIKey)
	}
	if cfg.MyketPassword != "supersecret" {
		t.Error("Masked() modified the original")
	}
}

func TestMergeWithFlagsPrecedence(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	if err := os.WriteFile(pwFile, []byte("from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvMyketUsername, "env-user")
	t.Setenv(EnvMyketPassword, "env-pw")
	t.Setenv(EnvBazaarAPIKey, "env-key")

	// Environment fills what the config file left empty.
	cfg := NewConfig()
	if err := cfg.MergeWithFlags(Overrides{}); err != nil {
		t.Fatal(err)
	}
	if cfg.MyketUsername != "env-user" || cfg.MyketPassword != "env-pw" || cfg.BazaarAPIKey != "env-key" {
		t.Errorf("env merge = %q %q %q", cfg.MyketUsername, cfg.MyketPassword, cfg.BazaarAPIKey)
	}

	// Config file beats environment.
	cfg = NewConfig()
	cfg.MyketPassword = "file-config-pw"
	cfg.MergeWithFlags(Overrides{})
	if cfg.MyketPassword != "file-config-pw" {
		t.Errorf("config value overridden by env: %q", cfg.MyketPassword)
	}

	// Secret file beats config file.
	cfg = NewConfig()
	cfg.MyketPassword = "file-config-pw"
	if err := cfg.MergeWithFlags(Overrides{MyketPasswordFile: pwFile}); err != nil {
		t.Fatal(err)
	}
	if cfg.MyketPassword != "from-file" {
		t.Errorf("password = %q, want from-file", cfg.MyketPassword)
	}

	// Flag beats everything.
	cfg = NewConfig()
	if err := cfg.MergeWithFlags(Overrides{MyketPassword: "flag-pw", MyketPasswordFile: pwFile, MyketUsername: "flag-user", ChunkSize: 65536}); err != nil {
		t.Fatal(err)
	}
	if cfg.MyketPassword != "flag-pw" || cfg.MyketUsername != "flag-user" || cfg.ChunkSize != 65536 {
		t.Errorf("flags = %q %q %d", cfg.MyketPassword, cfg.MyketUsername, cfg.ChunkSize)
	}
}

func TestReadSecretFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good")
	os.WriteFile(good, []byte("  token-value \n"), 0600)
	got, err := ReadSecretFile(good)
	if err != nil || got != "token-value" {
		t.Errorf("ReadSecretFile() = %q, %v", got, err)
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("\n"), 0600)
	if _, err := ReadSecretFile(empty); err == nil {
		t.Error("ReadSecretFile() accepted an empty file")
	}

	if _, err := ReadSecretFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("ReadSecretFile() accepted a missing file")
	}
}
