// Package config provides configuration management for market-publish.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/market-publish/internal/constants"
)

// Config is the effective configuration of one publisher run.
//
// Config file location:
//   - Windows: %APPDATA%\MarketPublish\config
//   - Unix: ~/.config/market-publish/config
//
// INI format:
//
//	[myket]
//	api_url = https://developer.myket.ir/api
//	resource_url = https://resource.myket.ir
//	upload_url = https://raven.myket.ir
//	username = dev@example.com
//	password = <secret>
//
//	[bazaar]
//	api_url = https://api.pishkhan.cafebazaar.ir
//	api_key = <secret>
//
//	[network]
//	proxy_mode = no-proxy
//	request_timeout = 60s
//	chunk_timeout = 5m
//	deadline = 0s
//	retry_max = 0
//
//	[upload]
//	chunk_size = 1024000
type Config struct {
	// Myket endpoints and credentials
	MyketAPIURL      string
	MyketResourceURL string
	MyketUploadURL   string
	MyketUsername    string
	MyketPassword    string

	// Bazaar endpoint and secret
	BazaarAPIURL string
	BazaarAPIKey string

	// Proxy settings
	ProxyMode     string // "no-proxy", "ntlm", "basic", "system"
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string // Comma-separated list of hosts to bypass proxy
	ProxyWarmup   bool

	// Timeouts. RequestTimeout bounds each API call, ChunkTimeout each PATCH,
	// Deadline the whole run (0 = no deadline).
	RequestTimeout time.Duration
	ChunkTimeout   time.Duration
	Deadline       time.Duration

	// RetryMax is the number of transport-level retries for idempotent GETs.
	// Mutating calls are never retried.
	RetryMax int

	// ChunkSize is the number of bytes sent per upload PATCH.
	ChunkSize int
}

// Validation errors
var (
	ErrMissingMyketURL        = errors.New("myket api_url, resource_url and upload_url are required")
	ErrMissingMyketCredential = errors.New("myket username and password are required")
	ErrMissingBazaarKey       = errors.New("bazaar api_key is required")
	ErrInvalidChunkSize       = fmt.Errorf("chunk_size must be between %d and %d", constants.MinUploadChunkSize, constants.MaxUploadChunkSize)
	ErrInvalidTimeout         = errors.New("request_timeout and chunk_timeout must be positive, deadline must not be negative")
	ErrInvalidRetryMax        = errors.New("retry_max must be between 0 and 10")
)

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		MyketAPIURL:      constants.MyketAPIURL,
		MyketResourceURL: constants.MyketResourceURL,
		MyketUploadURL:   constants.MyketUploadURL,
		BazaarAPIURL:     constants.BazaarAPIURL,
		ProxyMode:        "no-proxy",
		RequestTimeout:   constants.DefaultRequestTimeout,
		ChunkTimeout:     constants.DefaultChunkTimeout,
		Deadline:         constants.DefaultDeadline,
		RetryMax:         constants.DefaultRetryMax,
		ChunkSize:        constants.UploadChunkSize,
	}
}

// LoadConfig loads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = GetDefaultConfigPath()
		if path == "" {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	myket := iniFile.Section("myket")
	cfg.MyketAPIURL = myket.Key("api_url").MustString(cfg.MyketAPIURL)
	cfg.MyketResourceURL = myket.Key("resource_url").MustString(cfg.MyketResourceURL)
	cfg.MyketUploadURL = myket.Key("upload_url").MustString(cfg.MyketUploadURL)
	cfg.MyketUsername = myket.Key("username").String()
	cfg.MyketPassword = myket.Key("password").String()

	bazaar := iniFile.Section("bazaar")
	cfg.BazaarAPIURL = bazaar.Key("api_url").MustString(cfg.BazaarAPIURL)
	cfg.BazaarAPIKey = bazaar.Key("api_key").String()

	network := iniFile.Section("network")
	cfg.ProxyMode = network.Key("proxy_mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = network.Key("proxy_host").String()
	cfg.ProxyPort = network.Key("proxy_port").MustInt(0)
	cfg.ProxyUser = network.Key("proxy_user").String()
	cfg.ProxyPassword = network.Key("proxy_password").String()
	cfg.NoProxy = network.Key("no_proxy").String()
	cfg.ProxyWarmup = network.Key("proxy_warmup").MustBool(false)
	cfg.RequestTimeout = network.Key("request_timeout").MustDuration(cfg.RequestTimeout)
	cfg.ChunkTimeout = network.Key("chunk_timeout").MustDuration(cfg.ChunkTimeout)
	cfg.Deadline = network.Key("deadline").MustDuration(cfg.Deadline)
	cfg.RetryMax = network.Key("retry_max").MustInt(cfg.RetryMax)

	upload := iniFile.Section("upload")
	cfg.ChunkSize = upload.Key("chunk_size").MustInt(cfg.ChunkSize)

	return cfg, nil
}

// SaveConfig saves configuration to an INI file.
// Creates parent directories if they don't exist.
// Credentials are stored in the file - it is written with 0600 permissions.
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = GetDefaultConfigPath()
		if path == "" {
			return fmt.Errorf("failed to determine config path")
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	myket, err := iniFile.NewSection("myket")
	if err != nil {
		return fmt.Errorf("failed to create myket section: %w", err)
	}
	myket.Key("api_url").SetValue(cfg.MyketAPIURL)
	myket.Key("resource_url").SetValue(cfg.MyketResourceURL)
	myket.Key("upload_url").SetValue(cfg.MyketUploadURL)
	myket.Key("username").SetValue(cfg.MyketUsername)
	myket.Key("password").SetValue(cfg.MyketPassword)

	bazaar, err := iniFile.NewSection("bazaar")
	if err != nil {
		return fmt.Errorf("failed to create bazaar section: %w", err)
	}
	bazaar.Key("api_url").SetValue(cfg.BazaarAPIURL)
	bazaar.Key("api_key").SetValue(cfg.BazaarAPIKey)

	network, err := iniFile.NewSection("network")
	if err != nil {
		return fmt.Errorf("failed to create network section: %w", err)
	}
	network.Key("proxy_mode").SetValue(cfg.ProxyMode)
	network.Key("proxy_host").SetValue(cfg.ProxyHost)
	network.Key("proxy_port").SetValue(strconv.Itoa(cfg.ProxyPort))
	network.Key("proxy_user").SetValue(cfg.ProxyUser)
	// proxy_password is never persisted; it comes from the environment or a prompt
	network.Key("no_proxy").SetValue(cfg.NoProxy)
	network.Key("proxy_warmup").SetValue(strconv.FormatBool(cfg.ProxyWarmup))
	network.Key("request_timeout").SetValue(cfg.RequestTimeout.String())
	network.Key("chunk_timeout").SetValue(cfg.ChunkTimeout.String())
	network.Key("deadline").SetValue(cfg.Deadline.String())
	network.Key("retry_max").SetValue(strconv.Itoa(cfg.RetryMax))

	upload, err := iniFile.NewSection("upload")
	if err != nil {
		return fmt.Errorf("failed to create upload section: %w", err)
	}
	upload.Key("chunk_size").SetValue(strconv.Itoa(cfg.ChunkSize))

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks the settings shared by every platform.
func (c *Config) Validate() error {
	if c.ChunkSize < constants.MinUploadChunkSize || c.ChunkSize > constants.MaxUploadChunkSize {
		return ErrInvalidChunkSize
	}
	if c.RequestTimeout <= 0 || c.ChunkTimeout <= 0 || c.Deadline < 0 {
		return ErrInvalidTimeout
	}
	if c.RetryMax < 0 || c.RetryMax > 10 {
		return ErrInvalidRetryMax
	}
	return nil
}

// ValidateForMyket checks everything a Myket publish needs.
func (c *Config) ValidateForMyket() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.MyketAPIURL) == "" ||
		strings.TrimSpace(c.MyketResourceURL) == "" ||
		strings.TrimSpace(c.MyketUploadURL) == "" {
		return ErrMissingMyketURL
	}
	if strings.TrimSpace(c.MyketUsername) == "" || c.MyketPassword == "" {
		return ErrMissingMyketCredential
	}
	return nil
}

// ValidateForBazaar checks everything a Bazaar publish needs.
func (c *Config) ValidateForBazaar() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.BazaarAPIKey) == "" {
		return ErrMissingBazaarKey
	}
	return nil
}

// Masked returns a copy of the config with secrets replaced, for display.
func (c *Config) Masked() Config {
	m := *c
	m.MyketPassword = maskSecret(c.MyketPassword)
	m.BazaarAPIKey = maskSecret(c.BazaarAPIKey)
	m.ProxyPassword = maskSecret(c.ProxyPassword)
	return m
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
