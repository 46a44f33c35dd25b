package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Environment variables consulted after flags and the config file.
const (
	EnvMyketUsername = "MYKET_USERNAME"
	EnvMyketPassword = "MYKET_PASSWORD"
	EnvBazaarAPIKey  = "BAZAAR_API_KEY"
	EnvProxyPassword = "MARKET_PUBLISH_PROXY_PASSWORD"
)

// Overrides carries values given on the command line. Empty fields leave the
// loaded configuration untouched.
type Overrides struct {
	MyketUsername     string
	MyketPassword     string
	MyketPasswordFile string
	BazaarAPIKey      string
	BazaarAPIKeyFile  string
	ProxyMode         string
	ProxyHost         string
	ProxyPort         int
	ChunkSize         int
}

// MergeWithFlags applies command-line overrides and environment variables.
//
// Priority (highest to lowest):
//  1. Flag value (--password, --api-key, ...)
//  2. Secret file given by flag (--password-file, --api-key-file)
//  3. Config file
//  4. Environment variable
func (c *Config) MergeWithFlags(o Overrides) error {
	if c.MyketUsername == "" {
		c.MyketUsername = os.Getenv(EnvMyketUsername)
	}
	if c.MyketPassword == "" {
		c.MyketPassword = os.Getenv(EnvMyketPassword)
	}
	if c.BazaarAPIKey == "" {
		c.BazaarAPIKey = os.Getenv(EnvBazaarAPIKey)
	}
	if c.ProxyPassword == "" {
		c.ProxyPassword = os.Getenv(EnvProxyPassword)
	}

	if o.MyketPasswordFile != "" {
		secret, err := ReadSecretFile(o.MyketPasswordFile)
		if err != nil {
			return fmt.Errorf("myket password file: %w", err)
		}
		c.MyketPassword = secret
	}
	if o.BazaarAPIKeyFile != "" {
		secret, err := ReadSecretFile(o.BazaarAPIKeyFile)
		if err != nil {
			return fmt.Errorf("bazaar api key file: %w", err)
		}
		c.BazaarAPIKey = secret
	}

	if o.MyketUsername != "" {
		c.MyketUsername = o.MyketUsername
	}
	if o.MyketPassword != "" {
		if o.MyketPasswordFile != "" {
			log.Warn().Msg("both --password and --password-file given; using --password")
		}
		c.MyketPassword = o.MyketPassword
	}
	if o.BazaarAPIKey != "" {
		c.BazaarAPIKey = o.BazaarAPIKey
	}
	if o.ProxyMode != "" {
		c.ProxyMode = o.ProxyMode
	}
	if o.ProxyHost != "" {
		c.ProxyHost = o.ProxyHost
	}
	if o.ProxyPort > 0 {
		c.ProxyPort = o.ProxyPort
	}
	if o.ChunkSize > 0 {
		c.ChunkSize = o.ChunkSize
	}
	return nil
}

// ReadSecretFile reads a password or API key from a file.
// The file should contain only the secret (whitespace is trimmed).
// Warns if file permissions are too open (not 0600 on Unix systems).
func ReadSecretFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}

	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		log.Warn().Msgf("secret file %s has insecure permissions %04o; consider 'chmod 600 %s'", path, mode, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file is empty")
	}
	return secret, nil
}
