// Package config handles loading and validating mailporter configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GmailConfig holds source-account settings.
type GmailConfig struct {
	CredentialsFile string `toml:"credentials_file"` // Installed-app OAuth client JSON
	TokenFile       string `toml:"token_file"`       // Cached OAuth token (default: token.json next to config)
}

// IMAPConfig holds destination-server settings.
type IMAPConfig struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	UseSSL   bool   `toml:"use_ssl"`
}

// Settings holds transfer tuning options.
type Settings struct {
	LabelMappings        map[string]string `toml:"label_mappings"`         // Source label name -> destination folder
	BatchSize            int               `toml:"batch_size"`             // Fetcher batch size
	GmailBatchSize       int               `toml:"gmail_batch_size"`       // Reporting-only estimate
	ProgressSaveInterval int               `toml:"progress_save_interval"` // Uploads per non-forced flush
	ProgressFile         string            `toml:"progress_file"`          // Resume state path
	RateLimitQPS         float64           `toml:"rate_limit_qps"`         // Gmail API request rate
}

// Config is the full mailporter configuration.
type Config struct {
	Gmail    GmailConfig `toml:"gmail"`
	IMAP     IMAPConfig  `toml:"imap"`
	Settings Settings    `toml:"settings"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{
		IMAP: IMAPConfig{
			UseSSL: true,
		},
		Settings: Settings{
			LabelMappings:        map[string]string{},
			BatchSize:            50,
			GmailBatchSize:       50,
			ProgressSaveInterval: 50,
			ProgressFile:         "transfer_progress.json",
			RateLimitQPS:         5,
		},
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Gmail.CredentialsFile = expandPath(cfg.Gmail.CredentialsFile)
	cfg.Gmail.TokenFile = expandPath(cfg.Gmail.TokenFile)
	if cfg.Gmail.TokenFile == "" && cfg.Gmail.CredentialsFile != "" {
		cfg.Gmail.TokenFile = filepath.Join(filepath.Dir(cfg.Gmail.CredentialsFile), "token.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required field is present.
func (c *Config) Validate() error {
	var missing []string
	if c.Gmail.CredentialsFile == "" {
		missing = append(missing, "gmail.credentials_file")
	}
	if c.IMAP.Server == "" {
		missing = append(missing, "imap.server")
	}
	if c.IMAP.Port == 0 {
		missing = append(missing, "imap.port")
	}
	if c.IMAP.Username == "" {
		missing = append(missing, "imap.username")
	}
	if c.IMAP.Password == "" {
		missing = append(missing, "imap.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
