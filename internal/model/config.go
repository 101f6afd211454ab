package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ServerConfig holds connection settings for one protocol endpoint.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	TLS  bool   `mapstructure:"tls" yaml:"tls"`
}

// AccountConfig holds the configuration for a single mail account.
// Passwords are not part of the file; they live in the OS keyring.
type AccountConfig struct {
	// ID is the stable identifier of the account in the local store.
	ID string `mapstructure:"id" yaml:"id"`

	Name     string `mapstructure:"name" yaml:"name"`
	Email    string `mapstructure:"email" yaml:"email"`
	Username string `mapstructure:"username" yaml:"username"`

	IMAP ServerConfig `mapstructure:"imap" yaml:"imap"`
	SMTP ServerConfig `mapstructure:"smtp" yaml:"smtp"`

	// DeletePolicy is "never" or "on_delete".
	DeletePolicy string `mapstructure:"delete_policy" yaml:"delete_policy"`

	// PollIntervalSec is how often (in seconds) to check for new mail.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// Account converts the configuration entry into a model.Account.
func (c AccountConfig) Account() Account {
	policy := DeletePolicy(c.DeletePolicy)
	if policy != DeletePolicyNever {
		policy = DeletePolicyOnDelete
	}
	username := c.Username
	if username == "" {
		username = c.Email
	}
	return Account{
		ID:           c.ID,
		Name:         c.Name,
		Email:        c.Email,
		Username:     username,
		IMAPHost:     c.IMAP.Host,
		IMAPPort:     c.IMAP.Port,
		IMAPTLS:      c.IMAP.TLS,
		SMTPHost:     c.SMTP.Host,
		SMTPPort:     c.SMTP.Port,
		SMTPTLS:      c.SMTP.TLS,
		DeletePolicy: policy,
	}
}

// DatabaseConfig locates the local message store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// SyncConfig holds engine-wide synchronization settings.
type SyncConfig struct {
	// VisibleLimitDefault applies to mailboxes without their own limit.
	VisibleLimitDefault int `mapstructure:"visible_limit_default" yaml:"visible_limit_default"`

	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultDatabasePath returns ~/.local/share/mailsync/mail.db.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mail.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mail.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Log:      LogConfig{Level: "info"},
		Sync: SyncConfig{
			VisibleLimitDefault: 25,
			PollIntervalSec:     300,
		},
		Accounts: []AccountConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("sync.visible_limit_default", 25)
	v.SetDefault("sync.poll_interval_sec", 300)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.ID == "" {
			return nil, fmt.Errorf("account %d in %s has no id", i, path)
		}
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = cfg.Sync.PollIntervalSec
		}
		if a.IMAP.Port == 0 {
			a.IMAP.Port = 993
			if !v.IsSet(fmt.Sprintf("accounts.%d.imap.tls", i)) {
				a.IMAP.TLS = true
			}
		}
		if a.SMTP.Port == 0 {
			a.SMTP.Port = 587
		}
		if a.DeletePolicy == "" {
			a.DeletePolicy = string(DeletePolicyOnDelete)
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("log", cfg.Log)
	v.Set("sync", cfg.Sync)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
