package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDSYNC"
	defaultHTTPAddress     = "127.0.0.1:8173"
	defaultDatabasePath    = "fieldsync.db"
	defaultAttachmentDir   = "attachments"
	defaultLogLevel        = "info"
	defaultSyncInterval    = 30 * time.Second
	defaultPushBatchSize   = 50
	defaultPullLimit       = 200
	defaultBackoffBase     = 5 * time.Second
	defaultBackoffCap      = 15 * time.Minute
	defaultMaxAttempts     = 8
	defaultTokenTTLMinutes = 30
)

// AppConfig captures runtime configuration for the field sync agent.
type AppConfig struct {
	HTTPAddress   string
	RemoteBaseURL string
	DatabasePath  string
	AttachmentDir string
	DeviceID      string
	SigningSecret string
	LogLevel      string
	SyncInterval  time.Duration
	PushBatchSize int
	PullLimit     int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxAttempts   int
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("attachments.dir", defaultAttachmentDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.push_batch_size", defaultPushBatchSize)
	configViper.SetDefault("sync.pull_limit", defaultPullLimit)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTLMinutes*time.Minute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		RemoteBaseURL: configViper.GetString("remote.base_url"),
		DatabasePath:  configViper.GetString("database.path"),
		AttachmentDir: configViper.GetString("attachments.dir"),
		DeviceID:      configViper.GetString("device.id"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
		PushBatchSize: configViper.GetInt("sync.push_batch_size"),
		PullLimit:     configViper.GetInt("sync.pull_limit"),
		BackoffBase:   configViper.GetDuration("sync.backoff_base"),
		BackoffCap:    configViper.GetDuration("sync.backoff_cap"),
		MaxAttempts:   configViper.GetInt("sync.max_attempts"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AttachmentDir) == "" {
		return fmt.Errorf("attachments.dir is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.PushBatchSize <= 0 {
		return fmt.Errorf("sync.push_batch_size must be positive")
	}
	if c.PullLimit <= 0 {
		return fmt.Errorf("sync.pull_limit must be positive")
	}
	return nil
}
