package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "VERABOT"
	defaultDataRoot         = "data"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultQueryTimeout     = 5 * time.Second
	defaultHTTPAddress      = "127.0.0.1:8090"
	defaultAdminIssuer      = "verabot-admin"
	defaultAdminTokenTTL    = 30 * time.Minute
	defaultReminderSchedule = "@every 1m"
)

// AppConfig captures runtime configuration for the bot storage service.
type AppConfig struct {
	DataRoot           string
	LogLevel           string
	LogFormat          string
	QueryTimeout       time.Duration
	HTTPAddress        string
	AdminSigningSecret string
	AdminIssuer        string
	AdminTokenTTL      time.Duration
	DiscordToken       string
	ReminderSchedule   string
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

	configViper.SetDefault("data.root", defaultDataRoot)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.query_timeout", defaultQueryTimeout)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("reminders.schedule", defaultReminderSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DataRoot:           strings.TrimSpace(configViper.GetString("data.root")),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		QueryTimeout:       configViper.GetDuration("database.query_timeout"),
		HTTPAddress:        configViper.GetString("http.address"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminIssuer:        configViper.GetString("admin.issuer"),
		AdminTokenTTL:      configViper.GetDuration("admin.token_ttl"),
		DiscordToken:       strings.TrimSpace(configViper.GetString("discord.token")),
		ReminderSchedule:   strings.TrimSpace(configViper.GetString("reminders.schedule")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data.root is required")
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("database.query_timeout must not be negative")
	}
	if c.ReminderSchedule != "" {
		if _, err := cron.ParseStandard(c.ReminderSchedule); err != nil {
			return fmt.Errorf("reminders.schedule is invalid: %w", err)
		}
	}
	return nil
}

// ValidateAdmin reports whether the admin API and token issuance can be enabled.
func (c AppConfig) ValidateAdmin() error {
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminIssuer) == "" {
		return fmt.Errorf("admin.issuer is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}
