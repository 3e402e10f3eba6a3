// Package config loads process configuration the way the teacher's
// internal/config does: viper, explicit env bindings, then validate().
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Vault      VaultConfig
	Upload     UploadConfig
	Webhook    WebhookConfig
	Billing    BillingConfig
	Ops        OpsConfig
	Governance GovernanceConfig
	Retention  RetentionConfig
	Archive    ArchiveConfig
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	APIKey          string `mapstructure:"api_key"`
	DataDir         string `mapstructure:"data_dir"`
	PublicSignupOn  bool   `mapstructure:"public_signup_enabled"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type VaultConfig struct {
	SettingsKeyHex string `mapstructure:"settings_key_hex"`
}

type UploadConfig struct {
	VerifyTimeoutMS     int   `mapstructure:"verify_timeout_ms"`
	RateLimitPerMinute  int   `mapstructure:"rate_limit_uploads_per_minute"`
	MaxBytes            int64 `mapstructure:"max_upload_bytes"`
}

type WebhookConfig struct {
	DeliveryMode            string `mapstructure:"delivery_mode"`
	TimeoutMS               int    `mapstructure:"timeout_ms"`
	RetryIntervalMS         int    `mapstructure:"retry_interval_ms"`
	RetryBackoffMS          int    `mapstructure:"retry_backoff_ms"`
	DeadLetterAlertURL      string `mapstructure:"dead_letter_alert_url"`
	DeadLetterAlertSecret   string `mapstructure:"dead_letter_alert_secret"`
	DefaultEventRelayURL    string `mapstructure:"default_event_relay_url"`
	DefaultEventRelaySecret string `mapstructure:"default_event_relay_secret"`
}

type BillingConfig struct {
	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
	StripePriceIDsJSON  string `mapstructure:"stripe_price_ids_json"` // {"builder":"price_...", ...}
}

type OpsConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Token    string `mapstructure:"token"`
	Protocol string `mapstructure:"protocol"`
}

type GovernanceConfig struct {
	TrustedGovernanceRootKeysJSON string `mapstructure:"trusted_governance_root_keys_json"`
	TrustedPricingSignerKeysJSON  string `mapstructure:"trusted_pricing_signer_keys_json"`
}

type RetentionConfig struct {
	SweepIntervalMS int `mapstructure:"sweep_interval_ms"`
}

type ArchiveConfig struct {
	ExportIntervalMS int `mapstructure:"export_interval_ms"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("upload.verify_timeout_ms", 30000)
	v.SetDefault("upload.rate_limit_uploads_per_minute", 60)
	v.SetDefault("upload.max_upload_bytes", 50*1024*1024)
	v.SetDefault("webhook.delivery_mode", "record")
	v.SetDefault("webhook.timeout_ms", 10000)
	v.SetDefault("webhook.retry_interval_ms", 60000)
	v.SetDefault("webhook.retry_backoff_ms", 5000)
	v.SetDefault("ops.protocol", "1.0")
	v.SetDefault("retention.sweep_interval_ms", 3600000)
	v.SetDefault("archive.export_interval_ms", 3600000)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                   "MAGIC_LINK_PORT",
		"server.host":                   "MAGIC_LINK_HOST",
		"server.api_key":                "MAGIC_LINK_API_KEY",
		"server.data_dir":               "MAGIC_LINK_DATA_DIR",
		"server.public_signup_enabled":  "MAGIC_LINK_PUBLIC_SIGNUP_ENABLED",
		"redis.addr":                    "MAGIC_LINK_REDIS_ADDR",
		"redis.password":                "MAGIC_LINK_REDIS_PASSWORD",
		"vault.settings_key_hex":        "MAGIC_LINK_SETTINGS_KEY_HEX",
		"upload.verify_timeout_ms":      "MAGIC_LINK_VERIFY_TIMEOUT_MS",
		"upload.rate_limit_uploads_per_minute": "MAGIC_LINK_RATE_LIMIT_UPLOADS_PER_MINUTE",
		"upload.max_upload_bytes":       "MAGIC_LINK_MAX_UPLOAD_BYTES",
		"webhook.delivery_mode":         "MAGIC_LINK_WEBHOOK_DELIVERY_MODE",
		"webhook.timeout_ms":            "MAGIC_LINK_WEBHOOK_TIMEOUT_MS",
		"webhook.retry_interval_ms":     "MAGIC_LINK_WEBHOOK_RETRY_INTERVAL_MS",
		"webhook.retry_backoff_ms":      "MAGIC_LINK_WEBHOOK_RETRY_BACKOFF_MS",
		"webhook.dead_letter_alert_url":    "MAGIC_LINK_WEBHOOK_DEAD_LETTER_ALERT_URL",
		"webhook.dead_letter_alert_secret": "MAGIC_LINK_WEBHOOK_DEAD_LETTER_ALERT_SECRET",
		"webhook.default_event_relay_url":    "MAGIC_LINK_DEFAULT_EVENT_RELAY_URL",
		"webhook.default_event_relay_secret": "MAGIC_LINK_DEFAULT_EVENT_RELAY_SECRET",
		"billing.stripe_secret_key":     "MAGIC_LINK_BILLING_STRIPE_SECRET_KEY",
		"billing.stripe_webhook_secret": "MAGIC_LINK_BILLING_STRIPE_WEBHOOK_SECRET",
		"billing.stripe_price_ids_json": "MAGIC_LINK_BILLING_STRIPE_PRICE_IDS_JSON",
		"ops.base_url":                  "MAGIC_LINK_SETTLD_API_BASE_URL",
		"ops.token":                     "MAGIC_LINK_SETTLD_OPS_TOKEN",
		"ops.protocol":                  "MAGIC_LINK_SETTLD_PROTOCOL",
		"governance.trusted_governance_root_keys_json": "SETTLD_TRUSTED_GOVERNANCE_ROOT_KEYS_JSON",
		"governance.trusted_pricing_signer_keys_json":  "SETTLD_TRUSTED_PRICING_SIGNER_KEYS_JSON",
		"retention.sweep_interval_ms":                  "MAGIC_LINK_RETENTION_SWEEP_INTERVAL_MS",
		"archive.export_interval_ms":                   "MAGIC_LINK_ARCHIVE_EXPORT_INTERVAL_MS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Server.APIKey, "MAGIC_LINK_API_KEY"},
		{c.Vault.SettingsKeyHex, "MAGIC_LINK_SETTINGS_KEY_HEX"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}
