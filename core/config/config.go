package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds settings for the operator-facing parent bot.
type TelegramConfig struct {
	ParentToken string  `yaml:"parent_token" envconfig:"PARENT_BOT_TOKEN"`
	AdminIDs    []int64 `yaml:"admin_ids" envconfig:"TELEGRAM_ADMIN_IDS"`
	RunMode     string  `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings for the parent bot.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// ChannelConfig identifies the private channel gating tenant activity.
type ChannelConfig struct {
	PrivateChannelID int64 `yaml:"private_channel_id" envconfig:"PRIVATE_CHANNEL_ID"`
}

const (
	// SecretModePerTenant validates postbacks against each tenant's own secret.
	SecretModePerTenant = "enabled"
	// SecretModeGlobal validates postbacks against the shared global secret.
	SecretModeGlobal = "global"
)

// PostbackConfig controls postback secret validation.
type PostbackConfig struct {
	SecretMode   string `yaml:"secret_mode" envconfig:"TENANT_SECRET_MODE"`
	GlobalSecret string `yaml:"global_secret" envconfig:"GLOBAL_POSTBACK_SECRET"`
	// RetryBudget bounds persistence retries per inbound postback request.
	RetryBudget int `yaml:"retry_budget" envconfig:"POSTBACK_RETRY_BUDGET"`
}

// BroadcastConfig tunes the outbound broadcast dispatcher.
type BroadcastConfig struct {
	RatePerHour int `yaml:"rate_per_hour" envconfig:"BROADCAST_RATE_PER_HOUR"`
	Workers     int `yaml:"workers" envconfig:"BROADCAST_WORKERS"`
	QueueSize   int `yaml:"queue_size" envconfig:"BROADCAST_QUEUE_SIZE"`
	// RequeueDelaySeconds defers throttled jobs before they return to the queue.
	RequeueDelaySeconds int `yaml:"requeue_delay_seconds" envconfig:"BROADCAST_REQUEUE_DELAY_SECONDS"`
}

// SupervisorConfig tunes the tenant lifecycle supervisor and membership monitor.
type SupervisorConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds" envconfig:"MEMBERSHIP_CHECK_INTERVAL_SECONDS"`
	// CrashThreshold moves a tenant to ERROR after this many worker crashes
	// within CrashWindowSeconds.
	CrashThreshold     int `yaml:"crash_threshold" envconfig:"WORKER_CRASH_THRESHOLD"`
	CrashWindowSeconds int `yaml:"crash_window_seconds" envconfig:"WORKER_CRASH_WINDOW_SECONDS"`
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds" envconfig:"WORKER_STOP_TIMEOUT_SECONDS"`
}

// HTTPConfig describes the postback/redirect API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
	// ServiceHost is the public base URL embedded in referral links.
	ServiceHost string `yaml:"service_host" envconfig:"SERVICE_HOST"`
	MiniappURL  string `yaml:"miniapp_url" envconfig:"MINIAPP_URL"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// RunModeWebhook selects webhook mode for parent bot updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for parent bot updates.
	RunModeLongpoll = "longpoll"
)

// Config aggregates the platform configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Channel    ChannelConfig    `yaml:"channel"`
	Postback   PostbackConfig   `yaml:"postback"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.ParentToken == "" {
		return fmt.Errorf("telegram.parent_token is required")
	}
	if cfg.Channel.PrivateChannelID == 0 {
		return fmt.Errorf("channel.private_channel_id is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	sm := strings.ToLower(strings.TrimSpace(cfg.Postback.SecretMode))
	if sm == "" {
		sm = SecretModePerTenant
	}
	switch sm {
	case SecretModePerTenant:
	case SecretModeGlobal:
		if strings.TrimSpace(cfg.Postback.GlobalSecret) == "" {
			return fmt.Errorf("postback.global_secret is required when postback.secret_mode is 'global'")
		}
	default:
		return fmt.Errorf("invalid postback.secret_mode %q; allowed: enabled, global", cfg.Postback.SecretMode)
	}
	cfg.Postback.SecretMode = sm
	if cfg.Postback.RetryBudget <= 0 {
		cfg.Postback.RetryBudget = 3
	}

	if cfg.Broadcast.RatePerHour <= 0 {
		cfg.Broadcast.RatePerHour = 40
	}
	if cfg.Broadcast.Workers <= 0 {
		cfg.Broadcast.Workers = 2
	}
	if cfg.Broadcast.QueueSize <= 0 {
		cfg.Broadcast.QueueSize = 256
	}
	if cfg.Broadcast.RequeueDelaySeconds <= 0 {
		cfg.Broadcast.RequeueDelaySeconds = 300
	}

	if cfg.Supervisor.CheckIntervalSeconds <= 0 {
		cfg.Supervisor.CheckIntervalSeconds = 30
	}
	if cfg.Supervisor.CrashThreshold <= 0 {
		cfg.Supervisor.CrashThreshold = 3
	}
	if cfg.Supervisor.CrashWindowSeconds <= 0 {
		cfg.Supervisor.CrashWindowSeconds = 600
	}
	if cfg.Supervisor.StopTimeoutSeconds <= 0 {
		cfg.Supervisor.StopTimeoutSeconds = 10
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = ":8080"
	}
	cfg.HTTP.ServiceHost = strings.TrimRight(strings.TrimSpace(cfg.HTTP.ServiceHost), "/")

	return nil
}
