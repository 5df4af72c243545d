// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Zabbix   ZabbixConfig   `yaml:"zabbix" validate:"required"`
	SNMP     SNMPConfig     `yaml:"snmp" validate:"required"`
	Poller   PollerConfig   `yaml:"poller" validate:"required"`
	Notifier NotifierConfig `yaml:"notifier" validate:"required"`
	Store    StoreConfig    `yaml:"store" validate:"required"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ZabbixConfig describes the JSON-RPC inventory provider used by the
// Inventory Reconciler (internal/zabbixapi, internal/inventory).
type ZabbixConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	User           string   `yaml:"user" validate:"required"`
	Password       string   `yaml:"password" validate:"required"`
	DeviceGroups   []string `yaml:"device_groups" validate:"required,min=1"`
	TimeoutMS      int      `yaml:"timeout_ms" validate:"required,min=1"`
	ReconcileEvery string   `yaml:"reconcile_every" validate:"required"`
}

func (z *ZabbixConfig) GetTimeout() time.Duration {
	return time.Duration(z.TimeoutMS) * time.Millisecond
}

func (z *ZabbixConfig) GetReconcileInterval() time.Duration {
	d, err := time.ParseDuration(z.ReconcileEvery)
	if err != nil {
		return time.Hour
	}
	return d
}

// SNMPConfig carries the v2c defaults used by the Multiplex Poller and by
// the Worker's reinit/secondary-confirm probes when a device has no
// per-device community override.
type SNMPConfig struct {
	DefaultCommunity string `yaml:"default_community" validate:"required"`
	Port             int    `yaml:"port" validate:"required,min=1,max=65535"`
	TimeoutMS        int    `yaml:"timeout_ms" validate:"required,min=1"`
	Retries          int    `yaml:"retries" validate:"min=0"`
}

func (s *SNMPConfig) GetTimeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// PollerConfig governs the tick cadence, the Multiplex Poller's bounded
// concurrency, and the Anomaly Engine's thresholds and recovery ratio.
type PollerConfig struct {
	TickIntervalMS int     `yaml:"tick_interval_ms" validate:"required,min=1"`
	MaxHosts       int     `yaml:"max_hosts" validate:"required,min=1"`
	BcMax          float64 `yaml:"bcmax" validate:"required,gt=0"`
	MavMax         float64 `yaml:"mavmax" validate:"required,gt=0"`
	MavLow         float64 `yaml:"mavlow" validate:"required,gt=0"`
	MavWindow      int     `yaml:"mav_window" validate:"required,min=1"`
	RecoverRatio   float64 `yaml:"recover_ratio" validate:"required,gt=0,lte=1"`
	CounterCutoff  float64 `yaml:"counter_cutoff" validate:"required,gt=0"`
}

func (p *PollerConfig) GetTickInterval() time.Duration {
	return time.Duration(p.TickIntervalMS) * time.Millisecond
}

// NotifierConfig governs backoff and the alert email's SMTP delivery,
// matching worker.cpp's process_devices retry constants and
// generate_message/send_message's envelope.
type NotifierConfig struct {
	RecheckIntervalMS int      `yaml:"recheck_interval_ms" validate:"required,min=1"`
	RetryIntervalS    int      `yaml:"retry_interval_s" validate:"required,min=1"`
	MaxBackoffS       int      `yaml:"max_backoff_s" validate:"required,min=1"`
	SMTPHost          string   `yaml:"smtp_host" validate:"required,hostname_port|hostname"`
	MailFrom          string   `yaml:"mail_from" validate:"required,email"`
	MailTo            []string `yaml:"mail_to" validate:"required,min=1,dive,email"`
}

func (n *NotifierConfig) GetRecheckInterval() time.Duration {
	return time.Duration(n.RecheckIntervalMS) * time.Millisecond
}

func (n *NotifierConfig) GetRetryInterval() time.Duration {
	return time.Duration(n.RetryIntervalS) * time.Second
}

func (n *NotifierConfig) GetMaxBackoff() time.Duration {
	return time.Duration(n.MaxBackoffS) * time.Second
}

// StoreConfig is the per-interface round-robin time-series layout.
type StoreConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// HealthConfig is the ambient ops-only HTTP surface.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

var validate = validator.New()

// Load reads configuration from file and applies environment variable
// overrides, the same two-step pipeline as the teacher's Load.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate runs struct-tag validation, then the handful of cross-field
// checks validator tags can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Poller.BcMax <= 0 || c.Poller.MavMax <= 0 || c.Poller.MavLow <= 0 {
		return fmt.Errorf("poller.bcmax, poller.mavmax and poller.mavlow must be positive")
	}
	if c.Poller.RecoverRatio <= 0 || c.Poller.RecoverRatio > 1 {
		return fmt.Errorf("poller.recover_ratio must be a fraction in (0,1]")
	}
	if len(c.Notifier.MailTo) == 0 {
		return fmt.Errorf("notifier.mail_to must list at least one recipient")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with the LOOPD_
// prefix, mirroring the teacher's NMS_-prefixed convention.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOPD_ZABBIX_URL"); v != "" {
		cfg.Zabbix.URL = v
	}
	if v := os.Getenv("LOOPD_ZABBIX_USER"); v != "" {
		cfg.Zabbix.User = v
	}
	if v := os.Getenv("LOOPD_ZABBIX_PASSWORD"); v != "" {
		cfg.Zabbix.Password = v
	}
	if v := os.Getenv("LOOPD_SNMP_DEFAULT_COMMUNITY"); v != "" {
		cfg.SNMP.DefaultCommunity = v
	}
	if v := os.Getenv("LOOPD_SNMP_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.SNMP.Port)
	}
	if v := os.Getenv("LOOPD_POLLER_TICK_INTERVAL_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Poller.TickIntervalMS)
	}
	if v := os.Getenv("LOOPD_POLLER_MAX_HOSTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Poller.MaxHosts)
	}
	if v := os.Getenv("LOOPD_NOTIFIER_SMTP_HOST"); v != "" {
		cfg.Notifier.SMTPHost = v
	}
	if v := os.Getenv("LOOPD_NOTIFIER_MAIL_FROM"); v != "" {
		cfg.Notifier.MailFrom = v
	}
	if v := os.Getenv("LOOPD_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("LOOPD_HEALTH_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	if v := os.Getenv("LOOPD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// IsLogLevelValid checks if the log level is valid.
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
