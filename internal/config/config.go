package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/sessionpool/internal/pool"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SESSIONPOOL"

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8090" mapstructure:"listen_addr" yaml:"listen_addr"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" mapstructure:"log_format" yaml:"log_format"`
	LogPath   string `envconfig:"LOG_PATH" default:"" mapstructure:"log_path" yaml:"log_path"`

	// Audit trail; disabled when AuditDBPath is empty.
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:"" mapstructure:"audit_db_path" yaml:"audit_db_path"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30" mapstructure:"audit_retention_days" yaml:"audit_retention_days"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily" mapstructure:"audit_purge_schedule" yaml:"audit_purge_schedule"`

	Pool PoolSettings `envconfig:"POOL" mapstructure:"pool" yaml:"pool"`
}

// PoolSettings mirrors pool.Config in the units operators configure.
type PoolSettings struct {
	MaxConnectionsPerTarget int   `envconfig:"MAX_CONNECTIONS_PER_TARGET" default:"8" mapstructure:"max_connections_per_target" yaml:"max_connections_per_target"`
	BorrowTimeoutMs         int64 `envconfig:"BORROW_TIMEOUT_MS" default:"10000" mapstructure:"borrow_timeout_ms" yaml:"borrow_timeout_ms"`
	ReuseTimeoutSec         int64 `envconfig:"REUSE_TIMEOUT_SEC" default:"3600" mapstructure:"reuse_timeout_sec" yaml:"reuse_timeout_sec"`
	CloseTimeoutSec         int64 `envconfig:"CLOSE_TIMEOUT_SEC" default:"600" mapstructure:"close_timeout_sec" yaml:"close_timeout_sec"`
	SweepPeriodMs           int64 `envconfig:"SWEEP_PERIOD_MS" default:"60000" mapstructure:"sweep_period_ms" yaml:"sweep_period_ms"`
	AutoInspect             bool  `envconfig:"AUTO_INSPECT" default:"true" mapstructure:"auto_inspect" yaml:"auto_inspect"`
	ConnectTimeoutMs        int64 `envconfig:"CONNECT_TIMEOUT_MS" default:"5000" mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

var Cfg Settings

// Load reads defaults and the environment into Cfg, then overlays the YAML
// file at path if path is non-empty.
func Load(path string) error {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if path != "" {
		if err := overlayFile(&s, path); err != nil {
			return err
		}
	}
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

func overlayFile(s *Settings, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings, including the derived pool configuration.
func (s Settings) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if s.AuditDBPath != "" && s.AuditRetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive, got %d", s.AuditRetentionDays)
	}
	if err := s.Pool.Config().Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}

// Config converts the settings into a pool configuration.
func (p PoolSettings) Config() pool.Config {
	return pool.Config{
		MaxConnectionsPerTarget: p.MaxConnectionsPerTarget,
		BorrowTimeout:           time.Duration(p.BorrowTimeoutMs) * time.Millisecond,
		ReuseTimeout:            time.Duration(p.ReuseTimeoutSec) * time.Second,
		CloseTimeout:            time.Duration(p.CloseTimeoutSec) * time.Second,
		SweepPeriod:             time.Duration(p.SweepPeriodMs) * time.Millisecond,
		AutoInspect:             p.AutoInspect,
		ConnectTimeout:          time.Duration(p.ConnectTimeoutMs) * time.Millisecond,
	}
}

// Save writes s as YAML to path.
func Save(s Settings, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Dump renders s as YAML.
func Dump(s Settings) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
