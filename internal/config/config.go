// Package config loads service settings from defaults, an optional YAML file
// and FAMBAM_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Push     PushConfig     `yaml:"push"`
	Calendar CalendarConfig `yaml:"calendar"`
	Chores   ChoreConfig    `yaml:"chores"`
	Backup   BackupConfig   `yaml:"backup"`
}

type PushConfig struct {
	VAPIDPublicKey  string        `yaml:"vapid_public_key"`
	VAPIDPrivateKey string        `yaml:"vapid_private_key"`
	Subscriber      string        `yaml:"subscriber"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Workers         int           `yaml:"workers"`
}

type CalendarConfig struct {
	GoogleClientID     string        `yaml:"google_client_id"`
	GoogleClientSecret string        `yaml:"google_client_secret"`
	GoogleRefreshToken string        `yaml:"google_refresh_token"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ReminderLead       time.Duration `yaml:"reminder_lead"`
}

// BackupConfig points at S3-compatible object storage for encrypted database
// snapshots.
type BackupConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Bucket     string        `yaml:"bucket"`
	Region     string        `yaml:"region"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Prefix     string        `yaml:"prefix"`
	Passphrase string        `yaml:"passphrase"`
	Interval   time.Duration `yaml:"interval"`
	Retention  time.Duration `yaml:"retention"`
}

type ChoreConfig struct {
	ApproveRetries uint64 `yaml:"approve_retries"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:      "8080",
		DBPath:    "fambam.db",
		LogLevel:  "info",
		LogFormat: "text",
		Push: PushConfig{
			Subscriber:   "mailto:noreply@fambam.app",
			PollInterval: 30 * time.Second,
			Workers:      4,
		},
		Calendar: CalendarConfig{
			SweepInterval: time.Hour,
			ReminderLead:  time.Hour,
		},
		Chores: ChoreConfig{
			ApproveRetries: 5,
		},
		Backup: BackupConfig{
			Region:    "us-east-1",
			Prefix:    "fambam",
			Interval:  24 * time.Hour,
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// PushEnabled reports whether VAPID keys are configured.
func (c Config) PushEnabled() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}

// CalendarEnabled reports whether Google Calendar credentials are configured.
func (c Config) CalendarEnabled() bool {
	return c.Calendar.GoogleClientID != "" && c.Calendar.GoogleClientSecret != "" && c.Calendar.GoogleRefreshToken != ""
}

// BackupEnabled reports whether object storage and a passphrase are
// configured.
func (c Config) BackupEnabled() bool {
	b := c.Backup
	return b.Bucket != "" && b.AccessKey != "" && b.SecretKey != "" && b.Passphrase != ""
}

// Load builds the configuration. path may be empty, in which case
// FAMBAM_CONFIG is consulted; a missing file is only an error when a path was
// given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("FAMBAM_CONFIG")
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Calendar.SweepInterval <= 0 {
		return fmt.Errorf("calendar.sweep_interval must be positive")
	}
	if c.Calendar.ReminderLead <= 0 {
		return fmt.Errorf("calendar.reminder_lead must be positive")
	}
	if c.Push.Workers <= 0 {
		return fmt.Errorf("push.workers must be positive")
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push: both VAPID keys must be set together")
	}
	if c.Backup.Bucket != "" && c.Backup.Passphrase == "" {
		return fmt.Errorf("backup: a passphrase is required when a bucket is set")
	}
	if c.Backup.Interval < 0 || c.Backup.Retention < 0 {
		return fmt.Errorf("backup: interval and retention must not be negative")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("FAMBAM_PORT", &cfg.Port)
	str("FAMBAM_DB_PATH", &cfg.DBPath)
	str("FAMBAM_LOG_LEVEL", &cfg.LogLevel)
	str("FAMBAM_LOG_FORMAT", &cfg.LogFormat)
	str("FAMBAM_VAPID_PUBLIC_KEY", &cfg.Push.VAPIDPublicKey)
	str("FAMBAM_VAPID_PRIVATE_KEY", &cfg.Push.VAPIDPrivateKey)
	str("FAMBAM_VAPID_SUBSCRIBER", &cfg.Push.Subscriber)
	str("FAMBAM_GOOGLE_CLIENT_ID", &cfg.Calendar.GoogleClientID)
	str("FAMBAM_GOOGLE_CLIENT_SECRET", &cfg.Calendar.GoogleClientSecret)
	str("FAMBAM_GOOGLE_REFRESH_TOKEN", &cfg.Calendar.GoogleRefreshToken)
	str("FAMBAM_BACKUP_ENDPOINT", &cfg.Backup.Endpoint)
	str("FAMBAM_BACKUP_BUCKET", &cfg.Backup.Bucket)
	str("FAMBAM_BACKUP_REGION", &cfg.Backup.Region)
	str("FAMBAM_BACKUP_ACCESS_KEY", &cfg.Backup.AccessKey)
	str("FAMBAM_BACKUP_SECRET_KEY", &cfg.Backup.SecretKey)
	str("FAMBAM_BACKUP_PREFIX", &cfg.Backup.Prefix)
	str("FAMBAM_BACKUP_PASSPHRASE", &cfg.Backup.Passphrase)

	if err := dur("FAMBAM_PUSH_POLL_INTERVAL", &cfg.Push.PollInterval); err != nil {
		return err
	}
	if err := dur("FAMBAM_SWEEP_INTERVAL", &cfg.Calendar.SweepInterval); err != nil {
		return err
	}
	if err := dur("FAMBAM_REMINDER_LEAD", &cfg.Calendar.ReminderLead); err != nil {
		return err
	}
	if err := dur("FAMBAM_BACKUP_INTERVAL", &cfg.Backup.Interval); err != nil {
		return err
	}
	if err := dur("FAMBAM_BACKUP_RETENTION", &cfg.Backup.Retention); err != nil {
		return err
	}
	if v, ok := lookup("FAMBAM_PUSH_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FAMBAM_PUSH_WORKERS: %w", err)
		}
		cfg.Push.Workers = n
	}
	if v, ok := lookup("FAMBAM_APPROVE_RETRIES"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FAMBAM_APPROVE_RETRIES: %w", err)
		}
		cfg.Chores.ApproveRetries = n
	}
	return nil
}
