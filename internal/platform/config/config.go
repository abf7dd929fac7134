// Package config loads service configuration from defaults, an optional YAML
// file and ATS_-prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"atsflow/internal/validator"
)

const devSigningKey = "dev-secret-key-change-in-production"

// Config is the full service configuration.
type Config struct {
	Env          string               `mapstructure:"env"`
	HTTP         HTTPConfig           `mapstructure:"http"`
	Log          LogConfig            `mapstructure:"log"`
	Storage      StorageConfig        `mapstructure:"storage"`
	Audit        AuditConfig          `mapstructure:"audit"`
	Redis        RedisConfig          `mapstructure:"redis"`
	Kafka        KafkaConfig          `mapstructure:"kafka"`
	Blob         BlobConfig           `mapstructure:"blob"`
	Auth         AuthConfig           `mapstructure:"auth"`
	Ingestion    IngestionConfig      `mapstructure:"ingestion"`
	Workflow     WorkflowConfig       `mapstructure:"workflow"`
	Certificate  CertificateConfig    `mapstructure:"certificate"`
	Thresholds   validator.Thresholds `mapstructure:"thresholds"`
	ProfilesFile string               `mapstructure:"profiles_file"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Driver      string        `mapstructure:"driver"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	TxTimeout   time.Duration `mapstructure:"tx_timeout"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type AuditConfig struct {
	Driver        string        `mapstructure:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
}

// RedisConfig enables redis-backed dedupe and appointment caching when URL
// is set.
type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	PoolSize       int           `mapstructure:"pool_size"`
	MinIdleConns   int           `mapstructure:"min_idle_conns"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AppointmentTTL time.Duration `mapstructure:"appointment_ttl"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"client_id"`
	AuditTopic        string   `mapstructure:"audit_topic"`
	NotificationTopic string   `mapstructure:"notification_topic"`
}

// Enabled reports whether a broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type BlobConfig struct {
	Driver    string `mapstructure:"driver"`
	BadgerDir string `mapstructure:"badger_dir"`
	BaseURL   string `mapstructure:"base_url"`
}

type AuthConfig struct {
	JWTSigningKey  string `mapstructure:"jwt_signing_key"`
	Issuer         string `mapstructure:"issuer"`
	Audience       string `mapstructure:"audience"`
	EquipmentToken string `mapstructure:"equipment_token"`
}

type IngestionConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxFaultRetries int           `mapstructure:"max_fault_retries"`
	DedupeTTL       time.Duration `mapstructure:"dedupe_ttl"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
}

type WorkflowConfig struct {
	MaxRetests int `mapstructure:"max_retests"`
}

type CertificateConfig struct {
	Validity time.Duration `mapstructure:"validity"`
	Prefix   string        `mapstructure:"prefix"`
}

var defaults = map[string]any{
	"env":                         "development",
	"http.addr":                   ":8080",
	"http.read_header_timeout":    5 * time.Second,
	"http.request_timeout":        30 * time.Second,
	"http.shutdown_timeout":       10 * time.Second,
	"log.level":                   "info",
	"log.format":                  "json",
	"storage.driver":              "memory",
	"storage.postgres_dsn":        "",
	"storage.tx_timeout":          5 * time.Second,
	"storage.lock_timeout":        5 * time.Second,
	"audit.driver":                "memory",
	"audit.sqlite_path":           "audit.db",
	"audit.relay_interval":        time.Second,
	"redis.url":                   "",
	"redis.pool_size":             10,
	"redis.min_idle_conns":        2,
	"redis.dial_timeout":          5 * time.Second,
	"redis.read_timeout":          3 * time.Second,
	"redis.write_timeout":         3 * time.Second,
	"redis.appointment_ttl":       5 * time.Minute,
	"kafka.brokers":               []string{},
	"kafka.client_id":             "atsflow",
	"kafka.audit_topic":           "atsflow.audit",
	"kafka.notification_topic":    "atsflow.notifications",
	"blob.driver":                 "memory",
	"blob.badger_dir":             "data/blobs",
	"blob.base_url":               "blob://atsflow",
	"auth.jwt_signing_key":        devSigningKey,
	"auth.issuer":                 "atsflow",
	"auth.audience":               "atsflow-api",
	"auth.equipment_token":        "",
	"ingestion.timeout":           30 * time.Minute,
	"ingestion.buffer_size":       64,
	"ingestion.max_fault_retries": 3,
	"ingestion.dedupe_ttl":        24 * time.Hour,
	"ingestion.rate_limit":        600,
	"ingestion.rate_window":       time.Minute,
	"workflow.max_retests":        3,
	"certificate.validity":        365 * 24 * time.Hour,
	"certificate.prefix":          "FC",
	"profiles_file":               "",
}

// Load reads configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if err := setThresholdDefaults(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Comma-separated broker lists arrive from the environment as one string.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setThresholdDefaults registers every threshold key so that environment
// overrides such as ATS_THRESHOLDS_SPEED_TARGET are picked up.
func setThresholdDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(validator.DefaultThresholds())
	if err != nil {
		return fmt.Errorf("encode default thresholds: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("decode default thresholds: %w", err)
	}
	flatten("thresholds", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, tree map[string]any, set func(string, any)) {
	for k, val := range tree {
		key := prefix + "." + k
		if sub, ok := val.(map[string]any); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}

// Validate rejects unusable combinations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not memory or postgres", c.Storage.Driver))
	}
	switch c.Audit.Driver {
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("audit.driver memory is not durable; use postgres or sqlite in production"))
		}
	case "sqlite":
	case "postgres":
		if c.Storage.Driver != "postgres" {
			errs = append(errs, errors.New("audit.driver postgres requires storage.driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.driver %q is not memory, postgres or sqlite", c.Audit.Driver))
	}
	if c.Blob.Driver != "memory" && c.Blob.Driver != "badger" {
		errs = append(errs, fmt.Errorf("blob.driver %q is not memory or badger", c.Blob.Driver))
	}
	if c.Ingestion.Timeout <= 0 {
		errs = append(errs, errors.New("ingestion.timeout must be positive"))
	}
	if c.Ingestion.RateLimit > 0 && c.Ingestion.RateWindow <= 0 {
		errs = append(errs, errors.New("ingestion.rate_window must be positive when rate_limit is set"))
	}
	if c.Workflow.MaxRetests < 1 {
		errs = append(errs, errors.New("workflow.max_retests must be at least 1"))
	}
	if c.Certificate.Validity <= 0 {
		errs = append(errs, errors.New("certificate.validity must be positive"))
	}
	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("auth.jwt_signing_key is required"))
	}
	if c.IsProduction() && c.Auth.JWTSigningKey == devSigningKey {
		errs = append(errs, errors.New("auth.jwt_signing_key must be set in production"))
	}
	if c.IsProduction() && c.Auth.EquipmentToken == "" {
		errs = append(errs, errors.New("auth.equipment_token must be set in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
