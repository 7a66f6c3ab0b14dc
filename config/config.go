// Package config loads the valetkey TOML configuration.
//
// Durations and sizes are kept as strings in the file and parsed by the
// GetX methods, which also supply defaults. A .env file in the working
// directory is loaded first, and a small set of VALETKEY_* environment
// variables override the file for container deployments.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/nguyentanjr/file-storage-based-aws/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// DatabaseConfig holds database configuration. URL, when set, takes
// precedence over the write endpoint.
type DatabaseConfig struct {
	URL          string                  `toml:"url"`
	LogQueries   bool                    `toml:"log_queries"`
	QueryTimeout string                  `toml:"query_timeout"`
	AutoMigrate  bool                    `toml:"auto_migrate"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config describes one S3-compatible bucket.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	Region     string `toml:"region"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"`
	PresignTTL string `toml:"presign_ttl"`
	OpTimeout  string `toml:"op_timeout"`
}

// GetPresignTTL returns how long issued upload URLs stay valid.
func (s *S3Config) GetPresignTTL() (time.Duration, error) {
	if s.PresignTTL == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(s.PresignTTL)
}

// GetOpTimeout returns the timeout for metadata calls (stat, delete).
func (s *S3Config) GetOpTimeout() (time.Duration, error) {
	if s.OpTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.OpTimeout)
}

const (
	BackupModeCopy    = "copy"
	BackupModeHandoff = "handoff"
)

// BackupConfig controls replication to the secondary bucket.
type BackupConfig struct {
	Enabled      *bool  `toml:"enabled"`
	Mode         string `toml:"mode"` // "copy" or "handoff"
	MaxAttempts  int    `toml:"max_attempts"`
	Backoff      string `toml:"backoff"`
	Concurrency  int    `toml:"concurrency"`
	PollInterval string `toml:"poll_interval"`
	// Consecutive storage failures before a bucket is treated as down, and
	// how long it stays that way before being probed again.
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerTimeout   string   `toml:"breaker_timeout"`
	Secondary        S3Config `toml:"secondary"`
	// StatusAPIURL makes the worker report status over the internal API
	// instead of writing to the database directly.
	StatusAPIURL string `toml:"status_api_url"`
}

// IsEnabled defaults to true when the key is absent.
func (b *BackupConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

func (b *BackupConfig) GetMaxAttempts() int {
	if b.MaxAttempts <= 0 {
		return 3
	}
	return b.MaxAttempts
}

func (b *BackupConfig) GetBackoff() (time.Duration, error) {
	if b.Backoff == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(b.Backoff)
}

func (b *BackupConfig) GetConcurrency() int {
	if b.Concurrency <= 0 {
		return 4
	}
	return b.Concurrency
}

func (b *BackupConfig) GetPollInterval() (time.Duration, error) {
	if b.PollInterval == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(b.PollInterval)
}

func (b *BackupConfig) GetBreakerThreshold() int {
	if b.BreakerThreshold <= 0 {
		return 5
	}
	return b.BreakerThreshold
}

func (b *BackupConfig) GetBreakerTimeout() (time.Duration, error) {
	if b.BreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(b.BreakerTimeout)
}

func (b *BackupConfig) GetMode() string {
	if b.Mode == "" {
		return BackupModeCopy
	}
	return b.Mode
}

const (
	QueueDriverRedis = "redis"
	QueueDriverDisk  = "disk"
)

// QueueConfig configures the replication job queue.
type QueueConfig struct {
	Driver            string `toml:"driver"`
	URL               string `toml:"url"`  // redis://host:6379/0
	Name              string `toml:"name"` // key prefix for redis, directory for disk
	PublishTimeout    string `toml:"publish_timeout"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	ReapInterval      string `toml:"reap_interval"`
}

func (q *QueueConfig) GetDriver() string {
	if q.Driver == "" {
		return QueueDriverRedis
	}
	return q.Driver
}

func (q *QueueConfig) GetName() string {
	if q.Name == "" {
		if q.GetDriver() == QueueDriverDisk {
			return "/var/lib/valetkey/queue"
		}
		return "valetkey:backup"
	}
	return q.Name
}

func (q *QueueConfig) GetPublishTimeout() (time.Duration, error) {
	if q.PublishTimeout == "" {
		return 3 * time.Second, nil
	}
	return helpers.ParseDuration(q.PublishTimeout)
}

// GetVisibilityTimeout is how long a received job may stay unacked before it
// is handed to another worker. It must exceed the worst-case processing time
// including every retry pause.
func (q *QueueConfig) GetVisibilityTimeout() (time.Duration, error) {
	if q.VisibilityTimeout == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(q.VisibilityTimeout)
}

func (q *QueueConfig) GetReapInterval() (time.Duration, error) {
	if q.ReapInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.ReapInterval)
}

// InternalAPIConfig configures the internal backup status API.
type InternalAPIConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

func (m *MetricsConfig) GetNamespace() string {
	if m.Namespace == "" {
		return "valetkey_backup"
	}
	return m.Namespace
}

// QuotaConfig configures storage quota accounting.
type QuotaConfig struct {
	DefaultLimit string `toml:"default_limit"`
	CacheTTL     string `toml:"cache_ttl"`
	CacheSize    int    `toml:"cache_size"`
}

// GetDefaultLimit applies to users whose quota column is NULL.
func (q *QuotaConfig) GetDefaultLimit() (int64, error) {
	if q.DefaultLimit == "" {
		return 1 << 30, nil
	}
	return helpers.ParseSize(q.DefaultLimit)
}

func (q *QuotaConfig) GetCacheTTL() (time.Duration, error) {
	if q.CacheTTL == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(q.CacheTTL)
}

func (q *QuotaConfig) GetCacheSize() int {
	if q.CacheSize <= 0 {
		return 10000
	}
	return q.CacheSize
}

// CleanupConfig configures the purge of abandoned uploads and of deleted
// resources past their retention period.
type CleanupConfig struct {
	Enabled           bool   `toml:"enabled"`
	Interval          string `toml:"interval"`
	UploadGracePeriod string `toml:"upload_grace_period"`
	RetentionPeriod   string `toml:"retention_period"`
	BatchSize         int    `toml:"batch_size"`
}

func (c *CleanupConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetUploadGracePeriod is how long a prepared upload may stay unconfirmed.
func (c *CleanupConfig) GetUploadGracePeriod() (time.Duration, error) {
	if c.UploadGracePeriod == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.UploadGracePeriod)
}

// GetRetentionPeriod is how long backup copies of deleted files are kept.
func (c *CleanupConfig) GetRetentionPeriod() (time.Duration, error) {
	if c.RetentionPeriod == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.RetentionPeriod)
}

func (c *CleanupConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 500
	}
	return c.BatchSize
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", or file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// Config is the top-level configuration.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Database    DatabaseConfig    `toml:"database"`
	Storage     S3Config          `toml:"storage"`
	Backup      BackupConfig      `toml:"backup"`
	Queue       QueueConfig       `toml:"queue"`
	InternalAPI InternalAPIConfig `toml:"internal_api"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Quota       QuotaConfig       `toml:"quota"`
	Cleanup     CleanupConfig     `toml:"cleanup"`
}

// NewDefaultConfig returns a config usable for local development.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stderr", Format: "console", Level: "info"},
		Database: DatabaseConfig{
			Write: &DatabaseEndpointConfig{
				Hosts: []string{"localhost"},
				Port:  5432,
				User:  "postgres",
				Name:  "valetkey",
			},
		},
		Queue:       QueueConfig{Driver: QueueDriverRedis, URL: "redis://localhost:6379/0"},
		InternalAPI: InternalAPIConfig{Start: true, Addr: ":8081"},
		Metrics:     MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
	}
}

// Load reads .env (if present), the TOML file at path, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: failed to load .env file: %v", err)
	}

	cfg := NewDefaultConfig()
	if path != "" {
		if err := LoadConfigFromFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromFile decodes path into cfg, warning about unknown keys.
func LoadConfigFromFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", path)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment. lookup has the
// signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("VALETKEY_DATABASE_URL", &c.Database.URL)
	str("VALETKEY_QUEUE_URL", &c.Queue.URL)
	str("VALETKEY_QUEUE_DRIVER", &c.Queue.Driver)
	str("VALETKEY_BACKUP_BUCKET", &c.Backup.Secondary.Bucket)
	str("VALETKEY_BACKUP_REGION", &c.Backup.Secondary.Region)
	str("VALETKEY_BACKUP_ENDPOINT", &c.Backup.Secondary.Endpoint)
	str("VALETKEY_BACKUP_BACKOFF", &c.Backup.Backoff)
	str("VALETKEY_INTERNAL_API_KEY", &c.InternalAPI.APIKey)
	str("VALETKEY_METRICS_NAMESPACE", &c.Metrics.Namespace)

	if v, ok := lookup("VALETKEY_BACKUP_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VALETKEY_BACKUP_ENABLED: %w", err)
		}
		c.Backup.Enabled = &b
	}
	if v, ok := lookup("VALETKEY_BACKUP_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VALETKEY_BACKUP_MAX_ATTEMPTS: %w", err)
		}
		c.Backup.MaxAttempts = n
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Backup.MaxAttempts < 0 {
		problems = append(problems, "backup.max_attempts must be >= 1")
	}
	switch c.Backup.GetMode() {
	case BackupModeCopy, BackupModeHandoff:
	default:
		problems = append(problems, fmt.Sprintf("backup.mode %q must be %q or %q", c.Backup.Mode, BackupModeCopy, BackupModeHandoff))
	}
	if _, err := c.Backup.GetBackoff(); err != nil {
		problems = append(problems, "backup.backoff: "+err.Error())
	}
	if _, err := c.Backup.GetBreakerTimeout(); err != nil {
		problems = append(problems, "backup.breaker_timeout: "+err.Error())
	}
	switch c.Queue.GetDriver() {
	case QueueDriverRedis:
		if c.Queue.URL == "" && c.Backup.IsEnabled() {
			problems = append(problems, "queue.url is required for the redis driver")
		}
	case QueueDriverDisk:
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q must be %q or %q", c.Queue.Driver, QueueDriverRedis, QueueDriverDisk))
	}
	if _, err := c.Queue.GetPublishTimeout(); err != nil {
		problems = append(problems, "queue.publish_timeout: "+err.Error())
	}
	if _, err := c.Queue.GetVisibilityTimeout(); err != nil {
		problems = append(problems, "queue.visibility_timeout: "+err.Error())
	}
	if _, err := c.Quota.GetDefaultLimit(); err != nil {
		problems = append(problems, "quota.default_limit: "+err.Error())
	}
	if _, err := c.Quota.GetCacheTTL(); err != nil {
		problems = append(problems, "quota.cache_ttl: "+err.Error())
	}
	for _, d := range []struct {
		key string
		get func() (time.Duration, error)
	}{
		{"cleanup.interval", c.Cleanup.GetInterval},
		{"cleanup.upload_grace_period", c.Cleanup.GetUploadGracePeriod},
		{"cleanup.retention_period", c.Cleanup.GetRetentionPeriod},
	} {
		if _, err := d.get(); err != nil {
			problems = append(problems, d.key+": "+err.Error())
		}
	}
	if c.Backup.IsEnabled() && c.Backup.GetMode() == BackupModeCopy && c.Backup.Secondary.Bucket == "" {
		problems = append(problems, "backup.secondary.bucket is required when backup is enabled in copy mode")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
