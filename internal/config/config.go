package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/datatypes"

	"github.com/file-connector/internal/batch"
	"github.com/file-connector/internal/governor"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/orchestrator"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/source"
	"github.com/file-connector/internal/storage/database"
	"github.com/file-connector/pkg/logger"
)

// DriverMemory keeps all state in process; useful for dry runs
const DriverMemory = "memory"

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig              `mapstructure:"database"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	Server      ServerConfig                `mapstructure:"server"`
	Scheduler   SchedulerConfig             `mapstructure:"scheduler"`
	Governor    GovernorConfig              `mapstructure:"governor"`
	Pool        PoolConfig                  `mapstructure:"pool"`
	Batch       BatchConfig                 `mapstructure:"batch"`
	Sync        SyncConfig                  `mapstructure:"sync"`
	Credentials map[string]CredentialConfig `mapstructure:"credentials"`
	Endpoints   []EndpointConfig            `mapstructure:"endpoints"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres or memory
	DSN             string        `mapstructure:"dsn"`    // Connection string
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// ServerConfig holds the operator HTTP surface settings
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	Timezone    string        `mapstructure:"timezone"`     // Cron expressions are evaluated here
	StopTimeout time.Duration `mapstructure:"stop_timeout"` // Wait for in-flight passes on shutdown
}

// LimitsConfig holds the bucket and breaker settings of one source type
type LimitsConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	FailureWindow     time.Duration `mapstructure:"failure_window"`
	CoolDown          time.Duration `mapstructure:"cool_down"`
}

// GovernorConfig holds admission control settings
type GovernorConfig struct {
	MaxConcurrent    int                     `mapstructure:"max_concurrent"`
	AdmissionTimeout time.Duration           `mapstructure:"admission_timeout"`
	TokenWaitTimeout time.Duration           `mapstructure:"token_wait_timeout"`
	Defaults         LimitsConfig            `mapstructure:"defaults"`
	Sources          map[string]LimitsConfig `mapstructure:"sources"` // Keyed by source type
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxTotal       int           `mapstructure:"max_total"`
	MaxPerHost     int           `mapstructure:"max_per_host"`
	TTL            time.Duration `mapstructure:"ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CheckIdle      time.Duration `mapstructure:"check_idle"`
}

// BatchConfig holds batch write settings
type BatchConfig struct {
	Size         int           `mapstructure:"size"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ItemRetries  int           `mapstructure:"item_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// SyncConfig holds per-pass settings
type SyncConfig struct {
	MaxResults     int           `mapstructure:"max_results"`
	SourceTimeout  time.Duration `mapstructure:"source_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Concurrency    int           `mapstructure:"concurrency"` // Parallel passes for `sync all`
}

// CredentialConfig is a named secret endpoints refer to. String values
// may reference environment variables as ${NAME}.
type CredentialConfig struct {
	Type         string   `mapstructure:"type"` // service_account, client_credentials or none
	File         string   `mapstructure:"file"`
	JSON         string   `mapstructure:"json"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// ScheduleConfig describes when an endpoint runs
type ScheduleConfig struct {
	Type            string `mapstructure:"type"` // interval, cron or manual
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	Cron            string `mapstructure:"cron"`
}

// EndpointConfig is one configured sync target
type EndpointConfig struct {
	ID          string                 `mapstructure:"id"`
	Name        string                 `mapstructure:"name"`
	SourceType  string                 `mapstructure:"source_type"`
	ProjectID   string                 `mapstructure:"project_id"`
	UserID      string                 `mapstructure:"user_id"`
	Description string                 `mapstructure:"description"`
	Enabled     *bool                  `mapstructure:"enabled"` // Defaults to true
	Credential  string                 `mapstructure:"credential"`
	Schedule    ScheduleConfig         `mapstructure:"schedule"`
	Details     map[string]interface{} `mapstructure:"details"`
	FileTypes   []string               `mapstructure:"file_types"`
	MaxResults  int                    `mapstructure:"max_results"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".file-connector"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("CONNECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings so env-only deployments work without a config file
	_ = v.BindEnv("database.driver", "CONNECTOR_DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "CONNECTOR_DATABASE_DSN")
	_ = v.BindEnv("logging.level", "CONNECTOR_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "CONNECTOR_LOGGING_FORMAT")
	_ = v.BindEnv("server.enabled", "CONNECTOR_SERVER_ENABLED")
	_ = v.BindEnv("server.addr", "CONNECTOR_SERVER_ADDR")
	_ = v.BindEnv("scheduler.timezone", "CONNECTOR_SCHEDULER_TIMEZONE")
	_ = v.BindEnv("governor.max_concurrent", "CONNECTOR_GOVERNOR_MAX_CONCURRENT")
	_ = v.BindEnv("sync.max_results", "CONNECTOR_SYNC_MAX_RESULTS")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", database.DriverSQLite)
	v.SetDefault("database.dsn", "./data/connector.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	// Operator surface defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.stop_timeout", "5m")

	// Governor defaults
	gov := governor.DefaultConfig()
	v.SetDefault("governor.max_concurrent", gov.MaxConcurrent)
	v.SetDefault("governor.admission_timeout", gov.AdmissionTimeout)
	v.SetDefault("governor.token_wait_timeout", gov.TokenWaitTimeout)
	v.SetDefault("governor.defaults.requests_per_second", gov.Defaults.RequestsPerSecond)
	v.SetDefault("governor.defaults.burst", gov.Defaults.Burst)
	v.SetDefault("governor.defaults.failure_threshold", gov.Defaults.FailureThreshold)
	v.SetDefault("governor.defaults.failure_window", gov.Defaults.FailureWindow)
	v.SetDefault("governor.defaults.cool_down", gov.Defaults.CoolDown)

	// Pool defaults
	p := pool.DefaultConfig()
	v.SetDefault("pool.max_total", p.MaxTotal)
	v.SetDefault("pool.max_per_host", p.MaxPerHost)
	v.SetDefault("pool.ttl", p.TTL)
	v.SetDefault("pool.request_timeout", p.RequestTimeout)
	v.SetDefault("pool.check_idle", p.CheckIdle)

	// Batch defaults
	b := batch.DefaultConfig()
	v.SetDefault("batch.size", b.Size)
	v.SetDefault("batch.flush_timeout", b.FlushTimeout)
	v.SetDefault("batch.write_timeout", b.WriteTimeout)
	v.SetDefault("batch.item_retries", b.ItemRetries)
	v.SetDefault("batch.retry_delay", b.RetryDelay)

	// Pass defaults
	o := orchestrator.DefaultConfig()
	v.SetDefault("sync.max_results", o.MaxResults)
	v.SetDefault("sync.source_timeout", o.SourceTimeout)
	v.SetDefault("sync.max_attempts", o.MaxAttempts)
	v.SetDefault("sync.backoff_initial", o.BackoffInitial)
	v.SetDefault("sync.backoff_max", o.BackoffMax)
	v.SetDefault("sync.concurrency", 4)
}

// Validate checks structural settings. Endpoint-specific problems such as
// bad schedules or unknown source types are reported at registration so
// one bad endpoint does not keep the others from running.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Governor.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("governor.max_concurrent must be positive"))
	}
	for name, l := range c.Governor.Sources {
		if l.RequestsPerSecond < 0 || l.Burst < 0 {
			errs = append(errs, fmt.Errorf("governor.sources.%s: limits must not be negative", name))
		}
	}
	if c.Pool.MaxTotal <= 0 || c.Pool.MaxPerHost <= 0 {
		errs = append(errs, fmt.Errorf("pool.max_total and pool.max_per_host must be positive"))
	} else if c.Pool.MaxPerHost > c.Pool.MaxTotal {
		errs = append(errs, fmt.Errorf("pool.max_per_host (%d) exceeds pool.max_total (%d)", c.Pool.MaxPerHost, c.Pool.MaxTotal))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, fmt.Errorf("batch.size must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be positive"))
	}

	for name, cred := range c.Credentials {
		switch cred.Type {
		case "service_account", "client_credentials", "none":
		default:
			errs = append(errs, fmt.Errorf("credentials.%s: unknown type %q", name, cred.Type))
		}
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: id is required", i))
			continue
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID))
		}
		seen[ep.ID] = true
	}

	return errors.Join(errs...)
}

// Location returns the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// LoggerConfig converts the logging section
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// DatabaseConfig converts the database section
func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (l LimitsConfig) limits() governor.SourceLimits {
	return governor.SourceLimits{
		RequestsPerSecond: l.RequestsPerSecond,
		Burst:             l.Burst,
		FailureThreshold:  l.FailureThreshold,
		FailureWindow:     l.FailureWindow,
		CoolDown:          l.CoolDown,
	}
}

// GovernorConfig converts the governor section. Built-in per-source limits
// apply unless overridden.
func (c *Config) GovernorConfig() governor.Config {
	out := governor.DefaultConfig()
	out.MaxConcurrent = c.Governor.MaxConcurrent
	out.AdmissionTimeout = c.Governor.AdmissionTimeout
	out.TokenWaitTimeout = c.Governor.TokenWaitTimeout
	out.Defaults = c.Governor.Defaults.limits()
	for name, l := range c.Governor.Sources {
		out.Sources[name] = l.limits()
	}
	return out
}

// PoolConfig converts the pool section
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxTotal:       c.Pool.MaxTotal,
		MaxPerHost:     c.Pool.MaxPerHost,
		TTL:            c.Pool.TTL,
		RequestTimeout: c.Pool.RequestTimeout,
		CheckIdle:      c.Pool.CheckIdle,
	}
}

// OrchestratorConfig converts the sync and batch sections
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxResults:     c.Sync.MaxResults,
		SourceTimeout:  c.Sync.SourceTimeout,
		MaxAttempts:    c.Sync.MaxAttempts,
		BackoffInitial: c.Sync.BackoffInitial,
		BackoffMax:     c.Sync.BackoffMax,
		Batch: batch.Config{
			Size:         c.Batch.Size,
			FlushTimeout: c.Batch.FlushTimeout,
			WriteTimeout: c.Batch.WriteTimeout,
			ItemRetries:  c.Batch.ItemRetries,
			RetryDelay:   c.Batch.RetryDelay,
		},
	}
}

// SourceCredentials resolves the named credentials, expanding ${ENV}
// references
func (c *Config) SourceCredentials() map[string]source.Credential {
	out := make(map[string]source.Credential, len(c.Credentials))
	for name, cred := range c.Credentials {
		out[name] = source.Credential{
			Type:         cred.Type,
			File:         os.ExpandEnv(cred.File),
			JSON:         os.ExpandEnv(cred.JSON),
			ClientID:     os.ExpandEnv(cred.ClientID),
			ClientSecret: os.ExpandEnv(cred.ClientSecret),
			TokenURL:     cred.TokenURL,
			Scopes:       cred.Scopes,
		}
	}
	return out
}

// IsEnabled reports whether the endpoint is enabled, defaulting to true
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ToModel converts the descriptor to an endpoint. An omitted schedule type
// is inferred from the fields that are set.
func (e EndpointConfig) ToModel() *models.Endpoint {
	schedType := models.ScheduleType(strings.ToLower(e.Schedule.Type))
	if schedType == "" {
		switch {
		case e.Schedule.Cron != "":
			schedType = models.ScheduleCron
		case e.Schedule.IntervalMinutes > 0:
			schedType = models.ScheduleInterval
		default:
			schedType = models.ScheduleManual
		}
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}

	return &models.Endpoint{
		ID:          e.ID,
		Name:        name,
		SourceType:  e.SourceType,
		ProjectID:   e.ProjectID,
		UserID:      e.UserID,
		Description: e.Description,
		Credential:  e.Credential,
		Details:     datatypes.JSONMap(e.Details),
		FileTypes:   models.StringSlice(e.FileTypes),
		MaxResults:  e.MaxResults,
		Schedule: models.Schedule{
			Type:            schedType,
			IntervalMinutes: e.Schedule.IntervalMinutes,
			CronExpr:        e.Schedule.Cron,
		},
		Enabled: e.IsEnabled(),
	}
}

// EndpointModels converts every configured endpoint, in order
func (c *Config) EndpointModels() []*models.Endpoint {
	out := make([]*models.Endpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		out = append(out, e.ToModel())
	}
	return out
}
