package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
)

// EnvPrefix prefixes environment variables that override file settings,
// e.g. OCTOINGEST_OCTOPUS_API_KEY.
const EnvPrefix = "OCTOINGEST"

// Config holds all configuration for the daemon. It is loaded once at
// startup and not modified afterwards.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Octopus  OctopusConfig  `mapstructure:"octopus"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Meters   []models.Meter `mapstructure:"meters"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Name              string `mapstructure:"name"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	SSLMode           string `mapstructure:"ssl_mode"`
	MaxConnections    int    `mapstructure:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout"`
	Hypertable        bool   `mapstructure:"hypertable"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OctopusConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	Email             string        `mapstructure:"email"`
	Password          string        `mapstructure:"password"`
	AccountNumber     string        `mapstructure:"account_number"`
	GraphQLURL        string        `mapstructure:"graphql_url"`
	RESTURL           string        `mapstructure:"rest_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	PageSize          int           `mapstructure:"page_size"`
}

type IngestConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Workers         int           `mapstructure:"workers"`
	BatchSize       int           `mapstructure:"batch_size"`
	Backfill        time.Duration `mapstructure:"backfill"`
	TokenMargin     time.Duration `mapstructure:"token_margin"`
	MeterTimeout    time.Duration `mapstructure:"meter_timeout"`
	WriteUnitRates  bool          `mapstructure:"write_unit_rates"`
	TariffCacheSize int           `mapstructure:"tariff_cache_size"`
	Location        string        `mapstructure:"location"`
}

type RetryConfig struct {
	Auth    retry.Policy `mapstructure:"auth"`
	Fetch   retry.Policy `mapstructure:"fetch"`
	Storage retry.Policy `mapstructure:"storage"`
}

// Credential returns the provider credential from the octopus section.
func (c *Config) Credential() models.Credential {
	return models.Credential{
		APIKey:   c.Octopus.APIKey,
		Email:    c.Octopus.Email,
		Password: c.Octopus.Password,
	}
}

// DSN builds a lib/pq connection string from the database section.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
		c.Database.ConnectionTimeout,
	)
}

// Load reads configuration from file and environment variables.
//
// ${VAR} references in the file are expanded first. Unset keys take the
// defaults below, and OCTOINGEST_<SECTION>_<KEY> variables override
// anything in the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to reject malformed YAML early
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range config.Meters {
		if config.Meters[i].Source == "" {
			config.Meters[i].Source = models.SourceGraphQL
		}
	}

	return &config, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Octopus.APIKey == "" && (c.Octopus.Email == "" || c.Octopus.Password == "") {
		errs = append(errs, errors.New("octopus: api_key or email and password are required"))
	}
	if c.Octopus.AccountNumber == "" {
		errs = append(errs, errors.New("octopus: account_number is required"))
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		errs = append(errs, errors.New("database: host and name are required"))
	}
	if c.Ingest.PollInterval <= 0 {
		errs = append(errs, errors.New("ingest: poll_interval must be positive"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("ingest: workers must be at least 1"))
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, errors.New("ingest: batch_size must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Ingest.Location); err != nil {
		errs = append(errs, fmt.Errorf("ingest: location: %w", err))
	}

	seen := make(map[string]struct{}, len(c.Meters))
	for i, m := range c.Meters {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("meters[%d]: id is required", i))
			continue
		}
		if _, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("meters[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = struct{}{}

		if m.Kind != models.MeterKindElectricity && m.Kind != models.MeterKindGas {
			errs = append(errs, fmt.Errorf("meters[%d]: kind must be electricity or gas", i))
		}
		switch m.Source {
		case models.SourceGraphQL:
			if m.DeviceID == "" && m.MPXN == "" {
				errs = append(errs, fmt.Errorf("meters[%d]: graphql meters need device_id or mpxn", i))
			}
		case models.SourceREST:
			if m.MPXN == "" || m.Serial == "" {
				errs = append(errs, fmt.Errorf("meters[%d]: rest meters need mpxn and serial", i))
			}
		default:
			errs = append(errs, fmt.Errorf("meters[%d]: unknown source %q", i, m.Source))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 50051)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)

	// Known keys so that environment overrides reach Unmarshal.
	for _, key := range []string{
		"database.host", "database.name", "database.user", "database.password",
		"octopus.api_key", "octopus.email", "octopus.password", "octopus.account_number",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.connection_timeout", 5)
	v.SetDefault("database.hypertable", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("octopus.graphql_url", "https://api.octopus.energy/v1/graphql/")
	v.SetDefault("octopus.rest_url", "https://api.octopus.energy/v1")
	v.SetDefault("octopus.timeout", "30s")
	v.SetDefault("octopus.requests_per_second", 2.0)
	v.SetDefault("octopus.burst", 4)
	v.SetDefault("octopus.page_size", 500)

	v.SetDefault("ingest.poll_interval", "30m")
	v.SetDefault("ingest.workers", 2)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.backfill", "168h")
	v.SetDefault("ingest.token_margin", "60s")
	v.SetDefault("ingest.meter_timeout", "10m")
	v.SetDefault("ingest.write_unit_rates", false)
	v.SetDefault("ingest.tariff_cache_size", 64)
	v.SetDefault("ingest.location", "Europe/London")

	for _, section := range []string{"auth", "fetch", "storage"} {
		v.SetDefault("retry."+section+".max_attempts", 4)
		v.SetDefault("retry."+section+".base_delay", "1s")
		v.SetDefault("retry."+section+".max_delay", "30s")
		v.SetDefault("retry."+section+".jitter", 0.1)
	}
}
