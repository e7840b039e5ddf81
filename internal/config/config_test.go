package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 50052
  host: "0.0.0.0"
  metrics_port: 9100

database:
  host: "localhost"
  port: 5432
  name: "testdb"
  user: "testuser"
  password: "testpass"
  ssl_mode: "disable"
  max_connections: 10
  connection_timeout: 5

logging:
  level: "debug"
  format: "json"

octopus:
  api_key: "sk_live_abc"
  account_number: "A-AAAA1111"
  requests_per_second: 1.5

ingest:
  poll_interval: 15m
  workers: 4
  write_unit_rates: true

retry:
  fetch:
    max_attempts: 6
    base_delay: 500ms

meters:
  - id: elec
    kind: electricity
    device_id: "00-11-22-33-44-55-66-77"
  - id: gas
    kind: gas
    mpxn: "1234567890"
    serial: "G4A12345"
    source: rest
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, 50052, config.Server.Port)
	assert.Equal(t, 9100, config.Server.MetricsPort)
	assert.Equal(t, "localhost", config.Database.Host)
	assert.Equal(t, "testdb", config.Database.Name)
	assert.Equal(t, "debug", config.Logging.Level)

	assert.Equal(t, "sk_live_abc", config.Octopus.APIKey)
	assert.Equal(t, 1.5, config.Octopus.RequestsPerSecond)
	assert.Equal(t, 15*time.Minute, config.Ingest.PollInterval)
	assert.Equal(t, 4, config.Ingest.Workers)
	assert.True(t, config.Ingest.WriteUnitRates)

	assert.Equal(t, 6, config.Retry.Fetch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, config.Retry.Fetch.BaseDelay)
	assert.Equal(t, 30*time.Second, config.Retry.Fetch.MaxDelay)

	require.Len(t, config.Meters, 2)
	assert.Equal(t, models.MeterKindElectricity, config.Meters[0].Kind)
	assert.Equal(t, models.SourceGraphQL, config.Meters[0].Source)
	assert.Equal(t, models.SourceREST, config.Meters[1].Source)
	assert.Equal(t, "G4A12345", config.Meters[1].Serial)

	assert.NoError(t, config.Validate())
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load(writeConfig(t, `
database:
  host: "localhost"
  name: "octo"
`))
	require.NoError(t, err)

	assert.Equal(t, 50051, config.Server.Port)
	assert.Equal(t, "disable", config.Database.SSLMode)
	assert.True(t, config.Database.Hypertable)
	assert.Equal(t, "https://api.octopus.energy/v1/graphql/", config.Octopus.GraphQLURL)
	assert.Equal(t, 30*time.Second, config.Octopus.Timeout)
	assert.Equal(t, 30*time.Minute, config.Ingest.PollInterval)
	assert.Equal(t, 168*time.Hour, config.Ingest.Backfill)
	assert.Equal(t, time.Minute, config.Ingest.TokenMargin)
	assert.Equal(t, "Europe/London", config.Ingest.Location)
	assert.Equal(t, 4, config.Retry.Storage.MaxAttempts)
	assert.Equal(t, 0.1, config.Retry.Auth.Jitter)
}

func TestLoadWithEnvOverride(t *testing.T) {
	// Set environment variables
	t.Setenv("APP_DATABASE_HOST", "envhost")
	t.Setenv("APP_DATABASE_PORT", "5433")
	t.Setenv("OCTOINGEST_OCTOPUS_API_KEY", "sk_from_env")

	configPath := writeConfig(t, `
database:
  host: $APP_DATABASE_HOST
  port: $APP_DATABASE_PORT
  name: "testdb"
  user: "testuser"
  password: "testpass"
  ssl_mode: "disable"
  max_connections: 10
  connection_timeout: 5
`)

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "envhost", config.Database.Host)
	assert.Equal(t, 5433, config.Database.Port)
	assert.Equal(t, "sk_from_env", config.Octopus.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Host: "localhost", Name: "octo"},
			Octopus:  OctopusConfig{APIKey: "sk", AccountNumber: "A-1"},
			Ingest:   IngestConfig{PollInterval: time.Minute, Workers: 1, BatchSize: 10, Location: "Europe/London"},
			Meters: []models.Meter{
				{ID: "e", Kind: models.MeterKindElectricity, Source: models.SourceGraphQL, DeviceID: "d"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:   "email and password instead of api key",
			mutate: func(c *Config) { c.Octopus.APIKey, c.Octopus.Email, c.Octopus.Password = "", "a@b.c", "pw" },
		},
		{name: "no credential", mutate: func(c *Config) { c.Octopus.APIKey = "" }, wantErr: "api_key"},
		{name: "no account", mutate: func(c *Config) { c.Octopus.AccountNumber = "" }, wantErr: "account_number"},
		{name: "no database", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "database"},
		{name: "zero workers", mutate: func(c *Config) { c.Ingest.Workers = 0 }, wantErr: "workers"},
		{name: "bad location", mutate: func(c *Config) { c.Ingest.Location = "Mars/Olympus" }, wantErr: "location"},
		{
			name:    "duplicate meter",
			mutate:  func(c *Config) { c.Meters = append(c.Meters, c.Meters[0]) },
			wantErr: "duplicate id",
		},
		{
			name:    "rest meter without serial",
			mutate:  func(c *Config) { c.Meters[0].Source, c.Meters[0].MPXN = models.SourceREST, "123" },
			wantErr: "mpxn and serial",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Meters[0].Kind = "water" },
			wantErr: "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDSN(t *testing.T) {
	c := &Config{Database: DatabaseConfig{
		Host: "db", Port: 5432, Name: "octo", User: "u", Password: "p", SSLMode: "disable", ConnectionTimeout: 5,
	}}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=octo sslmode=disable connect_timeout=5", c.DSN())
}
