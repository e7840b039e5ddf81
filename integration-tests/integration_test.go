//go:build integration
// +build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/octoingest/internal/auth"
	"github.com/tejusbharadwaj/octoingest/internal/database"
	"github.com/tejusbharadwaj/octoingest/internal/fetcher"
	"github.com/tejusbharadwaj/octoingest/internal/metrics"
	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/normalize"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
	"github.com/tejusbharadwaj/octoingest/internal/scheduler"
	"github.com/tejusbharadwaj/octoingest/internal/watermark"
)

// Helper function to get environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func connString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnvOrDefault("DB_HOST", "db"),
		getEnvOrDefault("DB_PORT", "5432"),
		getEnvOrDefault("DB_USER", "octoingest"),
		getEnvOrDefault("DB_PASSWORD", "octoingest"),
		getEnvOrDefault("DB_NAME", "octoingest"),
	)
}

func setupTestDB(t *testing.T) (*database.PostgresRepo, *sql.DB) {
	ctx := context.Background()

	repo, err := database.NewPostgresRepo(ctx, connString(), database.Options{
		Hypertable: getEnvOrDefault("DB_HYPERTABLE", "true") == "true",
	})
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(ctx))

	// Clean up any existing test data
	db, err := sql.Open("postgres", connString())
	require.NoError(t, err)
	_, err = db.Exec("TRUNCATE TABLE meter_readings, ingest_watermarks")
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		repo.Close()
	})
	return repo, db
}

// setupMockProvider serves a token exchange and one REST consumption page.
func setupMockProvider(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"obtainKrakenToken":{"token":"jwt-1","payload":{"exp":4102444800}}}}`))
	})
	mux.HandleFunc("/electricity-meter-points/100/meters/E1/consumption/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count":4,"next":null,"results":[
			{"consumption":0.25,"interval_start":"2025-01-01T00:00:00Z","interval_end":"2025-01-01T00:30:00Z"},
			{"consumption":0.5,"interval_start":"2025-01-01T00:30:00Z","interval_end":"2025-01-01T01:00:00Z"},
			{"consumption":0.5,"interval_start":"2025-01-01T00:30:00Z","interval_end":"2025-01-01T01:00:00Z"},
			{"consumption":1.0,"interval_start":"2025-01-01T01:00:00Z","interval_end":"2025-01-01T01:30:00Z"}]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newScheduler(t *testing.T, repo *database.PostgresRepo, provider *httptest.Server, m *metrics.Metrics) *scheduler.Scheduler {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	client := octopus.NewClient(octopus.Config{
		GraphQLURL:        provider.URL + "/graphql/",
		RESTURL:           provider.URL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 100,
		Burst:             10,
		PageSize:          100,
	}, logger)

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	tokens := auth.NewManager(client, models.Credential{APIKey: "sk_test"}, logger, auth.WithPolicy(policy))

	meters := []models.Meter{{
		ID:     "elec-1",
		Kind:   models.MeterKindElectricity,
		MPXN:   "100",
		Serial: "E1",
		Source: models.SourceREST,
	}}

	tracker := watermark.NewTracker(repo, logger)
	require.NoError(t, tracker.Load(context.Background(), []string{"elec-1"}))

	normalizer, err := normalize.NewForZone(normalize.DefaultLocation)
	require.NoError(t, err)

	cfg := scheduler.DefaultConfig()
	cfg.Backfill = 3 * 365 * 24 * time.Hour
	cfg.BatchSize = 2
	cfg.StoragePolicy = policy

	sched, err := scheduler.NewScheduler(cfg, meters, scheduler.Deps{
		Tokens:     tokens,
		Fetcher:    fetcher.NewFetcher(client, tokens, "", policy, logger, m),
		Normalizer: normalizer,
		Tracker:    tracker,
		Sink:       repo,
		Observer:   m,
	}, logger)
	require.NoError(t, err)
	return sched
}

func TestIngestE2E(t *testing.T) {
	repo, db := setupTestDB(t)
	provider := setupMockProvider(t)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	ctx := context.Background()

	report, err := newScheduler(t, repo, provider, m).RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err)
	require.Len(t, report.Meters, 1)
	assert.NoError(t, report.Meters[0].Err)
	assert.Equal(t, 3, report.Written())

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT count(*) FROM meter_readings WHERE series_key = $1", "consumption:elec-1",
	).Scan(&count))
	assert.Equal(t, 3, count)

	var kwh float64
	require.NoError(t, db.QueryRow(
		"SELECT (fields->>'consumption_kwh')::float8 FROM meter_readings WHERE series_key = $1 AND time = $2",
		"consumption:elec-1", time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC),
	).Scan(&kwh))
	assert.InDelta(t, 1.0, kwh, 1e-9)

	stored, ok, err := repo.Load(ctx, "elec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Equal(time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)))

	series, err := testutil.GatherAndCount(registry, "octoingest_readings_written_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)

	t.Run("restart writes nothing new", func(t *testing.T) {
		report, err := newScheduler(t, repo, provider, m).RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Written())

		require.NoError(t, db.QueryRow("SELECT count(*) FROM meter_readings").Scan(&count))
		assert.Equal(t, 3, count)
	})
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	repo, _ := setupTestDB(t)
	ctx := context.Background()

	later := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, "m1", later))
	require.NoError(t, repo.Save(ctx, "m1", later.Add(-time.Hour)))

	stored, ok, err := repo.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Equal(later))
}

func TestWriteBatchUpserts(t *testing.T) {
	repo, db := setupTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	write := func(v float64) {
		require.NoError(t, repo.WriteBatch(ctx, "consumption:m1", []models.Point{{
			Time:   ts,
			Tags:   map[string]string{"meter_id": "m1"},
			Fields: map[string]float64{"consumption_kwh": v},
		}}))
	}
	write(1.0)
	write(2.0)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM meter_readings").Scan(&count))
	assert.Equal(t, 1, count)
}
