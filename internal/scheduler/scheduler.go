// Package scheduler runs ingestion cycles: for every configured meter it
// fetches new readings, normalizes them, drops what was already stored and
// writes the rest in ascending batches, advancing the meter's watermark
// after each confirmed batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tejusbharadwaj/octoingest/internal/database"
	"github.com/tejusbharadwaj/octoingest/internal/fetcher"
	"github.com/tejusbharadwaj/octoingest/internal/models"
	"github.com/tejusbharadwaj/octoingest/internal/normalize"
	"github.com/tejusbharadwaj/octoingest/internal/octopus"
	"github.com/tejusbharadwaj/octoingest/internal/retry"
	"github.com/tejusbharadwaj/octoingest/internal/watermark"
)

// ErrHalted is returned once the credential has been rejected. No further
// cycles run until the process is restarted with a working credential.
var ErrHalted = errors.New("ingestion halted")

// State is a meter's position in the pipeline, reported in logs.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateFetching       State = "fetching"
	StateNormalizing    State = "normalizing"
	StateDeduping       State = "deduping"
	StateWriting        State = "writing"
)

// Cycle outcomes reported to the Observer.
const (
	OutcomeOK         = "ok"
	OutcomePartial    = "partial"
	OutcomeAuthFailed = "auth_failed"
	OutcomeHalted     = "halted"
)

// UnitRatesSeries prefixes the series key of imported unit rates.
const UnitRatesSeries = "unit_rates"

const ratesTTL = time.Hour

// TokenSource hands out provider tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Sink stores points.
type Sink interface {
	WriteBatch(ctx context.Context, seriesKey string, points []models.Point) error
}

// Observer receives pipeline counters. metrics.Metrics implements it.
type Observer interface {
	ReadingsSkipped(meterID, reason string, n int)
	ReadingsWritten(meterID string, n int)
	MeterFailed(meterID, stage string)
	WatermarkAdvanced(meterID string, t time.Time)
	CycleCompleted(d time.Duration, outcome string)
}

type nopObserver struct{}

func (nopObserver) ReadingsSkipped(string, string, int)  {}
func (nopObserver) ReadingsWritten(string, int)          {}
func (nopObserver) MeterFailed(string, string)           {}
func (nopObserver) WatermarkAdvanced(string, time.Time)  {}
func (nopObserver) CycleCompleted(time.Duration, string) {}

// Config tunes the scheduler.
type Config struct {
	Interval        time.Duration
	Workers         int
	BatchSize       int
	Backfill        time.Duration
	MeterTimeout    time.Duration
	WriteUnitRates  bool
	TariffCacheSize int
	StoragePolicy   retry.Policy
}

// DefaultConfig polls every 30 minutes with two workers.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Minute,
		Workers:         2,
		BatchSize:       500,
		Backfill:        7 * 24 * time.Hour,
		MeterTimeout:    10 * time.Minute,
		TariffCacheSize: 64,
		StoragePolicy:   retry.DefaultPolicy(),
	}
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Tokens     TokenSource
	Fetcher    *fetcher.Fetcher
	Normalizer *normalize.Normalizer
	Tracker    *watermark.Tracker
	Sink       Sink
	// Observer may be nil.
	Observer Observer
}

// Scheduler owns the ingestion loop.
type Scheduler struct {
	cfg    Config
	meters []models.Meter
	deps   Deps
	rates  *lru.Cache
	logger *logrus.Logger
	now    func() time.Time
}

type cachedRates struct {
	windows []models.TariffWindow
	from    time.Time
	fetched time.Time
}

// NewScheduler creates a Scheduler for meters.
func NewScheduler(cfg Config, meters []models.Meter, deps Deps, logger *logrus.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = def.Backfill
	}
	if cfg.MeterTimeout <= 0 {
		cfg.MeterTimeout = def.MeterTimeout
	}
	if cfg.TariffCacheSize <= 0 {
		cfg.TariffCacheSize = def.TariffCacheSize
	}
	if cfg.StoragePolicy.MaxAttempts <= 0 {
		cfg.StoragePolicy = def.StoragePolicy
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	cache, err := lru.New(cfg.TariffCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tariff cache: %w", err)
	}

	return &Scheduler{
		cfg:    cfg,
		meters: meters,
		deps:   deps,
		rates:  cache,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Run runs one cycle immediately and then one per interval until ctx is
// cancelled or the credential is rejected. Overlapping cycles are skipped.
// It returns nil on shutdown and an ErrHalted error on halt.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RunCycle(ctx); errors.Is(err, ErrHalted) {
		return err
	}

	halted := make(chan error, 1)
	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)

	_, err := c.AddFunc("@every "+s.cfg.Interval.String(), func() {
		if _, err := s.RunCycle(ctx); errors.Is(err, ErrHalted) {
			select {
			case halted <- err:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cycles: %w", err)
	}

	c.Start()
	s.logger.WithField("interval", s.cfg.Interval.String()).Info("Scheduler started")

	select {
	case <-ctx.Done():
		err = nil
	case err = <-halted:
	}

	// Wait for a running cycle to finish its in-flight meters.
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return err
}

// RunCycle performs one ingestion pass over every meter. Per-meter failures
// are recorded in the report and do not stop other meters; the only error
// returned is ErrHalted when the credential is rejected.
//
// Cancelling ctx stops new meters from starting. Meters already in flight
// finish under their own timeout.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := s.now()
	report := &CycleReport{
		ID:      uuid.NewString(),
		Started: start,
		Meters:  make([]MeterReport, len(s.meters)),
	}
	logger := s.logger.WithField("cycle_id", report.ID)
	logger.WithField("meters", len(s.meters)).Info("Starting ingestion cycle")

	logger.WithField("state", StateAuthenticating).Debug("Checking token")
	if _, err := s.deps.Tokens.Token(ctx); err != nil {
		report.Err = err
		report.Duration = s.now().Sub(start)
		if errors.Is(err, octopus.ErrInvalidCredential) {
			logger.WithError(err).Error("Credential rejected, halting ingestion")
			s.deps.Observer.CycleCompleted(report.Duration, OutcomeHalted)
			return report, fmt.Errorf("%w: %v", ErrHalted, err)
		}
		logger.WithError(err).Warn("Token unavailable, skipping cycle")
		s.deps.Observer.CycleCompleted(report.Duration, OutcomeAuthFailed)
		return report, nil
	}

	var (
		halted atomic.Bool
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)

	for i, meter := range s.meters {
		report.Meters[i] = MeterReport{MeterID: meter.ID, NotStarted: true}
		if ctx.Err() != nil || halted.Load() {
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil || halted.Load() {
				return nil
			}
			mr := s.ingestMeter(ctx, report.ID, meter)
			report.Meters[i] = mr
			if errors.Is(mr.Err, octopus.ErrInvalidCredential) {
				halted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(start)
	outcome := OutcomeOK
	if report.Failed() > 0 || report.NotStarted() > 0 {
		outcome = OutcomePartial
	}

	entry := logger.WithFields(logrus.Fields{
		"duration":    report.Duration.String(),
		"written":     report.Written(),
		"skipped":     report.Skipped(),
		"failed":      report.Failed(),
		"not_started": report.NotStarted(),
	})

	if halted.Load() {
		report.Err = octopus.ErrInvalidCredential
		entry.Error("Credential rejected mid-cycle, halting ingestion")
		s.deps.Observer.CycleCompleted(report.Duration, OutcomeHalted)
		return report, fmt.Errorf("%w: %v", ErrHalted, octopus.ErrInvalidCredential)
	}

	entry.Info("Ingestion cycle complete")
	s.deps.Observer.CycleCompleted(report.Duration, outcome)
	return report, nil
}

// ingestMeter runs the pipeline for one meter. It ignores cancellation of
// ctx so that a write already under way can confirm and advance the
// watermark; MeterTimeout bounds it instead.
func (s *Scheduler) ingestMeter(ctx context.Context, cycleID string, meter models.Meter) MeterReport {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MeterTimeout)
	defer cancel()

	rep := MeterReport{MeterID: meter.ID}
	logger := s.logger.WithFields(logrus.Fields{
		"cycle_id": cycleID,
		"meter_id": meter.ID,
	})
	fail := func(stage string, err error) MeterReport {
		rep.Stage = stage
		rep.Err = err
		s.deps.Observer.MeterFailed(meter.ID, stage)
		logger.WithFields(logrus.Fields{
			"stage": stage,
			"error": err.Error(),
		}).Error("Meter ingestion failed")
		return rep
	}

	from := s.now().Add(-s.cfg.Backfill).UTC()
	if w, ok := s.deps.Tracker.Watermark(meter.ID); ok {
		from = w
	}

	logger.WithFields(logrus.Fields{
		"state": StateFetching,
		"from":  from.Format(time.RFC3339),
	}).Debug("Fetching readings")

	session := s.deps.Fetcher.FetchSince(meter, from)
	var raws []models.RawReading
	for session.Next(ctx) {
		raws = append(raws, session.Reading())
	}
	rep.Pages = session.Pages()
	rep.Fetched = len(raws)

	// Readings from pages before a failed one are still written; the
	// watermark then stops at them and the rest is fetched next cycle.
	fetchErr := session.Err()
	if fetchErr != nil {
		if len(raws) == 0 {
			return fail("fetch", fetchErr)
		}
		logger.WithFields(logrus.Fields{
			"pages":   rep.Pages,
			"fetched": rep.Fetched,
			"error":   fetchErr.Error(),
		}).Warn("Fetch ended early, writing readings already fetched")
	}

	windows := session.TariffWindows()
	if rates := s.unitRates(ctx, logger, meter, from); len(rates) > 0 {
		windows = appendDeclared(windows, rates)
	}

	logger.WithField("state", StateNormalizing).Debug("Normalizing readings")
	canonical, diag := s.deps.Normalizer.NormalizeAll(raws, windows)
	for _, d := range session.Dropped() {
		diag.Add(d.Reason, d.Err)
	}
	rep.Skipped = diag.Total()
	rep.SkippedByReason = diag.Skipped
	for reason, n := range diag.Skipped {
		s.deps.Observer.ReadingsSkipped(meter.ID, reason, n)
	}
	if rep.Skipped > 0 {
		logger.WithFields(logrus.Fields{
			"skipped": diag.Skipped,
			"example": diag.Examples[0].Error(),
		}).Warn("Skipped unparsable readings")
	}

	logger.WithField("state", StateDeduping).Debug("Filtering stored readings")
	fresh := s.deps.Tracker.FilterNew(meter.ID, canonical)

	logger.WithFields(logrus.Fields{
		"state":   StateWriting,
		"pending": len(fresh),
	}).Debug("Writing readings")

	key := SeriesKey(meter)
	for len(fresh) > 0 {
		n := min(s.cfg.BatchSize, len(fresh))
		batch := fresh[:n]
		fresh = fresh[n:]

		if err := s.write(ctx, logger, key, consumptionPoints(meter, batch)); err != nil {
			return fail("write", err)
		}

		last := batch[len(batch)-1].Time
		err := retry.Do(ctx, s.cfg.StoragePolicy, database.IsTransient, nil, func(ctx context.Context) error {
			return s.deps.Tracker.Advance(ctx, meter.ID, last)
		})
		if err != nil {
			return fail("watermark", err)
		}

		rep.Written += len(batch)
		rep.Watermark = last
		s.deps.Observer.ReadingsWritten(meter.ID, len(batch))
		s.deps.Observer.WatermarkAdvanced(meter.ID, last)
	}

	if fetchErr != nil {
		return fail("fetch", fetchErr)
	}

	logger.WithFields(logrus.Fields{
		"state":   StateIdle,
		"pages":   rep.Pages,
		"fetched": rep.Fetched,
		"skipped": rep.Skipped,
		"written": rep.Written,
	}).Info("Meter ingested")

	return rep
}

func (s *Scheduler) write(ctx context.Context, logger *logrus.Entry, key string, points []models.Point) error {
	return retry.Do(ctx, s.cfg.StoragePolicy, database.IsTransient,
		func(attempt int, delay time.Duration, err error) {
			logger.WithFields(logrus.Fields{
				"series":  key,
				"attempt": attempt,
				"backoff": delay.String(),
				"error":   err.Error(),
			}).Warn("Storage write failed, retrying")
		},
		func(ctx context.Context) error {
			return s.deps.Sink.WriteBatch(ctx, key, points)
		})
}

// unitRates returns the published unit rates for the meter's tariff from
// from onward, cached per tariff code. Failures are logged and leave the
// meter with its inline windows only.
func (s *Scheduler) unitRates(ctx context.Context, logger *logrus.Entry, meter models.Meter, from time.Time) []models.TariffWindow {
	if meter.TariffCode == "" || meter.ProductCode == "" {
		return nil
	}

	if v, ok := s.rates.Get(meter.TariffCode); ok {
		entry := v.(cachedRates)
		if !entry.from.After(from) && s.now().Sub(entry.fetched) < ratesTTL {
			return entry.windows
		}
	}

	windows, err := s.deps.Fetcher.UnitRates(ctx, meter.Kind, meter.ProductCode, meter.TariffCode, from)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"tariff_code": meter.TariffCode,
			"error":       err.Error(),
		}).Warn("Failed to fetch unit rates")
		return nil
	}
	s.rates.Add(meter.TariffCode, cachedRates{windows: windows, from: from, fetched: s.now()})

	if s.cfg.WriteUnitRates && len(windows) > 0 {
		key := UnitRatesSeries + ":" + meter.TariffCode
		if err := s.write(ctx, logger, key, ratePoints(meter, windows)); err != nil {
			logger.WithFields(logrus.Fields{
				"tariff_code": meter.TariffCode,
				"error":       err.Error(),
			}).Warn("Failed to write unit rates")
		}
	}

	return windows
}

// appendDeclared appends later windows after earlier ones so that they win
// any overlap.
func appendDeclared(earlier, later []models.TariffWindow) []models.TariffWindow {
	out := make([]models.TariffWindow, 0, len(earlier)+len(later))
	out = append(out, earlier...)
	for _, w := range later {
		w.Declared = len(out)
		out = append(out, w)
	}
	return out
}
