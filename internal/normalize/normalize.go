// Package normalize turns provider readings into canonical readings: UTC
// timestamps, quantities in kWh and the tariff rate in force at that time.
//
// Normalization is pure and total. Every raw reading produces either a
// CanonicalReading or one of the typed errors below, never a zero-valued
// stand-in.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

var (
	ErrUnknownUnit         = errors.New("unknown unit")
	ErrUnparsableTimestamp = errors.New("unparsable timestamp")
	ErrUnparsableValue     = errors.New("unparsable value")
)

// DefaultLocation is the provider's local time zone.
const DefaultLocation = "Europe/London"

// Gas meters report volume. Conversion to kWh uses the standard volume
// correction factor and a typical calorific value in MJ/m³.
const (
	gasVolumeCorrection = 1.02264
	gasCalorificValue   = 39.5
	megajoulesPerKWh    = 3.6
	cubicMetresPerHCF   = 2.8316846592

	kWhPerCubicMetre = gasVolumeCorrection * gasCalorificValue / megajoulesPerKWh
)

// unitFactors maps lower-cased raw unit tags to kWh.
var unitFactors = map[string]float64{
	"kwh": 1,
	"wh":  0.001,
	"mwh": 1000,
	"m3":  kWhPerCubicMetre,
	"m³":  kWhPerCubicMetre,
	"hcf": cubicMetresPerHCF * kWhPerCubicMetre,
}

// Layouts for timestamps that carry no offset and are read as provider
// local time.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Normalizer converts raw readings. It is safe for concurrent use.
type Normalizer struct {
	loc *time.Location
}

// New returns a Normalizer that reads offset-less timestamps in loc.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// NewForZone is New with the location looked up by name.
func NewForZone(name string) (*Normalizer, error) {
	if name == "" {
		name = DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load location %q: %w", name, err)
	}
	return New(loc), nil
}

// Normalize converts raw into a CanonicalReading and attaches the rate of
// the tariff window containing its timestamp. Overlapping windows resolve
// to the one declared last. No matching window leaves the rate absent.
func (n *Normalizer) Normalize(raw models.RawReading, windows []models.TariffWindow) (models.CanonicalReading, error) {
	factor, ok := unitFactors[strings.ToLower(strings.TrimSpace(raw.Unit))]
	if !ok {
		return models.CanonicalReading{}, fmt.Errorf("%w: %q", ErrUnknownUnit, raw.Unit)
	}

	ts, err := n.ParseTime(raw.IntervalStart)
	if err != nil {
		return models.CanonicalReading{}, err
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(raw.Value), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return models.CanonicalReading{}, fmt.Errorf("%w: %q", ErrUnparsableValue, raw.Value)
	}

	reading := models.CanonicalReading{
		MeterID:  raw.MeterID,
		Time:     ts,
		Quantity: value * factor,
	}

	if w, ok := FindWindow(ts, windows); ok {
		reading.Rate = decimal.NewNullDecimal(w.UnitRate)
		reading.StandingCharge = w.StandingCharge
		reading.Cost = decimal.NewNullDecimal(w.UnitRate.Mul(decimal.NewFromFloat(reading.Quantity)).Round(6))
	}

	return reading, nil
}

// FindWindow returns the window containing t with the highest declaration
// order.
func FindWindow(t time.Time, windows []models.TariffWindow) (models.TariffWindow, bool) {
	var (
		best  models.TariffWindow
		found bool
	)
	for _, w := range windows {
		if !w.Contains(t) {
			continue
		}
		if !found || w.Declared > best.Declared {
			best = w
			found = true
		}
	}
	return best, found
}

// ParseTime parses a provider timestamp into UTC. Timestamps with an
// offset are exact. Timestamps without one are provider local time: a wall
// time that occurs twice (DST fold) resolves to the earlier instant, and
// one that does not occur (DST gap) is read with the offset in force
// before the transition.
func (n *Normalizer) ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range localLayouts {
		wall, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		return resolveLocal(wall, n.loc), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableTimestamp, raw)
}

// resolveLocal finds the instant whose wall clock in loc equals wall's UTC
// fields. Zone transitions are never closer than a day apart, so the offsets
// twelve hours either side cover both readings of an ambiguous time.
func resolveLocal(wall time.Time, loc *time.Location) time.Time {
	_, before := wall.Add(-12 * time.Hour).In(loc).Zone()
	_, after := wall.Add(12 * time.Hour).In(loc).Zone()

	var best time.Time
	for _, offset := range []int{before, after} {
		candidate := wall.Add(-time.Duration(offset) * time.Second)
		if !sameWallClock(candidate.In(loc), wall) {
			continue
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		best = wall.Add(-time.Duration(before) * time.Second)
	}
	return best.UTC()
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second() &&
		a.Nanosecond() == b.Nanosecond()
}
