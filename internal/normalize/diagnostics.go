package normalize

import (
	"errors"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// Skip reasons reported in Diagnostics.
const (
	ReasonUnknownUnit         = "unknown_unit"
	ReasonUnparsableTimestamp = "unparsable_timestamp"
	ReasonUnparsableValue     = "unparsable_value"
)

// Diagnostics accounts for readings that could not be normalized.
type Diagnostics struct {
	Skipped  map[string]int
	Examples []error
}

const maxExamples = 5

// Total returns the number of skipped readings.
func (d Diagnostics) Total() int {
	n := 0
	for _, c := range d.Skipped {
		n += c
	}
	return n
}

// Add counts one skipped item under reason.
func (d *Diagnostics) Add(reason string, err error) {
	if d.Skipped == nil {
		d.Skipped = make(map[string]int)
	}
	d.Skipped[reason]++
	if len(d.Examples) < maxExamples {
		d.Examples = append(d.Examples, err)
	}
}

func (d *Diagnostics) record(err error) {
	d.Add(Reason(err), err)
}

// Reason maps a normalize error to its diagnostics key.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUnit):
		return ReasonUnknownUnit
	case errors.Is(err, ErrUnparsableTimestamp):
		return ReasonUnparsableTimestamp
	default:
		return ReasonUnparsableValue
	}
}

// NormalizeAll normalizes raws against windows. Readings that fail are
// skipped and counted in the returned Diagnostics.
func (n *Normalizer) NormalizeAll(raws []models.RawReading, windows []models.TariffWindow) ([]models.CanonicalReading, Diagnostics) {
	var diag Diagnostics
	out := make([]models.CanonicalReading, 0, len(raws))
	for _, raw := range raws {
		r, err := n.Normalize(raw, windows)
		if err != nil {
			diag.record(err)
			continue
		}
		out = append(out, r)
	}
	return out, diag
}
