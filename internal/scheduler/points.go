package scheduler

import (
	"time"

	"github.com/tejusbharadwaj/octoingest/internal/models"
)

// Field names written to storage. Rates and costs are in pence.
const (
	FieldConsumption    = "consumption_kwh"
	FieldRate           = "unit_rate_p_per_kwh"
	FieldStandingCharge = "standing_charge_p_per_day"
	FieldCost           = "cost_p"
)

// SeriesKey identifies a meter's consumption series.
func SeriesKey(meter models.Meter) string {
	return "consumption:" + meter.ID
}

func meterTags(meter models.Meter) map[string]string {
	tags := map[string]string{
		"meter_id": meter.ID,
		"kind":     string(meter.Kind),
	}
	if meter.MPXN != "" {
		tags["mpxn"] = meter.MPXN
	}
	if meter.Serial != "" {
		tags["serial"] = meter.Serial
	}
	if meter.TariffCode != "" {
		tags["tariff_code"] = meter.TariffCode
	}
	return tags
}

func consumptionPoints(meter models.Meter, readings []models.CanonicalReading) []models.Point {
	tags := meterTags(meter)
	points := make([]models.Point, 0, len(readings))
	for _, r := range readings {
		fields := map[string]float64{FieldConsumption: r.Quantity}
		if r.Rate.Valid {
			fields[FieldRate] = r.Rate.Decimal.InexactFloat64()
		}
		if r.Cost.Valid {
			fields[FieldCost] = r.Cost.Decimal.InexactFloat64()
		}
		if r.StandingCharge.Valid {
			fields[FieldStandingCharge] = r.StandingCharge.Decimal.InexactFloat64()
		}
		points = append(points, models.Point{Time: r.Time.UTC(), Tags: tags, Fields: fields})
	}
	return points
}

// ratePoints turns unit-rate windows into points at each window's start.
// Windows without a start cannot be placed on the time axis and are left
// out.
func ratePoints(meter models.Meter, windows []models.TariffWindow) []models.Point {
	tags := map[string]string{
		"series":       UnitRatesSeries,
		"kind":         string(meter.Kind),
		"product_code": meter.ProductCode,
		"tariff_code":  meter.TariffCode,
	}
	points := make([]models.Point, 0, len(windows))
	for _, w := range windows {
		if w.Start.IsZero() {
			continue
		}
		fields := map[string]float64{FieldRate: w.UnitRate.InexactFloat64()}
		if !w.End.IsZero() {
			fields["valid_seconds"] = w.End.Sub(w.Start).Round(time.Second).Seconds()
		}
		points = append(points, models.Point{Time: w.Start.UTC(), Tags: tags, Fields: fields})
	}
	return points
}
