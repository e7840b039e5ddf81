package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MeterKind distinguishes electricity from gas meter points.
type MeterKind string

const (
	MeterKindElectricity MeterKind = "electricity"
	MeterKindGas         MeterKind = "gas"
)

// Page source variants understood by the provider client.
const (
	SourceGraphQL = "graphql"
	SourceREST    = "rest"
)

// Credential identifies the account holder to the provider's token exchange.
// APIKey takes precedence over Email/Password when both are set.
type Credential struct {
	APIKey   string
	Email    string
	Password string
}

// Token is a short-lived bearer token issued by the provider.
type Token struct {
	Value  string
	Expiry time.Time
}

// Meter describes one meter the daemon ingests for.
type Meter struct {
	ID          string    `mapstructure:"id"`
	Kind        MeterKind `mapstructure:"kind"`
	MPXN        string    `mapstructure:"mpxn"`
	Serial      string    `mapstructure:"serial"`
	DeviceID    string    `mapstructure:"device_id"`
	TariffCode  string    `mapstructure:"tariff_code"`
	ProductCode string    `mapstructure:"product_code"`
	Source      string    `mapstructure:"source"`
}

// RawReading is a reading exactly as the provider returned it.
type RawReading struct {
	MeterID       string
	AccountID     string
	Value         string
	Unit          string
	IntervalStart string
	IntervalEnd   string
}

// TariffWindow is a rate valid over [Start, End). A zero Start or End is an
// open bound. Declared orders windows by the position the provider listed
// them in; higher means declared later.
type TariffWindow struct {
	Start          time.Time
	End            time.Time
	UnitRate       decimal.Decimal
	StandingCharge decimal.NullDecimal
	Declared       int
}

// Contains reports whether t falls inside the window.
func (w TariffWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// CanonicalReading is a normalized reading: UTC time, quantity in kWh and
// the tariff applicable at that instant, if any.
type CanonicalReading struct {
	MeterID        string
	Time           time.Time
	Quantity       float64
	Rate           decimal.NullDecimal
	StandingCharge decimal.NullDecimal
	Cost           decimal.NullDecimal
}

// Point is the storage write shape.
type Point struct {
	Time   time.Time
	Tags   map[string]string
	Fields map[string]float64
}
