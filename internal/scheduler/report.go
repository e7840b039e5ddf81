package scheduler

import "time"

// CycleReport summarises one ingestion cycle.
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Meters   []MeterReport
	// Err is set when the cycle could not start or was halted.
	Err error
}

// MeterReport is one meter's outcome within a cycle.
type MeterReport struct {
	MeterID         string
	Pages           int
	Fetched         int
	Skipped         int
	SkippedByReason map[string]int
	Written         int
	Watermark       time.Time
	// Stage and Err describe where the meter failed, if it did.
	Stage string
	Err   error
	// NotStarted is set for meters left untouched by shutdown or halt.
	NotStarted bool
}

func (r *CycleReport) Written() int {
	n := 0
	for _, m := range r.Meters {
		n += m.Written
	}
	return n
}

func (r *CycleReport) Skipped() int {
	n := 0
	for _, m := range r.Meters {
		n += m.Skipped
	}
	return n
}

func (r *CycleReport) Failed() int {
	n := 0
	for _, m := range r.Meters {
		if m.Err != nil {
			n++
		}
	}
	return n
}

func (r *CycleReport) NotStarted() int {
	n := 0
	for _, m := range r.Meters {
		if m.NotStarted {
			n++
		}
	}
	return n
}
