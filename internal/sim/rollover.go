package sim

import (
	"fmt"
	"time"
)

// Rollover books trades onto a business date in a configured timezone. A
// non-zero rollover hour shifts the day boundary, so a fill at 03:00 with
// rollover_hour=6 still belongs to the previous business date.
type Rollover struct {
	loc  *time.Location
	hour int
}

// NewRollover resolves the timezone; empty means UTC.
func NewRollover(tz string, hour int) (*Rollover, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("rollover timezone %q: %w", tz, err)
		}
	}
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("rollover hour %d out of range", hour)
	}
	return &Rollover{loc: loc, hour: hour}, nil
}

// BusinessDate returns YYYY-MM-DD for the given wall-clock millisecond.
func (r *Rollover) BusinessDate(tsMs int64) string {
	t := time.UnixMilli(tsMs).In(r.loc).Add(-time.Duration(r.hour) * time.Hour)
	return t.Format("2006-01-02")
}
