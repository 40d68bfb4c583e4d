package decay

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod indicates a year or month outside the supported range.
var ErrInvalidPeriod = errors.New("decay: invalid period")

// Period is one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod validates a year and month.
func NewPeriod(year, month int) (Period, error) {
	if year < 1970 || year > 9999 {
		return Period{}, fmt.Errorf("%w: year %d", ErrInvalidPeriod, year)
	}
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("%w: month %d", ErrInvalidPeriod, month)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// PreviousPeriod returns the calendar month before the one containing now in location.
func PreviousPeriod(now time.Time, location *time.Location) Period {
	if location == nil {
		location = time.UTC
	}
	local := now.In(location)
	firstOfMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, location)
	previous := firstOfMonth.AddDate(0, -1, 0)
	return Period{Year: previous.Year(), Month: previous.Month()}
}

// Bounds returns [start, end) of the period in location.
func (p Period) Bounds(location *time.Location) (time.Time, time.Time) {
	if location == nil {
		location = time.UTC
	}
	start := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, location)
	return start, start.AddDate(0, 1, 0)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
