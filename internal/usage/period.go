package usage

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// monthBounds returns the first and last day of now's UTC calendar month.
func monthBounds(now time.Time) (string, string) {
	utc := now.UTC()
	first := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return first.Format(dateLayout), last.Format(dateLayout)
}

// periodEnded reports whether now is past the inclusive end date.
func periodEnded(periodEnd string, now time.Time) (bool, error) {
	end, err := time.Parse(dateLayout, periodEnd)
	if err != nil {
		return false, fmt.Errorf("invalid period end %q: %w", periodEnd, err)
	}
	return !now.UTC().Before(end.AddDate(0, 0, 1)), nil
}

// elapsedMinutes is the single formula used for live, committed and reaped
// session lengths: whole minutes rounded up, never negative.
func elapsedMinutes(startedAt, now time.Time) int64 {
	d := now.Sub(startedAt)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}
