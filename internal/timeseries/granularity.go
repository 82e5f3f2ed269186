package timeseries

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadGranularity rejects granularity strings outside the supported set.
var ErrBadGranularity = errors.New("unknown granularity")

// Granularity identifies one aggregation bucket width. Minute-based
// granularities are fixed-width; day, week and month are calendar-aware.
type Granularity string

const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran30m Granularity = "30m"
	Gran60m Granularity = "60m"
	Gran1d  Granularity = "1d"
	Gran1w  Granularity = "1w"
	Gran1M  Granularity = "1M"
)

// AllGranularities lists every bucket width a series maintains, narrowest
// first.
var AllGranularities = []Granularity{
	Gran1m, Gran5m, Gran15m, Gran30m, Gran60m, Gran1d, Gran1w, Gran1M,
}

var minuteWidths = map[Granularity]int{
	Gran1m:  1,
	Gran5m:  5,
	Gran15m: 15,
	Gran30m: 30,
	Gran60m: 60,
}

// ParseGranularity validates a client-supplied granularity string.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if _, ok := minuteWidths[g]; ok {
		return g, nil
	}
	switch g {
	case Gran1d, Gran1w, Gran1M:
		return g, nil
	}
	return "", fmt.Errorf("%w %q", ErrBadGranularity, s)
}

// BucketStart floors a millisecond timestamp to the start of its bucket.
// Minute widths align to wall-clock multiples; 1d aligns to local midnight,
// 1w to Monday midnight, 1M to the first of the month.
func (g Granularity) BucketStart(ms int64, loc *time.Location) int64 {
	t := time.UnixMilli(ms).In(loc)
	if width, ok := minuteWidths[g]; ok {
		minute := t.Hour()*60 + t.Minute()
		minute -= minute % width
		return time.Date(t.Year(), t.Month(), t.Day(), minute/60, minute%60, 0, 0, loc).UnixMilli()
	}
	switch g {
	case Gran1d:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).UnixMilli()
	case Gran1w:
		// time.Weekday puts Sunday at 0; shift so weeks open on Monday.
		back := (int(t.Weekday()) + 6) % 7
		monday := t.AddDate(0, 0, -back)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc).UnixMilli()
	case Gran1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).UnixMilli()
	}
	return ms
}

// Next returns the start of the bucket following the one opening at startMs.
func (g Granularity) Next(startMs int64, loc *time.Location) int64 {
	if width, ok := minuteWidths[g]; ok {
		return startMs + int64(width)*60_000
	}
	t := time.UnixMilli(startMs).In(loc)
	switch g {
	case Gran1d:
		return t.AddDate(0, 0, 1).UnixMilli()
	case Gran1w:
		return t.AddDate(0, 0, 7).UnixMilli()
	case Gran1M:
		return t.AddDate(0, 1, 0).UnixMilli()
	}
	return startMs
}
