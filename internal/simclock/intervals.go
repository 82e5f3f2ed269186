package simclock

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Interval is a half-open intra-day window [Start, End) expressed in
// minutes from local midnight.
type Interval struct {
	Name  string
	Start int
	End   int
}

// Contains reports whether a minute-of-day falls inside the window.
func (iv Interval) Contains(minute int) bool {
	return minute >= iv.Start && minute < iv.End
}

// DefaultTradingIntervals returns the fallback session windows:
// 09:30-11:30 and 13:00-15:00.
func DefaultTradingIntervals() []Interval {
	return []Interval{
		{Name: "morning", Start: 9*60 + 30, End: 11*60 + 30},
		{Name: "afternoon", Start: 13 * 60, End: 15 * 60},
	}
}

// intervalsFile mirrors the trading-intervals JSON config format.
type intervalsFile struct {
	TradingIntervals    []intervalEntry `json:"tradingIntervals"`
	NonTradingIntervals []intervalEntry `json:"nonTradingIntervals"`
}

type intervalEntry struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// LoadIntervals reads the trading-intervals config file. A missing or
// malformed file falls back to the defaults with a warning rather than
// failing exchange construction.
func LoadIntervals(path string, log zerolog.Logger) (trading, nonTrading []Interval) {
	fallback := func(reason string, err error) ([]Interval, []Interval) {
		log.Warn().
			Err(err).
			Str("path", path).
			Str("reason", reason).
			Msg("Using default trading intervals")
		return DefaultTradingIntervals(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("No intervals config file, using defaults")
			return DefaultTradingIntervals(), nil
		}
		return fallback("unreadable", err)
	}

	var file intervalsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fallback("malformed JSON", err)
	}

	trading, err = parseEntries(file.TradingIntervals)
	if err != nil {
		return fallback("bad trading interval", err)
	}
	nonTrading, err = parseEntries(file.NonTradingIntervals)
	if err != nil {
		return fallback("bad non-trading interval", err)
	}
	if len(trading) == 0 {
		trading = DefaultTradingIntervals()
	}
	return trading, nonTrading
}

func parseEntries(entries []intervalEntry) ([]Interval, error) {
	intervals := make([]Interval, 0, len(entries))
	for _, e := range entries {
		start, err := ParseClock(e.Start)
		if err != nil {
			return nil, fmt.Errorf("interval %q start: %w", e.Name, err)
		}
		end, err := ParseClock(e.End)
		if err != nil {
			return nil, fmt.Errorf("interval %q end: %w", e.Name, err)
		}
		if end <= start {
			return nil, fmt.Errorf("interval %q: end %s not after start %s", e.Name, e.End, e.Start)
		}
		intervals = append(intervals, Interval{Name: e.Name, Start: start, End: end})
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })
	return intervals, nil
}

// ParseClock parses "HH:mm" into minutes from midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:mm, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour*60 + minute, nil
}
