package simclock

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimeState classifies the virtual clock's position in the trading day.
type TimeState int

const (
	StatePreMarket TimeState = iota
	StateMorningSession
	StateLunchBreak
	StateAfternoonSession
	StatePostMarket
	StateNonTradingDay
	StateConfiguredHalt
)

func (s TimeState) String() string {
	switch s {
	case StatePreMarket:
		return "pre_market"
	case StateMorningSession:
		return "morning_session"
	case StateLunchBreak:
		return "lunch_break"
	case StateAfternoonSession:
		return "afternoon_session"
	case StatePostMarket:
		return "post_market"
	case StateNonTradingDay:
		return "non_trading_day"
	case StateConfiguredHalt:
		return "configured_halt"
	default:
		return "unknown"
	}
}

const (
	MinAcceleration = 0.1
	MaxAcceleration = 1000.0

	// DefaultOpenClock is where a fresh clock lands when no initial time is
	// configured, a little before the first session so pre-market state is
	// observable.
	DefaultOpenClock = "09:15"
)

// Config describes a simulated exchange clock.
type Config struct {
	// OpenClock is the "HH:mm" wall time the clock snaps to on the next
	// trading day at startup. Empty means DefaultOpenClock.
	OpenClock string

	// Acceleration is the virtual-to-real time ratio. Zero means 1.0.
	Acceleration float64

	// Trading holds the intra-day session windows. Empty means defaults.
	Trading []Interval

	// NonTrading holds halt windows during which the clock freezes entirely.
	NonTrading []Interval

	// TradingDays maps weekdays on which the exchange opens. Empty means
	// Monday through Friday.
	TradingDays map[time.Weekday]bool

	// Location anchors calendar arithmetic. Nil means UTC.
	Location *time.Location

	// Now supplies the startup reference time, overridable in tests.
	Now func() time.Time
}

// Clock is a virtual exchange clock. It advances only inside trading
// intervals on trading days, scaled by a configurable acceleration, and
// jumps over closed periods so consecutive sessions play back to back.
// All times are carried as Unix milliseconds.
//
// Advance is driven from the owning exchange's tick; reads are safe from
// other goroutines.
type Clock struct {
	mu sync.RWMutex

	millis int64
	accel  float64

	trading    []Interval
	nonTrading []Interval
	days       map[time.Weekday]bool
	loc        *time.Location

	log zerolog.Logger
}

// New builds a clock positioned at the next market open relative to cfg.Now.
func New(cfg Config) (*Clock, error) {
	accel := cfg.Acceleration
	if accel == 0 {
		accel = 1.0
	}
	if accel < MinAcceleration || accel > MaxAcceleration {
		return nil, fmt.Errorf("acceleration %.2f out of range [%.1f, %.1f]", accel, MinAcceleration, MaxAcceleration)
	}

	openClock := cfg.OpenClock
	if openClock == "" {
		openClock = DefaultOpenClock
	}
	openMinute, err := ParseClock(openClock)
	if err != nil {
		return nil, fmt.Errorf("open clock: %w", err)
	}

	c := &Clock{
		accel:      accel,
		trading:    cfg.Trading,
		nonTrading: cfg.NonTrading,
		days:       cfg.TradingDays,
		loc:        cfg.Location,
		log:        log.With().Str("component", "simclock").Logger(),
	}
	if len(c.trading) == 0 {
		c.trading = DefaultTradingIntervals()
	}
	if c.days == nil {
		c.days = map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		}
	}
	if c.loc == nil {
		c.loc = time.UTC
	}

	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	c.millis = c.nextOpenAt(now().In(c.loc), openMinute)
	return c, nil
}

// nextOpenAt finds the first trading day on or after ref whose open clock
// time has not yet passed.
func (c *Clock) nextOpenAt(ref time.Time, openMinute int) int64 {
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, c.loc)
	for i := 0; i < 366; i++ {
		candidate := day.Add(time.Duration(openMinute) * time.Minute)
		if c.days[day.Weekday()] && !candidate.Before(ref) {
			return candidate.UnixMilli()
		}
		day = day.AddDate(0, 0, 1)
	}
	// Degenerate calendar with no trading days; park at ref.
	c.log.Warn().Msg("No trading day within a year of startup reference")
	return ref.UnixMilli()
}

// Millis returns the current virtual time in Unix milliseconds.
func (c *Clock) Millis() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.millis
}

// Time returns the current virtual time in the clock's location.
func (c *Clock) Time() time.Time {
	return time.UnixMilli(c.Millis()).In(c.loc)
}

// Acceleration returns the current virtual-to-real ratio.
func (c *Clock) Acceleration() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accel
}

// SetAcceleration changes the ratio. Takes effect from the next Advance;
// elapsed virtual time is never reinterpreted.
func (c *Clock) SetAcceleration(accel float64) error {
	if accel < MinAcceleration || accel > MaxAcceleration {
		return fmt.Errorf("acceleration %.2f out of range [%.1f, %.1f]", accel, MinAcceleration, MaxAcceleration)
	}
	c.mu.Lock()
	c.accel = accel
	c.mu.Unlock()
	return nil
}

// SetMillis pins the clock to an absolute virtual time. Used when restoring
// an exchange from a snapshot.
func (c *Clock) SetMillis(ms int64) {
	c.mu.Lock()
	c.millis = ms
	c.mu.Unlock()
}

// IsTrading reports whether the clock currently sits inside a session
// window on a trading day and outside any configured halt.
func (c *Clock) IsTrading() bool {
	return c.State().IsTrading()
}

// IsTrading reports whether the state admits trade activity.
func (s TimeState) IsTrading() bool {
	return s == StateMorningSession || s == StateAfternoonSession
}

// State classifies the current virtual time.
func (c *Clock) State() TimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateAt(c.millis)
}

func (c *Clock) stateAt(ms int64) TimeState {
	t := time.UnixMilli(ms).In(c.loc)
	if !c.days[t.Weekday()] {
		return StateNonTradingDay
	}
	minute := t.Hour()*60 + t.Minute()
	for _, iv := range c.nonTrading {
		if iv.Contains(minute) {
			return StateConfiguredHalt
		}
	}
	if minute < c.trading[0].Start {
		return StatePreMarket
	}
	for i, iv := range c.trading {
		if iv.Contains(minute) {
			if i == 0 {
				return StateMorningSession
			}
			return StateAfternoonSession
		}
	}
	if minute >= c.trading[len(c.trading)-1].End {
		return StatePostMarket
	}
	return StateLunchBreak
}

// Advance moves the clock by realDeltaSeconds of wall time, scaled by the
// acceleration. Outside a session the delta is discarded and the clock jumps
// straight to the next session open; a delta that crosses a session end
// carries the remainder into the following session. Inside a configured
// halt window the clock freezes and does not jump.
func (c *Clock) Advance(realDeltaSeconds float64) {
	if realDeltaSeconds <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.stateAt(c.millis) {
	case StateConfiguredHalt:
		return
	case StateMorningSession, StateAfternoonSession:
	default:
		// Closed. Jump to the next open without consuming the delta, so
		// waiting at a boundary lands exactly on the session start.
		c.millis = c.nextSessionStart(c.millis)
		return
	}

	remaining := int64(realDeltaSeconds * c.accel * 1000)
	for remaining > 0 {
		end := c.segmentEnd(c.millis)
		room := end - c.millis
		if remaining < room {
			c.millis += remaining
			return
		}
		remaining -= room
		c.millis = end
		if c.stateAt(c.millis) == StateConfiguredHalt {
			// Entered a halt window; freeze there and drop the rest.
			return
		}
		c.millis = c.nextSessionStart(c.millis)
	}
}

// segmentEnd returns the soonest boundary after ms at which advancement
// must stop: the enclosing session's end, or the start of a halt window
// inside it.
func (c *Clock) segmentEnd(ms int64) int64 {
	t := time.UnixMilli(ms).In(c.loc)
	minute := t.Hour()*60 + t.Minute()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc).UnixMilli()

	end := ms
	for _, iv := range c.trading {
		if iv.Contains(minute) {
			end = midnight + int64(iv.End)*60_000
			break
		}
	}
	for _, iv := range c.nonTrading {
		haltStart := midnight + int64(iv.Start)*60_000
		if haltStart > ms && haltStart < end {
			end = haltStart
		}
	}
	return end
}

// nextSessionStart returns the start of the first session window strictly
// after ms, skipping non-trading days.
func (c *Clock) nextSessionStart(ms int64) int64 {
	t := time.UnixMilli(ms).In(c.loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	for i := 0; i < 366; i++ {
		if c.days[day.Weekday()] {
			midnight := day.UnixMilli()
			for _, iv := range c.trading {
				start := midnight + int64(iv.Start)*60_000
				if start > ms {
					return start
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return ms
}
