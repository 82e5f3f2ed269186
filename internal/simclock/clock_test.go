package simclock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mondayAt returns 2026-01-05 (a Monday) at the given clock time, UTC.
func mondayAt(hour, minute int) time.Time {
	return time.Date(2026, 1, 5, hour, minute, 0, 0, time.UTC)
}

func newTestClock(t *testing.T, at time.Time, accel float64) *Clock {
	t.Helper()
	c, err := New(Config{Acceleration: accel, Now: func() time.Time { return at }})
	require.NoError(t, err)
	c.SetMillis(at.UnixMilli())
	return c
}

func TestNew_SnapsToNextOpen(t *testing.T) {
	// Saturday evening reference: the clock must land on Monday 09:15.
	saturday := time.Date(2026, 1, 3, 18, 0, 0, 0, time.UTC)
	c, err := New(Config{Now: func() time.Time { return saturday }})
	require.NoError(t, err)

	assert.Equal(t, mondayAt(9, 15), c.Time())
	assert.Equal(t, StatePreMarket, c.State())
}

func TestNew_SameDayOpenNotYetPassed(t *testing.T) {
	early := mondayAt(8, 0)
	c, err := New(Config{Now: func() time.Time { return early }})
	require.NoError(t, err)

	assert.Equal(t, mondayAt(9, 15), c.Time())
}

func TestNew_AccelerationOutOfRange(t *testing.T) {
	_, err := New(Config{Acceleration: 0.05})
	assert.Error(t, err)
	_, err = New(Config{Acceleration: 1001})
	assert.Error(t, err)
}

func TestAdvance_WithinSession(t *testing.T) {
	c := newTestClock(t, mondayAt(10, 0), 1.0)

	c.Advance(90)

	assert.Equal(t, mondayAt(10, 1).Add(30*time.Second), c.Time())
	assert.Equal(t, StateMorningSession, c.State())
}

func TestAdvance_AccelerationScalesDelta(t *testing.T) {
	c := newTestClock(t, mondayAt(10, 0), 60.0)

	c.Advance(10) // 10 real seconds at 60x is 10 virtual minutes.

	assert.Equal(t, mondayAt(10, 10), c.Time())
}

func TestAdvance_LunchGapJumpsToAfternoonOpen(t *testing.T) {
	// At exactly 11:30 the morning session has closed. Advancing must land
	// exactly on 13:00 with the delta discarded, not 13:02.
	c := newTestClock(t, mondayAt(11, 30), 1.0)

	c.Advance(120)

	assert.Equal(t, mondayAt(13, 0), c.Time())
	assert.Equal(t, StateAfternoonSession, c.State())
}

func TestAdvance_CrossingSessionEndCarriesRemainder(t *testing.T) {
	c := newTestClock(t, mondayAt(11, 29), 1.0)

	c.Advance(120) // 60s close out the morning, 60s spill into the afternoon.

	assert.Equal(t, mondayAt(13, 1), c.Time())
}

func TestAdvance_FridayCloseJumpsToMondayOpen(t *testing.T) {
	// 2026-01-02 is a Friday.
	friday := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	c := newTestClock(t, friday, 1.0)
	require.Equal(t, StatePostMarket, c.State())

	c.Advance(1)

	assert.Equal(t, mondayAt(9, 30), c.Time())
	assert.Equal(t, StateMorningSession, c.State())
}

func TestAdvance_PreMarketJumpsToOpen(t *testing.T) {
	c := newTestClock(t, mondayAt(9, 15), 1.0)

	c.Advance(1)

	assert.Equal(t, mondayAt(9, 30), c.Time())
}

func TestAdvance_ConfiguredHaltFreezes(t *testing.T) {
	halt := Interval{Name: "circuit_breaker", Start: 10 * 60, End: 10*60 + 30}
	c, err := New(Config{
		NonTrading: []Interval{halt},
		Now:        func() time.Time { return mondayAt(8, 0) },
	})
	require.NoError(t, err)
	c.SetMillis(mondayAt(10, 15).UnixMilli())
	require.Equal(t, StateConfiguredHalt, c.State())

	c.Advance(600)

	// Frozen in place, no jump.
	assert.Equal(t, mondayAt(10, 15), c.Time())
}

func TestAdvance_StopsAtHaltBoundary(t *testing.T) {
	halt := Interval{Name: "circuit_breaker", Start: 10 * 60, End: 10*60 + 30}
	c, err := New(Config{
		NonTrading: []Interval{halt},
		Now:        func() time.Time { return mondayAt(8, 0) },
	})
	require.NoError(t, err)
	c.SetMillis(mondayAt(9, 59).UnixMilli())

	c.Advance(300) // Would reach 10:04, but the halt starts at 10:00.

	assert.Equal(t, mondayAt(10, 0), c.Time())
	assert.Equal(t, StateConfiguredHalt, c.State())
}

func TestAdvance_NonPositiveDeltaIgnored(t *testing.T) {
	c := newTestClock(t, mondayAt(10, 0), 1.0)

	c.Advance(0)
	c.Advance(-5)

	assert.Equal(t, mondayAt(10, 0), c.Time())
}

func TestSetAcceleration(t *testing.T) {
	c := newTestClock(t, mondayAt(10, 0), 1.0)

	require.NoError(t, c.SetAcceleration(100))
	assert.Equal(t, 100.0, c.Acceleration())

	assert.Error(t, c.SetAcceleration(0.01))
	assert.Error(t, c.SetAcceleration(2000))
	assert.Equal(t, 100.0, c.Acceleration())
}

func TestState_FullDaySweep(t *testing.T) {
	cases := []struct {
		clock string
		want  TimeState
	}{
		{"08:00", StatePreMarket},
		{"09:29", StatePreMarket},
		{"09:30", StateMorningSession},
		{"11:29", StateMorningSession},
		{"11:30", StateLunchBreak},
		{"12:59", StateLunchBreak},
		{"13:00", StateAfternoonSession},
		{"14:59", StateAfternoonSession},
		{"15:00", StatePostMarket},
		{"23:00", StatePostMarket},
	}
	for _, tc := range cases {
		t.Run(tc.clock, func(t *testing.T) {
			minute, err := ParseClock(tc.clock)
			require.NoError(t, err)
			c := newTestClock(t, mondayAt(minute/60, minute%60), 1.0)
			assert.Equal(t, tc.want, c.State())
		})
	}
}

func TestState_Weekend(t *testing.T) {
	sunday := time.Date(2026, 1, 4, 10, 0, 0, 0, time.UTC)
	c := newTestClock(t, sunday, 1.0)

	assert.Equal(t, StateNonTradingDay, c.State())
	assert.False(t, c.IsTrading())
}

func TestLoadIntervals_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intervals.json")
	payload := `{
		"tradingIntervals": [
			{"name": "morning", "start": "09:00", "end": "12:00"},
			{"name": "afternoon", "start": "13:30", "end": "16:00"}
		],
		"nonTradingIntervals": [
			{"name": "auction", "start": "12:00", "end": "12:05"}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	trading, nonTrading := LoadIntervals(path, zerolog.Nop())

	require.Len(t, trading, 2)
	assert.Equal(t, 9*60, trading[0].Start)
	assert.Equal(t, 16*60, trading[1].End)
	require.Len(t, nonTrading, 1)
	assert.Equal(t, "auction", nonTrading[0].Name)
}

func TestLoadIntervals_MissingFileUsesDefaults(t *testing.T) {
	trading, nonTrading := LoadIntervals(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())

	assert.Equal(t, DefaultTradingIntervals(), trading)
	assert.Empty(t, nonTrading)
}

func TestLoadIntervals_MalformedFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intervals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tradingIntervals": [{"start": "25:00", "end": "26:00"}]}`), 0o644))

	trading, _ := LoadIntervals(path, zerolog.Nop())

	assert.Equal(t, DefaultTradingIntervals(), trading)
}

func TestParseClock(t *testing.T) {
	minute, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, minute)

	for _, bad := range []string{"930", "9:3:0", "24:00", "09:60", "aa:bb"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}
