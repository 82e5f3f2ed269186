package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC).UnixMilli()

const minuteMs = 60_000

func newPriceEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(time.UTC)
	require.NoError(t, e.CreateSeries("sh600000.price", Spec{
		Kind:   KindContinuous,
		Fields: FieldOHLC | FieldVWAP | FieldVolume,
	}))
	return e
}

func TestEngine_CreateDuplicateSeries(t *testing.T) {
	e := newPriceEngine(t)

	err := e.CreateSeries("sh600000.price", Spec{Kind: KindContinuous})
	assert.ErrorIs(t, err, ErrSeriesExists)
}

func TestEngine_AppendUnknownSeries(t *testing.T) {
	e := NewEngine(time.UTC)

	err := e.Append("missing", Point{Ts: t0, Value: 1})
	assert.ErrorIs(t, err, ErrSeriesNotFound)
}

func TestEngine_MinuteBarAggregation(t *testing.T) {
	e := newPriceEngine(t)

	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100.0, Volume: 10}))
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + 30_000, Value: 100.1, Volume: 10}))
	// Crossing into the next minute closes the first bar.
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + minuteMs, Value: 99.9, Volume: 5}))

	bars, err := e.Query("sh600000.price", Gran1m, t0, t0+2*minuteMs)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	first := bars[0]
	assert.Equal(t, t0, first.StartTs)
	assert.Equal(t, t0+minuteMs, first.EndTs)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 100.1, first.High)
	assert.Equal(t, 100.0, first.Low)
	assert.Equal(t, 100.1, first.Close)
	assert.InDelta(t, 100.05, first.VWAP, 1e-9)
	assert.Equal(t, 20.0, first.Volume)
	assert.Equal(t, 2, first.Count)

	second := bars[1]
	assert.Equal(t, 99.9, second.Open)
	assert.Equal(t, 1, second.Count)
}

func TestEngine_OutOfOrderRejected(t *testing.T) {
	e := newPriceEngine(t)

	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + minuteMs, Value: 100}))
	err := e.Append("sh600000.price", Point{Ts: t0, Value: 99})
	require.ErrorIs(t, err, ErrOutOfOrder)

	// The rejected point must leave aggregates untouched.
	bar, ok, err := e.Latest("sh600000.price", Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, bar.Close)
	assert.Equal(t, 1, bar.Count)
}

func TestEngine_EqualTimestampAccepted(t *testing.T) {
	e := newPriceEngine(t)

	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100, Volume: 1}))
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 101, Volume: 1}))

	bar, ok, err := e.Latest("sh600000.price", Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, bar.Count)
	assert.Equal(t, 101.0, bar.Close)
}

func TestEngine_VWAPDegradesToCloseWithoutVolume(t *testing.T) {
	e := newPriceEngine(t)

	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100}))
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + 1000, Value: 102}))

	bar, _, err := e.Latest("sh600000.price", Gran1m)
	require.NoError(t, err)
	assert.Equal(t, 102.0, bar.VWAP)
}

func TestEngine_AllGranularitiesFoldTogether(t *testing.T) {
	e := newPriceEngine(t)
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100, Volume: 1}))

	for _, g := range AllGranularities {
		bar, ok, err := e.Latest("sh600000.price", g)
		require.NoError(t, err)
		require.True(t, ok, g)
		assert.Equal(t, 100.0, bar.Close, g)
		assert.LessOrEqual(t, bar.StartTs, t0, g)
	}
}

func TestEngine_ContinuousGapFilledFromPreviousClose(t *testing.T) {
	e := newPriceEngine(t)

	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100, Volume: 10}))
	// Three empty minutes, then trading resumes.
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + 4*minuteMs, Value: 104, Volume: 10}))

	bars, err := e.Query("sh600000.price", Gran1m, t0, t0+5*minuteMs)
	require.NoError(t, err)
	require.Len(t, bars, 5)

	for _, b := range bars[1:4] {
		assert.True(t, b.Synthetic)
		assert.Equal(t, 100.0, b.Close)
		assert.Equal(t, 100.0, b.Open)
		assert.Equal(t, 0.0, b.Volume)
		assert.Equal(t, 0, b.Count)
	}
	assert.False(t, bars[4].Synthetic)
}

func TestEngine_DiscreteGapFilledWithZeros(t *testing.T) {
	e := NewEngine(time.UTC)
	require.NoError(t, e.CreateSeries("sh600000.volume", Spec{
		Kind:   KindDiscrete,
		Fields: FieldVolume,
	}))

	require.NoError(t, e.Append("sh600000.volume", Point{Ts: t0, Value: 500, Volume: 500}))
	require.NoError(t, e.Append("sh600000.volume", Point{Ts: t0 + 2*minuteMs, Value: 300, Volume: 300}))

	bars, err := e.Query("sh600000.volume", Gran1m, t0, t0+3*minuteMs)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 500.0, bars[0].Volume)
	assert.True(t, bars[1].Synthetic)
	assert.Equal(t, 0.0, bars[1].Close)
	assert.Equal(t, 0.0, bars[1].Volume)
	assert.Equal(t, 300.0, bars[2].Volume)
}

func TestEngine_FieldSelectionLimitsAggregates(t *testing.T) {
	e := NewEngine(time.UTC)
	require.NoError(t, e.CreateSeries("sh600000.volume", Spec{
		Kind:   KindDiscrete,
		Fields: FieldVolume,
	}))
	require.NoError(t, e.CreateSeries("sh600000.mid", Spec{
		Kind:   KindContinuous,
		Fields: FieldOHLC,
	}))

	require.NoError(t, e.Append("sh600000.volume", Point{Ts: t0, Value: 500, Volume: 500}))
	require.NoError(t, e.Append("sh600000.mid", Point{Ts: t0, Value: 100, Volume: 10}))

	// A volume-only series exposes no price aggregates.
	bar, ok, err := e.Latest("sh600000.volume", Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 500.0, bar.Volume)
	assert.Equal(t, 0.0, bar.Close)
	assert.Equal(t, 0.0, bar.VWAP)
	assert.Equal(t, 1, bar.Count)

	// An OHLC-only series exposes neither VWAP nor volume.
	bar, ok, err = e.Latest("sh600000.mid", Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, bar.Close)
	assert.Equal(t, 0.0, bar.VWAP)
	assert.Equal(t, 0.0, bar.Volume)
}

func TestEngine_NoFabricationOutsideObservedRange(t *testing.T) {
	e := newPriceEngine(t)
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100}))

	bars, err := e.Query("sh600000.price", Gran1m, t0-10*minuteMs, t0+10*minuteMs)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, t0, bars[0].StartTs)
}

func TestEngine_QueryRangeBounds(t *testing.T) {
	e := newPriceEngine(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + int64(i)*minuteMs, Value: 100 + float64(i)}))
	}

	bars, err := e.Query("sh600000.price", Gran1m, t0+minuteMs, t0+3*minuteMs)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0+minuteMs, bars[0].StartTs)
	assert.Equal(t, t0+2*minuteMs, bars[1].StartTs)
}

func TestEngine_ClearBeforeKeepsSpanningBars(t *testing.T) {
	e := newPriceEngine(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 + int64(i)*minuteMs, Value: 100}))
	}

	cutoff := t0 + 5*minuteMs
	require.NoError(t, e.ClearBefore("sh600000.price", cutoff))

	oneMin, err := e.Query("sh600000.price", Gran1m, 0, t0+11*minuteMs)
	require.NoError(t, err)
	for _, b := range oneMin {
		assert.Greater(t, b.EndTs, cutoff)
	}

	// The daily bucket spans the cutoff and must survive.
	day, ok, err := e.Latest("sh600000.price", Gran1d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, day.Count)
}

func TestEngine_RemoveAndClear(t *testing.T) {
	e := newPriceEngine(t)
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100}))

	require.NoError(t, e.Clear("sh600000.price"))
	_, ok, err := e.Latest("sh600000.price", Gran1m)
	require.NoError(t, err)
	assert.False(t, ok)
	// Cleared series accepts older timestamps again.
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0 - minuteMs, Value: 99}))

	require.NoError(t, e.RemoveSeries("sh600000.price"))
	assert.ErrorIs(t, e.RemoveSeries("sh600000.price"), ErrSeriesNotFound)
	assert.False(t, e.HasSeries("sh600000.price"))
}

func TestEngine_Dump(t *testing.T) {
	e := newPriceEngine(t)
	require.NoError(t, e.Append("sh600000.price", Point{Ts: t0, Value: 100, Volume: 1}))

	dump, err := e.Dump("sh600000.price")
	require.NoError(t, err)
	assert.Equal(t, t0, dump.LastTs)
	assert.Len(t, dump.Tracks, len(AllGranularities))
	require.Len(t, dump.Tracks[Gran1m], 1)
	assert.Equal(t, 100.0, dump.Tracks[Gran1m][0].Close)
}

func TestGranularity_BucketStart(t *testing.T) {
	// Wednesday 2026-01-07 10:47:30 UTC.
	ref := time.Date(2026, 1, 7, 10, 47, 30, 0, time.UTC)
	ms := ref.UnixMilli()

	cases := []struct {
		g    Granularity
		want time.Time
	}{
		{Gran1m, time.Date(2026, 1, 7, 10, 47, 0, 0, time.UTC)},
		{Gran5m, time.Date(2026, 1, 7, 10, 45, 0, 0, time.UTC)},
		{Gran15m, time.Date(2026, 1, 7, 10, 45, 0, 0, time.UTC)},
		{Gran30m, time.Date(2026, 1, 7, 10, 30, 0, 0, time.UTC)},
		{Gran60m, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)},
		{Gran1d, time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)},
		{Gran1w, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}, // Monday
		{Gran1M, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(string(tc.g), func(t *testing.T) {
			assert.Equal(t, tc.want.UnixMilli(), tc.g.BucketStart(ms, time.UTC))
		})
	}
}

func TestGranularity_WeekStartsMondayAcrossSunday(t *testing.T) {
	sunday := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want.UnixMilli(), Gran1w.BucketStart(sunday.UnixMilli(), time.UTC))
}

func TestGranularity_NextCrossesMonthLengths(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, feb.UnixMilli(), Gran1M.Next(jan.UnixMilli(), time.UTC))
	assert.Equal(t, mar.UnixMilli(), Gran1M.Next(feb.UnixMilli(), time.UTC))
}

func TestParseGranularity(t *testing.T) {
	for _, s := range []string{"1m", "5m", "15m", "30m", "60m", "1d", "1w", "1M"} {
		g, err := ParseGranularity(s)
		require.NoError(t, err)
		assert.Equal(t, Granularity(s), g)
	}
	_, err := ParseGranularity("2h")
	assert.ErrorIs(t, err, ErrBadGranularity)
}
