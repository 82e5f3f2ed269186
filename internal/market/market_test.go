package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/simclock"
	"github.com/aristath/marketsim/internal/templates"
	"github.com/aristath/marketsim/internal/timeseries"
)

var stockTpl = templates.StockTemplate{
	ID:               "stk-1",
	Symbol:           "sh600000",
	Name:             "Pudong Bank",
	InitialPrice:     10.0,
	Volatility:       0.02,
	BaseVolume:       10000,
	VolumeVolatility: 0.3,
}

type harness struct {
	k        *kernel.Kernel
	exchange *Exchange
}

// newHarness builds a kernel-hosted exchange with its clock pinned to the
// given virtual time. Acceleration 60 makes each default-FPS tick advance
// two virtual seconds, enough to cross the emit cadence every tick.
func newHarness(t *testing.T, at time.Time, accel float64) *harness {
	t.Helper()
	k := kernel.New(kernel.Options{Log: zerolog.Nop()})
	clock, err := simclock.New(simclock.Config{
		Acceleration: accel,
		Now:          func() time.Time { return at },
	})
	require.NoError(t, err)
	clock.SetMillis(at.UnixMilli())

	exchange := NewExchange("exch-1", "Test Exchange", ExchangeDeps{
		Clock:   clock,
		Engine:  timeseries.NewEngine(time.UTC),
		Mutator: k.Mutator(),
	})
	id, err := k.Create(func(id kernel.ObjectID) kernel.Object {
		exchange.KernelID = id
		return exchange
	})
	require.NoError(t, err)
	exchange.KernelID = id
	return &harness{k: k, exchange: exchange}
}

func (h *harness) addStock(t *testing.T, tpl templates.StockTemplate, seed int64) *Stock {
	t.Helper()
	s := NewStock(tpl, h.exchange, seed)
	_, err := h.k.Create(func(id kernel.ObjectID) kernel.Object {
		s.KernelID = id
		return s
	})
	require.NoError(t, err)
	return s
}

func (h *harness) addTrader(t *testing.T, tpl templates.TraderTemplate) *AITrader {
	t.Helper()
	tr := NewAITrader(tpl, h.exchange)
	_, err := h.k.Create(func(id kernel.ObjectID) kernel.Object {
		tr.KernelID = id
		return tr
	})
	require.NoError(t, err)
	return tr
}

func tradingMonday() time.Time {
	return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
}

func TestStock_BeginPlayRegistersSeries(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	h.addStock(t, stockTpl, 1)

	h.k.Tick()

	engine := h.exchange.Engine()
	assert.True(t, engine.HasSeries(PriceSeriesID("sh600000")))
	assert.True(t, engine.HasSeries(VolumeSeriesID("sh600000")))
	assert.Len(t, h.exchange.ListStocks(), 1)
}

func TestStock_EmitsDuringTradingSession(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	stock := h.addStock(t, stockTpl, 1)

	h.k.Tick() // Activate.
	for i := 0; i < 10; i++ {
		h.k.Tick()
	}

	// One listing point at BeginPlay plus one emission per tick.
	bar, ok, err := h.exchange.Engine().Latest(PriceSeriesID("sh600000"), timeseries.Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11, bar.Count)
	assert.Equal(t, 10.0, bar.Open)
	assert.Greater(t, bar.Close, 0.0)
	assert.NotEqual(t, 10.0, stock.LastPrice())

	vol, ok, err := h.exchange.Engine().Latest(VolumeSeriesID("sh600000"), timeseries.Gran1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, vol.Volume, 1.0)
}

func TestStock_AppendFailureDoesNotFault(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	stock := h.addStock(t, stockTpl, 1)
	h.k.Tick() // Activate.

	// Dropping the series makes every emission append fail; the stock must
	// keep ticking instead of accumulating lifecycle faults.
	engine := h.exchange.Engine()
	require.NoError(t, engine.RemoveSeries(PriceSeriesID("sh600000")))
	require.NoError(t, engine.RemoveSeries(VolumeSeriesID("sh600000")))

	for i := 0; i < 6; i++ {
		h.k.Tick()
	}

	_, state, ok := h.k.Lookup(stock.KernelID)
	require.True(t, ok)
	assert.Equal(t, kernel.StateActive, state)
}

func TestStock_SilentOutsideTradingSession(t *testing.T) {
	// Sunday: the clock reports a non-trading day and the walk must not move.
	sunday := time.Date(2026, 1, 4, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, sunday, 60)
	stock := h.addStock(t, stockTpl, 1)

	h.k.Tick()
	for i := 0; i < 10; i++ {
		h.k.Tick()
	}

	assert.Equal(t, 10.0, stock.LastPrice())
	_, ok, err := h.exchange.Engine().Latest(PriceSeriesID("sh600000"), timeseries.Gran1m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStock_WalkIsDeterministicPerSeed(t *testing.T) {
	a := NewStock(stockTpl, nil, 42)
	b := NewStock(stockTpl, nil, 42)

	for i := 0; i < 100; i++ {
		pa, pb := a.step(), b.step()
		assert.Equal(t, pa, pb)
		assert.GreaterOrEqual(t, pa, PriceFloor)
	}
}

func TestStock_VolumeNeverBelowOne(t *testing.T) {
	tpl := stockTpl
	tpl.BaseVolume = 1
	tpl.VolumeVolatility = 5 // Wild swings to force negative draws.
	s := NewStock(tpl, nil, 7)

	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, s.volumeSample(), 1.0)
	}
}

func TestStock_DestroyRemovesSeries(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	stock := h.addStock(t, stockTpl, 1)

	h.k.Tick()
	require.NoError(t, h.k.Destroy(stock.KernelID))
	h.k.Tick()

	engine := h.exchange.Engine()
	assert.False(t, engine.HasSeries(PriceSeriesID("sh600000")))
	assert.False(t, engine.HasSeries(VolumeSeriesID("sh600000")))
	assert.Empty(t, h.exchange.ListStocks())
}

func TestExchange_CascadeDestroy(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	stock := h.addStock(t, stockTpl, 1)
	trader := h.addTrader(t, templates.TraderTemplate{
		ID: "trd-1", Name: "momentum", Strategy: "sma_cross", WatchSymbols: []string{"sh600000"},
	})

	h.k.Tick() // Activate all.
	require.NoError(t, h.k.Destroy(h.exchange.KernelID))
	h.k.Tick() // Exchange OnDestroy cascades.
	h.k.Tick() // Children OnDestroy run.

	_, _, ok := h.k.Lookup(stock.KernelID)
	assert.False(t, ok)
	_, _, ok = h.k.Lookup(trader.KernelID)
	assert.False(t, ok)
	assert.Equal(t, 0, h.k.Status().ObjectCount)
}

func TestExchange_AttachRejectedWhileDestroying(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	h.k.Tick()

	require.NoError(t, h.k.Destroy(h.exchange.KernelID))
	h.k.Tick() // OnDestroy marks destroying.

	late := NewStock(stockTpl, h.exchange, 1)
	err := h.exchange.attachStock(99, late)
	assert.Error(t, err)
}

func TestExchange_Summarize(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	h.addStock(t, stockTpl, 1)
	h.k.Tick()

	sum := h.exchange.Summarize()
	assert.Equal(t, "exch-1", sum.ID)
	assert.Equal(t, 1, sum.Stocks)
	assert.Equal(t, 60.0, sum.Acceleration)
	assert.Equal(t, "morning_session", sum.TimeState)
	assert.False(t, sum.CreatedAt.IsZero())
	assert.False(t, sum.LastActiveAt.IsZero())
}

func TestTrader_HoldsUntilWarmup(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	h.addStock(t, stockTpl, 1)
	trader := h.addTrader(t, templates.TraderTemplate{
		ID: "trd-1", Name: "momentum", Strategy: "sma_cross", WatchSymbols: []string{"sh600000"},
	})

	h.k.Tick()
	for i := 0; i < 5; i++ {
		h.k.Tick()
	}

	advisories := trader.Advisories()
	require.NotEmpty(t, advisories)
	assert.Equal(t, "hold", advisories[0].Signal)
	assert.Equal(t, "sh600000", advisories[0].Symbol)
}

func TestTrader_ComputesIndicatorsAfterWarmup(t *testing.T) {
	trader := NewAITrader(templates.TraderTemplate{
		ID: "trd-1", Name: "momentum", WatchSymbols: []string{"sh600000"},
	}, nil)

	// Feed an uptrend with pullbacks: gains outweigh losses two to one, so
	// the RSI settles near 67 and the last close sits above the SMA.
	start := tradingMonday().UnixMilli()
	price := 100.0
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			price += 1.0
		} else {
			price -= 0.5
		}
		trader.observe("sh600000", timeseries.Bar{
			StartTs: start + int64(i)*60_000,
			Close:   price,
		})
	}

	advisories := trader.Advisories()
	require.Len(t, advisories, 1)
	a := advisories[0]
	assert.Equal(t, "buy", a.Signal)
	assert.Greater(t, a.SMA, 0.0)
	assert.Greater(t, a.RSI, 50.0)
}

func TestTrader_PaperTradesOwnSignals(t *testing.T) {
	trader := NewAITrader(templates.TraderTemplate{
		ID: "trd-1", Name: "momentum", Strategy: "sma_cross",
		InitialCapital: 10000, RiskProfile: templates.RiskConservative,
		WatchSymbols: []string{"sh600000"},
	}, nil)

	start := tradingMonday().UnixMilli()
	price := 100.0
	bar := 0
	feed := func(n int, even, odd float64) {
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				price += even
			} else {
				price += odd
			}
			trader.observe("sh600000", timeseries.Bar{
				StartTs: start + int64(bar)*60_000,
				Close:   price,
			})
			bar++
		}
	}

	// Uptrend past warmup: the first buy commits the conservative fifth of
	// the account and the position marks up with the rising closes.
	feed(40, 1.0, -0.5)
	sum := trader.summary()
	assert.Equal(t, templates.RiskConservative, sum.RiskProfile)
	assert.Equal(t, 10000.0, sum.InitialCapital)
	assert.InDelta(t, 8000.0, trader.cash, 1e-9)
	assert.Greater(t, trader.positions["sh600000"], 0.0)
	assert.Greater(t, sum.CurrentCapital, sum.InitialCapital)

	// Downtrend with bounces keeps the RSI above oversold, so the sell
	// signal fires and the position is liquidated back into cash.
	feed(60, -1.0, 0.5)
	sum = trader.summary()
	assert.Zero(t, trader.positions["sh600000"])
	assert.Greater(t, trader.cash, 8000.0)
	assert.InDelta(t, trader.cash, sum.CurrentCapital, 1e-9)
}

func TestTrader_IgnoresUnknownSymbol(t *testing.T) {
	h := newHarness(t, tradingMonday(), 60)
	trader := h.addTrader(t, templates.TraderTemplate{
		ID: "trd-1", Name: "momentum", WatchSymbols: []string{"unlisted"},
	})

	h.k.Tick()
	for i := 0; i < 3; i++ {
		h.k.Tick()
	}

	assert.Empty(t, trader.Advisories())
	// No faults: the trader must still be alive.
	_, state, ok := h.k.Lookup(trader.KernelID)
	require.True(t, ok)
	assert.Equal(t, kernel.StateActive, state)
}
