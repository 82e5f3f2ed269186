package market

import (
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/templates"
	"github.com/aristath/marketsim/internal/timeseries"
)

const (
	smaPeriod   = 20
	rsiPeriod   = 14
	closeWindow = 128

	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// Advisory is one trader's current stance on one symbol.
type Advisory struct {
	Trader string  `json:"trader"`
	Symbol string  `json:"symbol"`
	Signal string  `json:"signal"`
	SMA    float64 `json:"sma"`
	RSI    float64 `json:"rsi"`
	Ts     int64   `json:"ts"`
}

// AITrader watches minute bars of its symbols, maintains indicator-based
// advisories and paper-trades its own signals against a virtual capital
// account. Its orders never move the walk; it is a read model fed to the
// details and export APIs.
type AITrader struct {
	KernelID kernel.ObjectID

	tpl      templates.TraderTemplate
	exchange *Exchange

	mu         sync.Mutex
	closes     map[string][]float64
	lastBarTs  map[string]int64
	lastClose  map[string]float64
	advisories map[string]Advisory
	cash       float64
	positions  map[string]float64

	log zerolog.Logger
}

// NewAITrader builds a trader bound to its parent exchange. The template's
// initial capital seeds the paper account.
func NewAITrader(tpl templates.TraderTemplate, exchange *Exchange) *AITrader {
	return &AITrader{
		tpl:        tpl,
		exchange:   exchange,
		closes:     make(map[string][]float64),
		lastBarTs:  make(map[string]int64),
		lastClose:  make(map[string]float64),
		advisories: make(map[string]Advisory),
		cash:       tpl.InitialCapital,
		positions:  make(map[string]float64),
		log:        log.With().Str("component", "trader").Str("trader", tpl.Name).Logger(),
	}
}

// riskFraction is the share of free cash one buy commits, by risk profile.
func (t *AITrader) riskFraction() float64 {
	switch t.tpl.RiskProfile {
	case templates.RiskConservative:
		return 0.2
	case templates.RiskAggressive:
		return 0.8
	default:
		return 0.5
	}
}

// Name returns the trader's display name.
func (t *AITrader) Name() string { return t.tpl.Name }

func (t *AITrader) OnBeginPlay() error {
	if err := t.exchange.attachTrader(t.KernelID, t); err != nil {
		return err
	}
	t.log.Debug().Strs("symbols", t.tpl.WatchSymbols).Str("strategy", t.tpl.Strategy).Msg("Trader joined")
	return nil
}

// OnTick samples the newest closed-or-open minute bar of every watched
// symbol and refreshes advisories once enough history has accumulated.
func (t *AITrader) OnTick(float64) error {
	if !t.exchange.Clock().IsTrading() {
		return nil
	}
	engine := t.exchange.Engine()
	for _, symbol := range t.tpl.WatchSymbols {
		bar, ok, err := engine.Latest(PriceSeriesID(symbol), timeseries.Gran1m)
		if err != nil || !ok {
			// Symbol not listed on this exchange or no data yet.
			continue
		}
		t.observe(symbol, bar)
	}
	return nil
}

func (t *AITrader) OnDestroy() error {
	t.exchange.detachTrader(t.KernelID)
	t.log.Debug().Msg("Trader left")
	return nil
}

// observe folds one minute bar into the per-symbol window, recomputing the
// advisory when a new bucket appears.
func (t *AITrader) observe(symbol string, bar timeseries.Bar) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastClose[symbol] = bar.Close

	window := t.closes[symbol]
	if bar.StartTs == t.lastBarTs[symbol] && len(window) > 0 {
		// Same bucket still open; track its moving close.
		window[len(window)-1] = bar.Close
		t.closes[symbol] = window
		return
	}
	t.lastBarTs[symbol] = bar.StartTs
	window = append(window, bar.Close)
	if len(window) > closeWindow {
		window = window[len(window)-closeWindow:]
	}
	t.closes[symbol] = window

	// The indicator libraries need a full warmup period before they yield
	// meaningful values; short windows produce a hold stance.
	advisory := Advisory{Trader: t.tpl.Name, Symbol: symbol, Signal: "hold", Ts: bar.StartTs}
	if len(window) > smaPeriod && len(window) > rsiPeriod {
		sma := talib.Sma(window, smaPeriod)
		rsi := talib.Rsi(window, rsiPeriod)
		advisory.SMA = sma[len(sma)-1]
		advisory.RSI = rsi[len(rsi)-1]
		close_ := window[len(window)-1]
		switch {
		case close_ > advisory.SMA && advisory.RSI < rsiOverbought:
			advisory.Signal = "buy"
		case close_ < advisory.SMA && advisory.RSI > rsiOversold:
			advisory.Signal = "sell"
		}
		t.executePaperTrade(symbol, advisory.Signal, close_)
	}
	t.advisories[symbol] = advisory
}

// executePaperTrade acts on a fresh signal at the given close. Buys commit
// the risk-profile fraction of free cash once per flat symbol; sells
// liquidate the whole position. Caller holds mu.
func (t *AITrader) executePaperTrade(symbol, signal string, price float64) {
	if price <= 0 {
		return
	}
	switch signal {
	case "buy":
		if t.positions[symbol] == 0 && t.cash > 0 {
			spend := t.cash * t.riskFraction()
			t.positions[symbol] = spend / price
			t.cash -= spend
		}
	case "sell":
		if shares := t.positions[symbol]; shares > 0 {
			t.cash += shares * price
			t.positions[symbol] = 0
		}
	}
}

// currentCapitalLocked marks the paper account to the latest closes.
// Caller holds mu.
func (t *AITrader) currentCapitalLocked() float64 {
	capital := t.cash
	for symbol, shares := range t.positions {
		capital += shares * t.lastClose[symbol]
	}
	return capital
}

// TraderSummary is a read-model row for one trader.
type TraderSummary struct {
	Name           string     `json:"name"`
	Strategy       string     `json:"strategy"`
	RiskProfile    string     `json:"riskProfile"`
	InitialCapital float64    `json:"initialCapital"`
	CurrentCapital float64    `json:"currentCapital"`
	Watching       []string   `json:"watching"`
	Advisories     []Advisory `json:"advisories"`
}

func (t *AITrader) summary() TraderSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	advisories := make([]Advisory, 0, len(t.advisories))
	for _, a := range t.advisories {
		advisories = append(advisories, a)
	}
	return TraderSummary{
		Name:           t.tpl.Name,
		Strategy:       t.tpl.Strategy,
		RiskProfile:    t.tpl.RiskProfile,
		InitialCapital: t.tpl.InitialCapital,
		CurrentCapital: t.currentCapitalLocked(),
		Watching:       t.tpl.WatchSymbols,
		Advisories:     advisories,
	}
}

// Advisories snapshots the trader's latest stance per symbol.
func (t *AITrader) Advisories() []Advisory {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Advisory, 0, len(t.advisories))
	for _, a := range t.advisories {
		out = append(out, a)
	}
	return out
}
