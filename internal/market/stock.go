package market

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/templates"
	"github.com/aristath/marketsim/internal/timeseries"
)

// Price emissions land on a fixed virtual cadence. Each stock emits at most
// one observation per kernel tick, once this much virtual time has passed
// since its last emission.
const emitCadenceMs = 1000

// PriceFloor keeps the random walk from reaching zero or going negative.
const PriceFloor = 0.01

// PriceSeriesID names the price series of a symbol within its exchange.
func PriceSeriesID(symbol string) string { return symbol + ".price" }

// VolumeSeriesID names the volume series of a symbol within its exchange.
func VolumeSeriesID(symbol string) string { return symbol + ".volume" }

// Stock is one listed instrument. While its exchange clock is inside a
// trading session it performs a random walk and feeds price and volume
// observations into the exchange's aggregation engine.
type Stock struct {
	KernelID kernel.ObjectID

	tpl      templates.StockTemplate
	exchange *Exchange

	mu       sync.Mutex
	price    float64
	lastEmit int64

	rng *rand.Rand
	log zerolog.Logger
}

// NewStock builds a stock bound to its parent exchange. seed pins the
// random walk for reproducible tests; pass a varying seed in production.
func NewStock(tpl templates.StockTemplate, exchange *Exchange, seed int64) *Stock {
	return &Stock{
		tpl:      tpl,
		exchange: exchange,
		price:    tpl.InitialPrice,
		rng:      rand.New(rand.NewSource(seed)),
		log:      log.With().Str("component", "stock").Str("symbol", tpl.Symbol).Logger(),
	}
}

// Symbol returns the instrument's ticker symbol.
func (s *Stock) Symbol() string { return s.tpl.Symbol }

// LastPrice returns the most recent walk price. Safe off-thread.
func (s *Stock) LastPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

func (s *Stock) summary() StockSummary {
	return StockSummary{
		Symbol:      s.tpl.Symbol,
		Name:        s.tpl.Name,
		Category:    s.tpl.Category,
		TotalShares: s.tpl.TotalShares,
		LastPrice:   s.LastPrice(),
	}
}

// OnBeginPlay registers the stock's two series and attaches to the parent.
func (s *Stock) OnBeginPlay() error {
	engine := s.exchange.Engine()
	if err := engine.CreateSeries(PriceSeriesID(s.tpl.Symbol), timeseries.Spec{
		Kind:   timeseries.KindContinuous,
		Fields: timeseries.FieldOHLC | timeseries.FieldVWAP | timeseries.FieldVolume,
	}); err != nil {
		return fmt.Errorf("failed to create price series: %w", err)
	}
	if err := engine.CreateSeries(VolumeSeriesID(s.tpl.Symbol), timeseries.Spec{
		Kind:   timeseries.KindDiscrete,
		Fields: timeseries.FieldVolume,
	}); err != nil {
		// Roll the price series back so a retry starts clean.
		_ = engine.RemoveSeries(PriceSeriesID(s.tpl.Symbol))
		return fmt.Errorf("failed to create volume series: %w", err)
	}
	if err := s.exchange.attachStock(s.KernelID, s); err != nil {
		_ = engine.RemoveSeries(PriceSeriesID(s.tpl.Symbol))
		_ = engine.RemoveSeries(VolumeSeriesID(s.tpl.Symbol))
		return err
	}

	clock := s.exchange.Clock()
	now := clock.Millis()
	s.mu.Lock()
	s.lastEmit = now
	var volume float64
	if clock.IsTrading() {
		volume = s.volumeSample()
	}
	s.mu.Unlock()

	// Listing during a session emits an opening observation at issue price.
	if volume > 0 {
		if err := engine.Append(PriceSeriesID(s.tpl.Symbol), timeseries.Point{
			Ts: now, Value: s.tpl.InitialPrice, Volume: volume,
		}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to emit listing point")
		} else if err := engine.Append(VolumeSeriesID(s.tpl.Symbol), timeseries.Point{
			Ts: now, Value: volume, Volume: volume,
		}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to emit listing volume")
		}
	}

	s.log.Debug().Float64("price", s.tpl.InitialPrice).Msg("Stock listed")
	return nil
}

// OnTick emits one observation when the clock has moved a full cadence step
// inside a trading session. Time jumped over closed periods produces no
// observations; the first emission after a jump lands at the new session's
// clock position.
func (s *Stock) OnTick(float64) error {
	clock := s.exchange.Clock()
	if !clock.IsTrading() {
		return nil
	}
	now := clock.Millis()

	s.mu.Lock()
	if now < s.lastEmit {
		// Clock was rewound by a snapshot restore; realign.
		s.lastEmit = now
	}
	if now-s.lastEmit < emitCadenceMs {
		s.mu.Unlock()
		return nil
	}
	s.lastEmit = now
	price := s.step()
	volume := s.volumeSample()
	s.mu.Unlock()

	// Rejected appends are logged and skipped; an emission miss must never
	// count as a lifecycle fault.
	engine := s.exchange.Engine()
	if err := engine.Append(PriceSeriesID(s.tpl.Symbol), timeseries.Point{
		Ts: now, Value: price, Volume: volume,
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append price point")
	}
	if err := engine.Append(VolumeSeriesID(s.tpl.Symbol), timeseries.Point{
		Ts: now, Value: volume, Volume: volume,
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append volume point")
	}
	return nil
}

// OnDestroy drops the stock's series and detaches from the parent.
func (s *Stock) OnDestroy() error {
	engine := s.exchange.Engine()
	_ = engine.RemoveSeries(PriceSeriesID(s.tpl.Symbol))
	_ = engine.RemoveSeries(VolumeSeriesID(s.tpl.Symbol))
	s.exchange.detachStock(s.KernelID)
	s.log.Debug().Msg("Stock delisted")
	return nil
}

// step advances the random walk by one cadence interval. Caller holds mu.
func (s *Stock) step() float64 {
	z := s.rng.NormFloat64()
	next := s.price * (1 + s.tpl.Volatility*z)
	if next < PriceFloor {
		next = PriceFloor
	}
	s.price = next
	return next
}

// volumeSample draws the traded volume for one interval. Caller holds mu.
func (s *Stock) volumeSample() float64 {
	z := s.rng.NormFloat64()
	v := math.Floor(s.tpl.BaseVolume * (1 + s.tpl.VolumeVolatility*z))
	if v < 1 {
		v = 1
	}
	return v
}
