package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aristath/marketsim/internal/events"
	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/simclock"
	"github.com/aristath/marketsim/internal/timeseries"
)

// Exchange is the root simulation object of one trading environment. It
// owns the virtual clock and the aggregation engine; its stocks and traders
// are separate kernel objects that reach both through their parent.
//
// The exchange is created before its children, so its lower object id makes
// the kernel advance the clock before any child reads it on the same tick.
type Exchange struct {
	ID          string
	Name        string
	Description string
	Owner       string

	KernelID kernel.ObjectID

	clock   *simclock.Clock
	engine  *timeseries.Engine
	mutator kernel.Mutator
	bus     *events.Bus

	createdAt time.Time

	mu         sync.RWMutex
	stocks     map[kernel.ObjectID]*Stock
	traders    map[kernel.ObjectID]*AITrader
	lastActive time.Time
	destroying bool

	log zerolog.Logger
}

// ExchangeDeps carries the collaborators and template data an exchange needs
// at build time.
type ExchangeDeps struct {
	Clock       *simclock.Clock
	Engine      *timeseries.Engine
	Mutator     kernel.Mutator
	Bus         *events.Bus
	Description string
	Owner       string
}

// NewExchange builds an exchange root object. The kernel object id is
// assigned by the caller's build callback.
func NewExchange(id, name string, deps ExchangeDeps) *Exchange {
	now := time.Now().UTC()
	return &Exchange{
		ID:          id,
		Name:        name,
		Description: deps.Description,
		Owner:       deps.Owner,
		clock:       deps.Clock,
		engine:      deps.Engine,
		mutator:     deps.Mutator,
		bus:         deps.Bus,
		createdAt:   now,
		lastActive:  now,
		stocks:      make(map[kernel.ObjectID]*Stock),
		traders:     make(map[kernel.ObjectID]*AITrader),
		log:         log.With().Str("component", "exchange").Str("exchange", id).Logger(),
	}
}

// Clock exposes the exchange's virtual clock.
func (e *Exchange) Clock() *simclock.Clock { return e.clock }

// Engine exposes the exchange's aggregation engine.
func (e *Exchange) Engine() *timeseries.Engine { return e.engine }

func (e *Exchange) OnBeginPlay() error {
	e.log.Info().Str("name", e.Name).Msg("Exchange started")
	return nil
}

// OnTick advances the virtual clock and stamps the exchange as active.
// Stocks and traders are ticked by the kernel in their own right.
func (e *Exchange) OnTick(dt float64) error {
	e.clock.Advance(dt)
	e.mu.Lock()
	e.lastActive = time.Now().UTC()
	e.mu.Unlock()
	return nil
}

// OnDestroy cascades destruction to every remaining child, traders first so
// they stop reading series that stocks are about to drop.
func (e *Exchange) OnDestroy() error {
	e.mu.Lock()
	e.destroying = true
	traderIDs := make([]kernel.ObjectID, 0, len(e.traders))
	for id := range e.traders {
		traderIDs = append(traderIDs, id)
	}
	stockIDs := make([]kernel.ObjectID, 0, len(e.stocks))
	for id := range e.stocks {
		stockIDs = append(stockIDs, id)
	}
	e.mu.Unlock()

	for _, id := range traderIDs {
		if err := e.mutator.DestroyObject(id); err != nil {
			e.log.Warn().Err(err).Int64("object", int64(id)).Msg("Failed to cascade trader destruction")
		}
	}
	for _, id := range stockIDs {
		if err := e.mutator.DestroyObject(id); err != nil {
			e.log.Warn().Err(err).Int64("object", int64(id)).Msg("Failed to cascade stock destruction")
		}
	}

	e.log.Info().Int("stocks", len(stockIDs)).Int("traders", len(traderIDs)).Msg("Exchange destroyed")
	if e.bus != nil {
		e.bus.Publish(events.TypeEnvDestroyed, events.EnvironmentPayload{ExchangeID: e.ID, Name: e.Name})
	}
	return nil
}

// attachStock registers a child. Fails while the exchange is tearing down
// so a late construct message cannot orphan an object.
func (e *Exchange) attachStock(id kernel.ObjectID, s *Stock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroying {
		return fmt.Errorf("exchange %s is being destroyed", e.ID)
	}
	e.stocks[id] = s
	return nil
}

func (e *Exchange) detachStock(id kernel.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stocks, id)
}

func (e *Exchange) attachTrader(id kernel.ObjectID, t *AITrader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroying {
		return fmt.Errorf("exchange %s is being destroyed", e.ID)
	}
	e.traders[id] = t
	return nil
}

func (e *Exchange) detachTrader(id kernel.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.traders, id)
}

// StockSummary is a read-model row for one listed stock.
type StockSummary struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Category    string  `json:"category,omitempty"`
	TotalShares int64   `json:"totalShares,omitempty"`
	LastPrice   float64 `json:"lastPrice"`
}

// Summary is a point-in-time read model of the exchange.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Owner        string    `json:"userId,omitempty"`
	VirtualTime  int64     `json:"virtualTime"`
	TimeState    string    `json:"timeState"`
	Acceleration float64   `json:"acceleration"`
	Stocks       int       `json:"stocks"`
	Traders      int       `json:"traders"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Summarize snapshots the exchange for the read API. Safe off-thread.
func (e *Exchange) Summarize() Summary {
	e.mu.RLock()
	stocks, traders := len(e.stocks), len(e.traders)
	lastActive := e.lastActive
	e.mu.RUnlock()
	return Summary{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		Owner:        e.Owner,
		VirtualTime:  e.clock.Millis(),
		TimeState:    e.clock.State().String(),
		Acceleration: e.clock.Acceleration(),
		Stocks:       stocks,
		Traders:      traders,
		CreatedAt:    e.createdAt,
		LastActiveAt: lastActive,
	}
}

// ListStocks snapshots the listed stocks for the read API.
func (e *Exchange) ListStocks() []StockSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StockSummary, 0, len(e.stocks))
	for _, s := range e.stocks {
		out = append(out, s.summary())
	}
	return out
}

// ListTraders snapshots the traders for the read API.
func (e *Exchange) ListTraders() []TraderSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TraderSummary, 0, len(e.traders))
	for _, t := range e.traders {
		out = append(out, t.summary())
	}
	return out
}

// ListAdvisories snapshots every trader's latest advisories.
func (e *Exchange) ListAdvisories() []Advisory {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Advisory
	for _, t := range e.traders {
		out = append(out, t.Advisories()...)
	}
	return out
}
