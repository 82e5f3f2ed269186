package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aristath/marketsim/internal/events"
	"github.com/aristath/marketsim/internal/instantiate"
	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/market"
	"github.com/aristath/marketsim/internal/timeseries"
)

var (
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrSymbolNotFound      = errors.New("symbol not listed on this environment")
)

// Service is the application facade over environments: creation jobs, the
// environment read model, and series queries.
type Service struct {
	registry *market.Registry
	runner   *instantiate.Runner
	k        *kernel.Kernel
	bus      *events.Bus
	log      zerolog.Logger
}

func NewService(registry *market.Registry, runner *instantiate.Runner, k *kernel.Kernel, bus *events.Bus) *Service {
	return &Service{
		registry: registry,
		runner:   runner,
		k:        k,
		bus:      bus,
		log:      log.With().Str("component", "sim").Logger(),
	}
}

// CreateEnvironment queues instantiation of an exchange template on behalf
// of a user and returns the request id for progress polling.
func (s *Service) CreateEnvironment(templateID, userID string) (string, error) {
	return s.runner.Submit(templateID, userID)
}

// CreationProgress reports the state of one instantiation request.
func (s *Service) CreationProgress(requestID string) (instantiate.Snapshot, error) {
	return s.runner.Progress(requestID)
}

// CancelCreation aborts a queued or running instantiation request.
func (s *Service) CancelCreation(requestID string) error {
	return s.runner.Cancel(requestID)
}

// ListCreations snapshots all known instantiation requests.
func (s *Service) ListCreations() []instantiate.Snapshot {
	return s.runner.List()
}

// ListEnvironments summarizes the live environments owned by userID. An
// empty userID lists everything, for operator tooling.
func (s *Service) ListEnvironments(userID string) []market.Summary {
	exchanges := s.registry.List()
	out := make([]market.Summary, 0, len(exchanges))
	for _, e := range exchanges {
		if userID != "" && e.Owner != userID {
			continue
		}
		out = append(out, e.Summarize())
	}
	return out
}

// lookup resolves an environment, enforcing ownership when userID is set.
// A foreign environment is indistinguishable from a missing one.
func (s *Service) lookup(id, userID string) (*market.Exchange, error) {
	exchange, ok := s.registry.Get(id)
	if !ok || (userID != "" && exchange.Owner != userID) {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	return exchange, nil
}

// Details is the full read model of one environment.
type Details struct {
	market.Summary
	Stocks     []market.StockSummary `json:"stocks"`
	Advisories []market.Advisory     `json:"advisories"`
}

// EnvironmentDetails returns the full read model of one environment.
func (s *Service) EnvironmentDetails(id, userID string) (*Details, error) {
	exchange, err := s.lookup(id, userID)
	if err != nil {
		return nil, err
	}
	return &Details{
		Summary:    exchange.Summarize(),
		Stocks:     exchange.ListStocks(),
		Advisories: exchange.ListAdvisories(),
	}, nil
}

// DestroyEnvironment removes an environment from the read model and marks
// its object graph for destruction; the kernel tears it down over the
// following ticks.
func (s *Service) DestroyEnvironment(id, userID string) error {
	exchange, err := s.lookup(id, userID)
	if err != nil {
		return err
	}
	if err := s.k.Destroy(exchange.KernelID); err != nil && !errors.Is(err, kernel.ErrUnknownObject) {
		return fmt.Errorf("failed to destroy exchange object: %w", err)
	}
	s.registry.Remove(id)
	s.log.Info().Str("exchange", id).Msg("Environment destruction requested")
	return nil
}

// SetAcceleration changes the virtual clock speed of one environment.
func (s *Service) SetAcceleration(id string, accel float64) error {
	exchange, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	if err := exchange.Clock().SetAcceleration(accel); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeClockAccelerate, events.ClockPayload{
			ExchangeID:   id,
			Acceleration: accel,
		})
	}
	return nil
}

// QueryKLine returns price bars for one symbol.
func (s *Service) QueryKLine(id, symbol, granularity string, fromMs, toMs int64) ([]timeseries.Bar, error) {
	return s.query(id, market.PriceSeriesID(symbol), granularity, fromMs, toMs)
}

// VolumeBucket is one window of trading volume summed across every stock
// listed on the environment.
type VolumeBucket struct {
	StartTs int64   `json:"startTs"`
	EndTs   int64   `json:"endTs"`
	Volume  float64 `json:"volume"`
}

// QueryVolumeTrend sums per-bucket trading volume across all stocks of an
// environment. The trend is derived at query time; nothing is precomputed.
func (s *Service) QueryVolumeTrend(id, granularity string, fromMs, toMs int64) ([]VolumeBucket, error) {
	exchange, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	gran, err := timeseries.ParseGranularity(granularity)
	if err != nil {
		return nil, err
	}

	byStart := make(map[int64]*VolumeBucket)
	for _, stock := range exchange.ListStocks() {
		bars, err := exchange.Engine().Query(market.VolumeSeriesID(stock.Symbol), gran, fromMs, toMs)
		if err != nil {
			if errors.Is(err, timeseries.ErrSeriesNotFound) {
				// Stock attached but not yet through its first tick.
				continue
			}
			return nil, err
		}
		for _, b := range bars {
			bucket, ok := byStart[b.StartTs]
			if !ok {
				bucket = &VolumeBucket{StartTs: b.StartTs, EndTs: b.EndTs}
				byStart[b.StartTs] = bucket
			}
			bucket.Volume += b.Volume
		}
	}

	out := make([]VolumeBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTs < out[j].StartTs })
	return out, nil
}

func (s *Service) query(id, seriesID, granularity string, fromMs, toMs int64) ([]timeseries.Bar, error) {
	exchange, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	gran, err := timeseries.ParseGranularity(granularity)
	if err != nil {
		return nil, err
	}
	bars, err := exchange.Engine().Query(seriesID, gran, fromMs, toMs)
	if err != nil {
		if errors.Is(err, timeseries.ErrSeriesNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, seriesID)
		}
		return nil, err
	}
	return bars, nil
}

// KernelStatus exposes the lifecycle kernel's counters.
func (s *Service) KernelStatus() kernel.Status {
	return s.k.Status()
}
