package timeseries

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSeriesExists   = errors.New("series already exists")
	ErrSeriesNotFound = errors.New("series not found")
	ErrOutOfOrder     = errors.New("timestamp older than last ingested point")
)

// Engine aggregates raw observations into bars at every granularity as
// points arrive. Ingest happens on the simulation thread; queries may come
// from request handlers, so all access goes through a read-write lock.
type Engine struct {
	mu     sync.RWMutex
	series map[string]*series
	loc    *time.Location
	log    zerolog.Logger
}

// NewEngine builds an engine anchored to loc for calendar bucket math.
// A nil loc means UTC.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		series: make(map[string]*series),
		loc:    loc,
		log:    log.With().Str("component", "timeseries").Logger(),
	}
}

// CreateSeries registers a new series under id.
func (e *Engine) CreateSeries(id string, spec Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.series[id]; exists {
		return fmt.Errorf("%w: %s", ErrSeriesExists, id)
	}
	e.series[id] = newSeries(spec)
	e.log.Debug().Str("series", id).Msg("Series created")
	return nil
}

// RemoveSeries drops a series and all its aggregates.
func (e *Engine) RemoveSeries(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.series[id]; !exists {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	delete(e.series, id)
	return nil
}

// HasSeries reports whether id is registered.
func (e *Engine) HasSeries(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.series[id]
	return ok
}

// SeriesIDs returns the registered ids in lexical order.
func (e *Engine) SeriesIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.series))
	for id := range e.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append folds one observation into every granularity of a series. Points
// must arrive in non-decreasing timestamp order; equal timestamps fold into
// the same buckets.
func (e *Engine) Append(id string, p Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, exists := e.series[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	if s.hasAny && p.Ts < s.lastTs {
		return fmt.Errorf("%w: %d < %d", ErrOutOfOrder, p.Ts, s.lastTs)
	}
	for _, tr := range s.tracks {
		tr.fold(p, e.loc)
	}
	s.lastTs = p.Ts
	s.hasAny = true
	return nil
}

// Query returns the bars of one granularity whose start falls in
// [fromMs, toMs), oldest first. Interior gaps between observed bars are
// filled per the series kind: continuous series repeat the previous close
// as a flat synthetic bar, discrete series emit zero bars. Buckets before
// the first observation or after the last are never fabricated.
func (e *Engine) Query(id string, g Granularity, fromMs, toMs int64) ([]Bar, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, exists := e.series[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}

	bars := e.materialize(s, g)
	filled := make([]Bar, 0, len(bars))
	for i, b := range bars {
		if i > 0 {
			filled = e.fillGap(filled, s.spec.Kind, g, bars[i-1], b.StartTs)
		}
		filled = append(filled, b)
	}

	out := make([]Bar, 0, len(filled))
	for _, b := range filled {
		if b.StartTs >= fromMs && b.StartTs < toMs {
			out = append(out, b)
		}
	}
	return out, nil
}

// Latest returns the most recent bar of a granularity, preferring the
// still-open bucket.
func (e *Engine) Latest(id string, g Granularity) (Bar, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, exists := e.series[id]
	if !exists {
		return Bar{}, false, fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	tr := s.tracks[g]
	if tr.open != nil {
		return s.spec.mask(tr.open.bar(g.Next(tr.open.startTs, e.loc))), true, nil
	}
	if n := len(tr.closed); n > 0 {
		return s.spec.mask(tr.closed[n-1]), true, nil
	}
	return Bar{}, false, nil
}

// Clear wipes all aggregates of a series but keeps it registered.
func (e *Engine) Clear(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, exists := e.series[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	spec := s.spec
	e.series[id] = newSeries(spec)
	return nil
}

// ClearBefore drops closed bars that ended at or before cutoffMs. A bar
// spanning the cutoff survives, so a 1M bucket is kept as long as any part
// of it is newer than the cutoff. Open buckets are never dropped.
func (e *Engine) ClearBefore(id string, cutoffMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, exists := e.series[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	for _, tr := range s.tracks {
		keep := sort.Search(len(tr.closed), func(i int) bool {
			return tr.closed[i].EndTs > cutoffMs
		})
		if keep > 0 {
			tr.closed = append([]Bar(nil), tr.closed[keep:]...)
		}
	}
	return nil
}

// SeriesDump is a serializable snapshot of one series' aggregates.
type SeriesDump struct {
	Spec   Spec                  `msgpack:"spec"`
	LastTs int64                 `msgpack:"lastTs"`
	Tracks map[Granularity][]Bar `msgpack:"tracks"`
}

// Dump snapshots every granularity of a series, open buckets included.
func (e *Engine) Dump(id string) (SeriesDump, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, exists := e.series[id]
	if !exists {
		return SeriesDump{}, fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
	}
	dump := SeriesDump{
		Spec:   s.spec,
		LastTs: s.lastTs,
		Tracks: make(map[Granularity][]Bar, len(s.tracks)),
	}
	for g := range s.tracks {
		dump.Tracks[g] = e.materialize(s, g)
	}
	return dump, nil
}

// materialize returns closed bars plus a snapshot of the open bucket, with
// the series' field selection applied. Caller holds at least the read lock.
func (e *Engine) materialize(s *series, g Granularity) []Bar {
	tr := s.tracks[g]
	bars := make([]Bar, 0, len(tr.closed)+1)
	for _, b := range tr.closed {
		bars = append(bars, s.spec.mask(b))
	}
	if tr.open != nil {
		bars = append(bars, s.spec.mask(tr.open.bar(g.Next(tr.open.startTs, e.loc))))
	}
	return bars
}

// fillGap appends synthetic bars for every empty bucket between prev and
// the bucket opening at nextStart.
func (e *Engine) fillGap(dst []Bar, kind Kind, g Granularity, prev Bar, nextStart int64) []Bar {
	for start := prev.EndTs; start < nextStart; start = g.Next(start, e.loc) {
		end := g.Next(start, e.loc)
		b := Bar{StartTs: start, EndTs: end, Synthetic: true}
		if kind == KindContinuous {
			b.Open = prev.Close
			b.High = prev.Close
			b.Low = prev.Close
			b.Close = prev.Close
			b.VWAP = prev.Close
		}
		dst = append(dst, b)
		prev = b
	}
	return dst
}
