package timeseries

import (
	"time"
)

// Kind distinguishes how a series treats empty buckets at query time.
type Kind int

const (
	// KindContinuous series (prices) fabricate flat bars from the previous
	// close across empty buckets.
	KindContinuous Kind = iota
	// KindDiscrete series (volumes) fabricate all-zero bars.
	KindDiscrete
)

// Field selects which aggregates a series carries in its bars.
type Field int

const (
	FieldOHLC Field = 1 << iota
	FieldVWAP
	FieldVolume
)

// Spec declares a new series.
type Spec struct {
	Kind   Kind
	Fields Field
}

// mask zeroes the aggregates the series did not ask for. Applied when bars
// leave the engine, so ingest stays metric-agnostic.
func (sp Spec) mask(b Bar) Bar {
	if sp.Fields&FieldOHLC == 0 {
		b.Open, b.High, b.Low, b.Close = 0, 0, 0, 0
	}
	if sp.Fields&FieldVWAP == 0 {
		b.VWAP = 0
	}
	if sp.Fields&FieldVolume == 0 {
		b.Volume = 0
	}
	return b
}

// Point is one raw observation. Volume weights the VWAP for continuous
// series and is ignored for discrete ones.
type Point struct {
	Ts     int64
	Value  float64
	Volume float64
}

// Bar is one aggregated bucket. StartTs is inclusive, EndTs exclusive.
// Synthetic marks gap-fill bars fabricated at query time; they carry no
// observations (Count zero).
type Bar struct {
	StartTs   int64   `json:"startTs"`
	EndTs     int64   `json:"endTs"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
	VWAP      float64 `json:"vwap,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Count     int     `json:"count"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// bucket accumulates one in-progress bar incrementally, so appends stay
// O(granularities) regardless of how many points the bucket already holds.
type bucket struct {
	startTs int64
	open    float64
	high    float64
	low     float64
	close_  float64
	volume  float64
	sumPV   float64
	sumV    float64
	count   int
}

func (b *bucket) fold(p Point) {
	if b.count == 0 {
		b.open = p.Value
		b.high = p.Value
		b.low = p.Value
	} else {
		if p.Value > b.high {
			b.high = p.Value
		}
		if p.Value < b.low {
			b.low = p.Value
		}
	}
	b.close_ = p.Value
	b.volume += p.Volume
	b.sumPV += p.Value * p.Volume
	b.sumV += p.Volume
	b.count++
}

// bar freezes the accumulator into a Bar ending at endTs. When no volume
// was observed the VWAP degrades to the close.
func (b *bucket) bar(endTs int64) Bar {
	vwap := b.close_
	if b.sumV > 0 {
		vwap = b.sumPV / b.sumV
	}
	return Bar{
		StartTs: b.startTs,
		EndTs:   endTs,
		Open:    b.open,
		High:    b.high,
		Low:     b.low,
		Close:   b.close_,
		VWAP:    vwap,
		Volume:  b.volume,
		Count:   b.count,
	}
}

// track is one granularity's view of a series: closed bars in ascending
// order plus at most one open bucket.
type track struct {
	gran   Granularity
	closed []Bar
	open   *bucket
}

func (tr *track) fold(p Point, loc *time.Location) {
	start := tr.gran.BucketStart(p.Ts, loc)
	if tr.open != nil && tr.open.startTs != start {
		tr.closed = append(tr.closed, tr.open.bar(tr.gran.Next(tr.open.startTs, loc)))
		tr.open = nil
	}
	if tr.open == nil {
		tr.open = &bucket{startTs: start}
	}
	tr.open.fold(p)
}

// series holds every granularity track plus ingest ordering state.
type series struct {
	spec   Spec
	tracks map[Granularity]*track
	lastTs int64
	hasAny bool
}

func newSeries(spec Spec) *series {
	s := &series{spec: spec, tracks: make(map[Granularity]*track, len(AllGranularities))}
	for _, g := range AllGranularities {
		s.tracks[g] = &track{gran: g}
	}
	return s
}
