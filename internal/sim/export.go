package sim

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/marketsim/internal/market"
	"github.com/aristath/marketsim/internal/timeseries"
)

// ExportStats summarizes a bar range for downstream analysis tools.
type ExportStats struct {
	BarCount    int     `json:"barCount"`
	MeanClose   float64 `json:"meanClose"`
	StdDevClose float64 `json:"stdDevClose"`
	MinLow      float64 `json:"minLow"`
	MaxHigh     float64 `json:"maxHigh"`
	TotalVolume float64 `json:"totalVolume"`
	ReturnPct   float64 `json:"returnPct"`
}

// StockExport is one stock's bar history plus its summary statistics.
type StockExport struct {
	market.StockSummary
	Bars  []timeseries.Bar `json:"bars"`
	Stats ExportStats      `json:"stats"`
}

// ProcessStats captures process telemetry at export time. Probes that fail
// leave their fields at zero.
type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpuPercent"`
	MemUsedMB  uint64  `json:"memUsedMb"`
}

// RuntimeState is the live portion of an environment export.
type RuntimeState struct {
	Stocks      []StockExport          `json:"stocks"`
	Traders     []market.TraderSummary `json:"traders"`
	Performance ExportStats            `json:"performanceMetrics"`
	Statistics  ProcessStats           `json:"statistics"`
}

// ExportReport is a point-in-time snapshot of a whole environment.
type ExportReport struct {
	ExportedAt   time.Time      `json:"exportedAt"`
	Granularity  string         `json:"granularity"`
	FromMs       int64          `json:"fromMs"`
	ToMs         int64          `json:"toMs"`
	Environment  market.Summary `json:"environment"`
	RuntimeState RuntimeState   `json:"runtimeState"`
}

// Export snapshots an environment: its summary, every stock's bar history
// with per-stock statistics, every trader's advisories, and aggregate
// performance metrics across all listed stocks.
func (s *Service) Export(id, granularity string, fromMs, toMs int64) (*ExportReport, error) {
	exchange, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}

	report := &ExportReport{
		ExportedAt:  time.Now().UTC(),
		Granularity: granularity,
		FromMs:      fromMs,
		ToMs:        toMs,
		Environment: exchange.Summarize(),
		RuntimeState: RuntimeState{
			Traders: exchange.ListTraders(),
		},
	}

	var allBars []timeseries.Bar
	for _, stock := range exchange.ListStocks() {
		bars, err := s.QueryKLine(id, stock.Symbol, granularity, fromMs, toMs)
		if err != nil {
			return nil, err
		}
		report.RuntimeState.Stocks = append(report.RuntimeState.Stocks, StockExport{
			StockSummary: stock,
			Bars:         bars,
			Stats:        summarizeBars(bars),
		})
		allBars = append(allBars, bars...)
	}
	report.RuntimeState.Performance = summarizeBars(allBars)
	report.RuntimeState.Statistics = probeProcess()
	return report, nil
}

func probeProcess() ProcessStats {
	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsedMB = vm.Used / 1024 / 1024
	}
	return stats
}

// summarizeBars computes descriptive statistics over a bar range.
// Synthetic gap bars count toward the price statistics (they carry the held
// close) but contribute no volume.
func summarizeBars(bars []timeseries.Bar) ExportStats {
	stats := ExportStats{BarCount: len(bars)}
	if len(bars) == 0 {
		return stats
	}

	closes := make([]float64, len(bars))
	stats.MinLow = bars[0].Low
	stats.MaxHigh = bars[0].High
	for i, b := range bars {
		closes[i] = b.Close
		if b.Low < stats.MinLow {
			stats.MinLow = b.Low
		}
		if b.High > stats.MaxHigh {
			stats.MaxHigh = b.High
		}
		stats.TotalVolume += b.Volume
	}

	stats.MeanClose = stat.Mean(closes, nil)
	if len(closes) > 1 {
		stats.StdDevClose = stat.StdDev(closes, nil)
	}
	if open := bars[0].Open; open != 0 {
		stats.ReturnPct = (bars[len(bars)-1].Close - open) / open * 100
	}
	return stats
}
