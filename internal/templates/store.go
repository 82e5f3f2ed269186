package templates

import (
	"context"
	"errors"
	"fmt"
)

// ErrTemplateNotFound means the referenced template does not exist. Jobs
// treat this as permanent and fail without retrying.
var ErrTemplateNotFound = errors.New("template not found")

// TransientError marks a failure worth retrying, such as a busy store or a
// flaky backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ExchangeTemplate describes one exchange environment to instantiate.
type ExchangeTemplate struct {
	ID           string
	Name         string
	Description  string
	OpenClock    string
	Acceleration float64
	StockIDs     []string
	TraderIDs    []string
}

// StockTemplate parameterizes one simulated stock.
type StockTemplate struct {
	ID               string
	Symbol           string
	Name             string
	Category         string
	TotalShares      int64
	InitialPrice     float64
	Volatility       float64
	BaseVolume       float64
	VolumeVolatility float64
}

// Risk profiles a trader template may declare.
const (
	RiskConservative = "conservative"
	RiskModerate     = "moderate"
	RiskAggressive   = "aggressive"
)

// ValidRiskProfile reports whether p is a known risk profile.
func ValidRiskProfile(p string) bool {
	switch p {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	}
	return false
}

// TraderTemplate parameterizes one automated trader.
type TraderTemplate struct {
	ID             string
	Name           string
	Strategy       string
	InitialCapital float64
	RiskProfile    string
	WatchSymbols   []string
}

// Store supplies templates to the instantiation pipeline.
type Store interface {
	FetchExchangeTemplate(ctx context.Context, id string) (*ExchangeTemplate, error)
	FetchStockTemplate(ctx context.Context, id string) (*StockTemplate, error)
	FetchTraderTemplate(ctx context.Context, id string) (*TraderTemplate, error)
}
