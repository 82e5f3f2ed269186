package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// SQLStore reads templates from the simulation database.
type SQLStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLStore creates a template store over an open connection.
func NewSQLStore(db *sql.DB, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:  db,
		log: log.With().Str("repo", "templates").Logger(),
	}
}

// FetchExchangeTemplate returns one exchange template by id.
func (s *SQLStore) FetchExchangeTemplate(ctx context.Context, id string) (*ExchangeTemplate, error) {
	query := `SELECT id, name, description, open_clock, acceleration, stock_ids, trader_ids
		FROM exchange_templates WHERE id = ?`

	var tpl ExchangeTemplate
	var stockIDs, traderIDs string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &tpl.OpenClock, &tpl.Acceleration, &stockIDs, &traderIDs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: exchange %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to query exchange template: %w", err)}
	}

	if err := json.Unmarshal([]byte(stockIDs), &tpl.StockIDs); err != nil {
		return nil, fmt.Errorf("failed to decode stock ids for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(traderIDs), &tpl.TraderIDs); err != nil {
		return nil, fmt.Errorf("failed to decode trader ids for %s: %w", id, err)
	}
	return &tpl, nil
}

// FetchStockTemplate returns one stock template by id.
func (s *SQLStore) FetchStockTemplate(ctx context.Context, id string) (*StockTemplate, error) {
	query := `SELECT id, symbol, name, category, total_shares, initial_price, volatility, base_volume, volume_volatility
		FROM stock_templates WHERE id = ?`

	var tpl StockTemplate
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Symbol, &tpl.Name, &tpl.Category, &tpl.TotalShares,
		&tpl.InitialPrice, &tpl.Volatility, &tpl.BaseVolume, &tpl.VolumeVolatility)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: stock %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to query stock template: %w", err)}
	}
	return &tpl, nil
}

// FetchTraderTemplate returns one trader template by id.
func (s *SQLStore) FetchTraderTemplate(ctx context.Context, id string) (*TraderTemplate, error) {
	query := `SELECT id, name, strategy, initial_capital, risk_profile, watch_symbols
		FROM trader_templates WHERE id = ?`

	var tpl TraderTemplate
	var watch string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Strategy, &tpl.InitialCapital, &tpl.RiskProfile, &watch)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: trader %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to query trader template: %w", err)}
	}

	if err := json.Unmarshal([]byte(watch), &tpl.WatchSymbols); err != nil {
		return nil, fmt.Errorf("failed to decode watch symbols for %s: %w", id, err)
	}
	return &tpl, nil
}

// SaveExchangeTemplate upserts an exchange template.
func (s *SQLStore) SaveExchangeTemplate(ctx context.Context, tpl *ExchangeTemplate) error {
	stockIDs, err := json.Marshal(tpl.StockIDs)
	if err != nil {
		return fmt.Errorf("failed to encode stock ids: %w", err)
	}
	traderIDs, err := json.Marshal(tpl.TraderIDs)
	if err != nil {
		return fmt.Errorf("failed to encode trader ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO exchange_templates
		(id, name, description, open_clock, acceleration, stock_ids, trader_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			open_clock = excluded.open_clock,
			acceleration = excluded.acceleration,
			stock_ids = excluded.stock_ids,
			trader_ids = excluded.trader_ids`,
		tpl.ID, tpl.Name, tpl.Description, tpl.OpenClock, tpl.Acceleration, string(stockIDs), string(traderIDs))
	if err != nil {
		return fmt.Errorf("failed to save exchange template: %w", err)
	}
	return nil
}

// SaveStockTemplate upserts a stock template.
func (s *SQLStore) SaveStockTemplate(ctx context.Context, tpl *StockTemplate) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stock_templates
		(id, symbol, name, category, total_shares, initial_price, volatility, base_volume, volume_volatility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			category = excluded.category,
			total_shares = excluded.total_shares,
			initial_price = excluded.initial_price,
			volatility = excluded.volatility,
			base_volume = excluded.base_volume,
			volume_volatility = excluded.volume_volatility`,
		tpl.ID, tpl.Symbol, tpl.Name, tpl.Category, tpl.TotalShares,
		tpl.InitialPrice, tpl.Volatility, tpl.BaseVolume, tpl.VolumeVolatility)
	if err != nil {
		return fmt.Errorf("failed to save stock template: %w", err)
	}
	return nil
}

// SaveTraderTemplate upserts a trader template.
func (s *SQLStore) SaveTraderTemplate(ctx context.Context, tpl *TraderTemplate) error {
	watch, err := json.Marshal(tpl.WatchSymbols)
	if err != nil {
		return fmt.Errorf("failed to encode watch symbols: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO trader_templates
		(id, name, strategy, initial_capital, risk_profile, watch_symbols)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			strategy = excluded.strategy,
			initial_capital = excluded.initial_capital,
			risk_profile = excluded.risk_profile,
			watch_symbols = excluded.watch_symbols`,
		tpl.ID, tpl.Name, tpl.Strategy, tpl.InitialCapital, tpl.RiskProfile, string(watch))
	if err != nil {
		return fmt.Errorf("failed to save trader template: %w", err)
	}
	return nil
}
