package templates

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory template store. Tests script failures into it
// to exercise the retry and rollback paths.
type MemoryStore struct {
	mu        sync.Mutex
	exchanges map[string]*ExchangeTemplate
	stocks    map[string]*StockTemplate
	traders   map[string]*TraderTemplate

	// failures maps a template id to an error returned instead of the
	// template. A positive count consumes one failure per fetch, so a
	// transient error can heal after N attempts. Zero count fails forever.
	failures map[string]*scriptedFailure
}

type scriptedFailure struct {
	err   error
	count int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exchanges: make(map[string]*ExchangeTemplate),
		stocks:    make(map[string]*StockTemplate),
		traders:   make(map[string]*TraderTemplate),
		failures:  make(map[string]*scriptedFailure),
	}
}

// PutExchange registers an exchange template.
func (m *MemoryStore) PutExchange(tpl *ExchangeTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges[tpl.ID] = tpl
}

// PutStock registers a stock template.
func (m *MemoryStore) PutStock(tpl *StockTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks[tpl.ID] = tpl
}

// PutTrader registers a trader template.
func (m *MemoryStore) PutTrader(tpl *TraderTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traders[tpl.ID] = tpl
}

// FailFetch scripts an error for a template id. count limits how many
// fetches fail before the store heals; zero means every fetch fails.
func (m *MemoryStore) FailFetch(id string, err error, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = &scriptedFailure{err: err, count: count}
}

func (m *MemoryStore) scripted(id string) error {
	f, ok := m.failures[id]
	if !ok {
		return nil
	}
	if f.count == 0 {
		return f.err
	}
	f.count--
	if f.count == 0 {
		delete(m.failures, id)
	}
	return f.err
}

func (m *MemoryStore) FetchExchangeTemplate(ctx context.Context, id string) (*ExchangeTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.scripted(id); err != nil {
		return nil, err
	}
	tpl, ok := m.exchanges[id]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrTemplateNotFound, id)
	}
	cp := *tpl
	return &cp, nil
}

func (m *MemoryStore) FetchStockTemplate(ctx context.Context, id string) (*StockTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.scripted(id); err != nil {
		return nil, err
	}
	tpl, ok := m.stocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: stock %s", ErrTemplateNotFound, id)
	}
	cp := *tpl
	return &cp, nil
}

func (m *MemoryStore) FetchTraderTemplate(ctx context.Context, id string) (*TraderTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.scripted(id); err != nil {
		return nil, err
	}
	tpl, ok := m.traders[id]
	if !ok {
		return nil, fmt.Errorf("%w: trader %s", ErrTemplateNotFound, id)
	}
	cp := *tpl
	return &cp, nil
}
