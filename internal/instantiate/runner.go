package instantiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/marketsim/internal/events"
	"github.com/aristath/marketsim/internal/kernel"
	"github.com/aristath/marketsim/internal/market"
	"github.com/aristath/marketsim/internal/simclock"
	"github.com/aristath/marketsim/internal/templates"
	"github.com/aristath/marketsim/internal/timeseries"
	"github.com/aristath/marketsim/internal/utils"
)

var (
	ErrTaskNotFound  = errors.New("instantiation task not found")
	ErrTaskFinished  = errors.New("instantiation task already finished")
	ErrQueueFull     = errors.New("instantiation queue full")
	ErrRunnerStopped = errors.New("instantiation runner stopped")
)

const queueCapacity = 64

// Config tunes the instantiation pipeline.
type Config struct {
	// PoolSize is the number of worker goroutines consuming the queue.
	PoolSize int
	// MaxConcurrent caps how many jobs may execute simultaneously; the
	// remaining workers block on the semaphore.
	MaxConcurrent int64
	// Timeout bounds one job end to end.
	Timeout time.Duration
	// RetryAttempts is the total number of tries for a transient template
	// fetch failure.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, scaled linearly.
	RetryBackoff time.Duration
	// ArchiveTTL is how long finished tasks stay queryable before Sweep
	// drops them.
	ArchiveTTL time.Duration

	// Trading and NonTrading configure every new environment's clock.
	Trading    []simclock.Interval
	NonTrading []simclock.Interval
	// DefaultOpenClock and DefaultAcceleration back-fill exchange templates
	// that leave the respective field empty.
	DefaultOpenClock    string
	DefaultAcceleration float64
	// Now is the startup reference handed to new clocks; nil means
	// time.Now. Tests pin it for deterministic virtual starting points.
	Now func() time.Time
	// Seed produces per-stock random walk seeds; nil derives from Now.
	Seed func() int64
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.ArchiveTTL <= 0 {
		c.ArchiveTTL = time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Seed == nil {
		c.Seed = func() int64 { return time.Now().UnixNano() }
	}
}

// Runner turns exchange templates into live kernel object graphs. Requests
// queue up for a fixed worker pool; a semaphore keeps the number of
// in-flight jobs below the concurrency cap even when the pool is larger.
type Runner struct {
	cfg      Config
	store    templates.Store
	k        *kernel.Kernel
	registry *market.Registry
	bus      *events.Bus
	history  *HistoryRepo

	sem   *semaphore.Weighted
	queue chan *task

	mu    sync.RWMutex
	tasks map[string]*task

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	log zerolog.Logger
}

// Deps carries the runner's collaborators. History and Bus are optional.
type Deps struct {
	Store    templates.Store
	Kernel   *kernel.Kernel
	Registry *market.Registry
	Bus      *events.Bus
	History  *HistoryRepo
}

func NewRunner(cfg Config, deps Deps) *Runner {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		store:    deps.Store,
		k:        deps.Kernel,
		registry: deps.Registry,
		bus:      deps.Bus,
		history:  deps.History,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		queue:    make(chan *task, queueCapacity),
		tasks:    make(map[string]*task),
		ctx:      ctx,
		stop:     cancel,
		log:      log.With().Str("component", "instantiate").Logger(),
	}
}

// Start launches the worker pool.
func (r *Runner) Start() {
	for i := 0; i < r.cfg.PoolSize; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.log.Info().
		Int("pool", r.cfg.PoolSize).
		Int64("maxConcurrent", r.cfg.MaxConcurrent).
		Msg("Instantiation runner started")
}

// Stop cancels in-flight jobs and waits for the pool to drain.
func (r *Runner) Stop() {
	r.stop()
	r.wg.Wait()
}

// Submit enqueues a new instantiation request on behalf of a user and
// returns its id.
func (r *Runner) Submit(templateID, userID string) (string, error) {
	if r.ctx.Err() != nil {
		return "", ErrRunnerStopped
	}
	t := newTask(uuid.NewString(), templateID, userID)

	r.mu.Lock()
	r.tasks[t.requestID] = t
	r.mu.Unlock()

	select {
	case r.queue <- t:
	default:
		r.mu.Lock()
		delete(r.tasks, t.requestID)
		r.mu.Unlock()
		return "", ErrQueueFull
	}
	r.log.Info().
		Str("request", t.requestID).
		Str("template", templateID).
		Str("user", userID).
		Msg("Instantiation queued")
	return t.requestID, nil
}

// Cancel asks a task to stop. Pending tasks are dropped before execution;
// running ones unwind through rollback.
func (r *Runner) Cancel(requestID string) error {
	t, ok := r.lookup(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, requestID)
	}
	if !t.requestCancel() {
		return fmt.Errorf("%w: %s", ErrTaskFinished, requestID)
	}
	r.publishResult(events.TypeJobCancelled, t)
	r.persist(t)
	return nil
}

// Progress returns the current snapshot of a task.
func (r *Runner) Progress(requestID string) (Snapshot, error) {
	t, ok := r.lookup(requestID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, requestID)
	}
	return t.snapshot(), nil
}

// List snapshots every known task, archived terminal ones included.
func (r *Runner) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Sweep drops terminal tasks older than the archive TTL, in memory and in
// the history table. Returns how many in-memory tasks were removed.
func (r *Runner) Sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.ArchiveTTL)

	r.mu.Lock()
	removed := 0
	for id, t := range r.tasks {
		s := t.snapshot()
		if s.State.Terminal() && !s.FinishedAt.IsZero() && s.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	r.mu.Unlock()

	if r.history != nil {
		if _, err := r.history.DeleteFinishedBefore(cutoff); err != nil {
			r.log.Warn().Err(err).Msg("Failed to sweep job history")
		}
	}
	return removed
}

func (r *Runner) lookup(requestID string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[requestID]
	return t, ok
}

func (r *Runner) worker(n int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case t := <-r.queue:
			if t.currentState() == StateCancelled {
				// Cancelled while still queued.
				continue
			}
			if err := r.sem.Acquire(r.ctx, 1); err != nil {
				return
			}
			r.run(t)
			r.sem.Release(1)
		}
	}
}

// run executes one job end to end, including rollback on any failure.
func (r *Runner) run(t *task) {
	defer utils.OperationTimer("environment_instantiation", r.log)()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()
	t.setRunning(cancel)
	r.progress(t, StageInitializing, 0)

	built, err := r.execute(ctx, t)
	switch {
	case err == nil:
		if !t.finish(StateCompleted, "") {
			// Cancelled at the finish line; unwind as if mid-creation.
			r.rollback(built)
			r.log.Info().Str("request", t.requestID).Msg("Instantiation cancelled, rolled back")
			break
		}
		r.progress(t, StageComplete, 100)
		r.publishResult(events.TypeJobCompleted, t)
		if r.bus != nil {
			r.bus.Publish(events.TypeEnvCreated, events.EnvironmentPayload{
				ExchangeID: built.exchange.ID,
				Name:       built.exchange.Name,
				Stocks:     len(built.stockIDs),
				Traders:    len(built.traderIDs),
			})
		}
		r.log.Info().Str("request", t.requestID).Str("exchange", built.exchange.ID).Msg("Environment created")

	case t.currentState() == StateCancelled || errors.Is(err, context.Canceled):
		r.rollback(built)
		if t.finish(StateCancelled, "cancelled") {
			r.publishResult(events.TypeJobCancelled, t)
		}
		r.log.Info().Str("request", t.requestID).Msg("Instantiation cancelled, rolled back")

	case errors.Is(err, context.DeadlineExceeded):
		r.rollback(built)
		t.finish(StateFailed, fmt.Sprintf("timed out after %s", r.cfg.Timeout))
		r.publishResult(events.TypeJobFailed, t)
		r.log.Warn().Str("request", t.requestID).Msg("Instantiation timed out, rolled back")

	default:
		r.rollback(built)
		t.finish(StateFailed, err.Error())
		r.publishResult(events.TypeJobFailed, t)
		r.log.Warn().Err(err).Str("request", t.requestID).Msg("Instantiation failed, rolled back")
	}
	r.persist(t)
}

// buildResult accumulates what a job has created so far, for rollback.
type buildResult struct {
	exchange  *market.Exchange
	kernelID  kernel.ObjectID
	stockIDs  []kernel.ObjectID
	traderIDs []kernel.ObjectID
}

func (r *Runner) execute(ctx context.Context, t *task) (*buildResult, error) {
	built := &buildResult{}

	if t.templateID == "" || t.userID == "" {
		return built, errors.New("templateId and userId are required")
	}

	// Stage 1: read templates, retrying transient store failures.
	r.progress(t, StageReadingTemplates, 1)
	exTpl, err := fetchWithRetry(ctx, r.cfg, func(ctx context.Context) (*templates.ExchangeTemplate, error) {
		return r.store.FetchExchangeTemplate(ctx, t.templateID)
	})
	if err != nil {
		return built, err
	}

	total := 1 + len(exTpl.StockIDs) + len(exTpl.TraderIDs)
	done := 1
	r.progress(t, StageReadingTemplates, done*percentTemplatesDone/total)

	stockTpls := make([]*templates.StockTemplate, 0, len(exTpl.StockIDs))
	for _, id := range exTpl.StockIDs {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		id := id
		tpl, err := fetchWithRetry(ctx, r.cfg, func(ctx context.Context) (*templates.StockTemplate, error) {
			return r.store.FetchStockTemplate(ctx, id)
		})
		if err != nil {
			return built, err
		}
		stockTpls = append(stockTpls, tpl)
		done++
		r.progress(t, StageReadingTemplates, done*percentTemplatesDone/total)
	}

	traderTpls := make([]*templates.TraderTemplate, 0, len(exTpl.TraderIDs))
	for _, id := range exTpl.TraderIDs {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		id := id
		tpl, err := fetchWithRetry(ctx, r.cfg, func(ctx context.Context) (*templates.TraderTemplate, error) {
			return r.store.FetchTraderTemplate(ctx, id)
		})
		if err != nil {
			return built, err
		}
		traderTpls = append(traderTpls, tpl)
		done++
		r.progress(t, StageReadingTemplates, done*percentTemplatesDone/total)
	}

	// Stage 2: build the object graph, exchange first so its lower id
	// ticks the clock ahead of its children.
	r.progress(t, StageCreatingObjects, percentTemplatesDone)

	openClock := exTpl.OpenClock
	if openClock == "" {
		openClock = r.cfg.DefaultOpenClock
	}
	accel := exTpl.Acceleration
	if accel == 0 {
		accel = r.cfg.DefaultAcceleration
	}
	clock, err := simclock.New(simclock.Config{
		OpenClock:    openClock,
		Acceleration: accel,
		Trading:      r.cfg.Trading,
		NonTrading:   r.cfg.NonTrading,
		Now:          r.cfg.Now,
	})
	if err != nil {
		return built, fmt.Errorf("invalid exchange template %s: %w", exTpl.ID, err)
	}

	exchange := market.NewExchange(uuid.NewString(), exTpl.Name, market.ExchangeDeps{
		Clock:       clock,
		Engine:      timeseries.NewEngine(nil),
		Mutator:     r.k.Mutator(),
		Bus:         r.bus,
		Description: exTpl.Description,
		Owner:       t.userID,
	})
	built.kernelID, err = r.createObject(ctx, func(id kernel.ObjectID) kernel.Object {
		exchange.KernelID = id
		return exchange
	})
	if err != nil {
		return built, fmt.Errorf("failed to create exchange object: %w", err)
	}
	built.exchange = exchange

	objects := 1
	totalObjects := 1 + len(stockTpls) + len(traderTpls)
	creationPercent := func() int {
		span := percentObjectsCap - percentTemplatesDone
		return percentTemplatesDone + objects*span/totalObjects
	}
	r.progress(t, StageCreatingObjects, creationPercent())

	for _, tpl := range stockTpls {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		if tpl.InitialPrice <= 0 {
			return built, fmt.Errorf("invalid stock template %s: initial price %.4f", tpl.ID, tpl.InitialPrice)
		}
		stock := market.NewStock(*tpl, exchange, r.cfg.Seed())
		id, err := r.createObject(ctx, func(id kernel.ObjectID) kernel.Object {
			stock.KernelID = id
			return stock
		})
		if err != nil {
			return built, fmt.Errorf("failed to create stock %s: %w", tpl.Symbol, err)
		}
		built.stockIDs = append(built.stockIDs, id)
		objects++
		r.progress(t, StageCreatingObjects, creationPercent())
	}

	for _, tpl := range traderTpls {
		if err := ctx.Err(); err != nil {
			return built, err
		}
		if tpl.InitialCapital <= 0 {
			return built, fmt.Errorf("invalid trader template %s: initial capital %.2f", tpl.ID, tpl.InitialCapital)
		}
		if !templates.ValidRiskProfile(tpl.RiskProfile) {
			return built, fmt.Errorf("invalid trader template %s: risk profile %q", tpl.ID, tpl.RiskProfile)
		}
		trader := market.NewAITrader(*tpl, exchange)
		id, err := r.createObject(ctx, func(id kernel.ObjectID) kernel.Object {
			trader.KernelID = id
			return trader
		})
		if err != nil {
			return built, fmt.Errorf("failed to create trader %s: %w", tpl.Name, err)
		}
		built.traderIDs = append(built.traderIDs, id)
		objects++
		r.progress(t, StageCreatingObjects, creationPercent())
	}

	if err := ctx.Err(); err != nil {
		return built, err
	}
	r.registry.Register(exchange)
	t.setExchangeID(exchange.ID)
	return built, nil
}

// createObject posts a construct message to the kernel and waits for the
// next tick's safe point to execute it. The closure re-checks the job
// context before building, so a job cancelled while the message is queued
// never leaves an orphan object behind.
func (r *Runner) createObject(ctx context.Context, build func(kernel.ObjectID) kernel.Object) (kernel.ObjectID, error) {
	done := make(chan struct{})
	var id kernel.ObjectID
	var err error
	if dErr := r.k.Dispatch(func() {
		defer close(done)
		if err = ctx.Err(); err != nil {
			return
		}
		id, err = r.k.Mutator().CreateObject(build)
	}); dErr != nil {
		return 0, dErr
	}

	select {
	case <-done:
		return id, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// rollback destroys whatever a failed job created, children before the
// exchange so nothing cascades twice. Unknown ids mean the kernel already
// collected the object and are ignored.
func (r *Runner) rollback(built *buildResult) {
	if built == nil || built.exchange == nil {
		return
	}
	for i := len(built.traderIDs) - 1; i >= 0; i-- {
		r.destroyQuiet(built.traderIDs[i])
	}
	for i := len(built.stockIDs) - 1; i >= 0; i-- {
		r.destroyQuiet(built.stockIDs[i])
	}
	r.destroyQuiet(built.kernelID)
	r.registry.Remove(built.exchange.ID)
}

func (r *Runner) destroyQuiet(id kernel.ObjectID) {
	if err := r.k.Destroy(id); err != nil && !errors.Is(err, kernel.ErrUnknownObject) {
		r.log.Warn().Err(err).Int64("object", int64(id)).Msg("Rollback destruction failed")
	}
}

// fetchWithRetry retries transient failures with linear backoff. Permanent
// failures and context errors return immediately.
func fetchWithRetry[T any](ctx context.Context, cfg Config, fetch func(context.Context) (*T, error)) (*T, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		tpl, err := fetch(ctx)
		if err == nil {
			return tpl, nil
		}
		lastErr = err
		if !templates.IsTransient(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

func (r *Runner) progress(t *task, stage Stage, percent int) {
	t.setProgress(stage, percent)
	if r.bus != nil {
		s := t.snapshot()
		r.bus.Publish(events.TypeJobProgress, events.JobProgressPayload{
			RequestID: s.RequestID,
			Stage:     string(s.Stage),
			Percent:   s.Percent,
		})
	}
}

func (r *Runner) publishResult(eventType string, t *task) {
	if r.bus == nil {
		return
	}
	s := t.snapshot()
	r.bus.Publish(eventType, events.JobResultPayload{
		RequestID: s.RequestID,
		Stage:     string(s.Stage),
		Error:     s.Error,
	})
}

func (r *Runner) persist(t *task) {
	if r.history == nil {
		return
	}
	if err := r.history.Upsert(t.snapshot()); err != nil {
		r.log.Warn().Err(err).Str("request", t.requestID).Msg("Failed to persist job history")
	}
}
