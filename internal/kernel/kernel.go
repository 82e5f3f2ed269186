package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default tuning values.
const (
	DefaultFPS       = 30
	DefaultMaxErrors = 3
	MinFPS           = 1
	MaxFPS           = 120
)

// Options configures a Kernel.
type Options struct {
	FPS       int // Tick frequency; defaults to DefaultFPS
	MaxErrors int // Tick faults before forced destruction; defaults to DefaultMaxErrors
	Log       zerolog.Logger
	OnFault   func(Fault) // Optional fault observer (used by tests and metrics)
}

// Kernel is the fixed-cadence scheduler driving all registered objects.
// One kernel exists in production; tests may instantiate as many as needed.
//
// Scheduling is single-threaded cooperative: every lifecycle hook, every
// container flush and every state transition runs on the kernel goroutine
// while the kernel mutex is held. Public mutators serialise against the
// tick through the same mutex; callbacks use the Mutator surface instead.
type Kernel struct {
	mu  sync.Mutex
	log zerolog.Logger

	fps       int
	maxErrors int
	onFault   func(Fault)

	nextID  ObjectID
	objects map[ObjectID]*record
	retired map[ObjectID]struct{}

	ready      *container
	active     *container
	paused     *container
	destroying *container

	dispatch []func()

	running    bool
	stopped    bool
	startedAt  time.Time
	totalTicks uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Status is a read-only snapshot of the kernel.
type Status struct {
	Running       bool           `json:"running"`
	FPS           int            `json:"fps"`
	Uptime        time.Duration  `json:"uptime"`
	TotalTicks    uint64         `json:"total_ticks"`
	ObjectCount   int            `json:"object_count"`
	CountsByState map[string]int `json:"counts_by_state"`
}

// New creates a kernel. The kernel does not tick until Start is called;
// tests may drive it manually with Tick.
func New(opts Options) *Kernel {
	if opts.FPS == 0 {
		opts.FPS = DefaultFPS
	}
	if opts.MaxErrors == 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	return &Kernel{
		log:        opts.Log.With().Str("component", "kernel").Logger(),
		fps:        opts.FPS,
		maxErrors:  opts.MaxErrors,
		onFault:    opts.OnFault,
		objects:    make(map[ObjectID]*record),
		retired:    make(map[ObjectID]struct{}),
		ready:      newContainer(),
		active:     newContainer(),
		paused:     newContainer(),
		destroying: newContainer(),
	}
}

// Create instantiates an object in Ready state and enrolls it.
// The build callback receives the fresh id so objects can know their own
// identity. Fails once the kernel has been stopped.
func (k *Kernel) Create(build func(ObjectID) Object) (ObjectID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.createLocked(build)
}

// Destroy schedules an object for destruction. Idempotent for objects that
// are already Destroying or Destroyed; fails for ids never issued.
func (k *Kernel) Destroy(id ObjectID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyLocked(id)
}

// Pause transitions an Active object to Paused.
func (k *Kernel) Pause(id ObjectID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.objects[id]
	if !ok {
		return ErrUnknownObject
	}
	if rec.state != StateActive {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, rec.state)
	}
	k.active.remove(id)
	rec.state = StatePaused
	k.paused.add(rec)
	return nil
}

// Resume transitions a Paused object back to Active.
func (k *Kernel) Resume(id ObjectID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.objects[id]
	if !ok {
		return ErrUnknownObject
	}
	if rec.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, rec.state)
	}
	k.paused.remove(id)
	rec.state = StateActive
	k.active.add(rec)
	return nil
}

// SetFPS changes the tick frequency. Takes effect on the next Start.
func (k *Kernel) SetFPS(fps int) error {
	if fps < MinFPS || fps > MaxFPS {
		return fmt.Errorf("fps must be in [%d, %d], got %d", MinFPS, MaxFPS, fps)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fps = fps
	return nil
}

// Dispatch queues a closure to run on the kernel goroutine at the start of
// the next tick. This is how worker goroutines hand object construction to
// the kernel without touching live objects themselves.
func (k *Kernel) Dispatch(fn func()) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return ErrKernelStopped
	}
	k.dispatch = append(k.dispatch, fn)
	return nil
}

// Mutator returns the callback-side mutation surface. Only valid from
// inside lifecycle callbacks running on the kernel goroutine.
func (k *Kernel) Mutator() Mutator {
	return intraMutator{k: k}
}

// Running reports whether the tick loop is active.
func (k *Kernel) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Start launches the tick loop. Idempotent while running; fails after Stop.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stopped {
		return ErrKernelStopped
	}
	if k.running {
		return nil
	}

	k.running = true
	k.startedAt = time.Now()
	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})

	interval := time.Second / time.Duration(k.fps)
	go k.loop(interval, k.stopCh, k.doneCh)

	k.log.Info().Int("fps", k.fps).Msg("Kernel started")
	return nil
}

// Stop halts the tick loop, letting the in-flight tick finish, then runs a
// final pass over Destroying objects so OnDestroy always runs. The kernel
// cannot be restarted afterwards.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if !k.running {
		k.stopped = true
		k.finalDestroyLocked()
		k.mu.Unlock()
		return
	}
	stopCh := k.stopCh
	doneCh := k.doneCh
	k.mu.Unlock()

	close(stopCh)
	<-doneCh

	k.mu.Lock()
	k.running = false
	k.stopped = true
	k.finalDestroyLocked()
	k.mu.Unlock()

	k.log.Info().Msg("Kernel stopped")
}

// Status returns a snapshot of kernel state.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	uptime := time.Duration(0)
	if k.running {
		uptime = time.Since(k.startedAt)
	}
	return Status{
		Running:     k.running,
		FPS:         k.fps,
		Uptime:      uptime,
		TotalTicks:  k.totalTicks,
		ObjectCount: len(k.objects),
		CountsByState: map[string]int{
			StateReady.String():      k.ready.len(),
			StateActive.String():     k.active.len(),
			StatePaused.String():     k.paused.len(),
			StateDestroying.String(): k.destroying.len(),
		},
	}
}

// Lookup returns the object and its state for an id, if it is still live.
func (k *Kernel) Lookup(id ObjectID) (Object, State, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.objects[id]
	if !ok {
		return nil, StateDestroyed, false
	}
	return rec.obj, rec.state, true
}

// Tick advances the simulation by one frame. Exported so tests can drive
// the kernel deterministically without the timer loop.
func (k *Kernel) Tick() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tickLocked()
}

func (k *Kernel) loop(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			k.Tick()
		}
	}
}

// tickLocked runs one frame: dispatch drain, Begin, Advance, Destroy,
// container flush. Transitions produced during a tick become visible at the
// start of the next tick.
func (k *Kernel) tickLocked() {
	// Safe point: drain construct/teardown messages posted by workers.
	if len(k.dispatch) > 0 {
		queue := k.dispatch
		k.dispatch = nil
		for _, fn := range queue {
			fn()
		}
	}

	dt := 1.0 / float64(k.fps)

	k.ready.beginIter()
	k.active.beginIter()
	k.paused.beginIter()
	k.destroying.beginIter()
	defer func() {
		k.ready.endIter()
		k.active.endIter()
		k.paused.endIter()
		k.destroying.endIter()
		k.totalTicks++
	}()

	// Phase Begin.
	k.ready.forEach(func(rec *record) {
		if rec.state != StateReady {
			return
		}
		if err := k.invoke(rec, PhaseBegin, rec.obj.OnBeginPlay); err != nil {
			k.toDestroyingLocked(rec)
			return
		}
		k.ready.remove(rec.id)
		rec.state = StateActive
		k.active.add(rec)
	})

	// Phase Advance.
	k.active.forEach(func(rec *record) {
		if rec.state != StateActive {
			return
		}
		if err := k.invoke(rec, PhaseAdvance, func() error { return rec.obj.OnTick(dt) }); err != nil {
			rec.errorCount++
			if rec.errorCount >= k.maxErrors {
				k.log.Warn().
					Int64("object_id", int64(rec.id)).
					Int("errors", rec.errorCount).
					Msg("Object reached max tick errors, destroying")
				k.toDestroyingLocked(rec)
			}
		}
	})

	// Phase Destroy.
	k.destroying.forEach(func(rec *record) {
		k.finalizeLocked(rec)
	})
}

// finalDestroyLocked gives Destroying objects their OnDestroy call during
// shutdown. Cascaded destruction requests are honoured by looping until the
// destroying set drains.
func (k *Kernel) finalDestroyLocked() {
	for k.destroying.len() > 0 {
		k.destroying.beginIter()
		k.destroying.forEach(func(rec *record) {
			k.finalizeLocked(rec)
		})
		k.destroying.endIter()
	}
}

// finalizeLocked runs OnDestroy and retires the record. Failures are logged
// and cleanup proceeds anyway.
func (k *Kernel) finalizeLocked(rec *record) {
	_ = k.invoke(rec, PhaseDestroy, rec.obj.OnDestroy)

	rec.state = StateDestroyed
	k.destroying.remove(rec.id)
	delete(k.objects, rec.id)
	k.retired[rec.id] = struct{}{}
}

// invoke calls a lifecycle hook under isolation: panics become errors, and
// every failure is reported as a Fault without aborting the tick.
func (k *Kernel) invoke(rec *record, phase Phase, fn func() error) error {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", phase, r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return nil
	}

	fault := Fault{ObjectID: rec.id, Phase: phase, Cause: err}
	k.log.Error().
		Err(err).
		Int64("object_id", int64(rec.id)).
		Str("phase", phase.String()).
		Msg("Lifecycle fault")
	if k.onFault != nil {
		k.onFault(fault)
	}
	return err
}

func (k *Kernel) createLocked(build func(ObjectID) Object) (ObjectID, error) {
	if k.stopped {
		return 0, ErrKernelStopped
	}

	k.nextID++
	id := k.nextID
	obj := build(id)
	rec := &record{id: id, obj: obj, state: StateReady}
	k.objects[id] = rec
	k.ready.add(rec)
	return id, nil
}

func (k *Kernel) destroyLocked(id ObjectID) error {
	rec, ok := k.objects[id]
	if !ok {
		if _, wasLive := k.retired[id]; wasLive {
			return nil
		}
		return ErrUnknownObject
	}

	switch rec.state {
	case StateDestroying, StateDestroyed:
		return nil
	}
	k.toDestroyingLocked(rec)
	return nil
}

// toDestroyingLocked moves a record from its current container into the
// destroying set.
func (k *Kernel) toDestroyingLocked(rec *record) {
	switch rec.state {
	case StateReady:
		k.ready.remove(rec.id)
	case StateActive:
		k.active.remove(rec.id)
	case StatePaused:
		k.paused.remove(rec.id)
	default:
		return
	}
	rec.state = StateDestroying
	k.destroying.add(rec)
}

// intraMutator applies kernel mutations directly. It is handed to objects
// for use inside lifecycle callbacks, where the kernel mutex is already
// held by the calling goroutine.
type intraMutator struct {
	k *Kernel
}

func (m intraMutator) CreateObject(build func(ObjectID) Object) (ObjectID, error) {
	return m.k.createLocked(build)
}

func (m intraMutator) DestroyObject(id ObjectID) error {
	return m.k.destroyLocked(id)
}
