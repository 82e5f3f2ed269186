package kernel

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubObject is a scriptable lifecycle object for kernel tests.
type stubObject struct {
	id         ObjectID
	beginCalls int
	tickCalls  int
	destroyed  int
	deltas     []float64

	beginErr  error
	tickErr   error
	tickFn    func()
	panicTick bool
}

func (s *stubObject) OnBeginPlay() error {
	s.beginCalls++
	return s.beginErr
}

func (s *stubObject) OnTick(dt float64) error {
	s.tickCalls++
	s.deltas = append(s.deltas, dt)
	if s.tickFn != nil {
		s.tickFn()
	}
	if s.panicTick {
		panic("tick panic")
	}
	return s.tickErr
}

func (s *stubObject) OnDestroy() error {
	s.destroyed++
	return nil
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	return New(Options{Log: zerolog.Nop()})
}

func create(t *testing.T, k *Kernel) (*stubObject, ObjectID) {
	t.Helper()
	stub := &stubObject{}
	id, err := k.Create(func(id ObjectID) Object {
		stub.id = id
		return stub
	})
	require.NoError(t, err)
	return stub, id
}

func TestKernel_CreateAssignsMonotonicIDs(t *testing.T) {
	k := newTestKernel(t)

	_, id1 := create(t, k)
	_, id2 := create(t, k)

	assert.Less(t, id1, id2)
	assert.Equal(t, 2, k.Status().ObjectCount)
}

func TestKernel_BeginPlayThenTick(t *testing.T) {
	k := newTestKernel(t)
	stub, id := create(t, k)

	k.Tick()
	assert.Equal(t, 1, stub.beginCalls)
	// Activation flushes at tick end; the first OnTick comes one tick later.
	assert.Equal(t, 0, stub.tickCalls)

	_, state, ok := k.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateActive, state)

	k.Tick()
	assert.Equal(t, 1, stub.tickCalls)
	assert.InDelta(t, 1.0/float64(DefaultFPS), stub.deltas[0], 1e-12)
}

func TestKernel_BeginPlayFailureDestroysObject(t *testing.T) {
	k := newTestKernel(t)
	stub := &stubObject{beginErr: errors.New("begin failed")}
	id, err := k.Create(func(ObjectID) Object { return stub })
	require.NoError(t, err)

	k.Tick() // Begin fails -> Destroying (flushed at tick end).
	k.Tick() // Destroy phase runs OnDestroy.

	assert.Equal(t, 1, stub.destroyed)
	_, _, ok := k.Lookup(id)
	assert.False(t, ok)
}

func TestKernel_FaultIsolation(t *testing.T) {
	// Two objects; A panics every tick, B must keep ticking and the kernel
	// must keep running.
	var faults []Fault
	k := New(Options{Log: zerolog.Nop(), OnFault: func(f Fault) { faults = append(faults, f) }})

	objA := &stubObject{panicTick: true}
	idA, err := k.Create(func(ObjectID) Object { return objA })
	require.NoError(t, err)
	objB, _ := create(t, k)

	for i := 0; i < 6; i++ {
		k.Tick()
	}

	// Tick 1 activates; ticks 2-4 fault A up to maxErrors=3; tick 5
	// destroys A; B ticks every frame after activation.
	assert.Equal(t, 3, objA.tickCalls)
	assert.Equal(t, 1, objA.destroyed)
	assert.Equal(t, 5, objB.tickCalls)
	for _, dt := range objB.deltas {
		assert.Greater(t, dt, 0.0)
	}

	_, _, ok := k.Lookup(idA)
	assert.False(t, ok)
	assert.Len(t, faults, 3)
	assert.Equal(t, PhaseAdvance, faults[0].Phase)
	assert.Equal(t, idA, faults[0].ObjectID)
}

func TestKernel_DestroyIdempotent(t *testing.T) {
	k := newTestKernel(t)
	stub, id := create(t, k)
	k.Tick()

	require.NoError(t, k.Destroy(id))
	require.NoError(t, k.Destroy(id))
	k.Tick()
	require.NoError(t, k.Destroy(id)) // Destroyed: still a no-op.

	assert.Equal(t, 1, stub.destroyed)
}

func TestKernel_DestroyUnknownID(t *testing.T) {
	k := newTestKernel(t)

	err := k.Destroy(9999)
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestKernel_PauseResume(t *testing.T) {
	k := newTestKernel(t)
	stub, id := create(t, k)
	k.Tick() // Activate.

	require.NoError(t, k.Pause(id))
	k.Tick()
	k.Tick()
	assert.Equal(t, 0, stub.tickCalls)

	require.NoError(t, k.Resume(id))
	k.Tick()
	assert.Equal(t, 1, stub.tickCalls)
}

func TestKernel_PauseInvalidFromReady(t *testing.T) {
	k := newTestKernel(t)
	_, id := create(t, k)

	err := k.Pause(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestKernel_ResumeInvalidFromActive(t *testing.T) {
	k := newTestKernel(t)
	_, id := create(t, k)
	k.Tick()

	err := k.Resume(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestKernel_StateSequenceMonotonic(t *testing.T) {
	// Observed states must be a prefix of
	// Ready, Active, (Active|Paused)*, Destroying, Destroyed.
	k := newTestKernel(t)
	_, id := create(t, k)

	_, state, _ := k.Lookup(id)
	assert.Equal(t, StateReady, state)

	k.Tick()
	_, state, _ = k.Lookup(id)
	assert.Equal(t, StateActive, state)

	require.NoError(t, k.Pause(id))
	_, state, _ = k.Lookup(id)
	assert.Equal(t, StatePaused, state)

	require.NoError(t, k.Resume(id))
	require.NoError(t, k.Destroy(id))
	_, state, _ = k.Lookup(id)
	assert.Equal(t, StateDestroying, state)

	k.Tick()
	_, _, ok := k.Lookup(id)
	assert.False(t, ok)
}

func TestKernel_CascadeDestroyViaMutator(t *testing.T) {
	k := newTestKernel(t)
	child, childID := create(t, k)

	parent := &cascadeParent{mutator: k.Mutator(), childID: childID}
	parentID, err := k.Create(func(ObjectID) Object { return parent })
	require.NoError(t, err)

	k.Tick() // Activate both.
	require.NoError(t, k.Destroy(parentID))
	k.Tick() // Parent OnDestroy requests child destruction.
	k.Tick() // Child OnDestroy runs.

	assert.Equal(t, 1, parent.destroyed)
	assert.Equal(t, 1, child.destroyed)
}

// cascadeParent destroys its child from inside OnDestroy, the way an
// exchange cascades to stocks and traders.
type cascadeParent struct {
	id        ObjectID
	mutator   Mutator
	childID   ObjectID
	destroyed int
}

func (p *cascadeParent) OnBeginPlay() error { return nil }
func (p *cascadeParent) OnTick(float64) error {
	return nil
}
func (p *cascadeParent) OnDestroy() error {
	p.destroyed++
	return p.mutator.DestroyObject(p.childID)
}

func TestKernel_DispatchDrainedAtTickStart(t *testing.T) {
	k := newTestKernel(t)

	var created ObjectID
	require.NoError(t, k.Dispatch(func() {
		id, err := k.Mutator().CreateObject(func(ObjectID) Object { return &stubObject{} })
		require.NoError(t, err)
		created = id
	}))

	k.Tick()
	_, state, ok := k.Lookup(created)
	require.True(t, ok)
	// Created at the safe point, then activated by the same tick's Begin phase.
	assert.Equal(t, StateActive, state)
}

func TestKernel_StopRunsFinalDestroyPass(t *testing.T) {
	k := newTestKernel(t)
	stub, id := create(t, k)
	k.Tick()
	require.NoError(t, k.Destroy(id))

	k.Stop()

	assert.Equal(t, 1, stub.destroyed)
	_, err := k.Create(func(ObjectID) Object { return &stubObject{} })
	assert.ErrorIs(t, err, ErrKernelStopped)
}

func TestKernel_StatusCounts(t *testing.T) {
	k := newTestKernel(t)
	create(t, k)
	create(t, k)

	status := k.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.ObjectCount)
	assert.Equal(t, 2, status.CountsByState[StateReady.String()])

	k.Tick()
	status = k.Status()
	assert.Equal(t, 2, status.CountsByState[StateActive.String()])
	assert.Equal(t, uint64(1), status.TotalTicks)
}

func TestKernel_SetFPSBounds(t *testing.T) {
	k := newTestKernel(t)

	assert.NoError(t, k.SetFPS(120))
	assert.NoError(t, k.SetFPS(1))
	assert.Error(t, k.SetFPS(0))
	assert.Error(t, k.SetFPS(121))
}

func TestKernel_AtMostOnePhasePerTick(t *testing.T) {
	// An object transitioning Ready->Active on tick N must not also receive
	// OnTick during tick N; one marked Destroying during Advance must not
	// receive OnDestroy the same tick.
	k := newTestKernel(t)
	stub, id := create(t, k)

	k.Tick()
	assert.Equal(t, 1, stub.beginCalls)
	assert.Equal(t, 0, stub.tickCalls)

	stub.tickFn = func() {
		_ = k.Mutator().DestroyObject(id)
	}
	k.Tick()
	assert.Equal(t, 1, stub.tickCalls)
	assert.Equal(t, 0, stub.destroyed)

	k.Tick()
	assert.Equal(t, 1, stub.tickCalls)
	assert.Equal(t, 1, stub.destroyed)
}
