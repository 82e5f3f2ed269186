// Package kernel provides the fixed-cadence lifecycle scheduler that owns
// every simulated object and routes BeginPlay/Tick/Destroy calls to them.
package kernel

import "errors"

// ObjectID uniquely identifies a simulated object within one process.
// IDs are monotonic and never reused, even after the object is destroyed.
type ObjectID int64

// State is the lifecycle state of a simulated object.
type State int

const (
	// StateReady means the object has been created but OnBeginPlay has not run yet.
	StateReady State = iota
	// StateActive means the object is ticking.
	StateActive
	// StatePaused means the object is enrolled but skipped by the tick phase.
	StatePaused
	// StateDestroying means the object is scheduled for OnDestroy.
	StateDestroying
	// StateDestroyed means OnDestroy has run and the object has been dropped.
	StateDestroyed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateActive:
		return "Active"
	case StatePaused:
		return "Paused"
	case StateDestroying:
		return "Destroying"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Object is the lifecycle contract every simulated entity implements.
// All three hooks are invoked on the kernel goroutine, never concurrently
// with each other, and must not block.
type Object interface {
	// OnBeginPlay runs once when the object transitions Ready -> Active.
	// Returning an error schedules the object for destruction.
	OnBeginPlay() error

	// OnTick runs every frame while the object is Active.
	// deltaSeconds is the fixed frame duration (1/fps).
	OnTick(deltaSeconds float64) error

	// OnDestroy runs once when the object transitions to Destroyed.
	OnDestroy() error
}

// Phase identifies which lifecycle hook a fault came from.
type Phase int

const (
	// PhaseBegin is the OnBeginPlay phase.
	PhaseBegin Phase = iota
	// PhaseAdvance is the OnTick phase.
	PhaseAdvance
	// PhaseDestroy is the OnDestroy phase.
	PhaseDestroy
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "Begin"
	case PhaseAdvance:
		return "Advance"
	case PhaseDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// Fault describes an error raised (or panicked) by a lifecycle hook.
// Faults never abort the tick; they are reported and counted per object.
type Fault struct {
	ObjectID ObjectID
	Phase    Phase
	Cause    error
}

// Kernel errors.
var (
	// ErrKernelStopped is returned when creating objects after Stop().
	ErrKernelStopped = errors.New("kernel is stopped")
	// ErrUnknownObject is returned for ids the kernel has never issued.
	ErrUnknownObject = errors.New("unknown object id")
	// ErrInvalidTransition is returned for pause/resume outside Active<->Paused.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Mutator is the narrow kernel surface objects may use from inside their
// lifecycle callbacks (for example an exchange cascading destruction to its
// stocks). The kernel serialises all callback execution on its own
// goroutine, so calls through a Mutator are applied directly without
// additional locking. Using a Mutator from any other goroutine is a bug.
type Mutator interface {
	// CreateObject instantiates an object in Ready state.
	CreateObject(build func(ObjectID) Object) (ObjectID, error)
	// DestroyObject schedules an object for destruction. Idempotent for
	// objects already destroying or destroyed.
	DestroyObject(id ObjectID) error
}
