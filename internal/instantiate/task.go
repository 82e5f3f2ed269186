package instantiate

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle of one instantiation request.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage names the pipeline step a running task is in.
type Stage string

const (
	StageInitializing     Stage = "initializing"
	StageReadingTemplates Stage = "reading_templates"
	StageCreatingObjects  Stage = "creating_objects"
	StageComplete         Stage = "complete"
)

// Progress percentages at stage boundaries. Within a stage the percent
// interpolates by items processed and never moves backwards.
const (
	percentTemplatesDone = 70
	percentObjectsCap    = 99
)

// Snapshot is an immutable view of a task for the progress API.
type Snapshot struct {
	RequestID  string    `json:"requestId"`
	TemplateID string    `json:"templateId"`
	UserID     string    `json:"userId"`
	State      State     `json:"state"`
	Stage      Stage     `json:"stage"`
	Percent    int       `json:"percent"`
	Error      string    `json:"error,omitempty"`
	ExchangeID string    `json:"exchangeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// task is the runner's mutable bookkeeping for one request.
type task struct {
	mu sync.Mutex

	requestID  string
	templateID string
	userID     string
	state      State
	stage      Stage
	percent    int
	err        string
	exchangeID string
	createdAt  time.Time
	finishedAt time.Time

	cancel context.CancelFunc
}

func newTask(requestID, templateID, userID string) *task {
	return &task{
		requestID:  requestID,
		templateID: templateID,
		userID:     userID,
		state:      StatePending,
		stage:      StageInitializing,
		createdAt:  time.Now(),
	}
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		RequestID:  t.requestID,
		TemplateID: t.templateID,
		UserID:     t.userID,
		State:      t.state,
		Stage:      t.stage,
		Percent:    t.percent,
		Error:      t.err,
		ExchangeID: t.exchangeID,
		CreatedAt:  t.createdAt,
		FinishedAt: t.finishedAt,
	}
}

// setProgress moves the stage and percent forward. Regressions are clamped
// so observers always see a monotonic percentage.
func (t *task) setProgress(stage Stage, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
	if percent > t.percent {
		t.percent = percent
	}
}

func (t *task) setRunning(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateRunning
	t.cancel = cancel
}

// finish records a terminal state once; later calls are ignored.
func (t *task) finish(state State, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.err = errMsg
	t.finishedAt = time.Now()
	if state == StateCompleted {
		t.stage = StageComplete
		t.percent = 100
	}
	return true
}

func (t *task) setExchangeID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchangeID = id
}

// requestCancel fires the worker's context cancel if the task is still
// live. Returns false for terminal tasks.
func (t *task) requestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	// Pending tasks have no context yet; the worker checks state on pickup.
	t.state = StateCancelled
	t.finishedAt = time.Now()
	return true
}

func (t *task) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
