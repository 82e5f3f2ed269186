package events

// Event type names published on the bus.
const (
	TypeJobProgress     = "job.progress"
	TypeJobCompleted    = "job.completed"
	TypeJobFailed       = "job.failed"
	TypeJobCancelled    = "job.cancelled"
	TypeEnvCreated      = "environment.created"
	TypeEnvDestroyed    = "environment.destroyed"
	TypeObjectFault     = "kernel.fault"
	TypeClockAccelerate = "clock.acceleration_changed"
)

// JobProgressPayload reports instantiation job movement.
type JobProgressPayload struct {
	RequestID string `json:"requestId"`
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
}

// JobResultPayload closes out a job, successfully or not.
type JobResultPayload struct {
	RequestID string `json:"requestId"`
	Stage     string `json:"stage"`
	Error     string `json:"error,omitempty"`
}

// EnvironmentPayload identifies an exchange environment.
type EnvironmentPayload struct {
	ExchangeID string `json:"exchangeId"`
	Name       string `json:"name,omitempty"`
	Stocks     int    `json:"stocks,omitempty"`
	Traders    int    `json:"traders,omitempty"`
}

// FaultPayload surfaces an isolated object failure.
type FaultPayload struct {
	ObjectID int64  `json:"objectId"`
	Phase    string `json:"phase"`
	Cause    string `json:"cause"`
}

// ClockPayload reports an acceleration change on one exchange.
type ClockPayload struct {
	ExchangeID   string  `json:"exchangeId"`
	Acceleration float64 `json:"acceleration"`
}
