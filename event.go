package doser

import "time"

// Event is a telemetry record emitted by the dosing core. Delivery (AMQP,
// log, history store) is the consumer's responsibility.
type Event interface {
	EventName() string
}

var _ Event = (*StepComplete)(nil)
var _ Event = (*JobComplete)(nil)
var _ Event = (*StateChange)(nil)
var _ Event = (*Fault)(nil)

// StepComplete is emitted once per finished dosing step, successful or not.
// Outcome is "complete" for a step that reached its target and "aborted" for
// one cut short by a stop or fault.
type StepComplete struct {
	JobID      string    `json:"job_id"`
	Pump       PumpID    `json:"pump"`
	Chemical   string    `json:"chemical_name"`
	TargetG    float64   `json:"target_g"`
	ActualG    float64   `json:"actual_g"`
	ErrorG     float64   `json:"error_g"`
	Outcome    string    `json:"outcome"`
	RecipeName string    `json:"recipe_name"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (*StepComplete) EventName() string { return "step_complete" }

// JobComplete is emitted when a run terminates, whatever the outcome.
type JobComplete struct {
	JobID      string    `json:"job_id"`
	RecipeName string    `json:"recipe_name"`
	Steps      int       `json:"steps"`
	Completed  int       `json:"completed"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (*JobComplete) EventName() string { return "job_complete" }

// StateChange is emitted on every state machine transition.
type StateChange struct {
	From      SystemState `json:"from"`
	To        SystemState `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
}

func (*StateChange) EventName() string { return "state_change" }

// Fault is emitted when an error escalates to the ERROR state.
type Fault struct {
	Code      ErrorCode `json:"code"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

func (*Fault) EventName() string { return "fault" }
