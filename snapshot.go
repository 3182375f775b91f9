package doser

// Snapshot is the read-only view of the core published to observers on every
// control tick. Observers never mutate core state; all control goes through
// the state machine's operation set.
type Snapshot struct {
	State       SystemState `json:"state"`
	ActivePump  PumpID      `json:"active_pump"`
	Progress    float64     `json:"progress"`
	FlowMlMin   float64     `json:"flow_ml_min"`
	RecipeIndex int         `json:"recipe_index"`
	StepIndex   int         `json:"step_index"`
	LastError   ErrorCode   `json:"last_error"`
}
