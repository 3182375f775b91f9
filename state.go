package doser

// SystemState is the top-level mode of the rig. Exactly one value is live at
// any time; the state machine in the control package is the only mutator.
type SystemState int

const (
	StateInit SystemState = iota
	StateIdle
	StateRecipeSelect
	StateDosingPreCheck
	StateDosingPriming
	StateDosingActive
	StateDosingPaused
	StateDosingComplete
	StateError
)

var stateNames = map[SystemState]string{
	StateInit:           "INIT",
	StateIdle:           "IDLE",
	StateRecipeSelect:   "RECIPE_SELECT",
	StateDosingPreCheck: "DOSING_PRE_CHECK",
	StateDosingPriming:  "DOSING_PRIMING",
	StateDosingActive:   "DOSING_ACTIVE",
	StateDosingPaused:   "DOSING_PAUSED",
	StateDosingComplete: "DOSING_COMPLETE",
	StateError:          "ERROR",
}

func (s SystemState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Dosing reports whether the state is one of the active dosing phases during
// which pump motion may be in progress.
func (s SystemState) Dosing() bool {
	switch s {
	case StateDosingPriming, StateDosingActive, StateDosingPaused:
		return true
	}
	return false
}
