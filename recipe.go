package doser

import "fmt"

// Ingredient is one step of a recipe: dispense TargetG grams from a pump at
// FlowMlMin. A zero TargetG is a valid no-op step and is skipped.
type Ingredient struct {
	Pump      PumpID  `json:"pump"`
	Chemical  string  `json:"chemical_name"`
	TargetG   float64 `json:"target_g"`
	FlowMlMin float64 `json:"flow_ml_min"`
}

// Recipe is an immutable, named, ordered list of dosing steps. Recipes are
// created at configuration time and never mutated during a run.
type Recipe struct {
	Name  string       `json:"name"`
	Steps []Ingredient `json:"steps"`
}

// Limits bounds what a sane recipe step may ask for. Zero values disable the
// corresponding check.
type Limits struct {
	MaxFlowMlMin float64
	MaxTargetG   float64
}

// Validate checks every step against the pump set and the given limits.
func (r *Recipe) Validate(lim Limits) error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("recipe %q has no steps", r.Name)
	}
	for i, s := range r.Steps {
		if !s.Pump.Valid() {
			return fmt.Errorf("recipe %q step %d: unknown pump %d", r.Name, i, s.Pump)
		}
		if s.TargetG < 0 {
			return fmt.Errorf("recipe %q step %d: negative target mass %.3f", r.Name, i, s.TargetG)
		}
		if s.FlowMlMin <= 0 {
			return fmt.Errorf("recipe %q step %d: flow rate must be positive, got %.3f", r.Name, i, s.FlowMlMin)
		}
		if lim.MaxFlowMlMin > 0 && s.FlowMlMin > lim.MaxFlowMlMin {
			return fmt.Errorf("recipe %q step %d: flow rate %.1f exceeds limit %.1f", r.Name, i, s.FlowMlMin, lim.MaxFlowMlMin)
		}
		if lim.MaxTargetG > 0 && s.TargetG > lim.MaxTargetG {
			return fmt.Errorf("recipe %q step %d: target %.1f g exceeds limit %.1f g", r.Name, i, s.TargetG, lim.MaxTargetG)
		}
	}
	return nil
}
