package doser

import (
	"time"

	"github.com/google/uuid"
)

// DosingJob is the mutable record of one recipe run. It is owned exclusively
// by the dosing engine while the run is live; everything else sees copies.
// PumpComplete and DispensedG are indexed by recipe step.
type DosingJob struct {
	ID            string    `json:"id"`
	Recipe        *Recipe   `json:"recipe"`
	RecipeIndex   int       `json:"recipe_index"`
	Step          int       `json:"step"`
	PumpComplete  []bool    `json:"pump_complete"`
	DispensedG    []float64 `json:"dispensed_g"`
	StartWeightG  float64   `json:"start_weight_g"`
	TargetWeightG float64   `json:"target_weight_g"`
	Paused        bool      `json:"paused"`
	StartedAt     time.Time `json:"started_at"`
}

// NewJob builds the run-time record for one pass over a recipe.
func NewJob(r *Recipe, recipeIndex int) *DosingJob {
	return &DosingJob{
		ID:           uuid.New().String(),
		Recipe:       r,
		RecipeIndex:  recipeIndex,
		PumpComplete: make([]bool, len(r.Steps)),
		DispensedG:   make([]float64, len(r.Steps)),
		StartedAt:    time.Now(),
	}
}

// Done reports whether every step has completed.
func (j *DosingJob) Done() bool {
	for _, c := range j.PumpComplete {
		if !c {
			return false
		}
	}
	return true
}

// CurrentStep returns the ingredient the job is working on.
func (j *DosingJob) CurrentStep() Ingredient {
	return j.Recipe.Steps[j.Step]
}
