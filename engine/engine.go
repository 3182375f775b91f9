// Package engine runs dosing jobs: one pump at a time, closed-loop against
// scale feedback, until every step of the recipe has reached its target mass.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/metrics"
)

// Scale is the weight feedback the engine consumes.
type Scale interface {
	Latest() (doser.WeightSample, bool)
	Stable() (doser.WeightSample, bool)
	Stale() bool
	TakeFault() error
}

// Pump is the motion surface for one dosing channel.
type Pump interface {
	ID() doser.PumpID
	Name() string
	Run(ctx context.Context, flowMlMin float64) error
	Prime(ctx context.Context, volumeMl, flowMlMin float64) error
	Stop()
}

// Sink receives telemetry events as they happen.
type Sink func(doser.Event)

type Config struct {
	// ToleranceG ends a step once dispensed mass is within this band
	// below the target.
	ToleranceG float64
	// OvershootG beyond the target aborts the job; extra mass is never
	// silently accepted.
	OvershootG float64
	// StepTimeout bounds the wall time of a single step.
	StepTimeout time.Duration
	// StableWait bounds how long a step waits for a stable start weight.
	StableWait time.Duration
}

func (c Config) normalize() Config {
	if c.ToleranceG <= 0 {
		c.ToleranceG = 0.5
	}
	if c.OvershootG <= 0 {
		c.OvershootG = 2.0
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.StableWait <= 0 {
		c.StableWait = 30 * time.Second
	}
	return c
}

type phase int

const (
	// phaseStart waits for a stable start weight before commanding motion.
	phaseStart phase = iota
	// phaseDispense tracks mass while the pump runs.
	phaseDispense
)

// Engine owns the DosingJob while a run is live. It is driven by the control
// loop: Start arms it, then Tick advances it once per cycle.
type Engine struct {
	logger *zap.Logger
	cfg    Config
	scale  Scale
	pumps  map[doser.PumpID]Pump
	sink   Sink

	job        *doser.DosingJob
	phase      phase
	waitedFrom time.Time
	stepFrom   time.Time

	progress float64
	flow     float64
	active   doser.PumpID
}

func New(scale Scale, pumps []Pump, cfg Config, sink Sink, logger *zap.Logger) *Engine {
	m := make(map[doser.PumpID]Pump, len(pumps))
	for _, p := range pumps {
		m[p.ID()] = p
	}
	return &Engine{
		logger: logger,
		cfg:    cfg.normalize(),
		scale:  scale,
		pumps:  m,
		sink:   sink,
		active: doser.PumpNone,
	}
}

// Start arms the engine with a job. The first Tick begins the first step.
func (e *Engine) Start(job *doser.DosingJob, now time.Time) error {
	if e.job != nil {
		return fmt.Errorf("job %s still active", e.job.ID)
	}
	for i, s := range job.Recipe.Steps {
		if _, ok := e.pumps[s.Pump]; !ok && s.TargetG > 0 {
			return fmt.Errorf("step %d: no driver for %s", i, s.Pump)
		}
	}
	e.job = job
	e.phase = phaseStart
	e.waitedFrom = now
	e.progress, e.flow, e.active = 0, 0, doser.PumpNone
	e.skipEmptySteps(now)
	metrics.DosesStarted.Add(1)
	e.logger.Info("job started",
		zap.String("job", job.ID),
		zap.String("recipe", job.Recipe.Name),
		zap.Int("steps", len(job.Recipe.Steps)))
	return nil
}

// Active reports whether a job is armed.
func (e *Engine) Active() bool { return e.job != nil }

// Progress is the scale-derived fraction of the current step, 0..1.
func (e *Engine) Progress() float64 { return e.progress }

// Flow is the commanded flow rate of the running step, ml/min.
func (e *Engine) Flow() float64 { return e.flow }

// ActivePump is the pump currently dispensing, or PumpNone.
func (e *Engine) ActivePump() doser.PumpID { return e.active }

// StepIndex is the index of the step being worked, or -1 with no job.
func (e *Engine) StepIndex() int {
	if e.job == nil {
		return -1
	}
	return e.job.Step
}

// Dispensed returns a copy of the per-step dispensed masses.
func (e *Engine) Dispensed() []float64 {
	if e.job == nil {
		return nil
	}
	out := make([]float64, len(e.job.DispensedG))
	copy(out, e.job.DispensedG)
	return out
}

// Tick advances the active job by one control cycle. It returns true once
// the job has run to completion. A non-nil error means the job was aborted,
// with motion already halted and the job discarded.
func (e *Engine) Tick(ctx context.Context, now time.Time) (bool, error) {
	if e.job == nil {
		return false, fmt.Errorf("no active job")
	}
	if e.job.Paused {
		return false, nil
	}
	if err := e.scale.TakeFault(); err != nil {
		e.terminate(now, "error")
		return false, err
	}
	if e.job.Done() {
		e.finish(now)
		return true, nil
	}
	switch e.phase {
	case phaseStart:
		return false, e.beginStep(ctx, now)
	case phaseDispense:
		return e.track(now)
	}
	return false, nil
}

// Pause halts motion but keeps the job; dispensed mass is retained.
func (e *Engine) Pause() {
	if e.job == nil || e.job.Paused {
		return
	}
	if e.active != doser.PumpNone {
		e.pumps[e.active].Stop()
	}
	e.job.Paused = true
	e.logger.Info("job paused", zap.String("job", e.job.ID), zap.Int("step", e.job.Step))
}

// Resume reissues the flow command for the in-progress step and keeps
// comparing against the recorded start and target weights.
func (e *Engine) Resume(ctx context.Context, now time.Time) error {
	if e.job == nil || !e.job.Paused {
		return nil
	}
	e.job.Paused = false
	if e.phase == phaseDispense {
		step := e.job.CurrentStep()
		if err := e.pumps[step.Pump].Run(ctx, step.FlowMlMin); err != nil {
			err = fmt.Errorf("resume step %d: %w", e.job.Step, err)
			e.terminate(now, "error")
			return err
		}
	}
	e.logger.Info("job resumed", zap.String("job", e.job.ID), zap.Int("step", e.job.Step))
	return nil
}

// Abort halts motion and discards the job. This is the operator stop path;
// fault paths inside Tick terminate on their own.
func (e *Engine) Abort(now time.Time) {
	e.terminate(now, "stopped")
}

func (e *Engine) beginStep(ctx context.Context, now time.Time) error {
	step := e.job.CurrentStep()
	s, ok := e.scale.Stable()
	if !ok {
		if now.Sub(e.waitedFrom) > e.cfg.StableWait {
			err := fmt.Errorf("no stable start weight within %s: %w", e.cfg.StableWait, doser.ScaleStale)
			e.terminate(now, "error")
			return err
		}
		return nil
	}
	e.job.StartWeightG = s.Grams
	e.job.TargetWeightG = s.Grams + step.TargetG
	if err := e.pumps[step.Pump].Run(ctx, step.FlowMlMin); err != nil {
		err = fmt.Errorf("start step %d: %w", e.job.Step, err)
		e.terminate(now, "error")
		return err
	}
	e.stepFrom = now
	e.phase = phaseDispense
	e.active = step.Pump
	e.flow = step.FlowMlMin
	e.logger.Info("step started",
		zap.Int("step", e.job.Step),
		zap.String("pump", step.Pump.String()),
		zap.String("chemical", step.Chemical),
		zap.Float64("target_g", step.TargetG),
		zap.Float64("start_weight_g", s.Grams))
	return nil
}

func (e *Engine) track(now time.Time) (bool, error) {
	step := e.job.CurrentStep()
	if e.scale.Stale() {
		err := fmt.Errorf("weight feedback stalled during step %d: %w", e.job.Step, doser.ScaleStale)
		e.terminate(now, "error")
		return false, err
	}
	s, _ := e.scale.Latest()
	dispensed := s.Grams - e.job.StartWeightG
	e.job.DispensedG[e.job.Step] = dispensed
	e.progress = clamp(dispensed/step.TargetG, 0, 1)

	if dispensed > step.TargetG+e.cfg.OvershootG {
		err := fmt.Errorf("step %d dispensed %.2f g of %.2f g target: %w",
			e.job.Step, dispensed, step.TargetG, doser.OverDispense)
		e.terminate(now, "error")
		return false, err
	}
	if now.Sub(e.stepFrom) > e.cfg.StepTimeout {
		err := fmt.Errorf("step %d exceeded %s: %w", e.job.Step, e.cfg.StepTimeout, doser.Timeout)
		e.terminate(now, "error")
		return false, err
	}
	if dispensed >= step.TargetG-e.cfg.ToleranceG {
		e.completeStep(now, step, dispensed)
		if e.job.Done() {
			e.finish(now)
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) completeStep(now time.Time, step doser.Ingredient, dispensed float64) {
	e.pumps[step.Pump].Stop()
	e.job.PumpComplete[e.job.Step] = true
	d := now.Sub(e.stepFrom)
	metrics.DispensedGrams.WithLabelValues(step.Pump.String()).Add(dispensed)
	metrics.StepDuration.Observe(d.Seconds())
	e.emit(&doser.StepComplete{
		JobID:      e.job.ID,
		Pump:       step.Pump,
		Chemical:   step.Chemical,
		TargetG:    step.TargetG,
		ActualG:    dispensed,
		ErrorG:     dispensed - step.TargetG,
		Outcome:    "complete",
		RecipeName: e.job.Recipe.Name,
		DurationMS: d.Milliseconds(),
		Timestamp:  now,
	})
	e.logger.Info("step complete",
		zap.Int("step", e.job.Step),
		zap.String("pump", step.Pump.String()),
		zap.Float64("target_g", step.TargetG),
		zap.Float64("actual_g", dispensed))
	e.job.Step++
	e.active = doser.PumpNone
	e.flow = 0
	e.progress = 0
	e.phase = phaseStart
	e.waitedFrom = now
	e.skipEmptySteps(now)
}

// skipEmptySteps completes zero-mass steps in place, with no motor commands.
func (e *Engine) skipEmptySteps(now time.Time) {
	for e.job.Step < len(e.job.Recipe.Steps) {
		step := e.job.CurrentStep()
		if step.TargetG > 0 {
			return
		}
		e.job.PumpComplete[e.job.Step] = true
		e.emit(&doser.StepComplete{
			JobID:      e.job.ID,
			Pump:       step.Pump,
			Chemical:   step.Chemical,
			Outcome:    "complete",
			RecipeName: e.job.Recipe.Name,
			Timestamp:  now,
		})
		e.job.Step++
	}
}

func (e *Engine) finish(now time.Time) {
	metrics.DosesCompleted.Add(1)
	e.emit(&doser.JobComplete{
		JobID:      e.job.ID,
		RecipeName: e.job.Recipe.Name,
		Steps:      len(e.job.Recipe.Steps),
		Completed:  e.completedSteps(),
		Outcome:    "complete",
		DurationMS: now.Sub(e.job.StartedAt).Milliseconds(),
		Timestamp:  now,
	})
	e.logger.Info("job complete",
		zap.String("job", e.job.ID),
		zap.String("recipe", e.job.Recipe.Name),
		zap.Duration("took", now.Sub(e.job.StartedAt)))
	e.job = nil
	e.phase = phaseStart
	e.active = doser.PumpNone
	e.flow = 0
	e.progress = 1
}

// terminate is the single cancellation path shared by stop, timeout, stale
// feedback and overshoot: halt motion, report, discard the job.
func (e *Engine) terminate(now time.Time, outcome string) {
	if e.job == nil {
		return
	}
	if e.active != doser.PumpNone {
		e.pumps[e.active].Stop()
	}
	metrics.DosesFailed.Add(1)
	if e.phase == phaseDispense && e.job.Step < len(e.job.Recipe.Steps) {
		step := e.job.CurrentStep()
		dispensed := e.job.DispensedG[e.job.Step]
		e.emit(&doser.StepComplete{
			JobID:      e.job.ID,
			Pump:       step.Pump,
			Chemical:   step.Chemical,
			TargetG:    step.TargetG,
			ActualG:    dispensed,
			ErrorG:     dispensed - step.TargetG,
			Outcome:    "aborted",
			RecipeName: e.job.Recipe.Name,
			DurationMS: now.Sub(e.stepFrom).Milliseconds(),
			Timestamp:  now,
		})
	}
	e.emit(&doser.JobComplete{
		JobID:      e.job.ID,
		RecipeName: e.job.Recipe.Name,
		Steps:      len(e.job.Recipe.Steps),
		Completed:  e.completedSteps(),
		Outcome:    outcome,
		DurationMS: now.Sub(e.job.StartedAt).Milliseconds(),
		Timestamp:  now,
	})
	e.logger.Warn("job terminated",
		zap.String("job", e.job.ID),
		zap.String("outcome", outcome),
		zap.Int("step", e.job.Step))
	e.job = nil
	e.phase = phaseStart
	e.active = doser.PumpNone
	e.flow = 0
	e.progress = 0
}

func (e *Engine) completedSteps() int {
	n := 0
	for _, c := range e.job.PumpComplete {
		if c {
			n++
		}
	}
	return n
}

func (e *Engine) emit(ev doser.Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
