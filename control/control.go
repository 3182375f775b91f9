// Package control is the top-level state machine of the dosing rig. It owns
// the live SystemState and the DosingJob lifecycle; every mutation enters
// through the operation set, and observers read the published snapshot.
package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/engine"
	"github.com/jt05610/doser/grbl"
	"github.com/jt05610/doser/metrics"
)

// Link is the slice of the motor link the controller drives.
type Link interface {
	Do(ctx context.Context, cmd []byte) (grbl.StatusUpdate, error)
	Realtime(b byte)
	Flush()
	Alive() bool
	TakeFault() error
	Handshake(ctx context.Context) error
}

// Scale is the weight feedback consulted during pre-check.
type Scale interface {
	Stable() (doser.WeightSample, bool)
}

// Pump extends the engine's pump surface with axis zeroing, used during
// bring-up.
type Pump interface {
	engine.Pump
	Zero(ctx context.Context) error
}

// Guards evaluates the configured interlock expressions against one step's
// inputs. A nil Guards skips the check.
type Guards interface {
	Eval(env map[string]interface{}) error
}

type Config struct {
	// Tick is the control loop cadence.
	Tick time.Duration
	// PreCheckWait bounds the pre-check stability wait.
	PreCheckWait time.Duration
	// PrimeVolumeMl and PrimeFlowMlMin configure the optional priming
	// pass. Zero volume skips priming.
	PrimeVolumeMl  float64
	PrimeFlowMlMin float64
	// Limits bound what a recipe step may ask for.
	Limits doser.Limits
}

func (c Config) normalize() Config {
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.PreCheckWait <= 0 {
		c.PreCheckWait = 30 * time.Second
	}
	if c.PrimeFlowMlMin <= 0 {
		c.PrimeFlowMlMin = 30
	}
	return c
}

type Options struct {
	Link    Link
	Scale   Scale
	Engine  *engine.Engine
	Pumps   []Pump
	Recipes []*doser.Recipe
	Guards  Guards
	Sink    engine.Sink
	Config  Config
	Logger  *zap.Logger
}

type handler func(ctx context.Context, now time.Time)

// Controller dispatches each control tick through an explicit state→handler
// table. A state with no registered handler is a defined error path, not
// undefined behavior.
type Controller struct {
	logger  *zap.Logger
	cfg     Config
	link    Link
	scale   Scale
	engine  *engine.Engine
	pumps   map[doser.PumpID]Pump
	recipes []*doser.Recipe
	guards  Guards
	sink    engine.Sink

	mu        sync.Mutex
	state     doser.SystemState
	selected  int
	lastErr   doser.ErrorCode
	checkFrom time.Time
	primeq    []Pump

	snapshot atomic.Pointer[doser.Snapshot]
	handlers map[doser.SystemState]handler
}

func New(opts Options) *Controller {
	c := &Controller{
		logger:   opts.Logger,
		cfg:      opts.Config.normalize(),
		link:     opts.Link,
		scale:    opts.Scale,
		engine:   opts.Engine,
		pumps:    make(map[doser.PumpID]Pump, len(opts.Pumps)),
		recipes:  opts.Recipes,
		guards:   opts.Guards,
		sink:     opts.Sink,
		state:    doser.StateInit,
		selected: -1,
	}
	for _, p := range opts.Pumps {
		c.pumps[p.ID()] = p
	}
	c.handlers = map[doser.SystemState]handler{
		doser.StateInit:           c.handleInit,
		doser.StateIdle:           c.handleStatic,
		doser.StateRecipeSelect:   c.handleStatic,
		doser.StateDosingPreCheck: c.handlePreCheck,
		doser.StateDosingPriming:  c.handlePriming,
		doser.StateDosingActive:   c.handleActive,
		doser.StateDosingPaused:   c.handleStatic,
		doser.StateDosingComplete: c.handleStatic,
		doser.StateError:          c.handleStatic,
	}
	metrics.State.Set(float64(c.state))
	c.publish()
	return c
}

// Run drives the control loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			c.Tick(ctx, now)
		}
	}
}

// Tick runs one control cycle: dispatch the current state's handler, then
// publish a fresh snapshot.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[c.state]
	if !ok {
		c.fail(now, doser.UnhandledState,
			fmt.Errorf("state %d has no handler: %w", int(c.state), doser.UnhandledState))
	} else {
		h(ctx, now)
	}
	c.publish()
}

// State returns the live system state.
func (c *Controller) State() doser.SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the view published on the last tick. Never nil.
func (c *Controller) Snapshot() *doser.Snapshot {
	return c.snapshot.Load()
}

// Recipes lists the loaded recipes, for display layers.
func (c *Controller) Recipes() []*doser.Recipe {
	return c.recipes
}

// SelectRecipe picks the recipe to run. Legal from IDLE and RECIPE_SELECT.
func (c *Controller) SelectRecipe(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case doser.StateIdle, doser.StateRecipeSelect:
	default:
		return fmt.Errorf("select recipe: illegal from %s", c.state)
	}
	if index < 0 || index >= len(c.recipes) {
		return fmt.Errorf("recipe %d of %d: %w", index, len(c.recipes), doser.InvalidIndex)
	}
	c.selected = index
	c.setState(time.Now(), doser.StateRecipeSelect)
	c.publish()
	return nil
}

// Start begins a run of the selected recipe. Legal only from RECIPE_SELECT.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != doser.StateRecipeSelect {
		return fmt.Errorf("start: illegal from %s", c.state)
	}
	if c.selected < 0 {
		return fmt.Errorf("start: no recipe selected: %w", doser.InvalidIndex)
	}
	now := time.Now()
	c.checkFrom = now
	c.setState(now, doser.StateDosingPreCheck)
	c.publish()
	return nil
}

// Stop is the emergency path, legal from any state: halt all motion via the
// realtime feed hold, discard the job, return to IDLE. It never waits on the
// link.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.logger.Warn("stop", zap.String("state", c.state.String()))
	c.haltMotion()
	c.engine.Abort(now)
	c.selected = -1
	c.lastErr = doser.ErrNone
	c.setState(now, doser.StateIdle)
	c.publish()
}

// Pause suspends the active run, keeping the job and its dispensed masses.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != doser.StateDosingActive {
		return fmt.Errorf("pause: illegal from %s", c.state)
	}
	now := time.Now()
	c.engine.Pause()
	// Drop the held move from the planner so resume can issue a fresh one.
	c.haltMotion()
	c.setState(now, doser.StateDosingPaused)
	c.publish()
	return nil
}

// Resume continues a paused run: re-arm the controller, then reissue the
// in-progress step's flow command.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != doser.StateDosingPaused {
		return fmt.Errorf("resume: illegal from %s", c.state)
	}
	now := time.Now()
	if _, err := c.link.Do(ctx, grbl.Unlock()); err != nil {
		c.fail(now, codeOr(err, doser.LinkTimeout), fmt.Errorf("resume unlock: %w", err))
		c.publish()
		return err
	}
	if err := c.engine.Resume(ctx, now); err != nil {
		c.fail(now, codeOr(err, doser.MotorFault), err)
		c.publish()
		return err
	}
	c.setState(now, doser.StateDosingActive)
	c.publish()
	return nil
}

// Acknowledge dismisses a terminal screen: ERROR → IDLE after a fault,
// DOSING_COMPLETE → IDLE after a finished run.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case doser.StateError, doser.StateDosingComplete:
	default:
		return fmt.Errorf("acknowledge: illegal from %s", c.state)
	}
	c.lastErr = doser.ErrNone
	c.selected = -1
	c.setState(time.Now(), doser.StateIdle)
	c.publish()
	return nil
}

// handleInit brings the rig up: motor handshake, then zero every axis. INIT
// never escalates to ERROR; a failed bring-up is retried on the next tick
// until the controller answers.
func (c *Controller) handleInit(ctx context.Context, now time.Time) {
	if err := c.link.Handshake(ctx); err != nil {
		c.logger.Warn("bring-up failed, retrying", zap.Error(err))
		return
	}
	for _, p := range c.pumps {
		if err := p.Zero(ctx); err != nil {
			c.logger.Warn("bring-up failed, retrying",
				zap.String("pump", p.Name()), zap.Error(err))
			return
		}
	}
	c.setState(now, doser.StateIdle)
}

// handleStatic covers states that only change via the operation set.
func (c *Controller) handleStatic(context.Context, time.Time) {}

func (c *Controller) handlePreCheck(ctx context.Context, now time.Time) {
	if !c.link.Alive() {
		c.fail(now, doser.LinkTimeout, fmt.Errorf("motor link silent: %w", doser.LinkTimeout))
		return
	}
	stable, ok := c.scale.Stable()
	if !ok {
		if now.Sub(c.checkFrom) > c.cfg.PreCheckWait {
			c.fail(now, doser.ScaleStale,
				fmt.Errorf("scale not stable within %s: %w", c.cfg.PreCheckWait, doser.ScaleStale))
		}
		return
	}
	if _, err := c.link.Do(ctx, grbl.Unlock()); err != nil {
		c.fail(now, codeOr(err, doser.LinkTimeout), fmt.Errorf("unlock: %w", err))
		return
	}
	recipe := c.recipes[c.selected]
	if err := recipe.Validate(c.cfg.Limits); err != nil {
		c.fail(now, doser.InvalidIndex, fmt.Errorf("recipe rejected: %w", err))
		return
	}
	if err := c.checkInterlocks(recipe, stable.Grams); err != nil {
		c.fail(now, doser.InvalidIndex, fmt.Errorf("interlock: %w", err))
		return
	}
	if c.cfg.PrimeVolumeMl > 0 {
		c.primeq = c.distinctPumps(recipe)
		c.setState(now, doser.StateDosingPriming)
		return
	}
	c.startJob(now)
}

// handlePriming pushes the prime volume through one pump per tick until
// every distinct pump in the recipe has been primed.
func (c *Controller) handlePriming(ctx context.Context, now time.Time) {
	if len(c.primeq) == 0 {
		c.startJob(now)
		return
	}
	p := c.primeq[0]
	c.primeq = c.primeq[1:]
	if err := p.Prime(ctx, c.cfg.PrimeVolumeMl, c.cfg.PrimeFlowMlMin); err != nil {
		c.fail(now, codeOr(err, doser.MotorFault), fmt.Errorf("prime %s: %w", p.Name(), err))
	}
}

func (c *Controller) handleActive(ctx context.Context, now time.Time) {
	if err := c.link.TakeFault(); err != nil {
		c.engine.Abort(now)
		c.fail(now, codeOr(err, doser.MotorFault), err)
		return
	}
	if !c.link.Alive() {
		c.engine.Abort(now)
		c.fail(now, doser.LinkTimeout, fmt.Errorf("motor link silent mid-run: %w", doser.LinkTimeout))
		return
	}
	done, err := c.engine.Tick(ctx, now)
	if err != nil {
		c.fail(now, codeOr(err, doser.MotorFault), err)
		return
	}
	if done {
		c.setState(now, doser.StateDosingComplete)
	}
}

func (c *Controller) startJob(now time.Time) {
	job := doser.NewJob(c.recipes[c.selected], c.selected)
	if err := c.engine.Start(job, now); err != nil {
		c.fail(now, codeOr(err, doser.InvalidIndex), err)
		return
	}
	c.setState(now, doser.StateDosingActive)
}

func (c *Controller) checkInterlocks(r *doser.Recipe, startWeightG float64) error {
	if c.guards == nil {
		return nil
	}
	for i, s := range r.Steps {
		env := map[string]interface{}{
			"pump":           s.Pump.String(),
			"chemical":       s.Chemical,
			"target_g":       s.TargetG,
			"flow_ml_min":    s.FlowMlMin,
			"start_weight_g": startWeightG,
		}
		if err := c.guards.Eval(env); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (c *Controller) distinctPumps(r *doser.Recipe) []Pump {
	seen := make(map[doser.PumpID]bool, len(c.pumps))
	var out []Pump
	for _, s := range r.Steps {
		if s.TargetG == 0 || seen[s.Pump] {
			continue
		}
		seen[s.Pump] = true
		if p, ok := c.pumps[s.Pump]; ok {
			out = append(out, p)
		}
	}
	return out
}

// fail is the single fault path: halt motion, record the code, emit the
// fault, land in ERROR. ERROR is terminal until Acknowledge.
func (c *Controller) fail(now time.Time, code doser.ErrorCode, err error) {
	c.logger.Error("fault",
		zap.String("code", code.String()),
		zap.String("state", c.state.String()),
		zap.Error(err))
	c.haltMotion()
	c.engine.Abort(now)
	c.lastErr = code
	c.emit(&doser.Fault{Code: code, Detail: err.Error(), Timestamp: now})
	c.setState(now, doser.StateError)
}

// haltMotion stops the machine without waiting for acknowledgement: feed
// hold, soft reset, then fail any commands still queued on the link.
func (c *Controller) haltMotion() {
	c.link.Realtime(grbl.FeedHold)
	c.link.Realtime(grbl.SoftReset)
	c.link.Flush()
}

func (c *Controller) setState(now time.Time, to doser.SystemState) {
	if to == c.state {
		return
	}
	from := c.state
	c.state = to
	metrics.State.Set(float64(to))
	c.emit(&doser.StateChange{From: from, To: to, Timestamp: now})
	c.logger.Info("state", zap.String("from", from.String()), zap.String("to", to.String()))
}

func (c *Controller) publish() {
	c.snapshot.Store(&doser.Snapshot{
		State:       c.state,
		ActivePump:  c.engine.ActivePump(),
		Progress:    c.engine.Progress(),
		FlowMlMin:   c.engine.Flow(),
		RecipeIndex: c.selected,
		StepIndex:   c.engine.StepIndex(),
		LastError:   c.lastErr,
	})
}

func (c *Controller) emit(ev doser.Event) {
	if c.sink != nil {
		c.sink(ev)
	}
}

// codeOr extracts the code from an error chain, defaulting when the chain
// carries none.
func codeOr(err error, fallback doser.ErrorCode) doser.ErrorCode {
	if code := doser.CodeOf(err); code != doser.ErrNone {
		return code
	}
	return fallback
}
