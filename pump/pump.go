// Package pump drives one dosing pump axis over the motor link.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/grbl"
)

const (
	// DefaultMlPerMm is the stock syringe calibration: millilitres
	// displaced per millimetre of carriage travel.
	DefaultMlPerMm = 0.05

	// DefaultMaxFeed caps the carriage feedrate in mm/min.
	DefaultMaxFeed = 300.0

	// continuousTravelMm is the oversized move used for run-until-stopped
	// dispensing. The stop byte interrupts it long before it finishes.
	continuousTravelMm = 1000.0
)

// Link is the slice of the motor link a pump needs.
type Link interface {
	Do(ctx context.Context, cmd []byte) (grbl.StatusUpdate, error)
	Realtime(b byte)
	Status() *grbl.Status
}

type Config struct {
	Name    string
	ID      doser.PumpID
	MlPerMm float64
	MaxFeed float64
	// Retries is how many times a timed-out command is reissued before
	// the failure escalates.
	Retries int
}

func (c Config) normalize() Config {
	if c.MlPerMm <= 0 {
		c.MlPerMm = DefaultMlPerMm
	}
	if c.MaxFeed <= 0 {
		c.MaxFeed = DefaultMaxFeed
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	return c
}

// Driver converts flow rates to axis motion for a single pump.
type Driver struct {
	logger *zap.Logger
	cfg    Config
	link   Link

	mu      sync.Mutex
	running bool
	startMm float64
}

func NewDriver(link Link, cfg Config, logger *zap.Logger) *Driver {
	return &Driver{logger: logger, cfg: cfg.normalize(), link: link}
}

func (d *Driver) Name() string     { return d.cfg.Name }
func (d *Driver) ID() doser.PumpID { return d.cfg.ID }
func (d *Driver) MlPerMm() float64 { return d.cfg.MlPerMm }

// FeedFor converts a flow rate in ml/min to a feedrate in mm/min, capped
// at the pump's mechanical limit.
func (d *Driver) FeedFor(flowMlMin float64) float64 {
	feed := flowMlMin / d.cfg.MlPerMm
	if feed > d.cfg.MaxFeed {
		feed = d.cfg.MaxFeed
	}
	return feed
}

// Run starts continuous dispensing at the given flow rate. Motion continues
// until Stop; the caller owns deciding when the target mass is reached.
func (d *Driver) Run(ctx context.Context, flowMlMin float64) error {
	if flowMlMin <= 0 {
		return fmt.Errorf("pump %s: flow %.3f ml/min out of range", d.cfg.Name, flowMlMin)
	}
	mm, _ := d.PositionMm()
	// A preceding stop soft-reset the controller, which locks motion out
	// until the next unlock. Zeroing the work origin keeps the oversized
	// move a fixed travel budget: G1 targets are absolute in the work frame.
	if err := d.do(ctx, grbl.Unlock()); err != nil {
		return err
	}
	if err := d.do(ctx, grbl.Zero(byte(d.cfg.ID.Axis()))); err != nil {
		return err
	}
	if err := d.do(ctx, grbl.Move(byte(d.cfg.ID.Axis()), continuousTravelMm, d.FeedFor(flowMlMin))); err != nil {
		return err
	}
	d.mu.Lock()
	d.running = true
	d.startMm = mm
	d.mu.Unlock()
	return nil
}

// Prime pushes a fixed volume through the line at the given flow rate.
func (d *Driver) Prime(ctx context.Context, volumeMl, flowMlMin float64) error {
	if volumeMl <= 0 || flowMlMin <= 0 {
		return fmt.Errorf("pump %s: prime %.3f ml at %.3f ml/min out of range", d.cfg.Name, volumeMl, flowMlMin)
	}
	if err := d.do(ctx, grbl.Zero(byte(d.cfg.ID.Axis()))); err != nil {
		return err
	}
	distance := volumeMl / d.cfg.MlPerMm
	return d.do(ctx, grbl.Move(byte(d.cfg.ID.Axis()), distance, d.FeedFor(flowMlMin)))
}

// Zero resets the axis work origin.
func (d *Driver) Zero(ctx context.Context) error {
	return d.do(ctx, grbl.Zero(byte(d.cfg.ID.Axis())))
}

// Stop halts motion immediately. Safe to call at any time, from any state.
// The feed hold decelerates the axis; the soft reset that follows discards
// the remainder of the continuous move from the planner so the next command
// starts clean.
func (d *Driver) Stop() {
	d.link.Realtime(grbl.FeedHold)
	d.link.Realtime(grbl.SoftReset)
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// PositionMm returns the current machine position of this pump's axis.
func (d *Driver) PositionMm() (float64, bool) {
	s := d.link.Status()
	if s == nil || s.MachinePosition == nil {
		return 0, false
	}
	p := s.MachinePosition
	switch d.cfg.ID {
	case doser.Pump1:
		return p.X, true
	case doser.Pump2:
		return p.Y, true
	case doser.Pump3:
		return p.Z, true
	case doser.Pump4:
		return p.A, true
	}
	return 0, false
}

// CommandedMl reports the volume commanded since Run began, derived from
// axis travel.
func (d *Driver) CommandedMl() float64 {
	d.mu.Lock()
	running, start := d.running, d.startMm
	d.mu.Unlock()
	if !running {
		return 0
	}
	mm, ok := d.PositionMm()
	if !ok {
		return 0
	}
	return (mm - start) * d.cfg.MlPerMm
}

// do sends one command, reissuing on timeout within the retry budget.
// Controller faults are never retried.
func (d *Driver) do(ctx context.Context, cmd []byte) error {
	var err error
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("reissuing motor command",
				zap.String("pump", d.cfg.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if _, err = d.link.Do(ctx, cmd); err == nil {
			return nil
		}
		if !errors.Is(err, doser.LinkTimeout) {
			break
		}
	}
	return fmt.Errorf("pump %s: %w", d.cfg.Name, err)
}
