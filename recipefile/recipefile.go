// Package recipefile loads the rig configuration document: pump channel
// calibration, scale and link tuning, dosing parameters, interlock
// expressions and the recipe book, all in one YAML file.
package recipefile

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/control"
	"github.com/jt05610/doser/engine"
	"github.com/jt05610/doser/grbl/link"
	"github.com/jt05610/doser/pump"
	"github.com/jt05610/doser/scale"
)

// Duration decodes Go duration strings such as "100ms" and "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// File is the raw YAML document. Convert it with Rig before use; raw files
// are never handed to the control packages.
type File struct {
	Device     string       `yaml:"device"`
	Pumps      []PumpFile   `yaml:"pumps"`
	Scale      ScaleFile    `yaml:"scale"`
	Dosing     DosingFile   `yaml:"dosing"`
	Link       LinkFile     `yaml:"link"`
	Interlocks []string     `yaml:"interlocks"`
	Recipes    []RecipeFile `yaml:"recipes"`
}

type PumpFile struct {
	Name    string  `yaml:"name"`
	Axis    string  `yaml:"axis"`
	MlPerMm float64 `yaml:"ml_per_mm"`
	MaxFeed float64 `yaml:"max_feed_mm_min"`
}

type ScaleFile struct {
	StabilityWindow     int      `yaml:"stability_window"`
	StabilityToleranceG float64  `yaml:"stability_tolerance_g"`
	StaleAfter          Duration `yaml:"stale_after"`
	PollCommand         string   `yaml:"poll_command"`
	PollInterval        Duration `yaml:"poll_interval"`
}

type DosingFile struct {
	Tick            Duration `yaml:"tick"`
	ToleranceG      float64  `yaml:"tolerance_g"`
	OvershootG      float64  `yaml:"overshoot_margin_g"`
	MaxStepDuration Duration `yaml:"max_step_duration"`
	MaxFlowMlMin    float64  `yaml:"max_flow_ml_min"`
	MaxTargetG      float64  `yaml:"max_target_g"`
	PrimeVolumeMl   float64  `yaml:"prime_volume_ml"`
	PrimeFlowMlMin  float64  `yaml:"prime_flow_ml_min"`
}

type LinkFile struct {
	CommandTimeout Duration `yaml:"command_timeout"`
	Heartbeat      Duration `yaml:"heartbeat"`
	DeadAfter      Duration `yaml:"dead_after"`
	Retries        int      `yaml:"retries"`
	// RS485 selects the transceiver direction mode on the motor port:
	// "auto" (default) or "rts".
	RS485    string   `yaml:"rs485"`
	RTSDelay Duration `yaml:"rts_delay"`
}

type RecipeFile struct {
	Name  string     `yaml:"name"`
	Steps []StepFile `yaml:"steps"`
}

// StepFile references its pump by configured name; the name doubles as the
// chemical loaded in that channel.
type StepFile struct {
	Pump      string  `yaml:"pump"`
	MassG     float64 `yaml:"mass_g"`
	FlowMlMin float64 `yaml:"flow_ml_min"`
}

// Rig is the validated configuration in the shapes the packages consume.
type Rig struct {
	Device     string
	Pumps      []pump.Config
	Scale      scale.Config
	Engine     engine.Config
	Control    control.Config
	Link       link.Config
	Interlocks []string
	Recipes    []*doser.Recipe

	// RS485RTS is set when the motor port transceiver needs RTS direction
	// switching; RTSDelay is the transmit-to-listen turnaround.
	RS485RTS bool
	RTSDelay time.Duration
}

// Load decodes and validates a rig document.
func Load(r io.Reader) (*Rig, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rig config: %w", err)
	}
	return f.Rig()
}

// LoadFile loads a rig document from disk.
func LoadFile(path string) (*Rig, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	rig, err := Load(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rig, nil
}

// Rig validates the document and converts it into package configurations.
// Unset tuning values stay zero here; each package fills in its own
// defaults.
func (f *File) Rig() (*Rig, error) {
	if len(f.Pumps) == 0 {
		return nil, fmt.Errorf("rig config has no pumps")
	}
	if len(f.Pumps) > doser.NumPumps {
		return nil, fmt.Errorf("rig config names %d pumps, the rig has %d channels",
			len(f.Pumps), doser.NumPumps)
	}
	byName := make(map[string]doser.PumpID, len(f.Pumps))
	byAxis := make(map[doser.PumpID]string, len(f.Pumps))
	pumps := make([]pump.Config, 0, len(f.Pumps))
	for i, p := range f.Pumps {
		if p.Name == "" {
			return nil, fmt.Errorf("pump %d has no name", i)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("pump name %q used twice", p.Name)
		}
		if len(p.Axis) != 1 {
			return nil, fmt.Errorf("pump %q: axis must be a single letter, got %q", p.Name, p.Axis)
		}
		id, ok := doser.PumpForAxis(doser.Axis(p.Axis[0]))
		if !ok {
			return nil, fmt.Errorf("pump %q: unknown axis %q", p.Name, p.Axis)
		}
		if prev, dup := byAxis[id]; dup {
			return nil, fmt.Errorf("axis %s bound to both %q and %q", p.Axis, prev, p.Name)
		}
		byName[p.Name] = id
		byAxis[id] = p.Name
		pumps = append(pumps, pump.Config{
			Name:    p.Name,
			ID:      id,
			MlPerMm: p.MlPerMm,
			MaxFeed: p.MaxFeed,
			Retries: f.Link.Retries,
		})
	}

	limits := doser.Limits{
		MaxFlowMlMin: f.Dosing.MaxFlowMlMin,
		MaxTargetG:   f.Dosing.MaxTargetG,
	}
	if limits.MaxFlowMlMin <= 0 {
		limits.MaxFlowMlMin = 100
	}

	recipes := make([]*doser.Recipe, 0, len(f.Recipes))
	for _, rf := range f.Recipes {
		steps := make([]doser.Ingredient, 0, len(rf.Steps))
		for j, sf := range rf.Steps {
			id, ok := byName[sf.Pump]
			if !ok {
				return nil, fmt.Errorf("recipe %q step %d: unknown pump %q", rf.Name, j, sf.Pump)
			}
			steps = append(steps, doser.Ingredient{
				Pump:      id,
				Chemical:  sf.Pump,
				TargetG:   sf.MassG,
				FlowMlMin: sf.FlowMlMin,
			})
		}
		r := &doser.Recipe{Name: rf.Name, Steps: steps}
		if err := r.Validate(limits); err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}

	device := f.Device
	if device == "" {
		device = "doser"
	}
	rig := &Rig{
		Device: device,
		Pumps:  pumps,
		Scale: scale.Config{
			PollInterval: time.Duration(f.Scale.PollInterval),
			StaleAfter:   time.Duration(f.Scale.StaleAfter),
			Window:       f.Scale.StabilityWindow,
			Tolerance:    f.Scale.StabilityToleranceG,
		},
		Engine: engine.Config{
			ToleranceG:  f.Dosing.ToleranceG,
			OvershootG:  f.Dosing.OvershootG,
			StepTimeout: time.Duration(f.Dosing.MaxStepDuration),
		},
		Control: control.Config{
			Tick:           time.Duration(f.Dosing.Tick),
			PrimeVolumeMl:  f.Dosing.PrimeVolumeMl,
			PrimeFlowMlMin: f.Dosing.PrimeFlowMlMin,
			Limits:         limits,
		},
		Link: link.Config{
			CommandTimeout: time.Duration(f.Link.CommandTimeout),
			Heartbeat:      time.Duration(f.Link.Heartbeat),
			DeadAfter:      time.Duration(f.Link.DeadAfter),
		},
		Interlocks: f.Interlocks,
		Recipes:    recipes,
		RTSDelay:   time.Duration(f.Link.RTSDelay),
	}
	switch f.Link.RS485 {
	case "", "auto":
	case "rts":
		rig.RS485RTS = true
	default:
		return nil, fmt.Errorf("link rs485 mode %q: want auto or rts", f.Link.RS485)
	}
	if f.Scale.PollCommand != "" {
		rig.Scale.Poll = []byte(f.Scale.PollCommand + "\r\n")
	}
	return rig, nil
}
