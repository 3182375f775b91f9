/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/analysis"
	"github.com/jt05610/doser/control"
	"github.com/jt05610/doser/engine"
	"github.com/jt05610/doser/grbl/link"
	"github.com/jt05610/doser/history"
	"github.com/jt05610/doser/interlock"
	"github.com/jt05610/doser/pump"
	"github.com/jt05610/doser/recipefile"
	"github.com/jt05610/doser/scale"
	"github.com/jt05610/doser/sim"
)

var (
	simConfig string
	simRecipe int
	simTareG  float64
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run a dosing job against simulated hardware",
	Long: `simulate wires the full stack to in-memory stand-ins for the motor
controller and the scale, runs one recipe to completion, and prints each
dose as it lands. No serial hardware, broker, or environment is needed.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		rig := demoRig()
		if simConfig != "" {
			rig, err = recipefile.LoadFile(simConfig)
			if err != nil {
				logger.Fatal("Failed to load rig config", zap.Error(err))
			}
		}
		if simRecipe < 0 || simRecipe >= len(rig.Recipes) {
			logger.Fatal("No such recipe", zap.Int("index", simRecipe), zap.Int("recipes", len(rig.Recipes)))
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		motor := sim.NewMotor(logger)
		l, err := link.Open(ctx, motor, rig.Link, logger)
		if err != nil {
			logger.Fatal("Failed to open motor link", zap.Error(err))
		}
		go l.RunHeartbeat(ctx)
		sc := sim.NewScale(sim.ScaleConfig{
			Interval: 20 * time.Millisecond,
			Mass:     sim.TrackMotor(motor, rig.Pumps, simTareG),
		}, logger)
		reader, err := scale.Open(ctx, sc, rig.Scale, logger)
		if err != nil {
			logger.Fatal("Failed to open scale", zap.Error(err))
		}

		guards, err := interlock.Compile(rig.Interlocks)
		if err != nil {
			logger.Fatal("Failed to compile interlocks", zap.Error(err))
		}
		store, err := history.Open(":memory:")
		if err != nil {
			logger.Fatal("Failed to open history store", zap.Error(err))
		}
		sink := store.Sink(logger)

		ePumps := make([]engine.Pump, 0, len(rig.Pumps))
		cPumps := make([]control.Pump, 0, len(rig.Pumps))
		for _, pc := range rig.Pumps {
			d := pump.NewDriver(l, pc, logger)
			ePumps = append(ePumps, d)
			cPumps = append(cPumps, d)
		}
		e := engine.New(reader, ePumps, rig.Engine, sink, logger)
		ctrl := control.New(control.Options{
			Link:    l,
			Scale:   reader,
			Engine:  e,
			Pumps:   cPumps,
			Recipes: rig.Recipes,
			Guards:  guards,
			Sink:    sink,
			Config:  rig.Control,
			Logger:  logger,
		})
		go func() {
			if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Control loop stopped", zap.Error(err))
			}
		}()

		waitFor := func(done func(doser.SystemState) bool, timeout time.Duration) doser.SystemState {
			deadline := time.Now().Add(timeout)
			for {
				s := ctrl.State()
				if done(s) || time.Now().After(deadline) || ctx.Err() != nil {
					return s
				}
				time.Sleep(20 * time.Millisecond)
			}
		}

		up := waitFor(func(s doser.SystemState) bool {
			return s == doser.StateIdle || s == doser.StateError
		}, 10*time.Second)
		if up != doser.StateIdle {
			logger.Fatal("Rig failed to come up", zap.String("state", up.String()))
		}
		if err := ctrl.SelectRecipe(simRecipe); err != nil {
			logger.Fatal("Failed to select recipe", zap.Error(err))
		}
		if err := ctrl.Start(); err != nil {
			logger.Fatal("Failed to start", zap.Error(err))
		}

		recipe := rig.Recipes[simRecipe]
		fmt.Printf("dosing %q: %d steps\n", recipe.Name, len(recipe.Steps))
		lastStep := -1
		final := waitFor(func(s doser.SystemState) bool {
			snap := ctrl.Snapshot()
			if snap.State == doser.StateDosingActive && snap.StepIndex != lastStep {
				lastStep = snap.StepIndex
				step := recipe.Steps[snap.StepIndex]
				fmt.Printf("step %d/%d: %.2f g of %s via %s\n",
					snap.StepIndex+1, len(recipe.Steps), step.TargetG, step.Chemical, step.Pump)
			}
			return s == doser.StateDosingComplete || s == doser.StateError
		}, time.Minute)
		if final != doser.StateDosingComplete {
			snap := ctrl.Snapshot()
			logger.Fatal("Run failed",
				zap.String("state", final.String()),
				zap.String("error", snap.LastError.String()))
		}

		doses, err := store.ForJob(latestJob(logger, store))
		if err != nil {
			logger.Fatal("Failed to read history", zap.Error(err))
		}
		fmt.Println()
		for _, d := range doses {
			fmt.Printf("%-8s %-12s target %7.2f g  actual %7.2f g  error %+6.3f g  %d ms\n",
				d.Pump, d.Chemical, d.TargetG, d.ActualG, d.ErrorG, d.DurationMS)
		}
		for _, s := range analysis.Summarize(doses) {
			fmt.Printf("%s: %d doses, bias %+.3f g, spread %.3f g, gain %.3f\n",
				s.Pump, s.Doses, s.MeanErrorG, s.StdDevG, s.Gain)
		}
		if err := ctrl.Acknowledge(); err != nil {
			logger.Error("Failed to acknowledge", zap.Error(err))
		}
	},
}

// latestJob returns the job id of the newest stored dose.
func latestJob(logger *zap.Logger, store *history.Store) string {
	recent, err := store.Recent(1)
	if err != nil || len(recent) == 0 {
		logger.Fatal("No doses recorded", zap.Error(err))
	}
	return recent[0].JobID
}

// demoRig is a self-contained rig document with deliberately fast pumps so a
// demo run finishes in seconds.
func demoRig() *recipefile.Rig {
	return &recipefile.Rig{
		Device: "doser-sim",
		Pumps: []pump.Config{
			{Name: "DMDEE", ID: doser.Pump1, MlPerMm: 1, MaxFeed: 60000},
			{Name: "T12", ID: doser.Pump2, MlPerMm: 1, MaxFeed: 60000},
		},
		Scale:   scale.Config{Window: 3, Tolerance: 0.05, StaleAfter: time.Second},
		Engine:  engine.Config{ToleranceG: 0.2, OvershootG: 2},
		Control: control.Config{Tick: 20 * time.Millisecond},
		Link:    link.Config{CommandTimeout: time.Second, DeadAfter: 2 * time.Second},
		Interlocks: []string{
			"start_weight_g < 4500",
			"flow_ml_min <= 600",
		},
		Recipes: []*doser.Recipe{
			{
				Name: "demo",
				Steps: []doser.Ingredient{
					{Pump: doser.Pump1, Chemical: "DMDEE", TargetG: 4, FlowMlMin: 600},
					{Pump: doser.Pump2, Chemical: "T12", TargetG: 1.5, FlowMlMin: 300},
				},
			},
		},
	}
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simConfig, "config", "", "rig YAML to run instead of the built-in demo rig")
	simulateCmd.Flags().IntVar(&simRecipe, "recipe", 0, "recipe index to run")
	simulateCmd.Flags().Float64Var(&simTareG, "tare", 250, "starting vessel mass on the scale, grams")
}
