// Package analysis computes dispense-accuracy statistics over the dose
// history, per pump: bias, spread, and a least-squares calibration gain.
package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/jt05610/doser/history"
)

// PumpStats summarizes how one pump has been dosing.
type PumpStats struct {
	Pump  string
	Doses int

	// MeanErrorG is the signed average of actual minus target: the bias.
	MeanErrorG float64
	// StdDevG is the sample standard deviation of the error.
	StdDevG float64
	// WorstG is the largest absolute error seen.
	WorstG float64

	// Gain is the least-squares slope of actual against target mass,
	// through the origin. A gain away from 1 means the pump's ml-per-mm
	// calibration has drifted by that factor.
	Gain float64
}

// Summarize groups records by pump, in order of first appearance.
func Summarize(recs []*history.DoseRecord) []PumpStats {
	order := make([]string, 0, 4)
	byPump := make(map[string][]*history.DoseRecord)
	for _, r := range recs {
		if _, seen := byPump[r.Pump]; !seen {
			order = append(order, r.Pump)
		}
		byPump[r.Pump] = append(byPump[r.Pump], r)
	}

	out := make([]PumpStats, 0, len(order))
	for _, name := range order {
		out = append(out, pumpStats(name, byPump[name]))
	}
	return out
}

func pumpStats(name string, recs []*history.DoseRecord) PumpStats {
	targets := make([]float64, len(recs))
	actuals := make([]float64, len(recs))
	errs := make([]float64, len(recs))
	worst := 0.0
	for i, r := range recs {
		targets[i] = r.TargetG
		actuals[i] = r.ActualG
		errs[i] = r.ErrorG
		if e := math.Abs(r.ErrorG); e > worst {
			worst = e
		}
	}

	s := PumpStats{
		Pump:       name,
		Doses:      len(recs),
		MeanErrorG: stat.Mean(errs, nil),
		WorstG:     worst,
		Gain:       1,
	}
	if len(recs) > 1 {
		s.StdDevG = stat.StdDev(errs, nil)
	}
	if slope := originSlope(targets, actuals); !math.IsNaN(slope) {
		s.Gain = slope
	}
	return s
}

// originSlope fits actual = gain * target. NaN when no nonzero targets
// exist to fit against.
func originSlope(targets, actuals []float64) float64 {
	_, beta := stat.LinearRegression(targets, actuals, nil, true)
	return beta
}
