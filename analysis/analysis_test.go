package analysis_test

import (
	"math"
	"testing"

	"github.com/jt05610/doser/analysis"
	"github.com/jt05610/doser/history"
)

func rec(pump string, target, actual float64) *history.DoseRecord {
	return &history.DoseRecord{
		Pump:    pump,
		TargetG: target,
		ActualG: actual,
		ErrorG:  actual - target,
	}
}

func TestSummarizeGroupsByPump(t *testing.T) {
	stats := analysis.Summarize([]*history.DoseRecord{
		rec("Pump1", 40, 40.2),
		rec("Pump2", 5, 4.8),
		rec("Pump1", 40, 39.8),
	})

	if len(stats) != 2 {
		t.Fatalf("expected 2 pumps, got %d", len(stats))
	}
	if stats[0].Pump != "Pump1" || stats[1].Pump != "Pump2" {
		t.Fatalf("pumps must keep first-appearance order: %+v", stats)
	}

	p1 := stats[0]
	if p1.Doses != 2 {
		t.Errorf("expected 2 doses, got %d", p1.Doses)
	}
	if !floatEquals(p1.MeanErrorG, 0) {
		t.Errorf("balanced errors must have zero bias, got %f", p1.MeanErrorG)
	}
	if want := math.Sqrt(0.08); !floatEquals(p1.StdDevG, want) {
		t.Errorf("expected spread %f, got %f", want, p1.StdDevG)
	}
	if !floatEquals(p1.WorstG, 0.2) {
		t.Errorf("expected worst error 0.2, got %f", p1.WorstG)
	}
	if !floatEquals(p1.Gain, 1) {
		t.Errorf("balanced errors must fit gain 1, got %f", p1.Gain)
	}

	p2 := stats[1]
	if p2.Doses != 1 || p2.StdDevG != 0 {
		t.Errorf("single dose has no spread: %+v", p2)
	}
	if !floatEquals(p2.Gain, 0.96) {
		t.Errorf("expected gain 0.96, got %f", p2.Gain)
	}
}

func TestSummarizeDetectsCalibrationDrift(t *testing.T) {
	stats := analysis.Summarize([]*history.DoseRecord{
		rec("Pump3", 10, 10.5),
		rec("Pump3", 10, 10.5),
		rec("Pump3", 10, 10.5),
	})

	if len(stats) != 1 {
		t.Fatalf("expected 1 pump, got %d", len(stats))
	}
	if !floatEquals(stats[0].Gain, 1.05) {
		t.Errorf("consistent 5%% over-dispense must fit gain 1.05, got %f", stats[0].Gain)
	}
	if !floatEquals(stats[0].MeanErrorG, 0.5) {
		t.Errorf("expected bias 0.5 g, got %f", stats[0].MeanErrorG)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if stats := analysis.Summarize(nil); len(stats) != 0 {
		t.Fatalf("expected no stats, got %+v", stats)
	}
}

func floatEquals(a float64, b float64) bool {
	return math.Abs(a-b) < 0.0001
}
