package doser_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jt05610/doser"
)

func TestPumpAxes(t *testing.T) {
	for _, tc := range []struct {
		pump doser.PumpID
		axis doser.Axis
	}{
		{doser.Pump1, doser.AxisX},
		{doser.Pump2, doser.AxisY},
		{doser.Pump3, doser.AxisZ},
		{doser.Pump4, doser.AxisA},
	} {
		if got := tc.pump.Axis(); got != tc.axis {
			t.Errorf("%s: expected axis %c, got %c", tc.pump, tc.axis, got)
		}
		back, ok := doser.PumpForAxis(tc.axis)
		if !ok || back != tc.pump {
			t.Errorf("axis %c: expected %s back, got %s", tc.axis, tc.pump, back)
		}
	}
	if doser.PumpNone.Valid() {
		t.Error("PumpNone should not be valid")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("sending G1: %w", doser.LinkTimeout)
	if code := doser.CodeOf(wrapped); code != doser.LinkTimeout {
		t.Fatalf("expected LinkTimeout, got %v", code)
	}
	if code := doser.CodeOf(nil); code != doser.ErrNone {
		t.Fatalf("expected ErrNone for nil, got %v", code)
	}
	if code := doser.CodeOf(errors.New("plain")); code != doser.ErrNone {
		t.Fatalf("expected ErrNone for uncoded error, got %v", code)
	}
	if !errors.Is(wrapped, doser.LinkTimeout) {
		t.Fatal("wrapped code should satisfy errors.Is")
	}
}

func TestRecipeValidate(t *testing.T) {
	lim := doser.Limits{MaxFlowMlMin: 100, MaxTargetG: 500}
	for _, tc := range []struct {
		name    string
		recipe  doser.Recipe
		wantErr bool
	}{
		{
			name: "valid",
			recipe: doser.Recipe{Name: "blend", Steps: []doser.Ingredient{
				{Pump: doser.Pump1, Chemical: "DMDEE", TargetG: 40, FlowMlMin: 30},
				{Pump: doser.Pump2, Chemical: "T-12", TargetG: 5, FlowMlMin: 30},
			}},
		},
		{
			name: "zero mass step is valid",
			recipe: doser.Recipe{Name: "noop", Steps: []doser.Ingredient{
				{Pump: doser.Pump1, TargetG: 0, FlowMlMin: 30},
			}},
		},
		{
			name:    "no steps",
			recipe:  doser.Recipe{Name: "empty"},
			wantErr: true,
		},
		{
			name: "unknown pump",
			recipe: doser.Recipe{Name: "bad", Steps: []doser.Ingredient{
				{Pump: doser.PumpID(7), TargetG: 1, FlowMlMin: 10},
			}},
			wantErr: true,
		},
		{
			name: "zero flow",
			recipe: doser.Recipe{Name: "bad", Steps: []doser.Ingredient{
				{Pump: doser.Pump1, TargetG: 1, FlowMlMin: 0},
			}},
			wantErr: true,
		},
		{
			name: "flow over limit",
			recipe: doser.Recipe{Name: "bad", Steps: []doser.Ingredient{
				{Pump: doser.Pump1, TargetG: 1, FlowMlMin: 150},
			}},
			wantErr: true,
		},
		{
			name: "mass over limit",
			recipe: doser.Recipe{Name: "bad", Steps: []doser.Ingredient{
				{Pump: doser.Pump1, TargetG: 900, FlowMlMin: 10},
			}},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.recipe.Validate(lim)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestJob(t *testing.T) {
	r := &doser.Recipe{Name: "blend", Steps: []doser.Ingredient{
		{Pump: doser.Pump1, TargetG: 40, FlowMlMin: 30},
		{Pump: doser.Pump2, TargetG: 5, FlowMlMin: 30},
	}}
	j := doser.NewJob(r, 0)
	if j.ID == "" {
		t.Fatal("expected job ID")
	}
	if len(j.PumpComplete) != 2 || len(j.DispensedG) != 2 {
		t.Fatalf("expected per-step tracking for 2 steps, got %d/%d", len(j.PumpComplete), len(j.DispensedG))
	}
	if j.Done() {
		t.Fatal("new job should not be done")
	}
	j.PumpComplete[0] = true
	j.PumpComplete[1] = true
	if !j.Done() {
		t.Fatal("job with all steps complete should be done")
	}
}

func TestStateString(t *testing.T) {
	if doser.StateDosingActive.String() != "DOSING_ACTIVE" {
		t.Fatalf("unexpected name %s", doser.StateDosingActive)
	}
	if !doser.StateDosingPaused.Dosing() {
		t.Fatal("paused is a dosing phase")
	}
	if doser.StateIdle.Dosing() {
		t.Fatal("idle is not a dosing phase")
	}
}
