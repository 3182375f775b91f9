package pump_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/grbl"
	"github.com/jt05610/doser/pump"
)

type fakeLink struct {
	cmds     [][]byte
	realtime []byte
	status   *grbl.Status
	errs     []error
}

func (f *fakeLink) Do(_ context.Context, cmd []byte) (grbl.StatusUpdate, error) {
	f.cmds = append(f.cmds, cmd)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &grbl.Ack{}, nil
}

func (f *fakeLink) Realtime(b byte) { f.realtime = append(f.realtime, b) }

func (f *fakeLink) Status() *grbl.Status { return f.status }

func (f *fakeLink) position(x float64) {
	f.status = &grbl.Status{State: "run", MachinePosition: &grbl.Position{X: x}}
}

func TestFeedFor(t *testing.T) {
	d := pump.NewDriver(&fakeLink{}, pump.Config{Name: "dmdee", ID: doser.Pump1}, zap.NewNop())
	for _, tc := range []struct {
		name     string
		flow     float64
		expected float64
	}{
		{name: "nominal", flow: 5, expected: 100},
		{name: "at_limit", flow: 15, expected: 300},
		{name: "clamped", flow: 30, expected: 300},
		{name: "slow", flow: 0.5, expected: 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.FeedFor(tc.flow); !floatEquals(got, tc.expected) {
				t.Errorf("expected feed %f, got %f", tc.expected, got)
			}
		})
	}
}

func TestRunTracksCommandedVolume(t *testing.T) {
	link := &fakeLink{}
	link.position(2.0)
	d := pump.NewDriver(link, pump.Config{Name: "dmdee", ID: doser.Pump1}, zap.NewNop())

	if err := d.Run(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	wantCmds := []string{"$X\n", "G92 X0\n", "G1 X1000.00 F100.0\n"}
	if len(link.cmds) != len(wantCmds) {
		t.Fatalf("expected %d commands, got %q", len(wantCmds), link.cmds)
	}
	for i, w := range wantCmds {
		if string(link.cmds[i]) != w {
			t.Fatalf("command %d: expected %q, got %q", i, w, link.cmds[i])
		}
	}

	link.position(12.0)
	if got := d.CommandedMl(); !floatEquals(got, 0.5) {
		t.Errorf("expected 0.5 ml commanded, got %f", got)
	}

	d.Stop()
	want := []byte{grbl.FeedHold, grbl.SoftReset}
	if string(link.realtime) != string(want) {
		t.Fatalf("expected feed hold then soft reset, got %v", link.realtime)
	}
	if got := d.CommandedMl(); got != 0 {
		t.Errorf("stopped pump should report no commanded volume, got %f", got)
	}
}

func TestPrime(t *testing.T) {
	link := &fakeLink{}
	d := pump.NewDriver(link, pump.Config{Name: "t12", ID: doser.Pump2}, zap.NewNop())

	if err := d.Prime(context.Background(), 0.5, 5); err != nil {
		t.Fatal(err)
	}
	if len(link.cmds) != 2 || string(link.cmds[0]) != "G92 Y0\n" {
		t.Fatalf("prime must zero the work origin first, got %q", link.cmds)
	}
	if string(link.cmds[1]) != "G1 Y10.00 F100.0\n" {
		t.Fatalf("unexpected command %q", link.cmds)
	}
}

func TestZero(t *testing.T) {
	link := &fakeLink{}
	d := pump.NewDriver(link, pump.Config{Name: "cat", ID: doser.Pump4}, zap.NewNop())

	if err := d.Zero(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(link.cmds) != 1 || string(link.cmds[0]) != "G92 A0\n" {
		t.Fatalf("unexpected command %q", link.cmds)
	}
}

func TestRejectsBadFlow(t *testing.T) {
	link := &fakeLink{}
	d := pump.NewDriver(link, pump.Config{Name: "dmdee", ID: doser.Pump1}, zap.NewNop())

	if err := d.Run(context.Background(), 0); err == nil {
		t.Error("zero flow must be rejected")
	}
	if err := d.Prime(context.Background(), -1, 5); err == nil {
		t.Error("negative prime volume must be rejected")
	}
	if len(link.cmds) != 0 {
		t.Errorf("rejected requests must not reach the wire: %q", link.cmds)
	}
}

func TestRetryOnTimeout(t *testing.T) {
	timeout := fmt.Errorf("no reply: %w", doser.LinkTimeout)
	link := &fakeLink{errs: []error{timeout, nil}}
	d := pump.NewDriver(link, pump.Config{Name: "dmdee", ID: doser.Pump1, Retries: 2}, zap.NewNop())

	if err := d.Zero(context.Background()); err != nil {
		t.Fatalf("retry should have absorbed the timeout: %v", err)
	}
	if len(link.cmds) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(link.cmds))
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	timeout := fmt.Errorf("no reply: %w", doser.LinkTimeout)
	link := &fakeLink{errs: []error{timeout, timeout, timeout}}
	d := pump.NewDriver(link, pump.Config{Name: "dmdee", ID: doser.Pump1, Retries: 2}, zap.NewNop())

	err := d.Zero(context.Background())
	if !errors.Is(err, doser.LinkTimeout) {
		t.Fatalf("expected LinkTimeout after budget, got %v", err)
	}
	if len(link.cmds) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(link.cmds))
	}
}

func TestFaultNotRetried(t *testing.T) {
	fault := fmt.Errorf("command 1: %w: error:9", doser.MotorFault)
	link := &fakeLink{errs: []error{fault}}
	d := pump.NewDriver(link, pump.Config{Name: "dmdee", ID: doser.Pump1, Retries: 2}, zap.NewNop())

	err := d.Zero(context.Background())
	if !errors.Is(err, doser.MotorFault) {
		t.Fatalf("expected MotorFault, got %v", err)
	}
	if len(link.cmds) != 1 {
		t.Errorf("controller faults must not be retried, got %d attempts", len(link.cmds))
	}
}

func floatEquals(a float64, b float64) bool {
	return math.Abs(a-b) < 0.0001
}
