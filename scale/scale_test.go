package scale_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/scale"
)

func TestParseFrame(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    string
		expected float64
		unit     string
	}{
		{
			name:     "grams",
			input:    "25.34 g",
			expected: 25.34,
			unit:     "g",
		},
		{
			name:     "kilograms",
			input:    "2.534 kg",
			expected: 2534.0,
			unit:     "kg",
		},
		{
			name:     "milligrams",
			input:    "12 mg",
			expected: 0.012,
			unit:     "mg",
		},
		{
			name:     "negative",
			input:    "-0.05 g",
			expected: -0.05,
			unit:     "g",
		},
		{
			name:     "signed_with_padding",
			input:    "  +103.20 g\r",
			expected: 103.20,
			unit:     "g",
		},
		{
			name:     "protocol_prefix",
			input:    "ST,GS, 25.34 g",
			expected: 25.34,
			unit:     "g",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := scale.ParseFrame(tc.input)
			if err != nil {
				t.Fatal(err)
			}
			if !floatEquals(s.Grams, tc.expected) {
				t.Errorf("expected %f g, got %f", tc.expected, s.Grams)
			}
			if s.Unit != tc.unit {
				t.Errorf("expected unit %q, got %q", tc.unit, s.Unit)
			}
		})
	}
}

func TestParseFrameRejects(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{name: "missing_unit", input: "25.34"},
		{name: "no_number", input: "scale ready"},
		{name: "unsupported_unit", input: "50.0 %"},
		{name: "empty", input: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := scale.ParseFrame(tc.input); err == nil {
				t.Errorf("expected %q to be rejected", tc.input)
			}
		})
	}
}

func TestWindowStability(t *testing.T) {
	w := scale.NewWindow(5, 0.05)
	if w.Stable() {
		t.Error("empty window must not be stable")
	}
	for i := 0; i < 4; i++ {
		w.Push(100.0)
	}
	if w.Stable() {
		t.Error("partially filled window must not be stable")
	}
	w.Push(100.0)
	if !w.Stable() {
		t.Error("identical samples must be stable")
	}

	w.Push(100.2)
	if w.Stable() {
		t.Error("spread above tolerance must not be stable")
	}
	for i := 0; i < 5; i++ {
		w.Push(100.21)
	}
	if !w.Stable() {
		t.Error("window should settle once the step change slides out")
	}

	w.Reset()
	if w.Stable() {
		t.Error("reset window must not be stable")
	}
}

// fakePort feeds scripted frames to the reader and records poll bytes.
type fakePort struct {
	rx chan io.Reader
	tx chan []byte
}

func newFakePort() *fakePort {
	return &fakePort{
		rx: make(chan io.Reader, 32),
		tx: make(chan []byte, 32),
	}
}

func (f *fakePort) ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-writeCh:
				f.tx <- b
			}
		}
	}()
	return f.rx, nil
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) frame(line string) {
	f.rx <- bytes.NewBufferString(line)
}

func TestReaderStability(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := newFakePort()
	r, err := scale.Open(ctx, port, scale.Config{Window: 3, Tolerance: 0.05}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Stable(); ok {
		t.Fatal("reader must not be stable before any frame")
	}
	if !r.Stale() {
		t.Fatal("reader must be stale before any frame")
	}

	for i := 0; i < 3; i++ {
		port.frame("100.00 g\r\n")
	}
	waitFor(t, func() bool { _, ok := r.Stable(); return ok })
	s, _ := r.Stable()
	if !floatEquals(s.Grams, 100.0) {
		t.Errorf("expected 100.0 g, got %f", s.Grams)
	}
	if r.Stale() {
		t.Error("fresh reading must not be stale")
	}

	port.frame("104.00 g\r\n")
	waitFor(t, func() bool {
		s, ok := r.Latest()
		return ok && floatEquals(s.Grams, 104.0)
	})
	if _, ok := r.Stable(); ok {
		t.Error("reading must destabilize after a step change")
	}
}

func TestReaderStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := newFakePort()
	r, err := scale.Open(ctx, port, scale.Config{StaleAfter: 50 * time.Millisecond}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	port.frame("10.00 g\r\n")
	waitFor(t, func() bool { return !r.Stale() })
	waitFor(t, func() bool { return r.Stale() })
}

func TestReaderDecodeEscalation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := newFakePort()
	r, err := scale.Open(ctx, port, scale.Config{MaxDecodeFailures: 3}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	port.frame("12.00 g\r\n")
	port.frame("garbage\r\n")
	if fault := r.TakeFault(); fault != nil {
		t.Fatalf("single bad frame must not escalate, got %v", fault)
	}
	for i := 0; i < 3; i++ {
		port.frame("garbage\r\n")
	}
	var fault error
	waitFor(t, func() bool { fault = r.TakeFault(); return fault != nil })
	if !errors.Is(fault, doser.ScaleCommFailure) {
		t.Fatalf("expected ScaleCommFailure, got %v", fault)
	}
	if r.TakeFault() != nil {
		t.Error("fault must clear once taken")
	}
}

func TestReaderPolls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := newFakePort()
	_, err := scale.Open(ctx, port, scale.Config{
		Poll:         []byte("@P\r\n"),
		PollInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-port.tx:
		if !bytes.Equal(b, []byte("@P\r\n")) {
			t.Fatalf("expected poll command, got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poll sent")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func floatEquals(a float64, b float64) bool {
	return math.Abs(a-b) < 0.0001
}
