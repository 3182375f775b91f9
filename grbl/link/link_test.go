package link_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/grbl"
	"github.com/jt05610/doser/grbl/link"
)

// fakePort is a scriptable transport: everything the link transmits shows up
// on tx, and tests push reply lines into rx.
type fakePort struct {
	rx chan io.Reader
	tx chan []byte
}

func newFakePort() *fakePort {
	return &fakePort{
		rx: make(chan io.Reader, 16),
		tx: make(chan []byte, 16),
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

func (f *fakePort) reply(line string) {
	f.rx <- bytes.NewBufferString(line)
}

func (f *fakePort) sent(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.tx:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("nothing transmitted")
		return nil
	}
}

func (f *fakePort) nothingSent(t *testing.T) {
	t.Helper()
	select {
	case b := <-f.tx:
		t.Fatalf("unexpected transmit %q", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func open(t *testing.T, cfg link.Config) (*link.Link, *fakePort) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	port := newFakePort()
	l, err := link.Open(ctx, port, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l, port
}

func TestFIFOCorrelation(t *testing.T) {
	l, port := open(t, link.Config{})
	ctx := context.Background()

	first, err := l.Send(ctx, grbl.Move('X', 100, 600))
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Send(ctx, grbl.Move('Y', 50, 300))
	if err != nil {
		t.Fatal(err)
	}

	if got := port.sent(t); !bytes.HasPrefix(got, []byte("G1 X")) {
		t.Fatalf("expected first command on the wire, got %q", got)
	}
	// One outstanding command: the second must not transmit before the
	// first is acknowledged.
	port.nothingSent(t)

	port.reply("ok")
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("first command failed: %v", err)
	}

	if got := port.sent(t); !bytes.HasPrefix(got, []byte("G1 Y")) {
		t.Fatalf("expected second command on the wire, got %q", got)
	}
	port.reply("error:9")
	if _, err := second.Wait(ctx); !errors.Is(err, doser.MotorFault) {
		t.Fatalf("expected MotorFault, got %v", err)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("sequence IDs must increase: %d then %d", first.Seq, second.Seq)
	}
}

func TestRealtimeBypassesQueue(t *testing.T) {
	l, port := open(t, link.Config{})
	ctx := context.Background()

	p, err := l.Send(ctx, grbl.Move('X', 1000, 600))
	if err != nil {
		t.Fatal(err)
	}
	if got := port.sent(t); !bytes.HasPrefix(got, []byte("G1")) {
		t.Fatalf("expected move on the wire, got %q", got)
	}

	// Feed hold goes out while the move is still unacknowledged.
	l.Realtime(grbl.FeedHold)
	if got := port.sent(t); len(got) != 1 || got[0] != grbl.FeedHold {
		t.Fatalf("expected feed hold byte, got %q", got)
	}

	port.reply("ok")
	if _, err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCommandTimeout(t *testing.T) {
	l, port := open(t, link.Config{CommandTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	p, err := l.Send(ctx, grbl.Zero('X'))
	if err != nil {
		t.Fatal(err)
	}
	port.sent(t)
	if _, err := p.Wait(ctx); !errors.Is(err, doser.LinkTimeout) {
		t.Fatalf("expected LinkTimeout, got %v", err)
	}

	// The late reply for the timed-out command must not satisfy the next
	// one.
	next, err := l.Send(ctx, grbl.Zero('Y'))
	if err != nil {
		t.Fatal(err)
	}
	port.sent(t)
	port.reply("ok") // belongs to the timed-out zero
	port.reply("ok") // belongs to next
	if _, err := next.Wait(ctx); err != nil {
		t.Fatalf("late reply broke correlation: %v", err)
	}
}

func TestFlushFailsQueuedCommands(t *testing.T) {
	l, port := open(t, link.Config{CommandTimeout: time.Second})
	ctx := context.Background()

	inflight, err := l.Send(ctx, grbl.Move('X', 10, 100))
	if err != nil {
		t.Fatal(err)
	}
	port.sent(t)
	queued, err := l.Send(ctx, grbl.Move('Y', 10, 100))
	if err != nil {
		t.Fatal(err)
	}

	l.Flush()
	select {
	case <-queued.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("flushed command did not resolve")
	}
	if _, err := queued.Wait(ctx); !errors.Is(err, doser.LinkTimeout) {
		t.Fatalf("expected flushed command to fail, got %v", err)
	}
	// The queued move never reaches the wire.
	port.reply("ok")
	if _, err := inflight.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	port.nothingSent(t)
}

func TestStatusAndLiveness(t *testing.T) {
	l, port := open(t, link.Config{DeadAfter: time.Second})

	if l.Alive() {
		t.Fatal("link should not be alive before any reply")
	}
	port.reply("<Idle|MPos:1.000,0.000,0.000,0.000|FS:0,0>")
	waitFor(t, func() bool { return l.Status() != nil })
	if !l.Alive() {
		t.Fatal("link should be alive after a status report")
	}
	if s := l.Status(); !s.Idle() || s.MachinePosition.X != 1 {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestAlarmSurfacesAsFault(t *testing.T) {
	l, port := open(t, link.Config{})

	port.reply("ALARM:1")
	waitFor(t, func() bool { return l.TakeFault() != nil })
	if err := l.TakeFault(); err != nil {
		t.Fatalf("fault should be cleared once taken, got %v", err)
	}
}

func TestAlarmAfterOwnResetDiscarded(t *testing.T) {
	l, port := open(t, link.Config{})

	// The stop sequence: hold, then reset while still decelerating. The
	// controller objects with ALARM:3 before printing its banner.
	l.Realtime(grbl.FeedHold)
	l.Realtime(grbl.SoftReset)
	port.sent(t)
	port.sent(t)
	port.reply("ALARM:3")
	port.reply("Grbl 3.7 [FluidNC v3.7.8 '$' for help]")
	port.reply("<Alarm|MPos:0.000,0.000,0.000,0.000|FS:0,0>")

	waitFor(t, func() bool { return l.Status() != nil })
	if err := l.TakeFault(); err != nil {
		t.Fatalf("alarm provoked by our own reset must not surface: %v", err)
	}
}

func TestMalformedReplyIgnored(t *testing.T) {
	l, port := open(t, link.Config{})
	ctx := context.Background()

	p, err := l.Send(ctx, grbl.Zero('X'))
	if err != nil {
		t.Fatal(err)
	}
	port.sent(t)
	port.reply("@#$%^ noise")
	port.reply("ok")
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("noise line should not break correlation: %v", err)
	}
}

func TestHandshake(t *testing.T) {
	l, port := open(t, link.Config{CommandTimeout: time.Second, DeadAfter: 2 * time.Second})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- l.Handshake(ctx) }()

	// Reset byte, then the controller prints its banner.
	if got := port.sent(t); len(got) != 1 || got[0] != grbl.SoftReset {
		t.Fatalf("expected soft reset, got %q", got)
	}
	port.reply("Grbl 3.7 [FluidNC v3.7.8 '$' for help]")

	// Unlock exchange.
	if got := port.sent(t); !bytes.Equal(got, grbl.Unlock()) {
		t.Fatalf("expected unlock, got %q", got)
	}
	port.reply("[MSG:Caution: Unlocked]")
	port.reply("ok")

	// Status round trip.
	if got := port.sent(t); len(got) != 1 || got[0] != grbl.StatusQuery {
		t.Fatalf("expected status query, got %q", got)
	}
	port.reply("<Idle|MPos:0.000,0.000,0.000,0.000|FS:0,0>")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeDiscardsStaleAlarm(t *testing.T) {
	l, port := open(t, link.Config{CommandTimeout: time.Second, DeadAfter: 2 * time.Second})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- l.Handshake(ctx) }()

	if got := port.sent(t); len(got) != 1 || got[0] != grbl.SoftReset {
		t.Fatalf("expected soft reset, got %q", got)
	}
	// Resetting a controller that was mid-move aborts the cycle; the alarm
	// line lands ahead of the banner.
	port.reply("ALARM:3")
	port.reply("Grbl 3.7 [FluidNC v3.7.8 '$' for help]")

	if got := port.sent(t); !bytes.Equal(got, grbl.Unlock()) {
		t.Fatalf("expected unlock, got %q", got)
	}
	port.reply("ok")

	if got := port.sent(t); len(got) != 1 || got[0] != grbl.StatusQuery {
		t.Fatalf("expected status query, got %q", got)
	}
	port.reply("<Idle|MPos:0.000,0.000,0.000,0.000|FS:0,0>")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	if err := l.TakeFault(); err != nil {
		t.Fatalf("alarm from before the reset must not survive the handshake: %v", err)
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
