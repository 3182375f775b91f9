package sim

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser/pump"
)

// ScaleConfig shapes the simulated balance.
type ScaleConfig struct {
	// Interval is the frame cadence when streaming. Ignored in PollOnly
	// mode.
	Interval time.Duration
	// Mass reports the pan mass in grams at a given instant.
	Mass func(now time.Time) float64
	// PollOnly suppresses unsolicited frames; one frame goes out per
	// received poll.
	PollOnly bool
	// Unit is the unit token in emitted frames.
	Unit string
}

func (c ScaleConfig) normalize() ScaleConfig {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.Unit == "" {
		c.Unit = "g"
	}
	if c.Mass == nil {
		c.Mass = func(time.Time) float64 { return 0 }
	}
	return c
}

// Scale emulates a serial balance. In streaming mode it emits a weight frame
// on a fixed cadence; in poll mode it answers each received command with one
// frame.
type Scale struct {
	logger *zap.Logger
	cfg    ScaleConfig
	cancel context.CancelFunc
}

func NewScale(cfg ScaleConfig, logger *zap.Logger) *Scale {
	return &Scale{logger: logger, cfg: cfg.normalize()}
}

func (s *Scale) ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	out := make(chan io.Reader, 64)
	go s.serve(ctx, writeCh, out)
	return out, nil
}

func (s *Scale) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Scale) serve(ctx context.Context, writeCh <-chan []byte, out chan io.Reader) {
	var stream <-chan time.Time
	if !s.cfg.PollOnly {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		stream = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-stream:
			s.frame(ctx, out, now)
		case _, ok := <-writeCh:
			if !ok {
				return
			}
			s.frame(ctx, out, time.Now())
		}
	}
}

func (s *Scale) frame(ctx context.Context, out chan io.Reader, now time.Time) {
	line := fmt.Sprintf("%8.2f %s\r\n", s.cfg.Mass(now), s.cfg.Unit)
	select {
	case <-ctx.Done():
	case out <- strings.NewReader(line):
	}
}

// TrackMotor couples the balance to the motor: the pan mass is the tare plus
// each pump's net travel converted through its calibration, at unit density.
func TrackMotor(m *Motor, pumps []pump.Config, tareG float64) func(time.Time) float64 {
	return func(time.Time) float64 {
		g := tareG
		for _, p := range pumps {
			mlPerMm := p.MlPerMm
			if mlPerMm <= 0 {
				mlPerMm = pump.DefaultMlPerMm
			}
			g += m.Travel(p.ID.Axis()) * mlPerMm
		}
		return g
	}
}
