// Package scale reads weight frames from a serial balance and tracks
// freshness and stability of the reading.
package scale

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/metrics"
)

// Port is the transport the reader listens on.
type Port interface {
	ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error)
	Close() error
}

type Config struct {
	// Poll is sent at PollInterval for scales that only answer on
	// request. nil means the scale streams on its own.
	Poll         []byte
	PollInterval time.Duration
	// StaleAfter bounds the age of the newest sample before the reading
	// no longer counts as live.
	StaleAfter time.Duration
	// Window and Tolerance define the stability band over recent samples.
	Window    int
	Tolerance float64
	// MaxDecodeFailures consecutive undecodable frames escalate to a
	// communication fault.
	MaxDecodeFailures int
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.05
	}
	if c.MaxDecodeFailures <= 0 {
		c.MaxDecodeFailures = 5
	}
	return c
}

var (
	frameRe = regexp.MustCompile(`([+-]?\d+(?:\.\d+)?)\s*([a-zA-Z%]+)`)

	unitFactors = map[string]float64{
		"g":  1,
		"kg": 1000,
		"mg": 0.001,
	}
)

// ParseFrame decodes one balance frame, e.g. "25.34 g", into grams. The
// unit token is required so that a truncated frame is never mistaken for a
// valid reading.
func ParseFrame(line string) (doser.WeightSample, error) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return doser.WeightSample{}, fmt.Errorf("no weight in frame %q", line)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return doser.WeightSample{}, fmt.Errorf("weight %q: %w", m[1], err)
	}
	unit := strings.ToLower(m[2])
	factor, ok := unitFactors[unit]
	if !ok {
		return doser.WeightSample{}, fmt.Errorf("unsupported unit %q in frame %q", m[2], line)
	}
	return doser.WeightSample{Grams: v * factor, Unit: unit, ReceivedAt: time.Now()}, nil
}

// Reader consumes frames from a Port and exposes the latest weight, its
// stability, and any communication fault.
type Reader struct {
	logger *zap.Logger
	cfg    Config
	port   Port
	txCh   chan []byte

	window    *Window
	latest    atomic.Pointer[doser.WeightSample]
	fault     atomic.Pointer[error]
	badFrames int
}

// Open starts reading from port until ctx is cancelled.
func Open(ctx context.Context, port Port, cfg Config, logger *zap.Logger) (*Reader, error) {
	cfg = cfg.normalize()
	r := &Reader{
		logger: logger,
		cfg:    cfg,
		port:   port,
		txCh:   make(chan []byte, 4),
		window: NewWindow(cfg.Window, cfg.Tolerance),
	}
	rxCh, err := port.ChannelPort(ctx, r.txCh)
	if err != nil {
		return nil, err
	}
	go r.listen(ctx, rxCh)
	if cfg.Poll != nil {
		go r.poll(ctx)
	}
	return r, nil
}

// Latest returns the newest decoded sample, if any.
func (r *Reader) Latest() (doser.WeightSample, bool) {
	s := r.latest.Load()
	if s == nil {
		return doser.WeightSample{}, false
	}
	return *s, true
}

// Stale reports whether no live sample exists: none decoded yet, or the
// newest is older than the staleness window.
func (r *Reader) Stale() bool {
	s := r.latest.Load()
	return s == nil || s.Age(time.Now()) > r.cfg.StaleAfter
}

// Stable returns the current reading once the recent samples have settled
// within the tolerance band. A stale reading is never stable.
func (r *Reader) Stable() (doser.WeightSample, bool) {
	s, ok := r.Latest()
	if !ok || r.Stale() || !r.window.Stable() {
		return doser.WeightSample{}, false
	}
	return s, true
}

// TakeFault returns and clears the pending communication fault, if any.
func (r *Reader) TakeFault() error {
	if e := r.fault.Swap(nil); e != nil {
		return *e
	}
	return nil
}

func (r *Reader) Close() error { return r.port.Close() }

func (r *Reader) listen(ctx context.Context, rxCh <-chan io.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		case rdr, ok := <-rxCh:
			if !ok {
				return
			}
			bb, err := io.ReadAll(rdr)
			if err != nil {
				r.logger.Error("scale read", zap.Error(err))
				continue
			}
			line := strings.TrimSpace(string(bb))
			if line == "" {
				continue
			}
			s, err := ParseFrame(line)
			if err != nil {
				r.decodeFailure(err)
				continue
			}
			r.badFrames = 0
			r.latest.Store(&s)
			r.window.Push(s.Grams)
		}
	}
}

func (r *Reader) decodeFailure(err error) {
	metrics.ScaleDecodeFailures.Add(1)
	r.badFrames++
	r.logger.Warn("undecodable scale frame", zap.Error(err), zap.Int("consecutive", r.badFrames))
	if r.badFrames >= r.cfg.MaxDecodeFailures {
		fault := fmt.Errorf("%d consecutive undecodable frames: %w", r.badFrames, doser.ScaleCommFailure)
		r.fault.Store(&fault)
	}
}

func (r *Reader) poll(ctx context.Context) {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case r.txCh <- r.cfg.Poll:
			default:
				r.logger.Warn("scale poll dropped, transmit backlog")
			}
		}
	}
}
