// Package link drives a GRBL-flavored motion controller over a half-duplex
// serial channel. Queued commands are correlated with replies strictly FIFO:
// one command is on the wire at a time, each gets a sequence ID, and each
// resolves with its reply or a timeout. Realtime bytes (status query, feed
// hold, soft reset) bypass the queue entirely.
package link

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/grbl"
	"github.com/jt05610/doser/metrics"
)

// Port is the transport the link drives. comm/serial.Port implements it for
// real hardware; the sim package provides an in-memory one.
type Port interface {
	ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error)
	Close() error
}

type Config struct {
	// CommandTimeout bounds the wait for a queued command's reply.
	CommandTimeout time.Duration
	// Heartbeat is the cadence of realtime status queries.
	Heartbeat time.Duration
	// DeadAfter is the reply silence window after which the link is
	// considered dead.
	DeadAfter time.Duration
	// QueueSize bounds how many commands may wait behind the one on the
	// wire.
	QueueSize int
}

func (c Config) normalize() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 300 * time.Millisecond
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

// resetGrace is how long after a soft reset alarm pushes are attributed to
// the reset itself. Resetting while the machine is still decelerating from a
// feed hold raises ALARM:3; that alarm describes the stop we commanded, not
// a new fault.
const resetGrace = 500 * time.Millisecond

// Pending is the handle for one queued command. It resolves exactly once,
// with the correlated reply or with an error.
type Pending struct {
	Seq  uint64
	Cmd  []byte
	done chan struct{}
	resp grbl.StatusUpdate
	err  error
}

func newPending(seq uint64, cmd []byte) *Pending {
	return &Pending{Seq: seq, Cmd: cmd, done: make(chan struct{})}
}

func (p *Pending) resolve(resp grbl.StatusUpdate, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Done is closed once the command is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command resolves or the context ends. The wait is
// bounded by the link's command timeout.
func (p *Pending) Wait(ctx context.Context) (grbl.StatusUpdate, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}

type Link struct {
	logger    *zap.Logger
	cfg       Config
	port      Port
	txCh      chan []byte
	rxCh      <-chan io.Reader
	queue     *doser.FIFO[*Pending]
	wake      chan struct{}
	replies   chan grbl.StatusUpdate
	status    atomic.Pointer[grbl.Status]
	lastSeen  atomic.Int64
	alarm     atomic.Pointer[error]
	resetAt   atomic.Int64
	bannerCh  chan struct{}
	seq       atomic.Uint64
	staleAcks int
}

// Open wires the link to the port and starts its listen and dispatch loops.
// The heartbeat is started separately with RunHeartbeat.
func Open(ctx context.Context, port Port, cfg Config, logger *zap.Logger) (*Link, error) {
	cfg = cfg.normalize()
	txCh := make(chan []byte, 100)
	rxCh, err := port.ChannelPort(ctx, txCh)
	if err != nil {
		return nil, err
	}
	l := &Link{
		logger:   logger,
		cfg:      cfg,
		port:     port,
		txCh:     txCh,
		rxCh:     rxCh,
		queue:    doser.NewFIFO[*Pending](cfg.QueueSize),
		wake:     make(chan struct{}, 1),
		replies:  make(chan grbl.StatusUpdate, cfg.QueueSize),
		bannerCh: make(chan struct{}, 1),
	}
	go l.listen(ctx)
	go l.dispatch(ctx)
	return l, nil
}

func (l *Link) Close() error {
	return l.port.Close()
}

// Send queues one command. Commands transmit and resolve in submission
// order; a full queue is refused rather than blocking the caller's tick.
func (l *Link) Send(_ context.Context, cmd []byte) (*Pending, error) {
	p := newPending(l.seq.Add(1), cmd)
	if err := l.queue.Push(p); err != nil {
		return nil, fmt.Errorf("command %d: %w", p.Seq, err)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return p, nil
}

// Do queues a command and waits for its reply.
func (l *Link) Do(ctx context.Context, cmd []byte) (grbl.StatusUpdate, error) {
	p, err := l.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Realtime writes a single control byte ahead of queued traffic. It never
// waits on pending state: the stop path depends on that.
func (l *Link) Realtime(b byte) {
	if b == grbl.SoftReset {
		l.resetAt.Store(time.Now().UnixNano())
	}
	select {
	case l.txCh <- []byte{b}:
	default:
		l.logger.Warn("tx channel full, realtime byte dropped", zap.Uint8("byte", b))
	}
}

// Flush fails every queued-but-unsent command so no further motion goes out
// after an abort. The command already on the wire resolves normally.
func (l *Link) Flush() {
	for _, p := range l.queue.Drain() {
		p.resolve(nil, fmt.Errorf("command %d flushed: %w", p.Seq, doser.LinkTimeout))
	}
}

// Status returns the latest parsed status report, or nil before the first.
func (l *Link) Status() *grbl.Status {
	return l.status.Load()
}

// Alive reports whether the controller has been heard from recently.
func (l *Link) Alive() bool {
	last := l.lastSeen.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < l.cfg.DeadAfter
}

// TakeFault returns and clears an asynchronous alarm push, if one arrived
// outside a command exchange.
func (l *Link) TakeFault() error {
	if err := l.alarm.Swap(nil); err != nil {
		return *err
	}
	return nil
}

// RunHeartbeat issues a realtime status query on a fixed cadence so the
// status snapshot stays fresh and link death is observable.
func (l *Link) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Realtime(grbl.StatusQuery)
		}
	}
}

// Handshake brings the controller to a known state: soft reset, wait for the
// banner, unlock, then confirm a status round trip.
func (l *Link) Handshake(ctx context.Context) error {
	drain(l.bannerCh)
	l.Realtime(grbl.SoftReset)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.bannerCh:
	case <-time.After(l.cfg.DeadAfter):
		return fmt.Errorf("no banner after reset: %w", doser.LinkTimeout)
	}
	if _, err := l.Do(ctx, grbl.Unlock()); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	l.Realtime(grbl.StatusQuery)
	deadline := time.NewTimer(l.cfg.DeadAfter)
	defer deadline.Stop()
	for l.Status() == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no status after unlock: %w", doser.LinkTimeout)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// listen parses every received line and routes it: command replies to the
// dispatcher, status reports to the snapshot, pushes to their waiters.
func (l *Link) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.rxCh:
			if !ok {
				return
			}
			bb, err := io.ReadAll(msg)
			if err != nil {
				l.logger.Error("failed to read message", zap.Error(err))
				continue
			}
			if len(bb) == 0 {
				continue
			}
			l.logger.Debug("received", zap.ByteString("line", bb))
			upd, err := grbl.NewParser(bytes.NewReader(bb)).Parse()
			if err != nil {
				l.logger.Warn("undecodable reply dropped", zap.ByteString("line", bb), zap.Error(err))
				continue
			}
			l.lastSeen.Store(time.Now().UnixNano())
			l.route(upd)
		}
	}
}

func (l *Link) route(upd grbl.StatusUpdate) {
	switch v := upd.(type) {
	case *grbl.Status:
		l.status.Store(v)
	case *grbl.Banner:
		l.logger.Info("controller reset", zap.String("banner", v.Raw))
		signal(l.bannerCh)
	case *grbl.Message:
		l.logger.Info("controller message", zap.String("text", v.Text))
	case grbl.Alarm:
		if time.Since(time.Unix(0, l.resetAt.Load())) < resetGrace {
			l.logger.Info("alarm raised by soft reset, discarded", zap.String("alarm", v.Error()))
			return
		}
		err := fmt.Errorf("%w: %s", doser.MotorFault, v.Error())
		l.alarm.Store(&err)
		l.deliver(upd)
	case *grbl.Ack, grbl.Error:
		l.deliver(upd)
	}
}

func (l *Link) deliver(upd grbl.StatusUpdate) {
	select {
	case l.replies <- upd:
	default:
		l.logger.Warn("reply with no consumer dropped", zap.String("type", fmt.Sprintf("%T", upd)))
	}
}

// dispatch transmits queued commands one at a time and resolves each against
// the next correlated reply. A reply belonging to a command that already
// timed out is swallowed so later commands stay aligned with their replies.
func (l *Link) dispatch(ctx context.Context) {
	for {
		p, ok := l.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		l.drainUnsolicited()
		l.logger.Debug("sending", zap.Uint64("seq", p.Seq), zap.ByteString("cmd", p.Cmd))
		select {
		case <-ctx.Done():
			p.resolve(nil, ctx.Err())
			return
		case l.txCh <- p.Cmd:
		}
		l.await(ctx, p)
	}
}

// drainUnsolicited clears replies that arrived with no command outstanding,
// keeping the FIFO correlation aligned before the next transmit.
func (l *Link) drainUnsolicited() {
	for {
		select {
		case upd := <-l.replies:
			if l.staleAcks > 0 {
				l.staleAcks--
				l.logger.Debug("late reply for timed-out command", zap.String("type", fmt.Sprintf("%T", upd)))
				continue
			}
			l.logger.Warn("unsolicited reply", zap.String("type", fmt.Sprintf("%T", upd)))
		default:
			return
		}
	}
}

func (l *Link) await(ctx context.Context, p *Pending) {
	timer := time.NewTimer(l.cfg.CommandTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.resolve(nil, ctx.Err())
			return
		case upd := <-l.replies:
			if l.staleAcks > 0 {
				l.staleAcks--
				l.logger.Debug("late reply for timed-out command", zap.String("type", fmt.Sprintf("%T", upd)))
				continue
			}
			switch v := upd.(type) {
			case *grbl.Ack:
				p.resolve(v, nil)
			case grbl.Error:
				p.resolve(nil, fmt.Errorf("command %d: %w: %s", p.Seq, doser.MotorFault, v.Error()))
			case grbl.Alarm:
				p.resolve(nil, fmt.Errorf("command %d: %w: %s", p.Seq, doser.MotorFault, v.Error()))
			}
			return
		case <-timer.C:
			l.staleAcks++
			metrics.LinkTimeouts.Add(1)
			p.resolve(nil, fmt.Errorf("command %d (%s): no reply within %s: %w",
				p.Seq, bytes.TrimSpace(p.Cmd), l.cfg.CommandTimeout, doser.LinkTimeout))
			return
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
