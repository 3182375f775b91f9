// Package sim provides in-memory stand-ins for the rig's serial hardware: a
// motion controller speaking the GRBL dialect and a balance emitting weight
// frames. Both satisfy the same channel-port contract as comm/serial, so the
// production link and scale reader run against them unchanged.
package sim

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/doser"
	"github.com/jt05610/doser/grbl"
)

// Banner is printed after every reset, matching the FluidNC firmware on the
// rig's motion controller.
const Banner = "Grbl 3.7 [FluidNC v3.7.8 '$' for help]"

// motionTick is the interval at which commanded moves are integrated into
// position.
const motionTick = 5 * time.Millisecond

// axisSlot maps an axis letter to its slot in the position vectors.
var axisSlot = map[byte]int{'X': 0, 'Y': 1, 'Z': 2, 'A': 3}

// Motor emulates the rig's motion controller. It acks line commands, honors
// the realtime bytes, and integrates active moves over wall-clock time so
// positions advance the way a real carriage would. Moves on different axes
// run concurrently; a new move on an axis replaces its predecessor.
type Motor struct {
	logger *zap.Logger

	mu     sync.Mutex
	mpos   [4]float64 // machine position, mm
	offset [4]float64 // work offset set by G92
	travel [4]float64 // net commanded travel, mm; G92 never touches it
	remain [4]float64 // distance left on each axis' active move
	dir    [4]float64
	feed   [4]float64 // mm/min
	held   bool
	locked bool

	cancel context.CancelFunc
}

// NewMotor returns a motor that boots locked, the way the rig's controller
// comes up before its first unlock.
func NewMotor(logger *zap.Logger) *Motor {
	m := &Motor{logger: logger, locked: true}
	for i := range m.dir {
		m.dir[i] = 1
	}
	return m
}

func (m *Motor) ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	out := make(chan io.Reader, 64)
	go m.serve(ctx, writeCh, out)
	go m.integrate(ctx)
	return out, nil
}

func (m *Motor) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// Travel reports the net commanded travel of one axis in millimetres. G92
// rewrites the work offset but never the travel, which makes travel the
// right basis for deriving dispensed volume.
func (m *Motor) Travel(axis doser.Axis) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot, ok := axisSlot[byte(axis)]; ok {
		return m.travel[slot]
	}
	return 0
}

func (m *Motor) serve(ctx context.Context, writeCh <-chan []byte, out chan io.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-writeCh:
			if !ok {
				return
			}
			for _, line := range m.handle(msg) {
				m.logger.Debug("motor reply", zap.String("line", line))
				select {
				case <-ctx.Done():
					return
				case out <- strings.NewReader(line + "\r\n"):
				}
			}
		}
	}
}

func (m *Motor) integrate(ctx context.Context) {
	t := time.NewTicker(motionTick)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.advance(now.Sub(last))
			last = now
		}
	}
}

func (m *Motor) advance(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held || m.locked {
		return
	}
	for i := range m.remain {
		if m.remain[i] <= 0 || m.feed[i] <= 0 {
			continue
		}
		d := m.feed[i] / 60 * dt.Seconds()
		if d > m.remain[i] {
			d = m.remain[i]
		}
		m.remain[i] -= d
		m.mpos[i] += d * m.dir[i]
		m.travel[i] += d * m.dir[i]
	}
}

// handle interprets one transmitted message: a single byte is a realtime
// control, anything longer is a line command.
func (m *Motor) handle(msg []byte) []string {
	if len(msg) == 1 {
		switch msg[0] {
		case grbl.StatusQuery:
			return []string{m.statusLine()}
		case grbl.FeedHold:
			m.mu.Lock()
			m.held = true
			m.mu.Unlock()
		case grbl.CycleStart:
			m.mu.Lock()
			m.held = false
			m.mu.Unlock()
		case grbl.SoftReset:
			return []string{m.reset()}
		}
		return nil
	}
	line := strings.TrimSpace(string(msg))
	if line == "" {
		return nil
	}
	return m.command(line)
}

func (m *Motor) reset() string {
	m.mu.Lock()
	m.remain = [4]float64{}
	m.held = false
	m.locked = true
	m.mu.Unlock()
	return Banner
}

func (m *Motor) command(line string) []string {
	switch {
	case line == "$X":
		m.mu.Lock()
		m.locked = false
		m.mu.Unlock()
		return []string{"[MSG:Caution: Unlocked]", "ok"}
	case strings.HasPrefix(line, "G1 "):
		return []string{m.move(line)}
	case strings.HasPrefix(line, "G92 "):
		return []string{m.zero(line)}
	default:
		return []string{"error:20"}
	}
}

// move starts a linear move. The target is absolute in the work frame, the
// way GRBL interprets G1 in its default G90 mode.
func (m *Motor) move(line string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return "error:9"
	}
	axis := -1
	target, feed := 0.0, 0.0
	for _, f := range strings.Fields(line)[1:] {
		if len(f) < 2 {
			return "error:2"
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return "error:2"
		}
		switch f[0] {
		case 'F':
			feed = v
		default:
			slot, ok := axisSlot[f[0]]
			if !ok {
				return "error:2"
			}
			axis, target = slot, v
		}
	}
	if axis < 0 {
		return "error:2"
	}
	if feed > 0 {
		m.feed[axis] = feed
	}
	if m.feed[axis] <= 0 {
		return "error:22"
	}
	dist := target + m.offset[axis] - m.mpos[axis]
	m.dir[axis] = 1
	if dist < 0 {
		m.dir[axis], dist = -1, -dist
	}
	m.remain[axis] = dist
	return "ok"
}

// zero handles G92: set the work position of one axis, leaving the machine
// position alone.
func (m *Motor) zero(line string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return "error:9"
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || len(fields[1]) < 2 {
		return "error:2"
	}
	slot, ok := axisSlot[fields[1][0]]
	if !ok {
		return "error:2"
	}
	v, err := strconv.ParseFloat(fields[1][1:], 64)
	if err != nil {
		return "error:2"
	}
	m.offset[slot] = m.mpos[slot] - v
	return "ok"
}

func (m *Motor) statusLine() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "Idle"
	feed := 0.0
	switch {
	case m.locked:
		state = "Alarm"
	case m.held:
		state = "Hold"
	case m.moving():
		state = "Run"
		feed = m.activeFeed()
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f,%.3f|FS:%.1f,0>",
		state, m.mpos[0], m.mpos[1], m.mpos[2], m.mpos[3], feed)
}

// moving and activeFeed expect m.mu held.

func (m *Motor) moving() bool {
	for _, r := range m.remain {
		if r > 0 {
			return true
		}
	}
	return false
}

func (m *Motor) activeFeed() float64 {
	top := 0.0
	for i, r := range m.remain {
		if r > 0 && m.feed[i] > top {
			top = m.feed[i]
		}
	}
	return top
}
