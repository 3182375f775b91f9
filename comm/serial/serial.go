package serial

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Direction selects how a half-duplex transceiver switches between transmit
// and receive. Auto transceivers handle it themselves; RTS mode toggles the
// RTS pin around every write.
type Direction int

const (
	DirectionAuto Direction = iota
	DirectionRTS
)

type Port struct {
	port        serial.Port
	dir         Direction
	switchDelay time.Duration
	wmu         sync.Mutex
	rxCh        chan io.Reader
}

func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

func OpenPort(port string, baud int) (*Port, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	err = p.SetReadTimeout(time.Duration(500) * time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &Port{port: p}, nil
}

// SetDirectionRTS switches the port to software direction control. The delay
// bounds the transmit-to-listen turnaround after each write.
func (p *Port) SetDirectionRTS(delay time.Duration) error {
	p.dir = DirectionRTS
	p.switchDelay = delay
	return p.port.SetRTS(false)
}

func (p *Port) Close() error {
	return p.port.Close()
}

// Write sends data on the wire. Writes are serialized so a realtime byte and
// a queued command never interleave, and in RTS mode the transceiver is
// returned to listen before Write returns.
func (p *Port) Write(data []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.dir == DirectionRTS {
		if err := p.port.SetRTS(true); err != nil {
			return 0, err
		}
		defer func() {
			time.Sleep(p.switchDelay)
			_ = p.port.SetRTS(false)
		}()
	}
	return p.port.Write(data)
}

// ChannelPort starts the reader and writer goroutines for the port. Lines
// read from the wire arrive on the returned channel; anything sent on
// writeCh goes out in order.
func (p *Port) ChannelPort(ctx context.Context, writeCh <-chan []byte) (<-chan io.Reader, error) {
	p.rxCh = make(chan io.Reader, 100)
	go func() {
		defer close(p.rxCh)
		for {
			scanner := bufio.NewScanner(p.port)
			for scanner.Scan() {
				line := append([]byte(nil), scanner.Bytes()...)
				select {
				case <-ctx.Done():
					return
				case p.rxCh <- bytes.NewBuffer(line):
				}
			}
			if ctx.Err() != nil {
				return
			}
			// Read timeouts surface as no-progress errors; anything else
			// means the port is gone.
			if err := scanner.Err(); err == nil || !errors.Is(err, io.ErrNoProgress) {
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-writeCh:
				if _, err := p.Write(data); err != nil {
					return
				}
			}
		}
	}()

	return p.rxCh, nil
}
