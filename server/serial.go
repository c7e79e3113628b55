package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"tofengine-go/binlog"
	"tofengine-go/monitoring"
)

// PortOptions describes the UART bridge connection.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// SerialMode validates the options, applies defaults (115200 8N1) and
// converts them for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	mode := &serial.Mode{BaudRate: o.BaudRate, DataBits: o.DataBits}

	switch o.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch strings.ToUpper(strings.TrimSpace(o.Parity)) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return mode, nil
}

// maxPending bounds the reassembly buffer when the stream carries no
// valid frames.
const maxPending = 4 * MaxBodyLen

// SerialSource reads a byte stream of frames and feeds a Processor.
// Frames may be split across reads; partial tails are carried over.
type SerialSource struct {
	proc *Processor
	port io.ReadCloser
	now  func() int64
}

// OpenSerial opens the named port.
func OpenSerial(path string, opts PortOptions, proc *Processor) (*SerialSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return NewSerialSource(port, proc), nil
}

// NewSerialSource wraps an already open stream.
func NewSerialSource(port io.ReadCloser, proc *Processor) *SerialSource {
	return &SerialSource{proc: proc, port: port, now: func() int64 { return time.Now().UnixMilli() }}
}

// Run reads until ctx is done or the stream ends.
func (s *SerialSource) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.port.Close()
	}()

	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.drain(pending)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
		if n == 0 && ctx.Err() != nil {
			return nil
		}
	}
}

// drain hands every complete frame in pending to the processor and returns
// the bytes that may still start a frame.
func (s *SerialSource) drain(pending []byte) []byte {
	ts := s.now()
	offset := 0
	for offset < len(pending) {
		_, n, err := ParseFrame(pending[offset:])
		switch {
		case err == nil:
			s.proc.HandlePacket(pending[offset:offset+n], nil, ts, binlog.FlagSerialRx)
			offset += n
		case errors.Is(err, ErrTruncated):
			rest := pending[offset:]
			if len(rest) > maxPending {
				monitoring.Logf("serial: dropping %d unframed bytes", len(rest))
				return nil
			}
			return append(pending[:0], rest...)
		default:
			offset++
		}
	}
	return pending[:0]
}
