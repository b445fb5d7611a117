package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/vio"
)

// PortOptions describes the serial connection to the inertial unit. Zero
// fields take the 115200 8N1 defaults.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// parityNames maps accepted spellings onto the canonical letter.
var parityNames = map[string]string{
	"": "N", "N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

var (
	serialParity   = map[string]serial.Parity{"N": serial.NoParity, "E": serial.EvenParity, "O": serial.OddParity}
	serialStopBits = map[int]serial.StopBits{1: serial.OneStopBit, 2: serial.TwoStopBits}
)

// Normalize fills defaults and canonicalizes Parity to N, E or O.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	_, stopOK := serialStopBits[o.StopBits]
	parity, parityOK := parityNames[strings.ToUpper(strings.TrimSpace(o.Parity))]
	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("data bits %d out of range 5..8", o.DataBits)
	case !stopOK:
		return o, fmt.Errorf("stop bits %d not supported, want 1 or 2", o.StopBits)
	case !parityOK:
		return o, fmt.Errorf("parity %q not supported, want N, E or O", o.Parity)
	}
	o.Parity = parity
	return o, nil
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: serialStopBits[n.StopBits],
		Parity:   serialParity[n.Parity],
	}, nil
}

// OpenSerial opens the serial port at path.
func OpenSerial(path string, opts PortOptions) (io.ReadCloser, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialSource reads CSV inertial lines (see ParseInertialLine) from a
// port and pushes them into a sink. Blank lines and lines starting with
// '#' are skipped.
type SerialSource struct {
	port     io.ReadCloser
	sink     InertialSink
	throttle *monitoring.Throttle

	lines     atomic.Uint64
	malformed atomic.Uint64
	rejected  atomic.Uint64
}

// NewSerialSource returns a source reading port. A nil throttle logs
// through monitoring.Logf with default limits.
func NewSerialSource(port io.ReadCloser, sink InertialSink, throttle *monitoring.Throttle) *SerialSource {
	if throttle == nil {
		throttle = monitoring.NewThrottle(func(format string, v ...interface{}) {
			monitoring.Logf(format, v...)
		}, monitoring.ThrottleConfig{})
	}
	return &SerialSource{port: port, sink: sink, throttle: throttle}
}

// Monitor reads the port until ctx is done, the port reaches EOF or the
// sink reports vio.ErrClosed.
func (s *SerialSource) Monitor(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	scan := bufio.NewScanner(s.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// Scan blocks on the port, so it runs apart from the select loop.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return fmt.Errorf("read serial port: %w", err)
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read serial port: %w", err)
				default:
					return nil
				}
			}
			if err := s.handle(line); err != nil {
				return nil
			}
		}
	}
}

// handle returns an error only when the sink is closed.
func (s *SerialSource) handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	s.lines.Add(1)
	sample, err := ParseInertialLine(line)
	if err != nil {
		s.malformed.Add(1)
		s.throttle.Logf("serial.parse", "[Serial] %v", err)
		return nil
	}
	if err := s.sink.PushInertial(sample); err != nil {
		if errors.Is(err, vio.ErrClosed) {
			return err
		}
		s.rejected.Add(1)
		s.throttle.Logf("serial.push", "[Serial] sample %.6f rejected: %v", sample.Timestamp, err)
	}
	return nil
}

// Close closes the port, which also ends a running Monitor.
func (s *SerialSource) Close() error {
	return s.port.Close()
}

// SerialStats counts lines seen by a SerialSource.
type SerialStats struct {
	Lines     uint64 `json:"lines"`
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
}

func (s *SerialSource) Stats() SerialStats {
	return SerialStats{Lines: s.lines.Load(), Malformed: s.malformed.Load(), Rejected: s.rejected.Load()}
}
