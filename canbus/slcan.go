package canbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCANOptions describes the serial link and CAN bitrate of an SLCAN
// (Lawicel ASCII protocol) adapter.
type SLCANOptions struct {
	// BaudRate of the serial link. USB adapters usually ignore it.
	BaudRate int
	// Bitrate of the CAN bus in bits per second.
	Bitrate uint32
}

// slcanBitrates maps supported CAN bitrates to the S<n> setup command digit.
var slcanBitrates = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// Normalize validates the options and applies defaults for any unset values.
func (o SLCANOptions) Normalize() (SLCANOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.Bitrate == 0 {
		opts.Bitrate = 500000
	}
	if _, ok := slcanBitrates[opts.Bitrate]; !ok {
		return opts, fmt.Errorf("canbus: unsupported slcan bitrate %d", opts.Bitrate)
	}
	return opts, nil
}

// OpenSLCAN opens the serial device at path and initialises an SLCAN adapter
// on it.
func OpenSLCAN(path string, opts SLCANOptions) (Bus, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", path, err)
	}
	return NewSLCAN(port, opts)
}

// NewSLCAN speaks SLCAN over an already opened link: it closes any open
// channel, sets the bitrate, opens the channel and starts the reader.
func NewSLCAN(rw io.ReadWriteCloser, opts SLCANOptions) (Bus, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	s := &slcan{
		rw:     rw,
		frames: make(chan Frame, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	setup := "C\rS" + string(slcanBitrates[opts.Bitrate]) + "\rO\r"
	if _, err := io.WriteString(rw, setup); err != nil {
		rw.Close()
		return nil, fmt.Errorf("canbus: slcan setup: %w", err)
	}
	go s.readLoop()
	return s, nil
}

type slcan struct {
	rw     io.ReadWriteCloser
	wmu    sync.Mutex
	frames chan Frame
	once   sync.Once
	closed chan struct{}
	done   chan struct{}
	err    error
}

func (s *slcan) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.rw, encodeSLCAN(frame))
	return err
}

func (s *slcan) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.err != nil {
				return Frame{}, s.err
			}
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *slcan) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.wmu.Lock()
		_, _ = io.WriteString(s.rw, "C\r")
		s.wmu.Unlock()
		err = s.rw.Close()
		<-s.done
	})
	return err
}

func (s *slcan) readLoop() {
	defer close(s.done)
	defer close(s.frames)
	r := bufio.NewReader(s.rw)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.err = fmt.Errorf("canbus: slcan read: %w", err)
			}
			return
		}
		// Acknowledgements ("z", "Z", bare CR) and BEL error replies carry no frame.
		line = strings.TrimLeft(strings.TrimSuffix(line, "\r"), "\a")
		if line == "" || line == "z" || line == "Z" {
			continue
		}
		f, err := parseSLCAN(line)
		if err != nil {
			continue
		}
		f.Timestamp = time.Now()
		select {
		case s.frames <- f:
		case <-s.closed:
			return
		}
	}
}

// encodeSLCAN renders a frame as an SLCAN transmit command including the
// trailing carriage return.
func encodeSLCAN(f Frame) string {
	var b strings.Builder
	switch {
	case f.RTR && f.Extended:
		b.WriteByte('R')
	case f.RTR:
		b.WriteByte('r')
	case f.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID&canEffMask)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID&canStdMask)
	}
	b.WriteByte('0' + f.Len)
	if !f.RTR {
		for _, c := range f.Payload() {
			fmt.Fprintf(&b, "%02X", c)
		}
	}
	b.WriteByte('\r')
	return b.String()
}

var errSLCANSyntax = errors.New("canbus: malformed slcan frame")

// parseSLCAN decodes one received SLCAN frame line without the carriage
// return. A trailing 4-digit timestamp, if the adapter adds one, is ignored.
func parseSLCAN(line string) (Frame, error) {
	if line == "" {
		return Frame{}, errSLCANSyntax
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		f.RTR = true
	case 'T':
		f.Extended = true
		idLen = 8
	case 'R':
		f.Extended, f.RTR = true, true
		idLen = 8
	default:
		return Frame{}, errSLCANSyntax
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, errSLCANSyntax
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, errSLCANSyntax
	}
	f.ID = uint32(id)
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return Frame{}, errSLCANSyntax
	}
	f.Len = dlc - '0'
	data := line[2+idLen:]
	if !f.RTR {
		if len(data) < int(f.Len)*2 {
			return Frame{}, errSLCANSyntax
		}
		for i := 0; i < int(f.Len); i++ {
			v, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
			if err != nil {
				return Frame{}, errSLCANSyntax
			}
			f.Data[i] = byte(v)
		}
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
