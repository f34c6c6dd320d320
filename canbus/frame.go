package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame represents a classical CAN (2.0A/2.0B) frame.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Data length 0-8 bytes (classical CAN)
//
// Timestamp is the receive time stamped by the driver that produced the
// frame. It is not part of the wire encoding and is zero for frames built
// locally.
type Frame struct {
	ID        uint32 // 11-bit (std) or 29-bit (ext)
	Extended  bool   // true for 29-bit identifier
	RTR       bool   // remote transmission request
	Len       uint8  // 0..8
	Data      [8]byte
	Timestamp time.Time
}

// Validation limits.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > MaxExtID {
			return ErrInvalidID
		}
	} else {
		if f.ID > MaxStdID {
			return ErrInvalidID
		}
	}
	return nil
}

// NewFrame builds a data frame for id carrying data. Identifiers above the
// standard range are marked extended.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	if len(data) > 8 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidLen, len(data))
	}
	f.ID = id
	f.Extended = id > MaxStdID
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: 0x%X", err, id)
	}
	return f, nil
}

// MustFrame constructs a Frame and panics if invalid. Convenience for examples.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseID parses an identifier written in decimal or with a 0x, 0o or 0b
// prefix.
func ParseID(s string) (uint32, error) {
	digits := strings.TrimSpace(s)
	base := 10
	if len(digits) > 2 && digits[0] == '0' {
		switch digits[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 10 {
			digits = digits[2:]
		}
	}
	// A bare leading zero is neither decimal nor a base prefix.
	if digits == "" || strings.ContainsAny(digits, "+-_") || (base == 10 && len(digits) > 1 && digits[0] == '0') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	id, err := strconv.ParseUint(digits, base, 32)
	if err != nil || id > MaxExtID {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return uint32(id), nil
}

// Payload returns the used data bytes. The slice aliases a copy of the frame,
// so callers may keep it.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

// String renders the frame in candump-like notation, e.g. "123 [2] DE AD".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// SocketCAN can_id flag bits.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame" layout
// (16 bytes) for classical CAN. The timestamp is not encoded.
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR/ERR)
//	4     can_dlc (data length code)
//	5..7  padding (set to zero)
//	8..15 data bytes
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("canbus: need 16 bytes, got %d", len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
