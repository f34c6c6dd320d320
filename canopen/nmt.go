package canopen

import (
	"fmt"

	"github.com/notnil/can2mqtt/canbus"
)

// NMTCommand is the command specifier for NMT service.
type NMTCommand uint8

const (
	NMTStart               NMTCommand = 0x01
	NMTStop                NMTCommand = 0x02
	NMTEnterPreOperational NMTCommand = 0x80
	NMTResetNode           NMTCommand = 0x81
	NMTResetCommunication  NMTCommand = 0x82
)

// NMTState encodes the node state as reported in heartbeat frames.
type NMTState uint8

const (
	StateBootup         NMTState = 0x00
	StateStopped        NMTState = 0x04
	StateOperational    NMTState = 0x05
	StatePreOperational NMTState = 0x7F
)

func (s NMTState) String() string {
	switch s {
	case StateBootup:
		return "bootup"
	case StateStopped:
		return "stopped"
	case StateOperational:
		return "operational"
	case StatePreOperational:
		return "pre-operational"
	default:
		return fmt.Sprintf("state(0x%02X)", uint8(s))
	}
}

// NMTFrame represents an NMT command. A Node value of 0 addresses all nodes.
type NMTFrame struct {
	Command NMTCommand
	Node    uint8
}

// MarshalCANFrame encodes the command at COB-ID 0x000.
func (n NMTFrame) MarshalCANFrame() (canbus.Frame, error) {
	if n.Node > 127 {
		return canbus.Frame{}, fmt.Errorf("canopen: invalid NMT target %d", n.Node)
	}
	var f canbus.Frame
	f.ID = COBID(FC_NMT, 0)
	f.Len = 2
	f.Data[0] = byte(n.Command)
	f.Data[1] = n.Node
	return f, nil
}

// UnmarshalCANFrame decodes an NMT command frame.
func (n *NMTFrame) UnmarshalCANFrame(f canbus.Frame) error {
	if f.ID != COBID(FC_NMT, 0) || f.Extended {
		return fmt.Errorf("canopen: not an NMT frame (id=0x%X)", f.ID)
	}
	if f.Len < 2 {
		return fmt.Errorf("canopen: NMT frame too short: %d", f.Len)
	}
	n.Command = NMTCommand(f.Data[0])
	n.Node = f.Data[1]
	return nil
}
