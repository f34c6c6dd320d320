package canopen

import (
	"fmt"

	"github.com/notnil/can2mqtt/canbus"
)

// Heartbeat represents an NMT error control message (heartbeat or bootup)
// from a node. Present is false when the frame carried no state byte.
type Heartbeat struct {
	Node    NodeID
	State   NMTState
	Present bool
}

// MarshalCANFrame encodes the heartbeat to a CAN frame with a single state byte.
func (h Heartbeat) MarshalCANFrame() (canbus.Frame, error) {
	if err := h.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	f.ID = COBID(FC_NMT_ERRCTRL, h.Node)
	f.Len = 1
	f.Data[0] = byte(h.State)
	return f, nil
}

// UnmarshalCANFrame decodes a heartbeat. Remote requests (node guarding) and
// node id 0 are rejected; an empty payload decodes with Present unset.
func (h *Heartbeat) UnmarshalCANFrame(f canbus.Frame) error {
	if f.Extended || f.RTR {
		return fmt.Errorf("canopen: not a heartbeat frame (id=0x%X)", f.ID)
	}
	fc, node, err := ParseCOBID(f.ID)
	if err != nil {
		return err
	}
	if fc != FC_NMT_ERRCTRL {
		return fmt.Errorf("canopen: not a heartbeat frame (id=0x%X)", f.ID)
	}
	if err := node.Validate(); err != nil {
		return err
	}
	h.Node = node
	h.Present = f.Len > 0
	h.State = 0
	if h.Present {
		h.State = NMTState(f.Data[0])
	}
	return nil
}
