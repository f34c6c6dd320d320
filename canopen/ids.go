package canopen

import "fmt"

// NodeID represents a CANopen node identifier (1..127).
// Value 0 addresses all nodes in NMT commands.
type NodeID uint8

// Validate checks that the node identifier is in the range 1..127.
func (n NodeID) Validate() error {
	if n < 1 || n > 127 {
		return fmt.Errorf("canopen: invalid node id %d (valid 1..127)", n)
	}
	return nil
}

// FunctionCode enumerates CANopen function code bases (CiA 301).
type FunctionCode uint16

const (
	// Fixed COB-IDs (no node id addition)
	FC_NMT  FunctionCode = 0x000
	FC_SYNC FunctionCode = 0x080
	FC_TIME FunctionCode = 0x100

	FC_EMCY        FunctionCode = 0x080 // + node id
	FC_TPDO1       FunctionCode = 0x180
	FC_RPDO1       FunctionCode = 0x200
	FC_TPDO2       FunctionCode = 0x280
	FC_RPDO2       FunctionCode = 0x300
	FC_TPDO3       FunctionCode = 0x380
	FC_RPDO3       FunctionCode = 0x400
	FC_TPDO4       FunctionCode = 0x480
	FC_RPDO4       FunctionCode = 0x500
	FC_SDO_TX      FunctionCode = 0x580 // server->client
	FC_SDO_RX      FunctionCode = 0x600 // client->server
	FC_NMT_ERRCTRL FunctionCode = 0x700 // heartbeat / bootup / node guarding
)

// nodeMask selects the node id bits of a predefined connection set COB-ID.
const nodeMask = 0x7F

// perNode lists the function codes that carry a node id, in COB-ID order.
var perNode = []FunctionCode{
	FC_EMCY, FC_TPDO1, FC_RPDO1, FC_TPDO2, FC_RPDO2, FC_TPDO3, FC_RPDO3,
	FC_TPDO4, FC_RPDO4, FC_SDO_TX, FC_SDO_RX, FC_NMT_ERRCTRL,
}

// COBID composes the 11-bit CAN identifier for a function code and node id.
// NMT, SYNC and TIME are fixed and ignore node; note that SYNC shares its base
// with EMCY, so COBID(FC_EMCY, n) must be used for emergency messages.
func COBID(fc FunctionCode, node NodeID) uint32 {
	switch fc {
	case FC_NMT, FC_TIME:
		return uint32(fc)
	}
	return uint32(fc) + uint32(node)
}

// ParseCOBID infers the function code and node id from an 11-bit identifier.
// 0x080 is reported as SYNC rather than EMCY of node 0.
func ParseCOBID(id uint32) (FunctionCode, NodeID, error) {
	if id > 0x7FF {
		return 0, 0, fmt.Errorf("canopen: invalid 11-bit id 0x%X", id)
	}
	switch FunctionCode(id) {
	case FC_NMT, FC_SYNC, FC_TIME:
		return FunctionCode(id), 0, nil
	}
	base := FunctionCode(id &^ nodeMask)
	for _, fc := range perNode {
		if fc == base {
			return fc, NodeID(id & nodeMask), nil
		}
	}
	return 0, 0, fmt.Errorf("canopen: id 0x%X not in CANopen base ranges", id)
}
