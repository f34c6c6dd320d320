package canopen

import "github.com/notnil/can2mqtt/canbus"

// CANopen-typed filters for the services the bridge handles itself.

// CANopenSYNC matches SYNC frames (COB-ID 0x080, standard IDs).
func CANopenSYNC() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.ByID(uint32(FC_SYNC)))
}

// CANopenHeartbeatAny matches heartbeat and bootup frames (0x700–0x77F).
func CANopenHeartbeatAny() canbus.FrameFilter {
	return canbus.And(canbus.StandardOnly(), canbus.DataOnly(), canbus.ByMask(uint32(FC_NMT_ERRCTRL), 0x780))
}
