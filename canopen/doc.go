// Package canopen provides the CANopen services the bridge runs next to
// frame translation, built on the canbus primitives.
//
// It covers:
//   - COB-ID helpers and function code mapping
//   - NMT commands and node state encoding/decoding
//   - Heartbeat/bootup (NMT error control) frames
//   - SYNC frames and a drift-free SYNC producer (SyncMaster)
//   - Automatic NMT start of nodes reporting a non-operational state (AutoStart)
//
// The APIs here do not attempt to implement the full CANopen stack or
// object dictionary.
package canopen
