// Package canbus provides the CAN side of the bridge: a core Frame type, the
// Bus abstraction the translation engine sends and receives through, and the
// drivers behind it.
//
// It includes:
//   - A core Frame type with validation and binary marshaling helpers
//   - An in-memory loopback bus for tests and simulations
//   - A frame multiplexer and composable frame filters
//   - A logging decorator built on zerolog
//   - A Linux SocketCAN driver (linux-only)
//   - An SLCAN (Lawicel ASCII) driver for USB/serial adapters
package canbus
