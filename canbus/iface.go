package canbus

// InterfaceOptions controls SocketCAN interface preparation. Zero values leave
// the corresponding setting unchanged.
type InterfaceOptions struct {
	// Bitrate sets the arbitration bit-rate in bits per second (e.g. 500000).
	Bitrate uint32
	// RestartMs sets automatic bus-off recovery delay in milliseconds.
	RestartMs uint32
	// Up brings the interface up after configuration.
	Up bool
}
