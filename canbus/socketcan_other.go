//go:build !linux

package canbus

import "errors"

var errNoSocketCAN = errors.New("canbus: SocketCAN is only available on linux")

// DialSocketCAN is only supported on linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, errNoSocketCAN
}

// PrepareInterface is only supported on linux.
func PrepareInterface(name string, opts InterfaceOptions) error {
	return errNoSocketCAN
}
