//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a blocked Send/Receive waits before it
// re-checks its context.
const pollInterval = 50 * time.Millisecond

// socketCAN implements Bus over a Linux SocketCAN raw socket.
type socketCAN struct {
	fd     int
	wmu    sync.Mutex
	rmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name (e.g., "can0").
func DialSocketCAN(iface string) (Bus, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %q: %w", iface, err)
	}
	// Non-blocking mode so that Send/Receive can honour their context.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &socketCAN{fd: fd, closed: make(chan struct{})}, nil
}

func (s *socketCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		// Wait for in-flight reads and writes before releasing the fd.
		s.wmu.Lock()
		s.rmu.Lock()
		err = unix.Close(s.fd)
		s.rmu.Unlock()
		s.wmu.Unlock()
	})
	return err
}

func (s *socketCAN) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for {
		if s.isClosed() {
			return ErrClosed
		}
		n, werr := unix.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return errors.New("canbus: short write")
			}
			return nil
		}
		if werr == unix.EAGAIN || werr == unix.ENOBUFS {
			if err := s.wait(ctx, unix.POLLOUT); err != nil {
				return err
			}
			continue
		}
		return werr
	}
}

// Receive reads one frame, blocking until one arrives or ctx is done.
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	buf := make([]byte, 16)
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.isClosed() {
			return Frame{}, ErrClosed
		}
		n, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if n != len(buf) {
				return Frame{}, errors.New("canbus: short read")
			}
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			f.Timestamp = time.Now()
			return f, nil
		}
		if rerr == unix.EAGAIN {
			if err := s.wait(ctx, unix.POLLIN); err != nil {
				return Frame{}, err
			}
			continue
		}
		return Frame{}, rerr
	}
}

// wait polls the socket for events in slices of pollInterval so that context
// cancellation and Close are observed promptly.
func (s *socketCAN) wait(ctx context.Context, events int16) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.isClosed() {
			return ErrClosed
		}
		timeout := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = d
			}
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}
