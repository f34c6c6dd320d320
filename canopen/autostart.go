package canopen

import (
	"context"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/rs/zerolog"
)

// AutoStart watches heartbeat and bootup frames and commands every node that
// does not report the operational state into it with an NMT start. There is
// no deduplication: each qualifying frame yields exactly one command.
type AutoStart struct {
	bus    canbus.Sender
	logger zerolog.Logger
}

// NewAutoStart returns an AutoStart sending its NMT commands on bus.
func NewAutoStart(bus canbus.Sender, logger zerolog.Logger) *AutoStart {
	return &AutoStart{bus: bus, logger: logger}
}

// HandleFrame inspects one received frame. It reports whether a start command
// was emitted; a send failure is logged and returned, never retried.
func (a *AutoStart) HandleFrame(ctx context.Context, f canbus.Frame) (bool, error) {
	var hb Heartbeat
	if err := hb.UnmarshalCANFrame(f); err != nil {
		return false, nil
	}
	// A frame without a state byte counts as not operational.
	if hb.Present && hb.State == StateOperational {
		return false, nil
	}
	cmd, err := NMTFrame{Command: NMTStart, Node: uint8(hb.Node)}.MarshalCANFrame()
	if err != nil {
		return false, err
	}
	a.logger.Info().Uint8("node", uint8(hb.Node)).Stringer("state", hb.State).Msg("starting remote node")
	if err := a.bus.Send(ctx, cmd); err != nil {
		a.logger.Error().Uint8("node", uint8(hb.Node)).Err(err).Msg("sending NMT start failed")
		return true, err
	}
	return true, nil
}

// Run handles frames until the channel closes or ctx is done. It is meant to
// consume a canbus.Mux subscription filtered with CANopenHeartbeatAny.
func (a *AutoStart) Run(ctx context.Context, frames <-chan canbus.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			_, _ = a.HandleFrame(ctx, f)
		}
	}
}
