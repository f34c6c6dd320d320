package canopen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/rs/zerolog"
)

// SYNC represents a CANopen SYNC message. Counter is optional (nil => length 0).
type SYNC struct {
	Counter *uint8
}

// MarshalCANFrame encodes the SYNC to a CAN frame.
func (s SYNC) MarshalCANFrame() (canbus.Frame, error) {
	var f canbus.Frame
	f.ID = COBID(FC_SYNC, 0)
	if s.Counter != nil {
		f.Len = 1
		f.Data[0] = *s.Counter
	}
	return f, nil
}

// UnmarshalCANFrame decodes the SYNC from a CAN frame.
func (s *SYNC) UnmarshalCANFrame(f canbus.Frame) error {
	if f.ID != COBID(FC_SYNC, 0) || f.Extended {
		return fmt.Errorf("canopen: not a SYNC frame (id=0x%X)", f.ID)
	}
	switch f.Len {
	case 0:
		s.Counter = nil
	case 1:
		v := f.Data[0]
		s.Counter = &v
	default:
		return fmt.Errorf("canopen: SYNC length %d invalid", f.Len)
	}
	return nil
}

// MaxSyncCounter is the largest accepted counter overflow value; the
// counter byte then runs 0..255.
const MaxSyncCounter = 256

// ErrStopped is returned by Start once the sync master has been stopped.
var ErrStopped = errors.New("canopen: sync master stopped")

// PeriodFromSeconds converts a fractional number of seconds into a SYNC
// period.
func PeriodFromSeconds(sec float64) (time.Duration, error) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec <= 0 {
		return 0, fmt.Errorf("canopen: invalid sync period %v", sec)
	}
	d := time.Duration(sec * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("canopen: sync period %v too small", sec)
	}
	return d, nil
}

// SyncOption configures a SyncMaster.
type SyncOption func(*SyncMaster)

// WithSyncLogger sets the logger used for send failures.
func WithSyncLogger(l zerolog.Logger) SyncOption {
	return func(m *SyncMaster) { m.logger = l }
}

// SyncMaster periodically transmits SYNC frames on a bus.
//
// Ticks are aligned to the instant Start was called: each wait lasts until
// the next multiple of the period, so send latency never accumulates into
// drift. With a counter overflow value N > 0 every frame carries a counter
// byte running 0..N-1; with N = 0 frames are empty.
type SyncMaster struct {
	bus    canbus.Sender
	period time.Duration
	count  int
	logger zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	counter int // owned by the run goroutine

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyncMaster creates a stopped SYNC master sending on bus every period.
func NewSyncMaster(bus canbus.Sender, period time.Duration, count int, opts ...SyncOption) (*SyncMaster, error) {
	if period <= 0 {
		return nil, fmt.Errorf("canopen: invalid sync period %v", period)
	}
	if count < 0 || count > MaxSyncCounter {
		return nil, fmt.Errorf("canopen: sync counter %d out of range 0..%d", count, MaxSyncCounter)
	}
	m := &SyncMaster{
		bus:    bus,
		period: period,
		count:  count,
		logger: zerolog.Nop(),
		now:    time.Now,
		after:  time.After,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the background goroutine. Calling Start on a running master
// has no effect; a stopped master cannot be restarted.
func (m *SyncMaster) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx, m.now())
	return nil
}

// Stop halts future ticks, aborts a pending send and waits until the
// goroutine has exited.
func (m *SyncMaster) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
		if m.cancel != nil {
			m.cancel()
		}
	}
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// next returns the time to wait from now until the next tick boundary.
func (m *SyncMaster) next(start time.Time) time.Duration {
	elapsed := m.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return m.period - elapsed%m.period
}

func (m *SyncMaster) run(ctx context.Context, start time.Time) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.after(m.next(start)):
		}
		select {
		case <-m.stop:
			return
		default:
		}
		frame := m.frame()
		if err := m.bus.Send(ctx, frame); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("sending sync frame failed")
		}
	}
}

// frame builds the next SYNC frame and advances the counter.
func (m *SyncMaster) frame() canbus.Frame {
	var s SYNC
	if m.count > 0 {
		c := uint8(m.counter)
		s.Counter = &c
		m.counter++
		if m.counter >= m.count {
			m.counter = 0
		}
	}
	f, _ := s.MarshalCANFrame()
	return f
}
