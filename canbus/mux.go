package canbus

import (
	"context"
	"sync"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux multiplexes frames from a Bus to any number of subscribers via filters.
//
// It owns the provided Bus instance for receiving and runs a single background
// goroutine to read from Receive and fan-out frames to subscribers. This avoids
// having multiple goroutines competing to Receive and lets the bridge feed the
// translation dispatcher and CANopen services from one socket.
//
// Send is not proxied; callers should keep using the original Bus to Send.
type Mux struct {
	bus    Bus
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	err     error
	stopped bool
}

type subscriber struct {
	filter FrameFilter
	ch     chan Frame
	block  bool
	gone   chan struct{}
	once   sync.Once
}

// NewMux creates and starts a multiplexer bound to the given Bus.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		bus:    bus,
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]*subscriber),
	}
	go m.run(ctx)
	return m
}

// Close stops the background reader and closes all subscriber channels.
func (m *Mux) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	m.cancel()
	<-m.done
	return nil
}

// Err reports the receive error that stopped the mux, if any.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Subscribe registers a new subscriber with the provided filter and channel buffer.
// The returned channel will receive frames that match the filter; frames are
// dropped when the subscriber is slow and its buffer is full. The cancel
// function should be called when no longer needed; it will close the channel.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	return m.subscribe(filter, buffer, false)
}

// SubscribeBlocking is like Subscribe but applies backpressure instead of
// dropping: the reader waits until the subscriber accepts each frame. Every
// other subscriber waits with it, so use it only for consumers that must see
// every frame.
func (m *Mux) SubscribeBlocking(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	return m.subscribe(filter, buffer, true)
}

func (m *Mux) subscribe(filter FrameFilter, buffer int, block bool) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{filter: filter, ch: make(chan Frame, buffer), block: block, gone: make(chan struct{})}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := m.next
	m.next++
	m.subs[id] = s
	m.mu.Unlock()

	cancel := func() {
		// Release a reader blocked on this subscriber before taking the lock.
		s.once.Do(func() { close(s.gone) })
		m.mu.Lock()
		if cur, ok := m.subs[id]; ok && cur == s {
			close(cur.ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	}
	return s.ch, cancel
}

func (m *Mux) run(ctx context.Context) {
	defer close(m.done)
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			// On error, propagate closure to subscribers and exit.
			m.mu.Lock()
			m.stopped = true
			if ctx.Err() == nil {
				m.err = err
			}
			for id, s := range m.subs {
				close(s.ch)
				delete(m.subs, id)
			}
			m.mu.Unlock()
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			if s.filter != nil && !s.filter(f) {
				continue
			}
			if s.block {
				select {
				case s.ch <- f:
				case <-s.gone:
				case <-m.stop:
				}
				continue
			}
			select {
			case s.ch <- f:
			default:
				// Drop if subscriber is slow and channel is full.
			}
		}
		m.mu.RUnlock()
	}
}
