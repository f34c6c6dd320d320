package bridge

import (
	"context"
	"errors"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/mqtt"
	"github.com/rs/zerolog"
)

// Publisher is the MQTT publish primitive, implemented by mqtt.Client and
// mqtt.MemoryBroker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber is the MQTT subscribe primitive.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, h mqtt.Handler) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records dispatch counters in m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher moves traffic between the CAN bus and MQTT through the rules of
// a Table. Translation failures are counted against their rule; transport
// failures are logged and never retried.
type Dispatcher struct {
	table   *Table
	bus     canbus.Sender
	pub     Publisher
	logger  zerolog.Logger
	metrics *Metrics
}

// NewDispatcher returns a dispatcher sending frames on bus and publishing
// messages with pub.
func NewDispatcher(table *Table, bus canbus.Sender, pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{table: table, bus: bus, pub: pub, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleFrame publishes every message the receiver registered for f.ID
// produces. A publish failure does not stop the remaining messages; a
// translation failure stops them and counts against the receiver.
func (d *Dispatcher) HandleFrame(ctx context.Context, f canbus.Frame) {
	d.metrics.frame()
	r, ok := d.table.Receiver(f.ID)
	if !ok || !d.table.Live(r) {
		return
	}
	for msg, err := range r.Translate(f) {
		if err != nil {
			d.fail(r, DirectionCANToMQTT, err, d.logger.Warn().Uint32("canid", f.ID))
			return
		}
		d.metrics.translation(DirectionCANToMQTT, true)
		if !d.table.Live(r) {
			return
		}
		if err := d.pub.Publish(ctx, msg.Topic, []byte(msg.Payload)); err != nil {
			d.metrics.transportError("mqtt")
			d.logger.Error().Err(err).
				Str("rule", r.Name()).
				Str("topic", msg.Topic).
				Str("payload", msg.Payload).
				Msg("publish failed")
		}
		if !d.table.Live(r) {
			return
		}
	}
}

// HandleMessage runs the transmitters of every filter matching topic, in
// registration order, and sends each resulting frame.
func (d *Dispatcher) HandleMessage(ctx context.Context, topic string, payload []byte) {
	d.metrics.message()
	d.transmit(ctx, d.table.Match(topic), topic, payload)
}

// HandleSubscription runs only the transmitters registered for filter. It
// serves per-filter subscriptions, where the MQTT client already invokes one
// handler per matching filter.
func (d *Dispatcher) HandleSubscription(ctx context.Context, filter, topic string, payload []byte) {
	d.metrics.message()
	d.transmit(ctx, d.table.Transmitters(filter), topic, payload)
}

func (d *Dispatcher) transmit(ctx context.Context, rules []*Transmitter, topic string, payload []byte) {
	text := string(payload)
	for _, t := range rules {
		if !d.table.Live(t) {
			continue
		}
		f, err := t.Translate(topic, text)
		if err != nil {
			d.fail(t, DirectionMQTTToCAN, err, d.logger.Warn().Str("topic", topic).Str("payload", text))
			continue
		}
		d.metrics.translation(DirectionMQTTToCAN, true)
		// Removed by a concurrent dispatch while translating.
		if !d.table.Live(t) {
			continue
		}
		if err := d.bus.Send(ctx, f); err != nil {
			d.metrics.transportError("can")
			d.logger.Error().Err(err).
				Str("rule", t.Name()).
				Stringer("frame", f).
				Msg("sending frame failed")
		}
	}
}

func (d *Dispatcher) fail(r Rule, direction string, err error, ev *zerolog.Event) {
	d.metrics.translation(direction, false)
	var te *TranslationError
	if errors.As(err, &te) {
		err = te.Err
	}
	ev.Str("rule", r.Name()).Err(err).Msg("translation failed")
	if d.table.Fail(r) {
		d.metrics.removed(direction)
	}
}

// Subscribe subscribes every filter of the table. A failing filter is logged
// and skipped; the number of filters subscribed is returned.
func (d *Dispatcher) Subscribe(ctx context.Context, sub Subscriber) int {
	n := 0
	for _, filter := range d.table.Subscriptions() {
		handler := func(m mqtt.Message) {
			d.HandleSubscription(ctx, filter, m.Topic, m.Payload)
		}
		if err := sub.Subscribe(ctx, filter, handler); err != nil {
			d.logger.Error().Err(err).Str("topic", filter).Msg("subscribe failed")
			continue
		}
		d.logger.Debug().Str("topic", filter).Msg("subscribed")
		n++
	}
	return n
}

// Run handles frames until the channel closes or ctx is done. A frame
// already taken from the channel is dispatched to completion even when ctx
// is cancelled meanwhile; no new frame is taken after cancellation.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan canbus.Frame) error {
	inflight := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			d.HandleFrame(inflight, f)
		}
	}
}
