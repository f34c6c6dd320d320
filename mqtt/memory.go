package mqtt

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker with the same Publish/Subscribe
// surface as Client. Delivery is synchronous and in subscription order.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      []memorySub
	published []Message
	failWith  error
}

type memorySub struct {
	filter  string
	handler Handler
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish records the message and delivers it to every matching
// subscription.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	m := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, m)
	var targets []Handler
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range targets {
		h(m)
	}
	return nil
}

// Subscribe registers h for filter.
func (b *MemoryBroker) Subscribe(ctx context.Context, filter string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, memorySub{filter: filter, handler: h})
	b.mu.Unlock()
	return nil
}

// Filters lists the subscribed filters in order.
func (b *MemoryBroker) Filters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subs))
	for i, s := range b.subs {
		out[i] = s.filter
	}
	return out
}

// Published returns every message accepted so far.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// FailPublish makes subsequent publishes fail with err; nil restores normal
// operation.
func (b *MemoryBroker) FailPublish(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}

// Close is a no-op.
func (b *MemoryBroker) Close() error { return nil }
