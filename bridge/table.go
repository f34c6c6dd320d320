package bridge

import (
	"slices"
	"sync"

	"github.com/notnil/can2mqtt/mqtt"
	"github.com/rs/zerolog"
)

// TableOption configures a Table.
type TableOption func(*Table)

// WithErrorBudget sets the number of failures after which a rule is
// removed. Values below 1 are ignored.
func WithErrorBudget(n int) TableOption {
	return func(t *Table) {
		if n >= 1 {
			t.budget = n
		}
	}
}

// WithTableLogger sets the logger for registration and removal events.
func WithTableLogger(l zerolog.Logger) TableOption {
	return func(t *Table) { t.logger = l }
}

// WithRemovalHook registers fn to run, outside the table lock, after a rule
// has been removed.
func WithRemovalHook(fn func(Rule)) TableOption {
	return func(t *Table) { t.onRemove = fn }
}

// Table routes identifiers to receivers and topic filters to transmitters,
// and keeps the failure count of every rule. It is safe for concurrent use;
// lookups return copies, so callers never hold the lock while translating.
type Table struct {
	mu           sync.Mutex
	receivers    map[uint32]*Receiver
	transmitters map[string][]*Transmitter
	patterns     []string // registration order

	budget   int
	logger   zerolog.Logger
	onRemove func(Rule)
}

// NewTable returns an empty table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		receivers:    make(map[uint32]*Receiver),
		transmitters: make(map[string][]*Transmitter),
		budget:       DefaultErrorBudget,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddReceiver registers r for each of its identifiers. A receiver already
// registered for an identifier is replaced.
func (t *Table) AddReceiver(r *Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.st.removed {
		return ErrRemoved
	}
	for _, id := range r.ids {
		if prev, ok := t.receivers[id]; ok && prev != r {
			t.logger.Warn().
				Uint32("canid", id).
				Str("rule", r.name).
				Str("replaced", prev.name).
				Msg("duplicate receiver identifier, last registration wins")
		}
		t.receivers[id] = r
	}
	return nil
}

// AddTransmitter appends tr to the list of each of its subscriptions.
func (t *Table) AddTransmitter(tr *Transmitter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr.st.removed {
		return ErrRemoved
	}
	for _, s := range tr.subs {
		if _, ok := t.transmitters[s]; !ok {
			t.patterns = append(t.patterns, s)
		}
		t.transmitters[s] = append(t.transmitters[s], tr)
	}
	return nil
}

// Subscriptions lists the topic filters that still have transmitters, in
// registration order.
func (t *Table) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, p := range t.patterns {
		if len(t.transmitters[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Receiver returns the receiver registered for id.
func (t *Table) Receiver(id uint32) (*Receiver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.receivers[id]
	return r, ok
}

// Receivers returns the number of registered identifiers.
func (t *Table) Receivers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.receivers)
}

// ReceiverIDs lists the identifiers that currently have a receiver, in
// ascending order.
func (t *Table) ReceiverIDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.receivers))
	for id := range t.receivers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Transmitters returns the transmitters registered for filter, in
// registration order.
func (t *Table) Transmitters(filter string) []*Transmitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.transmitters[filter])
}

// Match returns the transmitters of every filter matching topic: filters in
// registration order, transmitters in registration order within a filter.
func (t *Table) Match(topic string) []*Transmitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Transmitter
	for _, p := range t.patterns {
		if mqtt.Match(p, topic) {
			out = append(out, t.transmitters[p]...)
		}
	}
	return out
}

// Live reports whether r has not been removed.
func (t *Table) Live(r Rule) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !r.state().removed
}

// Failures returns the failure count of r.
func (t *Table) Failures(r Rule) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.state().failures
}

// Fail counts one failure against r and removes r from every entry once the
// budget is reached. It reports whether this call removed the rule. Failures
// of a removed rule are not counted.
func (t *Table) Fail(r Rule) bool {
	t.mu.Lock()
	st := r.state()
	if st.removed {
		t.mu.Unlock()
		return false
	}
	st.failures++
	if st.failures < t.budget {
		t.mu.Unlock()
		return false
	}
	st.removed = true
	switch rule := r.(type) {
	case *Receiver:
		for id, cur := range t.receivers {
			if cur == rule {
				delete(t.receivers, id)
			}
		}
	case *Transmitter:
		for p, list := range t.transmitters {
			// Lists are replaced, never edited in place: copies handed out by
			// Match stay intact.
			t.transmitters[p] = slices.DeleteFunc(slices.Clone(list), func(x *Transmitter) bool { return x == rule })
		}
	}
	failures := st.failures
	t.mu.Unlock()

	t.logger.Warn().
		Str("rule", r.Name()).
		Str("kind", r.Kind()).
		Int("failures", failures).
		Msg("error budget exhausted, rule removed")
	if t.onRemove != nil {
		t.onRemove(r)
	}
	return true
}
