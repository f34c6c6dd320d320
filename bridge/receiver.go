package bridge

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/codec"
	"github.com/notnil/can2mqtt/tmpl"
	"github.com/notnil/can2mqtt/via"
)

// Names bound for every received frame. Declared fields take precedence.
const (
	BindCANID      = "canid"
	BindIdentifier = "identifier"
	BindTime       = "t"
	BindDateTime   = "dt"
)

// ReceiverConfig defines a CAN to MQTT rule.
type ReceiverConfig struct {
	Name     string
	IDs      []uint32
	Layout   string   // codec layout of the payload
	Fields   []string // "name" or "name via transform", one per layout value
	Topics   []string // paired with Payloads by position
	Payloads []string
}

type pair struct {
	topic   *tmpl.Template
	payload *tmpl.Template
}

// Receiver translates frames into MQTT messages.
type Receiver struct {
	name   string
	ids    []uint32
	layout *codec.Layout
	fields []via.Field
	pairs  []pair
	now    func() time.Time
	st     ruleState
}

// NewReceiver builds a receiver. Any error is a *ConstructionError.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	r, err := newReceiver(cfg)
	if err != nil {
		return nil, &ConstructionError{Kind: KindReceiver, Name: cfg.Name, Err: err}
	}
	return r, nil
}

func newReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if len(cfg.IDs) == 0 {
		return nil, errors.New("no identifiers")
	}
	for _, id := range cfg.IDs {
		if id > canbus.MaxExtID {
			return nil, fmt.Errorf("%w: 0x%X", canbus.ErrInvalidID, id)
		}
	}
	layout, err := codec.Compile(cfg.Layout)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		name:   cfg.Name,
		ids:    append([]uint32(nil), cfg.IDs...),
		layout: layout,
		now:    time.Now,
	}
	seen := make(map[string]bool)
	for _, decl := range cfg.Fields {
		f, err := via.ParseField(decl)
		if err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		r.fields = append(r.fields, f)
	}
	if len(r.fields) != layout.NumValues() {
		return nil, fmt.Errorf("%d fields for layout %q with %d values", len(r.fields), cfg.Layout, layout.NumValues())
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("no topic templates")
	}
	if len(cfg.Topics) != len(cfg.Payloads) {
		return nil, fmt.Errorf("%d topic templates but %d payload templates", len(cfg.Topics), len(cfg.Payloads))
	}
	for i := range cfg.Topics {
		topic, err := tmpl.Compile(cfg.Topics[i])
		if err != nil {
			return nil, err
		}
		payload, err := tmpl.Compile(cfg.Payloads[i])
		if err != nil {
			return nil, err
		}
		r.pairs = append(r.pairs, pair{topic: topic, payload: payload})
	}
	return r, nil
}

// Name returns the rule name.
func (r *Receiver) Name() string { return r.name }

// Kind returns KindReceiver.
func (r *Receiver) Kind() string { return KindReceiver }

// IDs returns the identifiers the receiver handles.
func (r *Receiver) IDs() []uint32 { return append([]uint32(nil), r.ids...) }

func (r *Receiver) state() *ruleState { return &r.st }

// Translate decodes f and renders the receiver's topic/payload pairs in
// order. Pairs are produced lazily; the first failure is yielded as an error
// and ends the sequence, leaving pairs already yielded in place.
func (r *Receiver) Translate(f canbus.Frame) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		b, err := r.bind(f)
		if err != nil {
			yield(Message{}, &TranslationError{Rule: r.name, Err: err})
			return
		}
		for _, p := range r.pairs {
			topic, err := p.topic.Render(b)
			if err != nil {
				yield(Message{}, &TranslationError{Rule: r.name, Err: fmt.Errorf("topic: %w", err)})
				return
			}
			payload, err := p.payload.Render(b)
			if err != nil {
				yield(Message{}, &TranslationError{Rule: r.name, Err: fmt.Errorf("payload: %w", err)})
				return
			}
			if !yield(Message{Topic: topic, Payload: payload}, nil) {
				return
			}
		}
	}
}

func (r *Receiver) bind(f canbus.Frame) (tmpl.Binding, error) {
	values, err := r.layout.Decode(f.Payload())
	if err != nil {
		return nil, err
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	b := tmpl.Binding{
		BindCANID:      int64(f.ID),
		BindIdentifier: int64(f.ID),
		BindTime:       float64(ts.Unix()) + float64(ts.Nanosecond())/1e9,
		BindDateTime:   ts,
	}
	for i, field := range r.fields {
		v, err := field.Apply(values[i])
		if err != nil {
			return nil, err
		}
		b[field.Name] = v
	}
	return b, nil
}
