package bridge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/codec"
	"github.com/notnil/can2mqtt/mqtt"
	"github.com/notnil/can2mqtt/tmpl"
)

// IDRef is a transmitter identifier: a fixed value, or the name of a parsed
// placeholder holding it.
type IDRef struct {
	Value uint32
	Field string
}

// LiteralID refers to a fixed identifier.
func LiteralID(id uint32) IDRef { return IDRef{Value: id} }

// FieldID refers to the identifier parsed into placeholder name.
func FieldID(name string) IDRef { return IDRef{Field: name} }

func (r IDRef) String() string {
	if r.Field != "" {
		return "{" + r.Field + "}"
	}
	return fmt.Sprintf("0x%X", r.Value)
}

// TransmitterConfig defines an MQTT to CAN rule.
type TransmitterConfig struct {
	Name          string
	ID            IDRef
	Subscriptions []string
	Layout        string
	Fields        []string
	Topic         string // optional
	Payload       string
}

// Transmitter translates MQTT messages into frames.
type Transmitter struct {
	name    string
	id      IDRef
	subs    []string
	layout  *codec.Layout
	fields  []string
	topic   *tmpl.Template // nil without a topic template
	payload *tmpl.Template
	st      ruleState
}

// NewTransmitter builds a transmitter. Any error is a *ConstructionError.
func NewTransmitter(cfg TransmitterConfig) (*Transmitter, error) {
	t, err := newTransmitter(cfg)
	if err != nil {
		return nil, &ConstructionError{Kind: KindTransmitter, Name: cfg.Name, Err: err}
	}
	return t, nil
}

func newTransmitter(cfg TransmitterConfig) (*Transmitter, error) {
	if cfg.ID.Field == "" && cfg.ID.Value > canbus.MaxExtID {
		return nil, fmt.Errorf("%w: 0x%X", canbus.ErrInvalidID, cfg.ID.Value)
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, errors.New("no subscriptions")
	}
	for _, s := range cfg.Subscriptions {
		if err := mqtt.ValidateFilter(s); err != nil {
			return nil, err
		}
	}
	layout, err := codec.Compile(cfg.Layout)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fields) != layout.NumValues() {
		return nil, fmt.Errorf("%d fields for layout %q with %d values", len(cfg.Fields), cfg.Layout, layout.NumValues())
	}
	t := &Transmitter{
		name:   cfg.Name,
		id:     cfg.ID,
		subs:   append([]string(nil), cfg.Subscriptions...),
		layout: layout,
		fields: append([]string(nil), cfg.Fields...),
	}
	if cfg.Topic != "" {
		if t.topic, err = tmpl.CompileParser(cfg.Topic); err != nil {
			return nil, fmt.Errorf("topic: %w", err)
		}
	}
	if cfg.Payload == "" {
		return nil, errors.New("no payload template")
	}
	if t.payload, err = tmpl.CompileParser(cfg.Payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	parsed := t.payload.Names()
	if t.topic != nil {
		parsed = append(parsed, t.topic.Names()...)
	}
	need := t.fields
	if cfg.ID.Field != "" {
		need = append(slices.Clone(need), cfg.ID.Field)
	}
	for _, n := range need {
		if !slices.Contains(parsed, n) {
			return nil, fmt.Errorf("%q is not a placeholder of the topic or payload template", n)
		}
	}
	return t, nil
}

// Name returns the rule name.
func (t *Transmitter) Name() string { return t.name }

// Kind returns KindTransmitter.
func (t *Transmitter) Kind() string { return KindTransmitter }

// Subscriptions returns the topic filters the transmitter listens on.
func (t *Transmitter) Subscriptions() []string { return append([]string(nil), t.subs...) }

func (t *Transmitter) state() *ruleState { return &t.st }

// Translate parses a message into a frame. Topic values are parsed first;
// payload values win on a name clash. Any failure is a *TranslationError and
// no frame is produced.
func (t *Transmitter) Translate(topic, payload string) (canbus.Frame, error) {
	f, err := t.translate(topic, payload)
	if err != nil {
		return canbus.Frame{}, &TranslationError{Rule: t.name, Err: err}
	}
	return f, nil
}

func (t *Transmitter) translate(topic, payload string) (canbus.Frame, error) {
	b := tmpl.Binding{}
	if t.topic != nil {
		tb, err := t.topic.Parse(topic)
		if err != nil {
			return canbus.Frame{}, fmt.Errorf("topic: %w", err)
		}
		b = tb
	}
	pb, err := t.payload.Parse(payload)
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("payload: %w", err)
	}
	for k, v := range pb {
		b[k] = v
	}

	id, err := t.resolveID(b)
	if err != nil {
		return canbus.Frame{}, err
	}
	values := make([]any, len(t.fields))
	for i, name := range t.fields {
		v, ok := b[name]
		if !ok {
			return canbus.Frame{}, fmt.Errorf("field %q not parsed", name)
		}
		values[i] = v
	}
	data, err := t.layout.Encode(values)
	if err != nil {
		return canbus.Frame{}, err
	}
	return canbus.NewFrame(id, data)
}

func (t *Transmitter) resolveID(b tmpl.Binding) (uint32, error) {
	if t.id.Field == "" {
		return t.id.Value, nil
	}
	v, ok := b[t.id.Field]
	if !ok {
		return 0, fmt.Errorf("identifier field %q not parsed", t.id.Field)
	}
	switch x := v.(type) {
	case int64:
		if x >= 0 && x <= canbus.MaxExtID {
			return uint32(x), nil
		}
	case uint64:
		if x <= canbus.MaxExtID {
			return uint32(x), nil
		}
	case string:
		return canbus.ParseID(x)
	}
	return 0, fmt.Errorf("%w: %v", canbus.ErrInvalidID, v)
}
