package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/codec"
	"github.com/notnil/can2mqtt/mqtt"
	"github.com/notnil/can2mqtt/tmpl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type sentFrames struct {
	mu     sync.Mutex
	frames []canbus.Frame
	err    error
}

func (s *sentFrames) Send(_ context.Context, f canbus.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *sentFrames) all() []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canbus.Frame(nil), s.frames...)
}

func mustReceiver(t *testing.T, cfg ReceiverConfig) *Receiver {
	t.Helper()
	r, err := NewReceiver(cfg)
	require.NoError(t, err)
	return r
}

func mustTransmitter(t *testing.T, cfg TransmitterConfig) *Transmitter {
	t.Helper()
	tr, err := NewTransmitter(cfg)
	require.NoError(t, err)
	return tr
}

func collect(t *testing.T, r *Receiver, f canbus.Frame) ([]Message, error) {
	t.Helper()
	var out []Message
	for m, err := range r.Translate(f) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

func TestReceiverTranslate(t *testing.T) {
	r := mustReceiver(t, ReceiverConfig{
		Name:     "temp",
		IDs:      []uint32{0x123},
		Layout:   ">HH",
		Fields:   []string{"a", "b"},
		Topics:   []string{"t/{a}"},
		Payloads: []string{"{b}"},
	})
	data, err := codec.MustCompile(">HH").Encode([]any{1, 2})
	require.NoError(t, err)

	msgs, err := collect(t, r, canbus.MustFrame(0x123, data))
	require.NoError(t, err)
	require.Equal(t, []Message{{Topic: "t/1", Payload: "2"}}, msgs)
}

func TestReceiverBuiltinsAndVia(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := mustReceiver(t, ReceiverConfig{
		Name:     "status",
		IDs:      []uint32{0x181, 0x182},
		Layout:   "<Bh",
		Fields:   []string{"state via int2on_off", "temp via divideby10"},
		Topics:   []string{"node/{canid:03x}/state", "node/{identifier}/temp"},
		Payloads: []string{"{state}", "{temp} @ {t} {dt:%H:%M}"},
	})
	f := canbus.MustFrame(0x182, []byte{1, 0xD7, 0x00})
	f.Timestamp = ts

	msgs, err := collect(t, r, f)
	require.NoError(t, err)
	require.Equal(t, []Message{
		{Topic: "node/182/state", Payload: "on"},
		{Topic: "node/386/temp", Payload: "21.5 @ 1704164645.0 03:04"},
	}, msgs)

	// Declared fields win over the built-in bindings.
	over := mustReceiver(t, ReceiverConfig{
		Name: "override", IDs: []uint32{0x10}, Layout: "B", Fields: []string{"canid"},
		Topics: []string{"x"}, Payloads: []string{"{canid}"},
	})
	msgs, err = collect(t, over, canbus.MustFrame(0x10, []byte{7}))
	require.NoError(t, err)
	require.Equal(t, "7", msgs[0].Payload)
}

func TestReceiverPartialOutput(t *testing.T) {
	r := mustReceiver(t, ReceiverConfig{
		Name: "partial", IDs: []uint32{1}, Layout: "B", Fields: []string{"v"},
		Topics:   []string{"a", "b", "c"},
		Payloads: []string{"{v}", "{missing}", "{v}"},
	})
	msgs, err := collect(t, r, canbus.MustFrame(1, []byte{3}))
	require.Equal(t, []Message{{Topic: "a", Payload: "3"}}, msgs)
	var te *TranslationError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "partial", te.Rule)
	require.ErrorIs(t, err, tmpl.ErrUnresolved)

	_, err = collect(t, r, canbus.MustFrame(1, []byte{3, 4}))
	require.ErrorIs(t, err, codec.ErrLayoutMismatch)
}

func TestReceiverConstructionErrors(t *testing.T) {
	base := ReceiverConfig{
		Name: "r", IDs: []uint32{1}, Layout: "<BB", Fields: []string{"a", "b"},
		Topics: []string{"t"}, Payloads: []string{"{a}"},
	}
	cases := map[string]func(*ReceiverConfig){
		"no ids":          func(c *ReceiverConfig) { c.IDs = nil },
		"id too large":    func(c *ReceiverConfig) { c.IDs = []uint32{0x20000000} },
		"bad layout":      func(c *ReceiverConfig) { c.Layout = "<Z" },
		"field count":     func(c *ReceiverConfig) { c.Fields = []string{"a"} },
		"duplicate field": func(c *ReceiverConfig) { c.Fields = []string{"a", "a"} },
		"unknown via":     func(c *ReceiverConfig) { c.Fields = []string{"a", "b via nope"} },
		"pair mismatch":   func(c *ReceiverConfig) { c.Payloads = []string{"{a}", "{b}"} },
		"no topics":       func(c *ReceiverConfig) { c.Topics, c.Payloads = nil, nil },
		"bad template":    func(c *ReceiverConfig) { c.Topics = []string{"t/{"} },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		_, err := NewReceiver(cfg)
		var ce *ConstructionError
		require.ErrorAs(t, err, &ce, name)
		require.Equal(t, KindReceiver, ce.Kind)
	}
}

func TestTransmitterTranslate(t *testing.T) {
	tr := mustTransmitter(t, TransmitterConfig{
		Name:          "cmd",
		ID:            FieldID("id"),
		Subscriptions: []string{"cmd/#"},
		Layout:        "<B",
		Fields:        []string{"v"},
		Payload:       "{id:d},{v:d}",
	})
	f, err := tr.Translate("cmd/x", "5,9")
	require.NoError(t, err)
	require.Equal(t, uint32(5), f.ID)
	require.Equal(t, []byte{9}, f.Payload())
	require.False(t, f.Extended)

	_, err = tr.Translate("cmd/x", "5,300")
	require.ErrorIs(t, err, codec.ErrValueOutOfRange)
	_, err = tr.Translate("cmd/x", "5;9")
	require.ErrorIs(t, err, tmpl.ErrNoMatch)
	_, err = tr.Translate("cmd/x", "536870912,1")
	require.ErrorIs(t, err, canbus.ErrInvalidID)
	var te *TranslationError
	require.ErrorAs(t, err, &te)
}

func TestTransmitterTopicAndIdentifierForms(t *testing.T) {
	tr := mustTransmitter(t, TransmitterConfig{
		Name:          "set",
		ID:            FieldID("node"),
		Subscriptions: []string{"dev/+/set"},
		Layout:        ">hB",
		Fields:        []string{"level", "ch"},
		Topic:         "dev/{node}/set",
		Payload:       "{level:d}/{ch:d}",
	})
	f, err := tr.Translate("dev/0x601/set", "-2/3")
	require.NoError(t, err)
	require.Equal(t, uint32(0x601), f.ID)
	require.Equal(t, []byte{0xFF, 0xFE, 0x03}, f.Payload())

	_, err = tr.Translate("dev/lamp/set", "1/1")
	require.ErrorIs(t, err, canbus.ErrInvalidID)

	// Payload values win over topic values of the same name.
	clash := mustTransmitter(t, TransmitterConfig{
		Name: "clash", ID: LiteralID(0x18FF0001), Subscriptions: []string{"v/+"},
		Layout: "B", Fields: []string{"v"}, Topic: "v/{v:d}", Payload: "{v:d}",
	})
	f, err = clash.Translate("v/1", "2")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, f.Payload())
	require.True(t, f.Extended)
	require.Equal(t, uint32(0x18FF0001), f.ID)
}

func TestTransmitterConstructionErrors(t *testing.T) {
	base := TransmitterConfig{
		Name: "t", ID: LiteralID(0x200), Subscriptions: []string{"a/#"},
		Layout: "B", Fields: []string{"v"}, Payload: "{v:d}",
	}
	cases := map[string]func(*TransmitterConfig){
		"no subscriptions":   func(c *TransmitterConfig) { c.Subscriptions = nil },
		"bad filter":         func(c *TransmitterConfig) { c.Subscriptions = []string{"a/#/b"} },
		"id too large":       func(c *TransmitterConfig) { c.ID = LiteralID(0x20000000) },
		"field count":        func(c *TransmitterConfig) { c.Fields = nil },
		"no payload":         func(c *TransmitterConfig) { c.Payload = "" },
		"ambiguous payload":  func(c *TransmitterConfig) { c.Payload = "{v}{w}" },
		"unparsed field":     func(c *TransmitterConfig) { c.Fields = []string{"w"} },
		"unparsed id field":  func(c *TransmitterConfig) { c.ID = FieldID("id") },
		"bad topic template": func(c *TransmitterConfig) { c.Topic = "a/{}" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		_, err := NewTransmitter(cfg)
		var ce *ConstructionError
		require.ErrorAs(t, err, &ce, name)
		require.Equal(t, KindTransmitter, ce.Kind)
	}
}

func TestTableRouting(t *testing.T) {
	table := NewTable()
	first := mustReceiver(t, ReceiverConfig{Name: "first", IDs: []uint32{1, 2}, Layout: "", Topics: []string{"a"}, Payloads: []string{"x"}})
	second := mustReceiver(t, ReceiverConfig{Name: "second", IDs: []uint32{2}, Layout: "", Topics: []string{"b"}, Payloads: []string{"y"}})
	require.NoError(t, table.AddReceiver(first))
	require.NoError(t, table.AddReceiver(second))
	got, ok := table.Receiver(2)
	require.True(t, ok)
	require.Same(t, second, got)
	got, _ = table.Receiver(1)
	require.Same(t, first, got)
	require.Equal(t, []uint32{1, 2}, table.ReceiverIDs())

	mk := func(name string, subs ...string) *Transmitter {
		return mustTransmitter(t, TransmitterConfig{Name: name, ID: LiteralID(1), Subscriptions: subs, Layout: "", Payload: "x"})
	}
	a, b, c := mk("a", "cmd/#"), mk("b", "cmd/+/set", "cmd/#"), mk("c", "other")
	for _, tr := range []*Transmitter{a, b, c} {
		require.NoError(t, table.AddTransmitter(tr))
	}
	require.Equal(t, []string{"cmd/#", "cmd/+/set", "other"}, table.Subscriptions())
	require.Equal(t, []*Transmitter{a, b, b}, table.Match("cmd/lamp/set"))
	require.Equal(t, []*Transmitter{a, b}, table.Match("cmd"))
	require.Empty(t, table.Match("nothing"))
}

func TestTableErrorBudget(t *testing.T) {
	var removed []Rule
	table := NewTable(WithRemovalHook(func(r Rule) { removed = append(removed, r) }))
	survivor := mustReceiver(t, ReceiverConfig{Name: "nine", IDs: []uint32{1}, Layout: "", Topics: []string{"a"}, Payloads: []string{"x"}})
	victim := mustReceiver(t, ReceiverConfig{Name: "ten", IDs: []uint32{2, 3}, Layout: "", Topics: []string{"a"}, Payloads: []string{"x"}})
	require.NoError(t, table.AddReceiver(survivor))
	require.NoError(t, table.AddReceiver(victim))

	for i := 0; i < 9; i++ {
		require.False(t, table.Fail(survivor))
		require.False(t, table.Fail(victim))
	}
	require.True(t, table.Live(survivor))
	require.Equal(t, 9, table.Failures(survivor))

	require.True(t, table.Fail(victim))
	require.False(t, table.Live(victim))
	require.Equal(t, []Rule{victim}, removed)
	for _, id := range []uint32{2, 3} {
		_, ok := table.Receiver(id)
		require.False(t, ok)
	}
	require.False(t, table.Fail(victim))
	require.Equal(t, 10, table.Failures(victim))
	require.ErrorIs(t, table.AddReceiver(victim), ErrRemoved)

	tr := mustTransmitter(t, TransmitterConfig{Name: "tx", ID: LiteralID(1), Subscriptions: []string{"a", "b/#"}, Layout: "", Payload: "x"})
	other := mustTransmitter(t, TransmitterConfig{Name: "other", ID: LiteralID(1), Subscriptions: []string{"a"}, Layout: "", Payload: "x"})
	small := NewTable(WithErrorBudget(2))
	require.NoError(t, small.AddTransmitter(tr))
	require.NoError(t, small.AddTransmitter(other))
	before := small.Match("a")
	small.Fail(tr)
	require.True(t, small.Fail(tr))
	require.Equal(t, []*Transmitter{other}, small.Match("a"))
	require.Empty(t, small.Match("b/c"))
	require.Equal(t, []string{"a"}, small.Subscriptions())
	require.Equal(t, []*Transmitter{tr, other}, before)
}

func TestDispatcherFrameToMessages(t *testing.T) {
	ctx := context.Background()
	table := NewTable()
	errs := table.Load([]ReceiverConfig{{
		Name: "temp", IDs: []uint32{0x123}, Layout: ">HH", Fields: []string{"a", "b"},
		Topics: []string{"t/{a}", "u/{a}"}, Payloads: []string{"{b}", "{b}"},
	}}, nil)
	require.Empty(t, errs)

	broker := mqtt.NewMemoryBroker()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := NewDispatcher(table, &sentFrames{}, broker, WithMetrics(metrics))

	d.HandleFrame(ctx, canbus.MustFrame(0x123, []byte{0, 1, 0, 2}))
	d.HandleFrame(ctx, canbus.MustFrame(0x124, []byte{0, 1, 0, 2}))
	pub := broker.Published()
	require.Len(t, pub, 2)
	require.Equal(t, "t/1", pub[0].Topic)
	require.Equal(t, "2", string(pub[0].Payload))
	require.Equal(t, "u/1", pub[1].Topic)

	// Publish failures are transport errors: logged, never counted.
	broker.FailPublish(errors.New("offline"))
	for i := 0; i < 20; i++ {
		d.HandleFrame(ctx, canbus.MustFrame(0x123, []byte{0, 1, 0, 2}))
	}
	r, ok := table.Receiver(0x123)
	require.True(t, ok)
	require.Equal(t, 0, table.Failures(r))
	require.Equal(t, float64(40), testutil.ToFloat64(metrics.transportErrors.WithLabelValues("mqtt")))
	require.Equal(t, float64(22), testutil.ToFloat64(metrics.framesReceived))
}

func TestDispatcherRemovesFailingReceiver(t *testing.T) {
	ctx := context.Background()
	table := NewTable()
	r := mustReceiver(t, ReceiverConfig{
		Name: "bad", IDs: []uint32{0x55}, Layout: ">HH", Fields: []string{"a", "b"},
		Topics: []string{"t"}, Payloads: []string{"{a}"},
	})
	require.NoError(t, table.AddReceiver(r))
	broker := mqtt.NewMemoryBroker()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(table, &sentFrames{}, broker, WithMetrics(metrics))

	short := canbus.MustFrame(0x55, []byte{1})
	for i := 0; i < 9; i++ {
		d.HandleFrame(ctx, short)
	}
	require.True(t, table.Live(r))
	d.HandleFrame(ctx, short)
	require.False(t, table.Live(r))
	for i := 0; i < 5; i++ {
		d.HandleFrame(ctx, short)
		d.HandleFrame(ctx, canbus.MustFrame(0x55, []byte{0, 1, 0, 2}))
	}
	require.Equal(t, 10, table.Failures(r))
	require.Empty(t, broker.Published())
	require.Equal(t, float64(10), testutil.ToFloat64(metrics.translations.WithLabelValues(DirectionCANToMQTT, "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.rulesRemoved.WithLabelValues(DirectionCANToMQTT)))
}

func TestDispatcherMessageToFrame(t *testing.T) {
	ctx := context.Background()
	table := NewTable()
	errs := table.Load(nil, []TransmitterConfig{
		{Name: "cmd", ID: FieldID("id"), Subscriptions: []string{"cmd/#"}, Layout: "<B", Fields: []string{"v"}, Payload: "{id:d},{v:d}"},
		{Name: "broken", ID: LiteralID(1), Subscriptions: []string{"cmd/#"}, Layout: "<B", Fields: []string{"v"}, Payload: "{v}{w}"},
		{Name: "echo", ID: LiteralID(0x7E), Subscriptions: []string{"cmd/+/raw"}, Layout: "<B", Fields: []string{"v"}, Payload: "{v:d}"},
	})
	require.Len(t, errs, 1)
	var ce *ConstructionError
	require.ErrorAs(t, errs[0], &ce)
	require.Equal(t, "broken", ce.Name)

	bus := &sentFrames{}
	broker := mqtt.NewMemoryBroker()
	d := NewDispatcher(table, bus, broker)
	require.Equal(t, 2, d.Subscribe(ctx, broker))
	require.Equal(t, []string{"cmd/#", "cmd/+/raw"}, broker.Filters())

	require.NoError(t, broker.Publish(ctx, "cmd/x", []byte("5,9")))
	frames := bus.all()
	require.Len(t, frames, 1)
	require.Equal(t, uint32(5), frames[0].ID)
	require.Equal(t, []byte{9}, frames[0].Payload())

	// Both filters match; each transmitter runs through its own filter and the
	// "cmd" rule fails to parse "7".
	require.NoError(t, broker.Publish(ctx, "cmd/a/raw", []byte("7")))
	frames = bus.all()
	require.Len(t, frames, 2)
	require.Equal(t, uint32(0x7E), frames[1].ID)
	cmd := table.Transmitters("cmd/#")[0]
	require.Equal(t, 1, table.Failures(cmd))

	// Direct dispatch walks every matching filter.
	d.HandleMessage(ctx, "cmd/b/raw", []byte("8"))
	require.Len(t, bus.all(), 3)
	require.Equal(t, 2, table.Failures(cmd))

	// Send failures are not counted.
	bus.err = canbus.ErrClosed
	d.HandleMessage(ctx, "cmd/x", []byte("5,9"))
	require.Equal(t, 2, table.Failures(cmd))
}

type sendFunc func(context.Context, canbus.Frame) error

func (f sendFunc) Send(ctx context.Context, fr canbus.Frame) error { return f(ctx, fr) }

func TestDispatcherSkipsRuleRemovedMidDispatch(t *testing.T) {
	ctx := context.Background()
	table := NewTable(WithErrorBudget(1))
	require.Empty(t, table.Load(nil, []TransmitterConfig{
		{Name: "first", ID: LiteralID(1), Subscriptions: []string{"a"}, Layout: "<B", Fields: []string{"v"}, Payload: "{v:d}"},
		{Name: "second", ID: LiteralID(2), Subscriptions: []string{"a"}, Layout: "<B", Fields: []string{"v"}, Payload: "{v:d}"},
	}))
	rules := table.Match("a")
	require.Len(t, rules, 2)

	var sent []uint32
	bus := sendFunc(func(_ context.Context, f canbus.Frame) error {
		sent = append(sent, f.ID)
		// The first send takes the second rule out while the dispatch is
		// still holding its copy of the list.
		table.Fail(rules[1])
		return nil
	})
	d := NewDispatcher(table, bus, mqtt.NewMemoryBroker())
	d.HandleMessage(ctx, "a", []byte("3"))
	require.Equal(t, []uint32{1}, sent)
	require.False(t, table.Live(rules[1]))
}

func TestDispatcherConcurrentRemoval(t *testing.T) {
	ctx := context.Background()
	const budget = 5
	table := NewTable(WithErrorBudget(budget))
	require.Empty(t, table.Load([]ReceiverConfig{{
		Name: "r", IDs: []uint32{0x321}, Layout: "B", Fields: []string{"v"},
		Topics: []string{"v"}, Payloads: []string{"{v}"},
	}}, []TransmitterConfig{
		// "7" never parses as "{id:d},{v:d}".
		{Name: "bad", ID: FieldID("id"), Subscriptions: []string{"cmd/#", "cmd/+/raw"}, Layout: "<B", Fields: []string{"v"}, Payload: "{id:d},{v:d}"},
		{Name: "echo", ID: LiteralID(0x7E), Subscriptions: []string{"cmd/#"}, Layout: "<B", Fields: []string{"v"}, Payload: "{v:d}"},
	}))
	bad := table.Transmitters("cmd/+/raw")[0]
	echo := table.Transmitters("cmd/#")[1]

	bus := &sentFrames{}
	broker := mqtt.NewMemoryBroker()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(table, bus, broker, WithMetrics(metrics))

	const (
		senders = 8
		rounds  = 50
		readers = 2
	)
	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				d.HandleMessage(ctx, "cmd/x/raw", []byte("7"))
				d.HandleSubscription(ctx, "cmd/+/raw", "cmd/x/raw", []byte("7"))
				d.HandleSubscription(ctx, "cmd/#", "cmd/x/raw", []byte("7"))
			}
		}()
	}
	for g := 0; g < readers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				d.HandleFrame(ctx, canbus.MustFrame(0x321, []byte{byte(i)}))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, budget, table.Failures(bad))
	require.False(t, table.Live(bad))
	require.True(t, table.Live(echo))
	require.Empty(t, table.Transmitters("cmd/+/raw"))
	require.Equal(t, []*Transmitter{echo}, table.Transmitters("cmd/#"))
	require.Equal(t, []*Transmitter{echo}, table.Match("cmd/x/raw"))
	require.Equal(t, []string{"cmd/#"}, table.Subscriptions())
	// Translations already under way when the rule went away still count as
	// errors but not as failures.
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.translations.WithLabelValues(DirectionMQTTToCAN, "error")), float64(budget))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.rulesRemoved.WithLabelValues(DirectionMQTTToCAN)))

	frames := bus.all()
	require.Len(t, frames, senders*rounds*2)
	for _, f := range frames {
		require.Equal(t, uint32(0x7E), f.ID)
		require.Equal(t, []byte{7}, f.Payload())
	}
	require.Len(t, broker.Published(), readers*rounds)
	require.Equal(t, 0, table.Failures(echo))
}

func TestDispatcherRunOverMux(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	table := NewTable()
	require.Empty(t, table.Load([]ReceiverConfig{{
		Name: "r", IDs: []uint32{0x321}, Layout: "B", Fields: []string{"v"},
		Topics: []string{"v"}, Payloads: []string{"{v}"},
	}}, nil))

	lb := canbus.NewLoopbackBus()
	defer lb.Close()
	mine := lb.Open()
	mux := canbus.NewMux(mine)
	defer mux.Close()
	peer := lb.Open()
	defer peer.Close()

	frames, unsubscribe := mux.SubscribeBlocking(canbus.ByIDs(table.ReceiverIDs()...), 16)
	defer unsubscribe()

	got := make(chan mqtt.Message, 4)
	broker := mqtt.NewMemoryBroker()
	require.NoError(t, broker.Subscribe(ctx, "#", func(m mqtt.Message) { got <- m }))
	d := NewDispatcher(table, mine, broker)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx, frames) }()

	require.NoError(t, peer.Send(ctx, canbus.MustFrame(0x321, []byte{42})))
	select {
	case m := <-got:
		require.Equal(t, "v", m.Topic)
		require.Equal(t, "42", string(m.Payload))
	case <-ctx.Done():
		t.Fatal("timeout waiting for publish")
	}
	stop()
	require.ErrorIs(t, <-done, context.Canceled)
}
