package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/notnil/can2mqtt/bridge"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	cfg, err := Load("testdata/bridge.toml")
	require.NoError(t, err)
	require.Empty(t, cfg.Rejected)
	require.Empty(t, cfg.Warnings)

	require.Equal(t, CANBus{Interface: InterfaceSLCAN, Channel: "/dev/ttyACM0", Bitrate: 250000, BaudRate: 115200}, cfg.CANBus)
	require.Equal(t, MQTT{Host: "broker.local", Port: 1884, ClientID: "plant-1", KeepAlive: 30 * time.Second}, cfg.MQTT)
	require.Equal(t, CANopen{SyncInterval: 500 * time.Millisecond, SyncCount: 16, AutoStart: true}, cfg.CANopen)
	require.Equal(t, 3, cfg.ErrorBudget)
	require.Equal(t, ":9102", cfg.MetricsAddr)

	wantReceivers := []bridge.ReceiverConfig{
		{
			Name:     "temperature",
			IDs:      []uint32{0x181, 0x182, 387},
			Layout:   "<hB",
			Fields:   []string{"temp via divideby10", "state via int2on_off"},
			Topics:   []string{"node/{canid}/temp", "node/{canid}/state"},
			Payloads: []string{"{temp:.1f}", "{state}"},
		},
		{
			Name:     "receiver_1",
			IDs:      []uint32{0x123},
			Layout:   ">HH",
			Fields:   []string{"a", "b"},
			Topics:   []string{"t/{a}"},
			Payloads: []string{"{b}"},
		},
	}
	if diff := cmp.Diff(wantReceivers, cfg.Receivers); diff != "" {
		t.Fatalf("receivers mismatch (-want +got):\n%s", diff)
	}

	wantTransmitters := []bridge.TransmitterConfig{
		{
			Name:          "command",
			ID:            bridge.FieldID("id"),
			Subscriptions: []string{"cmd/#"},
			Layout:        "<B",
			Fields:        []string{"v"},
			Payload:       "{id:d},{v:d}",
		},
		{
			Name:          "transmitter_1",
			ID:            bridge.LiteralID(0x601),
			Subscriptions: []string{"sdo/+/set", "sdo/all"},
			Layout:        "<BH",
			Fields:        []string{"node", "value"},
			Topic:         "sdo/{node:d}/set",
			Payload:       "{value:d}",
		},
	}
	if diff := cmp.Diff(wantTransmitters, cfg.Transmitters); diff != "" {
		t.Fatalf("transmitters mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadedRulesBuild(t *testing.T) {
	cfg, err := Load("testdata/bridge.toml")
	require.NoError(t, err)
	table := bridge.NewTable(bridge.WithErrorBudget(cfg.ErrorBudget))
	require.Empty(t, table.Load(cfg.Receivers, cfg.Transmitters))
	require.Equal(t, 4, table.Receivers())
	require.ElementsMatch(t, []string{"cmd/#", "sdo/+/set", "sdo/all"}, table.Subscriptions())
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(`
[canbus]
interface = "loopback"
`)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.MQTT.Host)
	require.Equal(t, 1883, cfg.MQTT.Port)
	require.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	require.Equal(t, "can2mqtt", cfg.MQTT.ClientID)
	require.Equal(t, bridge.DefaultErrorBudget, cfg.ErrorBudget)
	require.Zero(t, cfg.CANopen)
	require.Empty(t, cfg.MetricsAddr)
	require.Empty(t, cfg.Receivers)
	require.Empty(t, cfg.Transmitters)

	cfg, err = Parse(`
[canbus]
interface = "loopback"

[mqtt]
client_id = ""
`)
	require.NoError(t, err)
	require.Empty(t, cfg.MQTT.ClientID)
}

func TestFatalErrors(t *testing.T) {
	cases := map[string]string{
		"no interface":      `[mqtt]` + "\n" + `host = "x"`,
		"unknown interface": `[canbus]` + "\n" + `interface = "pcan"` + "\n" + `channel = "x"`,
		"missing channel":   `[canbus]` + "\n" + `interface = "socketcan"`,
		"bad bitrate":       `[canbus]` + "\n" + `interface = "slcan"` + "\n" + `channel = "x"` + "\n" + `bitrate = -1`,
		"not toml":          `[canbus`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			require.Error(t, err)
		})
	}
	_, err := Parse(`[canbus]`)
	require.ErrorIs(t, err, ErrNoInterface)

	_, err = Load("testdata/missing.toml")
	require.Error(t, err)
}

func TestCANopenFallbacks(t *testing.T) {
	cfg, err := Parse(`
[canbus]
interface = "loopback"

[canopen]
sync_interval = "fast"
sync_count    = 1.5
auto_start    = "yes"
`)
	require.NoError(t, err)
	require.Zero(t, cfg.CANopen)
	require.Len(t, cfg.Warnings, 3)

	cfg, err = Parse(`
[canbus]
interface = "loopback"

[canopen]
sync_interval = 2
sync_count    = 300
`)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.CANopen.SyncInterval)
	require.Zero(t, cfg.CANopen.SyncCount)
	require.Len(t, cfg.Warnings, 1)

	cfg, err = Parse(`
[canbus]
interface = "loopback"

[canopen]
sync_interval = -1.0
`)
	require.NoError(t, err)
	require.Zero(t, cfg.CANopen.SyncInterval)
	require.Len(t, cfg.Warnings, 1)
}

func TestUnknownKeysWarn(t *testing.T) {
	cfg, err := Parse(`
[canbus]
interface = "loopback"
speed = 1

[bridge]
error_budget = 0
`)
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 2)
	require.Contains(t, cfg.Warnings[0], "canbus.speed")
	require.Equal(t, bridge.DefaultErrorBudget, cfg.ErrorBudget)
}

func TestRejectedRules(t *testing.T) {
	cfg, err := Parse(`
[canbus]
interface = "loopback"

[[receivers]]
name = "no-id"
unpack_template = "B"
var_names = ["a"]
topic_template = "a"
payload_template = "{a}"

[[receivers]]
canid = [1, true]
unpack_template = "B"
var_names = ["a"]
topic_template = "a"
payload_template = "{a}"

[[receivers]]
name = "bad-id"
canid = "0xZZ"
unpack_template = "B"
var_names = ["a"]
topic_template = "a"
payload_template = "{a}"

[[receivers]]
name = "no-topic"
canid = 1
unpack_template = "B"
var_names = ["a"]
payload_template = "{a}"

[[receivers]]
name = "ok"
canid = 2
unpack_template = "B"
var_names = "a"
topic_template = "a"
payload_template = "{a}"

[[transmitters]]
name = "no-subscriptions"
canid = 1
pack_template = "B"
var_names = ["a"]
payload_template = "{a:d}"

[[transmitters]]
name = "layout-type"
canid = 1
subscriptions = "a"
pack_template = 7
var_names = ["a"]
payload_template = "{a:d}"

[[transmitters]]
canid = 0x40000000
subscriptions = "a"
pack_template = "B"
var_names = ["a"]
payload_template = "{a:d}"
`)
	require.NoError(t, err)
	require.Len(t, cfg.Receivers, 1)
	require.Equal(t, "ok", cfg.Receivers[0].Name)
	require.Equal(t, []string{"a"}, cfg.Receivers[0].Fields)
	require.Empty(t, cfg.Transmitters)

	var names []string
	for _, err := range cfg.Rejected {
		var ce *bridge.ConstructionError
		require.True(t, errors.As(err, &ce), "%v", err)
		names = append(names, ce.Name)
	}
	require.Equal(t, []string{"no-id", "receiver_1", "bad-id", "no-topic", "no-subscriptions", "layout-type", "transmitter_2"}, names)
}

func TestTransmitterIdentifierForms(t *testing.T) {
	cases := []struct {
		in   any
		want bridge.IDRef
	}{
		{int64(0x123), bridge.LiteralID(0x123)},
		{"0x123", bridge.LiteralID(0x123)},
		{"291", bridge.LiteralID(291)},
		{" node ", bridge.FieldID("node")},
		{"010", bridge.FieldID("010")},
	}
	for _, c := range cases {
		got, err := identifierRef(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
	_, err := identifierRef(int64(-1))
	require.Error(t, err)
	_, err = identifierRef(1.5)
	require.Error(t, err)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load("../config.example.toml")
	require.NoError(t, err)
	require.Empty(t, cfg.Warnings)
	require.Empty(t, cfg.Rejected)

	table := bridge.NewTable()
	require.Empty(t, table.Load(cfg.Receivers, cfg.Transmitters))
	require.Equal(t, 3, table.Receivers())
	require.Equal(t, []string{"boiler/setpoint/set", "raw/+"}, table.Subscriptions())
}
