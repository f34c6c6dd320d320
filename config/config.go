// Package config reads the can2mqtt TOML configuration file and normalises
// its permissive shapes into typed settings and rule definitions.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/notnil/can2mqtt/bridge"
	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/canopen"
)

// CAN interface kinds.
const (
	InterfaceSocketCAN = "socketcan"
	InterfaceSLCAN     = "slcan"
	InterfaceLoopback  = "loopback"
)

// ErrNoInterface is returned when [canbus] names no interface.
var ErrNoInterface = errors.New("config: no can interface specified")

// CANBus selects and parameterises the CAN transport.
type CANBus struct {
	Interface string
	Channel   string
	Bitrate   uint32
	BaudRate  int
}

// MQTT holds the broker connection settings.
type MQTT struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
}

// CANopen holds the optional CANopen services. A zero SyncInterval disables
// the sync master.
type CANopen struct {
	SyncInterval time.Duration
	SyncCount    int
	AutoStart    bool
}

// Config is a fully normalised configuration.
type Config struct {
	CANBus       CANBus
	MQTT         MQTT
	CANopen      CANopen
	ErrorBudget  int
	MetricsAddr  string
	Receivers    []bridge.ReceiverConfig
	Transmitters []bridge.TransmitterConfig

	// Rejected holds a *bridge.ConstructionError for every rule whose shape
	// could not be normalised. Those rules are absent from Receivers and
	// Transmitters.
	Rejected []error
	// Warnings lists settings that were ignored or replaced by defaults.
	Warnings []string
}

// Default returns the settings used for keys the file leaves out.
func Default() Config {
	return Config{
		MQTT: MQTT{
			Host:      "127.0.0.1",
			Port:      1883,
			ClientID:  "can2mqtt",
			KeepAlive: 60 * time.Second,
		},
		ErrorBudget: bridge.DefaultErrorBudget,
	}
}

type fileConfig struct {
	CANBus struct {
		Interface string `toml:"interface"`
		Channel   string `toml:"channel"`
		Bitrate   int64  `toml:"bitrate"`
		BaudRate  int    `toml:"baud_rate"`
	} `toml:"canbus"`
	MQTT struct {
		Host      string `toml:"host"`
		Port      int    `toml:"port"`
		ClientID  string `toml:"client_id"`
		Username  string `toml:"username"`
		Password  string `toml:"password"`
		KeepAlive int    `toml:"keepalive"`
	} `toml:"mqtt"`
	CANopen struct {
		SyncInterval any `toml:"sync_interval"`
		SyncCount    any `toml:"sync_count"`
		AutoStart    any `toml:"auto_start"`
	} `toml:"canopen"`
	Bridge struct {
		ErrorBudget int `toml:"error_budget"`
	} `toml:"bridge"`
	Metrics struct {
		Listen string `toml:"listen"`
	} `toml:"metrics"`
	Receivers    []fileReceiver    `toml:"receivers"`
	Transmitters []fileTransmitter `toml:"transmitters"`
}

type fileReceiver struct {
	Name            string `toml:"name"`
	CANID           any    `toml:"canid"`
	UnpackTemplate  any    `toml:"unpack_template"`
	VarNames        any    `toml:"var_names"`
	TopicTemplate   any    `toml:"topic_template"`
	PayloadTemplate any    `toml:"payload_template"`
}

type fileTransmitter struct {
	Name            string `toml:"name"`
	CANID           any    `toml:"canid"`
	Subscriptions   any    `toml:"subscriptions"`
	PackTemplate    any    `toml:"pack_template"`
	VarNames        any    `toml:"var_names"`
	TopicTemplate   any    `toml:"topic_template"`
	PayloadTemplate any    `toml:"payload_template"`
}

// Load reads and normalises the configuration file at path. Only a file
// that cannot be read or decoded, or that names no CAN interface, is an
// error; problems confined to one rule or setting are reported through
// Rejected and Warnings.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return normalize(raw, meta)
}

// Parse is Load for configuration text already in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return normalize(raw, meta)
}

func normalize(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	for _, key := range meta.Undecoded() {
		cfg.warn("unknown key %q ignored", key.String())
	}

	cfg.CANBus.Interface = strings.ToLower(strings.TrimSpace(raw.CANBus.Interface))
	if cfg.CANBus.Interface == "" {
		return Config{}, ErrNoInterface
	}
	switch cfg.CANBus.Interface {
	case InterfaceSocketCAN, InterfaceSLCAN, InterfaceLoopback:
	default:
		return Config{}, fmt.Errorf("config: unknown can interface %q (valid: %s, %s, %s)",
			cfg.CANBus.Interface, InterfaceSocketCAN, InterfaceSLCAN, InterfaceLoopback)
	}
	cfg.CANBus.Channel = strings.TrimSpace(raw.CANBus.Channel)
	if cfg.CANBus.Channel == "" && cfg.CANBus.Interface != InterfaceLoopback {
		return Config{}, fmt.Errorf("config: can interface %s needs a channel", cfg.CANBus.Interface)
	}
	if meta.IsDefined("canbus", "bitrate") {
		if raw.CANBus.Bitrate <= 0 || raw.CANBus.Bitrate > math.MaxUint32 {
			return Config{}, fmt.Errorf("config: invalid bitrate %d", raw.CANBus.Bitrate)
		}
		cfg.CANBus.Bitrate = uint32(raw.CANBus.Bitrate)
	}
	cfg.CANBus.BaudRate = raw.CANBus.BaudRate

	if meta.IsDefined("mqtt", "host") {
		if host := strings.TrimSpace(raw.MQTT.Host); host != "" {
			cfg.MQTT.Host = host
		}
	}
	if meta.IsDefined("mqtt", "port") {
		cfg.MQTT.Port = raw.MQTT.Port
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	cfg.MQTT.Username = raw.MQTT.Username
	cfg.MQTT.Password = raw.MQTT.Password
	if meta.IsDefined("mqtt", "keepalive") {
		cfg.MQTT.KeepAlive = time.Duration(raw.MQTT.KeepAlive) * time.Second
	}

	cfg.applyCANopen(raw, meta)

	if meta.IsDefined("bridge", "error_budget") {
		if raw.Bridge.ErrorBudget > 0 {
			cfg.ErrorBudget = raw.Bridge.ErrorBudget
		} else {
			cfg.warn("bridge.error_budget must be positive, using %d", bridge.DefaultErrorBudget)
		}
	}
	cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Listen)

	for i, r := range raw.Receivers {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("receiver_%d", i)
		}
		rc, err := receiver(name, r)
		if err != nil {
			cfg.Rejected = append(cfg.Rejected, &bridge.ConstructionError{Kind: bridge.KindReceiver, Name: name, Err: err})
			continue
		}
		cfg.Receivers = append(cfg.Receivers, rc)
	}
	for i, t := range raw.Transmitters {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("transmitter_%d", i)
		}
		tc, err := transmitter(name, t)
		if err != nil {
			cfg.Rejected = append(cfg.Rejected, &bridge.ConstructionError{Kind: bridge.KindTransmitter, Name: name, Err: err})
			continue
		}
		cfg.Transmitters = append(cfg.Transmitters, tc)
	}
	return cfg, nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) applyCANopen(raw fileConfig, meta toml.MetaData) {
	if meta.IsDefined("canopen", "sync_interval") {
		sec, ok := number(raw.CANopen.SyncInterval)
		if !ok {
			c.warn("canopen.sync_interval must be int or float, sync master not activated")
		} else if period, err := canopen.PeriodFromSeconds(sec); err != nil {
			c.warn("canopen.sync_interval: %v, sync master not activated", err)
		} else {
			c.CANopen.SyncInterval = period
		}
	}
	if meta.IsDefined("canopen", "sync_count") {
		n, ok := raw.CANopen.SyncCount.(int64)
		switch {
		case !ok:
			c.warn("canopen.sync_count is not an int, using 0")
		case n < 0 || n > canopen.MaxSyncCounter:
			c.warn("canopen.sync_count %d out of range 0..%d, using 0", n, canopen.MaxSyncCounter)
		default:
			c.CANopen.SyncCount = int(n)
		}
	}
	if meta.IsDefined("canopen", "auto_start") {
		b, ok := raw.CANopen.AutoStart.(bool)
		if !ok {
			c.warn("canopen.auto_start must be boolean, auto start not activated")
		}
		c.CANopen.AutoStart = b
	}
}

func receiver(name string, r fileReceiver) (bridge.ReceiverConfig, error) {
	rc := bridge.ReceiverConfig{Name: name}
	var err error
	if rc.IDs, err = identifiers(r.CANID); err != nil {
		return rc, err
	}
	if rc.Layout, err = required("unpack_template", r.UnpackTemplate); err != nil {
		return rc, err
	}
	if rc.Fields, err = strs("var_names", r.VarNames); err != nil {
		return rc, err
	}
	if rc.Topics, err = strs("topic_template", r.TopicTemplate); err != nil {
		return rc, err
	}
	if rc.Payloads, err = strs("payload_template", r.PayloadTemplate); err != nil {
		return rc, err
	}
	if rc.Topics == nil {
		return rc, errors.New("parameter \"topic_template\" not found")
	}
	if rc.Payloads == nil {
		return rc, errors.New("parameter \"payload_template\" not found")
	}
	return rc, nil
}

func transmitter(name string, t fileTransmitter) (bridge.TransmitterConfig, error) {
	tc := bridge.TransmitterConfig{Name: name}
	var err error
	if tc.ID, err = identifierRef(t.CANID); err != nil {
		return tc, err
	}
	if tc.Subscriptions, err = strs("subscriptions", t.Subscriptions); err != nil {
		return tc, err
	}
	if tc.Subscriptions == nil {
		return tc, errors.New("parameter \"subscriptions\" not found")
	}
	if tc.Layout, err = required("pack_template", t.PackTemplate); err != nil {
		return tc, err
	}
	if tc.Fields, err = strs("var_names", t.VarNames); err != nil {
		return tc, err
	}
	if t.TopicTemplate != nil {
		s, ok := t.TopicTemplate.(string)
		if !ok {
			return tc, fmt.Errorf("topic_template must be a string, got %T", t.TopicTemplate)
		}
		tc.Topic = s
	}
	if tc.Payload, err = required("payload_template", t.PayloadTemplate); err != nil {
		return tc, err
	}
	return tc, nil
}

// identifiers accepts an integer, a numeric string or a list of either.
func identifiers(v any) ([]uint32, error) {
	if v == nil {
		return nil, errors.New("parameter \"canid\" not found")
	}
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	if len(list) == 0 {
		return nil, errors.New("empty canid list")
	}
	ids := make([]uint32, 0, len(list))
	for _, item := range list {
		id, err := identifier(item)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func identifier(v any) (uint32, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 || x > canbus.MaxExtID {
			return 0, fmt.Errorf("%w: %d", canbus.ErrInvalidID, x)
		}
		return uint32(x), nil
	case string:
		return canbus.ParseID(x)
	default:
		return 0, fmt.Errorf("canid %v is neither string nor int", v)
	}
}

// identifierRef accepts an integer or numeric string as a literal identifier;
// any other string names the template field carrying the identifier.
func identifierRef(v any) (bridge.IDRef, error) {
	switch x := v.(type) {
	case nil:
		return bridge.IDRef{}, errors.New("parameter \"canid\" not found")
	case string:
		if id, err := canbus.ParseID(x); err == nil {
			return bridge.LiteralID(id), nil
		}
		name := strings.TrimSpace(x)
		if name == "" {
			return bridge.IDRef{}, errors.New("empty canid")
		}
		return bridge.FieldID(name), nil
	default:
		id, err := identifier(v)
		if err != nil {
			return bridge.IDRef{}, err
		}
		return bridge.LiteralID(id), nil
	}
}

func required(key string, v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("parameter %q not found", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// strs accepts a string or a list of strings. A missing key yields nil.
func strs(key string, v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{x}, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: %v is not a string", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings, got %T", key, v)
	}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
