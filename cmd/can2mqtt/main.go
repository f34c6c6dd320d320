// Command can2mqtt relays CAN frames to MQTT and MQTT messages to CAN frames
// according to the rules of a TOML configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/notnil/can2mqtt/bridge"
	"github.com/notnil/can2mqtt/canbus"
	"github.com/notnil/can2mqtt/canopen"
	"github.com/notnil/can2mqtt/config"
	"github.com/notnil/can2mqtt/internal/logging"
	"github.com/notnil/can2mqtt/internal/status"
	"github.com/notnil/can2mqtt/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errBusClosed = errors.New("can bus closed")

type options struct {
	configPath string
	logFile    string
	level      string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err == nil {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "can2mqtt: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("can2mqtt", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.configPath, "c", "config.toml", "configuration file")
	fs.StringVar(&o.configPath, "config_name", "config.toml", "configuration file")
	fs.StringVar(&o.logFile, "l", "", "write JSON log lines to this file")
	fs.StringVar(&o.logFile, "log_file", "", "write JSON log lines to this file")
	fs.StringVar(&o.level, "v", "INFO", "log level: "+strings.Join(logging.Levels, ", "))
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if _, ok := logging.ParseLevel(o.level); !ok {
		return o, fmt.Errorf("invalid log level %q (valid: %s)", o.level, strings.Join(logging.Levels, ", "))
	}
	return o, nil
}

func run(opts options) error {
	level, _ := logging.ParseLevel(opts.level)
	logger, closeLog, err := logging.New(logging.Config{Level: level, File: opts.logFile}, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("path", opts.configPath).Msg("reading configuration")
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("error reading config file")
		return err
	}
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}
	for _, err := range cfg.Rejected {
		logger.Error().Err(err).Msg("skipping rule")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := bridge.NewMetrics(reg)
	table := bridge.NewTable(
		bridge.WithErrorBudget(cfg.ErrorBudget),
		bridge.WithTableLogger(logger),
	)
	logger.Info().Int("receivers", len(cfg.Receivers)).Int("transmitters", len(cfg.Transmitters)).Msg("loading rules")
	table.Load(cfg.Receivers, cfg.Transmitters)

	logger.Info().Str("interface", cfg.CANBus.Interface).Str("channel", cfg.CANBus.Channel).Msg("starting CAN bus")
	raw, err := openBus(cfg.CANBus)
	if err != nil {
		logger.Error().Err(err).Msg("CAN bus error")
		return err
	}
	bus := canbus.NewLoggedBus(raw, logger.With().Str("component", "canbus").Logger(), zerolog.TraceLevel, canbus.LogAll, traceFilter())
	defer bus.Close()
	mux := canbus.NewMux(bus)
	defer mux.Close()

	logger.Info().Str("host", cfg.MQTT.Host).Int("port", cfg.MQTT.Port).Msg("starting MQTT")
	client, err := mqtt.Dial(ctx, mqtt.Options{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		KeepAlive: cfg.MQTT.KeepAlive,
		Logger:    logger.With().Str("component", "mqtt").Logger(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("MQTT error")
		return err
	}
	defer client.Close()

	d := bridge.NewDispatcher(table, bus, client, bridge.WithLogger(logger), bridge.WithMetrics(metrics))
	frames, unsubscribe := mux.SubscribeBlocking(canbus.ByIDs(table.ReceiverIDs()...), 64)
	defer unsubscribe()
	n := d.Subscribe(ctx, client)
	logger.Info().Int("subscriptions", n).Msg("mqtt subscriptions added")

	if cfg.CANopen.SyncInterval > 0 {
		logger.Info().Dur("interval", cfg.CANopen.SyncInterval).Int("count", cfg.CANopen.SyncCount).Msg("adding CANopen sync master")
		sm, err := canopen.NewSyncMaster(bus, cfg.CANopen.SyncInterval, cfg.CANopen.SyncCount, canopen.WithSyncLogger(logger))
		if err != nil {
			return err
		}
		if err := sm.Start(); err != nil {
			return err
		}
		defer sm.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.Run(gctx, frames); err != nil {
			return err
		}
		if err := mux.Err(); err != nil {
			return fmt.Errorf("%w: %w", errBusClosed, err)
		}
		return errBusClosed
	})
	if cfg.CANopen.AutoStart {
		logger.Info().Msg("CANopen auto start enabled")
		heartbeats, cancel := mux.SubscribeBlocking(canopen.CANopenHeartbeatAny(), 16)
		defer cancel()
		as := canopen.NewAutoStart(bus, logger)
		g.Go(func() error { return as.Run(gctx, heartbeats) })
	}
	if cfg.MetricsAddr != "" {
		srv := status.New(table, reg, logger.With().Str("component", "status").Logger())
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.MetricsAddr) })
	}

	logger.Info().Msg("starting main loop")
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info().Msg("shutting down")
		return nil
	}
	logger.Error().Err(err).Msg("bridge stopped")
	return err
}

// traceFilter keeps the periodic SYNC and heartbeat traffic out of the frame
// trace.
func traceFilter() canbus.FrameFilter {
	return canbus.Not(canbus.Or(canopen.CANopenSYNC(), canopen.CANopenHeartbeatAny()))
}

func openBus(c config.CANBus) (canbus.Bus, error) {
	switch c.Interface {
	case config.InterfaceSocketCAN:
		if c.Bitrate > 0 {
			if err := canbus.PrepareInterface(c.Channel, canbus.InterfaceOptions{Bitrate: c.Bitrate, Up: true}); err != nil {
				return nil, err
			}
		}
		return canbus.DialSocketCAN(c.Channel)
	case config.InterfaceSLCAN:
		return canbus.OpenSLCAN(c.Channel, canbus.SLCANOptions{BaudRate: c.BaudRate, Bitrate: c.Bitrate})
	case config.InterfaceLoopback:
		return canbus.NewLoopbackBus().Open(), nil
	default:
		return nil, fmt.Errorf("unknown can interface %q", c.Interface)
	}
}
