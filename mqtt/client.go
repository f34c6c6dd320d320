package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Publish while the connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures Dial.
type Options struct {
	Host     string
	Port     int
	ClientID string // empty picks "can2mqtt-<random>"
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = 1883
	}
	if o.ClientID == "" {
		o.ClientID = "can2mqtt-" + uuid.NewString()[:8]
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// Client is a Paho MQTT connection. Messages are published and subscribed
// with QoS 0 and without the retain flag. Subscriptions are restored after an
// automatic reconnect.
type Client struct {
	client paho.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// Dial connects to the broker and returns once the session is established.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{logger: opts.Logger, subs: make(map[string]Handler)}

	broker := "tcp://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	po := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetCleanSession(true)
	po.OnConnect = func(paho.Client) {
		c.logger.Info().Str("broker", broker).Str("client_id", opts.ClientID).Msg("mqtt connected")
		c.resubscribe()
	}
	po.OnConnectionLost = func(_ paho.Client, err error) {
		c.logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, reconnecting")
	}
	c.client = paho.NewClient(po)

	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, err)
	}
	return c, nil
}

// Publish sends payload to topic and waits for the client to hand it off.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, 0, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for messages matching filter. Handlers run on the
// client's router goroutine and must not block for long.
func (c *Client) Subscribe(ctx context.Context, filter string, h Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[filter] = h
	c.mu.Unlock()
	if err := wait(ctx, c.client.Subscribe(filter, 0, callback(h))); err != nil {
		return fmt.Errorf("mqtt: subscribe %q: %w", filter, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() error {
	c.client.Disconnect(250)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for f, h := range c.subs {
		subs[f] = h
	}
	c.mu.Unlock()
	for filter, h := range subs {
		// Waiting here would block the paho connect callback.
		go func(filter string, h Handler) {
			t := c.client.Subscribe(filter, 0, callback(h))
			if t.WaitTimeout(10*time.Second) && t.Error() != nil {
				c.logger.Error().Err(t.Error()).Str("topic", filter).Msg("mqtt resubscribe failed")
			}
		}(filter, h)
	}
}

func callback(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload()})
	}
}

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
