package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// Config for the shared MQTT connection.
type Config struct {
	BrokerURL        string // e.g. tcp://broker.hivemq.com:1883
	User             string
	Password         string
	ClientID         string
	ConnectTimeout   time.Duration
	MaxRetryInterval time.Duration
}

// Conn is the process-wide MQTT connection. paho's client is safe for concurrent use,
// so consumers and publishers share it.
type Conn struct {
	cfg    Config
	client mqtt.Client
	log    *zap.SugaredLogger

	mu        sync.Mutex
	onConnect []func()
	onLost    []func(error)
}

// NewConn prepares the client; nothing is dialed until Connect.
func NewConn(cfg Config, log *zap.SugaredLogger) *Conn {
	c := &Conn{cfg: cfg, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false) // first connect handled by Connect with backoff
	opts.SetOrderMatters(false) // ogni messaggio nella sua goroutine
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxRetryInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxRetryInterval)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) { c.fireConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.fireLost(err) })
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.log.Infow("reconnecting to MQTT broker", "broker", cfg.BrokerURL)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// NewConnFromClient wraps an existing client; used by tests and tools that build their own options.
func NewConnFromClient(client mqtt.Client, log *zap.SugaredLogger) *Conn {
	return &Conn{client: client, log: log}
}

// Client exposes the underlying paho client.
func (c *Conn) Client() mqtt.Client { return c.client }

// IsConnected reports whether the broker connection is currently up.
func (c *Conn) IsConnected() bool { return c.client.IsConnectionOpen() }

// OnConnect registers fn to run after every successful (re)connection.
func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnConnectionLost registers fn to run whenever the connection drops.
func (c *Conn) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = append(c.onLost, fn)
	c.mu.Unlock()
}

func (c *Conn) fireConnect() {
	c.log.Infow("connected to MQTT broker", "broker", c.cfg.BrokerURL)
	c.mu.Lock()
	handlers := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Conn) fireLost(err error) {
	c.log.Warnw("MQTT connection lost", "broker", c.cfg.BrokerURL, "error", err)
	c.mu.Lock()
	handlers := append([]func(error){}, c.onLost...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// Connect dials the broker, retrying with exponential backoff until it succeeds or ctx is done.
// After the first success paho's auto-reconnect takes over.
func (c *Conn) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.cfg.MaxRetryInterval > 0 {
		bo.MaxInterval = c.cfg.MaxRetryInterval
	}

	err := backoff.RetryNotify(func() error {
		token := c.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		return token.Error()
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		c.log.Warnw("failed to connect to MQTT broker", "broker", c.cfg.BrokerURL, "error", err, "retry_in", next)
	})
	if err != nil {
		return bridgeerr.NewTransportError("could not establish MQTT connection", err)
	}
	return nil
}

// Close disconnects, waiting up to quiesce for in-flight work.
func (c *Conn) Close(quiesce time.Duration) {
	if c.client.IsConnected() {
		c.client.Disconnect(uint(quiesce / time.Millisecond))
		c.log.Infow("MQTT connection closed")
	}
}
