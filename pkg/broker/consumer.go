package broker

import (
	"context"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// Handler processes one delivered message. A returned error is only logged.
type Handler func(topic string, message mqtt.Message) error

// IConsumer is implemented by topic consumers.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// Consumer subscribes one topic on the shared connection and re-arms the
// subscription after every reconnect (clean sessions drop it broker-side).
type Consumer struct {
	conn    *Conn
	topic   string
	qos     byte
	handler Handler
	log     *zap.SugaredLogger

	active     atomic.Bool
	onSubState func(active bool)
	timeout    time.Duration
}

// NewConsumer creates a consumer for topic with the given QoS.
func NewConsumer(conn *Conn, topic string, qos byte, handler Handler, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		conn:    conn,
		topic:   topic,
		qos:     qos,
		handler: handler,
		log:     log,
		timeout: 10 * time.Second,
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// OnSubscriptionChange registers a callback fired when the subscription goes active or inactive.
func (c *Consumer) OnSubscriptionChange(fn func(active bool)) {
	c.onSubState = fn
}

// Active reports whether the subscription is currently armed.
func (c *Consumer) Active() bool { return c.active.Load() }

func (c *Consumer) setActive(v bool) {
	if c.active.Swap(v) != v && c.onSubState != nil {
		c.onSubState(v)
	}
}

func (c *Consumer) deliver(_ mqtt.Client, message mqtt.Message) {
	if c.handler == nil {
		c.log.Warnw("no handler set", "topic", c.topic)
		return
	}
	if err := c.handler(message.Topic(), message); err != nil {
		c.log.Errorw("error handling message", "topic", message.Topic(), "error", err)
	}
}

// Subscribe arms the subscription once.
func (c *Consumer) Subscribe() error {
	token := c.conn.Client().Subscribe(c.topic, c.qos, c.deliver)
	if !token.WaitTimeout(c.timeout) {
		c.setActive(false)
		return bridgeerr.NewTransportError("subscribe to "+c.topic+" timed out", nil)
	}
	if err := token.Error(); err != nil {
		c.setActive(false)
		return bridgeerr.NewTransportError("subscribe to "+c.topic, err)
	}
	c.log.Infow("subscribed", "topic", c.topic, "qos", c.qos)
	c.setActive(true)
	return nil
}

// ConsumeMessage arms the subscription now (if connected) and on every reconnect,
// then blocks until ctx is cancelled and unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	c.conn.OnConnect(func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.Subscribe(); err != nil {
			c.log.Errorw("re-subscribe failed", "topic", c.topic, "error", err)
		}
	})
	c.conn.OnConnectionLost(func(error) { c.setActive(false) })

	if c.conn.IsConnected() {
		if err := c.Subscribe(); err != nil {
			c.log.Errorw("subscribe failed, waiting for reconnect", "topic", c.topic, "error", err)
		}
	}

	<-ctx.Done()

	c.setActive(false)
	token := c.conn.Client().Unsubscribe(c.topic)
	token.WaitTimeout(c.timeout)
	c.log.Infow("unsubscribed", "topic", c.topic)
	return nil
}
