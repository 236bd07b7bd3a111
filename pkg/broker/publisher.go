package broker

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// QoS levels used by the bridge.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// IPublisher publishes a payload and waits for the broker acknowledgment.
type IPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher publishes on the shared connection with a fixed QoS.
type Publisher struct {
	client mqtt.Client
	qos    byte
}

// NewPublisher creates a publisher on conn with the given QoS.
func NewPublisher(conn *Conn, qos byte) *Publisher {
	return &Publisher{client: conn.Client(), qos: qos}
}

// Publish sends payload (not retained) and blocks until the broker ack (PUBACK for QoS 1)
// or until ctx is done. paho retransmits unacknowledged QoS 1 messages on its own.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return bridgeerr.NewTransportError("publish to "+topic, err)
		}
		return nil
	case <-ctx.Done():
		return bridgeerr.NewTransportError("publish to "+topic+" not acknowledged", ctx.Err())
	}
}
