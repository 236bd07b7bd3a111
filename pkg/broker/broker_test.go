package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

type mockToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *mockToken {
	t := &mockToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *mockToken { return &mockToken{done: make(chan struct{})} }

func (t *mockToken) Wait() bool { <-t.done; return true }
func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *mockToken) Done() <-chan struct{} { return t.done }
func (t *mockToken) Error() error          { return t.err }

type mockMessage struct {
	topic   string
	payload []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 1 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 1 }
func (m mockMessage) Payload() []byte   { return m.payload }
func (m mockMessage) Ack()              {}

// mockClient implements the parts of mqtt.Client the package uses.
type mockClient struct {
	mqtt.Client

	mu          sync.Mutex
	connected   bool
	subscribes  int
	unsubs      int
	callback    mqtt.MessageHandler
	subErr      error
	published   []string
	publishTok  *mockToken
	lastQos     byte
	lastPayload []byte
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *mockClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	c.callback = cb
	return completedToken(c.subErr)
}

func (c *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs++
	return completedToken(nil)
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic)
	c.lastQos = qos
	c.lastPayload, _ = payload.([]byte)
	if c.publishTok != nil {
		return c.publishTok
	}
	return completedToken(nil)
}

func (c *mockClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *mockClient) deliver(msg mqtt.Message) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	cb(c, msg)
}

func TestPublisher_WaitsForAck(t *testing.T) {
	client := &mockClient{connected: true}
	p := NewPublisher(NewConnFromClient(client, zap.NewNop().Sugar()), AtLeastOnce)

	require.NoError(t, p.Publish(context.Background(), "control", []byte(`{"x":1}`)))
	assert.Equal(t, []string{"control"}, client.published)
	assert.Equal(t, AtLeastOnce, client.lastQos)
	assert.Equal(t, []byte(`{"x":1}`), client.lastPayload)
}

func TestPublisher_BrokerError(t *testing.T) {
	client := &mockClient{connected: true, publishTok: completedToken(errors.New("not connected"))}
	p := NewPublisher(NewConnFromClient(client, zap.NewNop().Sugar()), AtLeastOnce)

	err := p.Publish(context.Background(), "control", []byte(`{}`))
	assert.True(t, bridgeerr.IsTransport(err))
}

func TestPublisher_AckTimeout(t *testing.T) {
	client := &mockClient{connected: true, publishTok: pendingToken()}
	p := NewPublisher(NewConnFromClient(client, zap.NewNop().Sugar()), AtLeastOnce)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, "control", []byte(`{}`))
	assert.True(t, bridgeerr.IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumer_DeliversAndResubscribes(t *testing.T) {
	client := &mockClient{connected: true}
	conn := NewConnFromClient(client, zap.NewNop().Sugar())

	var mu sync.Mutex
	var got []string
	c := NewConsumer(conn, "data", AtMostOnce, func(topic string, m mqtt.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(m.Payload()))
		return errors.New("handler errors are only logged")
	}, zap.NewNop().Sugar())

	var states []bool
	c.OnSubscriptionChange(func(active bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, active)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.ConsumeMessage(ctx)
		close(done)
	}()

	require.Eventually(t, c.Active, time.Second, 5*time.Millisecond)
	client.deliver(mockMessage{topic: "data", payload: []byte("a")})
	client.deliver(mockMessage{topic: "data", payload: []byte("b")})

	conn.fireLost(errors.New("EOF"))
	assert.False(t, c.Active())
	conn.fireConnect()
	assert.True(t, c.Active())
	assert.Equal(t, 2, client.subscribeCount())

	cancel()
	<-done
	assert.False(t, c.Active())
	assert.Equal(t, 1, client.unsubs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, []bool{true, false, true, false}, states)
}

func TestConsumer_SubscribeError(t *testing.T) {
	client := &mockClient{connected: true, subErr: errors.New("not authorized")}
	c := NewConsumer(NewConnFromClient(client, zap.NewNop().Sugar()), "data", AtMostOnce, nil, zap.NewNop().Sugar())

	err := c.Subscribe()
	assert.True(t, bridgeerr.IsTransport(err))
	assert.False(t, c.Active())
}
