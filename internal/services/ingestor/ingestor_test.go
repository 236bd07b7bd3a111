package ingestor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
)

type mockMessage struct {
	topic   string
	payload []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.payload }
func (m mockMessage) Ack()              {}

type mockStore struct {
	mu    sync.Mutex
	docs  []bson.M
	calls int
	err   error
}

func (s *mockStore) InsertReading(_ context.Context, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, doc.(bson.M))
	return nil
}

func (s *mockStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type mockAuditor struct {
	mu       sync.Mutex
	readings []messages.SensorReading
}

func (a *mockAuditor) RecordReading(r messages.SensorReading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readings = append(a.readings, r)
}

const topic = "iotricity2_bladebreakers/irrigation/data"

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(store ReadingStore, opts ...Option) (*Service, *metrics.Metrics, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := metrics.NewNop()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s := NewService(store, Config{StoreTimeout: time.Second, BreakerFailures: 3, BreakerOpenFor: time.Hour}, zap.New(core).Sugar(), m, opts...)
	return s, m, logs
}

func TestHandle_StoresStampedReading(t *testing.T) {
	store := &mockStore{}
	auditor := &mockAuditor{}
	s, m, _ := newService(store, WithAuditor(auditor))

	err := s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Soil_Moisture_Shallow": 28.4, "server_received_at": "client"}`)})
	require.NoError(t, err)

	require.Len(t, store.docs, 1)
	assert.Equal(t, 28.4, store.docs[0]["Soil_Moisture_Shallow"])
	assert.Equal(t, fixedNow, store.docs[0][messages.ReceivedAtField])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TelemetryStored))
	assert.Len(t, auditor.readings, 1)
}

func TestHandle_MalformedDoesNotBlockNextMessage(t *testing.T) {
	store := &mockStore{}
	s, m, logs := newService(store)

	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"broken":`)}))
	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`[1,2,3]`)}))
	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Rainfall": 0}`)}))

	assert.Len(t, store.docs, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TelemetryDropped.WithLabelValues(metrics.DropMalformed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TelemetryReceived))
	assert.Equal(t, 2, logs.FilterMessage("dropping malformed telemetry").Len())
}

func TestHandle_StoreErrorIsDropped(t *testing.T) {
	store := &mockStore{err: bridgeerr.NewStoreError("insert sensor reading", errors.New("connection reset"))}
	s, m, logs := newService(store)

	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Humidity": 60}`)}))
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TelemetryDropped.WithLabelValues(metrics.DropStoreError)))
	assert.Equal(t, 1, logs.FilterMessage("telemetry insert failed, dropping").Len())

	// no retry queue: recovery does not replay the dropped reading
	store.setErr(nil)
	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Humidity": 61}`)}))
	require.Len(t, store.docs, 1)
	assert.Equal(t, 61.0, store.docs[0]["Humidity"])
}

func TestHandle_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	store := &mockStore{err: errors.New("no primary")}
	var mu sync.Mutex
	var states []bool
	s, m, _ := newService(store, WithStoreStateHook(func(up bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, up)
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Hour": 6}`)}))
	}

	assert.Equal(t, 3, store.calls)
	assert.Equal(t, gobreaker.StateOpen, s.BreakerState())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TelemetryDropped.WithLabelValues(metrics.DropBreakerOpen)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, states)
}

func TestHandle_ConcurrentDeliveries(t *testing.T) {
	store := &mockStore{}
	s, _, _ := newService(store)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Month": 6}`)})
		}()
	}
	wg.Wait()
	assert.Len(t, store.docs, 50)
}

func TestHandle_InsertsResumeAfterStoreRecovers(t *testing.T) {
	store := &mockStore{err: errors.New("no primary")}
	var mu sync.Mutex
	var states []bool
	s := NewService(store, Config{StoreTimeout: time.Second, BreakerFailures: 2, BreakerOpenFor: 20 * time.Millisecond},
		zap.NewNop().Sugar(), metrics.NewNop(), WithStoreStateHook(func(up bool) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, up)
		}))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Hour": 6}`)}))
	}
	require.Equal(t, gobreaker.StateOpen, s.BreakerState())

	store.setErr(nil)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Handle(topic, mockMessage{topic: topic, payload: []byte(`{"Hour": 7}`)}))

	assert.Equal(t, gobreaker.StateClosed, s.BreakerState())
	require.Len(t, store.docs, 1)
	assert.Equal(t, 7.0, store.docs[0]["Hour"])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, states)
}
