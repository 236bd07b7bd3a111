package ingestor

import (
	"context"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
)

// ReadingStore persists telemetry documents.
type ReadingStore interface {
	InsertReading(ctx context.Context, doc any) error
}

// Auditor mirrors stored readings somewhere else; it must not block.
type Auditor interface {
	RecordReading(r messages.SensorReading)
}

type Config struct {
	StoreTimeout    time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// Service turns telemetry messages into sensor documents.
type Service struct {
	store   ReadingStore
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	auditor      Auditor
	now          func() time.Time
	onStoreState func(up bool)
}

type Option func(*Service)

// WithAuditor mirrors every stored reading to a.
func WithAuditor(a Auditor) Option { return func(s *Service) { s.auditor = a } }

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithStoreStateHook is called when the insert breaker opens (false) or closes again (true).
func WithStoreStateHook(fn func(up bool)) Option { return func(s *Service) { s.onStoreState = fn } }

func NewService(store ReadingStore, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		timeout: cfg.StoreTimeout,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	fails := cfg.BreakerFailures
	if fails == 0 {
		fails = 1
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sensor-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warnw("store breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if s.onStoreState == nil {
				return
			}
			switch to {
			case gobreaker.StateOpen:
				s.onStoreState(false)
			case gobreaker.StateClosed:
				s.onStoreState(true)
			}
		},
	})
	return s
}

// Handle is the MQTT handler for the sensor topic. It never returns an error:
// bad payloads and failed inserts are logged and dropped.
func (s *Service) Handle(topic string, msg mqtt.Message) error {
	s.metrics.TelemetryReceived.Inc()

	reading, err := messages.ParseSensorReading(msg.Payload(), s.now())
	if err != nil {
		s.metrics.TelemetryDropped.WithLabelValues(metrics.DropMalformed).Inc()
		s.log.Warnw("dropping malformed telemetry", "topic", topic, "error", err)
		return nil
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return nil, s.store.InsertReading(ctx, reading.Document())
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.metrics.TelemetryDropped.WithLabelValues(metrics.DropBreakerOpen).Inc()
		s.log.Warnw("store unavailable, dropping telemetry", "topic", topic)
		return nil
	case err != nil:
		s.metrics.TelemetryDropped.WithLabelValues(metrics.DropStoreError).Inc()
		s.log.Errorw("telemetry insert failed, dropping", "topic", topic, "error", err, "store_error", bridgeerr.IsStore(err))
		return nil
	}

	s.metrics.TelemetryStored.Inc()
	s.log.Debugw("telemetry stored", "topic", topic, "fields", len(reading.Fields))
	if s.auditor != nil {
		s.auditor.RecordReading(reading)
	}
	return nil
}

// BreakerState exposes the insert breaker state for health reporting.
func (s *Service) BreakerState() gobreaker.State {
	return s.breaker.State()
}
