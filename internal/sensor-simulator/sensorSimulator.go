package sensor_simulator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/broker"
)

// SensorSimulator plays the field device: it publishes soil and weather telemetry
// and runs the pump for the duration carried by each control command.
type SensorSimulator struct {
	mu        sync.Mutex
	sensor    *entities.Sensor
	timer     *time.Timer // single timer
	generator *DataGenerator
	publisher broker.IPublisher
	consumer  broker.IConsumer
	topic     string
	log       *zap.SugaredLogger

	// secondUnit scala la durata dei comandi (time.Second in produzione)
	secondUnit time.Duration
}

func NewSensorSimulator(consumer broker.IConsumer, publisher broker.IPublisher, topic string,
	gen *DataGenerator, sensor *entities.Sensor, log *zap.SugaredLogger) *SensorSimulator {
	return &SensorSimulator{
		sensor:     sensor,
		generator:  gen,
		publisher:  publisher,
		consumer:   consumer,
		topic:      topic,
		log:        log,
		secondUnit: time.Second,
	}
}

// Start listens for control commands and publishes a reading every interval until ctx is done.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) {
	s.consumer.SetHandler(s.handleMessage)
	go func() {
		if err := s.consumer.ConsumeMessage(ctx); err != nil {
			s.log.Warnw("control consumer stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopPump()
			return
		case <-ticker.C:
			if err := s.publishReading(ctx, interval); err != nil {
				s.log.Warnw("publish error", "error", err)
			}
		}
	}
}

func (s *SensorSimulator) publishReading(ctx context.Context, timeout time.Duration) error {
	reading := s.generator.Next(s.State())
	payload, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	s.log.Debugw("sensor: pub reading", "sensor", s.sensor.ID,
		"shallow", reading["Soil_Moisture_Shallow"], "deep", reading["Soil_Moisture_Deep"])

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.publisher.Publish(pctx, s.topic, payload)
}

// State returns the relay state.
func (s *SensorSimulator) State() entities.SensorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensor.State
}

func (s *SensorSimulator) handleMessage(_ string, msg mqtt.Message) error {
	var cmd messages.ControlCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		s.log.Warnw("invalid control command", "error", err)
		return bridgeerr.NewMalformedPayloadError("invalid control command", err)
	}
	if !cmd.IrrigationNeeded || cmd.Duration <= 0 {
		return nil
	}
	s.runPump(time.Duration(cmd.Duration) * s.secondUnit)
	return nil
}

// runPump switches the relay on for d. A new command replaces the running one;
// QoS 1 redeliveries simply restart the same window.
func (s *SensorSimulator) runPump(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.sensor.State = entities.StateOn
	s.log.Infow("pump on", "sensor", s.sensor.ID, "for", d)

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timer != t {
			return
		}
		s.sensor.State = entities.StateOff
		s.timer = nil
		s.log.Infow("pump off", "sensor", s.sensor.ID)
	})
	s.timer = t
}

func (s *SensorSimulator) stopPump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.sensor.State = entities.StateOff
}
