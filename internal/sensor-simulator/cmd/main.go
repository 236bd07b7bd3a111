package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/config"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/logging"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
	sensorSimulator "github.com/LeonardoBeccarini/irrigation_bridge/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/broker"
)

func main() {
	config.DotEnv()

	// define flags
	sensorID := flag.String("sensor-id", "sensor1", "unique sensor identifier")
	brokerURL := flag.String("broker", envOr("MQTT_BROKER", "tcp://localhost:1883"), "MQTT broker URL")
	sensorTopic := flag.String("sensor-topic", envOr("MQTT_SENSOR_TOPIC", "sensor/data"), "telemetry topic")
	controlTopic := flag.String("control-topic", envOr("MQTT_CONTROL_TOPIC", "irrigation/control"), "control topic")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	decay := flag.Float64("decay", 0.02, "moisture points lost per minute with the pump off")
	flag.Parse()

	logger, err := logging.New("info", "console")
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := broker.NewConn(broker.Config{
		BrokerURL:        *brokerURL,
		User:             os.Getenv("MQTT_USER"),
		Password:         os.Getenv("MQTT_PASSWORD"),
		ClientID:         "field-sim-" + uuid.NewString()[:8],
		ConnectTimeout:   10 * time.Second,
		MaxRetryInterval: 30 * time.Second,
	}, logging.Component(logger, "broker"))

	consumer := broker.NewConsumer(conn, *controlTopic, broker.AtLeastOnce, nil, logging.Component(logger, "consumer"))
	publisher := broker.NewPublisher(conn, broker.AtMostOnce)
	sensor := entities.Sensor{ID: *sensorID, State: entities.StateOff}
	generator := sensorSimulator.NewDataGenerator(*decay, time.Now().UnixNano())
	sim := sensorSimulator.NewSensorSimulator(consumer, publisher, *sensorTopic, generator, &sensor,
		logging.Component(logger, "simulator"))

	go func() {
		if err := conn.Connect(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalw("MQTT connect failed", "error", err)
		}
	}()
	sim.Start(ctx, *interval)
	conn.Close(250 * time.Millisecond)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
