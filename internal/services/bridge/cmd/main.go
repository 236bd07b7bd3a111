package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/config"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/logging"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/services/bridge"
)

func main() {
	if !config.DotEnv() {
		log.Println("No .env file found, relying on system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("irrigation bridge starting",
		"broker", cfg.MQTT.Broker,
		"sensor_topic", cfg.MQTT.SensorTopic,
		"control_topic", cfg.MQTT.ControlTopic,
		"database", cfg.Mongo.Database,
		"area_m2", cfg.Field.AreaM2,
		"pump_flow_lpm", cfg.Field.PumpFlowLpm)

	if err := bridge.New(cfg, logger).Run(ctx); err != nil {
		logger.Errorw("bridge stopped with error", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}
