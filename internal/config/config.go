package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
)

// Config holds all configuration for the bridge.
type Config struct {
	MQTT    MQTTConfig               `mapstructure:"mqtt"`
	Mongo   MongoConfig              `mapstructure:"mongo"`
	Field   entities.FieldParameters `mapstructure:"field"`
	Runtime RuntimeConfig            `mapstructure:"runtime"`
	Ops     OpsConfig                `mapstructure:"ops"`
	Influx  InfluxConfig             `mapstructure:"influx"`
	Log     LogConfig                `mapstructure:"log"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	SensorTopic    string        `mapstructure:"sensor_topic"`
	ControlTopic   string        `mapstructure:"control_topic"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type MongoConfig struct {
	URI                  string `mapstructure:"uri"`
	Database             string `mapstructure:"database"`
	SensorCollection     string `mapstructure:"sensor_collection"`
	PredictionCollection string `mapstructure:"prediction_collection"`
}

type RuntimeConfig struct {
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
}

type OpsConfig struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	GRPCHealthAddr string `mapstructure:"grpc_health_addr"`
}

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// Enabled reports whether the audit sink is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envKeys maps every config key to its environment variable.
var envKeys = map[string]string{
	"mqtt.broker":                 "MQTT_BROKER",
	"mqtt.sensor_topic":           "MQTT_SENSOR_TOPIC",
	"mqtt.control_topic":          "MQTT_CONTROL_TOPIC",
	"mqtt.client_id":              "MQTT_CLIENT_ID",
	"mqtt.user":                   "MQTT_USER",
	"mqtt.password":               "MQTT_PASSWORD",
	"mqtt.connect_timeout":        "MQTT_CONNECT_TIMEOUT",
	"mongo.uri":                   "MONGO_URI",
	"mongo.database":              "MONGO_DATABASE",
	"mongo.sensor_collection":     "MONGO_SENSOR_COLLECTION",
	"mongo.prediction_collection": "MONGO_PREDICTION_COLLECTION",
	"field.area_m2":               "FIELD_AREA_M2",
	"field.pump_flow_lpm":         "PUMP_FLOW_LPM",
	"runtime.publish_timeout":     "PUBLISH_TIMEOUT",
	"runtime.store_timeout":       "STORE_TIMEOUT",
	"runtime.shutdown_timeout":    "SHUTDOWN_TIMEOUT",
	"runtime.retry_max_interval":  "RETRY_MAX_INTERVAL",
	"runtime.breaker_failures":    "BREAKER_FAILURES",
	"runtime.breaker_open_for":    "BREAKER_OPEN_FOR",
	"ops.http_addr":               "HTTP_ADDR",
	"ops.grpc_health_addr":        "GRPC_HEALTH_ADDR",
	"influx.url":                  "INFLUX_URL",
	"influx.token":                "INFLUX_TOKEN",
	"influx.org":                  "INFLUX_ORG",
	"influx.bucket":               "INFLUX_BUCKET",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
}

// required keys; a missing one is a fatal configuration error.
var requiredKeys = []string{
	"mqtt.broker",
	"mqtt.sensor_topic",
	"mqtt.control_topic",
	"mongo.uri",
	"field.area_m2",
	"field.pump_flow_lpm",
}

// DotEnv loads a .env file into the process environment if one exists.
// It returns false when there is nothing to load.
func DotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// Load reads configuration from the environment and an optional ./config/config.yaml.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, bridgeerr.NewConfigurationError("binding "+env, err)
		}
	}
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, bridgeerr.NewConfigurationError("error reading config file", err)
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, envKeys[key])
		}
	}
	if len(missing) > 0 {
		return nil, bridgeerr.NewConfigurationError("missing required settings: "+strings.Join(missing, ", "), nil)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, bridgeerr.NewConfigurationError("error unmarshaling config", err)
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "irrigation-bridge-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("mongo.database", "irrigation")
	v.SetDefault("mongo.sensor_collection", "sensor")
	v.SetDefault("mongo.prediction_collection", "ai_prediction")

	v.SetDefault("runtime.publish_timeout", "10s")
	v.SetDefault("runtime.store_timeout", "5s")
	v.SetDefault("runtime.shutdown_timeout", "10s")
	v.SetDefault("runtime.retry_max_interval", "30s")
	v.SetDefault("runtime.breaker_failures", 5)
	v.SetDefault("runtime.breaker_open_for", "30s")

	v.SetDefault("ops.http_addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks values that cannot be expressed as presence checks.
func (c *Config) Validate() error {
	if err := c.Field.Validate(); err != nil {
		return err
	}
	if c.MQTT.SensorTopic == c.MQTT.ControlTopic {
		return bridgeerr.NewConfigurationError("MQTT_SENSOR_TOPIC and MQTT_CONTROL_TOPIC must differ", nil)
	}
	for name, d := range map[string]time.Duration{
		"MQTT_CONNECT_TIMEOUT": c.MQTT.ConnectTimeout,
		"PUBLISH_TIMEOUT":      c.Runtime.PublishTimeout,
		"STORE_TIMEOUT":        c.Runtime.StoreTimeout,
		"SHUTDOWN_TIMEOUT":     c.Runtime.ShutdownTimeout,
		"RETRY_MAX_INTERVAL":   c.Runtime.RetryMaxInterval,
		"BREAKER_OPEN_FOR":     c.Runtime.BreakerOpenFor,
	} {
		if d <= 0 {
			return bridgeerr.NewConfigurationError(fmt.Sprintf("%s must be > 0, got %s", name, d), nil)
		}
	}
	if c.Runtime.BreakerFailures == 0 {
		return bridgeerr.NewConfigurationError("BREAKER_FAILURES must be > 0", nil)
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return bridgeerr.NewConfigurationError("INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set", nil)
	}
	return nil
}
