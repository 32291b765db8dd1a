// Package config loads relay configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all relay configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Queue   QueueConfig
	Logging LoggingConfig
}

// ServerConfig holds the listener settings for the WebSocket relay and the
// HTTP side (static dashboard, metrics, diagnostics).
type ServerConfig struct {
	RelayAddr         string
	HTTPAddr          string
	StaticDir         string
	TLSCertFile       string
	TLSKeyFile        string
	ClassifyTimeout   time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// StorageConfig selects and configures the persistence driver.
type StorageConfig struct {
	// Driver is one of "file", "postgres", "mongo".
	Driver      string
	CSVPath     string
	HistoryPath string
	PostgresDSN string
	MongoURI    string
	MongoDB     string
}

// QueueConfig selects and configures the telemetry fan-out queue.
type QueueConfig struct {
	// Driver is one of "memory", "redis", "mqtt".
	Driver      string
	RedisAddr   string
	RedisStream string
	RedisGroup  string
	BrokerURL   string
	MQTTTopic   string
	MQTTUser    string
	MQTTPass    string
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory is folded in when present; a missing file is not an error so
// production deployments can rely on real environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			RelayAddr:         getEnv("WATERMON_RELAY_ADDR", ":8765"),
			HTTPAddr:          getEnv("WATERMON_HTTP_ADDR", ":8080"),
			StaticDir:         getEnv("WATERMON_STATIC_DIR", "web"),
			TLSCertFile:       getEnv("WATERMON_TLS_CERT", ""),
			TLSKeyFile:        getEnv("WATERMON_TLS_KEY", ""),
			ClassifyTimeout:   getDuration("WATERMON_CLASSIFY_TIMEOUT", 5*time.Second),
			HeartbeatInterval: getDuration("WATERMON_HEARTBEAT_INTERVAL", 30*time.Second),
			ShutdownTimeout:   getDuration("WATERMON_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(getEnv("WATERMON_STORAGE_DRIVER", "file")),
			CSVPath:     getEnv("WATERMON_CSV_PATH", "data/datos_calidad_agua.csv"),
			HistoryPath: getEnv("WATERMON_SESSIONS_PATH", "web/sessions_history.json"),
			PostgresDSN: getEnv("WATERMON_POSTGRES_DSN", ""),
			MongoURI:    getEnv("WATERMON_MONGO_URI", ""),
			MongoDB:     getEnv("WATERMON_MONGO_DB", "watermonitor"),
		},
		Queue: QueueConfig{
			Driver:      strings.ToLower(getEnv("WATERMON_QUEUE_DRIVER", "memory")),
			RedisAddr:   getEnv("WATERMON_REDIS_ADDR", ""),
			RedisStream: getEnv("WATERMON_REDIS_STREAM", "watermon:telemetry"),
			RedisGroup:  getEnv("WATERMON_REDIS_GROUP", "telemetry-workers"),
			BrokerURL:   getEnv("WATERMON_MQTT_BROKER", ""),
			MQTTTopic:   getEnv("WATERMON_MQTT_TOPIC", "watermon/telemetry"),
			MQTTUser:    getEnv("WATERMON_MQTT_USER", ""),
			MQTTPass:    getEnv("WATERMON_MQTT_PASS", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("WATERMON_LOG_LEVEL", "info"),
			Format: getEnv("WATERMON_LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects driver selections whose required settings are missing.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("WATERMON_POSTGRES_DSN is required with the postgres storage driver")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("WATERMON_MONGO_URI is required with the mongo storage driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("WATERMON_REDIS_ADDR is required with the redis queue driver")
		}
	case "mqtt":
		if c.Queue.BrokerURL == "" {
			return fmt.Errorf("WATERMON_MQTT_BROKER is required with the mqtt queue driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("WATERMON_TLS_CERT and WATERMON_TLS_KEY must be set together")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
