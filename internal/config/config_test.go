package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.RelayAddr != ":8765" {
		t.Fatalf("unexpected relay addr %q", cfg.Server.RelayAddr)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.ClassifyTimeout != 5*time.Second {
		t.Fatalf("unexpected classify timeout %s", cfg.Server.ClassifyTimeout)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("unexpected storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.CSVPath != "data/datos_calidad_agua.csv" {
		t.Fatalf("unexpected csv path %q", cfg.Storage.CSVPath)
	}
	if cfg.Storage.HistoryPath != "web/sessions_history.json" {
		t.Fatalf("unexpected history path %q", cfg.Storage.HistoryPath)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected queue driver %q", cfg.Queue.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("WATERMON_RELAY_ADDR", ":9900")
	t.Setenv("WATERMON_STORAGE_DRIVER", "Postgres")
	t.Setenv("WATERMON_POSTGRES_DSN", "postgres://relay@localhost/watermon")
	t.Setenv("WATERMON_CLASSIFY_TIMEOUT", "250ms")
	t.Setenv("WATERMON_HEARTBEAT_INTERVAL", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.RelayAddr != ":9900" {
		t.Fatalf("unexpected relay addr %q", cfg.Server.RelayAddr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("driver not lowercased: %q", cfg.Storage.Driver)
	}
	if cfg.Server.ClassifyTimeout != 250*time.Millisecond {
		t.Fatalf("duration string not parsed: %s", cfg.Server.ClassifyTimeout)
	}
	// Bare integers are read as seconds, matching the firmware's habits.
	if cfg.Server.HeartbeatInterval != 15*time.Second {
		t.Fatalf("integer seconds not parsed: %s", cfg.Server.HeartbeatInterval)
	}
}

func TestValidateDriverRequirements(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"mongo without uri", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"redis without addr", func(c *Config) { c.Queue.Driver = "redis" }},
		{"mqtt without broker", func(c *Config) { c.Queue.Driver = "mqtt" }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "kafka" }},
		{"cert without key", func(c *Config) { c.Server.TLSCertFile = "cert.pem" }},
		{"key without cert", func(c *Config) { c.Server.TLSKeyFile = "key.pem" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsCompleteDrivers(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "mongo"
	cfg.Storage.MongoURI = "mongodb://localhost:27017"
	cfg.Queue.Driver = "mqtt"
	cfg.Queue.BrokerURL = "tcp://localhost:1883"
	cfg.Server.TLSCertFile = "cert.pem"
	cfg.Server.TLSKeyFile = "key.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "file"},
		Queue:   QueueConfig{Driver: "memory"},
	}
}
