// Command relay starts the water-quality monitoring relay: a WebSocket hub
// bridging the ESP32 sensor unit and browser dashboards, plus an HTTP server
// for the static dashboard, metrics, and diagnostics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dacostaca/WaterQualityMonitoring/internal/config"
	"github.com/dacostaca/WaterQualityMonitoring/internal/observability/logging"
	"github.com/dacostaca/WaterQualityMonitoring/internal/observability/metrics"
	"github.com/dacostaca/WaterQualityMonitoring/internal/relay"
	"github.com/dacostaca/WaterQualityMonitoring/internal/serverutil"
	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
	"github.com/dacostaca/WaterQualityMonitoring/internal/store"
	"github.com/dacostaca/WaterQualityMonitoring/internal/web"
)

func main() {
	relayAddr := flag.String("relay-addr", "", "listen address for the WebSocket relay (overrides WATERMON_RELAY_ADDR)")
	httpAddr := flag.String("http-addr", "", "listen address for the dashboard/metrics HTTP server (overrides WATERMON_HTTP_ADDR)")
	staticDir := flag.String("static-dir", "", "directory of dashboard static assets (overrides WATERMON_STATIC_DIR)")
	storageDriver := flag.String("storage-driver", "", "persistence driver: file, postgres, or mongo (overrides WATERMON_STORAGE_DRIVER)")
	queueDriver := flag.String("queue-driver", "", "telemetry queue driver: memory, redis, or mqtt (overrides WATERMON_QUEUE_DRIVER)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides WATERMON_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	applyOverride(&cfg.Server.RelayAddr, *relayAddr)
	applyOverride(&cfg.Server.HTTPAddr, *httpAddr)
	applyOverride(&cfg.Server.StaticDir, *staticDir)
	applyOverride(&cfg.Storage.Driver, *storageDriver)
	applyOverride(&cfg.Queue.Driver, *queueDriver)
	applyOverride(&cfg.Logging.Level, *logLevel)

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	recorder := metrics.Default()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	queue, err := openQueue(cfg, logger)
	if err != nil {
		logger.Error("failed to configure telemetry queue", "driver", cfg.Queue.Driver, "error", err)
		os.Exit(1)
	}

	hub := relay.NewHub(relay.HubConfig{
		Store:             st,
		Queue:             queue,
		Logger:            logging.WithComponent(logger, "relay"),
		Metrics:           recorder,
		ClassifyTimeout:   cfg.Server.ClassifyTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
	})

	if err := web.EnsureDir(cfg.Server.StaticDir); err != nil {
		logger.Warn("failed to create static directory", "dir", cfg.Server.StaticDir, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayMux := http.NewServeMux()
	relayMux.HandleFunc("/", hub.HandleConnection)

	httpMux := http.NewServeMux()
	httpMux.Handle("/", web.StaticHandler(cfg.Server.StaticDir))
	httpMux.Handle("/metrics", recorder.Handler())
	httpMux.HandleFunc("/healthz", healthzHandler(hub))
	httpMux.HandleFunc("/debug/readings", readingsHandler(hub))
	httpHandler := logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logging.WithComponent(logger, "http"),
	})(metrics.HTTPMiddleware(recorder, httpMux))

	tlsCfg := serverutil.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile}
	lanIP := lanAddress()

	group, groupCtx := errgroup.WithContext(ctx)

	relayReady := make(chan net.Addr, 1)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          &http.Server{Addr: cfg.Server.RelayAddr, Handler: relayMux},
			TLS:             tlsCfg,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Ready:           relayReady,
		})
	})

	httpReady := make(chan net.Addr, 1)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          &http.Server{Addr: cfg.Server.HTTPAddr, Handler: httpHandler},
			TLS:             tlsCfg,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Ready:           httpReady,
		})
	})

	group.Go(func() error {
		announce(groupCtx, logger, lanIP, relayReady, httpReady)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("relay terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func applyOverride(target *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*target = trimmed
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	storeLogger := logging.WithComponent(logger, "store")
	switch cfg.Storage.Driver {
	case "file":
		fs := store.NewFileStore(cfg.Storage.CSVPath, cfg.Storage.HistoryPath, storeLogger)
		return fs, func() {}, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:    cfg.Storage.PostgresDSN,
			Logger: storeLogger,
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		mg, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:      cfg.Storage.MongoURI,
			Database: cfg.Storage.MongoDB,
			Logger:   storeLogger,
		})
		if err != nil {
			return nil, nil, err
		}
		return mg, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := mg.Close(closeCtx); err != nil {
				storeLogger.Warn("mongo close failed", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func openQueue(cfg *config.Config, logger *slog.Logger) (relay.Queue, error) {
	queueLogger := logging.WithComponent(logger, "queue")
	switch cfg.Queue.Driver {
	case "memory":
		return relay.NewMemoryQueue(0), nil
	case "redis":
		return relay.NewRedisQueue(relay.RedisQueueConfig{
			Addr:   cfg.Queue.RedisAddr,
			Stream: cfg.Queue.RedisStream,
			Group:  cfg.Queue.RedisGroup,
			Logger: queueLogger,
		})
	case "mqtt":
		return relay.NewMQTTQueue(relay.MQTTQueueConfig{
			BrokerURL: cfg.Queue.BrokerURL,
			Topic:     cfg.Queue.MQTTTopic,
			Username:  cfg.Queue.MQTTUser,
			Password:  cfg.Queue.MQTTPass,
			Logger:    queueLogger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
}

func healthzHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":           "ok",
			"device_connected": hub.DeviceConnected(),
			"observers":        hub.ObserverCount(),
		})
	}
}

// readingsHandler exposes a bounded window of the latest readings for quick
// diagnostics without attaching a WebSocket client.
func readingsHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		recent := hub.RecentReadings()
		if recent == nil {
			recent = []session.Reading{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_received": hub.TotalReadings(),
			"recent":         recent,
		})
	}
}

// announce logs the reachable URLs once both listeners are up. The LAN
// address matters because the sensor firmware is configured by hand with the
// relay host.
func announce(ctx context.Context, logger *slog.Logger, lanIP string, relayReady, httpReady <-chan net.Addr) {
	var relayAddr, httpAddr net.Addr
	select {
	case relayAddr = <-relayReady:
	case <-ctx.Done():
		return
	}
	select {
	case httpAddr = <-httpReady:
	case <-ctx.Done():
		return
	}
	logger.Info("relay listening",
		"websocket", fmt.Sprintf("ws://%s:%d", lanIP, portOf(relayAddr)),
		"dashboard", fmt.Sprintf("http://%s:%d", lanIP, portOf(httpAddr)),
	)
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// lanAddress discovers the outbound interface address by opening a UDP
// "connection" that never sends a packet. Falls back to loopback.
func lanAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return local.IP.String()
	}
	return "127.0.0.1"
}
