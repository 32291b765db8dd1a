package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dacostaca/WaterQualityMonitoring/internal/codec"
	"github.com/dacostaca/WaterQualityMonitoring/internal/observability/metrics"
	"github.com/dacostaca/WaterQualityMonitoring/internal/session"
	"github.com/dacostaca/WaterQualityMonitoring/internal/store"
)

// defaultClassifyTimeout is how long the hub waits for the first message
// before assuming the peer is the sensor unit. Browsers identify themselves
// immediately; firmware may say nothing at all.
const defaultClassifyTimeout = 5 * time.Second

// observerSendBuffer bounds each observer's outbound queue. An observer whose
// queue is full has stopped reading and gets pruned instead of stalling the
// fan-out.
const observerSendBuffer = 16

// HubConfig configures a relay Hub.
type HubConfig struct {
	Store   store.Store
	Queue   Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// ClassifyTimeout bounds the wait for a connection's first message. A
	// zero value selects the default.
	ClassifyTimeout time.Duration
	// HeartbeatInterval controls how often the hub sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Hub owns all shared relay state: the single device handle, the observer
// registry, the active session tracker, the session history, and the
// pending-download flag. Every mutation goes through Hub methods.
type Hub struct {
	store   store.Store
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Recorder
	tracker *session.Tracker

	classifyTimeout   time.Duration
	heartbeatInterval time.Duration

	mu              sync.Mutex
	device          *client
	observers       map[*client]struct{}
	history         []session.Session
	pendingDownload bool
}

// NewHub initialises a hub and loads the persisted session history. A history
// load failure is logged and the hub starts with an empty history; the relay
// must come up even when the snapshot is unreadable.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.ClassifyTimeout
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	h := &Hub{
		store:             cfg.Store,
		queue:             cfg.Queue,
		logger:            logger,
		metrics:           recorder,
		tracker:           session.NewTracker(),
		classifyTimeout:   timeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		observers:         make(map[*client]struct{}),
	}
	if cfg.Store != nil {
		history, err := cfg.Store.LoadHistory()
		if err != nil {
			logger.Error("failed to load session history", "error", err)
			recorder.ObservePersistenceFailure("load_history")
		}
		h.history = history
	}
	logger.Info("session history loaded", "sessions", len(h.history))
	return h
}

// HandleConnection upgrades the HTTP request to a WebSocket connection and
// classifies the peer as device or observer based on its first message.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies the moment this handler returns, which is
	// immediately after the hijack. The connection's lifetime is governed by
	// the client's own cancel instead.
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		hub:    h,
		conn:   conn,
		remote: r.RemoteAddr,
		cancel: cancel,
	}
	go h.classify(ctx, c)
}

// classify consumes the connection's first message. A `web_browser` type
// marker selects the observer path; anything else, including a decode failure
// or silence until the timeout, selects the device path. The probe message is
// discarded either way.
func (h *Hub) classify(ctx context.Context, c *client) {
	probeCtx, cancel := context.WithTimeout(ctx, h.classifyTimeout)
	payload, err := c.conn.ReadMessage(probeCtx)
	cancel()
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			// Silence until the deadline means firmware.
			h.runDevice(ctx, c)
			return
		}
		// The peer vanished before classification finished.
		c.finish()
		return
	}
	env, err := codec.Decode(payload)
	if err == nil && env.String("type") == "web_browser" {
		h.runObserver(ctx, c)
		return
	}
	h.runDevice(ctx, c)
}

// takeoverDevice finalises any previously registered device before installing
// the replacement. The old connection's session is closed and persisted
// synchronously so the new connection never observes a half-open session.
func (h *Hub) takeoverDevice(c *client) {
	h.mu.Lock()
	prev := h.device
	h.mu.Unlock()
	if prev != nil && prev != c {
		h.logger.Warn("replacing device connection", "old_remote", prev.remote, "new_remote", c.remote)
		prev.finish()
	}
	h.mu.Lock()
	h.device = c
	h.mu.Unlock()
}

func (h *Hub) runDevice(ctx context.Context, c *client) {
	c.kind = clientDevice
	c.finishFn = h.finishDevice
	defer c.finish()

	h.takeoverDevice(c)

	if _, err := h.tracker.Open(); err != nil {
		// Only reachable if takeover failed to close the prior session.
		h.logger.Error("session open failed", "error", err)
	}
	h.metrics.SetDeviceConnected(true)
	h.logger.Info("device connected", "remote", c.remote)

	h.broadcastStatus(true)
	h.publish(Event{
		Type:       EventTypeDeviceStatus,
		Device:     &DeviceStatusEvent{DeviceID: codec.SensorDeviceID, Connected: true, Remote: c.remote},
		OccurredAt: time.Now().UTC(),
	})

	greeting, _ := json.Marshal(greetingMessage{
		Status:    "conectado",
		Mensaje:   "Servidor listo para recibir datos",
		Timestamp: nowStamp(),
	})
	if err := c.conn.WriteText(greeting); err != nil {
		h.logger.Warn("device greeting failed", "remote", c.remote, "error", err)
		return
	}

	if h.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, h.heartbeatInterval)
	}

	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			h.logger.Info("device disconnected", "remote", c.remote)
			return
		}
		env, err := codec.Decode(payload)
		if err != nil {
			h.logger.Warn("invalid message from device", "remote", c.remote, "error", err)
			h.metrics.ObserveDecodeError("device")
			continue
		}
		switch codec.Classify(env) {
		case codec.IntentCalibration:
			h.handleDeviceCalibration(c, env, payload)
		case codec.IntentDownloadStart:
			h.handleDownloadStart()
		case codec.IntentReading:
			h.handleReading(c, env, payload)
		case codec.IntentDownloadComplete:
			h.handleDownloadComplete(env.Int("total"))
		default:
			// Unknown device messages are a silent no-op.
		}
	}
}

func (h *Hub) runObserver(ctx context.Context, c *client) {
	c.kind = clientObserver
	c.finishFn = h.finishObserver
	c.send = make(chan []byte, observerSendBuffer)

	h.mu.Lock()
	h.observers[c] = struct{}{}
	deviceConnected := h.device != nil
	h.mu.Unlock()
	h.metrics.ObserverConnected()
	h.logger.Info("observer connected", "remote", c.remote)

	go c.writeLoop()
	defer c.finish()

	status, _ := json.Marshal(statusMessage{Type: "esp32_status", Connected: deviceConnected})
	if err := c.conn.WriteText(status); err != nil {
		return
	}

	if h.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, h.heartbeatInterval)
	}

	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			h.logger.Info("observer disconnected", "remote", c.remote)
			return
		}
		env, err := codec.Decode(payload)
		if err != nil {
			h.logger.Warn("invalid message from observer", "remote", c.remote, "error", err)
			h.metrics.ObserveDecodeError("observer")
			continue
		}
		switch codec.Classify(env) {
		case codec.IntentRequestData:
			h.handleRequestData()
		case codec.IntentRequestHistory:
			h.sendHistory(c)
		case codec.IntentDeleteSession:
			h.handleDeleteSession(c, env.String("session_id"))
		case codec.IntentCalibration:
			h.handleObserverCalibration(c, payload)
		default:
			// Ignore unrecognized observer messages.
		}
	}
}

// handleDeviceCalibration echoes calibration traffic straight back to the
// device. The relay never interprets calibration fields; the firmware applies
// them itself.
func (h *Hub) handleDeviceCalibration(c *client, env codec.Envelope, payload []byte) {
	h.logger.Info("calibration command on device path", "action", env.String("action"))
	if err := c.conn.WriteText(payload); err != nil {
		h.logger.Warn("calibration echo failed", "error", err)
	}
	h.metrics.ObserveRelayEvent("calibration")
}

func (h *Hub) handleDownloadStart() {
	msg, _ := json.Marshal(downloadStartMessage{Type: "download_start", Timestamp: nowStamp()})
	h.broadcast(msg)
	h.metrics.ObserveRelayEvent("download_start")
	h.logger.Info("bulk download started")
}

func (h *Hub) handleReading(c *client, env codec.Envelope, payload []byte) {
	reading := codec.Reading(env, time.Now())
	if err := h.tracker.Append(reading); err != nil {
		h.logger.Error("reading outside an open session", "error", err)
	}
	if h.store != nil {
		if err := h.store.AppendReading(reading); err != nil {
			h.logger.Error("failed to persist reading", "reading_number", reading.ReadingNumber, "error", err)
			h.metrics.ObservePersistenceFailure("append_reading")
		}
	}
	h.metrics.ObserveRelayEvent("reading")

	h.broadcast(payload)
	h.publish(Event{Type: EventTypeReading, Reading: &reading, OccurredAt: time.Now().UTC()})

	h.mu.Lock()
	pending := h.pendingDownload
	h.mu.Unlock()
	if pending {
		ack, _ := json.Marshal(readingAck{Status: "received", ReadingNumber: reading.ReadingNumber})
		if err := c.conn.WriteText(ack); err != nil {
			h.logger.Warn("reading ack failed", "reading_number", reading.ReadingNumber, "error", err)
		}
	}
}

func (h *Hub) handleDownloadComplete(total int64) {
	h.mu.Lock()
	h.pendingDownload = false
	h.mu.Unlock()
	msg, _ := json.Marshal(downloadCompleteMessage{Type: "download_complete", Total: total, Timestamp: nowStamp()})
	h.broadcast(msg)
	h.metrics.ObserveRelayEvent("download_complete")
	h.logger.Info("bulk download complete", "total", total)
}

// handleRequestData forwards a pull request to the device, or broadcasts a
// download error when no device is registered. The pending flag is only set
// after the forward succeeds.
func (h *Hub) handleRequestData() {
	h.mu.Lock()
	device := h.device
	h.mu.Unlock()
	if device == nil {
		h.broadcastDownloadError("ESP32 no conectado")
		return
	}
	request, _ := json.Marshal(requestAllDataMessage{Action: "request_all_data", Timestamp: nowStamp()})
	if err := device.conn.WriteText(request); err != nil {
		h.logger.Warn("request_all_data forward failed", "error", err)
		h.broadcastDownloadError("Error al solicitar datos")
		return
	}
	h.mu.Lock()
	h.pendingDownload = true
	h.mu.Unlock()
	h.metrics.ObserveRelayEvent("request_data")
	h.logger.Info("requested buffered data from device")
}

func (h *Hub) broadcastDownloadError(message string) {
	msg, _ := json.Marshal(downloadErrorMessage{Type: "download_error", Message: message})
	h.broadcast(msg)
	h.metrics.ObserveRelayEvent("download_error")
}

// sendHistory delivers the full session history to one observer. History
// requests are never broadcast.
func (h *Hub) sendHistory(c *client) {
	h.mu.Lock()
	sessions := make([]session.Session, len(h.history))
	copy(sessions, h.history)
	h.mu.Unlock()
	msg, err := json.Marshal(historyMessage{Type: "sessions_history", Sessions: sessions})
	if err != nil {
		h.logger.Error("failed to marshal session history", "error", err)
		return
	}
	if err := c.conn.WriteText(msg); err != nil {
		h.logger.Warn("history delivery failed", "remote", c.remote, "error", err)
		return
	}
	h.logger.Info("sent session history", "sessions", len(sessions))
}

// handleDeleteSession removes one session by identifier, rewrites the durable
// snapshot before acknowledging success, and resends the updated history to
// the requester.
func (h *Hub) handleDeleteSession(c *client, sessionID string) {
	h.mu.Lock()
	index := -1
	for i, s := range h.history {
		if s.ID == sessionID {
			index = i
			break
		}
	}
	if index < 0 {
		h.mu.Unlock()
		msg, _ := json.Marshal(sessionDeleteFailed{Type: "session_deleted", Success: false, Message: "Sesión no encontrada"})
		if err := c.conn.WriteText(msg); err != nil {
			h.logger.Warn("delete reply failed", "remote", c.remote, "error", err)
		}
		return
	}
	h.history = append(h.history[:index], h.history[index+1:]...)
	remaining := make([]session.Session, len(h.history))
	copy(remaining, h.history)
	h.mu.Unlock()

	// The in-memory removal deliberately precedes the snapshot rewrite, and a
	// rewrite failure does not restore it: the deployed dashboards treat the
	// failure reply as terminal and re-request the history, which then shows
	// the live in-memory state.
	if h.store != nil {
		if err := h.store.SaveHistory(remaining); err != nil {
			h.logger.Error("failed to rewrite session history", "session_id", sessionID, "error", err)
			h.metrics.ObservePersistenceFailure("save_history")
			msg, _ := json.Marshal(sessionDeleteFailed{Type: "session_deleted", Success: false, Message: "Error: " + err.Error()})
			if err := c.conn.WriteText(msg); err != nil {
				h.logger.Warn("delete reply failed", "remote", c.remote, "error", err)
			}
			return
		}
	}

	h.logger.Info("session deleted", "session_id", sessionID, "remaining", len(remaining))
	h.metrics.ObserveRelayEvent("session_deleted")
	msg, _ := json.Marshal(sessionDeleted{Type: "session_deleted", Success: true, SessionID: sessionID, TotalSessions: len(remaining)})
	if err := c.conn.WriteText(msg); err != nil {
		h.logger.Warn("delete reply failed", "remote", c.remote, "error", err)
		return
	}
	h.sendHistory(c)
}

// handleObserverCalibration forwards a calibration command verbatim to the
// device, or replies with an error status when none is connected.
func (h *Hub) handleObserverCalibration(c *client, payload []byte) {
	h.mu.Lock()
	device := h.device
	h.mu.Unlock()
	if device == nil {
		msg, _ := json.Marshal(errorStatus{Status: "error", Message: "ESP32 no conectado"})
		if err := c.conn.WriteText(msg); err != nil {
			h.logger.Warn("calibration error reply failed", "remote", c.remote, "error", err)
		}
		return
	}
	h.logger.Info("forwarding calibration command to device")
	if err := device.conn.WriteText(payload); err != nil {
		h.logger.Warn("calibration forward failed", "error", err)
	}
	h.metrics.ObserveRelayEvent("calibration")
}

// finishDevice runs the device connection's terminal cleanup: close and
// persist the session, clear the handle, and notify observers. Guarded by the
// client's once so takeover and the read loop's own exit cannot both run it.
func (h *Hub) finishDevice(c *client) {
	_ = c.conn.Close()

	if s := h.tracker.Close(); s != nil {
		h.mu.Lock()
		h.history = append(h.history, *s)
		snapshot := make([]session.Session, len(h.history))
		copy(snapshot, h.history)
		total := len(h.history)
		h.mu.Unlock()

		if h.store != nil {
			if err := h.store.SaveHistory(snapshot); err != nil {
				h.logger.Error("failed to persist session history", "session_id", s.ID, "error", err)
				h.metrics.ObservePersistenceFailure("save_history")
			}
		}
		h.logger.Info("session saved", "session_id", s.ID, "readings", s.TotalReadings, "total_sessions", total)
		h.metrics.ObserveRelayEvent("session_saved")

		msg, _ := json.Marshal(sessionSavedMessage{Type: "session_saved", SessionID: s.ID, TotalSessions: total})
		h.broadcast(msg)
		h.publish(Event{
			Type:       EventTypeSessionSaved,
			Session:    &SessionSavedEvent{SessionID: s.ID, TotalReadings: s.TotalReadings},
			OccurredAt: time.Now().UTC(),
		})
	}

	h.mu.Lock()
	if h.device == c {
		h.device = nil
	}
	h.mu.Unlock()
	h.metrics.SetDeviceConnected(false)

	h.broadcastStatus(false)
	h.publish(Event{
		Type:       EventTypeDeviceStatus,
		Device:     &DeviceStatusEvent{DeviceID: codec.SensorDeviceID, Connected: false, Remote: c.remote},
		OccurredAt: time.Now().UTC(),
	})
}

func (h *Hub) finishObserver(c *client) {
	_ = c.conn.Close()
	h.mu.Lock()
	_, present := h.observers[c]
	delete(h.observers, c)
	h.mu.Unlock()
	// Safe to close only after deregistration: broadcast enqueues under the
	// hub mutex and never sees a client that has been removed.
	close(c.send)
	if present {
		h.metrics.ObserverDisconnected()
	}
}

func (h *Hub) broadcastStatus(connected bool) {
	msg, _ := json.Marshal(statusMessage{Type: "esp32_status", Connected: connected})
	h.broadcast(msg)
}

// broadcast hands one serialized message to every registered observer's write
// loop. The enqueue never blocks: an observer whose queue is already full has
// stopped draining its connection, so it is pruned after the pass instead of
// holding up the device read loop behind it.
func (h *Hub) broadcast(payload []byte) {
	var stalled []*client
	h.mu.Lock()
	count := len(h.observers)
	for obs := range h.observers {
		select {
		case obs.send <- payload:
		default:
			stalled = append(stalled, obs)
		}
	}
	h.mu.Unlock()
	if count == 0 {
		return
	}

	for _, obs := range stalled {
		h.logger.Warn("pruning stalled observer", "remote", obs.remote)
		h.metrics.ObserveObserverPruned()
		obs.finish()
	}
	h.metrics.ObserveRelayEvent("broadcast")
}

func (h *Hub) publish(event Event) {
	if h.queue == nil {
		return
	}
	if err := h.queue.Publish(context.Background(), event); err != nil {
		h.logger.Warn("failed to publish telemetry event", "type", event.Type, "error", err)
	}
}

// DeviceConnected reports whether the sensor unit is currently registered.
func (h *Hub) DeviceConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device != nil
}

// ObserverCount reports the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// History returns a copy of the in-memory session history.
func (h *Hub) History() []session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]session.Session, len(h.history))
	copy(out, h.history)
	return out
}

// RecentReadings exposes the bounded diagnostics buffer of latest readings.
func (h *Hub) RecentReadings() []session.Reading {
	return h.tracker.Recent()
}

// TotalReadings reports how many readings the hub has received since startup.
func (h *Hub) TotalReadings() uint64 {
	return h.tracker.TotalReceived()
}

func nowStamp() string {
	return time.Now().Format(time.RFC3339)
}

type clientKind int

const (
	clientUnknown clientKind = iota
	clientDevice
	clientObserver
)

type client struct {
	hub    *Hub
	conn   *Conn
	kind   clientKind
	remote string
	cancel context.CancelFunc

	// send carries broadcast payloads to the observer's writeLoop. Only set
	// on the observer path; device writes stay on the device goroutine.
	send chan []byte

	finishOnce sync.Once
	finishFn   func(*client)
}

// writeLoop drains the send queue onto the wire so a slow or stalled observer
// only ever backs up its own queue, never the goroutine that broadcasts.
func (c *client) writeLoop() {
	defer c.finish()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

// finish runs the connection's terminal cleanup exactly once, across every
// exit path: read error, takeover, heartbeat failure, or server shutdown.
func (c *client) finish() {
	c.finishOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.finishFn != nil {
			c.finishFn(c)
			return
		}
		_ = c.conn.Close()
	})
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.finish()
				return
			}
		}
	}
}

type greetingMessage struct {
	Status    string `json:"status"`
	Mensaje   string `json:"mensaje"`
	Timestamp string `json:"timestamp"`
}

type statusMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

type downloadStartMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type downloadCompleteMessage struct {
	Type      string `json:"type"`
	Total     int64  `json:"total"`
	Timestamp string `json:"timestamp"`
}

type downloadErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type requestAllDataMessage struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

type readingAck struct {
	Status        string `json:"status"`
	ReadingNumber int64  `json:"reading_number"`
}

type sessionSavedMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	TotalSessions int    `json:"total_sessions"`
}

type historyMessage struct {
	Type     string            `json:"type"`
	Sessions []session.Session `json:"sessions"`
}

type sessionDeleted struct {
	Type          string `json:"type"`
	Success       bool   `json:"success"`
	SessionID     string `json:"session_id"`
	TotalSessions int    `json:"total_sessions"`
}

type sessionDeleteFailed struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
