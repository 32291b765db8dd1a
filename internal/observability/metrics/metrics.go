package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// relay activity, decode failures, and persistence health. It coordinates
// concurrent writers via a RWMutex while exposing thread-safe gauges for
// connection tracking.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	relayEvents         map[string]uint64
	decodeErrors        map[string]uint64
	persistenceFailures map[string]uint64
	observersPruned     uint64
	activeObservers     atomic.Int64
	deviceConnected     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		relayEvents:         make(map[string]uint64),
		decodeErrors:        make(map[string]uint64),
		persistenceFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRelayEvent records a relay event type (reading, broadcast,
// download_start, session_saved, ...) for throughput monitoring.
func (r *Recorder) ObserveRelayEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// ObserveDecodeError records a malformed inbound message keyed by connection
// kind ("device" or "observer").
func (r *Recorder) ObserveDecodeError(source string) {
	normalized := normalizeName(source)
	r.mu.Lock()
	r.decodeErrors[normalized]++
	r.mu.Unlock()
}

// ObservePersistenceFailure records a failed durable write keyed by operation
// name (e.g. "append_reading", "save_history").
func (r *Recorder) ObservePersistenceFailure(operation string) {
	normalized := normalizeName(operation)
	r.mu.Lock()
	r.persistenceFailures[normalized]++
	r.mu.Unlock()
}

// ObserveObserverPruned records an observer removed because a delivery to it
// failed.
func (r *Recorder) ObserveObserverPruned() {
	r.mu.Lock()
	r.observersPruned++
	r.mu.Unlock()
}

// ObserverConnected increments the active observer gauge.
func (r *Recorder) ObserverConnected() {
	r.activeObservers.Add(1)
}

// ObserverDisconnected decrements the active observer gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ObserverDisconnected() {
	r.decrementGauge(&r.activeObservers)
}

// SetDeviceConnected flips the device connectivity gauge.
func (r *Recorder) SetDeviceConnected(connected bool) {
	if connected {
		r.deviceConnected.Store(1)
	} else {
		r.deviceConnected.Store(0)
	}
}

// ActiveObservers exposes the current gauge of connected observers.
func (r *Recorder) ActiveObservers() int64 {
	return r.activeObservers.Load()
}

// DeviceConnected reports whether the sensor unit is currently connected.
func (r *Recorder) DeviceConnected() bool {
	return r.deviceConnected.Load() > 0
}

// ObserversPruned reports how many observers were removed after delivery
// failures.
func (r *Recorder) ObserversPruned() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observersPruned
}

// RelayEventCounts returns a copy of the relay event counters for testing and
// reporting purposes.
func (r *Recorder) RelayEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.relayEvents))
	for k, v := range r.relayEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.relayEvents = make(map[string]uint64)
	r.decodeErrors = make(map[string]uint64)
	r.persistenceFailures = make(map[string]uint64)
	r.observersPruned = 0
	r.activeObservers.Store(0)
	r.deviceConnected.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	relayEvents := sortedKeys(r.relayEvents)
	decodeErrors := sortedKeys(r.decodeErrors)
	persistenceOps := sortedKeys(r.persistenceFailures)

	fmt.Fprintln(w, "# HELP watermon_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE watermon_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "watermon_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP watermon_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE watermon_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "watermon_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP watermon_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE watermon_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "watermon_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP watermon_relay_events_total Relay events by type")
	fmt.Fprintln(w, "# TYPE watermon_relay_events_total counter")
	for _, event := range relayEvents {
		count := r.relayEvents[event]
		fmt.Fprintf(w, "watermon_relay_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP watermon_decode_errors_total Malformed inbound messages by connection kind")
	fmt.Fprintln(w, "# TYPE watermon_decode_errors_total counter")
	for _, source := range decodeErrors {
		count := r.decodeErrors[source]
		fmt.Fprintf(w, "watermon_decode_errors_total{source=\"%s\"} %d\n", source, count)
	}

	fmt.Fprintln(w, "# HELP watermon_persistence_failures_total Failed durable writes by operation")
	fmt.Fprintln(w, "# TYPE watermon_persistence_failures_total counter")
	for _, op := range persistenceOps {
		count := r.persistenceFailures[op]
		fmt.Fprintf(w, "watermon_persistence_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP watermon_observers_pruned_total Observers removed after delivery failures")
	fmt.Fprintln(w, "# TYPE watermon_observers_pruned_total counter")
	fmt.Fprintf(w, "watermon_observers_pruned_total %d\n", r.observersPruned)

	fmt.Fprintln(w, "# HELP watermon_active_observers Current number of connected observers")
	fmt.Fprintln(w, "# TYPE watermon_active_observers gauge")
	fmt.Fprintf(w, "watermon_active_observers %d\n", r.activeObservers.Load())

	fmt.Fprintln(w, "# HELP watermon_device_connected Whether the sensor unit is connected (1=yes,0=no)")
	fmt.Fprintln(w, "# TYPE watermon_device_connected gauge")
	fmt.Fprintf(w, "watermon_device_connected %d\n", r.deviceConnected.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveRelayEvent records a relay event on the default recorder.
func ObserveRelayEvent(event string) {
	defaultRecorder.ObserveRelayEvent(event)
}

// ObservePersistenceFailure records a failed durable write on the default recorder.
func ObservePersistenceFailure(operation string) {
	defaultRecorder.ObservePersistenceFailure(operation)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
