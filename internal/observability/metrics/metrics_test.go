package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	cases := []struct {
		name     string
		method   string
		path     string
		status   int
		expected string
	}{
		// The root-path and empty-path observations normalize into the same
		// series, so both assert the combined count of 2.
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			expected: `watermon_http_requests_total{method="GET",path="/",status="200"} 2`,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			expected: `watermon_http_requests_total{method="GET",path="/",status="200"} 2`,
		},
		{
			name:     "numeric id segment",
			method:   "post",
			path:     "/sessions/123456",
			status:   201,
			expected: `watermon_http_requests_total{method="POST",path="/sessions/:id",status="201"} 1`,
		},
		{
			name:     "long identifier segment",
			method:   "GET",
			path:     "/sessions/session_1700000000_ab/",
			status:   200,
			expected: `watermon_http_requests_total{method="GET",path="/sessions/:id",status="200"} 1`,
		},
		{
			name:     "missing leading slash",
			method:   "GET",
			path:     "healthz",
			status:   200,
			expected: `watermon_http_requests_total{method="GET",path="/healthz",status="200"} 1`,
		},
	}

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, 10*time.Millisecond)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, tc := range cases {
		if !strings.Contains(body, tc.expected) {
			t.Fatalf("%s: expected output to contain %q\n%s", tc.name, tc.expected, body)
		}
	}
}

func TestRelayEventCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveRelayEvent("reading")
	recorder.ObserveRelayEvent("reading")
	recorder.ObserveRelayEvent("  Session_Saved ")
	recorder.ObserveRelayEvent("")

	counts := recorder.RelayEventCounts()
	if counts["reading"] != 2 {
		t.Fatalf("expected 2 reading events, got %d", counts["reading"])
	}
	if counts["session_saved"] != 1 {
		t.Fatalf("expected normalized session_saved counter, got %v", counts)
	}
	if counts["unknown"] != 1 {
		t.Fatalf("expected empty name to count as unknown, got %v", counts)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `watermon_relay_events_total{event="reading"} 2`) {
		t.Fatalf("missing relay event line:\n%s", buf.String())
	}
}

func TestGauges(t *testing.T) {
	recorder := New()

	recorder.ObserverConnected()
	recorder.ObserverConnected()
	recorder.ObserverDisconnected()
	if got := recorder.ActiveObservers(); got != 1 {
		t.Fatalf("expected 1 active observer, got %d", got)
	}

	// The gauge never goes negative even when disconnects outnumber connects.
	recorder.ObserverDisconnected()
	recorder.ObserverDisconnected()
	if got := recorder.ActiveObservers(); got != 0 {
		t.Fatalf("expected gauge floor at 0, got %d", got)
	}

	recorder.SetDeviceConnected(true)
	if !recorder.DeviceConnected() {
		t.Fatal("expected device connected")
	}
	recorder.SetDeviceConnected(false)
	if recorder.DeviceConnected() {
		t.Fatal("expected device disconnected")
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	if !strings.Contains(body, "watermon_active_observers 0") {
		t.Fatalf("missing observer gauge:\n%s", body)
	}
	if !strings.Contains(body, "watermon_device_connected 0") {
		t.Fatalf("missing device gauge:\n%s", body)
	}
}

func TestFailureCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveDecodeError("device")
	recorder.ObservePersistenceFailure("save_history")
	recorder.ObservePersistenceFailure("save_history")
	recorder.ObserveObserverPruned()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, expected := range []string{
		`watermon_decode_errors_total{source="device"} 1`,
		`watermon_persistence_failures_total{operation="save_history"} 2`,
		"watermon_observers_pruned_total 1",
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected output to contain %q:\n%s", expected, body)
		}
	}
}

func TestReset(t *testing.T) {
	recorder := New()
	recorder.ObserveRelayEvent("reading")
	recorder.ObserverConnected()
	recorder.SetDeviceConnected(true)

	recorder.Reset()

	if len(recorder.RelayEventCounts()) != 0 {
		t.Fatal("expected relay counters cleared")
	}
	if recorder.ActiveObservers() != 0 || recorder.DeviceConnected() {
		t.Fatal("expected gauges cleared")
	}
}

func TestConcurrentRecording(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveRelayEvent("reading")
				recorder.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
				recorder.ObserverConnected()
				recorder.ObserverDisconnected()
			}
		}()
	}
	wg.Wait()

	if got := recorder.RelayEventCounts()["reading"]; got != 800 {
		t.Fatalf("expected 800 reading events, got %d", got)
	}
}
