package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/123456", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `watermon_http_requests_total{method="GET",path="/sessions/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestHTTPMiddlewareDefaultsStatusToOK(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `watermon_http_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

func TestResponseRecorderPreservesFlush(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	rr.Flush() // must not panic when the writer supports flushing
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err == nil {
		t.Fatal("expected hijack to fail on a plain recorder")
	}
}
