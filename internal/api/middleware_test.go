package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/timkrebs/image-resizer/internal/metrics"
)

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m.HTTP))
	r.Get("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_http_requests_total" {
			continue
		}
		if len(mf.GetMetric()) != 1 {
			t.Fatalf("got %d series, want 1", len(mf.GetMetric()))
		}
		metric := mf.GetMetric()[0]
		labels := map[string]string{}
		for _, lp := range metric.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["path"] != "/api/v1/jobs/{id}" || labels["status"] != "418" {
			t.Errorf("labels = %v", labels)
		}
		if metric.GetCounter().GetValue() != 3 {
			t.Errorf("count = %v, want 3", metric.GetCounter().GetValue())
		}
		return
	}
	t.Fatal("http_requests_total not registered")
}

func TestCORS(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))
	if recorder.Code != http.StatusOK || called {
		t.Errorf("preflight: status %d, next called %v", recorder.Code, called)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if !called {
		t.Error("GET did not reach the next handler")
	}
}

func TestMaxUploadSize(t *testing.T) {
	h := MaxUploadSize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized POST status = %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	h.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if recorder.Code != http.StatusOK {
		t.Errorf("small POST status = %d", recorder.Code)
	}
}

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "ERROR" || entry["path"] != "/boom" || entry["status"] != float64(500) {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	hs := newHarness(t)
	router := NewRouter(hs.h, m.HTTP, reg, 1<<20, testLogger())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/fit", strings.NewReader(`{"width":10,"height":10,"max_width":5}`)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("fit status = %d: %s", recorder.Code, recorder.Body)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `test_http_requests_total{method="POST",path="/api/v1/fit",status="200"} 1`) {
		t.Errorf("metrics output missing fit request:\n%s", recorder.Body)
	}
}
