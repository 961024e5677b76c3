package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/speech-stream-service/internal/config"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/protocol"
	"github.com/skypro1111/speech-stream-service/internal/segment"
	"github.com/skypro1111/speech-stream-service/internal/stream"
	"github.com/skypro1111/speech-stream-service/internal/transcript"
	"github.com/skypro1111/speech-stream-service/internal/transcription"
	"github.com/skypro1111/speech-stream-service/internal/vad"
)

// stubDispatcher returns queued transcripts in order
type stubDispatcher struct {
	mu    sync.Mutex
	texts []string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, seg *segment.Segment, contextTail string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.texts) == 0 {
		return "", nil
	}
	text := d.texts[0]
	d.texts = d.texts[1:]
	return text, nil
}

func (d *stubDispatcher) Stats() (transcription.ClientStats, bool) {
	return transcription.ClientStats{TotalRequests: 3, SuccessRequests: 3, SuccessRate: 100, MaxConcurrent: 10}, true
}

type testEnv struct {
	server  *HTTPServer
	manager *stream.Manager
	http    *httptest.Server
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transcription.APIKey = "sk-test-secret"
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config, dispatcher *stubDispatcher) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	filter, err := transcript.NewFilter(cfg.Filter.BlockedPatterns)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}

	manager, err := stream.NewManager(logger, ManagerConfig(cfg), dispatcher, filter, m)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	server := NewHTTPServer(logger, cfg, manager, dispatcher, m, reg)
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		manager.Stop()
		ts.Close()
	})

	return &testEnv{server: server, manager: manager, http: ts}
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if target != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestManagerConfigDefaults(t *testing.T) {
	mc := ManagerConfig(config.Default())

	if mc.MaxSessions != 100 {
		t.Errorf("Expected 100 max sessions, got %d", mc.MaxSessions)
	}
	if mc.Session.VAD != vad.DefaultConfig() {
		t.Errorf("Expected default VAD config, got %+v", mc.Session.VAD)
	}
	if mc.Session.Gate != segment.DefaultGateConfig(16000) {
		t.Errorf("Expected default gate config, got %+v", mc.Session.Gate)
	}
	if mc.Session.Segment.SilenceDuration.Seconds() != 1.0 {
		t.Errorf("Expected 1s silence duration, got %s", mc.Session.Segment.SilenceDuration)
	}
	if err := mc.Session.Validate(); err != nil {
		t.Errorf("Expected valid session config, got %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		expectedStatus string
	}{
		{name: "configured backend", apiKey: "sk-test", expectedStatus: "healthy"},
		{name: "missing api key", apiKey: "", expectedStatus: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Transcription.APIKey = tt.apiKey
			env := newTestEnv(t, cfg, &stubDispatcher{})

			var health map[string]any
			if status := getJSON(t, env.http.URL+"/health", &health); status != http.StatusOK {
				t.Fatalf("Expected 200, got %d", status)
			}
			if health["status"] != tt.expectedStatus {
				t.Errorf("Expected status %s, got %v", tt.expectedStatus, health["status"])
			}
		})
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubDispatcher{})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "root", method: http.MethodGet, path: "/", status: http.StatusOK},
		{name: "streams", method: http.MethodGet, path: "/streams", status: http.StatusOK},
		{name: "unknown stream", method: http.MethodGet, path: "/streams/does-not-exist", status: http.StatusNotFound},
		{name: "config", method: http.MethodGet, path: "/config", status: http.StatusOK},
		{name: "stats", method: http.MethodGet, path: "/stats", status: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "unknown path", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
		{name: "post health", method: http.MethodPost, path: "/health", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.http.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestConfigEndpointHidesAPIKey(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubDispatcher{})

	resp, err := http.Get(env.http.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	if strings.Contains(string(body), "sk-test-secret") {
		t.Error("Config response leaks the API key")
	}
	if !strings.Contains(string(body), `"model":"whisper-1"`) {
		t.Errorf("Expected transcription model in config, got %s", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubDispatcher{})

	var stats struct {
		Streams struct {
			ActiveCount int `json:"active_count"`
		} `json:"streams"`
		Transcription *transcription.ClientStats `json:"transcription"`
	}
	if status := getJSON(t, env.http.URL+"/stats", &stats); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	if stats.Transcription == nil || stats.Transcription.TotalRequests != 3 {
		t.Errorf("Expected transcription stats, got %+v", stats.Transcription)
	}
	if stats.Streams.ActiveCount != 0 {
		t.Errorf("Expected 0 active streams, got %d", stats.Streams.ActiveCount)
	}
}

func TestMetricsEndpointExposesServiceMetrics(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubDispatcher{})

	// Generate one observation of the HTTP request counter
	getJSON(t, env.http.URL+"/health", nil)

	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "stt_http_requests_total") {
		t.Error("Expected stt_http_requests_total in metrics output")
	}
}

func TestWSEmitterRejectsInvalidEvents(t *testing.T) {
	emitter := &wsEmitter{}
	if err := emitter.Emit(context.Background(), protocol.Event{Type: "partial", Seq: 1}); err == nil {
		t.Error("Expected invalid event to be refused before writing")
	}
}
