package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eelnxz09/anamoly-processing/internal/config"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		ReferenceTZ:          "UTC",
		ModelSeed:            42,
		DefaultContamination: 0.1,
		DefaultVariant:       "isolation",
		FeedPollInterval:     time.Minute,
		FeedCycleTimeout:     10 * time.Second,
		FeedAllowPrivate:     true,
		MaxUploadBytes:       1 << 20,
		RateLimitRPS:         1000,
		ExplainCacheTTL:      time.Minute,
		CORSOrigins:          []string{"*"},
		Tuning:               config.DefaultTuning(),
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func serve(s *Server, method, path, contentType, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// historyCSV builds n regular purchases for three users.
func historyCSV(n int) string {
	var b strings.Builder
	b.WriteString("amount,timestamp,user_id,merchant_category,location,device_type\n")
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * 7 * time.Hour)
		fmt.Fprintf(&b, "%.2f,%s,u%d,grocery,springfield,mobile\n",
			30+float64(i%15), ts.Format(time.RFC3339), i%3+1)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if resp.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, resp.Version)
	}

	checks := make(map[string]bool)
	for _, c := range resp.Checks {
		checks[c.Name] = c.Healthy
	}
	if !checks["warehouse"] {
		t.Error("Expected healthy warehouse check")
	}
	if !checks["cache"] {
		t.Error("Expected healthy cache check")
	}
	// No model yet: reported but not fatal
	if healthy, ok := checks["model"]; !ok || healthy {
		t.Errorf("Expected unhealthy informational model check, got present=%v healthy=%v", ok, healthy)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	s.healthy.Store(false)
	w = serve(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when unhealthy, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := serve(s, "GET", "/health/ready", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	w = serve(s, "GET", "/health/ready", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 once ready, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["model_serving"] != false {
		t.Errorf("Expected model_serving false before training, got %v", resp["model_serving"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	serve(s, "GET", "/health/live", "", "")
	w := serve(s, "GET", "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "# HELP") {
		t.Error("Expected Prometheus exposition format")
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGenerated(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", "")
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("Expected generated UUID request id, got %q", id)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "upstream-123" {
		t.Errorf("Expected upstream request id, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/", "", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff, got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("Expected DENY, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header without Origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitRPS = 1 })

	// Burst is twice the rate
	for i := 0; i < 2; i++ {
		if w := serve(s, "GET", "/health/live", "", ""); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := serve(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.MaxUploadBytes = 256 })

	w := serve(s, "POST", "/v1/uploads", "text/csv", historyCSV(50))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Route tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	want := map[string]bool{
		"POST /v1/uploads":                 false,
		"POST /v1/feeds":                   false,
		"GET /v1/feeds":                    false,
		"DELETE /v1/feeds":                 false,
		"GET /v1/model":                    false,
		"POST /v1/model/train":             false,
		"POST /v1/model/score":             false,
		"GET /v1/transactions":             false,
		"GET /v1/transactions/:id":         false,
		"GET /v1/transactions/:id/explain": false,
		"GET /v1/users/:id/profile":        false,
		"GET /v1/statistics":               false,
		"GET /v1/realtime":                 false,
		"GET /v1/scheduler":                false,
		"POST /v1/webhooks":                false,
		"GET /v1/webhooks":                 false,
		"POST /v1/webhooks/:id/test":       false,
		"GET /ws":                          false,
	}

	for _, r := range s.router.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}

	for route, found := range want {
		if !found {
			t.Errorf("Route not registered: %s", route)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/nope", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestUploadTrainScoreThroughRouter(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/v1/uploads", "text/csv", historyCSV(40))
	if w.Code != http.StatusCreated {
		t.Fatalf("Upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(s, "POST", "/v1/model/train", "application/json", `{"contamination": 0.1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Train: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(s, "POST", "/v1/model/score", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Score: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var scored struct {
		Scored int `json:"scored"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &scored); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if scored.Scored != 40 {
		t.Errorf("Expected 40 scored, got %d", scored.Scored)
	}

	if !s.Service().Ready() {
		t.Error("Expected service to be serving a model")
	}

	w = serve(s, "GET", "/health", "", "")
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	for _, c := range resp.Checks {
		if c.Name == "model" && (!c.Healthy || c.Detail != "v1 isolation") {
			t.Errorf("Expected model check 'v1 isolation', got %+v", c)
		}
	}
}

func TestSchedulerStats(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/scheduler", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Jobs int `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	// Only the cache sweep; retraining is disabled
	if resp.Jobs != 1 {
		t.Errorf("Expected 1 job, got %d", resp.Jobs)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle tests
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if s.ready.Load() {
		t.Error("Expected not ready after shutdown")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://user:secret@db:5432/anomaly?sslmode=disable")
	if strings.Contains(got, "secret") {
		t.Errorf("Password leaked: %s", got)
	}
	if !strings.Contains(got, "user") {
		t.Errorf("Expected username kept: %s", got)
	}
}
