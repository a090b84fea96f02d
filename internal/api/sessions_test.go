package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/analysis"
	"github.com/ninjasquad/sensai/internal/config"
	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/events"
	"github.com/ninjasquad/sensai/internal/sensai"
)

// stubAnalyzer satisfies sensai.Analyzer with a canned reply.
type stubAnalyzer struct {
	mu    sync.Mutex
	calls int
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ analysis.Request) (*analysis.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return &analysis.Response{Text: `{"recommendation": "run the tests", "confidence": 0.9}`}, nil
}

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	return newTestRouterWithConfig(t, &config.Config{})
}

func newTestRouterWithConfig(t *testing.T, cfg *config.Config) chi.Router {
	t.Helper()

	emitter := events.NewEmitter(64, nil)
	engine := sensai.New(&stubAnalyzer{}, nil, emitter, nil)
	t.Cleanup(func() {
		engine.Stop()
		emitter.Close()
	})

	r := chi.NewRouter()
	NewHandler(engine, cfg).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestInitSessionReturnsSnapshot(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", map[string]interface{}{
		"auto_approve": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var snap sensai.SessionSnapshot
	decodeInto(t, rr, &snap)
	if snap.ServerID != "server-1" || snap.SessionID != "tab-1" {
		t.Errorf("expected key server-1:tab-1, got %s:%s", snap.ServerID, snap.SessionID)
	}
	if snap.Status != "idle" {
		t.Errorf("expected idle status, got %q", snap.Status)
	}
	if !snap.Config.AutoApprove {
		t.Error("expected the auto_approve patch to be applied")
	}
	if snap.Config.ConfidenceThreshold != 0.8 {
		t.Errorf("expected default confidence threshold 0.8, got %v", snap.Config.ConfidenceThreshold)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodGet, "/api/sessions/server-1/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "session not found" {
		t.Errorf("expected session not found error, got %q", body["error"])
	}
}

func TestGetSessionAfterInit(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)

	rr := doJSON(t, r, http.MethodGet, "/api/sessions/server-1/tab-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var snap sensai.SessionSnapshot
	decodeInto(t, rr, &snap)
	if snap.Status != "idle" {
		t.Errorf("expected idle status, got %q", snap.Status)
	}
	if snap.PendingCount != 0 {
		t.Errorf("expected no pending recommendations, got %d", snap.PendingCount)
	}
}

func TestUpdateConfigMergesPatch(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)

	rr := doJSON(t, r, http.MethodPatch, "/api/sessions/server-1/tab-1/config", map[string]interface{}{
		"confidence_threshold": 0.5,
		"max_tokens":           2048,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var cfg domain.SessionConfig
	decodeInto(t, rr, &cfg)
	if cfg.ConfidenceThreshold != 0.5 {
		t.Errorf("expected confidence threshold 0.5, got %v", cfg.ConfidenceThreshold)
	}
	if cfg.MaxTokens != 2048 {
		t.Errorf("expected max tokens 2048, got %d", cfg.MaxTokens)
	}
	if !cfg.Enabled {
		t.Error("expected untouched enabled flag to keep its default")
	}
}

func TestCleanupSessionRemovesIt(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)

	rr := doJSON(t, r, http.MethodDelete, "/api/sessions/server-1/tab-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["status"] != "cleaned" {
		t.Errorf("expected cleaned status, got %q", body["status"])
	}

	rr = doJSON(t, r, http.MethodGet, "/api/sessions/server-1/tab-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 after cleanup, got %d", rr.Code)
	}
}

func TestAppendOutputRequiresText(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/output", map[string]interface{}{
		"text": "",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "text is required" {
		t.Errorf("expected text is required error, got %q", body["error"])
	}
}

func TestAppendOutputCreatesSessionLazily(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/output", map[string]interface{}{
		"text": "compiling modules.\n",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["status"] != "accepted" {
		t.Errorf("expected accepted status, got %q", body["status"])
	}

	// The session now exists without an explicit init.
	rr = doJSON(t, r, http.MethodGet, "/api/sessions/server-1/tab-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 after lazy creation, got %d", rr.Code)
	}
}

func TestUserCommandResets(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/command", map[string]interface{}{
		"command": "make test",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["status"] != "reset" {
		t.Errorf("expected reset status, got %q", body["status"])
	}
}

func TestReportRecommendationRequiresText(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations", map[string]interface{}{
		"confidence": 0.4,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "recommendation is required" {
		t.Errorf("expected recommendation is required error, got %q", body["error"])
	}
}

func TestReportThenListRecommendations(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations", map[string]interface{}{
		"recommendation": "check the failing migration",
		"confidence":     0.4,
		"source":         "plugin",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var rec domain.Recommendation
	decodeInto(t, rr, &rec)
	if rec.ID == "" {
		t.Fatal("expected a generated recommendation id")
	}
	if rec.Text != "check the failing migration" {
		t.Errorf("expected reported text, got %q", rec.Text)
	}
	if rec.Source != "plugin" {
		t.Errorf("expected plugin source, got %q", rec.Source)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/sessions/server-1/tab-1/recommendations", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var list struct {
		Recommendations []domain.Recommendation `json:"recommendations"`
	}
	decodeInto(t, rr, &list)
	if len(list.Recommendations) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(list.Recommendations))
	}
	if list.Recommendations[0].ID != rec.ID {
		t.Errorf("expected listed id %s, got %s", rec.ID, list.Recommendations[0].ID)
	}
}

func TestListRecommendationsUnknownSession(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodGet, "/api/sessions/server-1/ghost/recommendations", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestApproveMapsLookupFailures(t *testing.T) {
	r := newTestRouter(t)

	// Unknown session.
	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/ghost/recommendations/nope/approve", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "session not found" {
		t.Errorf("expected session not found error, got %q", body["error"])
	}

	// Known session, unknown recommendation.
	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)
	rr = doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations/nope/approve", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	decodeInto(t, rr, &body)
	if body["error"] != "recommendation not found" {
		t.Errorf("expected recommendation not found error, got %q", body["error"])
	}
}

func TestApproveAndDenyOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/init", nil)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations", map[string]interface{}{
		"recommendation": "fix the lint warnings",
		"confidence":     0.4,
	})
	var first domain.Recommendation
	decodeInto(t, rr, &first)

	rr = doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations/"+first.ID+"/approve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var approved domain.Recommendation
	decodeInto(t, rr, &approved)
	if !approved.Executed {
		t.Error("expected approved recommendation to be executed")
	}
	if approved.AutoApproved {
		t.Error("manual approval must not be flagged as auto approved")
	}

	rr = doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations", map[string]interface{}{
		"recommendation": "rerun the benchmark",
		"confidence":     0.4,
	})
	var second domain.Recommendation
	decodeInto(t, rr, &second)

	rr = doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/recommendations/"+second.ID+"/deny", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var denied domain.Recommendation
	decodeInto(t, rr, &denied)
	if !denied.Denied {
		t.Error("expected denied recommendation to be flagged")
	}
	if denied.Executed {
		t.Error("denied recommendation must not be executed")
	}
}

func TestDebounceEndpoints(t *testing.T) {
	r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodGet, "/api/engine/debounce", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body map[string]int64
	decodeInto(t, rr, &body)
	if body["interval_ms"] != 2000 {
		t.Errorf("expected default interval 2000ms, got %d", body["interval_ms"])
	}

	// Values are clamped to the supported range.
	for _, tc := range []struct {
		requested int64
		applied   int64
	}{
		{3000, 3000},
		{100, 1000},
		{60000, 15000},
	} {
		rr = doJSON(t, r, http.MethodPut, "/api/engine/debounce", map[string]interface{}{
			"interval_ms": tc.requested,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for %d, got %d", tc.requested, rr.Code)
		}
		decodeInto(t, rr, &body)
		if body["interval_ms"] != tc.applied {
			t.Errorf("requested %dms: expected applied %dms, got %d", tc.requested, tc.applied, body["interval_ms"])
		}
	}

	rr = doJSON(t, r, http.MethodPut, "/api/engine/debounce", map[string]interface{}{
		"interval_ms": 0,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for zero interval, got %d", rr.Code)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/server-1/tab-1/output", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "invalid request body" {
		t.Errorf("expected invalid request body error, got %q", body["error"])
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	cfg := &config.Config{}
	cfg.SSE.MaxRequestBodySize = 64
	r := newTestRouterWithConfig(t, cfg)

	rr := doJSON(t, r, http.MethodPost, "/api/sessions/server-1/tab-1/output", map[string]interface{}{
		"text": strings.Repeat("x", 512),
	})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}

	var body map[string]string
	decodeInto(t, rr, &body)
	if body["error"] != "request body too large" {
		t.Errorf("expected request body too large error, got %q", body["error"])
	}
}
