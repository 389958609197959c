package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-sentinel/internal/detector"
	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDetection struct {
	running   bool
	runErr    error
	lastRun   string
	runResult models.IncidentRun
}

func (f *fakeDetection) Start() error {
	if f.running {
		return detector.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeDetection) Stop() error {
	if !f.running {
		return detector.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeDetection) Restart() error {
	if err := f.Stop(); err != nil {
		return err
	}
	return f.Start()
}

func (f *fakeDetection) IsRunning() bool { return f.running }

func (f *fakeDetection) GetStatus() detector.Status {
	return detector.Status{Running: f.running, Interval: time.Minute}
}

func (f *fakeDetection) RunNow(ctx context.Context, subject string) (models.IncidentRun, error) {
	f.lastRun = subject
	if f.runErr != nil {
		return models.IncidentRun{}, f.runErr
	}
	run := f.runResult
	run.Subject = subject
	return run, nil
}

type fakeKnowledge struct {
	stored    []models.LearnedPattern
	matchSet  models.MatchSet
	statsErr  error
	createErr error
}

func (f *fakeKnowledge) FindMatchingPatterns(ctx context.Context, input models.MatchInput) (models.MatchSet, error) {
	return f.matchSet, nil
}

func (f *fakeKnowledge) StorePattern(ctx context.Context, draft models.LearnedPattern) (models.LearnedPattern, error) {
	if draft.Name == "" {
		return models.LearnedPattern{}, fmt.Errorf("pattern name is required")
	}
	if f.createErr != nil {
		return models.LearnedPattern{}, f.createErr
	}
	draft.ID = "pat-stored"
	f.stored = append(f.stored, draft)
	return draft, nil
}

func (f *fakeKnowledge) StorePatternsFromExtraction(ctx context.Context, drafts []models.LearnedPattern) []models.LearnedPattern {
	var stored []models.LearnedPattern
	for _, d := range drafts {
		if p, err := f.StorePattern(ctx, d); err == nil {
			stored = append(stored, p)
		}
	}
	return stored
}

func (f *fakeKnowledge) GetStats(ctx context.Context) (models.KnowledgeStats, error) {
	if f.statsErr != nil {
		return models.KnowledgeStats{}, f.statsErr
	}
	return models.KnowledgeStats{Total: 3, ByType: map[string]int{"restart": 3}, HighConfidence: 1}, nil
}

type fakeHistory struct {
	runs map[string][]models.IncidentRun
}

func (f *fakeHistory) ListRecent(ctx context.Context, subject string, limit int) ([]models.IncidentRun, error) {
	return f.runs[subject], nil
}

func (f *fakeHistory) Subjects(ctx context.Context) ([]string, error) {
	subjects := make([]string, 0, len(f.runs))
	for s := range f.runs {
		subjects = append(subjects, s)
	}
	return subjects, nil
}

func setupRouter(detection *fakeDetection, knowledge *fakeKnowledge, history *fakeHistory, registry *evidence.Registry) *gin.Engine {
	if registry == nil {
		registry = evidence.NewRegistry(10)
	}
	router := gin.New()
	handlers := NewHandlers(nil, detection, knowledge, history, registry)
	handlers.RegisterRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDetectionLifecycleEndpoints(t *testing.T) {
	router := setupRouter(&fakeDetection{}, &fakeKnowledge{}, &fakeHistory{}, nil)

	if w := doRequest(router, "POST", "/api/v1/detection/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: status %d", w.Code)
	}
	if w := doRequest(router, "POST", "/api/v1/detection/start", nil); w.Code != http.StatusConflict {
		t.Fatalf("double start: status %d, want 409", w.Code)
	}
	if w := doRequest(router, "POST", "/api/v1/detection/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop: status %d", w.Code)
	}
	if w := doRequest(router, "POST", "/api/v1/detection/stop", nil); w.Code != http.StatusConflict {
		t.Fatalf("double stop: status %d, want 409", w.Code)
	}
	if w := doRequest(router, "POST", "/api/v1/detection/restart", nil); w.Code != http.StatusConflict {
		t.Fatalf("restart while stopped: status %d, want 409", w.Code)
	}
}

func TestDetectionStatus(t *testing.T) {
	detection := &fakeDetection{running: true}
	router := setupRouter(detection, &fakeKnowledge{}, &fakeHistory{}, nil)

	w := doRequest(router, "GET", "/api/v1/detection/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var resp struct {
		Running  bool   `json:"running"`
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Running || resp.Interval != "1m0s" {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestManualRun(t *testing.T) {
	detection := &fakeDetection{runResult: models.IncidentRun{ID: "run-1", Phase: models.PhaseDone}}
	router := setupRouter(detection, &fakeKnowledge{}, &fakeHistory{}, nil)

	w := doRequest(router, "POST", "/api/v1/incidents/checkout/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("manual run: status %d", w.Code)
	}
	if detection.lastRun != "checkout" {
		t.Fatalf("ran subject %q, want checkout", detection.lastRun)
	}

	detection.runErr = detector.ErrRunInProgress
	if w := doRequest(router, "POST", "/api/v1/incidents/checkout/run", nil); w.Code != http.StatusConflict {
		t.Fatalf("busy run: status %d, want 409", w.Code)
	}
}

func TestEvidenceIngestAndQuery(t *testing.T) {
	registry := evidence.NewRegistry(10)
	router := setupRouter(&fakeDetection{}, &fakeKnowledge{}, &fakeHistory{}, registry)

	now := time.Now().UTC().Truncate(time.Second)
	body := map[string]any{
		"subject":     "checkout",
		"kind":        "log",
		"payload":     "connection refused",
		"severity":    "error",
		"captured_at": now.Format(time.RFC3339),
	}
	if w := doRequest(router, "POST", "/api/v1/evidence", body); w.Code != http.StatusAccepted {
		t.Fatalf("ingest: status %d", w.Code)
	}
	if registry.Size("checkout") != 1 {
		t.Fatalf("registry size = %d", registry.Size("checkout"))
	}

	w := doRequest(router, "GET", "/api/v1/evidence/checkout?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query: status %d", w.Code)
	}
	var resp struct {
		Units []models.ObservationUnit `json:"units"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Units) != 1 || resp.Units[0].Payload != "connection refused" {
		t.Fatalf("unexpected units: %+v", resp.Units)
	}

	rangePath := fmt.Sprintf("/api/v1/evidence/checkout?start=%s&end=%s",
		now.Add(-time.Minute).Format(time.RFC3339), now.Add(time.Minute).Format(time.RFC3339))
	if w := doRequest(router, "GET", rangePath, nil); w.Code != http.StatusOK {
		t.Fatalf("range query: status %d", w.Code)
	}

	if w := doRequest(router, "GET", "/api/v1/evidence/checkout?start=not-a-time&end=also-bad", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad range: status %d, want 400", w.Code)
	}
}

func TestEvidenceIngestValidation(t *testing.T) {
	router := setupRouter(&fakeDetection{}, &fakeKnowledge{}, &fakeHistory{}, nil)

	w := doRequest(router, "POST", "/api/v1/evidence", map[string]any{"kind": "log"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing subject: status %d, want 400", w.Code)
	}
}

func TestPatternCreateAndMatch(t *testing.T) {
	knowledge := &fakeKnowledge{
		matchSet: models.MatchSet{
			Matches:  []models.MatchResult{{Pattern: models.LearnedPattern{ID: "pat-1"}, Relevance: 1}},
			Metadata: models.MatchMetadata{TotalPatternsSearched: 1, MatchesFound: 1},
		},
	}
	router := setupRouter(&fakeDetection{}, knowledge, &fakeHistory{}, nil)

	create := map[string]any{
		"name":               "memory pressure",
		"type":               "restart",
		"trigger_conditions": []string{"high memory usage"},
		"confidence":         0.9,
	}
	w := doRequest(router, "POST", "/api/v1/patterns", create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, "POST", "/api/v1/patterns", map[string]any{"type": "restart"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: status %d, want 400", w.Code)
	}

	w = doRequest(router, "POST", "/api/v1/patterns/match", map[string]any{"symptoms": []string{"memory"}})
	if w.Code != http.StatusOK {
		t.Fatalf("match: status %d", w.Code)
	}
	var set models.MatchSet
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(set.Matches) != 1 || set.Matches[0].Pattern.ID != "pat-1" {
		t.Fatalf("unexpected match set: %+v", set)
	}
}

func TestPatternBatchPartialSuccess(t *testing.T) {
	knowledge := &fakeKnowledge{}
	router := setupRouter(&fakeDetection{}, knowledge, &fakeHistory{}, nil)

	body := map[string]any{
		"patterns": []map[string]any{
			{"name": "good", "trigger_conditions": []string{"x"}},
			{"trigger_conditions": []string{"y"}},
		},
	}
	w := doRequest(router, "POST", "/api/v1/patterns/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("batch: status %d", w.Code)
	}
	var resp struct {
		Stored    int `json:"stored"`
		Requested int `json:"requested"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Stored != 1 || resp.Requested != 2 {
		t.Fatalf("stored=%d requested=%d", resp.Stored, resp.Requested)
	}
}

func TestIncidentHistory(t *testing.T) {
	history := &fakeHistory{runs: map[string][]models.IncidentRun{
		"checkout": {{ID: "run-1", Subject: "checkout", Phase: models.PhaseFailed}},
	}}
	router := setupRouter(&fakeDetection{}, &fakeKnowledge{}, history, nil)

	w := doRequest(router, "GET", "/api/v1/incidents/checkout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: status %d", w.Code)
	}
	var resp struct {
		Runs []models.IncidentRun `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", resp.Runs)
	}

	w = doRequest(router, "GET", "/api/v1/incidents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subjects: status %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := setupRouter(&fakeDetection{running: true}, &fakeKnowledge{}, &fakeHistory{}, nil)

	w := doRequest(router, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", w.Code)
	}
	var resp struct {
		Status           string `json:"status"`
		DetectionRunning bool   `json:"detection_running"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || !resp.DetectionRunning {
		t.Fatalf("unexpected health: %+v", resp)
	}
}
