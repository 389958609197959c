package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

type seriesPoint struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
}

type clusterEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
}

type pattern struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Type               string       `json:"type"`
	TriggerConditions  []string     `json:"trigger_conditions"`
	RecommendedActions []mockAction `json:"recommended_actions"`
	Confidence         float64      `json:"confidence"`
	Active             bool         `json:"active"`
	AppliedCount       int          `json:"applied_count"`
	CreatedAt          time.Time    `json:"created_at"`
}

type mockAction struct {
	Type   string            `json:"type"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
	Risk   string            `json:"risk"`
}

type patternStore struct {
	mu       sync.Mutex
	patterns []pattern
}

func main() {
	store := &patternStore{patterns: []pattern{
		{
			ID:                "pat-memory-pressure",
			Name:              "memory pressure restart",
			Type:              "restart",
			TriggerConditions: []string{"high memory usage", "oom killed"},
			RecommendedActions: []mockAction{
				{Type: "restart", Target: "", Risk: "low", Params: map[string]string{"grace": "30s"}},
			},
			Confidence: 0.85,
			Active:     true,
			CreatedAt:  time.Now().Add(-48 * time.Hour),
		},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Observability gateway.
	mux.HandleFunc("/api/v1/signals/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"series": []seriesPoint{
				{Name: "memory_working_set", Timestamp: time.Now().Add(-4 * time.Minute), Value: 0.62},
				{Name: "memory_working_set", Timestamp: time.Now().Add(-3 * time.Minute), Value: 0.78},
				{Name: "memory_working_set", Timestamp: time.Now().Add(-2 * time.Minute), Value: 0.95},
			},
		})
	})

	mux.HandleFunc("/api/v1/signals/logs", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"entries": []logEntry{
				{Timestamp: time.Now().Add(-3 * time.Minute), Message: "container memory usage above limit", Severity: "error"},
				{Timestamp: time.Now().Add(-2 * time.Minute), Message: "worker pool saturated", Severity: "warn"},
			},
		})
	})

	mux.HandleFunc("/api/v1/signals/events", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"events": []clusterEvent{
				{Timestamp: time.Now().Add(-90 * time.Second), Reason: "OOMKilling", Message: "memory cgroup out of memory"},
			},
		})
	})

	// Pattern service.
	mux.HandleFunc("/api/v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			store.mu.Lock()
			out := make([]pattern, 0, len(store.patterns))
			activeOnly := r.URL.Query().Get("active") == "true"
			for _, p := range store.patterns {
				if activeOnly && !p.Active {
					continue
				}
				out = append(out, p)
			}
			store.mu.Unlock()
			writeJSON(w, map[string]any{"patterns": out})
		case http.MethodPost:
			var p pattern
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			store.mu.Lock()
			store.patterns = append(store.patterns, p)
			store.mu.Unlock()
			writeJSON(w, map[string]any{"pattern": p})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/patterns/", func(w http.ResponseWriter, r *http.Request) {
		// /api/v1/patterns/{id}/applied and /{id}/matched
		if !enforcePost(w, r) {
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// Cluster-action service: accept everything except high risk.
	mux.HandleFunc("/api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var action mockAction
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if action.Risk == "high" {
			writeJSON(w, map[string]any{"accepted": false, "detail": "high risk actions need operator signoff"})
			return
		}
		writeJSON(w, map[string]any{"accepted": true, "detail": "queued"})
	})

	logger := log.New(log.Writer(), "mock-collaborators ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
