package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/detector"
	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// DetectionManager is the slice of the detection service the API needs.
type DetectionManager interface {
	Start() error
	Stop() error
	Restart() error
	IsRunning() bool
	GetStatus() detector.Status
	RunNow(ctx context.Context, subject string) (models.IncidentRun, error)
}

// KnowledgeBase is the slice of the pattern matcher the API needs.
type KnowledgeBase interface {
	FindMatchingPatterns(ctx context.Context, input models.MatchInput) (models.MatchSet, error)
	StorePattern(ctx context.Context, draft models.LearnedPattern) (models.LearnedPattern, error)
	StorePatternsFromExtraction(ctx context.Context, drafts []models.LearnedPattern) []models.LearnedPattern
	GetStats(ctx context.Context) (models.KnowledgeStats, error)
}

// RunHistory exposes stored incident runs.
type RunHistory interface {
	ListRecent(ctx context.Context, subject string, limit int) ([]models.IncidentRun, error)
	Subjects(ctx context.Context) ([]string, error)
}

// Handlers contains the HTTP handlers for the sentinel engine.
type Handlers struct {
	logger    *slog.Logger
	detection DetectionManager
	knowledge KnowledgeBase
	history   RunHistory
	registry  *evidence.Registry
	latencies *utils.LatencyTracker
}

// NewHandlers constructs the handler set.
func NewHandlers(logger *slog.Logger, detection DetectionManager, knowledge KnowledgeBase, history RunHistory, registry *evidence.Registry) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:    logger,
		detection: detection,
		knowledge: knowledge,
		history:   history,
		registry:  registry,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.handleHealth)

	v1 := router.Group("/api/v1")
	{
		detection := v1.Group("/detection")
		{
			detection.POST("/start", h.handleDetectionStart)
			detection.POST("/stop", h.handleDetectionStop)
			detection.POST("/restart", h.handleDetectionRestart)
			detection.GET("/status", h.handleDetectionStatus)
		}

		incidents := v1.Group("/incidents")
		{
			incidents.GET("", h.handleListSubjects)
			incidents.GET("/:subject", h.handleIncidentHistory)
			incidents.POST("/:subject/run", h.handleManualRun)
		}

		ev := v1.Group("/evidence")
		{
			ev.POST("", h.handleEvidenceIngest)
			ev.GET("/:subject", h.handleEvidenceQuery)
		}

		patterns := v1.Group("/patterns")
		{
			patterns.POST("", h.handlePatternCreate)
			patterns.POST("/batch", h.handlePatternBatch)
			patterns.POST("/match", h.handlePatternMatch)
			patterns.GET("/stats", h.handlePatternStats)
		}
	}
}

func (h *Handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detection_running": h.detection.IsRunning()})
}

func (h *Handlers) handleDetectionStart(c *gin.Context) {
	if err := h.detection.Start(); err != nil {
		if errors.Is(err, detector.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("detection started via API")
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (h *Handlers) handleDetectionStop(c *gin.Context) {
	if err := h.detection.Stop(); err != nil {
		if errors.Is(err, detector.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("detection stopped via API")
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (h *Handlers) handleDetectionRestart(c *gin.Context) {
	if err := h.detection.Restart(); err != nil {
		if errors.Is(err, detector.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (h *Handlers) handleDetectionStatus(c *gin.Context) {
	status := h.detection.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"running":     status.Running,
		"interval":    status.Interval.String(),
		"in_progress": status.InProgress,
		"last_phase":  status.LastPhase,
	})
}

func (h *Handlers) handleManualRun(c *gin.Context) {
	subject := c.Param("subject")

	start := time.Now()
	run, err := h.detection.RunNow(c.Request.Context(), subject)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, detector.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.latencies.Observe(duration)
	if count := h.latencies.Count(); count >= 20 && count%20 == 0 {
		h.logger.Info("manual run latency",
			slog.Duration("p95", h.latencies.Percentile(95)), slog.Int("samples", count))
	}

	c.JSON(http.StatusOK, run)
}

func (h *Handlers) handleListSubjects(c *gin.Context) {
	subjects, err := h.history.Subjects(c.Request.Context())
	if err != nil {
		h.logger.Error("list subjects failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subjects"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": subjects})
}

func (h *Handlers) handleIncidentHistory(c *gin.Context) {
	subject := c.Param("subject")
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.history.ListRecent(c.Request.Context(), subject, limit)
	if err != nil {
		h.logger.Error("list runs failed", slog.String("subject", subject), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "runs": runs})
}

type evidenceRequest struct {
	Subject    string  `json:"subject"`
	Kind       string  `json:"kind"`
	Payload    string  `json:"payload"`
	Value      float64 `json:"value"`
	Severity   string  `json:"severity"`
	CapturedAt string  `json:"captured_at"`
}

func (h *Handlers) handleEvidenceIngest(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Subject == "" || req.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject and kind are required"})
		return
	}

	capturedAt := time.Now().UTC()
	if req.CapturedAt != "" {
		t, err := utils.ParseRFC3339(req.CapturedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		capturedAt = t
	}

	unit := models.ObservationUnit{
		ID:         uuid.NewString(),
		Subject:    req.Subject,
		Kind:       models.ObservationKind(req.Kind),
		Payload:    req.Payload,
		Value:      req.Value,
		Severity:   req.Severity,
		CapturedAt: capturedAt,
	}
	h.registry.Push(req.Subject, unit)
	c.JSON(http.StatusAccepted, gin.H{"id": unit.ID})
}

func (h *Handlers) handleEvidenceQuery(c *gin.Context) {
	subject := c.Param("subject")

	startRaw, endRaw := c.Query("start"), c.Query("end")
	if startRaw != "" || endRaw != "" {
		start, err := utils.ParseRFC3339(startRaw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start: " + err.Error()})
			return
		}
		end, err := utils.ParseRFC3339(endRaw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end: " + err.Error()})
			return
		}
		units := h.registry.ByTimeRange(subject, models.TimeRange{Start: start, End: end})
		c.JSON(http.StatusOK, gin.H{"subject": subject, "units": units})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	units := h.registry.Recent(subject, limit)
	c.JSON(http.StatusOK, gin.H{"subject": subject, "units": units})
}

type patternRequest struct {
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	TriggerConditions  []string `json:"trigger_conditions"`
	RecommendedActions []struct {
		Type   string            `json:"type"`
		Target string            `json:"target"`
		Params map[string]string `json:"params"`
		Risk   string            `json:"risk"`
	} `json:"recommended_actions"`
	Confidence      float64  `json:"confidence"`
	SourceIncidents []string `json:"source_incidents"`
	AppliesTo       []string `json:"applies_to"`
	Exceptions      []string `json:"exceptions"`
}

func (req patternRequest) toModel() models.LearnedPattern {
	pattern := models.LearnedPattern{
		Name:              req.Name,
		Type:              req.Type,
		TriggerConditions: req.TriggerConditions,
		Confidence:        req.Confidence,
		SourceIncidents:   req.SourceIncidents,
		AppliesTo:         req.AppliesTo,
		Exceptions:        req.Exceptions,
	}
	for _, a := range req.RecommendedActions {
		pattern.RecommendedActions = append(pattern.RecommendedActions, models.ActionDescriptor{
			Type:   models.ActionType(a.Type),
			Target: a.Target,
			Params: a.Params,
			Risk:   models.RiskLevel(a.Risk),
		})
	}
	return pattern
}

func (h *Handlers) handlePatternCreate(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	stored, err := h.knowledge.StorePattern(c.Request.Context(), req.toModel())
	if err != nil {
		// Store failures come wrapped; bare errors are validation failures.
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			h.logger.Error("store pattern failed", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store pattern"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *Handlers) handlePatternBatch(c *gin.Context) {
	var req struct {
		Patterns []patternRequest `json:"patterns"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	drafts := make([]models.LearnedPattern, 0, len(req.Patterns))
	for _, p := range req.Patterns {
		drafts = append(drafts, p.toModel())
	}

	stored := h.knowledge.StorePatternsFromExtraction(c.Request.Context(), drafts)
	c.JSON(http.StatusOK, gin.H{"stored": len(stored), "requested": len(drafts), "patterns": stored})
}

func (h *Handlers) handlePatternMatch(c *gin.Context) {
	var req struct {
		Symptoms    []string `json:"symptoms"`
		Errors      []string `json:"errors"`
		LogExcerpts []string `json:"log_excerpts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	set, err := h.knowledge.FindMatchingPatterns(c.Request.Context(), models.MatchInput{
		Symptoms:    req.Symptoms,
		Errors:      req.Errors,
		LogExcerpts: req.LogExcerpts,
	})
	if err != nil {
		h.logger.Error("pattern match failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to match patterns"})
		return
	}
	c.JSON(http.StatusOK, set)
}

func (h *Handlers) handlePatternStats(c *gin.Context) {
	stats, err := h.knowledge.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("pattern stats failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
