package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

const activePatternsKey = "sentinel:patterns:active"

// PatternRepo reads and writes learned patterns through the pattern-service
// REST API. Implements knowledge.PatternStore. The active-pattern list is
// cached because the control loop fetches it on every run.
type PatternRepo struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	listTTL    time.Duration
}

// NewPatternRepo constructs a pattern-service client.
func NewPatternRepo(baseURL, apiKey string, timeout time.Duration, cacheProvider cache.Provider, listTTL time.Duration) *PatternRepo {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if listTTL < 0 {
		listTTL = 0
	}
	return &PatternRepo{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		listTTL:    listTTL,
	}
}

// patternDoc is the wire form of a learned pattern.
type patternDoc struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Type               string      `json:"type"`
	TriggerConditions  []string    `json:"trigger_conditions"`
	RecommendedActions []actionDoc `json:"recommended_actions"`
	Confidence         float64     `json:"confidence"`
	SourceIncidents    []string    `json:"source_incidents"`
	AppliesTo          []string    `json:"applies_to"`
	Exceptions         []string    `json:"exceptions"`
	Active             bool        `json:"active"`
	AppliedCount       int         `json:"applied_count"`
	SuccessRate        *float64    `json:"success_rate,omitempty"`
	LastApplied        *time.Time  `json:"last_applied,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

type actionDoc struct {
	Type   string            `json:"type"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
	Risk   string            `json:"risk"`
}

// ListActive returns every active pattern, from cache when fresh.
func (r *PatternRepo) ListActive(ctx context.Context) ([]models.LearnedPattern, error) {
	if r == nil {
		return nil, fmt.Errorf("pattern repo not initialised")
	}
	if r.baseURL == "" {
		return nil, fmt.Errorf("pattern-service base URL not configured")
	}

	if r.listTTL > 0 {
		if data, err := r.cache.Get(ctx, activePatternsKey); err == nil {
			var cached []models.LearnedPattern
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var response struct {
		Patterns []patternDoc `json:"patterns"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/patterns?active=true", nil, &response); err != nil {
		return nil, fmt.Errorf("pattern-service list request failed: %w", err)
	}

	patterns := make([]models.LearnedPattern, 0, len(response.Patterns))
	for _, doc := range response.Patterns {
		patterns = append(patterns, doc.toModel())
	}

	if r.listTTL > 0 && len(patterns) > 0 {
		if payload, err := json.Marshal(patterns); err == nil {
			_ = r.cache.Set(ctx, activePatternsKey, payload, r.listTTL)
		}
	}
	return patterns, nil
}

// Create persists a new pattern and invalidates the active-list cache.
func (r *PatternRepo) Create(ctx context.Context, pattern models.LearnedPattern) (models.LearnedPattern, error) {
	if r == nil {
		return models.LearnedPattern{}, fmt.Errorf("pattern repo not initialised")
	}
	if r.baseURL == "" {
		return models.LearnedPattern{}, fmt.Errorf("pattern-service base URL not configured")
	}

	var response struct {
		Pattern patternDoc `json:"pattern"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/patterns", docFromModel(pattern), &response); err != nil {
		return models.LearnedPattern{}, fmt.Errorf("pattern-service create request failed: %w", err)
	}

	_ = r.cache.Del(ctx, activePatternsKey)
	return response.Pattern.toModel(), nil
}

// CountByType aggregates pattern counts over the full list, active or not.
func (r *PatternRepo) CountByType(ctx context.Context) (map[string]int, error) {
	docs, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, doc := range docs {
		counts[doc.Type]++
	}
	return counts, nil
}

// CountHighConfidence counts patterns at or above the threshold.
func (r *PatternRepo) CountHighConfidence(ctx context.Context, threshold float64) (int, error) {
	docs, err := r.listAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if doc.Confidence >= threshold {
			n++
		}
	}
	return n, nil
}

// RecordApplied reports an application outcome for a pattern.
func (r *PatternRepo) RecordApplied(ctx context.Context, patternID string, success bool) error {
	if r == nil {
		return fmt.Errorf("pattern repo not initialised")
	}
	payload := map[string]any{"success": success}
	endpoint := fmt.Sprintf("/api/v1/patterns/%s/applied", patternID)
	if err := r.doJSON(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return fmt.Errorf("pattern-service applied request failed: %w", err)
	}
	_ = r.cache.Del(ctx, activePatternsKey)
	return nil
}

// RecordMatch bumps a pattern's match counter.
func (r *PatternRepo) RecordMatch(ctx context.Context, patternID string) error {
	if r == nil {
		return fmt.Errorf("pattern repo not initialised")
	}
	endpoint := fmt.Sprintf("/api/v1/patterns/%s/matched", patternID)
	if err := r.doJSON(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("pattern-service matched request failed: %w", err)
	}
	return nil
}

func (r *PatternRepo) listAll(ctx context.Context) ([]patternDoc, error) {
	if r == nil {
		return nil, fmt.Errorf("pattern repo not initialised")
	}
	if r.baseURL == "" {
		return nil, fmt.Errorf("pattern-service base URL not configured")
	}
	var response struct {
		Patterns []patternDoc `json:"patterns"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/patterns", nil, &response); err != nil {
		return nil, fmt.Errorf("pattern-service list request failed: %w", err)
	}
	return response.Patterns, nil
}

func (r *PatternRepo) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pattern-service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (doc patternDoc) toModel() models.LearnedPattern {
	actions := make([]models.ActionDescriptor, 0, len(doc.RecommendedActions))
	for _, a := range doc.RecommendedActions {
		actions = append(actions, models.ActionDescriptor{
			Type:   models.ActionType(a.Type),
			Target: a.Target,
			Params: a.Params,
			Risk:   models.RiskLevel(a.Risk),
		})
	}
	return models.LearnedPattern{
		ID:                 doc.ID,
		Name:               doc.Name,
		Type:               doc.Type,
		TriggerConditions:  doc.TriggerConditions,
		RecommendedActions: actions,
		Confidence:         doc.Confidence,
		SourceIncidents:    doc.SourceIncidents,
		AppliesTo:          doc.AppliesTo,
		Exceptions:         doc.Exceptions,
		Active:             doc.Active,
		Usage: models.PatternUsage{
			AppliedCount: doc.AppliedCount,
			SuccessRate:  doc.SuccessRate,
			LastApplied:  doc.LastApplied,
		},
		CreatedAt: doc.CreatedAt,
	}
}

func docFromModel(p models.LearnedPattern) patternDoc {
	actions := make([]actionDoc, 0, len(p.RecommendedActions))
	for _, a := range p.RecommendedActions {
		actions = append(actions, actionDoc{
			Type:   string(a.Type),
			Target: a.Target,
			Params: a.Params,
			Risk:   string(a.Risk),
		})
	}
	return patternDoc{
		ID:                 p.ID,
		Name:               p.Name,
		Type:               p.Type,
		TriggerConditions:  p.TriggerConditions,
		RecommendedActions: actions,
		Confidence:         p.Confidence,
		SourceIncidents:    p.SourceIncidents,
		AppliesTo:          p.AppliesTo,
		Exceptions:         p.Exceptions,
		Active:             p.Active,
		AppliedCount:       p.Usage.AppliedCount,
		SuccessRate:        p.Usage.SuccessRate,
		LastApplied:        p.Usage.LastApplied,
		CreatedAt:          p.CreatedAt,
	}
}
