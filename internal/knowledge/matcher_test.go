package knowledge

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

type stubStore struct {
	patterns    []models.LearnedPattern
	listCalls   int
	created     []models.LearnedPattern
	failCreate  map[string]bool
	matched     []string
	applied     map[string]bool
	byType      map[string]int
	highCount   int
	listFailure error
}

func newStubStore(patterns ...models.LearnedPattern) *stubStore {
	return &stubStore{
		patterns:   patterns,
		failCreate: make(map[string]bool),
		applied:    make(map[string]bool),
	}
}

func (s *stubStore) ListActive(ctx context.Context) ([]models.LearnedPattern, error) {
	s.listCalls++
	if s.listFailure != nil {
		return nil, s.listFailure
	}
	return s.patterns, nil
}

func (s *stubStore) Create(ctx context.Context, pattern models.LearnedPattern) (models.LearnedPattern, error) {
	if s.failCreate[pattern.Name] {
		return models.LearnedPattern{}, fmt.Errorf("store rejected %s", pattern.Name)
	}
	s.created = append(s.created, pattern)
	return pattern, nil
}

func (s *stubStore) CountByType(ctx context.Context) (map[string]int, error) {
	return s.byType, nil
}

func (s *stubStore) CountHighConfidence(ctx context.Context, threshold float64) (int, error) {
	return s.highCount, nil
}

func (s *stubStore) RecordApplied(ctx context.Context, patternID string, success bool) error {
	s.applied[patternID] = success
	return nil
}

func (s *stubStore) RecordMatch(ctx context.Context, patternID string) error {
	s.matched = append(s.matched, patternID)
	return nil
}

type countingNotifier struct {
	calls int
	last  models.MatchSet
}

func (n *countingNotifier) PatternsMatched(ctx context.Context, set models.MatchSet) {
	n.calls++
	n.last = set
}

func memoryPattern() models.LearnedPattern {
	return models.LearnedPattern{
		ID:                "pat-memory",
		Name:              "memory pressure",
		Type:              "restart",
		TriggerConditions: []string{"memory usage high"},
		Confidence:        0.9,
		Active:            true,
	}
}

func TestMatchScenarioMemoryUsage(t *testing.T) {
	store := newStubStore(memoryPattern())
	notifier := &countingNotifier{}
	matcher := NewMatcher(nil, store, notifier, 0.8)

	set, err := matcher.FindMatchingPatterns(context.Background(), models.MatchInput{
		Symptoms: []string{"memory usage is very high"},
	})
	if err != nil {
		t.Fatalf("match returned error: %v", err)
	}
	if len(set.Matches) != 1 {
		t.Fatalf("expected one match, got %d", len(set.Matches))
	}
	match := set.Matches[0]
	if match.Relevance != 1.0 {
		t.Fatalf("expected score 1.0 (both keywords present), got %f", match.Relevance)
	}
	if !reflect.DeepEqual(match.MatchedKeywords, []string{"memory", "usage"}) {
		t.Fatalf("unexpected matched keywords: %v", match.MatchedKeywords)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.calls)
	}
	if len(store.matched) != 1 || store.matched[0] != "pat-memory" {
		t.Fatalf("expected match recorded against pat-memory, got %v", store.matched)
	}
}

func TestMatchPartialKeywordScore(t *testing.T) {
	store := newStubStore(memoryPattern())
	matcher := NewMatcher(nil, store, nil, 0.8)

	// "memory usage high" yields keywords memory and usage; "high" is below
	// the keyword length floor. One of two present scores 0.5.
	set, err := matcher.FindMatchingPatterns(context.Background(), models.MatchInput{
		Symptoms: []string{"memory climbing steadily"},
	})
	if err != nil {
		t.Fatalf("match returned error: %v", err)
	}
	if len(set.Matches) != 1 {
		t.Fatalf("expected one match, got %d", len(set.Matches))
	}
	match := set.Matches[0]
	if match.Relevance != 0.5 {
		t.Fatalf("expected score 0.5 (one of two keywords), got %f", match.Relevance)
	}
	if !reflect.DeepEqual(match.MatchedKeywords, []string{"memory"}) {
		t.Fatalf("unexpected matched keywords: %v", match.MatchedKeywords)
	}
}

func TestMatchMissEmitsNothing(t *testing.T) {
	store := newStubStore(memoryPattern())
	notifier := &countingNotifier{}
	matcher := NewMatcher(nil, store, notifier, 0.8)

	set, err := matcher.FindMatchingPatterns(context.Background(), models.MatchInput{
		Symptoms: []string{"disk full"},
	})
	if err != nil {
		t.Fatalf("match returned error: %v", err)
	}
	if len(set.Matches) != 0 || set.Metadata.MatchesFound != 0 {
		t.Fatalf("expected zero matches, got %+v", set.Metadata)
	}
	if notifier.calls != 0 {
		t.Fatalf("miss must not notify, got %d calls", notifier.calls)
	}
}

func TestMatchEmptyInputLaw(t *testing.T) {
	store := newStubStore(memoryPattern())
	matcher := NewMatcher(nil, store, nil, 0.8)

	set, err := matcher.FindMatchingPatterns(context.Background(), models.MatchInput{})
	if err != nil {
		t.Fatalf("empty input must not error: %v", err)
	}
	if len(set.Matches) != 0 || set.Metadata.MatchesFound != 0 {
		t.Fatalf("empty input must yield empty set, got %+v", set)
	}
	if store.listCalls != 0 {
		t.Fatalf("empty input must not consult the store")
	}
}

func TestMatchDeterminismAndOrdering(t *testing.T) {
	low := models.LearnedPattern{
		ID: "pat-b", Name: "b", TriggerConditions: []string{"latency spike checkout"},
		Confidence: 0.5, Active: true,
	}
	sameScoreHigherConfidence := models.LearnedPattern{
		ID: "pat-a", Name: "a", TriggerConditions: []string{"latency spike payment"},
		Confidence: 0.7, Active: true,
	}
	full := models.LearnedPattern{
		ID: "pat-c", Name: "c", TriggerConditions: []string{"latency spike"},
		Confidence: 0.1, Active: true,
	}
	store := newStubStore(low, sameScoreHigherConfidence, full)
	matcher := NewMatcher(nil, store, nil, 0.8)
	input := models.MatchInput{Errors: []string{"latency spike on frontend"}}

	first, err := matcher.FindMatchingPatterns(context.Background(), input)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	// pat-c matches 2/2; pat-a and pat-b match 2/3 each, so confidence breaks
	// the tie, then ID would.
	wantOrder := []string{"pat-c", "pat-a", "pat-b"}
	for i, want := range wantOrder {
		if first.Matches[i].Pattern.ID != want {
			t.Fatalf("position %d = %s, want %s", i, first.Matches[i].Pattern.ID, want)
		}
	}

	for run := 0; run < 5; run++ {
		again, err := matcher.FindMatchingPatterns(context.Background(), input)
		if err != nil {
			t.Fatalf("repeat match: %v", err)
		}
		for i := range first.Matches {
			if again.Matches[i].Pattern.ID != first.Matches[i].Pattern.ID ||
				again.Matches[i].Relevance != first.Matches[i].Relevance {
				t.Fatalf("run %d not deterministic at position %d", run, i)
			}
		}
	}
}

func TestMatchSkipsInactivePatterns(t *testing.T) {
	inactive := memoryPattern()
	inactive.ID = "pat-off"
	inactive.Active = false
	store := newStubStore(inactive)
	matcher := NewMatcher(nil, store, nil, 0.8)

	set, err := matcher.FindMatchingPatterns(context.Background(), models.MatchInput{
		Symptoms: []string{"memory usage very high"},
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(set.Matches) != 0 {
		t.Fatalf("inactive pattern must be excluded entirely")
	}
	if set.Metadata.TotalPatternsSearched != 1 {
		t.Fatalf("metadata should still count searched patterns")
	}
}

func TestStorePatternInitialisesUsage(t *testing.T) {
	store := newStubStore()
	matcher := NewMatcher(nil, store, nil, 0.8)

	stored, err := matcher.StorePattern(context.Background(), models.LearnedPattern{
		Name:              "disk pressure",
		TriggerConditions: []string{"disk usage high"},
		Usage: models.PatternUsage{
			AppliedCount: 9,
		},
	})
	if err != nil {
		t.Fatalf("store pattern: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("expected generated pattern ID")
	}
	if stored.Usage.AppliedCount != 0 || stored.Usage.SuccessRate != nil || stored.Usage.LastApplied != nil {
		t.Fatalf("usage statistics must be reset on store: %+v", stored.Usage)
	}
	if !stored.Active {
		t.Fatalf("stored patterns start active")
	}
}

func TestBatchStorePartialSuccess(t *testing.T) {
	store := newStubStore()
	store.failCreate["bad"] = true
	matcher := NewMatcher(nil, store, nil, 0.8)

	stored := matcher.StorePatternsFromExtraction(context.Background(), []models.LearnedPattern{
		{Name: "good-1", TriggerConditions: []string{"oom killed"}},
		{Name: "bad", TriggerConditions: []string{"connection refused"}},
		{Name: "good-2", TriggerConditions: []string{"timeout waiting"}},
	})
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored despite one failure, got %d", len(stored))
	}
	if len(store.created) != 2 {
		t.Fatalf("failure on one pattern must not abort the rest")
	}
}

func TestGetStatsDelegates(t *testing.T) {
	store := newStubStore()
	store.byType = map[string]int{"restart": 3, "rollback": 2}
	store.highCount = 4
	matcher := NewMatcher(nil, store, nil, 0.8)

	stats, err := matcher.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.HighConfidence != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
