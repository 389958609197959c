package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// DefaultHighConfidence is the stats threshold when none is configured.
const DefaultHighConfidence = 0.8

// minKeywordLen excludes short qualifier tokens ("high", "slow", "is")
// from trigger conditions so they never match on their own.
const minKeywordLen = 5

// Matcher correlates observed symptom strings against learned patterns.
// Matching itself is pure; notification is pushed through the injected
// Notifier so listeners stay out of the scoring path.
type Matcher struct {
	logger         *slog.Logger
	store          PatternStore
	notifier       Notifier
	highConfidence float64
}

// NewMatcher constructs a Matcher. notifier may be nil when no listener cares
// about match events.
func NewMatcher(logger *slog.Logger, store PatternStore, notifier Notifier, highConfidence float64) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if highConfidence <= 0 || highConfidence > 1 {
		highConfidence = DefaultHighConfidence
	}
	return &Matcher{
		logger:         logger,
		store:          store,
		notifier:       notifier,
		highConfidence: highConfidence,
	}
}

// FindMatchingPatterns scores every active pattern against the input bag.
// An empty input or an empty pattern set yields an empty match set, never an
// error; only a store failure is reported as one.
func (m *Matcher) FindMatchingPatterns(ctx context.Context, input models.MatchInput) (models.MatchSet, error) {
	started := time.Now()

	set := models.MatchSet{Matches: []models.MatchResult{}}
	if input.Empty() {
		set.Metadata.ProcessingTimeMs = time.Since(started).Milliseconds()
		return set, nil
	}

	patterns, err := m.store.ListActive(ctx)
	if err != nil {
		return models.MatchSet{}, utils.NewAppError("knowledge.match", "pattern store unavailable", err)
	}

	haystack := make([]string, 0, len(input.Strings()))
	for _, s := range input.Strings() {
		haystack = append(haystack, strings.ToLower(s))
	}

	for _, pattern := range patterns {
		if !pattern.Active {
			continue
		}
		keywords := extractKeywords(pattern.TriggerConditions)
		if len(keywords) == 0 {
			continue
		}
		matched := matchKeywords(keywords, haystack)
		if len(matched) == 0 {
			continue
		}
		score := float64(len(matched)) / float64(len(keywords))
		if score > 1 {
			score = 1
		}
		set.Matches = append(set.Matches, models.MatchResult{
			Pattern:         pattern,
			Relevance:       score,
			MatchedKeywords: matched,
		})
	}

	// Deterministic ordering: relevance, then stored confidence, then ID.
	sort.SliceStable(set.Matches, func(i, j int) bool {
		a, b := set.Matches[i], set.Matches[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if a.Pattern.Confidence != b.Pattern.Confidence {
			return a.Pattern.Confidence > b.Pattern.Confidence
		}
		return a.Pattern.ID < b.Pattern.ID
	})

	set.Metadata = models.MatchMetadata{
		TotalPatternsSearched: len(patterns),
		MatchesFound:          len(set.Matches),
		ProcessingTimeMs:      time.Since(started).Milliseconds(),
	}

	if len(set.Matches) > 0 {
		for _, match := range set.Matches {
			if err := m.store.RecordMatch(ctx, match.Pattern.ID); err != nil {
				m.logger.Warn("record match failed",
					slog.String("pattern_id", match.Pattern.ID), slog.Any("error", err))
			}
		}
		if m.notifier != nil {
			m.notifier.PatternsMatched(ctx, set)
		}
	}

	return set, nil
}

// StorePattern persists a new pattern draft with initialized usage statistics.
func (m *Matcher) StorePattern(ctx context.Context, draft models.LearnedPattern) (models.LearnedPattern, error) {
	if strings.TrimSpace(draft.Name) == "" {
		return models.LearnedPattern{}, fmt.Errorf("pattern name is required")
	}
	if len(draft.TriggerConditions) == 0 {
		return models.LearnedPattern{}, fmt.Errorf("pattern requires at least one trigger condition")
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	draft.Active = true
	draft.Usage = models.PatternUsage{}

	stored, err := m.store.Create(ctx, draft)
	if err != nil {
		return models.LearnedPattern{}, utils.NewAppError("knowledge.store", "create pattern", err)
	}
	return stored, nil
}

// StorePatternsFromExtraction persists a batch of drafts, continuing past
// individual failures. It returns whichever patterns were stored.
func (m *Matcher) StorePatternsFromExtraction(ctx context.Context, drafts []models.LearnedPattern) []models.LearnedPattern {
	stored := make([]models.LearnedPattern, 0, len(drafts))
	for _, draft := range drafts {
		pattern, err := m.StorePattern(ctx, draft)
		if err != nil {
			m.logger.Warn("skipping pattern from extraction",
				slog.String("name", draft.Name), slog.Any("error", err))
			continue
		}
		stored = append(stored, pattern)
	}
	return stored
}

// GetStats aggregates pattern counts by delegating to the store.
func (m *Matcher) GetStats(ctx context.Context) (models.KnowledgeStats, error) {
	byType, err := m.store.CountByType(ctx)
	if err != nil {
		return models.KnowledgeStats{}, utils.NewAppError("knowledge.stats", "count by type", err)
	}
	high, err := m.store.CountHighConfidence(ctx, m.highConfidence)
	if err != nil {
		return models.KnowledgeStats{}, utils.NewAppError("knowledge.stats", "count high confidence", err)
	}

	total := 0
	for _, count := range byType {
		total += count
	}
	return models.KnowledgeStats{Total: total, ByType: byType, HighConfidence: high}, nil
}

// RecordApplied forwards an action outcome to the store's usage bookkeeping.
func (m *Matcher) RecordApplied(ctx context.Context, patternID string, success bool) error {
	if patternID == "" {
		return nil
	}
	return m.store.RecordApplied(ctx, patternID, success)
}

// extractKeywords returns the distinct lowercase tokens of at least
// minKeywordLen characters across all trigger conditions, in first-seen order.
func extractKeywords(conditions []string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, condition := range conditions {
		tokens := strings.FieldsFunc(strings.ToLower(condition), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, token := range tokens {
			if len(token) < minKeywordLen {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			keywords = append(keywords, token)
		}
	}
	return keywords
}

// matchKeywords returns the keywords that appear as a substring of any
// haystack entry. Haystack entries must already be lowercased.
func matchKeywords(keywords, haystack []string) []string {
	var matched []string
	for _, keyword := range keywords {
		for _, line := range haystack {
			if strings.Contains(line, keyword) {
				matched = append(matched, keyword)
				break
			}
		}
	}
	return matched
}
