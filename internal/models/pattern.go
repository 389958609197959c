package models

import "time"

// LearnedPattern is a named incident signature mined from resolved incidents.
// Read-only from the controller's perspective except for usage statistics.
type LearnedPattern struct {
	ID                 string
	Name               string
	Type               string
	TriggerConditions  []string
	RecommendedActions []ActionDescriptor
	Confidence         float64
	SourceIncidents    []string
	AppliesTo          []string
	Exceptions         []string
	Active             bool
	Usage              PatternUsage
	CreatedAt          time.Time
}

// PatternUsage tracks how a pattern has performed when applied.
type PatternUsage struct {
	AppliedCount int
	SuccessRate  *float64
	LastApplied  *time.Time
}

// MatchResult pairs a pattern with its computed relevance for one matching call.
type MatchResult struct {
	Pattern         LearnedPattern
	Relevance       float64
	MatchedKeywords []string
}

// MatchMetadata summarises a single matching call.
type MatchMetadata struct {
	TotalPatternsSearched int
	MatchesFound          int
	ProcessingTimeMs      int64
}

// MatchSet is the full outcome of one FindMatchingPatterns call. Ephemeral.
type MatchSet struct {
	Matches  []MatchResult
	Metadata MatchMetadata
}

// MatchInput is a loosely structured bag of observed strings. All fields optional.
type MatchInput struct {
	Symptoms    []string
	Errors      []string
	LogExcerpts []string
}

// Empty reports whether the input carries nothing to match against.
func (in MatchInput) Empty() bool {
	return len(in.Symptoms) == 0 && len(in.Errors) == 0 && len(in.LogExcerpts) == 0
}

// Strings flattens the input bag in field order.
func (in MatchInput) Strings() []string {
	out := make([]string, 0, len(in.Symptoms)+len(in.Errors)+len(in.LogExcerpts))
	out = append(out, in.Symptoms...)
	out = append(out, in.Errors...)
	out = append(out, in.LogExcerpts...)
	return out
}

// KnowledgeStats aggregates pattern counts, delegated to the store.
type KnowledgeStats struct {
	Total          int
	ByType         map[string]int
	HighConfidence int
}
