package engine

import (
	"fmt"
	"sort"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Selector ranks candidate hypotheses and gates their proposed actions
// against the configured allow-list.
type Selector struct {
	allowed map[models.ActionType]struct{}
}

// DefaultAllowedActions returns the action types permitted for automatic
// dispatch when nothing is configured. Manual actions are never included.
func DefaultAllowedActions() []models.ActionType {
	return []models.ActionType{models.ActionRollback, models.ActionRestart, models.ActionScale}
}

// NewSelector constructs a Selector with the given allow-list; an empty list
// falls back to the defaults.
func NewSelector(allowed []models.ActionType) *Selector {
	if len(allowed) == 0 {
		allowed = DefaultAllowedActions()
	}
	set := make(map[models.ActionType]struct{}, len(allowed))
	for _, actionType := range allowed {
		set[actionType] = struct{}{}
	}
	return &Selector{allowed: set}
}

// Allowed returns the allow-list in stable order, for handing to the
// reasoning backend as the action vocabulary.
func (s *Selector) Allowed() []models.ActionType {
	out := make([]models.ActionType, 0, len(s.allowed))
	for actionType := range s.allowed {
		out = append(out, actionType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rank merges reasoner hypotheses with knowledge-base matches, filters every
// hypothesis's actions through the allow-list, and orders the result by
// confidence descending, supporting-evidence count descending, then original
// generation order (stable).
func (s *Selector) Rank(hypotheses []models.Hypothesis, matches []models.MatchResult) []models.Hypothesis {
	merged := make([]models.Hypothesis, 0, len(hypotheses)+len(matches))
	merged = append(merged, hypotheses...)
	for _, match := range matches {
		merged = append(merged, hypothesisFromMatch(match))
	}

	for i := range merged {
		merged[i].Actions = s.filterActions(merged[i].Actions)
		merged[i].Actionable = len(merged[i].Actions) > 0
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return len(a.SupportingEvidence) > len(b.SupportingEvidence)
	})
	return merged
}

// hypothesisFromMatch turns a pattern match into a hypothesis whose prior is
// the pattern's stored confidence weighted by match relevance.
func hypothesisFromMatch(match models.MatchResult) models.Hypothesis {
	confidence := match.Pattern.Confidence * match.Relevance
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return models.Hypothesis{
		Description:        fmt.Sprintf("Known pattern: %s", match.Pattern.Name),
		Confidence:         confidence,
		SupportingEvidence: match.MatchedKeywords,
		Actions:            append([]models.ActionDescriptor(nil), match.Pattern.RecommendedActions...),
		PatternID:          match.Pattern.ID,
	}
}

func (s *Selector) filterActions(actions []models.ActionDescriptor) []models.ActionDescriptor {
	filtered := make([]models.ActionDescriptor, 0, len(actions))
	for _, action := range actions {
		if _, ok := s.allowed[action.Type]; !ok {
			continue
		}
		filtered = append(filtered, action)
	}
	return filtered
}
