package knowledge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Extractor mines pattern drafts from terminal incident runs. Successfully
// remediated incidents contribute their symptoms as trigger conditions and
// their applied actions as recommendations; confidence is the success share
// among all runs observed for the subject.
type Extractor struct {
	logger  *slog.Logger
	matcher *Matcher
}

// NewExtractor constructs an Extractor; matcher may be nil for dry runs.
func NewExtractor(logger *slog.Logger, matcher *Matcher) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger, matcher: matcher}
}

// Extract aggregates runs into pattern drafts and stores them through the
// matcher's batch contract. The returned drafts include unstored ones so
// callers can inspect what was mined.
func (e *Extractor) Extract(ctx context.Context, runs []models.IncidentRun) []models.LearnedPattern {
	if len(runs) == 0 {
		return nil
	}

	subjects := make(map[string]*subjectAggregate)
	for _, run := range runs {
		if !run.Phase.Terminal() {
			continue
		}
		agg, ok := subjects[run.Subject]
		if !ok {
			agg = &subjectAggregate{
				symptoms:    make(map[string]struct{}),
				actionSeen:  make(map[string]struct{}),
				actionCount: make(map[models.ActionType]int),
			}
			subjects[run.Subject] = agg
		}
		agg.total++
		if !run.Succeeded() {
			continue
		}
		agg.successes++
		agg.sources = append(agg.sources, run.ID)
		for _, symptom := range run.Symptoms {
			agg.symptoms[symptom] = struct{}{}
		}
		for _, action := range run.AppliedActions {
			key := string(action.Type) + "|" + action.Target
			if _, dup := agg.actionSeen[key]; dup {
				continue
			}
			agg.actionSeen[key] = struct{}{}
			agg.actions = append(agg.actions, action)
			agg.actionCount[action.Type]++
		}
	}

	var drafts []models.LearnedPattern
	for subject, agg := range subjects {
		if agg.successes == 0 || len(agg.symptoms) == 0 || len(agg.actions) == 0 {
			continue
		}
		drafts = append(drafts, models.LearnedPattern{
			Name:               subject + " remediation",
			Type:               string(agg.dominantAction()),
			TriggerConditions:  sortedKeys(agg.symptoms),
			RecommendedActions: agg.actions,
			Confidence:         float64(agg.successes) / float64(agg.total),
			SourceIncidents:    agg.sources,
			AppliesTo:          []string{subject},
		})
	}

	sort.Slice(drafts, func(i, j int) bool {
		if drafts[i].Confidence != drafts[j].Confidence {
			return drafts[i].Confidence > drafts[j].Confidence
		}
		return drafts[i].Name < drafts[j].Name
	})

	if e.matcher != nil && len(drafts) > 0 {
		stored := e.matcher.StorePatternsFromExtraction(ctx, drafts)
		e.logger.Info("pattern extraction complete",
			slog.Int("mined", len(drafts)), slog.Int("stored", len(stored)))
	}

	return drafts
}

type subjectAggregate struct {
	total       int
	successes   int
	sources     []string
	symptoms    map[string]struct{}
	actionSeen  map[string]struct{}
	actions     []models.ActionDescriptor
	actionCount map[models.ActionType]int
}

func (agg *subjectAggregate) dominantAction() models.ActionType {
	var best models.ActionType
	bestCount := 0
	for actionType, count := range agg.actionCount {
		if count > bestCount || (count == bestCount && actionType < best) {
			best = actionType
			bestCount = count
		}
	}
	return best
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
