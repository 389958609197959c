package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// RuleEngine supplies rule-based fallback hypotheses when the reasoning
// backend produces none.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps symptom substrings to a canned hypothesis.
type Rule struct {
	ID         string       `yaml:"id"`
	Match      RuleMatch    `yaml:"match"`
	Hypothesis string       `yaml:"hypothesis"`
	Confidence float64      `yaml:"confidence"`
	Actions    []RuleAction `yaml:"actions"`
}

// RuleMatch defines the substrings a rule requires; any one suffices.
type RuleMatch struct {
	SymptomContains []string `yaml:"symptom_contains"`
}

// RuleAction is the YAML shape of a recommended action.
type RuleAction struct {
	Type   string            `yaml:"type"`
	Target string            `yaml:"target"`
	Params map[string]string `yaml:"params"`
	Risk   string            `yaml:"risk"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or the
// file is absent, returns a nil engine, which is valid and matches nothing.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Hypotheses returns one hypothesis per rule whose match clause hits any of
// the observed symptoms. Empty action targets default to the subject.
func (e *RuleEngine) Hypotheses(subject string, symptoms []string) []models.Hypothesis {
	if e == nil || len(symptoms) == 0 {
		return nil
	}

	lowered := make([]string, 0, len(symptoms))
	for _, symptom := range symptoms {
		lowered = append(lowered, strings.ToLower(symptom))
	}

	var out []models.Hypothesis
	for _, rule := range e.rules {
		hit, evidence := ruleHits(rule.Match.SymptomContains, lowered, symptoms)
		if !hit {
			continue
		}
		out = append(out, models.Hypothesis{
			Description:        rule.Hypothesis,
			Confidence:         rule.Confidence,
			SupportingEvidence: evidence,
			Actions:            ruleActions(rule.Actions, subject),
			TestingSteps:       "rule " + rule.ID,
		})
	}
	return out
}

func ruleHits(needles, lowered, original []string) (bool, []string) {
	if len(needles) == 0 {
		return false, nil
	}
	var evidence []string
	for _, needle := range needles {
		needle = strings.ToLower(needle)
		if needle == "" {
			continue
		}
		for i, symptom := range lowered {
			if strings.Contains(symptom, needle) {
				evidence = append(evidence, original[i])
				break
			}
		}
	}
	return len(evidence) > 0, evidence
}

func ruleActions(actions []RuleAction, subject string) []models.ActionDescriptor {
	out := make([]models.ActionDescriptor, 0, len(actions))
	for _, action := range actions {
		target := action.Target
		if target == "" {
			target = subject
		}
		risk := models.RiskLevel(action.Risk)
		if risk == "" {
			risk = models.RiskMedium
		}
		out = append(out, models.ActionDescriptor{
			Type:   models.ActionType(action.Type),
			Target: target,
			Params: action.Params,
			Risk:   risk,
		})
	}
	return out
}
