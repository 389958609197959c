package models

// ActionType enumerates remediation action categories.
type ActionType string

const (
	ActionRollback ActionType = "rollback"
	ActionRestart  ActionType = "restart"
	ActionScale    ActionType = "scale"
	ActionManual   ActionType = "manual"
)

// RiskLevel is advisory metadata on an action; enforcement lives outside the core.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionDescriptor describes one remediation action proposed for dispatch.
type ActionDescriptor struct {
	Type   ActionType
	Target string
	Params map[string]string
	Risk   RiskLevel
}

// Hypothesis is a candidate root cause with its proposed remediation.
type Hypothesis struct {
	Description           string
	Confidence            float64
	SupportingEvidence    []string
	ContradictingEvidence []string
	Actions               []ActionDescriptor
	TestingSteps          string

	// Actionable is false when the allow-list filter removed every action;
	// the hypothesis stays visible for human review.
	Actionable bool

	// PatternID links a hypothesis synthesized from a knowledge-base match
	// back to its source pattern. Empty for reasoner-generated hypotheses.
	PatternID string
}

// Analysis is the reasoning backend's verdict on a subject's current state.
type Analysis struct {
	Anomalies []string
	Metrics   []string
	Healthy   bool
}
