package models

import "time"

// Phase is one state of the control loop.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseObserving Phase = "OBSERVING"
	PhaseOrienting Phase = "ORIENTING"
	PhaseDeciding  Phase = "DECIDING"
	PhaseActing    Phase = "ACTING"
	PhaseVerifying Phase = "VERIFYING"
	PhaseDone      Phase = "DONE"
	PhaseFailed    Phase = "FAILED"
)

// Terminal reports whether no further transitions can occur.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Failure reasons recorded on a FAILED run. The distinction between
// "nothing to try" and "couldn't even try" matters to operators.
const (
	ReasonNoSafeAction = "no safe action available"
)

// IncidentRun is one execution of the control loop for a subject.
// Owned exclusively by the controller until terminal, then handed to the
// persistence sink exactly once.
type IncidentRun struct {
	ID             string
	Subject        string
	Phase          Phase
	StartedAt      time.Time
	CompletedAt    time.Time
	Evidence       []ObservationUnit
	Symptoms       []string
	Anomalies      []string
	Matches        []MatchResult
	Hypotheses     []Hypothesis
	AppliedActions []ActionDescriptor
	AppliedPattern string
	VerifyAttempts int
	FailureReason  string
}

// Succeeded reports whether the run reached DONE.
func (r IncidentRun) Succeeded() bool {
	return r.Phase == PhaseDone
}
