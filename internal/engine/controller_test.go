package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

type fakeReasoner struct {
	analyses    []models.Analysis
	analyzeErr  error
	analyzeCall int
	hypotheses  []models.Hypothesis
	generateErr error
}

func (f *fakeReasoner) Analyze(ctx context.Context, subject string, units []models.ObservationUnit) (models.Analysis, error) {
	if f.analyzeErr != nil {
		return models.Analysis{}, f.analyzeErr
	}
	idx := f.analyzeCall
	f.analyzeCall++
	if idx >= len(f.analyses) {
		idx = len(f.analyses) - 1
	}
	return f.analyses[idx], nil
}

func (f *fakeReasoner) GenerateHypotheses(ctx context.Context, subject string, evidence []string, allowed []models.ActionType) ([]models.Hypothesis, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return f.hypotheses, nil
}

type fakeKnowledge struct {
	matches  []models.MatchResult
	findErr  error
	recorded map[string]bool
}

func (f *fakeKnowledge) FindMatchingPatterns(ctx context.Context, input models.MatchInput) (models.MatchSet, error) {
	if f.findErr != nil {
		return models.MatchSet{}, f.findErr
	}
	return models.MatchSet{
		Matches:  f.matches,
		Metadata: models.MatchMetadata{MatchesFound: len(f.matches)},
	}, nil
}

func (f *fakeKnowledge) RecordApplied(ctx context.Context, patternID string, success bool) error {
	if f.recorded == nil {
		f.recorded = make(map[string]bool)
	}
	f.recorded[patternID] = success
	return nil
}

type fakeExecutor struct {
	dispatched []models.ActionDescriptor
	reject     bool
	err        error
}

func (f *fakeExecutor) Dispatch(ctx context.Context, action models.ActionDescriptor) (models.DispatchAck, error) {
	if f.err != nil {
		return models.DispatchAck{}, f.err
	}
	if f.reject {
		return models.DispatchAck{Accepted: false, Detail: "policy veto"}, nil
	}
	f.dispatched = append(f.dispatched, action)
	return models.DispatchAck{Accepted: true}, nil
}

type fakeSink struct {
	runs []models.IncidentRun
}

func (f *fakeSink) StoreRun(ctx context.Context, run models.IncidentRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func restartHypothesis(confidence float64) models.Hypothesis {
	return models.Hypothesis{
		Description: "pod leaking memory",
		Confidence:  confidence,
		Actions: []models.ActionDescriptor{
			{Type: models.ActionRestart, Target: "checkout", Risk: models.RiskLow},
		},
	}
}

func newTestController(reasoner Reasoner, knowledge Knowledge, executor Executor, sink Sink) *Controller {
	return NewController(nil, evidence.NewRegistry(16), reasoner, knowledge, NewSelector(nil), nil, executor, sink,
		Options{ObserveWindow: 8, VerifyRetries: 1, CallTimeout: time.Second})
}

func TestRunHealthyShortCircuit(t *testing.T) {
	reasoner := &fakeReasoner{analyses: []models.Analysis{{Healthy: true}}}
	knowledge := &fakeKnowledge{}
	executor := &fakeExecutor{}
	sink := &fakeSink{}
	controller := newTestController(reasoner, knowledge, executor, sink)

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseDone {
		t.Fatalf("healthy observation should finish DONE, got %s", run.Phase)
	}
	if len(run.Hypotheses) != 0 || len(run.AppliedActions) != 0 {
		t.Fatalf("healthy short-circuit must skip ORIENT/DECIDE/ACT")
	}
	if reasoner.analyzeCall != 1 {
		t.Fatalf("expected a single observation, got %d", reasoner.analyzeCall)
	}
	if len(sink.runs) != 1 {
		t.Fatalf("terminal run must reach the sink exactly once, got %d", len(sink.runs))
	}
}

func TestRunRemediatesAndVerifies(t *testing.T) {
	reasoner := &fakeReasoner{
		analyses: []models.Analysis{
			{Healthy: false, Anomalies: []string{"memory usage high"}},
			{Healthy: true},
		},
		hypotheses: []models.Hypothesis{restartHypothesis(0.9)},
	}
	knowledge := &fakeKnowledge{}
	executor := &fakeExecutor{}
	sink := &fakeSink{}
	controller := newTestController(reasoner, knowledge, executor, sink)

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseDone {
		t.Fatalf("expected DONE, got %s (%s)", run.Phase, run.FailureReason)
	}
	if len(executor.dispatched) != 1 {
		t.Fatalf("expected one dispatched action, got %d", len(executor.dispatched))
	}
	if len(run.AppliedActions) != 1 {
		t.Fatalf("run should record applied actions")
	}
	if run.VerifyAttempts != 0 {
		t.Fatalf("first verification succeeded, attempts should be 0")
	}
}

func TestRunObservationFailure(t *testing.T) {
	reasoner := &fakeReasoner{analyzeErr: fmt.Errorf("connect: refused")}
	sink := &fakeSink{}
	controller := newTestController(reasoner, &fakeKnowledge{}, &fakeExecutor{}, sink)

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", run.Phase)
	}
	if run.FailureReason == "" || run.FailureReason == models.ReasonNoSafeAction {
		t.Fatalf("failure must name the collaborator, got %q", run.FailureReason)
	}
	if len(sink.runs) != 1 {
		t.Fatalf("failed runs still reach the sink")
	}
}

func TestRunManualOnlyFailsWithNoSafeAction(t *testing.T) {
	reasoner := &fakeReasoner{
		analyses: []models.Analysis{{Healthy: false, Anomalies: []string{"disk corruption"}}},
		hypotheses: []models.Hypothesis{{
			Description: "needs operator intervention",
			Confidence:  0.95,
			Actions: []models.ActionDescriptor{
				{Type: models.ActionManual, Target: "storage", Risk: models.RiskHigh},
			},
		}},
	}
	controller := newTestController(reasoner, &fakeKnowledge{}, &fakeExecutor{}, &fakeSink{})

	run := controller.Run(context.Background(), "storage")

	if run.Phase != models.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", run.Phase)
	}
	if run.FailureReason != models.ReasonNoSafeAction {
		t.Fatalf("expected %q, got %q", models.ReasonNoSafeAction, run.FailureReason)
	}
	if len(run.Hypotheses) != 1 || run.Hypotheses[0].Actionable {
		t.Fatalf("filtered hypothesis must stay visible but non-actionable")
	}
}

func TestRunDispatchRejectionFails(t *testing.T) {
	reasoner := &fakeReasoner{
		analyses:   []models.Analysis{{Healthy: false, Anomalies: []string{"error rate spike"}}},
		hypotheses: []models.Hypothesis{restartHypothesis(0.8)},
	}
	controller := newTestController(reasoner, &fakeKnowledge{}, &fakeExecutor{reject: true}, &fakeSink{})

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseFailed {
		t.Fatalf("expected FAILED on rejected dispatch, got %s", run.Phase)
	}
}

func TestRunVerifyRetryThenExhaustion(t *testing.T) {
	reasoner := &fakeReasoner{
		analyses: []models.Analysis{
			{Healthy: false, Anomalies: []string{"latency spike"}},
			{Healthy: false, Anomalies: []string{"latency spike persists"}},
			{Healthy: false, Anomalies: []string{"latency spike persists"}},
		},
		hypotheses: []models.Hypothesis{restartHypothesis(0.7)},
	}
	executor := &fakeExecutor{}
	controller := newTestController(reasoner, &fakeKnowledge{}, executor, &fakeSink{})

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseFailed {
		t.Fatalf("expected FAILED after retries, got %s", run.Phase)
	}
	if run.VerifyAttempts != 2 {
		t.Fatalf("expected 2 verify attempts (1 retry), got %d", run.VerifyAttempts)
	}
	// One dispatch per loop iteration: initial plus one retry.
	if len(executor.dispatched) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(executor.dispatched))
	}
	if !containsString(run.Anomalies, "latency spike") || !containsString(run.Anomalies, "latency spike persists") {
		t.Fatalf("retry must accumulate evidence, got %v", run.Anomalies)
	}
}

func TestRunPatternWriteBack(t *testing.T) {
	pattern := models.LearnedPattern{
		ID: "pat-1", Name: "checkout restart", Confidence: 0.9, Active: true,
		RecommendedActions: []models.ActionDescriptor{
			{Type: models.ActionRestart, Target: "checkout", Risk: models.RiskLow},
		},
	}
	knowledge := &fakeKnowledge{
		matches: []models.MatchResult{{Pattern: pattern, Relevance: 1.0, MatchedKeywords: []string{"memory"}}},
	}
	reasoner := &fakeReasoner{
		analyses: []models.Analysis{
			{Healthy: false, Anomalies: []string{"memory usage high"}},
			{Healthy: true},
		},
	}
	controller := newTestController(reasoner, knowledge, &fakeExecutor{}, &fakeSink{})

	run := controller.Run(context.Background(), "checkout")

	if run.Phase != models.PhaseDone {
		t.Fatalf("expected DONE, got %s (%s)", run.Phase, run.FailureReason)
	}
	if run.AppliedPattern != "pat-1" {
		t.Fatalf("expected applied pattern pat-1, got %q", run.AppliedPattern)
	}
	success, ok := knowledge.recorded["pat-1"]
	if !ok || !success {
		t.Fatalf("successful run must record pattern success, got %v", knowledge.recorded)
	}
}

func TestRunTerminalImmutability(t *testing.T) {
	reasoner := &fakeReasoner{analyses: []models.Analysis{{Healthy: true}}}
	controller := newTestController(reasoner, &fakeKnowledge{}, &fakeExecutor{}, &fakeSink{})

	run := controller.Run(context.Background(), "checkout")
	snapshot := run.Phase

	// A second run is a fresh IncidentRun; the earlier record is untouched.
	_ = controller.Run(context.Background(), "checkout")
	if run.Phase != snapshot || !run.Phase.Terminal() {
		t.Fatalf("terminal run mutated after completion")
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
