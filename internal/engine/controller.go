package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/evidence"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Reasoner is the external analysis/hypothesis oracle.
type Reasoner interface {
	Analyze(ctx context.Context, subject string, units []models.ObservationUnit) (models.Analysis, error)
	GenerateHypotheses(ctx context.Context, subject string, evidence []string, allowed []models.ActionType) ([]models.Hypothesis, error)
}

// Executor dispatches remediation actions to the cluster-action collaborator.
type Executor interface {
	Dispatch(ctx context.Context, action models.ActionDescriptor) (models.DispatchAck, error)
}

// Knowledge is the slice of the knowledge base the controller consumes.
type Knowledge interface {
	FindMatchingPatterns(ctx context.Context, input models.MatchInput) (models.MatchSet, error)
	RecordApplied(ctx context.Context, patternID string, success bool) error
}

// Sink receives finalized runs for durable storage. Fire-and-forget: a sink
// failure never rolls back a terminal run.
type Sink interface {
	StoreRun(ctx context.Context, run models.IncidentRun) error
}

// Options tune a Controller.
type Options struct {
	// ObserveWindow is how many recent evidence units each observation reads.
	ObserveWindow int
	// VerifyRetries bounds how often a failed verification re-enters ORIENTING.
	VerifyRetries int
	// CallTimeout bounds each external collaborator call.
	CallTimeout time.Duration
}

// Controller drives the Observe-Orient-Decide-Act-Verify loop for one subject
// at a time. Phases are strictly sequential within a run; failures resolve
// the run to FAILED rather than escaping the controller boundary.
type Controller struct {
	logger    *slog.Logger
	evidence  *evidence.Registry
	reasoner  Reasoner
	knowledge Knowledge
	selector  *Selector
	rules     *RuleEngine
	executor  Executor
	sink      Sink
	opts      Options
}

// NewController constructs a Controller. rules and sink may be nil.
func NewController(
	logger *slog.Logger,
	registry *evidence.Registry,
	reasoner Reasoner,
	knowledge Knowledge,
	selector *Selector,
	rules *RuleEngine,
	executor Executor,
	sink Sink,
	opts Options,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if selector == nil {
		selector = NewSelector(nil)
	}
	if opts.ObserveWindow <= 0 {
		opts.ObserveWindow = 20
	}
	if opts.VerifyRetries < 0 {
		opts.VerifyRetries = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Controller{
		logger:    logger,
		evidence:  registry,
		reasoner:  reasoner,
		knowledge: knowledge,
		selector:  selector,
		rules:     rules,
		executor:  executor,
		sink:      sink,
		opts:      opts,
	}
}

// Run executes one incident run for the subject and returns its terminal
// record. Phase-local failures are folded into the returned run; they are
// never surfaced as an error to the caller.
func (c *Controller) Run(ctx context.Context, subject string) models.IncidentRun {
	run := models.IncidentRun{
		ID:        uuid.NewString(),
		Subject:   subject,
		Phase:     models.PhaseIdle,
		StartedAt: time.Now().UTC(),
	}

	// IDLE -> OBSERVING
	c.setPhase(&run, models.PhaseObserving)
	analysis, err := c.observe(ctx, &run)
	if err != nil {
		return c.fail(ctx, run, "reasoning backend: "+err.Error())
	}
	if analysis.Healthy {
		// Healthy verdict short-circuits the remaining phases.
		return c.done(ctx, run)
	}

	for {
		// -> ORIENTING
		c.setPhase(&run, models.PhaseOrienting)
		matches, err := c.orient(ctx, &run, analysis)
		if err != nil {
			return c.fail(ctx, run, "pattern store: "+err.Error())
		}

		// ORIENTING -> DECIDING
		c.setPhase(&run, models.PhaseDeciding)
		chosen, err := c.decide(ctx, &run, matches)
		if err != nil {
			return c.fail(ctx, run, "reasoning backend: "+err.Error())
		}
		if chosen == nil {
			return c.fail(ctx, run, models.ReasonNoSafeAction)
		}

		// DECIDING -> ACTING
		c.setPhase(&run, models.PhaseActing)
		if err := c.act(ctx, &run, *chosen); err != nil {
			return c.fail(ctx, run, "action executor: "+err.Error())
		}

		// ACTING -> VERIFYING
		c.setPhase(&run, models.PhaseVerifying)
		analysis, err = c.observe(ctx, &run)
		if err != nil {
			return c.fail(ctx, run, "reasoning backend: "+err.Error())
		}
		if analysis.Healthy {
			return c.done(ctx, run)
		}

		run.VerifyAttempts++
		if run.VerifyAttempts > c.opts.VerifyRetries {
			return c.fail(ctx, run, "verification exhausted: subject still unhealthy")
		}
		c.logger.Info("verification failed, re-orienting",
			slog.String("subject", subject), slog.Int("attempt", run.VerifyAttempts))
		// Re-enter ORIENTING with the accumulated evidence so later
		// hypotheses can contradict earlier ones.
	}
}

// observe reads recent evidence and asks the reasoner for a verdict.
// Used for both OBSERVE and the re-observation in VERIFY.
func (c *Controller) observe(ctx context.Context, run *models.IncidentRun) (models.Analysis, error) {
	units := c.evidence.Recent(run.Subject, c.opts.ObserveWindow)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	analysis, err := c.reasoner.Analyze(callCtx, run.Subject, units)
	if err != nil {
		return models.Analysis{}, err
	}

	run.Evidence = appendNewUnits(run.Evidence, units)
	run.Anomalies = appendUnique(run.Anomalies, analysis.Anomalies...)
	return analysis, nil
}

// orient derives symptom strings and correlates them against the knowledge
// base, merging matches into the run's accumulated evidence.
func (c *Controller) orient(ctx context.Context, run *models.IncidentRun, analysis models.Analysis) ([]models.MatchResult, error) {
	symptoms := appendUnique(DeriveSymptoms(run.Evidence), analysis.Anomalies...)
	run.Symptoms = appendUnique(run.Symptoms, symptoms...)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	set, err := c.knowledge.FindMatchingPatterns(callCtx, models.MatchInput{
		Symptoms: run.Symptoms,
		Errors:   run.Anomalies,
	})
	if err != nil {
		return nil, err
	}
	if set.Metadata.MatchesFound > 0 {
		metrics.ObservePatternMatch()
	}
	run.Matches = set.Matches
	return set.Matches, nil
}

// decide ranks hypotheses and picks the first actionable one. A nil return
// with nil error means nothing passed the allow-list.
func (c *Controller) decide(ctx context.Context, run *models.IncidentRun, matches []models.MatchResult) (*models.Hypothesis, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	hypotheses, err := c.reasoner.GenerateHypotheses(callCtx, run.Subject, run.Symptoms, c.selector.Allowed())
	if err != nil {
		return nil, err
	}
	if len(hypotheses) == 0 {
		hypotheses = c.rules.Hypotheses(run.Subject, run.Symptoms)
	}

	ranked := c.selector.Rank(hypotheses, matches)
	run.Hypotheses = ranked

	for i := range ranked {
		if ranked[i].Actionable {
			return &ranked[i], nil
		}
	}
	return nil, nil
}

// act dispatches the chosen hypothesis's actions. The first rejection or
// dispatch error aborts the phase.
func (c *Controller) act(ctx context.Context, run *models.IncidentRun, hypothesis models.Hypothesis) error {
	run.AppliedPattern = hypothesis.PatternID
	for _, action := range hypothesis.Actions {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		ack, err := c.executor.Dispatch(callCtx, action)
		cancel()
		if err != nil {
			return err
		}
		if !ack.Accepted {
			return &dispatchRejected{detail: ack.Detail}
		}
		run.AppliedActions = append(run.AppliedActions, action)
		metrics.ObserveActionDispatched(string(action.Type))
	}
	return nil
}

func (c *Controller) done(ctx context.Context, run models.IncidentRun) models.IncidentRun {
	run.Phase = models.PhaseDone
	c.recordPatternOutcome(ctx, &run, true)
	return c.finalize(ctx, run)
}

func (c *Controller) fail(ctx context.Context, run models.IncidentRun, reason string) models.IncidentRun {
	run.Phase = models.PhaseFailed
	run.FailureReason = reason
	c.recordPatternOutcome(ctx, &run, false)
	return c.finalize(ctx, run)
}

// recordPatternOutcome is the sole write-back path into the learning layer:
// it only fires when a pattern-recommended action was actually applied.
func (c *Controller) recordPatternOutcome(ctx context.Context, run *models.IncidentRun, success bool) {
	if run.AppliedPattern == "" || len(run.AppliedActions) == 0 {
		return
	}
	if err := c.knowledge.RecordApplied(ctx, run.AppliedPattern, success); err != nil {
		c.logger.Warn("pattern usage write-back failed",
			slog.String("pattern_id", run.AppliedPattern), slog.Any("error", err))
	}
}

func (c *Controller) finalize(ctx context.Context, run models.IncidentRun) models.IncidentRun {
	run.CompletedAt = time.Now().UTC()

	outcome := metrics.OutcomeFailed
	if run.Succeeded() {
		outcome = metrics.OutcomeDone
	}
	metrics.ObserveRun(run.CompletedAt.Sub(run.StartedAt), outcome)

	if c.sink != nil {
		if err := c.sink.StoreRun(ctx, run); err != nil {
			c.logger.Warn("incident sink failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}

	c.logger.Info("run finished",
		slog.String("subject", run.Subject),
		slog.String("run_id", run.ID),
		slog.String("phase", string(run.Phase)),
		slog.String("reason", run.FailureReason))
	return run
}

func (c *Controller) setPhase(run *models.IncidentRun, phase models.Phase) {
	run.Phase = phase
	c.logger.Debug("phase transition",
		slog.String("subject", run.Subject),
		slog.String("run_id", run.ID),
		slog.String("phase", string(phase)))
}

type dispatchRejected struct {
	detail string
}

func (e *dispatchRejected) Error() string {
	if e.detail == "" {
		return "dispatch rejected"
	}
	return "dispatch rejected: " + e.detail
}

func appendNewUnits(existing, incoming []models.ObservationUnit) []models.ObservationUnit {
	seen := make(map[string]struct{}, len(existing))
	for _, unit := range existing {
		seen[unit.ID] = struct{}{}
	}
	for _, unit := range incoming {
		if _, dup := seen[unit.ID]; dup {
			continue
		}
		existing = append(existing, unit)
		seen[unit.ID] = struct{}{}
	}
	return existing
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
