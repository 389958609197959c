package detector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Scheduler misuse is reported to the caller, never a crash.
var (
	ErrAlreadyRunning = errors.New("detection service already running")
	ErrNotRunning     = errors.New("detection service not running")
	ErrRunInProgress  = errors.New("a run for this subject is already in progress")
)

// Runner executes one control-loop run and returns its terminal record.
type Runner interface {
	Run(ctx context.Context, subject string) models.IncidentRun
}

// Collector refreshes a subject's evidence buffer ahead of a run. Optional;
// evidence can also arrive through the ingest API.
type Collector interface {
	Collect(ctx context.Context, subject string) error
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running    bool
	Interval   time.Duration
	InProgress []string
	LastPhase  map[string]models.Phase
}

// Service is the process-wide lifecycle manager. It schedules controller
// runs at a fixed interval with a single-flight guarantee per subject:
// a tick that would overlap an unfinished run is skipped, never queued.
type Service struct {
	logger    *slog.Logger
	runner    Runner
	collector Collector
	interval  time.Duration
	subjects  []string

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	inflight  map[string]struct{}
	lastPhase map[string]models.Phase
	runWG     sync.WaitGroup
}

// NewService constructs a Service. collector may be nil.
func NewService(logger *slog.Logger, runner Runner, collector Collector, interval time.Duration, subjects []string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		logger:    logger,
		runner:    runner,
		collector: collector,
		interval:  interval,
		subjects:  append([]string(nil), subjects...),
		inflight:  make(map[string]struct{}),
		lastPhase: make(map[string]models.Phase),
	}
}

// Start begins periodic scheduling. Starting a running service is an error.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.loopDone)
	s.logger.Info("detection service started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling. In-flight runs are left alone: they hold contexts
// independent of the scheduler's and terminate on their own.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("detection service stopped")
	return nil
}

// Restart is Stop followed by Start.
func (s *Service) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// IsRunning reports scheduler state.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStatus reports the scheduler state, interval, subjects with a run in
// progress, and the last terminal phase seen per subject.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	inProgress := make([]string, 0, len(s.inflight))
	for subject := range s.inflight {
		inProgress = append(inProgress, subject)
	}
	sort.Strings(inProgress)

	last := make(map[string]models.Phase, len(s.lastPhase))
	for subject, phase := range s.lastPhase {
		last[subject] = phase
	}

	return Status{
		Running:    s.running,
		Interval:   s.interval,
		InProgress: inProgress,
		LastPhase:  last,
	}
}

// RunNow triggers one run outside the schedule, honoring single-flight.
func (s *Service) RunNow(ctx context.Context, subject string) (models.IncidentRun, error) {
	if !s.acquire(subject) {
		return models.IncidentRun{}, ErrRunInProgress
	}
	defer s.runWG.Done()
	return s.execute(ctx, subject), nil
}

// Wait blocks until every in-flight run has terminated. Test helper and
// shutdown aid; Stop deliberately does not call it.
func (s *Service) Wait() {
	s.runWG.Wait()
}

func (s *Service) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First sweep happens immediately rather than one interval in.
	s.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	for _, subject := range s.subjects {
		if !s.acquire(subject) {
			metrics.ObserveSchedulerSkip()
			s.logger.Info("tick skipped, run in progress", slog.String("subject", subject))
			continue
		}
		go func(subject string) {
			defer s.runWG.Done()
			// Background context: Stop must not cancel a run that has
			// already started acting on the cluster.
			s.execute(context.Background(), subject)
		}(subject)
	}
}

// execute collects fresh evidence, runs the controller, and records the
// terminal phase. Callers must hold the in-flight slot.
func (s *Service) execute(ctx context.Context, subject string) models.IncidentRun {
	defer s.release(subject)

	if s.collector != nil {
		if err := s.collector.Collect(ctx, subject); err != nil {
			s.logger.Warn("evidence collection failed",
				slog.String("subject", subject), slog.Any("error", err))
		}
	}

	run := s.runner.Run(ctx, subject)

	s.mu.Lock()
	s.lastPhase[subject] = run.Phase
	s.mu.Unlock()
	return run
}

func (s *Service) acquire(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[subject]; busy {
		return false
	}
	s.inflight[subject] = struct{}{}
	s.runWG.Add(1)
	return true
}

func (s *Service) release(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, subject)
}
