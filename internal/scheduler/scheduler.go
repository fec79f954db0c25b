// Package scheduler runs kazi's periodic maintenance jobs on a cron
// schedule: sandbox reconciliation against the runtime, approval expiry
// and cleanup of resolved approvals.
//
// A job never overlaps with itself; a run still in progress when the next
// tick fires causes that tick to be skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// ErrUnknownJob is returned by RunNow for unregistered job names.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      JobFunc
	mu      sync.Mutex // held while running
}

// Scheduler runs registered jobs on their cron specs.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates a Scheduler. Specs accept five-field cron expressions and
// descriptors such as "@every 1m" or "@hourly".
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{logger}),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Add registers a job. A zero timeout selects DefaultJobTimeout.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.baseContext(), j, false) }); err != nil {
		return fmt.Errorf("scheduling job %s: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

// Start begins firing jobs. The returned function stops the scheduler and
// waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Any("jobs", names))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// RunNow runs a registered job immediately and returns its error. It waits
// for an in-progress run of the same job to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j, true)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, j *job, wait bool) error {
	if wait {
		j.mu.Lock()
	} else if !j.mu.TryLock() {
		s.logger.WarnContext(ctx, "job still running, skipping tick", slog.String("job", j.name))
		if s.metrics != nil {
			s.metrics.JobsSkipped.WithLabelValues(j.name).Inc()
		}
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.observe(j.name, elapsed, err)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "job failed",
			slog.String("job", j.name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.DebugContext(ctx, "job finished",
		slog.String("job", j.name),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
