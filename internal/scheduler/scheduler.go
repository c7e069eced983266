// Package scheduler runs recurring maintenance jobs, such as recording
// retention, on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/trackdeck/internal/observability"
)

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrUnknownJob is returned by RunNow for a name that was never added.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateJob is returned by Add for a name already in use.
	ErrDuplicateJob = errors.New("job already registered")
)

// JobFunc is the work done on each run of a job.
type JobFunc func(ctx context.Context) error

// JobStatus reports the schedule and last outcome of a job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
}

type job struct {
	name     string
	expr     string
	schedule cron.Schedule
	run      JobFunc

	// running serializes scheduled runs with RunNow.
	running sync.Mutex

	mu      sync.Mutex
	next    time.Time
	lastRun time.Time
	lastErr error
	runs    int
}

// Scheduler fires registered jobs at their cron times.
type Scheduler struct {
	mu     sync.RWMutex
	parser cron.Parser
	jobs   []*job
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler that accepts 6-field cron expressions
// (seconds first) and descriptors such as @daily or @every 1h.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: observability.WithComponent(logger, "scheduler"),
		now:    time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// NormalizeCronExpression accepts 6-field expressions, descriptors, and
// 7-field expressions with a trailing year field, which is dropped.
func NormalizeCronExpression(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", errors.New("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
		return strings.Join(fields, " "), nil
	case 7:
		year := fields[6]
		if year != "*" && strings.Trim(year, "0123456789-,/") != "" {
			return "", fmt.Errorf("invalid year field %q", year)
		}
		return strings.Join(fields[:6], " "), nil
	default:
		return "", fmt.Errorf("expected 6 fields (seconds first), got %d", len(fields))
	}
}

// ParseCron parses expr into a schedule.
func (s *Scheduler) ParseCron(expr string) (cron.Schedule, error) {
	norm, err := NormalizeCronExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	sched, err := s.parser.Parse(norm)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is a usable schedule.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.ParseCron(expr)
	return err
}

// Add registers a job. Jobs added after Start begin with the next Start.
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	sched, err := s.ParseCron(expr)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
		}
	}
	s.jobs = append(s.jobs, &job{
		name:     name,
		expr:     expr,
		schedule: sched,
		run:      fn,
		next:     sched.Next(s.now()),
	})
	return nil
}

// Start launches one goroutine per job. Cancel ctx or call Stop to end them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(s.ctx, j)
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels all job loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Run blocks until ctx is done, running jobs in the meantime.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunNow runs the named job immediately, waiting for any scheduled run of
// it to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	var found *job
	for _, j := range s.jobs {
		if j.name == name {
			found = j
			break
		}
	}
	s.mu.RUnlock()
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, found)
}

// Jobs returns the status of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:     j.name,
			Schedule: j.expr,
			NextRun:  j.next,
			LastRun:  j.lastRun,
			Runs:     j.runs,
		}
		if j.lastErr != nil {
			st.LastErr = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	for {
		now := s.now()
		next := j.schedule.Next(now)
		j.mu.Lock()
		j.next = next
		j.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_ = s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	j.running.Lock()
	defer j.running.Unlock()

	logger := s.logger.With(slog.String("job", j.name))
	done := observability.TimedOperationWithError(ctx, logger, j.name, &err)
	defer done()

	start := s.now()
	err = j.run(ctx)

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = err
	j.runs++
	j.mu.Unlock()
	return err
}
