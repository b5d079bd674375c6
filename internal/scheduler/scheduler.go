// Package scheduler runs periodic maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobState is the last known result of a job.
type JobState struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Next      time.Time `json:"next,omitempty"`
}

type entry struct {
	id    rcron.EntryID
	state JobState
}

// Scheduler wraps a robfig cron runner. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron   *rcron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
}

func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: rcron.New(
			rcron.WithLogger(cl),
			rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]*entry),
	}
}

// Add registers fn under name. spec is a standard five-field expression or a
// descriptor such as "@every 15m". An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.logger.Info("scheduled job disabled", "job", name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	e := &entry{state: JobState{Name: name, Spec: spec}}
	id, err := s.cron.AddFunc(spec, func() { s.execute(e, fn) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

func (s *Scheduler) execute(e *entry, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	name := e.state.Name
	s.mu.Unlock()

	start := time.Now()
	err := fn(ctx)

	s.mu.Lock()
	e.state.LastRun = start.UTC()
	e.state.Runs++
	e.state.LastError = ""
	if err != nil {
		e.state.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
}

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("job not registered")

// RunNow executes a registered job synchronously through the same chain as
// scheduled runs, so it is skipped while a scheduled run is still going and
// a panic is recovered. It returns the job state afterwards.
func (s *Scheduler) RunNow(name string) (JobState, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.cron.Entry(e.id).WrappedJob.Run()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := e.state
	st.Next = s.cron.Entry(e.id).Next
	return st, nil
}

// Jobs returns the state of every registered job.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.state
		st.Next = s.cron.Entry(e.id).Next
		out = append(out, st)
	}
	return out
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits up
// to five seconds for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
