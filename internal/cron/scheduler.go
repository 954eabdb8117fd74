// Package cron runs the periodic maintenance jobs of the orchestrator on
// robfig/cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"kiosk/pkg/logger"
)

// jobTimeout bounds a single run so a stuck job cannot block its next slot forever.
const jobTimeout = 5 * time.Minute

// Func is the body of a job. The returned string is a short summary for the log.
type Func func(ctx context.Context) (string, error)

// Job is a named function on a schedule. Schedules accept the standard
// 5-field format, the 6-field format with seconds and descriptors such as
// "@every 1m".
type Job struct {
	Name     string
	Schedule string
	Run      Func
}

// Result describes one finished run.
type Result struct {
	Job      string        `json:"job"`
	Summary  string        `json:"summary,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Status is a point-in-time view of a registered job.
type Status struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Last     *Result   `json:"last,omitempty"`
}

type entry struct {
	job  Job
	id   cron.EntryID
	last *Result
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler manages scheduled job execution with robfig/cron.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	mu      sync.RWMutex
	entries map[string]*entry
	running bool

	// Track active executions for graceful shutdown
	wg sync.WaitGroup

	// job name -> start time, prevents overlapping executions
	executing sync.Map
}

// NewScheduler creates a scheduler. A nil location means time.Local.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := logger.Component("cron")
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cron.PrintfLogger(&log)),
		),
		log:     log,
		entries: make(map[string]*entry),
	}
}

// normalize turns a 5-field expression into the 6-field form the parser expects.
func normalize(schedule string) string {
	if len(strings.Fields(schedule)) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// Add registers a job. It may be called before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("cron: job needs a name and a function")
	}
	schedule := normalize(job.Schedule)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, job.Schedule, err)
	}
	e.id = id
	s.entries[job.Name] = e
	s.log.Debug().Str("job_name", job.Name).Str("schedule", job.Schedule).Msg("job added")
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("cron: scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop stops firing jobs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopped := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job immediately on the calling goroutine. It does not
// require the scheduler to be running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*Result, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	res, ran := s.run(ctx, e)
	if !ran {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	if res.Error != "" {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{Name: e.job.Name, Schedule: e.job.Schedule, Last: e.last}
		if ce := s.cron.Entry(e.id); ce.ID != 0 {
			st.Next = ce.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, ran := s.run(ctx, e); !ran {
		s.log.Warn().Str("job_name", e.job.Name).Msg("skipping overlapping execution, previous run still active")
	}
}

// run executes e unless a previous run is still active.
func (s *Scheduler) run(ctx context.Context, e *entry) (*Result, bool) {
	start := time.Now()
	if _, loaded := s.executing.LoadOrStore(e.job.Name, start); loaded {
		return nil, false
	}
	defer s.executing.Delete(e.job.Name)

	s.wg.Add(1)
	defer s.wg.Done()

	summary, err := e.job.Run(ctx)
	res := &Result{Job: e.job.Name, Summary: summary, Started: start, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		s.log.Error().Err(err).Str("job_name", e.job.Name).Msg("job failed")
	} else {
		s.log.Debug().Str("job_name", e.job.Name).Str("summary", summary).Dur("took", res.Duration).Msg("job finished")
	}

	s.mu.Lock()
	e.last = res
	s.mu.Unlock()
	return res, true
}
