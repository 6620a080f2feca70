// Package scheduler runs delayed announcements.
//
// A job fires after its delay. If the speaker is busy at that moment it is re-armed
// after a fixed interval, up to a fixed number of retries, and then dropped. A job
// that has started executing cannot be cancelled.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/google/uuid"
)

// Retry defaults: 24 retries 5 seconds apart bound a job's wait to about two minutes.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 24
)

// Log formats.
const (
	logFmtScheduled = "Scheduled announcement %s to run at %s"
	logFmtRetry     = "Speaker busy, retrying scheduled announcement %s in %s (retry %d/%d)"
	logFmtDropped   = "Dropped scheduled announcement %s: %v (speaker stayed busy through %d retries)"
	logFmtFailed    = "Scheduled announcement %s failed: %v"
	logFmtCompleted = "Scheduled announcement %s completed"
	logFmtCancelled = "Cancelled scheduled announcement %s"
)

// State is a job's position in its lifecycle.
type State int

const (
	// StatePending means the first fire has not happened yet.
	StatePending State = iota
	// StateRetrying means the job found the speaker busy and is waiting to try again.
	StateRetrying
	// StateRunning means the job is executing and can no longer be cancelled.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRetrying:
		return "retrying"
	case StateRunning:
		return "running"
	default:
		return "pending"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BusyChecker reports whether the speaker is in use.
type BusyChecker interface {
	IsBusy() bool
}

// Executor runs one announcement. Returning an error matching core.ErrBusy makes the
// scheduler treat the attempt like a busy check.
type Executor func(ctx context.Context, jobID string, req core.AnnouncementRequest) error

// Config tunes retry behavior and observes terminal outcomes.
type Config struct {
	RetryInterval time.Duration
	MaxRetries    int
	// OnDropped is called after a job exhausted its retries.
	OnDropped func(JobInfo)
}

// JobInfo is a snapshot of a scheduled job.
type JobInfo struct {
	ID      string                   `json:"id"`
	Request core.AnnouncementRequest `json:"request"`
	RunAt   time.Time                `json:"runAt"`
	Retries int                      `json:"retries"`
	State   State                    `json:"state"`
}

type job struct {
	info  JobInfo
	timer *time.Timer
}

// Scheduler holds the active jobs. Finished, dropped and cancelled jobs are forgotten.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool

	gate    BusyChecker
	execute Executor
	config  Config
	log     *logger.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
}

// New creates a scheduler. Non-positive config values take the defaults.
func New(gate BusyChecker, execute Executor, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		jobs:    make(map[string]*job),
		gate:    gate,
		execute: execute,
		config:  cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arms a job to fire after delay and returns its snapshot.
func (s *Scheduler) Schedule(req core.AnnouncementRequest, delay time.Duration) JobInfo {
	delay = max(0, delay)

	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := &job{
		info: JobInfo{
			ID:      uuid.NewString(),
			Request: req,
			RunAt:   time.Now().Add(delay),
			Retries: 0,
			State:   StatePending,
		},
		timer: nil,
	}

	if s.stopped {
		return scheduled.info
	}

	jobID := scheduled.info.ID
	scheduled.timer = time.AfterFunc(delay, func() { s.fire(jobID) })
	s.jobs[jobID] = scheduled

	s.log.Info(logFmtScheduled, jobID, scheduled.info.RunAt.Format(time.RFC3339))

	return scheduled.info
}

// Cancel removes a job that has not started executing. It reports whether a job was
// removed; cancelling an unknown, finished or running job is a no-op.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled, ok := s.jobs[jobID]
	if !ok || scheduled.info.State == StateRunning {
		return false
	}

	scheduled.timer.Stop()
	delete(s.jobs, jobID)

	s.log.Info(logFmtCancelled, jobID)

	return true
}

// Get returns a snapshot of one active job.
func (s *Scheduler) Get(jobID string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled, ok := s.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}

	return scheduled.info, true
}

// Jobs returns snapshots of the active jobs ordered by run time.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, scheduled := range s.jobs {
		infos = append(infos, scheduled.info)
	}

	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].RunAt.Equal(infos[j].RunAt) {
			return infos[i].ID < infos[j].ID
		}

		return infos[i].RunAt.Before(infos[j].RunAt)
	})

	return infos
}

// Stop disarms every pending job, cancels running ones and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	s.stopped = true

	for jobID, scheduled := range s.jobs {
		if scheduled.timer != nil {
			scheduled.timer.Stop()
		}

		if scheduled.info.State != StateRunning {
			delete(s.jobs, jobID)
		}
	}

	s.mu.Unlock()

	s.cancel()
	s.inFlight.Wait()
}

func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()

	scheduled, ok := s.jobs[jobID]
	if !ok || s.stopped {
		s.mu.Unlock()

		return
	}

	if s.gate.IsBusy() {
		dropped, isDropped := s.retryLocked(scheduled)
		if isDropped {
			s.inFlight.Add(1)
		}

		s.mu.Unlock()

		if isDropped {
			s.notifyDropped(dropped)
			s.inFlight.Done()
		}

		return
	}

	scheduled.info.State = StateRunning
	req := scheduled.info.Request

	s.inFlight.Add(1)
	s.mu.Unlock()

	defer s.inFlight.Done()

	err := s.execute(s.ctx, jobID, req)

	s.mu.Lock()

	if errors.Is(err, core.ErrBusy) && !s.stopped {
		dropped, isDropped := s.retryLocked(scheduled)
		s.mu.Unlock()

		if isDropped {
			s.notifyDropped(dropped)
		}

		return
	}

	delete(s.jobs, jobID)
	s.mu.Unlock()

	if err != nil {
		s.log.Error(logFmtFailed, jobID, err)

		return
	}

	s.log.Info(logFmtCompleted, jobID)
}

// retryLocked re-arms a job that found the speaker busy, or drops it once its retry
// budget is spent and reports the dropped job. The caller holds s.mu and must pass a
// dropped job to notifyDropped after unlocking, while still counted in inFlight.
func (s *Scheduler) retryLocked(scheduled *job) (JobInfo, bool) {
	jobID := scheduled.info.ID

	if scheduled.info.Retries >= s.config.MaxRetries {
		delete(s.jobs, jobID)
		s.log.Warn(logFmtDropped, jobID, core.ErrRetryBudgetExhausted, scheduled.info.Retries)

		return scheduled.info, true
	}

	scheduled.info.Retries++
	scheduled.info.State = StateRetrying
	scheduled.timer = time.AfterFunc(s.config.RetryInterval, func() { s.fire(jobID) })

	s.log.Info(logFmtRetry, jobID, s.config.RetryInterval, scheduled.info.Retries, s.config.MaxRetries)

	return JobInfo{}, false
}

// notifyDropped runs OnDropped so that Stop does not return before it finishes.
func (s *Scheduler) notifyDropped(info JobInfo) {
	if s.config.OnDropped != nil {
		s.config.OnDropped(info)
	}
}
