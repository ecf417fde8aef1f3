// Package scheduler runs background jobs on cron schedules: the proposal
// sweeper and the scoreboard rebuild.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
	Manual      bool
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler wraps a cron runner with per-job state, history and metrics.
// A job never overlaps with itself: a tick that arrives while the previous
// run is still going is skipped.
type Scheduler struct {
	mu sync.RWMutex

	cron       *cron.Cron
	parser     cron.Parser
	log        *logger.Logger
	jobTimeout time.Duration
	maxHistory int

	jobs       map[string]*scheduledJob
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time
	metrics    *SchedulerMetrics
	lastRuns   map[string]*JobResult
	runHistory []JobResult
}

type scheduledJob struct {
	job       Job
	spec      string
	entryID   cron.EntryID
	enabled   bool
	lastRun   time.Time
	runCount  int64
	failCount int64
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	Logger *logger.Logger

	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// JobTimeout bounds every run. Zero means no bound beyond the
	// scheduler's own lifetime.
	JobTimeout time.Duration

	// MaxHistorySize is the maximum number of job results to keep.
	MaxHistorySize int
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Timezone:       time.UTC,
		JobTimeout:     5 * time.Minute,
		MaxHistorySize: 1000,
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}

	log := config.Logger.With(logger.Component("scheduler"))
	cl := cronLogger{log: log}
	// Seconds field optional, descriptors such as @every allowed.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(config.Timezone),
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:     parser,
		log:        log,
		jobTimeout: config.JobTimeout,
		maxHistory: config.MaxHistorySize,
		jobs:       make(map[string]*scheduledJob),
		metrics:    NewSchedulerMetrics(),
		lastRuns:   make(map[string]*JobResult),
		ctx:        context.Background(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register adds a job under a cron spec, e.g. "*/30 * * * * *" or "@every 1m".
func (s *Scheduler) Register(job Job, spec string) error {
	if job == nil {
		return ErrNilJob
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{job: job, spec: spec, enabled: true}
	sj.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.runScheduled(sj) }))
	s.jobs[name] = sj

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", spec),
		logger.String("description", job.Description()),
	)
	return nil
}

// EnableJob enables a job by name.
func (s *Scheduler) EnableJob(name string) error {
	return s.setEnabled(name, true)
}

// DisableJob disables a job by name. Scheduled ticks are skipped until it is
// enabled again; RunNow still works.
func (s *Scheduler) DisableJob(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	sj.enabled = enabled
	s.log.Info("job toggled", logger.String("job", name), logger.Bool("enabled", enabled))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins running scheduled jobs. Jobs receive a context derived from
// ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = time.Now()
	s.cron.Start()

	s.log.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.log.Info("scheduler stopped", logger.Duration("uptime", time.Since(s.startedAt)))
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) runScheduled(sj *scheduledJob) {
	s.mu.RLock()
	enabled, ctx := sj.enabled, s.ctx
	s.mu.RUnlock()
	if !enabled || ctx.Err() != nil {
		return
	}
	_ = s.execute(ctx, sj, false)
}

// RunNow immediately executes a job by name, ignoring its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.RLock()
	sj, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	result := s.execute(ctx, sj, true)
	return &result, result.Error
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	startedAt := time.Now()
	s.log.Debug("job started", logger.String("job", name), logger.Bool("manual", manual))

	err := sj.job.Run(ctx)
	completedAt := time.Now()
	result := JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Error:       err,
		Manual:      manual,
	}
	s.metrics.RecordExecution(name, result.Duration, result.Success)

	s.mu.Lock()
	sj.lastRun = startedAt
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	s.lastRuns[name] = &result
	s.runHistory = append(s.runHistory, result)
	if len(s.runHistory) > s.maxHistory {
		s.runHistory = s.runHistory[len(s.runHistory)-s.maxHistory:]
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed",
			logger.String("job", name),
			logger.Latency(result.Duration),
			logger.Err(err),
		)
	} else {
		s.log.Info("job completed", logger.String("job", name), logger.Latency(result.Duration))
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo contains information about a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	LastRun     time.Time  `json:"last_run"`
	NextRun     time.Time  `json:"next_run"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastResult  *JobResult `json:"-"`
}

// ListJobs returns information about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name := range s.jobs {
		infos = append(infos, s.infoLocked(name))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetJobInfo returns information about a specific job.
func (s *Scheduler) GetJobInfo(name string) (*JobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	info := s.infoLocked(name)
	return &info, nil
}

func (s *Scheduler) infoLocked(name string) JobInfo {
	sj := s.jobs[name]
	return JobInfo{
		Name:        name,
		Description: sj.job.Description(),
		Enabled:     sj.enabled,
		Schedule:    sj.spec,
		LastRun:     sj.lastRun,
		NextRun:     s.cron.Entry(sj.entryID).Next,
		RunCount:    sj.runCount,
		FailCount:   sj.failCount,
		LastResult:  s.lastRuns[name],
	}
}

// GetHistory returns up to limit of the most recent results, oldest first.
func (s *Scheduler) GetHistory(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.runHistory) {
		limit = len(s.runHistory)
	}
	result := make([]JobResult, limit)
	copy(result, s.runHistory[len(s.runHistory)-limit:])
	return result
}

// GetMetrics returns scheduler metrics.
func (s *Scheduler) GetMetrics() *SchedulerMetrics {
	return s.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// SchedulerMetrics tracks scheduler performance metrics.
type SchedulerMetrics struct {
	mu sync.RWMutex

	totalExecutions int64
	totalSuccesses  int64
	totalFailures   int64
	totalDuration   time.Duration
	failuresByJob   map[string]int64
}

// NewSchedulerMetrics creates a new metrics tracker.
func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{failuresByJob: make(map[string]int64)}
}

// RecordExecution records a job execution.
func (m *SchedulerMetrics) RecordExecution(jobName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalExecutions++
	m.totalDuration += duration
	if success {
		m.totalSuccesses++
	} else {
		m.totalFailures++
		m.failuresByJob[jobName]++
	}
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *SchedulerMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		TotalExecutions: m.totalExecutions,
		TotalSuccesses:  m.totalSuccesses,
		TotalFailures:   m.totalFailures,
		FailuresByJob:   make(map[string]int64, len(m.failuresByJob)),
	}
	for k, v := range m.failuresByJob {
		snap.FailuresByJob[k] = v
	}
	if m.totalExecutions > 0 {
		snap.AverageDuration = m.totalDuration / time.Duration(m.totalExecutions)
		snap.SuccessRate = float64(m.totalSuccesses) / float64(m.totalExecutions)
	}
	return snap
}

// MetricsSnapshot is a point-in-time snapshot of scheduler metrics.
type MetricsSnapshot struct {
	TotalExecutions int64            `json:"total_executions"`
	TotalSuccesses  int64            `json:"total_successes"`
	TotalFailures   int64            `json:"total_failures"`
	SuccessRate     float64          `json:"success_rate"`
	AverageDuration time.Duration    `json:"average_duration"`
	FailuresByJob   map[string]int64 `json:"failures_by_job"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON LOGGER
// ══════════════════════════════════════════════════════════════════════════════

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Zap().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrInvalidSchedule         = errors.New("invalid schedule")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)
