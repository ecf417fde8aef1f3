// Package jobs contains the scheduled jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP PROPOSALS JOB
// Executes pending proposals whose voting period is over. Execution is open
// to anyone, so the sweeper is only a convenience; a proposal someone else
// resolved first is counted as skipped.
// ══════════════════════════════════════════════════════════════════════════════

// ExpiredProposalLister finds proposals ready for execution.
type ExpiredProposalLister interface {
	ListExpiredPending(ctx context.Context, now shared.Timestamp, limit int) ([]*governance.Proposal, error)
}

// ProposalExecutor resolves one proposal.
type ProposalExecutor interface {
	Handle(ctx context.Context, cmd command.ExecuteProposalCommand) (*command.ExecuteProposalResult, error)
}

// SweepProposalsConfig contains configuration for the sweeper.
type SweepProposalsConfig struct {
	// BatchSize is how many proposals are fetched per round.
	BatchSize int

	// MaxBatches bounds one run so a backlog cannot keep it busy forever.
	MaxBatches int

	// Caller is recorded as the executing account.
	Caller shared.AccountID
}

// DefaultSweepProposalsConfig returns sensible defaults.
func DefaultSweepProposalsConfig() SweepProposalsConfig {
	return SweepProposalsConfig{
		BatchSize:  100,
		MaxBatches: 10,
		Caller:     "scheduler",
	}
}

// SweepStats contains statistics from one run.
type SweepStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Executed  int
	Rejected  int
	Skipped   int
	Failed    int
}

// SweepProposalsJob executes expired proposals.
type SweepProposalsJob struct {
	proposals ExpiredProposalLister
	executor  ProposalExecutor
	clock     timeutil.Clock
	log       *logger.Logger
	config    SweepProposalsConfig

	lastStats atomic.Pointer[SweepStats]
}

// NewSweepProposalsJob creates the job.
func NewSweepProposalsJob(proposals ExpiredProposalLister, executor ProposalExecutor, clock timeutil.Clock, log *logger.Logger, config SweepProposalsConfig) *SweepProposalsJob {
	if log == nil {
		log = logger.Nop()
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	def := DefaultSweepProposalsConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = def.MaxBatches
	}
	if config.Caller == "" {
		config.Caller = def.Caller
	}
	return &SweepProposalsJob{
		proposals: proposals,
		executor:  executor,
		clock:     clock,
		log:       log.With(logger.Component("sweep_proposals")),
		config:    config,
	}
}

// Name returns the job name.
func (j *SweepProposalsJob) Name() string { return "sweep_proposals" }

// Description returns a human-readable description.
func (j *SweepProposalsJob) Description() string {
	return "Executes pending proposals whose voting period has ended"
}

// LastStats returns the stats of the last completed run, or nil.
func (j *SweepProposalsJob) LastStats() *SweepStats {
	return j.lastStats.Load()
}

// Run executes the job.
func (j *SweepProposalsJob) Run(ctx context.Context) error {
	stats := &SweepStats{StartedAt: time.Now()}
	var failures []error

	for batch := 0; batch < j.config.MaxBatches; batch++ {
		now := shared.Timestamp(j.clock.Now())
		expired, err := j.proposals.ListExpiredPending(ctx, now, j.config.BatchSize)
		if err != nil {
			return fmt.Errorf("list expired proposals: %w", err)
		}

		batchFailed := 0
		for _, p := range expired {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := j.executor.Handle(ctx, command.ExecuteProposalCommand{
				Caller:     j.config.Caller,
				ProposalID: p.ID,
			})
			switch {
			case err == nil && res.Status == governance.StatusExecuted:
				stats.Executed++
			case err == nil:
				stats.Rejected++
			case errors.Is(err, shared.ErrProposalAlreadyExecuted), errors.Is(err, shared.ErrVotingStillActive):
				stats.Skipped++
			default:
				stats.Failed++
				batchFailed++
				failures = append(failures, fmt.Errorf("proposal %d/%d: %w", p.ID.GroupID, p.ID.Seq, err))
				j.log.Warn("proposal execution failed",
					logger.GroupID(p.ID.GroupID),
					logger.ProposalSeq(p.ID.Seq),
					logger.Err(err),
				)
			}
		}

		// A short page means the backlog is drained. A page of nothing but
		// failures would come back unchanged, so stop there too.
		if len(expired) < j.config.BatchSize || batchFailed == len(expired) {
			break
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	j.lastStats.Store(stats)

	if stats.Executed+stats.Rejected+stats.Failed > 0 {
		j.log.Info("proposals swept",
			logger.Int("executed", stats.Executed),
			logger.Int("rejected", stats.Rejected),
			logger.Int("skipped", stats.Skipped),
			logger.Int("failed", stats.Failed),
			logger.Latency(stats.Duration),
		)
	}
	return errors.Join(failures...)
}
