package jobs

import (
	"context"
	"fmt"
)

// ScoreboardRebuilder recomputes every group's scoreboard.
type ScoreboardRebuilder interface {
	RebuildAll(ctx context.Context) (int, error)
}

// RebuildScoreboardJob resynchronizes the scoreboard projection with the
// profiles, repairing any update the event path missed.
type RebuildScoreboardJob struct {
	rebuilder ScoreboardRebuilder
}

// NewRebuildScoreboardJob creates the job.
func NewRebuildScoreboardJob(rebuilder ScoreboardRebuilder) *RebuildScoreboardJob {
	return &RebuildScoreboardJob{rebuilder: rebuilder}
}

// Name returns the job name.
func (j *RebuildScoreboardJob) Name() string { return "rebuild_scoreboard" }

// Description returns a human-readable description.
func (j *RebuildScoreboardJob) Description() string {
	return "Rebuilds every group scoreboard from member profiles"
}

// Run executes the job.
func (j *RebuildScoreboardJob) Run(ctx context.Context) error {
	if _, err := j.rebuilder.RebuildAll(ctx); err != nil {
		return fmt.Errorf("rebuild scoreboards: %w", err)
	}
	return nil
}
