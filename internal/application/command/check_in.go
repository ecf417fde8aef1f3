package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAILY CHECK-IN COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// CheckInCommand records the caller's check-in for today.
type CheckInCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	CorrelationID string
}

// CheckInResult reports the streak and score after the check-in.
type CheckInResult struct {
	Streak             uint32
	Awarded            uint32
	ParticipationScore uint32
	CheckInCount       uint32
}

// CheckInHandler handles CheckInCommand.
type CheckInHandler struct {
	deps Deps
}

// NewCheckInHandler creates the handler.
func NewCheckInHandler(deps Deps) *CheckInHandler {
	return &CheckInHandler{deps: deps}
}

// Handle records the check-in.
func (h *CheckInHandler) Handle(ctx context.Context, cmd CheckInCommand) (*CheckInResult, error) {
	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Caller}

	var result CheckInResult
	err := h.deps.Store.Atomic(ctx, store.Scope{Profiles: []membership.Key{key}}, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Profile(ctx, key)
		if err != nil {
			return err
		}
		if err := p.Authorize(cmd.Caller); err != nil {
			return err
		}

		res, err := p.CheckIn(now, h.deps.Rules)
		if err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}

		result = CheckInResult{
			Streak:             res.Streak,
			Awarded:            res.Awarded,
			ParticipationScore: p.ParticipationScore,
			CheckInCount:       p.CheckInCount,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check_in: %w", err)
	}

	h.deps.log(ctx).Debug("check-in recorded",
		logger.GroupID(cmd.GroupID),
		logger.Member(cmd.Caller.String()),
		logger.Uint32("streak", result.Streak),
	)

	event := shared.NewDailyCheckInRecordedEvent(cmd.Caller, cmd.GroupID, result.Streak, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "check_in", event)

	return &result, nil
}
