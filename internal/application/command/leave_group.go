package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEAVE GROUP COMMAND
// Early exit: the penalty stays in the pool, the rest of the stake is paid
// back from the pool under the group authority.
// ══════════════════════════════════════════════════════════════════════════════

// LeaveGroupCommand identifies the departing caller.
type LeaveGroupCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	CorrelationID string
}

// LeaveGroupResult reports the split of the stake.
type LeaveGroupResult struct {
	Stake      shared.Amount
	Penalty    shared.Amount
	Refund     shared.Amount
	RewardPool shared.Amount
}

// LeaveGroupHandler handles LeaveGroupCommand.
type LeaveGroupHandler struct {
	deps Deps
}

// NewLeaveGroupHandler creates the handler.
func NewLeaveGroupHandler(deps Deps) *LeaveGroupHandler {
	return &LeaveGroupHandler{deps: deps}
}

// Handle removes the caller from the group. The pool shrinks by the full
// stake whatever the refund was.
func (h *LeaveGroupHandler) Handle(ctx context.Context, cmd LeaveGroupCommand) (*LeaveGroupResult, error) {
	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Caller}
	scope := store.Scope{
		Groups:   []uint64{cmd.GroupID},
		Profiles: []membership.Key{key},
	}

	var result LeaveGroupResult
	err := h.deps.Store.Atomic(ctx, scope, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Profile(ctx, key)
		if err != nil {
			return err
		}
		if err := p.Authorize(cmd.Caller); err != nil {
			return err
		}
		g, err := tx.Group(ctx, cmd.GroupID)
		if err != nil {
			return err
		}

		penalty, refund, err := g.ExitTerms(p.StakeAmount)
		if err != nil {
			return err
		}
		if err := g.CheckRelease(p.StakeAmount); err != nil {
			return err
		}

		if refund > 0 {
			if err := h.deps.poolTransfer(ctx, g.ID, p.Member, refund, ledger.PurposeRefund); err != nil {
				return err
			}
		}

		if err := p.Deactivate(now); err != nil {
			return err
		}
		if err := g.Release(p.StakeAmount); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return err
		}

		result = LeaveGroupResult{Stake: p.StakeAmount, Penalty: penalty, Refund: refund, RewardPool: g.RewardPool}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("leave_group: %w", err)
	}

	h.deps.log(ctx).Info("member left",
		logger.GroupID(cmd.GroupID),
		logger.Member(cmd.Caller.String()),
		logger.Amount("refund", result.Refund.Uint64()),
		logger.Amount("penalty", result.Penalty.Uint64()),
	)

	event := shared.NewMemberLeftEvent(cmd.Caller, cmd.GroupID, result.Refund, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "leave_group", event)

	return &result, nil
}
