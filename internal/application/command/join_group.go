package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOIN GROUP COMMAND
// Locks the group's stake from the caller into the group pool and opens the
// caller's profile.
// ══════════════════════════════════════════════════════════════════════════════

// JoinGroupCommand identifies the group and the joining caller.
type JoinGroupCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	CorrelationID string
}

// JoinGroupResult contains the new profile and the group's pool after the join.
type JoinGroupResult struct {
	Profile        *membership.Profile
	RewardPool     shared.Amount
	CurrentMembers uint8
}

// JoinGroupHandler handles JoinGroupCommand.
type JoinGroupHandler struct {
	deps Deps
}

// NewJoinGroupHandler creates the handler.
func NewJoinGroupHandler(deps Deps) *JoinGroupHandler {
	return &JoinGroupHandler{deps: deps}
}

// Handle joins the caller to the group. GroupNotActive and GroupFull are
// reported before any transfer is requested.
func (h *JoinGroupHandler) Handle(ctx context.Context, cmd JoinGroupCommand) (*JoinGroupResult, error) {
	if !cmd.Caller.IsValid() {
		return nil, fmt.Errorf("join_group: %w", shared.ErrInvalidInput)
	}

	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Caller}
	scope := store.Scope{
		Groups:   []uint64{cmd.GroupID},
		Profiles: []membership.Key{key},
	}

	var result JoinGroupResult
	err := h.deps.Store.Atomic(ctx, scope, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Group(ctx, cmd.GroupID)
		if err != nil {
			return err
		}

		_, err = tx.Profile(ctx, key)
		switch {
		case err == nil:
			return shared.ErrAlreadyMember
		case !errors.Is(err, shared.ErrMemberNotFound):
			return err
		}

		if err := g.CheckAdmission(); err != nil {
			return err
		}
		if _, err := g.RewardPool.Add(g.StakeRequirement); err != nil {
			return err
		}

		if err := h.deps.transfer(ctx, ledger.Transfer{
			From:       cmd.Caller,
			To:         ledger.PoolAccount(g.ID),
			Amount:     g.StakeRequirement,
			Authorizer: cmd.Caller,
			Purpose:    ledger.PurposeStake,
		}); err != nil {
			return err
		}

		if err := g.Admit(g.StakeRequirement); err != nil {
			return err
		}
		profile := membership.NewProfile(cmd.Caller, g.ID, g.StakeRequirement, now)

		if err := tx.PutProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return err
		}
		if err := tx.CountMember(ctx); err != nil {
			return err
		}

		result = JoinGroupResult{Profile: profile, RewardPool: g.RewardPool, CurrentMembers: g.CurrentMembers}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("join_group: %w", err)
	}

	h.deps.log(ctx).Info("member joined",
		logger.GroupID(cmd.GroupID),
		logger.Member(cmd.Caller.String()),
		logger.Amount("reward_pool", result.RewardPool.Uint64()),
	)

	event := shared.NewMemberJoinedEvent(cmd.GroupID, cmd.Caller, result.Profile.StakeAmount, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "join_group", event)

	return &result, nil
}
