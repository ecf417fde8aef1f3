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
// CLAIM REWARDS COMMAND
// Pays floor(unclaimed_score * reward_pool / 1000) from the pool. The claim
// advances the member's claimed-score watermark; the pool is not debited.
// ══════════════════════════════════════════════════════════════════════════════

// ClaimRewardsCommand identifies the claiming caller.
type ClaimRewardsCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	CorrelationID string
}

// ClaimRewardsResult reports the paid share.
type ClaimRewardsResult struct {
	Amount      shared.Amount
	ScoreBasis  uint32
	RewardPool  shared.Amount
	TotalClaims shared.Amount
}

// ClaimRewardsHandler handles ClaimRewardsCommand.
type ClaimRewardsHandler struct {
	deps Deps
}

// NewClaimRewardsHandler creates the handler.
func NewClaimRewardsHandler(deps Deps) *ClaimRewardsHandler {
	return &ClaimRewardsHandler{deps: deps}
}

// Handle pays the caller's share. A zero share fails with
// shared.ErrNoRewardsAvailable and requests no transfer.
func (h *ClaimRewardsHandler) Handle(ctx context.Context, cmd ClaimRewardsCommand) (*ClaimRewardsResult, error) {
	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Caller}
	scope := store.Scope{
		Groups:   []uint64{cmd.GroupID},
		Profiles: []membership.Key{key},
	}

	var result ClaimRewardsResult
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

		basis := p.UnclaimedScore()
		share, err := p.RewardShare(g.RewardPool, h.deps.Rules)
		if err != nil {
			return err
		}

		if err := h.deps.poolTransfer(ctx, g.ID, p.Member, share, ledger.PurposeReward); err != nil {
			return err
		}

		p.MarkClaimed()
		g.RecordClaim(share)
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return err
		}

		result = ClaimRewardsResult{Amount: share, ScoreBasis: basis, RewardPool: g.RewardPool, TotalClaims: g.TotalRewardsClaimed}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim_rewards: %w", err)
	}

	h.deps.log(ctx).Info("rewards claimed",
		logger.GroupID(cmd.GroupID),
		logger.Member(cmd.Caller.String()),
		logger.Amount("amount", result.Amount.Uint64()),
	)

	event := shared.NewRewardsClaimedEvent(cmd.Caller, cmd.GroupID, result.Amount, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "claim_rewards", event)

	return &result, nil
}
