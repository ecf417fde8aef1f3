package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CAST VOTE COMMAND
// One vote per member per proposal, cast through the voter's own active
// profile in the proposal's group.
// ══════════════════════════════════════════════════════════════════════════════

// CastVoteCommand carries one vote.
type CastVoteCommand struct {
	Caller        shared.AccountID
	ProposalID    shared.ProposalID
	InFavor       bool
	CorrelationID string
}

// CastVoteResult reports the tally after the vote.
type CastVoteResult struct {
	VotesFor     uint32
	VotesAgainst uint32
}

// CastVoteHandler handles CastVoteCommand.
type CastVoteHandler struct {
	deps Deps
}

// NewCastVoteHandler creates the handler.
func NewCastVoteHandler(deps Deps) *CastVoteHandler {
	return &CastVoteHandler{deps: deps}
}

// Handle counts the vote.
func (h *CastVoteHandler) Handle(ctx context.Context, cmd CastVoteCommand) (*CastVoteResult, error) {
	if !cmd.ProposalID.IsValid() || !cmd.Caller.IsValid() {
		return nil, fmt.Errorf("cast_vote: %w", shared.ErrInvalidInput)
	}

	now := h.deps.now()
	key := membership.Key{GroupID: cmd.ProposalID.GroupID, Member: cmd.Caller}
	scope := store.Scope{
		Profiles:  []membership.Key{key},
		Proposals: []shared.ProposalID{cmd.ProposalID},
	}

	var result CastVoteResult
	err := h.deps.Store.Atomic(ctx, scope, func(ctx context.Context, tx store.Tx) error {
		proposal, err := tx.Proposal(ctx, cmd.ProposalID)
		if err != nil {
			return err
		}

		p, err := tx.Profile(ctx, key)
		if errors.Is(err, shared.ErrMemberNotFound) {
			return shared.ErrNotGroupMember
		}
		if err != nil {
			return err
		}
		if err := p.Authorize(cmd.Caller); err != nil {
			return err
		}

		if err := proposal.Vote(cmd.Caller, cmd.InFavor, now); err != nil {
			return err
		}
		p.RecordVote()

		if err := tx.PutProposal(ctx, proposal); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}

		result = CastVoteResult{VotesFor: proposal.VotesFor, VotesAgainst: proposal.VotesAgainst}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cast_vote: %w", err)
	}

	h.deps.log(ctx).Debug("vote cast",
		logger.GroupID(cmd.ProposalID.GroupID),
		logger.ProposalSeq(cmd.ProposalID.Seq),
		logger.Member(cmd.Caller.String()),
		logger.Bool("in_favor", cmd.InFavor),
	)

	event := shared.NewVoteCastEvent(cmd.ProposalID, cmd.Caller, cmd.InFavor, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "cast_vote", event)

	return &result, nil
}
