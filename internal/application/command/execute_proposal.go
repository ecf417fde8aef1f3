package command

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTE PROPOSAL COMMAND
// Resolves a proposal whose voting window closed. Anyone may trigger it,
// including the scheduled sweeper.
// ══════════════════════════════════════════════════════════════════════════════

// ExecuteProposalCommand identifies the proposal.
type ExecuteProposalCommand struct {
	Caller        shared.AccountID
	ProposalID    shared.ProposalID
	CorrelationID string
}

// ExecuteProposalResult reports the outcome.
type ExecuteProposalResult struct {
	Status            governance.Status
	VotesFor          uint32
	VotesAgainst      uint32
	RequiredThreshold uint32
}

// ExecuteProposalHandler handles ExecuteProposalCommand.
type ExecuteProposalHandler struct {
	deps Deps
}

// NewExecuteProposalHandler creates the handler.
func NewExecuteProposalHandler(deps Deps) *ExecuteProposalHandler {
	return &ExecuteProposalHandler{deps: deps}
}

// Handle moves the proposal to Executed or Rejected.
func (h *ExecuteProposalHandler) Handle(ctx context.Context, cmd ExecuteProposalCommand) (*ExecuteProposalResult, error) {
	if !cmd.ProposalID.IsValid() {
		return nil, fmt.Errorf("execute_proposal: %w", shared.ErrInvalidInput)
	}

	now := h.deps.now()
	var result ExecuteProposalResult

	err := h.deps.Store.Atomic(ctx, store.Scope{Proposals: []shared.ProposalID{cmd.ProposalID}}, func(ctx context.Context, tx store.Tx) error {
		proposal, err := tx.Proposal(ctx, cmd.ProposalID)
		if err != nil {
			return err
		}
		status, err := proposal.Execute(now)
		if err != nil {
			return err
		}
		if err := tx.PutProposal(ctx, proposal); err != nil {
			return err
		}

		result = ExecuteProposalResult{
			Status:            status,
			VotesFor:          proposal.VotesFor,
			VotesAgainst:      proposal.VotesAgainst,
			RequiredThreshold: proposal.RequiredThreshold,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute_proposal: %w", err)
	}

	h.deps.log(ctx).Info("proposal resolved",
		logger.GroupID(cmd.ProposalID.GroupID),
		logger.ProposalSeq(cmd.ProposalID.Seq),
		logger.String("status", string(result.Status)),
		logger.Uint32("votes_for", result.VotesFor),
		logger.Uint32("votes_against", result.VotesAgainst),
	)

	event := shared.NewProposalResolvedEvent(cmd.ProposalID, result.Status == governance.StatusExecuted, result.VotesFor, result.VotesAgainst, now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "execute_proposal", event)

	return &result, nil
}
