package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREATE PROPOSAL COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// CreateProposalCommand opens a proposal in a group.
type CreateProposalCommand struct {
	Caller        shared.AccountID
	GroupID       uint64
	Type          governance.ProposalType
	Description   string
	CorrelationID string
}

// CreateProposalResult contains the stored proposal.
type CreateProposalResult struct {
	Proposal *governance.Proposal
}

// CreateProposalHandler handles CreateProposalCommand.
type CreateProposalHandler struct {
	deps Deps
}

// NewCreateProposalHandler creates the handler.
func NewCreateProposalHandler(deps Deps) *CreateProposalHandler {
	return &CreateProposalHandler{deps: deps}
}

// Handle numbers and stores the proposal. The proposer must be an active
// member of the group.
func (h *CreateProposalHandler) Handle(ctx context.Context, cmd CreateProposalCommand) (*CreateProposalResult, error) {
	params := governance.NewProposalParams{
		Proposer:    cmd.Caller,
		Type:        cmd.Type,
		Description: cmd.Description,
	}
	if err := params.Validate(h.deps.Rules); err != nil {
		return nil, fmt.Errorf("create_proposal: %w", err)
	}

	now := h.deps.now()
	key := membership.Key{GroupID: cmd.GroupID, Member: cmd.Caller}
	scope := store.Scope{
		Groups:   []uint64{cmd.GroupID},
		Profiles: []membership.Key{key},
	}

	var created *governance.Proposal
	err := h.deps.Store.Atomic(ctx, scope, func(ctx context.Context, tx store.Tx) error {
		g, err := tx.Group(ctx, cmd.GroupID)
		if err != nil {
			return err
		}
		if !g.IsActive {
			return shared.ErrGroupNotActive
		}

		p, err := tx.Profile(ctx, key)
		if errors.Is(err, shared.ErrMemberNotFound) {
			return shared.ErrNotGroupMember
		}
		if err != nil {
			return err
		}
		if err := p.CheckActive(); err != nil {
			return err
		}

		proposal, err := governance.NewProposal(g.NextProposalID(), params, g.CurrentMembers, now, h.deps.Rules)
		if err != nil {
			return err
		}
		if err := tx.PutProposal(ctx, proposal); err != nil {
			return err
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return err
		}
		created = proposal
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create_proposal: %w", err)
	}

	h.deps.log(ctx).Info("proposal created",
		logger.GroupID(cmd.GroupID),
		logger.ProposalSeq(created.ID.Seq),
		logger.String("type", created.Type.String()),
		logger.Uint32("required_threshold", created.RequiredThreshold),
	)

	event := shared.NewProposalCreatedEvent(created.ID, cmd.Caller, created.Type.String(), now)
	event.BaseEvent = event.WithCorrelationID(cmd.CorrelationID)
	h.deps.publish(ctx, "create_proposal", event)

	return &CreateProposalResult{Proposal: created}, nil
}
