package query

import (
	"context"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROPOSAL QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// GetProposalQuery addresses one proposal.
type GetProposalQuery struct {
	ProposalID shared.ProposalID
}

// GetProposalHandler handles GetProposalQuery.
type GetProposalHandler struct {
	deps Deps
}

// NewGetProposalHandler creates the handler.
func NewGetProposalHandler(deps Deps) *GetProposalHandler {
	return &GetProposalHandler{deps: deps}
}

// Handle returns the proposal or shared.ErrProposalNotFound.
func (h *GetProposalHandler) Handle(ctx context.Context, q GetProposalQuery) (*ProposalDTO, error) {
	if !q.ProposalID.IsValid() {
		return nil, fmt.Errorf("get_proposal: %w", shared.ErrInvalidInput)
	}
	p, err := h.deps.Repos.GetProposal(ctx, q.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("get_proposal: %w", err)
	}
	dto := NewProposalDTO(p, shared.Timestamp(h.deps.Clock.Now()))
	return &dto, nil
}

// ListProposalsQuery lists a group's proposals.
type ListProposalsQuery struct {
	GroupID uint64
	// Status keeps only proposals in this status when set.
	Status governance.Status
}

// ListProposalsHandler handles ListProposalsQuery.
type ListProposalsHandler struct {
	deps Deps
}

// NewListProposalsHandler creates the handler.
func NewListProposalsHandler(deps Deps) *ListProposalsHandler {
	return &ListProposalsHandler{deps: deps}
}

// Handle returns proposals in sequence order.
func (h *ListProposalsHandler) Handle(ctx context.Context, q ListProposalsQuery) ([]ProposalDTO, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, fmt.Errorf("list_proposals: %w: status %q", shared.ErrInvalidInput, q.Status)
	}
	if _, err := h.deps.Repos.GetGroup(ctx, q.GroupID); err != nil {
		return nil, fmt.Errorf("list_proposals: %w", err)
	}
	proposals, err := h.deps.Repos.ListProposalsByGroup(ctx, q.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list_proposals: %w", err)
	}

	now := shared.Timestamp(h.deps.Clock.Now())
	out := make([]ProposalDTO, 0, len(proposals))
	for _, p := range proposals {
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		out = append(out, NewProposalDTO(p, now))
	}
	return out, nil
}
