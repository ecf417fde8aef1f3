package governance

import (
	"context"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Repository reads proposals.
type Repository interface {
	// GetProposal returns one proposal. Returns shared.ErrProposalNotFound if absent.
	GetProposal(ctx context.Context, id shared.ProposalID) (*Proposal, error)

	// ListProposalsByGroup returns the group's proposals ordered by sequence.
	ListProposalsByGroup(ctx context.Context, groupID uint64) ([]*Proposal, error)

	// ListExpiredPending returns pending proposals whose deadline is at or
	// before now, oldest deadline first, at most limit of them.
	ListExpiredPending(ctx context.Context, now shared.Timestamp, limit int) ([]*Proposal, error)
}
