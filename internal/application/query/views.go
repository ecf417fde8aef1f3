package query

import (
	"sort"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

// GroupDTO is the public view of a study group.
type GroupDTO struct {
	ID                  uint64           `json:"id"`
	Creator             shared.AccountID `json:"creator"`
	Name                string           `json:"name"`
	Subject             string           `json:"subject"`
	Description         string           `json:"description"`
	StakeRequirement    shared.Amount    `json:"stake_requirement"`
	MaxMembers          uint8            `json:"max_members"`
	CurrentMembers      uint8            `json:"current_members"`
	RewardPool          shared.Amount    `json:"reward_pool"`
	PoolAccount         shared.AccountID `json:"pool_account"`
	CreatedAt           int64            `json:"created_at"`
	DurationDays        uint32           `json:"duration_days"`
	IsActive            bool             `json:"is_active"`
	IsFull              bool             `json:"is_full"`
	PenaltyRate         uint8            `json:"penalty_rate"`
	ProposalCount       uint64           `json:"proposal_count"`
	TotalRewardsClaimed shared.Amount    `json:"total_rewards_claimed"`
}

// NewGroupDTO builds the public view of g.
func NewGroupDTO(g *group.StudyGroup) GroupDTO {
	return GroupDTO{
		ID:                  g.ID,
		Creator:             g.Creator,
		Name:                g.Name,
		Subject:             g.Subject,
		Description:         g.Description,
		StakeRequirement:    g.StakeRequirement,
		MaxMembers:          g.MaxMembers,
		CurrentMembers:      g.CurrentMembers,
		RewardPool:          g.RewardPool,
		PoolAccount:         ledger.PoolAccount(g.ID),
		CreatedAt:           g.CreatedAt.Int64(),
		DurationDays:        g.DurationDays,
		IsActive:            g.IsActive,
		IsFull:              g.IsFull(),
		PenaltyRate:         g.PenaltyRate,
		ProposalCount:       g.ProposalCount,
		TotalRewardsClaimed: g.TotalRewardsClaimed,
	}
}

// ProfileDTO is the public view of a member profile.
type ProfileDTO struct {
	Member             shared.AccountID `json:"member"`
	GroupID            uint64           `json:"group_id"`
	StakeAmount        shared.Amount    `json:"stake_amount"`
	CheckInCount       uint32           `json:"check_in_count"`
	CurrentStreak      uint32           `json:"current_streak"`
	TotalTipsReceived  shared.Amount    `json:"total_tips_received"`
	TipsReceivedCount  uint32           `json:"tips_received_count"`
	ParticipationScore uint32           `json:"participation_score"`
	UnclaimedScore     uint32           `json:"unclaimed_score"`
	VotesCast          uint32           `json:"votes_cast"`
	JoinDate           int64            `json:"join_date"`
	IsActive           bool             `json:"is_active"`
	LastCheckIn        int64            `json:"last_check_in,omitempty"`
	LeftAt             int64            `json:"left_at,omitempty"`
}

// NewProfileDTO builds the public view of p.
func NewProfileDTO(p *membership.Profile) ProfileDTO {
	return ProfileDTO{
		Member:             p.Member,
		GroupID:            p.GroupID,
		StakeAmount:        p.StakeAmount,
		CheckInCount:       p.CheckInCount,
		CurrentStreak:      p.CurrentStreak,
		TotalTipsReceived:  p.TotalTipsReceived,
		TipsReceivedCount:  p.TipsReceivedCount,
		ParticipationScore: p.ParticipationScore,
		UnclaimedScore:     p.UnclaimedScore(),
		VotesCast:          p.VotesCast,
		JoinDate:           p.JoinDate.Int64(),
		IsActive:           p.IsActive,
		LastCheckIn:        p.LastCheckIn.Int64(),
		LeftAt:             p.LeftAt.Int64(),
	}
}

// VoteDTO is one recorded vote.
type VoteDTO struct {
	Voter   shared.AccountID `json:"voter"`
	InFavor bool             `json:"in_favor"`
}

// ProposalDTO is the public view of a proposal.
type ProposalDTO struct {
	ID                shared.ProposalID `json:"id"`
	Proposer          shared.AccountID  `json:"proposer"`
	Type              string            `json:"type"`
	Description       string            `json:"description"`
	VotesFor          uint32            `json:"votes_for"`
	VotesAgainst      uint32            `json:"votes_against"`
	VotingDeadline    int64             `json:"voting_deadline"`
	Status            string            `json:"status"`
	RequiredThreshold uint32            `json:"required_threshold"`
	CreatedAt         int64             `json:"created_at"`
	ResolvedAt        int64             `json:"resolved_at,omitempty"`
	// Executable is true when the deadline passed and the proposal is still pending.
	Executable bool      `json:"executable"`
	Votes      []VoteDTO `json:"votes"`
}

// NewProposalDTO builds the public view of p as seen at now.
func NewProposalDTO(p *governance.Proposal, now shared.Timestamp) ProposalDTO {
	votes := make([]VoteDTO, 0, len(p.Voters))
	for voter, inFavor := range p.Voters {
		votes = append(votes, VoteDTO{Voter: voter, InFavor: inFavor})
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Voter < votes[j].Voter })

	return ProposalDTO{
		ID:                p.ID,
		Proposer:          p.Proposer,
		Type:              p.Type.String(),
		Description:       p.Description,
		VotesFor:          p.VotesFor,
		VotesAgainst:      p.VotesAgainst,
		VotingDeadline:    p.VotingDeadline.Int64(),
		Status:            string(p.Status),
		RequiredThreshold: p.RequiredThreshold,
		CreatedAt:         p.CreatedAt.Int64(),
		ResolvedAt:        p.ResolvedAt.Int64(),
		Executable:        p.IsExpired(now),
		Votes:             votes,
	}
}
