// Package group contains the Group Registry aggregate: the process-wide
// counters and the study groups they number.
package group

import (
	"strings"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// StudyGroup is a set of members who locked the same stake to study together.
type StudyGroup struct {
	ID               uint64
	Creator          shared.AccountID
	Name             string
	Subject          string
	Description      string
	StakeRequirement shared.Amount
	MaxMembers       uint8
	CurrentMembers   uint8
	// RewardPool is the sum of active members' stakes plus forfeited penalties.
	RewardPool   shared.Amount
	CreatedAt    shared.Timestamp
	DurationDays uint32
	IsActive     bool
	PenaltyRate  uint8

	// ProposalCount is the last proposal sequence number issued in this group.
	ProposalCount uint64

	// TotalRewardsClaimed is reporting only; claims never debit RewardPool.
	TotalRewardsClaimed shared.Amount
}

// NewStudyGroupParams are the creator-supplied fields of a new group.
type NewStudyGroupParams struct {
	Creator          shared.AccountID
	Name             string
	Subject          string
	Description      string
	StakeRequirement shared.Amount
	MaxMembers       uint8
	DurationDays     uint32
}

// Validate checks params against rules. Checks run in a fixed order so the
// first violated rule is the one reported.
func (p NewStudyGroupParams) Validate(rules shared.Rules) error {
	if !p.Creator.IsValid() {
		return shared.ErrInvalidInput
	}
	if strings.TrimSpace(p.Name) == "" {
		return shared.ErrEmptyName
	}
	if len(p.Name) > rules.MaxNameLength {
		return shared.ErrNameTooLong
	}
	if strings.TrimSpace(p.Description) == "" {
		return shared.ErrEmptyDescription
	}
	if len(p.Description) > rules.MaxDescriptionLength {
		return shared.ErrDescriptionTooLong
	}
	if p.MaxMembers < rules.MinMembers || p.MaxMembers > rules.MaxMembers {
		return shared.ErrInvalidMaxMembers
	}
	if p.StakeRequirement < rules.MinimumStake {
		return shared.ErrStakeTooLow
	}
	return nil
}

// NewStudyGroup validates params and builds an empty, active group.
func NewStudyGroup(id uint64, params NewStudyGroupParams, rules shared.Rules, now shared.Timestamp) (*StudyGroup, error) {
	if err := params.Validate(rules); err != nil {
		return nil, err
	}

	return &StudyGroup{
		ID:               id,
		Creator:          params.Creator,
		Name:             params.Name,
		Subject:          params.Subject,
		Description:      params.Description,
		StakeRequirement: params.StakeRequirement,
		MaxMembers:       params.MaxMembers,
		CreatedAt:        now,
		DurationDays:     params.DurationDays,
		IsActive:         true,
		PenaltyRate:      rules.PenaltyRatePercent,
	}, nil
}

// CheckAdmission reports why a new member cannot join, if anything.
func (g *StudyGroup) CheckAdmission() error {
	if !g.IsActive {
		return shared.ErrGroupNotActive
	}
	if g.CurrentMembers >= g.MaxMembers {
		return shared.ErrGroupFull
	}
	return nil
}

// IsFull reports whether the group reached max members.
func (g *StudyGroup) IsFull() bool {
	return g.CurrentMembers >= g.MaxMembers
}

// Admit counts a new member and adds the stake to the pool.
// Callers run CheckAdmission first.
func (g *StudyGroup) Admit(stake shared.Amount) error {
	if err := g.CheckAdmission(); err != nil {
		return err
	}
	pool, err := g.RewardPool.Add(stake)
	if err != nil {
		return err
	}
	g.CurrentMembers++
	g.RewardPool = pool
	return nil
}

// ExitTerms splits a stake into the forfeited penalty and the refund.
func (g *StudyGroup) ExitTerms(stake shared.Amount) (penalty, refund shared.Amount, err error) {
	p, err := shared.MulDiv(stake.Uint64(), uint64(g.PenaltyRate), 100)
	if err != nil {
		return 0, 0, err
	}
	return shared.Amount(p), stake - shared.Amount(p), nil
}

// CheckRelease verifies that removing a member with the given stake keeps
// the counters non-negative.
func (g *StudyGroup) CheckRelease(stake shared.Amount) error {
	if g.CurrentMembers == 0 || g.RewardPool < stake {
		return shared.ErrPoolUnderflow
	}
	return nil
}

// Release removes a departing member and subtracts the member's full
// original stake from the pool, whatever the refund was.
func (g *StudyGroup) Release(stake shared.Amount) error {
	if err := g.CheckRelease(stake); err != nil {
		return err
	}
	g.CurrentMembers--
	g.RewardPool -= stake
	return nil
}

// NextProposalID reserves the next proposal sequence number.
func (g *StudyGroup) NextProposalID() shared.ProposalID {
	g.ProposalCount++
	return shared.ProposalID{GroupID: g.ID, Seq: g.ProposalCount}
}

// RecordClaim tracks paid rewards for reporting.
func (g *StudyGroup) RecordClaim(amount shared.Amount) {
	if total, err := g.TotalRewardsClaimed.Add(amount); err == nil {
		g.TotalRewardsClaimed = total
	}
}

// Clone returns a deep copy.
func (g *StudyGroup) Clone() *StudyGroup {
	c := *g
	return &c
}
