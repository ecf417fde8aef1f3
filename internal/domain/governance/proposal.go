// Package governance implements group proposals: creation, voting and the
// one-way transition to a terminal status.
package governance

import (
	"strings"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// ProposalType is what a proposal asks the group to change.
type ProposalType string

const (
	TypeChangeTopic    ProposalType = "change_topic"
	TypeUpdateSchedule ProposalType = "update_schedule"
	TypeAddResource    ProposalType = "add_resource"
	TypeModifyStake    ProposalType = "modify_stake"
)

// ParseProposalType accepts the snake_case wire value in any letter case.
func ParseProposalType(s string) (ProposalType, error) {
	t := ProposalType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", shared.ErrInvalidProposalType
	}
	return t, nil
}

// IsValid reports whether t is a known proposal type.
func (t ProposalType) IsValid() bool {
	switch t {
	case TypeChangeTopic, TypeUpdateSchedule, TypeAddResource, TypeModifyStake:
		return true
	default:
		return false
	}
}

// String returns the wire value.
func (t ProposalType) String() string {
	return string(t)
}

// Status is the execution status of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusRejected:
		return true
	case StatusPending:
		return false
	default:
		return true
	}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusRejected:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROPOSAL
// ══════════════════════════════════════════════════════════════════════════════

// Proposal is a group decision put to a vote.
type Proposal struct {
	ID                shared.ProposalID
	Proposer          shared.AccountID
	Type              ProposalType
	Description       string
	VotesFor          uint32
	VotesAgainst      uint32
	VotingDeadline    shared.Timestamp
	Status            Status
	RequiredThreshold uint32
	CreatedAt         shared.Timestamp
	ResolvedAt        shared.Timestamp

	// Voters maps each member who voted to their choice.
	Voters map[shared.AccountID]bool
}

// NewProposalParams describe a proposal before it is numbered.
type NewProposalParams struct {
	Proposer    shared.AccountID
	Type        ProposalType
	Description string
}

// Validate checks the proposer-supplied fields.
func (p NewProposalParams) Validate(rules shared.Rules) error {
	if !p.Proposer.IsValid() {
		return shared.ErrInvalidInput
	}
	if !p.Type.IsValid() {
		return shared.ErrInvalidProposalType
	}
	if len(p.Description) > rules.MaxProposalDescriptionLength {
		return shared.ErrProposalDescriptionTooLong
	}
	return nil
}

// RequiredThreshold is floor(members * percent / 100).
func RequiredThreshold(currentMembers uint8, rules shared.Rules) uint32 {
	return uint32(uint64(currentMembers) * rules.ThresholdPercent / 100)
}

// NewProposal opens a pending proposal. The threshold is fixed from the
// member count at this instant.
func NewProposal(id shared.ProposalID, params NewProposalParams, currentMembers uint8, now shared.Timestamp, rules shared.Rules) (*Proposal, error) {
	if err := params.Validate(rules); err != nil {
		return nil, err
	}
	if !id.IsValid() {
		return nil, shared.ErrInvalidInput
	}

	return &Proposal{
		ID:                id,
		Proposer:          params.Proposer,
		Type:              params.Type,
		Description:       params.Description,
		VotingDeadline:    now.Add(rules.VotingPeriodSeconds),
		Status:            StatusPending,
		RequiredThreshold: RequiredThreshold(currentMembers, rules),
		CreatedAt:         now,
		Voters:            make(map[shared.AccountID]bool),
	}, nil
}

// CheckVote reports why voter cannot vote at now, if anything.
func (p *Proposal) CheckVote(voter shared.AccountID, now shared.Timestamp) error {
	if now >= p.VotingDeadline {
		return shared.ErrVotingPeriodEnded
	}
	if p.Status != StatusPending {
		return shared.ErrProposalAlreadyExecuted
	}
	if p.HasVoted(voter) {
		return shared.ErrAlreadyVoted
	}
	return nil
}

// Vote counts one vote.
func (p *Proposal) Vote(voter shared.AccountID, inFavor bool, now shared.Timestamp) error {
	if err := p.CheckVote(voter, now); err != nil {
		return err
	}
	if p.Voters == nil {
		p.Voters = make(map[shared.AccountID]bool)
	}
	p.Voters[voter] = inFavor
	if inFavor {
		p.VotesFor++
	} else {
		p.VotesAgainst++
	}
	return nil
}

// HasVoted reports whether voter already voted.
func (p *Proposal) HasVoted(voter shared.AccountID) bool {
	_, ok := p.Voters[voter]
	return ok
}

// Passes reports whether the current tally would execute.
func (p *Proposal) Passes() bool {
	return p.VotesFor >= p.RequiredThreshold && p.VotesFor > p.VotesAgainst
}

// CheckExecute reports why the proposal cannot be resolved at now.
func (p *Proposal) CheckExecute(now shared.Timestamp) error {
	if p.Status.IsTerminal() {
		return shared.ErrProposalAlreadyExecuted
	}
	if now < p.VotingDeadline {
		return shared.ErrVotingStillActive
	}
	return nil
}

// Execute resolves the proposal to Executed or Rejected and returns the
// new status.
func (p *Proposal) Execute(now shared.Timestamp) (Status, error) {
	if err := p.CheckExecute(now); err != nil {
		return p.Status, err
	}
	if p.Passes() {
		p.Status = StatusExecuted
	} else {
		p.Status = StatusRejected
	}
	p.ResolvedAt = now
	return p.Status, nil
}

// IsExpired reports whether voting closed but the proposal is unresolved.
func (p *Proposal) IsExpired(now shared.Timestamp) bool {
	return p.Status == StatusPending && now >= p.VotingDeadline
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Voters = make(map[shared.AccountID]bool, len(p.Voters))
	for k, v := range p.Voters {
		c.Voters[k] = v
	}
	return &c
}
