package shared

import (
	"errors"
	"fmt"
)

// Rules holds the numeric constants every operation is evaluated against.
// Only the stake floor and tip bounds are meant to vary per deployment;
// the rest is fixed behavior kept here so it is named in one place.
type Rules struct {
	MinimumStake Amount `yaml:"minimum_stake"`
	MinimumTip   Amount `yaml:"minimum_tip"`
	MaximumTip   Amount `yaml:"maximum_tip"`

	// Text limits count bytes of the UTF-8 encoding.
	MaxNameLength                int    `yaml:"-"`
	MaxDescriptionLength         int    `yaml:"-"`
	MaxProposalDescriptionLength int    `yaml:"-"`
	MinMembers                   uint8  `yaml:"-"`
	MaxMembers                   uint8  `yaml:"-"`
	PenaltyRatePercent           uint8  `yaml:"-"`
	VotingPeriodSeconds          int64  `yaml:"-"`
	ThresholdPercent             uint64 `yaml:"-"`
	RewardDivisor                uint64 `yaml:"-"`
	CheckInPoints                uint32 `yaml:"-"`
	StreakBonusPoints            uint32 `yaml:"-"`
	StreakBonusThreshold         uint32 `yaml:"-"`
}

// DefaultRules returns the production rule set.
func DefaultRules() Rules {
	return Rules{
		MinimumStake: 10_000_000,
		MinimumTip:   1_000_000,
		MaximumTip:   100_000_000,

		MaxNameLength:                50,
		MaxDescriptionLength:         500,
		MaxProposalDescriptionLength: 1000,
		MinMembers:                   2,
		MaxMembers:                   50,
		PenaltyRatePercent:           10,
		VotingPeriodSeconds:          7 * 24 * 3600,
		ThresholdPercent:             60,
		RewardDivisor:                1000,
		CheckInPoints:                10,
		StreakBonusPoints:            20,
		StreakBonusThreshold:         7,
	}
}

// Validate checks the configurable part of the rule set.
func (r Rules) Validate() error {
	var errs []error
	if r.MinimumStake == 0 {
		errs = append(errs, fmt.Errorf("minimum stake must be positive"))
	}
	if r.MinimumTip == 0 {
		errs = append(errs, fmt.Errorf("minimum tip must be positive"))
	}
	if r.MaximumTip < r.MinimumTip {
		errs = append(errs, fmt.Errorf("maximum tip %d is below minimum tip %d", r.MaximumTip, r.MinimumTip))
	}
	if r.RewardDivisor == 0 {
		errs = append(errs, fmt.Errorf("reward divisor must be positive"))
	}
	if r.MinMembers < 2 || r.MaxMembers < r.MinMembers {
		errs = append(errs, fmt.Errorf("member bounds %d..%d are invalid", r.MinMembers, r.MaxMembers))
	}
	return errors.Join(errs...)
}
