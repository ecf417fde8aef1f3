// Package membership models a member's stake and participation in one group.
package membership

import (
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

// Profile is the record of one member in one group. It is created on join
// and becomes terminal when the member leaves.
type Profile struct {
	Member             shared.AccountID
	GroupID            uint64
	StakeAmount        shared.Amount
	CheckInCount       uint32
	CurrentStreak      uint32
	TotalTipsReceived  shared.Amount
	TipsReceivedCount  uint32
	ParticipationScore uint32
	// ClaimedScore is the part of ParticipationScore already paid out.
	ClaimedScore uint32
	VotesCast    uint32
	JoinDate     shared.Timestamp
	IsActive     bool
	LastCheckIn  shared.Timestamp
	LeftAt       shared.Timestamp
}

// Key identifies a profile.
type Key struct {
	GroupID uint64
	Member  shared.AccountID
}

// Key returns the profile's key.
func (p *Profile) Key() Key {
	return Key{GroupID: p.GroupID, Member: p.Member}
}

// NewProfile opens a profile for a member who just staked into the group.
func NewProfile(member shared.AccountID, groupID uint64, stake shared.Amount, now shared.Timestamp) *Profile {
	return &Profile{
		Member:      member,
		GroupID:     groupID,
		StakeAmount: stake,
		JoinDate:    now,
		IsActive:    true,
	}
}

// Authorize checks that caller owns the profile and that it is still active.
func (p *Profile) Authorize(caller shared.AccountID) error {
	if p.Member != caller {
		return shared.ErrNotProfileOwner
	}
	return p.CheckActive()
}

// CheckActive fails once the member has left.
func (p *Profile) CheckActive() error {
	if !p.IsActive {
		return shared.ErrMemberNotActive
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────
// Check-in
// ─────────────────────────────────────────────────────────────────────────

// CheckInResult reports what a check-in changed.
type CheckInResult struct {
	Streak  uint32
	Awarded uint32
}

// CanCheckIn reports whether a check-in at now would be accepted.
func (p *Profile) CanCheckIn(now shared.Timestamp) bool {
	return p.IsActive && now.Day() > p.LastCheckIn.Day()
}

// CheckIn records a daily check-in. A check-in on the day after the
// previous one extends the streak; any other day restarts it at 1.
func (p *Profile) CheckIn(now shared.Timestamp, rules shared.Rules) (CheckInResult, error) {
	if err := p.CheckActive(); err != nil {
		return CheckInResult{}, err
	}

	if !p.CanCheckIn(now) {
		return CheckInResult{}, shared.ErrAlreadyCheckedInToday
	}

	streak := uint32(1)
	if timeutil.IsConsecutiveDay(p.LastCheckIn.Int64(), now.Int64()) {
		streak = p.CurrentStreak + 1
	}

	awarded := rules.CheckInPoints
	if streak >= rules.StreakBonusThreshold {
		awarded += rules.StreakBonusPoints
	}
	score, err := addScore(p.ParticipationScore, awarded)
	if err != nil {
		return CheckInResult{}, err
	}

	p.CurrentStreak = streak
	p.CheckInCount++
	p.LastCheckIn = now
	p.ParticipationScore = score

	return CheckInResult{Streak: streak, Awarded: awarded}, nil
}

// ─────────────────────────────────────────────────────────────────────────
// Tips and votes
// ─────────────────────────────────────────────────────────────────────────

// CheckCanReceiveTip validates the recipient side of a tip.
func (p *Profile) CheckCanReceiveTip(amount shared.Amount, points uint32) error {
	if err := p.CheckActive(); err != nil {
		return err
	}
	if _, err := p.TotalTipsReceived.Add(amount); err != nil {
		return err
	}
	_, err := addScore(p.ParticipationScore, points)
	return err
}

// ReceiveTip credits a transferred tip and its category points.
func (p *Profile) ReceiveTip(amount shared.Amount, points uint32) error {
	if err := p.CheckCanReceiveTip(amount, points); err != nil {
		return err
	}
	p.TotalTipsReceived += amount
	p.TipsReceivedCount++
	p.ParticipationScore += points
	return nil
}

// RecordVote counts a vote cast through this profile.
func (p *Profile) RecordVote() {
	p.VotesCast++
}

// ─────────────────────────────────────────────────────────────────────────
// Leave and claim
// ─────────────────────────────────────────────────────────────────────────

// Deactivate makes the profile terminal.
func (p *Profile) Deactivate(now shared.Timestamp) error {
	if err := p.CheckActive(); err != nil {
		return err
	}
	p.IsActive = false
	p.LeftAt = now
	return nil
}

// UnclaimedScore is the participation not yet paid out.
func (p *Profile) UnclaimedScore() uint32 {
	if p.ClaimedScore >= p.ParticipationScore {
		return 0
	}
	return p.ParticipationScore - p.ClaimedScore
}

// RewardShare computes floor(unclaimed * pool / divisor). A zero share
// fails with ErrNoRewardsAvailable.
func (p *Profile) RewardShare(pool shared.Amount, rules shared.Rules) (shared.Amount, error) {
	if err := p.CheckActive(); err != nil {
		return 0, err
	}
	share, err := shared.MulDiv(uint64(p.UnclaimedScore()), pool.Uint64(), rules.RewardDivisor)
	if err != nil {
		return 0, err
	}
	if share == 0 {
		return 0, shared.ErrNoRewardsAvailable
	}
	return shared.Amount(share), nil
}

// MarkClaimed advances the claim watermark to the current score.
func (p *Profile) MarkClaimed() {
	p.ClaimedScore = p.ParticipationScore
}

// Clone returns a copy.
func (p *Profile) Clone() *Profile {
	c := *p
	return &c
}

func addScore(score, points uint32) (uint32, error) {
	sum := score + points
	if sum < score {
		return 0, shared.ErrOverflow
	}
	return sum, nil
}
