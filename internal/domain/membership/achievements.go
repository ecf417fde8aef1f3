package membership

import (
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Achievement is a badge derived from a member's profiles.
type Achievement string

const (
	AchievementFirstSteps        Achievement = "first_steps"
	AchievementConsistentLearner Achievement = "consistent_learner"
	AchievementPopularChoice     Achievement = "popular_choice"
	AchievementGroupLeader       Achievement = "group_leader"
	AchievementDemocracyAdvocate Achievement = "democracy_advocate"
)

// Label returns a display name.
func (a Achievement) Label() string {
	switch a {
	case AchievementFirstSteps:
		return "First Steps"
	case AchievementConsistentLearner:
		return "Consistent Learner"
	case AchievementPopularChoice:
		return "Popular Choice"
	case AchievementGroupLeader:
		return "Group Leader"
	case AchievementDemocracyAdvocate:
		return "Democracy Advocate"
	default:
		return string(a)
	}
}

const (
	consistentLearnerStreak = 7
	popularChoiceTips       = 50
	democracyAdvocateVotes  = 10
)

// Stats aggregates a member's profiles across groups.
type Stats struct {
	Member        shared.AccountID `json:"member"`
	GroupsJoined  int              `json:"groups_joined"`
	ActiveGroups  int              `json:"active_groups"`
	GroupsCreated int              `json:"groups_created"`
	TotalTips     shared.Amount    `json:"total_tips"`
	TipsReceived  uint32           `json:"tips_received"`
	BestStreak    uint32           `json:"current_streak"`
	TotalScore    uint64           `json:"total_score"`
	VotesCast     uint32           `json:"votes_cast"`
	Achievements  []Achievement    `json:"achievements"`
}

// BuildStats folds the member's profiles into Stats and derives achievements.
func BuildStats(member shared.AccountID, profiles []*Profile, groupsCreated int) Stats {
	s := Stats{Member: member, GroupsJoined: len(profiles), GroupsCreated: groupsCreated}

	for _, p := range profiles {
		if p.IsActive {
			s.ActiveGroups++
		}
		s.TotalTips += p.TotalTipsReceived
		s.TipsReceived += p.TipsReceivedCount
		s.TotalScore += uint64(p.ParticipationScore)
		s.VotesCast += p.VotesCast
		if p.CurrentStreak > s.BestStreak {
			s.BestStreak = p.CurrentStreak
		}
	}

	s.Achievements = []Achievement{}
	if s.GroupsJoined > 0 {
		s.Achievements = append(s.Achievements, AchievementFirstSteps)
	}
	if s.BestStreak >= consistentLearnerStreak {
		s.Achievements = append(s.Achievements, AchievementConsistentLearner)
	}
	if s.TipsReceived >= popularChoiceTips {
		s.Achievements = append(s.Achievements, AchievementPopularChoice)
	}
	if s.GroupsCreated > 0 {
		s.Achievements = append(s.Achievements, AchievementGroupLeader)
	}
	if s.VotesCast >= democracyAdvocateVotes {
		s.Achievements = append(s.Achievements, AchievementDemocracyAdvocate)
	}
	return s
}
