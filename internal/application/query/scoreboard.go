package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GROUP SCOREBOARD QUERY
// Ranks a group's active members by participation score. Reads the
// projection when one is configured and falls back to the profiles.
// ══════════════════════════════════════════════════════════════════════════════

// ScoreEntry is one ranked member.
type ScoreEntry struct {
	Rank   int              `json:"rank"`
	Member shared.AccountID `json:"member"`
	Score  uint32           `json:"score"`
}

// Scoreboard is a precomputed ranking, usually a redis sorted set.
type Scoreboard interface {
	// Top returns at most limit entries, best first, with Rank filled in.
	Top(ctx context.Context, groupID uint64, limit int) ([]ScoreEntry, error)
}

// GetScoreboardQuery asks for the top of a group's ranking.
type GetScoreboardQuery struct {
	GroupID uint64
	Limit   int
}

// ScoreboardResult is the ranking plus where it came from.
type ScoreboardResult struct {
	GroupID uint64       `json:"group_id"`
	Entries []ScoreEntry `json:"entries"`
	// Source is "projection" or "profiles".
	Source string `json:"source"`
}

// GetScoreboardHandler handles GetScoreboardQuery.
type GetScoreboardHandler struct {
	deps Deps
}

// NewGetScoreboardHandler creates the handler.
func NewGetScoreboardHandler(deps Deps) *GetScoreboardHandler {
	return &GetScoreboardHandler{deps: deps}
}

// Handle returns the ranking. A projection error is logged and the ranking
// is computed from profiles instead.
func (h *GetScoreboardHandler) Handle(ctx context.Context, q GetScoreboardQuery) (*ScoreboardResult, error) {
	_, limit, err := normalizePage(0, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("scoreboard: %w: %v", shared.ErrInvalidInput, err)
	}
	if _, err := h.deps.Repos.GetGroup(ctx, q.GroupID); err != nil {
		return nil, fmt.Errorf("scoreboard: %w", err)
	}

	if h.deps.Scoreboard != nil {
		entries, err := h.deps.Scoreboard.Top(ctx, q.GroupID, limit)
		if err == nil {
			return &ScoreboardResult{GroupID: q.GroupID, Entries: entries, Source: "projection"}, nil
		}
		h.deps.log(ctx).Warn("scoreboard projection unavailable, computing from profiles",
			logger.GroupID(q.GroupID),
			logger.Err(err),
		)
	}

	profiles, err := h.deps.Repos.ListProfilesByGroup(ctx, q.GroupID)
	if err != nil {
		return nil, fmt.Errorf("scoreboard: %w", err)
	}
	return &ScoreboardResult{GroupID: q.GroupID, Entries: RankProfiles(profiles, limit), Source: "profiles"}, nil
}

// RankProfiles ranks active profiles by score, ties broken by earlier join
// and then by account id.
func RankProfiles(profiles []*membership.Profile, limit int) []ScoreEntry {
	active := make([]*membership.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.ParticipationScore != b.ParticipationScore {
			return a.ParticipationScore > b.ParticipationScore
		}
		if a.JoinDate != b.JoinDate {
			return a.JoinDate < b.JoinDate
		}
		return a.Member < b.Member
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	entries := make([]ScoreEntry, len(active))
	for i, p := range active {
		entries[i] = ScoreEntry{Rank: i + 1, Member: p.Member, Score: p.ParticipationScore}
	}
	return entries
}
