package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GROUP MEMBERS
// ══════════════════════════════════════════════════════════════════════════════

// ListGroupMembersQuery asks for the profiles of one group.
type ListGroupMembersQuery struct {
	GroupID uint64
	// IncludeInactive also returns members who left.
	IncludeInactive bool
}

// ListGroupMembersHandler handles ListGroupMembersQuery.
type ListGroupMembersHandler struct {
	deps Deps
}

// NewListGroupMembersHandler creates the handler.
func NewListGroupMembersHandler(deps Deps) *ListGroupMembersHandler {
	return &ListGroupMembersHandler{deps: deps}
}

// Handle returns profiles in join order. An unknown group is an error, an
// empty group is not.
func (h *ListGroupMembersHandler) Handle(ctx context.Context, q ListGroupMembersQuery) ([]ProfileDTO, error) {
	if _, err := h.deps.Repos.GetGroup(ctx, q.GroupID); err != nil {
		return nil, fmt.Errorf("list_group_members: %w", err)
	}
	profiles, err := h.deps.Repos.ListProfilesByGroup(ctx, q.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list_group_members: %w", err)
	}

	out := make([]ProfileDTO, 0, len(profiles))
	for _, p := range profiles {
		if !q.IncludeInactive && !p.IsActive {
			continue
		}
		out = append(out, NewProfileDTO(p))
	}
	return out, nil
}

// GetMemberQuery addresses one profile.
type GetMemberQuery struct {
	GroupID uint64
	Member  shared.AccountID
}

// GetMemberHandler handles GetMemberQuery.
type GetMemberHandler struct {
	deps Deps
}

// NewGetMemberHandler creates the handler.
func NewGetMemberHandler(deps Deps) *GetMemberHandler {
	return &GetMemberHandler{deps: deps}
}

// Handle returns the profile or shared.ErrMemberNotFound.
func (h *GetMemberHandler) Handle(ctx context.Context, q GetMemberQuery) (*ProfileDTO, error) {
	p, err := h.deps.Repos.GetProfile(ctx, membership.Key{GroupID: q.GroupID, Member: q.Member})
	if err != nil {
		return nil, fmt.Errorf("get_member: %w", err)
	}
	dto := NewProfileDTO(p)
	return &dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// MembershipQuery is shared by the yes/no membership checks.
type MembershipQuery struct {
	GroupID uint64
	Member  shared.AccountID
}

// IsMemberHandler answers whether a member holds an active profile.
type IsMemberHandler struct {
	deps Deps
}

// NewIsMemberHandler creates the handler.
func NewIsMemberHandler(deps Deps) *IsMemberHandler {
	return &IsMemberHandler{deps: deps}
}

// Handle returns false for unknown and departed members.
func (h *IsMemberHandler) Handle(ctx context.Context, q MembershipQuery) (bool, error) {
	p, err := lookupProfile(ctx, h.deps.Repos, q)
	if err != nil || p == nil {
		return false, err
	}
	return p.IsActive, nil
}

// CanCheckInHandler answers whether a check-in right now would be accepted.
type CanCheckInHandler struct {
	deps Deps
}

// NewCanCheckInHandler creates the handler.
func NewCanCheckInHandler(deps Deps) *CanCheckInHandler {
	return &CanCheckInHandler{deps: deps}
}

// Handle uses the same day rule as the check-in command.
func (h *CanCheckInHandler) Handle(ctx context.Context, q MembershipQuery) (bool, error) {
	p, err := lookupProfile(ctx, h.deps.Repos, q)
	if err != nil || p == nil {
		return false, err
	}
	return p.CanCheckIn(shared.Timestamp(h.deps.Clock.Now())), nil
}

// lookupProfile returns nil without error when the profile does not exist.
func lookupProfile(ctx context.Context, repo membership.Repository, q MembershipQuery) (*membership.Profile, error) {
	p, err := repo.GetProfile(ctx, membership.Key{GroupID: q.GroupID, Member: q.Member})
	if errors.Is(err, shared.ErrMemberNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	return p, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBER STATS
// ══════════════════════════════════════════════════════════════════════════════

// GetMemberStatsQuery asks for a member's totals across groups.
type GetMemberStatsQuery struct {
	Member shared.AccountID
}

// MemberStatsDTO is membership.Stats with achievement labels.
type MemberStatsDTO struct {
	membership.Stats
	AchievementLabels []string `json:"achievement_labels"`
}

// GetMemberStatsHandler handles GetMemberStatsQuery.
type GetMemberStatsHandler struct {
	deps Deps
}

// NewGetMemberStatsHandler creates the handler.
func NewGetMemberStatsHandler(deps Deps) *GetMemberStatsHandler {
	return &GetMemberStatsHandler{deps: deps}
}

// Handle folds every profile of the member. A member with no profiles gets
// zero stats.
func (h *GetMemberStatsHandler) Handle(ctx context.Context, q GetMemberStatsQuery) (*MemberStatsDTO, error) {
	if !q.Member.IsValid() {
		return nil, fmt.Errorf("member_stats: %w", shared.ErrInvalidInput)
	}

	profiles, err := h.deps.Repos.ListProfilesByMember(ctx, q.Member)
	if err != nil {
		return nil, fmt.Errorf("member_stats: %w", err)
	}

	groups, err := listAllGroups(ctx, h.deps.Repos, group.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("member_stats: %w", err)
	}
	created := 0
	for _, g := range groups {
		if g.Creator == q.Member {
			created++
		}
	}

	stats := membership.BuildStats(q.Member, profiles, created)
	labels := make([]string, 0, len(stats.Achievements))
	for _, a := range stats.Achievements {
		labels = append(labels, a.Label())
	}

	h.deps.log(ctx).Debug("member stats computed",
		logger.Member(q.Member.String()),
		logger.Int("profiles", len(profiles)),
		logger.Int("achievements", len(labels)),
	)

	return &MemberStatsDTO{Stats: stats, AchievementLabels: labels}, nil
}
