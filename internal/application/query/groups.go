package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET GROUP QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetGroupQuery addresses one group.
type GetGroupQuery struct {
	GroupID uint64
}

// GetGroupHandler handles GetGroupQuery.
type GetGroupHandler struct {
	deps Deps
}

// NewGetGroupHandler creates the handler.
func NewGetGroupHandler(deps Deps) *GetGroupHandler {
	return &GetGroupHandler{deps: deps}
}

// Handle returns the group or shared.ErrGroupNotFound.
func (h *GetGroupHandler) Handle(ctx context.Context, q GetGroupQuery) (*GroupDTO, error) {
	g, err := h.deps.Repos.GetGroup(ctx, q.GroupID)
	if err != nil {
		return nil, fmt.Errorf("get_group: %w", err)
	}
	dto := NewGroupDTO(g)
	return &dto, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIST GROUPS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// ListGroupsQuery filters and pages the group catalogue.
type ListGroupsQuery struct {
	ActiveOnly bool
	Subject    string
	// Creator keeps only groups created by this account when non-empty.
	Creator shared.AccountID
	Offset  int
	Limit   int
}

// ListGroupsResult is one page of groups.
type ListGroupsResult struct {
	Groups  []GroupDTO `json:"groups"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	HasMore bool       `json:"has_more"`
}

// ListGroupsHandler handles ListGroupsQuery.
type ListGroupsHandler struct {
	deps Deps
}

// NewListGroupsHandler creates the handler.
func NewListGroupsHandler(deps Deps) *ListGroupsHandler {
	return &ListGroupsHandler{deps: deps}
}

// Handle returns groups ordered by id.
func (h *ListGroupsHandler) Handle(ctx context.Context, q ListGroupsQuery) (*ListGroupsResult, error) {
	offset, limit, err := normalizePage(q.Offset, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list_groups: %w: %v", shared.ErrInvalidInput, err)
	}

	var groups []*group.StudyGroup
	if q.Creator != "" {
		// Creator is not indexed; filter the full listing.
		all, err := listAllGroups(ctx, h.deps.Repos, group.ListOptions{ActiveOnly: q.ActiveOnly, Subject: strings.TrimSpace(q.Subject)})
		if err != nil {
			return nil, fmt.Errorf("list_groups: %w", err)
		}
		for _, g := range all {
			if g.Creator == q.Creator {
				groups = append(groups, g)
			}
		}
		groups = pageOf(groups, offset, limit+1)
	} else {
		groups, err = h.deps.Repos.ListGroups(ctx, group.ListOptions{
			ActiveOnly: q.ActiveOnly,
			Subject:    strings.TrimSpace(q.Subject),
			Offset:     offset,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("list_groups: %w", err)
		}
	}

	result := &ListGroupsResult{Offset: offset, Limit: limit, Groups: []GroupDTO{}}
	if len(groups) > limit {
		result.HasMore = true
		groups = groups[:limit]
	}
	for _, g := range groups {
		result.Groups = append(result.Groups, NewGroupDTO(g))
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIST MEMBER GROUPS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// ListMemberGroupsQuery asks for every group a member joined.
type ListMemberGroupsQuery struct {
	Member shared.AccountID
	// ActiveOnly keeps only groups where the member still holds an active profile.
	ActiveOnly bool
}

// MemberGroupDTO pairs a group with the member's profile in it.
type MemberGroupDTO struct {
	Group   GroupDTO   `json:"group"`
	Profile ProfileDTO `json:"profile"`
}

// ListMemberGroupsHandler handles ListMemberGroupsQuery.
type ListMemberGroupsHandler struct {
	deps Deps
}

// NewListMemberGroupsHandler creates the handler.
func NewListMemberGroupsHandler(deps Deps) *ListMemberGroupsHandler {
	return &ListMemberGroupsHandler{deps: deps}
}

// Handle returns the member's groups in join order.
func (h *ListMemberGroupsHandler) Handle(ctx context.Context, q ListMemberGroupsQuery) ([]MemberGroupDTO, error) {
	if !q.Member.IsValid() {
		return nil, fmt.Errorf("list_member_groups: %w", shared.ErrInvalidInput)
	}
	profiles, err := h.deps.Repos.ListProfilesByMember(ctx, q.Member)
	if err != nil {
		return nil, fmt.Errorf("list_member_groups: %w", err)
	}

	out := make([]MemberGroupDTO, 0, len(profiles))
	for _, p := range profiles {
		if q.ActiveOnly && !p.IsActive {
			continue
		}
		g, err := h.deps.Repos.GetGroup(ctx, p.GroupID)
		if err != nil {
			return nil, fmt.Errorf("list_member_groups: group %d: %w", p.GroupID, err)
		}
		out = append(out, MemberGroupDTO{Group: NewGroupDTO(g), Profile: NewProfileDTO(p)})
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY STATUS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// RegistryStatusDTO exposes the global counters.
type RegistryStatusDTO struct {
	Initialized  bool             `json:"initialized"`
	Admin        shared.AccountID `json:"admin,omitempty"`
	TotalGroups  uint64           `json:"total_groups"`
	TotalMembers uint64           `json:"total_members"`
}

// GetRegistryStatusHandler reads the registry counters.
type GetRegistryStatusHandler struct {
	deps Deps
}

// NewGetRegistryStatusHandler creates the handler.
func NewGetRegistryStatusHandler(deps Deps) *GetRegistryStatusHandler {
	return &GetRegistryStatusHandler{deps: deps}
}

// Handle reports an uninitialized registry as zero counters, not an error.
func (h *GetRegistryStatusHandler) Handle(ctx context.Context) (*RegistryStatusDTO, error) {
	r, err := h.deps.Repos.GetRegistry(ctx)
	if errors.Is(err, shared.ErrNotInitialized) {
		return &RegistryStatusDTO{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_registry: %w", err)
	}
	return &RegistryStatusDTO{
		Initialized:  r.Initialized,
		Admin:        r.Admin,
		TotalGroups:  r.TotalGroups,
		TotalMembers: r.TotalMembers,
	}, nil
}

// listAllGroups walks every page of the listing.
func listAllGroups(ctx context.Context, repo group.Repository, opts group.ListOptions) ([]*group.StudyGroup, error) {
	var all []*group.StudyGroup
	opts.Offset = 0
	opts.Limit = maxPageSize
	for {
		page, err := repo.ListGroups(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < opts.Limit {
			return all, nil
		}
		opts.Offset += len(page)
	}
}

func pageOf[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
