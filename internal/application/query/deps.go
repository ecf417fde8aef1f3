// Package query contains read operations (CQRS - Queries).
// Queries never modify state. Each one has its own request and result
// types and reads through the repositories only.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Deps are the collaborators shared by all query handlers.
type Deps struct {
	Repos store.Repositories
	Clock timeutil.Clock

	// Scoreboard is optional. Without it rankings are computed from profiles.
	Scoreboard Scoreboard

	Logger *logger.Logger
}

// Validate checks that the required collaborators are present.
func (d Deps) Validate() error {
	var errs []error
	if d.Repos == nil {
		errs = append(errs, errors.New("repositories are required"))
	}
	if d.Clock == nil {
		errs = append(errs, errors.New("clock is required"))
	}
	return errors.Join(errs...)
}

func (d Deps) log(ctx context.Context) *logger.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	if d.Logger == nil {
		return logger.Nop()
	}
	return d.Logger
}

// normalizePage clamps paging arguments the same way for every listing.
func normalizePage(offset, limit int) (int, int, error) {
	if offset < 0 {
		return 0, 0, errors.New("offset cannot be negative")
	}
	if limit < 0 {
		return 0, 0, errors.New("limit cannot be negative")
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit, nil
}

// Handlers groups every query handler for wiring into transports.
type Handlers struct {
	GetGroup          *GetGroupHandler
	ListGroups        *ListGroupsHandler
	ListMemberGroups  *ListMemberGroupsHandler
	ListGroupMembers  *ListGroupMembersHandler
	GetMember         *GetMemberHandler
	IsMember          *IsMemberHandler
	CanCheckIn        *CanCheckInHandler
	GetMemberStats    *GetMemberStatsHandler
	GetProposal       *GetProposalHandler
	ListProposals     *ListProposalsHandler
	GetScoreboard     *GetScoreboardHandler
	GetRegistryStatus *GetRegistryStatusHandler
}

// NewHandlers builds all query handlers over the same dependencies.
func NewHandlers(deps Deps) (*Handlers, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("query handlers: %w", err)
	}
	return &Handlers{
		GetGroup:          NewGetGroupHandler(deps),
		ListGroups:        NewListGroupsHandler(deps),
		ListMemberGroups:  NewListMemberGroupsHandler(deps),
		ListGroupMembers:  NewListGroupMembersHandler(deps),
		GetMember:         NewGetMemberHandler(deps),
		IsMember:          NewIsMemberHandler(deps),
		CanCheckIn:        NewCanCheckInHandler(deps),
		GetMemberStats:    NewGetMemberStatsHandler(deps),
		GetProposal:       NewGetProposalHandler(deps),
		ListProposals:     NewListProposalsHandler(deps),
		GetScoreboard:     NewGetScoreboardHandler(deps),
		GetRegistryStatus: NewGetRegistryStatusHandler(deps),
	}, nil
}
