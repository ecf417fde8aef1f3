// Package store defines the transactional boundary every command runs in.
//
// A command declares the entities it will touch as a Scope. The store
// serializes transactions whose scopes overlap and lets disjoint ones run in
// parallel. Inside the transaction reads return private copies; writes are
// applied together when the callback returns nil and discarded otherwise.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ErrOutOfScope is returned when a transaction reads an entity it did not
// declare in its scope.
var ErrOutOfScope = errors.New("entity is outside the transaction scope")

// Scope lists the entities a transaction locks.
type Scope struct {
	Registry  bool
	Groups    []uint64
	Profiles  []membership.Key
	Proposals []shared.ProposalID
}

// Keys returns the lock keys of the scope in acquisition order. Sorting
// gives every transaction the same global order, so overlapping scopes
// cannot deadlock.
func (s Scope) Keys() []string {
	keys := make([]string, 0, 1+len(s.Groups)+len(s.Profiles)+len(s.Proposals))
	if s.Registry {
		keys = append(keys, RegistryKey())
	}
	for _, id := range s.Groups {
		keys = append(keys, GroupKey(id))
	}
	for _, k := range s.Profiles {
		keys = append(keys, ProfileKey(k))
	}
	for _, id := range s.Proposals {
		keys = append(keys, ProposalKey(id))
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Lock keys.
func RegistryKey() string                     { return "0:registry" }
func GroupKey(id uint64) string               { return fmt.Sprintf("1:group:%020d", id) }
func ProfileKey(k membership.Key) string      { return fmt.Sprintf("2:profile:%020d:%s", k.GroupID, k.Member) }
func ProposalKey(id shared.ProposalID) string { return fmt.Sprintf("3:proposal:%020d:%020d", id.GroupID, id.Seq) }

// Tx is the view of state inside one transaction.
//
// Getters return copies the caller may mutate; nothing is visible to other
// transactions until the matching Put and a successful commit. A Put of an
// entity outside the scope is allowed only when the entity does not exist
// yet and its parent is in scope (the registry for groups, the group for
// profiles and proposals).
type Tx interface {
	// Registry returns the counters, or a zero Registry if never initialized.
	Registry(ctx context.Context) (*group.Registry, error)
	PutRegistry(ctx context.Context, r *group.Registry) error

	// CountMember adds one to the registry's member total at commit. It does
	// not need the registry in scope, so joins to different groups do not
	// serialize on the counter.
	CountMember(ctx context.Context) error

	Group(ctx context.Context, id uint64) (*group.StudyGroup, error)
	PutGroup(ctx context.Context, g *group.StudyGroup) error

	// Profile returns shared.ErrMemberNotFound if absent.
	Profile(ctx context.Context, key membership.Key) (*membership.Profile, error)
	PutProfile(ctx context.Context, p *membership.Profile) error

	Proposal(ctx context.Context, id shared.ProposalID) (*governance.Proposal, error)
	PutProposal(ctx context.Context, p *governance.Proposal) error
}

// Store runs transactions.
type Store interface {
	// Atomic runs fn with the scope's entities locked. If fn returns an error
	// no write is applied and the error is returned unchanged.
	Atomic(ctx context.Context, scope Scope, fn func(ctx context.Context, tx Tx) error) error
}

// Repositories bundles the read side. Stores usually implement all of it.
type Repositories interface {
	group.Repository
	membership.Repository
	governance.Repository
}
