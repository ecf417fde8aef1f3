// Package memory implements the transactional store in process memory.
//
// Committed entities live in concurrent maps as immutable snapshots. A
// transaction locks its scope keys in sorted order, works on private copies
// and swaps the copies in under a short commit lock, so readers never see
// half of a transaction.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
)

const registrySlot = "registry"

// Store is an in-memory store.Store and store.Repositories.
type Store struct {
	registry  *xsync.Map[string, *group.Registry]
	groups    *xsync.Map[uint64, *group.StudyGroup]
	profiles  *xsync.Map[membership.Key, *membership.Profile]
	proposals *xsync.Map[shared.ProposalID, *governance.Proposal]

	locks *xsync.Map[string, *sync.Mutex]

	// commitMu makes a commit atomic with respect to repository reads.
	commitMu sync.RWMutex
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Repositories = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		registry:  xsync.NewMap[string, *group.Registry](),
		groups:    xsync.NewMap[uint64, *group.StudyGroup](),
		profiles:  xsync.NewMap[membership.Key, *membership.Profile](),
		proposals: xsync.NewMap[shared.ProposalID, *governance.Proposal](),
		locks:     xsync.NewMap[string, *sync.Mutex](),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Atomic implements store.Store.
func (s *Store) Atomic(ctx context.Context, scope store.Scope, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := scope.Keys()
	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		mu, _ := s.locks.LoadOrStore(k, &sync.Mutex{})
		mu.Lock()
		held = append(held, mu)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	inScope := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		inScope[k] = struct{}{}
	}

	tx := &memTx{
		s:         s,
		scope:     inScope,
		groups:    make(map[uint64]*group.StudyGroup),
		profiles:  make(map[membership.Key]*membership.Profile),
		proposals: make(map[shared.ProposalID]*governance.Proposal),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if tx.registry != nil || tx.joined > 0 {
		// TotalMembers is only ever advanced through CountMember, so a staged
		// registry keeps the committed member total.
		s.registry.Compute(registrySlot, func(old *group.Registry, loaded bool) (*group.Registry, xsync.ComputeOp) {
			next := &group.Registry{}
			if loaded {
				next = old.Clone()
			}
			if tx.registry != nil {
				members := next.TotalMembers
				next = tx.registry.Clone()
				next.TotalMembers = members
			}
			next.TotalMembers += tx.joined
			return next, xsync.UpdateOp
		})
	}
	for id, g := range tx.groups {
		s.groups.Store(id, g)
	}
	for k, p := range tx.profiles {
		s.profiles.Store(k, p)
	}
	for id, p := range tx.proposals {
		s.proposals.Store(id, p)
	}
}

type memTx struct {
	s     *Store
	scope map[string]struct{}

	registry  *group.Registry
	joined    uint64
	groups    map[uint64]*group.StudyGroup
	profiles  map[membership.Key]*membership.Profile
	proposals map[shared.ProposalID]*governance.Proposal
}

func (tx *memTx) has(key string) bool {
	_, ok := tx.scope[key]
	return ok
}

func (tx *memTx) require(key string) error {
	if !tx.has(key) {
		return fmt.Errorf("%w: %s", store.ErrOutOfScope, key)
	}
	return nil
}

func (tx *memTx) Registry(ctx context.Context) (*group.Registry, error) {
	if err := tx.require(store.RegistryKey()); err != nil {
		return nil, err
	}
	if tx.registry != nil {
		return tx.registry.Clone(), nil
	}
	if r, ok := tx.s.registry.Load(registrySlot); ok {
		return r.Clone(), nil
	}
	return &group.Registry{}, nil
}

func (tx *memTx) PutRegistry(ctx context.Context, r *group.Registry) error {
	if err := tx.require(store.RegistryKey()); err != nil {
		return err
	}
	tx.registry = r.Clone()
	return nil
}

func (tx *memTx) CountMember(ctx context.Context) error {
	tx.joined++
	return nil
}

func (tx *memTx) Group(ctx context.Context, id uint64) (*group.StudyGroup, error) {
	if err := tx.require(store.GroupKey(id)); err != nil {
		return nil, err
	}
	if g, ok := tx.groups[id]; ok {
		return g.Clone(), nil
	}
	if g, ok := tx.s.groups.Load(id); ok {
		return g.Clone(), nil
	}
	return nil, shared.ErrGroupNotFound
}

func (tx *memTx) PutGroup(ctx context.Context, g *group.StudyGroup) error {
	if !tx.has(store.GroupKey(g.ID)) {
		_, exists := tx.s.groups.Load(g.ID)
		if exists || !tx.has(store.RegistryKey()) {
			return fmt.Errorf("%w: %s", store.ErrOutOfScope, store.GroupKey(g.ID))
		}
	}
	tx.groups[g.ID] = g.Clone()
	return nil
}

func (tx *memTx) Profile(ctx context.Context, key membership.Key) (*membership.Profile, error) {
	if err := tx.require(store.ProfileKey(key)); err != nil {
		return nil, err
	}
	if p, ok := tx.profiles[key]; ok {
		return p.Clone(), nil
	}
	if p, ok := tx.s.profiles.Load(key); ok {
		return p.Clone(), nil
	}
	return nil, shared.ErrMemberNotFound
}

func (tx *memTx) PutProfile(ctx context.Context, p *membership.Profile) error {
	key := p.Key()
	if !tx.has(store.ProfileKey(key)) {
		_, exists := tx.s.profiles.Load(key)
		if exists || !tx.has(store.GroupKey(key.GroupID)) {
			return fmt.Errorf("%w: %s", store.ErrOutOfScope, store.ProfileKey(key))
		}
	}
	tx.profiles[key] = p.Clone()
	return nil
}

func (tx *memTx) Proposal(ctx context.Context, id shared.ProposalID) (*governance.Proposal, error) {
	if err := tx.require(store.ProposalKey(id)); err != nil {
		return nil, err
	}
	if p, ok := tx.proposals[id]; ok {
		return p.Clone(), nil
	}
	if p, ok := tx.s.proposals.Load(id); ok {
		return p.Clone(), nil
	}
	return nil, shared.ErrProposalNotFound
}

func (tx *memTx) PutProposal(ctx context.Context, p *governance.Proposal) error {
	if !tx.has(store.ProposalKey(p.ID)) {
		_, exists := tx.s.proposals.Load(p.ID)
		if exists || !tx.has(store.GroupKey(p.ID.GroupID)) {
			return fmt.Errorf("%w: %s", store.ErrOutOfScope, store.ProposalKey(p.ID))
		}
	}
	tx.proposals[p.ID] = p.Clone()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

// GetRegistry implements group.Repository.
func (s *Store) GetRegistry(ctx context.Context) (*group.Registry, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	r, ok := s.registry.Load(registrySlot)
	if !ok || !r.Initialized {
		return nil, shared.ErrNotInitialized
	}
	return r.Clone(), nil
}

// GetGroup implements group.Repository.
func (s *Store) GetGroup(ctx context.Context, id uint64) (*group.StudyGroup, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	g, ok := s.groups.Load(id)
	if !ok {
		return nil, shared.ErrGroupNotFound
	}
	return g.Clone(), nil
}

// ListGroups implements group.Repository.
func (s *Store) ListGroups(ctx context.Context, opts group.ListOptions) ([]*group.StudyGroup, error) {
	s.commitMu.RLock()
	var out []*group.StudyGroup
	s.groups.Range(func(_ uint64, g *group.StudyGroup) bool {
		if opts.ActiveOnly && !g.IsActive {
			return true
		}
		if opts.Subject != "" && g.Subject != opts.Subject {
			return true
		}
		out = append(out, g.Clone())
		return true
	})
	s.commitMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts.Offset, opts.Limit), nil
}

// GetProfile implements membership.Repository.
func (s *Store) GetProfile(ctx context.Context, key membership.Key) (*membership.Profile, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	p, ok := s.profiles.Load(key)
	if !ok {
		return nil, shared.ErrMemberNotFound
	}
	return p.Clone(), nil
}

// ListProfilesByGroup implements membership.Repository.
func (s *Store) ListProfilesByGroup(ctx context.Context, groupID uint64) ([]*membership.Profile, error) {
	return s.filterProfiles(func(p *membership.Profile) bool { return p.GroupID == groupID }), nil
}

// ListProfilesByMember implements membership.Repository.
func (s *Store) ListProfilesByMember(ctx context.Context, member shared.AccountID) ([]*membership.Profile, error) {
	return s.filterProfiles(func(p *membership.Profile) bool { return p.Member == member }), nil
}

func (s *Store) filterProfiles(keep func(*membership.Profile) bool) []*membership.Profile {
	s.commitMu.RLock()
	var out []*membership.Profile
	s.profiles.Range(func(_ membership.Key, p *membership.Profile) bool {
		if keep(p) {
			out = append(out, p.Clone())
		}
		return true
	})
	s.commitMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinDate != out[j].JoinDate {
			return out[i].JoinDate < out[j].JoinDate
		}
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// GetProposal implements governance.Repository.
func (s *Store) GetProposal(ctx context.Context, id shared.ProposalID) (*governance.Proposal, error) {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	p, ok := s.proposals.Load(id)
	if !ok {
		return nil, shared.ErrProposalNotFound
	}
	return p.Clone(), nil
}

// ListProposalsByGroup implements governance.Repository.
func (s *Store) ListProposalsByGroup(ctx context.Context, groupID uint64) ([]*governance.Proposal, error) {
	out := s.filterProposals(func(p *governance.Proposal) bool { return p.ID.GroupID == groupID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Seq < out[j].ID.Seq })
	return out, nil
}

// ListExpiredPending implements governance.Repository.
func (s *Store) ListExpiredPending(ctx context.Context, now shared.Timestamp, limit int) ([]*governance.Proposal, error) {
	out := s.filterProposals(func(p *governance.Proposal) bool { return p.IsExpired(now) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].VotingDeadline != out[j].VotingDeadline {
			return out[i].VotingDeadline < out[j].VotingDeadline
		}
		if out[i].ID.GroupID != out[j].ID.GroupID {
			return out[i].ID.GroupID < out[j].ID.GroupID
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return page(out, 0, limit), nil
}

func (s *Store) filterProposals(keep func(*governance.Proposal) bool) []*governance.Proposal {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	var out []*governance.Proposal
	s.proposals.Range(func(_ shared.ProposalID, p *governance.Proposal) bool {
		if keep(p) {
			out = append(out, p.Clone())
		}
		return true
	})
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
