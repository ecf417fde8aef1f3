package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// A transaction takes one advisory lock per scope key, ordered by lock id,
// then reads rows through the pgx transaction and stages writes in memory.
// Staged writes are sent as a single batch right before commit.
// ══════════════════════════════════════════════════════════════════════════════

// Store is a PostgreSQL store.Store and store.Repositories.
type Store struct {
	conn  *Connection
	reads *retry.Retrier
	log   *logger.Logger
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Repositories = (*Store)(nil)
)

// NewStore creates a store over an open connection.
func NewStore(conn *Connection, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		conn:  conn,
		reads: retry.DatabaseRetrier(IsTransient),
		log:   log.With(logger.Component("postgres_store")),
	}
}

// lockIDs maps scope keys to advisory lock ids. Locks are taken in id order
// rather than key order, so two keys that hash alike cannot be taken in
// opposite orders by two transactions.
func lockIDs(keys []string) []int64 {
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, int64(xxhash.Sum64String(k)))
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Atomic implements store.Store.
func (s *Store) Atomic(ctx context.Context, scope store.Scope, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := scope.Keys()

	return s.conn.WithTx(ctx, DefaultTxOptions(), func(ptx pgx.Tx) error {
		for _, id := range lockIDs(keys) {
			if _, err := ptx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", id); err != nil {
				return fmt.Errorf("lock scope: %w", err)
			}
		}

		tx := newPgTx(ptx, keys)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.flush(ctx)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTION
// ══════════════════════════════════════════════════════════════════════════════

type pgTx struct {
	q     pgx.Tx
	scope map[string]struct{}

	registry  *group.Registry
	joined    uint64
	groups    map[uint64]*group.StudyGroup
	profiles  map[membership.Key]*membership.Profile
	proposals map[shared.ProposalID]*governance.Proposal
}

func newPgTx(q pgx.Tx, keys []string) *pgTx {
	scope := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		scope[k] = struct{}{}
	}
	return &pgTx{
		q:         q,
		scope:     scope,
		groups:    make(map[uint64]*group.StudyGroup),
		profiles:  make(map[membership.Key]*membership.Profile),
		proposals: make(map[shared.ProposalID]*governance.Proposal),
	}
}

func (tx *pgTx) has(key string) bool {
	_, ok := tx.scope[key]
	return ok
}

func (tx *pgTx) require(key string) error {
	if !tx.has(key) {
		return fmt.Errorf("%w: %s", store.ErrOutOfScope, key)
	}
	return nil
}

// requireNew allows a write outside the scope only for an entity that does
// not exist yet and whose parent is locked.
func (tx *pgTx) requireNew(ctx context.Context, key, parent, existsSQL string, args ...any) error {
	if tx.has(key) {
		return nil
	}
	if !tx.has(parent) {
		return fmt.Errorf("%w: %s", store.ErrOutOfScope, key)
	}
	var exists bool
	if err := tx.q.QueryRow(ctx, existsSQL, args...).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", store.ErrOutOfScope, key)
	}
	return nil
}

func (tx *pgTx) Registry(ctx context.Context) (*group.Registry, error) {
	if err := tx.require(store.RegistryKey()); err != nil {
		return nil, err
	}
	if tx.registry != nil {
		return tx.registry.Clone(), nil
	}
	r, err := scanRegistry(tx.q.QueryRow(ctx, selectRegistrySQL))
	if IsNoRows(err) {
		return &group.Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return r, nil
}

func (tx *pgTx) PutRegistry(ctx context.Context, r *group.Registry) error {
	if err := tx.require(store.RegistryKey()); err != nil {
		return err
	}
	tx.registry = r.Clone()
	return nil
}

func (tx *pgTx) CountMember(ctx context.Context) error {
	tx.joined++
	return nil
}

func (tx *pgTx) Group(ctx context.Context, id uint64) (*group.StudyGroup, error) {
	if err := tx.require(store.GroupKey(id)); err != nil {
		return nil, err
	}
	if g, ok := tx.groups[id]; ok {
		return g.Clone(), nil
	}
	g, err := scanGroup(tx.q.QueryRow(ctx, selectGroupSQL+" WHERE id = $1", int64(id)))
	if IsNoRows(err) {
		return nil, shared.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group %d: %w", id, err)
	}
	return g, nil
}

func (tx *pgTx) PutGroup(ctx context.Context, g *group.StudyGroup) error {
	err := tx.requireNew(ctx, store.GroupKey(g.ID), store.RegistryKey(),
		"SELECT EXISTS (SELECT 1 FROM study_groups WHERE id = $1)", int64(g.ID))
	if err != nil {
		return err
	}
	tx.groups[g.ID] = g.Clone()
	return nil
}

func (tx *pgTx) Profile(ctx context.Context, key membership.Key) (*membership.Profile, error) {
	if err := tx.require(store.ProfileKey(key)); err != nil {
		return nil, err
	}
	if p, ok := tx.profiles[key]; ok {
		return p.Clone(), nil
	}
	p, err := scanProfile(tx.q.QueryRow(ctx, selectProfileSQL+" WHERE group_id = $1 AND member = $2",
		int64(key.GroupID), key.Member.String()))
	if IsNoRows(err) {
		return nil, shared.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

func (tx *pgTx) PutProfile(ctx context.Context, p *membership.Profile) error {
	key := p.Key()
	err := tx.requireNew(ctx, store.ProfileKey(key), store.GroupKey(key.GroupID),
		"SELECT EXISTS (SELECT 1 FROM member_profiles WHERE group_id = $1 AND member = $2)",
		int64(key.GroupID), key.Member.String())
	if err != nil {
		return err
	}
	tx.profiles[key] = p.Clone()
	return nil
}

func (tx *pgTx) Proposal(ctx context.Context, id shared.ProposalID) (*governance.Proposal, error) {
	if err := tx.require(store.ProposalKey(id)); err != nil {
		return nil, err
	}
	if p, ok := tx.proposals[id]; ok {
		return p.Clone(), nil
	}
	return loadProposal(ctx, tx.q, id)
}

func (tx *pgTx) PutProposal(ctx context.Context, p *governance.Proposal) error {
	err := tx.requireNew(ctx, store.ProposalKey(p.ID), store.GroupKey(p.ID.GroupID),
		"SELECT EXISTS (SELECT 1 FROM proposals WHERE group_id = $1 AND seq = $2)",
		int64(p.ID.GroupID), int64(p.ID.Seq))
	if err != nil {
		return err
	}
	tx.proposals[p.ID] = p.Clone()
	return nil
}

// flush sends every staged write in one batch. The member counter goes last
// so the registry row is locked for as short a time as possible.
func (tx *pgTx) flush(ctx context.Context) error {
	batch := &pgx.Batch{}

	if r := tx.registry; r != nil {
		batch.Queue(upsertRegistrySQL, r.Admin.String(), int64(r.TotalGroups), r.Initialized)
	}
	for _, id := range sortedKeys(tx.groups, func(a, b uint64) int { return cmpUint(a, b) }) {
		queueGroup(batch, tx.groups[id])
	}
	for _, k := range sortedKeys(tx.profiles, compareProfileKeys) {
		queueProfile(batch, tx.profiles[k])
	}
	for _, id := range sortedKeys(tx.proposals, compareProposalIDs) {
		queueProposal(batch, tx.proposals[id])
	}
	if tx.joined > 0 {
		batch.Queue(countMembersSQL, int64(tx.joined))
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := tx.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	return nil
}

func sortedKeys[K comparable, V any](m map[K]V, cmp func(a, b K) int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp)
	return keys
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareProfileKeys(a, b membership.Key) int {
	if c := cmpUint(a.GroupID, b.GroupID); c != 0 {
		return c
	}
	switch {
	case a.Member < b.Member:
		return -1
	case a.Member > b.Member:
		return 1
	}
	return 0
}

func compareProposalIDs(a, b shared.ProposalID) int {
	if c := cmpUint(a.GroupID, b.GroupID); c != 0 {
		return c
	}
	return cmpUint(a.Seq, b.Seq)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.reads.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			s.log.Debug("transient read error", logger.Operation(op), logger.Err(err))
		}
		return err
	})
}

// GetRegistry implements group.Repository.
func (s *Store) GetRegistry(ctx context.Context) (*group.Registry, error) {
	var r *group.Registry
	err := s.read(ctx, "get_registry", func(ctx context.Context) (err error) {
		r, err = scanRegistry(s.conn.QueryRow(ctx, selectRegistrySQL))
		return err
	})
	if IsNoRows(err) || (err == nil && !r.Initialized) {
		return nil, shared.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get registry: %w", err)
	}
	return r, nil
}

// GetGroup implements group.Repository.
func (s *Store) GetGroup(ctx context.Context, id uint64) (*group.StudyGroup, error) {
	var g *group.StudyGroup
	err := s.read(ctx, "get_group", func(ctx context.Context) (err error) {
		g, err = scanGroup(s.conn.QueryRow(ctx, selectGroupSQL+" WHERE id = $1", int64(id)))
		return err
	})
	if IsNoRows(err) {
		return nil, shared.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", id, err)
	}
	return g, nil
}

// ListGroups implements group.Repository.
func (s *Store) ListGroups(ctx context.Context, opts group.ListOptions) ([]*group.StudyGroup, error) {
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query := selectGroupSQL + `
		WHERE ($1::boolean IS FALSE OR is_active)
		  AND ($2::text = '' OR subject = $2)
		ORDER BY id
		OFFSET $3 LIMIT $4`

	var groups []*group.StudyGroup
	err := s.read(ctx, "list_groups", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, query, opts.ActiveOnly, opts.Subject, opts.Offset, limit)
		if err != nil {
			return err
		}
		groups, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*group.StudyGroup, error) {
			return scanGroup(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if groups == nil {
		groups = []*group.StudyGroup{}
	}
	return groups, nil
}

// GetProfile implements membership.Repository.
func (s *Store) GetProfile(ctx context.Context, key membership.Key) (*membership.Profile, error) {
	var p *membership.Profile
	err := s.read(ctx, "get_profile", func(ctx context.Context) (err error) {
		p, err = scanProfile(s.conn.QueryRow(ctx, selectProfileSQL+" WHERE group_id = $1 AND member = $2",
			int64(key.GroupID), key.Member.String()))
		return err
	})
	if IsNoRows(err) {
		return nil, shared.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ListProfilesByGroup implements membership.Repository.
func (s *Store) ListProfilesByGroup(ctx context.Context, groupID uint64) ([]*membership.Profile, error) {
	return s.listProfiles(ctx, "list_profiles_by_group", " WHERE group_id = $1", int64(groupID))
}

// ListProfilesByMember implements membership.Repository.
func (s *Store) ListProfilesByMember(ctx context.Context, member shared.AccountID) ([]*membership.Profile, error) {
	return s.listProfiles(ctx, "list_profiles_by_member", " WHERE member = $1", member.String())
}

func (s *Store) listProfiles(ctx context.Context, op, where string, arg any) ([]*membership.Profile, error) {
	var profiles []*membership.Profile
	err := s.read(ctx, op, func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, selectProfileSQL+where+" ORDER BY join_date, group_id, member", arg)
		if err != nil {
			return err
		}
		profiles, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*membership.Profile, error) {
			return scanProfile(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return profiles, nil
}

// GetProposal implements governance.Repository.
func (s *Store) GetProposal(ctx context.Context, id shared.ProposalID) (*governance.Proposal, error) {
	var p *governance.Proposal
	err := s.read(ctx, "get_proposal", func(ctx context.Context) (err error) {
		p, err = loadProposal(ctx, s.conn, id)
		return err
	})
	return p, err
}

// ListProposalsByGroup implements governance.Repository.
func (s *Store) ListProposalsByGroup(ctx context.Context, groupID uint64) ([]*governance.Proposal, error) {
	var proposals []*governance.Proposal
	err := s.read(ctx, "list_proposals", func(ctx context.Context) (err error) {
		proposals, err = queryProposals(ctx, s.conn,
			selectProposalSQL+" WHERE group_id = $1 ORDER BY seq", int64(groupID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return proposals, nil
}

// ListExpiredPending implements governance.Repository.
func (s *Store) ListExpiredPending(ctx context.Context, now shared.Timestamp, limit int) ([]*governance.Proposal, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	query := selectProposalSQL + `
		WHERE status = 'pending' AND voting_deadline <= $1
		ORDER BY voting_deadline, group_id, seq
		LIMIT $2`

	var proposals []*governance.Proposal
	err := s.read(ctx, "list_expired_pending", func(ctx context.Context) (err error) {
		proposals, err = queryProposals(ctx, s.conn, query, int64(now), lim)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	return proposals, nil
}
