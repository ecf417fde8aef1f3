package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/domain/store"
)

// ══════════════════════════════════════════════════════════════════════════════
// UNIT
// ══════════════════════════════════════════════════════════════════════════════

func TestLockIDs_SortedAndDeduplicated(t *testing.T) {
	scope := store.Scope{
		Registry: true,
		Groups:   []uint64{3, 1, 3},
		Profiles: []membership.Key{{GroupID: 1, Member: "alice"}},
	}
	ids := lockIDs(scope.Keys())
	require.Len(t, ids, 4)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}

	// Same scope declared in another order takes the same locks.
	again := store.Scope{
		Profiles: []membership.Key{{GroupID: 1, Member: "alice"}},
		Groups:   []uint64{1, 3},
		Registry: true,
	}
	assert.Equal(t, ids, lockIDs(again.Keys()))
	assert.Empty(t, lockIDs(nil))
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	assert.Equal(t,
		"host=localhost port=5432 dbname=studycircle user=postgres password=secret sslmode=disable connect_timeout=10",
		cfg.DSN())

	cfg.URL = "postgres://u:p@db:5433/other?sslmode=require"
	assert.Equal(t, cfg.URL, cfg.DSN())

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, int32(10), pc.MaxConns)
}

func TestGetMigrations_Ordered(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(fmt.Errorf("read: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
}

// ══════════════════════════════════════════════════════════════════════════════
// INTEGRATION
// Runs against STUDYCIRCLE_TEST_DATABASE_URL. The database is wiped.
// ══════════════════════════════════════════════════════════════════════════════

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("STUDYCIRCLE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("STUDYCIRCLE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := NewConnection(ctx, Config{URL: url}, nil)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	_, err = NewMigrator(conn).Migrate(ctx)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "TRUNCATE proposal_votes, proposals, member_profiles, study_groups, registry")
	require.NoError(t, err)
	return NewStore(conn, nil)
}

func seedGroup(t *testing.T, s *Store, maxMembers uint8) *group.StudyGroup {
	t.Helper()
	var created *group.StudyGroup
	err := s.Atomic(context.Background(), store.Scope{Registry: true}, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if err := reg.Initialize("admin"); err != nil {
			return err
		}
		g, err := group.NewStudyGroup(reg.NextGroupID(), group.NewStudyGroupParams{
			Creator:          "alice",
			Name:             "Algebra",
			Subject:          "math",
			Description:      "weekly problem sets",
			StakeRequirement: 10_000_000,
			MaxMembers:       maxMembers,
			DurationDays:     30,
		}, shared.DefaultRules(), 1000)
		if err != nil {
			return err
		}
		created = g
		if err := tx.PutRegistry(ctx, reg); err != nil {
			return err
		}
		return tx.PutGroup(ctx, g)
	})
	require.NoError(t, err)
	return created
}

func TestIntegration_CommitAndRollback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g := seedGroup(t, s, 5)

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	boom := errors.New("boom")
	err = s.Atomic(ctx, store.Scope{Groups: []uint64{g.ID}}, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Group(ctx, g.ID)
		if err != nil {
			return err
		}
		cur.Name = "changed"
		if err := tx.PutGroup(ctx, cur); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err = s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Algebra", got.Name)

	_, err = s.GetGroup(ctx, g.ID+1)
	assert.ErrorIs(t, err, shared.ErrGroupNotFound)
}

func TestIntegration_ScopeEnforcement(t *testing.T) {
	s := testStore(t)
	g := seedGroup(t, s, 5)

	err := s.Atomic(context.Background(), store.Scope{}, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Group(ctx, g.ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrOutOfScope)

	// Overwriting an existing group needs the group itself in scope.
	err = s.Atomic(context.Background(), store.Scope{Registry: true}, func(ctx context.Context, tx store.Tx) error {
		return tx.PutGroup(ctx, g)
	})
	assert.ErrorIs(t, err, store.ErrOutOfScope)
}

func TestIntegration_ConcurrentJoinsAndMemberCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g := seedGroup(t, s, 3)

	const callers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			member := shared.AccountID(fmt.Sprintf("member-%d", i))
			scope := store.Scope{
				Groups:   []uint64{g.ID},
				Profiles: []membership.Key{{GroupID: g.ID, Member: member}},
			}
			err := s.Atomic(ctx, scope, func(ctx context.Context, tx store.Tx) error {
				cur, err := tx.Group(ctx, g.ID)
				if err != nil {
					return err
				}
				if err := cur.Admit(cur.StakeRequirement); err != nil {
					return err
				}
				if err := tx.PutProfile(ctx, membership.NewProfile(member, g.ID, cur.StakeRequirement, 2000)); err != nil {
					return err
				}
				if err := tx.CountMember(ctx); err != nil {
					return err
				}
				return tx.PutGroup(ctx, cur)
			})
			if err != nil && !errors.Is(err, shared.ErrGroupFull) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), got.CurrentMembers)
	assert.Equal(t, shared.Amount(30_000_000), got.RewardPool)

	reg, err := s.GetRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reg.TotalMembers)
	assert.Equal(t, uint64(1), reg.TotalGroups)

	profiles, err := s.ListProfilesByGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, profiles, 3)
}

func TestIntegration_ProposalsWithVotes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rules := shared.DefaultRules()
	g := seedGroup(t, s, 5)

	var id shared.ProposalID
	err := s.Atomic(ctx, store.Scope{Groups: []uint64{g.ID}}, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Group(ctx, g.ID)
		if err != nil {
			return err
		}
		p, err := governance.NewProposal(cur.NextProposalID(), governance.NewProposalParams{
			Proposer:    "alice",
			Type:        governance.TypeAddResource,
			Description: "add the lecture notes",
		}, 3, 1000, rules)
		if err != nil {
			return err
		}
		id = p.ID
		if err := tx.PutProposal(ctx, p); err != nil {
			return err
		}
		return tx.PutGroup(ctx, cur)
	})
	require.NoError(t, err)

	err = s.Atomic(ctx, store.Scope{Proposals: []shared.ProposalID{id}}, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Proposal(ctx, id)
		if err != nil {
			return err
		}
		if err := p.Vote("alice", true, 1100); err != nil {
			return err
		}
		if err := p.Vote("bob", false, 1200); err != nil {
			return err
		}
		return tx.PutProposal(ctx, p)
	})
	require.NoError(t, err)

	got, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[shared.AccountID]bool{"alice": true, "bob": false}, got.Voters)
	assert.Equal(t, uint32(1), got.VotesFor)
	assert.Equal(t, uint32(1), got.VotesAgainst)

	expired, err := s.ListExpiredPending(ctx, shared.Timestamp(1000).Add(rules.VotingPeriodSeconds), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Len(t, expired[0].Voters, 2)

	_, err = s.GetProposal(ctx, shared.ProposalID{GroupID: g.ID, Seq: 99})
	assert.ErrorIs(t, err, shared.ErrProposalNotFound)
}
