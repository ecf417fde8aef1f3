package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/reputation"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/memory"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/rail"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

const stake = shared.Amount(10_000_000)

type world struct {
	ctx      context.Context
	store    *memory.Store
	clock    *timeutil.ManualClock
	commands *command.Handlers
	queries  *query.Handlers

	cs, math, other uint64
}

// newWorld builds three groups. alice is in cs and math, bob in cs. alice
// checked in and received one helpful tip in cs, bob checked in once.
func newWorld(t *testing.T, board query.Scoreboard) *world {
	t.Helper()
	ctx := context.Background()

	custodian, err := ledger.NewCustodian([]byte("query-test-key"))
	require.NoError(t, err)
	w := &world{
		ctx:   ctx,
		store: memory.NewStore(),
		clock: timeutil.NewManualClock(200*timeutil.SecondsPerDay + 60),
	}
	r := rail.NewMemoryRail(custodian, nil)
	for _, a := range []shared.AccountID{"alice", "bob", "sponsor"} {
		r.Credit(a, 100_000_000)
	}

	w.commands, err = command.NewHandlers(command.Deps{
		Store:     w.store,
		Rail:      r,
		Custodian: custodian,
		Clock:     w.clock,
		Rules:     shared.DefaultRules(),
	})
	require.NoError(t, err)
	w.queries, err = query.NewHandlers(query.Deps{Repos: w.store, Clock: w.clock, Scoreboard: board})
	require.NoError(t, err)

	_, err = w.commands.InitializeRegistry.Handle(ctx, command.InitializeRegistryCommand{Admin: "admin"})
	require.NoError(t, err)

	create := func(creator shared.AccountID, name, subject string) uint64 {
		res, err := w.commands.CreateGroup.Handle(ctx, command.CreateGroupCommand{
			Caller:           creator,
			Name:             name,
			Subject:          subject,
			Description:      "weekly sessions",
			StakeRequirement: stake,
			MaxMembers:       5,
			DurationDays:     30,
		})
		require.NoError(t, err)
		return res.Group.ID
	}
	w.cs = create("creator", "Compilers", "cs")
	w.math = create("creator", "Topology", "math")
	w.other = create("someone", "Databases", "cs")

	for _, j := range []struct {
		member shared.AccountID
		group  uint64
	}{{"alice", w.cs}, {"bob", w.cs}, {"alice", w.math}} {
		_, err := w.commands.JoinGroup.Handle(ctx, command.JoinGroupCommand{Caller: j.member, GroupID: j.group})
		require.NoError(t, err)
	}

	for _, m := range []shared.AccountID{"alice", "bob"} {
		_, err := w.commands.CheckIn.Handle(ctx, command.CheckInCommand{Caller: m, GroupID: w.cs})
		require.NoError(t, err)
	}
	_, err = w.commands.TipMember.Handle(ctx, command.TipMemberCommand{
		Caller:    "sponsor",
		GroupID:   w.cs,
		Recipient: "alice",
		Amount:    1_000_000,
		Category:  reputation.CategoryHelpful,
	})
	require.NoError(t, err)
	return w
}

func TestGetGroup(t *testing.T) {
	w := newWorld(t, nil)

	g, err := w.queries.GetGroup.Handle(w.ctx, query.GetGroupQuery{GroupID: w.cs})
	require.NoError(t, err)
	assert.Equal(t, "Compilers", g.Name)
	assert.Equal(t, uint8(2), g.CurrentMembers)
	assert.Equal(t, 2*stake, g.RewardPool)
	assert.Equal(t, ledger.PoolAccount(w.cs), g.PoolAccount)
	assert.False(t, g.IsFull)

	_, err = w.queries.GetGroup.Handle(w.ctx, query.GetGroupQuery{GroupID: 99})
	assert.ErrorIs(t, err, shared.ErrGroupNotFound)
}

func TestListGroups_Paging(t *testing.T) {
	w := newWorld(t, nil)

	first, err := w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Groups, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, w.cs, first.Groups[0].ID)

	second, err := w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, second.Groups, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, w.other, second.Groups[0].ID)

	_, err = w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Offset: -1})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestListGroups_Filters(t *testing.T) {
	w := newWorld(t, nil)

	ids := func(r *query.ListGroupsResult) []uint64 {
		out := []uint64{}
		for _, g := range r.Groups {
			out = append(out, g.ID)
		}
		return out
	}

	bySubject, err := w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Subject: "cs"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{w.cs, w.other}, ids(bySubject))

	byCreator, err := w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Creator: "creator"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{w.cs, w.math}, ids(byCreator))

	both, err := w.queries.ListGroups.Handle(w.ctx, query.ListGroupsQuery{Creator: "creator", Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{w.math}, ids(both))
}

func TestMemberGroupsAndMembers(t *testing.T) {
	w := newWorld(t, nil)

	groups, err := w.queries.ListMemberGroups.Handle(w.ctx, query.ListMemberGroupsQuery{Member: "alice"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []uint64{w.cs, w.math}, []uint64{groups[0].Group.ID, groups[1].Group.ID})

	_, err = w.commands.LeaveGroup.Handle(w.ctx, command.LeaveGroupCommand{Caller: "bob", GroupID: w.cs})
	require.NoError(t, err)

	active, err := w.queries.ListGroupMembers.Handle(w.ctx, query.ListGroupMembersQuery{GroupID: w.cs})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, shared.AccountID("alice"), active[0].Member)
	assert.Equal(t, uint32(25), active[0].ParticipationScore)
	assert.Equal(t, uint32(25), active[0].UnclaimedScore)

	all, err := w.queries.ListGroupMembers.Handle(w.ctx, query.ListGroupMembersQuery{GroupID: w.cs, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bobGroups, err := w.queries.ListMemberGroups.Handle(w.ctx, query.ListMemberGroupsQuery{Member: "bob", ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, bobGroups)

	_, err = w.queries.ListGroupMembers.Handle(w.ctx, query.ListGroupMembersQuery{GroupID: 99})
	assert.ErrorIs(t, err, shared.ErrGroupNotFound)

	_, err = w.queries.GetMember.Handle(w.ctx, query.GetMemberQuery{GroupID: w.math, Member: "bob"})
	assert.ErrorIs(t, err, shared.ErrMemberNotFound)
}

func TestMembershipChecks(t *testing.T) {
	w := newWorld(t, nil)
	q := func(m shared.AccountID) query.MembershipQuery {
		return query.MembershipQuery{GroupID: w.cs, Member: m}
	}

	isMember, err := w.queries.IsMember.Handle(w.ctx, q("alice"))
	require.NoError(t, err)
	assert.True(t, isMember)

	isMember, err = w.queries.IsMember.Handle(w.ctx, q("carol"))
	require.NoError(t, err)
	assert.False(t, isMember)

	can, err := w.queries.CanCheckIn.Handle(w.ctx, q("alice"))
	require.NoError(t, err)
	assert.False(t, can, "already checked in today")

	w.clock.Advance(24 * time.Hour)
	can, err = w.queries.CanCheckIn.Handle(w.ctx, q("alice"))
	require.NoError(t, err)
	assert.True(t, can)

	can, err = w.queries.CanCheckIn.Handle(w.ctx, q("carol"))
	require.NoError(t, err)
	assert.False(t, can)

	_, err = w.commands.LeaveGroup.Handle(w.ctx, command.LeaveGroupCommand{Caller: "bob", GroupID: w.cs})
	require.NoError(t, err)
	isMember, err = w.queries.IsMember.Handle(w.ctx, q("bob"))
	require.NoError(t, err)
	assert.False(t, isMember)
	can, err = w.queries.CanCheckIn.Handle(w.ctx, q("bob"))
	require.NoError(t, err)
	assert.False(t, can)
}

func TestMemberStats(t *testing.T) {
	w := newWorld(t, nil)

	alice, err := w.queries.GetMemberStats.Handle(w.ctx, query.GetMemberStatsQuery{Member: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, alice.GroupsJoined)
	assert.Equal(t, 2, alice.ActiveGroups)
	assert.Equal(t, 0, alice.GroupsCreated)
	assert.Equal(t, uint64(25), alice.TotalScore)
	assert.Equal(t, uint32(1), alice.TipsReceived)
	assert.Equal(t, shared.Amount(1_000_000), alice.TotalTips)
	assert.Equal(t, []membership.Achievement{membership.AchievementFirstSteps}, alice.Achievements)
	assert.Equal(t, []string{"First Steps"}, alice.AchievementLabels)

	creator, err := w.queries.GetMemberStats.Handle(w.ctx, query.GetMemberStatsQuery{Member: "creator"})
	require.NoError(t, err)
	assert.Equal(t, 0, creator.GroupsJoined)
	assert.Equal(t, 2, creator.GroupsCreated)
	assert.Equal(t, []membership.Achievement{membership.AchievementGroupLeader}, creator.Achievements)

	_, err = w.queries.GetMemberStats.Handle(w.ctx, query.GetMemberStatsQuery{Member: ""})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestProposals(t *testing.T) {
	w := newWorld(t, nil)

	created, err := w.commands.CreateProposal.Handle(w.ctx, command.CreateProposalCommand{
		Caller:      "alice",
		GroupID:     w.cs,
		Type:        governance.TypeAddResource,
		Description: "add the dragon book",
	})
	require.NoError(t, err)
	_, err = w.commands.CastVote.Handle(w.ctx, command.CastVoteCommand{Caller: "bob", ProposalID: created.Proposal.ID, InFavor: true})
	require.NoError(t, err)

	got, err := w.queries.GetProposal.Handle(w.ctx, query.GetProposalQuery{ProposalID: created.Proposal.ID})
	require.NoError(t, err)
	assert.Equal(t, "add_resource", got.Type)
	assert.Equal(t, "pending", got.Status)
	assert.False(t, got.Executable)
	if diff := cmp.Diff([]query.VoteDTO{{Voter: "bob", InFavor: true}}, got.Votes); diff != "" {
		t.Errorf("votes mismatch (-want +got):\n%s", diff)
	}

	w.clock.Advance(7 * 24 * time.Hour)
	got, err = w.queries.GetProposal.Handle(w.ctx, query.GetProposalQuery{ProposalID: created.Proposal.ID})
	require.NoError(t, err)
	assert.True(t, got.Executable)

	pending, err := w.queries.ListProposals.Handle(w.ctx, query.ListProposalsQuery{GroupID: w.cs, Status: governance.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	executed, err := w.queries.ListProposals.Handle(w.ctx, query.ListProposalsQuery{GroupID: w.cs, Status: governance.StatusExecuted})
	require.NoError(t, err)
	assert.Empty(t, executed)

	_, err = w.queries.ListProposals.Handle(w.ctx, query.ListProposalsQuery{GroupID: w.cs, Status: "bogus"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = w.queries.GetProposal.Handle(w.ctx, query.GetProposalQuery{ProposalID: shared.ProposalID{GroupID: w.cs, Seq: 9}})
	assert.ErrorIs(t, err, shared.ErrProposalNotFound)
}

type stubBoard struct {
	entries []query.ScoreEntry
	err     error
}

func (s stubBoard) Top(context.Context, uint64, int) ([]query.ScoreEntry, error) {
	return s.entries, s.err
}

func TestScoreboard(t *testing.T) {
	want := []query.ScoreEntry{
		{Rank: 1, Member: "alice", Score: 25},
		{Rank: 2, Member: "bob", Score: 10},
	}

	t.Run("computed from profiles", func(t *testing.T) {
		w := newWorld(t, nil)
		res, err := w.queries.GetScoreboard.Handle(w.ctx, query.GetScoreboardQuery{GroupID: w.cs})
		require.NoError(t, err)
		assert.Equal(t, "profiles", res.Source)
		assert.Equal(t, want, res.Entries)
	})

	t.Run("projection", func(t *testing.T) {
		board := stubBoard{entries: []query.ScoreEntry{{Rank: 1, Member: "x", Score: 1}}}
		w := newWorld(t, board)
		res, err := w.queries.GetScoreboard.Handle(w.ctx, query.GetScoreboardQuery{GroupID: w.cs})
		require.NoError(t, err)
		assert.Equal(t, "projection", res.Source)
		assert.Equal(t, board.entries, res.Entries)
	})

	t.Run("projection failure falls back", func(t *testing.T) {
		w := newWorld(t, stubBoard{err: errors.New("redis down")})
		res, err := w.queries.GetScoreboard.Handle(w.ctx, query.GetScoreboardQuery{GroupID: w.cs, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, "profiles", res.Source)
		assert.Equal(t, want[:1], res.Entries)
	})
}

func TestRankProfiles_TieBreak(t *testing.T) {
	profiles := []*membership.Profile{
		{Member: "late", ParticipationScore: 30, JoinDate: 20, IsActive: true},
		{Member: "gone", ParticipationScore: 99, JoinDate: 1, IsActive: false},
		{Member: "early", ParticipationScore: 30, JoinDate: 10, IsActive: true},
		{Member: "b", ParticipationScore: 5, JoinDate: 10, IsActive: true},
		{Member: "a", ParticipationScore: 5, JoinDate: 10, IsActive: true},
	}
	got := query.RankProfiles(profiles, 0)
	assert.Equal(t, []query.ScoreEntry{
		{Rank: 1, Member: "early", Score: 30},
		{Rank: 2, Member: "late", Score: 30},
		{Rank: 3, Member: "a", Score: 5},
		{Rank: 4, Member: "b", Score: 5},
	}, got)
}

func TestRegistryStatus(t *testing.T) {
	w := newWorld(t, nil)
	status, err := w.queries.GetRegistryStatus.Handle(w.ctx)
	require.NoError(t, err)
	assert.True(t, status.Initialized)
	assert.Equal(t, uint64(3), status.TotalGroups)
	assert.Equal(t, uint64(3), status.TotalMembers)

	empty, err := query.NewHandlers(query.Deps{Repos: memory.NewStore(), Clock: w.clock})
	require.NoError(t, err)
	status, err = empty.GetRegistryStatus.Handle(w.ctx)
	require.NoError(t, err)
	assert.False(t, status.Initialized)
}
