package eventhandler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/application/eventhandler"
	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/reputation"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/messaging"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/memory"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/rail"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

type boardKey struct {
	group  uint64
	member shared.AccountID
}

type fakeBoard struct {
	mu       sync.Mutex
	scores   map[boardKey]uint32
	replaced map[uint64][]query.ScoreEntry
	failFor  uint64
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		scores:   map[boardKey]uint32{},
		replaced: map[uint64][]query.ScoreEntry{},
		failFor:  ^uint64(0),
	}
}

func (b *fakeBoard) SetScore(_ context.Context, groupID uint64, member shared.AccountID, score uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores[boardKey{groupID, member}] = score
	return nil
}

func (b *fakeBoard) Remove(_ context.Context, groupID uint64, member shared.AccountID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scores, boardKey{groupID, member})
	return nil
}

func (b *fakeBoard) Replace(_ context.Context, groupID uint64, entries []query.ScoreEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if groupID == b.failFor {
		return errors.New("replace failed")
	}
	b.replaced[groupID] = entries
	return nil
}

func (b *fakeBoard) score(groupID uint64, member shared.AccountID) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.scores[boardKey{groupID, member}]
	return s, ok
}

type setup struct {
	ctx       context.Context
	store     *memory.Store
	commands  *command.Handlers
	board     *fakeBoard
	projector *eventhandler.ScoreboardProjector
	groupID   uint64
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	ctx := context.Background()
	custodian, err := ledger.NewCustodian([]byte("projector-key"))
	require.NoError(t, err)

	s := &setup{ctx: ctx, store: memory.NewStore(), board: newFakeBoard()}
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{})
	t.Cleanup(func() { _ = bus.Close() })

	s.projector = eventhandler.NewScoreboardProjector(s.store, s.store, s.board, nil)
	require.NoError(t, s.projector.Register(bus))

	r := rail.NewMemoryRail(custodian, nil)
	for _, a := range []shared.AccountID{"alice", "bob", "sponsor"} {
		r.Credit(a, 100_000_000)
	}
	s.commands, err = command.NewHandlers(command.Deps{
		Store:     s.store,
		Rail:      r,
		Custodian: custodian,
		Clock:     timeutil.NewManualClock(50 * timeutil.SecondsPerDay),
		Rules:     shared.DefaultRules(),
		Events:    bus,
	})
	require.NoError(t, err)

	_, err = s.commands.InitializeRegistry.Handle(ctx, command.InitializeRegistryCommand{Admin: "admin"})
	require.NoError(t, err)
	res, err := s.commands.CreateGroup.Handle(ctx, command.CreateGroupCommand{
		Caller:           "creator",
		Name:             "Algorithms",
		Subject:          "cs",
		Description:      "problem sets",
		StakeRequirement: 10_000_000,
		MaxMembers:       4,
		DurationDays:     14,
	})
	require.NoError(t, err)
	s.groupID = res.Group.ID
	return s
}

func TestScoreboardProjector_FollowsScores(t *testing.T) {
	s := newSetup(t)

	_, err := s.commands.JoinGroup.Handle(s.ctx, command.JoinGroupCommand{Caller: "alice", GroupID: s.groupID})
	require.NoError(t, err)
	score, ok := s.board.score(s.groupID, "alice")
	require.True(t, ok, "joined member appears with zero score")
	assert.Zero(t, score)

	_, err = s.commands.CheckIn.Handle(s.ctx, command.CheckInCommand{Caller: "alice", GroupID: s.groupID})
	require.NoError(t, err)
	score, _ = s.board.score(s.groupID, "alice")
	assert.Equal(t, uint32(10), score)

	_, err = s.commands.TipMember.Handle(s.ctx, command.TipMemberCommand{
		Caller:    "sponsor",
		GroupID:   s.groupID,
		Recipient: "alice",
		Amount:    5_000_000,
		Category:  reputation.CategoryKnowledgeable,
	})
	require.NoError(t, err)
	score, _ = s.board.score(s.groupID, "alice")
	assert.Equal(t, uint32(30), score)

	_, err = s.commands.JoinGroup.Handle(s.ctx, command.JoinGroupCommand{Caller: "bob", GroupID: s.groupID})
	require.NoError(t, err)
	_, err = s.commands.LeaveGroup.Handle(s.ctx, command.LeaveGroupCommand{Caller: "alice", GroupID: s.groupID})
	require.NoError(t, err)
	_, ok = s.board.score(s.groupID, "alice")
	assert.False(t, ok, "departed member is removed")
	_, ok = s.board.score(s.groupID, "bob")
	assert.True(t, ok)
}

func TestScoreboardProjector_IgnoresOtherEvents(t *testing.T) {
	s := newSetup(t)
	assert.NoError(t, s.projector.Handle(shared.NewRegistryInitializedEvent("admin", 1)))
	assert.NoError(t, s.projector.Handle(shared.NewGroupCreatedEvent(9, "creator", "x", 1, 1)))
}

func TestScoreboardProjector_RebuildAll(t *testing.T) {
	s := newSetup(t)
	for _, m := range []shared.AccountID{"alice", "bob"} {
		_, err := s.commands.JoinGroup.Handle(s.ctx, command.JoinGroupCommand{Caller: m, GroupID: s.groupID})
		require.NoError(t, err)
	}
	_, err := s.commands.CheckIn.Handle(s.ctx, command.CheckInCommand{Caller: "bob", GroupID: s.groupID})
	require.NoError(t, err)

	n, err := s.projector.RebuildAll(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []query.ScoreEntry{
		{Rank: 1, Member: "bob", Score: 10},
		{Rank: 2, Member: "alice", Score: 0},
	}, s.board.replaced[s.groupID])

	s.board.failFor = s.groupID
	n, err = s.projector.RebuildAll(s.ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
}
