package command_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/ledger"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/reputation"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/memory"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/rail"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

const (
	day   = 24 * time.Hour
	stake = shared.Amount(10_000_000)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
	fail   error
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.fail
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	rail      *rail.MemoryRail
	custodian *ledger.Custodian
	clock     *timeutil.ManualClock
	events    *recordingPublisher
	handlers  *command.Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	custodian, err := ledger.NewCustodian([]byte("fixture-custody-key"))
	require.NoError(t, err)

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     memory.NewStore(),
		rail:      rail.NewMemoryRail(custodian, nil),
		custodian: custodian,
		clock:     timeutil.NewManualClock(100*timeutil.SecondsPerDay + 3600),
		events:    &recordingPublisher{},
	}
	f.handlers, err = command.NewHandlers(command.Deps{
		Store:     f.store,
		Rail:      f.rail,
		Custodian: custodian,
		Clock:     f.clock,
		Rules:     shared.DefaultRules(),
		Events:    f.events,
	})
	require.NoError(t, err)

	_, err = f.handlers.InitializeRegistry.Handle(f.ctx, command.InitializeRegistryCommand{Admin: "admin"})
	require.NoError(t, err)
	return f
}

func (f *fixture) createGroup(maxMembers uint8) uint64 {
	f.t.Helper()
	res, err := f.handlers.CreateGroup.Handle(f.ctx, command.CreateGroupCommand{
		Caller:           "creator",
		Name:             "Distributed Systems",
		Subject:          "cs",
		Description:      "one paper a week",
		StakeRequirement: stake,
		MaxMembers:       maxMembers,
		DurationDays:     30,
	})
	require.NoError(f.t, err)
	return res.Group.ID
}

func (f *fixture) fund(member shared.AccountID) {
	f.rail.Credit(member, 20_000_000)
}

func (f *fixture) join(groupID uint64, member shared.AccountID) {
	f.t.Helper()
	f.fund(member)
	_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member, GroupID: groupID})
	require.NoError(f.t, err)
}

func (f *fixture) profile(groupID uint64, member shared.AccountID) *membership.Profile {
	f.t.Helper()
	p, err := f.store.GetProfile(f.ctx, membership.Key{GroupID: groupID, Member: member})
	require.NoError(f.t, err)
	return p
}

// drainPool empties a group's pool on the rail behind the store's back, so
// the next pool transfer fails.
func (f *fixture) drainPool(groupID uint64) {
	f.t.Helper()
	pool := ledger.PoolAccount(groupID)
	auth := f.custodian.AuthorityFor(groupID)
	err := f.rail.Transfer(f.ctx, ledger.Transfer{
		From:       pool,
		To:         "elsewhere",
		Amount:     f.rail.Balance(pool),
		Authorizer: pool,
		Authority:  &auth,
	})
	require.NoError(f.t, err)
}

func member(i int) shared.AccountID {
	return shared.AccountID(fmt.Sprintf("member-%d", i))
}

// ══════════════════════════════════════════════════════════════════════════════
// END TO END
// ══════════════════════════════════════════════════════════════════════════════

func TestScenario_JoinStreakClaim(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(10)

	for i := 0; i < 5; i++ {
		f.join(groupID, member(i))
	}

	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, shared.Amount(50_000_000), g.RewardPool)
	assert.Equal(t, uint8(5), g.CurrentMembers)
	assert.Equal(t, stake*5, f.rail.Balance(ledger.PoolAccount(groupID)))

	for d := 0; d < 7; d++ {
		res, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
		require.NoError(t, err)
		assert.Equal(t, uint32(d+1), res.Streak)
		f.clock.Advance(day)
	}
	assert.Equal(t, uint32(90), f.profile(groupID, member(0)).ParticipationScore)

	claim, err := f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, shared.Amount(4_500_000), claim.Amount)
	assert.Equal(t, shared.Amount(50_000_000), claim.RewardPool)
	assert.Equal(t, shared.Amount(14_500_000), f.rail.Balance(member(0)))

	reg, err := f.store.GetRegistry(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reg.TotalGroups)
	assert.Equal(t, uint64(5), reg.TotalMembers)
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY AND GROUPS
// ══════════════════════════════════════════════════════════════════════════════

func TestInitializeRegistry_Once(t *testing.T) {
	f := newFixture(t)
	_, err := f.handlers.InitializeRegistry.Handle(f.ctx, command.InitializeRegistryCommand{Admin: "someone"})
	assert.ErrorIs(t, err, shared.ErrAlreadyInitialized)
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	valid := command.CreateGroupCommand{
		Caller:           "creator",
		Name:             "Go",
		Description:      "concurrency",
		StakeRequirement: stake,
		MaxMembers:       5,
	}

	tests := []struct {
		name   string
		mutate func(*command.CreateGroupCommand)
		want   error
	}{
		{"name too long", func(c *command.CreateGroupCommand) { c.Name = strings.Repeat("a", 51) }, shared.ErrNameTooLong},
		{"name too long in bytes", func(c *command.CreateGroupCommand) { c.Name = strings.Repeat("я", 50) }, shared.ErrNameTooLong},
		{"description too long in bytes", func(c *command.CreateGroupCommand) { c.Description = strings.Repeat("я", 251) }, shared.ErrDescriptionTooLong},
		{"empty name", func(c *command.CreateGroupCommand) { c.Name = "  " }, shared.ErrEmptyName},
		{"description too long", func(c *command.CreateGroupCommand) { c.Description = fmt.Sprintf("%501s", "x") }, shared.ErrDescriptionTooLong},
		{"one member", func(c *command.CreateGroupCommand) { c.MaxMembers = 1 }, shared.ErrInvalidMaxMembers},
		{"too many members", func(c *command.CreateGroupCommand) { c.MaxMembers = 51 }, shared.ErrInvalidMaxMembers},
		{"stake too low", func(c *command.CreateGroupCommand) { c.StakeRequirement = stake - 1 }, shared.ErrStakeTooLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid
			tt.mutate(&cmd)
			_, err := f.handlers.CreateGroup.Handle(f.ctx, cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	groups, err := f.store.ListGroups(f.ctx, group.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, groups)

	res, err := f.handlers.CreateGroup.Handle(f.ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Group.ID)
	assert.Equal(t, uint8(10), res.Group.PenaltyRate)
	assert.Equal(t, stake, res.Group.StakeRequirement)

	res, err = f.handlers.CreateGroup.Handle(f.ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Group.ID)
}

func TestCreateGroup_AcceptsLimitsExactly(t *testing.T) {
	f := newFixture(t)
	cmds := []command.CreateGroupCommand{
		{Name: strings.Repeat("a", 50), Description: strings.Repeat("d", 500)},
		{Name: strings.Repeat("я", 25), Description: strings.Repeat("я", 250)},
	}
	for _, cmd := range cmds {
		cmd.Caller = "creator"
		cmd.StakeRequirement = shared.DefaultRules().MinimumStake
		cmd.MaxMembers = 50
		res, err := f.handlers.CreateGroup.Handle(f.ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, cmd.Name, res.Group.Name)
		assert.Equal(t, shared.DefaultRules().MinimumStake, res.Group.StakeRequirement)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP
// ══════════════════════════════════════════════════════════════════════════════

func TestJoin_GroupFullChangesNothing(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(2)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	f.fund(member(2))
	journal := len(f.rail.Journal())
	published := f.events.count()

	_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member(2), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrGroupFull)

	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), g.CurrentMembers)
	assert.Equal(t, shared.Amount(20_000_000), g.RewardPool)
	assert.Len(t, f.rail.Journal(), journal)
	assert.Equal(t, published, f.events.count())
}

func TestJoin_RailFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	published := f.events.count()

	_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: "broke", GroupID: groupID})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrTransferFailed)
	assert.ErrorIs(t, err, rail.ErrInsufficientFunds)

	_, err = f.store.GetProfile(f.ctx, membership.Key{GroupID: groupID, Member: "broke"})
	assert.ErrorIs(t, err, shared.ErrMemberNotFound)

	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), g.CurrentMembers)
	assert.Equal(t, shared.Amount(0), g.RewardPool)
	assert.Equal(t, published, f.events.count())
}

func TestJoin_AlreadyMemberAndRejoin(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))

	_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrAlreadyMember)

	_, err = f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	_, err = f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrAlreadyMember)
}

func TestJoin_UnknownGroup(t *testing.T) {
	f := newFixture(t)
	_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member(0), GroupID: 42})
	assert.ErrorIs(t, err, shared.ErrGroupNotFound)
}

func TestJoin_ConcurrentCallersRespectCapacity(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(4)

	const callers = 16
	for i := 0; i < callers; i++ {
		f.fund(member(i))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.handlers.JoinGroup.Handle(f.ctx, command.JoinGroupCommand{Caller: member(i), GroupID: groupID})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, shared.ErrGroupFull):
			full++
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, callers-4, full)

	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), g.CurrentMembers)
	assert.Equal(t, stake*4, g.RewardPool)
	assert.Equal(t, stake*4, f.rail.Balance(ledger.PoolAccount(groupID)))
}

func TestCheckIn_StreakLaw(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	checkIn := func() (*command.CheckInResult, error) {
		return f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	}

	res, err := checkIn()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.Streak)

	before := f.profile(groupID, member(0))
	f.clock.Advance(time.Hour)
	_, err = checkIn()
	assert.ErrorIs(t, err, shared.ErrAlreadyCheckedInToday)
	assert.Equal(t, before, f.profile(groupID, member(0)))

	f.clock.Advance(day)
	res, err = checkIn()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), res.Streak)

	f.clock.Advance(2 * day)
	res, err = checkIn()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.Streak)

	p := f.profile(groupID, member(0))
	assert.Equal(t, uint32(3), p.CheckInCount)
	assert.Equal(t, uint32(30), p.ParticipationScore)
}

func TestCheckIn_BonusFromDaySeven(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))

	var awarded []uint32
	for d := 0; d < 9; d++ {
		res, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
		require.NoError(t, err)
		awarded = append(awarded, res.Awarded)
		f.clock.Advance(day)
	}
	assert.Equal(t, []uint32{10, 10, 10, 10, 10, 10, 30, 30, 30}, awarded)
}

func TestLeave_RefundAndPool(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	res, err := f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, shared.Amount(1_000_000), res.Penalty)
	assert.Equal(t, shared.Amount(9_000_000), res.Refund)
	assert.Equal(t, shared.Amount(10_000_000), res.RewardPool)
	assert.Equal(t, shared.Amount(19_000_000), f.rail.Balance(member(0)))
	assert.Equal(t, shared.Amount(11_000_000), f.rail.Balance(ledger.PoolAccount(groupID)))

	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), g.CurrentMembers)

	p := f.profile(groupID, member(0))
	assert.False(t, p.IsActive)

	_, err = f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrMemberNotActive)

	_, err = f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrMemberNotActive)
}

func TestLeave_RailFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))
	f.drainPool(groupID)

	before := f.profile(groupID, member(0))
	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	journal := len(f.rail.Journal())
	published := f.events.count()

	_, err = f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrTransferFailed)
	assert.ErrorIs(t, err, rail.ErrInsufficientFunds)

	after, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, g, after)
	assert.Equal(t, before, f.profile(groupID, member(0)))
	assert.True(t, f.profile(groupID, member(0)).IsActive)
	assert.Len(t, f.rail.Journal(), journal)
	assert.Equal(t, published, f.events.count())
}

// ══════════════════════════════════════════════════════════════════════════════
// REPUTATION
// ══════════════════════════════════════════════════════════════════════════════

func TestTip_ScoreIndependentOfAmount(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.rail.Credit("sponsor", 1_000_000_000)

	weights := map[reputation.TipCategory]uint32{
		reputation.CategoryHelpful:       15,
		reputation.CategoryKnowledgeable: 20,
		reputation.CategoryMotivational:  10,
		reputation.CategoryCollaborative: 12,
	}
	for _, category := range reputation.AllCategories() {
		for _, amount := range []shared.Amount{1_000_000, 55_555_555, 100_000_000} {
			before := f.profile(groupID, member(0)).ParticipationScore
			res, err := f.handlers.TipMember.Handle(f.ctx, command.TipMemberCommand{
				Caller:    "sponsor",
				GroupID:   groupID,
				Recipient: member(0),
				Amount:    amount,
				Category:  category,
			})
			require.NoError(t, err)
			assert.Equal(t, weights[category], res.Points)
			assert.Equal(t, before+weights[category], res.ParticipationScore)
		}
	}
	assert.Equal(t, uint32(12), f.profile(groupID, member(0)).TipsReceivedCount)
}

func TestTip_Rejections(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.rail.Credit("sponsor", 1_000_000_000)

	tests := []struct {
		name string
		cmd  command.TipMemberCommand
		want error
	}{
		{"too small", command.TipMemberCommand{Caller: "sponsor", Recipient: member(0), Amount: 999_999, Category: reputation.CategoryHelpful}, shared.ErrTipTooSmall},
		{"too large", command.TipMemberCommand{Caller: "sponsor", Recipient: member(0), Amount: 100_000_001, Category: reputation.CategoryHelpful}, shared.ErrTipTooLarge},
		{"self tip", command.TipMemberCommand{Caller: member(0), Recipient: member(0), Amount: 1_000_000, Category: reputation.CategoryHelpful}, shared.ErrSelfTip},
		{"bad category", command.TipMemberCommand{Caller: "sponsor", Recipient: member(0), Amount: 1_000_000, Category: "generous"}, shared.ErrInvalidTipCategory},
		{"not a member", command.TipMemberCommand{Caller: "sponsor", Recipient: "stranger", Amount: 1_000_000, Category: reputation.CategoryHelpful}, shared.ErrMemberNotFound},
	}
	before := f.profile(groupID, member(0))
	journal := len(f.rail.Journal())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.GroupID = groupID
			_, err := f.handlers.TipMember.Handle(f.ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, before, f.profile(groupID, member(0)))
	assert.Len(t, f.rail.Journal(), journal)
}

func TestTip_InactiveRecipient(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))
	f.rail.Credit("sponsor", 1_000_000_000)

	_, err := f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	before := f.profile(groupID, member(0))
	journal := len(f.rail.Journal())
	_, err = f.handlers.TipMember.Handle(f.ctx, command.TipMemberCommand{
		Caller:    "sponsor",
		GroupID:   groupID,
		Recipient: member(0),
		Amount:    1_000_000,
		Category:  reputation.CategoryHelpful,
	})
	assert.ErrorIs(t, err, shared.ErrMemberNotActive)
	assert.Equal(t, before, f.profile(groupID, member(0)))
	assert.Len(t, f.rail.Journal(), journal)
	assert.Equal(t, shared.Amount(1_000_000_000), f.rail.Balance("sponsor"))
}

func TestTip_PoolCannotBeSpentAsSender(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	pool := ledger.PoolAccount(groupID)
	balance := f.rail.Balance(pool)
	before := f.profile(groupID, member(1))
	journal := len(f.rail.Journal())

	_, err := f.handlers.TipMember.Handle(f.ctx, command.TipMemberCommand{
		Caller:    pool,
		GroupID:   groupID,
		Recipient: member(1),
		Amount:    5_000_000,
		Category:  reputation.CategoryKnowledgeable,
	})
	assert.ErrorIs(t, err, shared.ErrTransferFailed)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.Equal(t, balance, f.rail.Balance(pool))
	assert.Equal(t, before, f.profile(groupID, member(1)))
	assert.Len(t, f.rail.Journal(), journal)
}

// ══════════════════════════════════════════════════════════════════════════════
// GOVERNANCE
// ══════════════════════════════════════════════════════════════════════════════

func openProposal(t *testing.T, f *fixture, groupID uint64) shared.ProposalID {
	t.Helper()
	res, err := f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller:      member(0),
		GroupID:     groupID,
		Type:        governance.TypeUpdateSchedule,
		Description: "move sessions to Tuesday",
	})
	require.NoError(t, err)
	return res.Proposal.ID
}

func vote(f *fixture, id shared.ProposalID, voter shared.AccountID, inFavor bool) error {
	_, err := f.handlers.CastVote.Handle(f.ctx, command.CastVoteCommand{Caller: voter, ProposalID: id, InFavor: inFavor})
	return err
}

func TestGovernance_ExecutedLifecycle(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(10)
	for i := 0; i < 5; i++ {
		f.join(groupID, member(i))
	}

	id := openProposal(t, f, groupID)
	assert.Equal(t, shared.ProposalID{GroupID: groupID, Seq: 1}, id)

	p, err := f.store.GetProposal(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), p.RequiredThreshold)

	for i := 0; i < 3; i++ {
		require.NoError(t, vote(f, id, member(i), true))
	}
	require.NoError(t, vote(f, id, member(3), false))
	assert.ErrorIs(t, vote(f, id, member(0), false), shared.ErrAlreadyVoted)
	assert.ErrorIs(t, vote(f, id, "outsider", true), shared.ErrNotGroupMember)

	_, err = f.handlers.ExecuteProposal.Handle(f.ctx, command.ExecuteProposalCommand{ProposalID: id})
	assert.ErrorIs(t, err, shared.ErrVotingStillActive)

	f.clock.Advance(7 * day)
	assert.ErrorIs(t, vote(f, id, member(4), true), shared.ErrVotingPeriodEnded)

	res, err := f.handlers.ExecuteProposal.Handle(f.ctx, command.ExecuteProposalCommand{ProposalID: id})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, res.Status)
	assert.Equal(t, uint32(3), res.VotesFor)
	assert.Equal(t, uint32(1), res.VotesAgainst)

	_, err = f.handlers.ExecuteProposal.Handle(f.ctx, command.ExecuteProposalCommand{ProposalID: id})
	assert.ErrorIs(t, err, shared.ErrProposalAlreadyExecuted)

	assert.Equal(t, uint32(1), f.profile(groupID, member(0)).VotesCast)
	assert.Contains(t, f.events.types(), shared.EventProposalExecuted)
}

func TestGovernance_RejectedBelowThreshold(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(10)
	for i := 0; i < 5; i++ {
		f.join(groupID, member(i))
	}
	id := openProposal(t, f, groupID)
	require.NoError(t, vote(f, id, member(0), true))
	require.NoError(t, vote(f, id, member(1), true))

	f.clock.Advance(7 * day)
	res, err := f.handlers.ExecuteProposal.Handle(f.ctx, command.ExecuteProposalCommand{ProposalID: id})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusRejected, res.Status)
	assert.Contains(t, f.events.types(), shared.EventProposalRejected)

	assert.ErrorIs(t, vote(f, id, member(2), true), shared.ErrVotingPeriodEnded)
}

func TestGovernance_TieIsRejected(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(10)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	id := openProposal(t, f, groupID)
	p, err := f.store.GetProposal(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.RequiredThreshold)

	require.NoError(t, vote(f, id, member(0), true))
	require.NoError(t, vote(f, id, member(1), false))

	f.clock.Advance(7 * day)
	res, err := f.handlers.ExecuteProposal.Handle(f.ctx, command.ExecuteProposalCommand{ProposalID: id})
	require.NoError(t, err)
	assert.Equal(t, governance.StatusRejected, res.Status)
	assert.Equal(t, res.VotesFor, res.VotesAgainst)
}

func TestGovernance_LeftMemberCannotVote(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))
	id := openProposal(t, f, groupID)

	_, err := f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(1), GroupID: groupID})
	require.NoError(t, err)

	assert.ErrorIs(t, vote(f, id, member(1), true), shared.ErrMemberNotActive)

	p, err := f.store.GetProposal(f.ctx, id)
	require.NoError(t, err)
	assert.Zero(t, p.VotesFor)
	assert.False(t, p.HasVoted(member(1)))
	assert.Zero(t, f.profile(groupID, member(1)).VotesCast)
}

func TestGovernance_ProposalIDsAreSequential(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))

	first := openProposal(t, f, groupID)
	second := openProposal(t, f, groupID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestGovernance_CreateRejections(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))

	_, err := f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller: member(0), GroupID: groupID, Type: governance.TypeAddResource, Description: fmt.Sprintf("%1001s", "x"),
	})
	assert.ErrorIs(t, err, shared.ErrProposalDescriptionTooLong)

	_, err = f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller: member(0), GroupID: groupID, Type: governance.TypeAddResource, Description: strings.Repeat("я", 501),
	})
	assert.ErrorIs(t, err, shared.ErrProposalDescriptionTooLong)

	res, err := f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller: member(0), GroupID: groupID, Type: governance.TypeAddResource, Description: strings.Repeat("x", 1000),
	})
	require.NoError(t, err)
	assert.Len(t, res.Proposal.Description, 1000)

	_, err = f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller: member(0), GroupID: groupID, Type: "dissolve",
	})
	assert.ErrorIs(t, err, shared.ErrInvalidProposalType)

	_, err = f.handlers.CreateProposal.Handle(f.ctx, command.CreateProposalCommand{
		Caller: "outsider", GroupID: groupID, Type: governance.TypeAddResource,
	})
	assert.ErrorIs(t, err, shared.ErrNotGroupMember)
}

// ══════════════════════════════════════════════════════════════════════════════
// REWARDS
// ══════════════════════════════════════════════════════════════════════════════

func TestClaim_NoScoreNoTransfer(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	journal := len(f.rail.Journal())

	_, err := f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrNoRewardsAvailable)
	assert.Len(t, f.rail.Journal(), journal)
}

func TestClaim_WatermarkPreventsReclaim(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	_, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	res, err := f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, shared.Amount(200_000), res.Amount)
	assert.Equal(t, uint32(10), res.ScoreBasis)

	_, err = f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrNoRewardsAvailable)

	f.clock.Advance(day)
	_, err = f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	res, err = f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	assert.Equal(t, shared.Amount(200_000), res.Amount)
	assert.Equal(t, shared.Amount(400_000), res.TotalClaims)
}

func TestClaim_RailFailureKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	_, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	f.drainPool(groupID)

	before := f.profile(groupID, member(0))
	g, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	journal := len(f.rail.Journal())
	published := f.events.count()

	_, err = f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrTransferFailed)

	after, err := f.store.GetGroup(f.ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, g, after)
	assert.Equal(t, before, f.profile(groupID, member(0)))
	assert.Equal(t, uint32(10), f.profile(groupID, member(0)).UnclaimedScore())
	assert.Len(t, f.rail.Journal(), journal)
	assert.Equal(t, published, f.events.count())
}

func TestClaim_InactiveMember(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	f.join(groupID, member(1))

	_, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)
	_, err = f.handlers.LeaveGroup.Handle(f.ctx, command.LeaveGroupCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	_, err = f.handlers.ClaimRewards.Handle(f.ctx, command.ClaimRewardsCommand{Caller: member(0), GroupID: groupID})
	assert.ErrorIs(t, err, shared.ErrMemberNotActive)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestEvents_EmittedAfterCommitInOrder(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.join(groupID, member(0))
	_, err := f.handlers.CheckIn.Handle(f.ctx, command.CheckInCommand{Caller: member(0), GroupID: groupID})
	require.NoError(t, err)

	assert.Equal(t, []shared.EventType{
		shared.EventRegistryInitialized,
		shared.EventGroupCreated,
		shared.EventMemberJoined,
		shared.EventDailyCheckInRecorded,
	}, f.events.types())
}

func TestEvents_SinkFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	groupID := f.createGroup(5)
	f.events.fail = errors.New("sink down")

	f.join(groupID, member(0))
	assert.True(t, f.profile(groupID, member(0)).IsActive)
}
