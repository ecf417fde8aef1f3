package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/config"
	"github.com/studycircle/studycircle-hub/internal/application/command"
	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
	"github.com/studycircle/studycircle-hub/pkg/timeutil"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name:        "studycircle-test",
			Environment: config.EnvDevelopment,
			Version:     "test",
			Location:    time.UTC,
		},
		HTTP: config.HTTPConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: 5 * time.Second,
			MaxBodyBytes:   64 << 10,
		},
		Auth: config.AuthConfig{
			Secret:   "0123456789abcdef0123456789abcdef",
			Issuer:   "studycircle-test",
			TokenTTL: time.Hour,
		},
		Ledger: config.LedgerConfig{
			CustodyKey: "custody-key",
			RailMode:   config.RailMemory,
			DevBalances: map[string]uint64{
				"alice": 20_000_000,
				"bob":   20_000_000,
			},
		},
		Rules: shared.DefaultRules(),
		Scheduler: config.SchedulerConfig{
			SweepProposalsSpec:    "@every 5m",
			RebuildScoreboardSpec: "@every 1h",
			JobTimeout:            time.Minute,
			SweepBatchSize:        10,
			SweepMaxBatches:       2,
			SweepCaller:           "scheduler",
		},
		Events:   config.EventsConfig{Async: false, WorkerPoolSize: 1},
		Features: config.NewFeatureFlags(),
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *timeutil.ManualClock) {
	t.Helper()
	clock := timeutil.NewManualClock(100 * 86400)
	a, err := New(context.Background(), cfg, logger.Nop(), Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, clock
}

func TestNew_MemoryWiring(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Projector)
	require.NotNil(t, a.Commands)
	require.NotNil(t, a.Queries)

	status := a.Health.Check(context.Background())
	assert.True(t, status.Ready)
}

func TestNew_HTTPRailReportsHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.RailMode = config.RailHTTP
	cfg.Ledger.RailURL = "http://127.0.0.1:1"
	cfg.Ledger.RailRequestsPerSecond = 20
	cfg.Ledger.RailBurst = 40
	cfg.Ledger.DevBalances = nil
	a, _ := newTestApp(t, cfg)

	status := a.Health.Check(context.Background())
	require.Contains(t, status.Checks, "transfer_rail")
	assert.True(t, status.Checks["transfer_rail"].Healthy)
	assert.False(t, status.Checks["transfer_rail"].Required)
}

func TestNew_RejectsBadDevBalance(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.DevBalances = map[string]uint64{" padded ": 1}

	_, err := New(context.Background(), cfg, logger.Nop(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev balance")
}

func TestNew_PostgresWithoutURL(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Features.EnableFeature(config.FeatureStoragePostgres))

	_, err := New(context.Background(), cfg, logger.Nop(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url is not configured")
}

func TestSweeperExecutesExpiredProposal(t *testing.T) {
	a, clock := newTestApp(t, testConfig())
	ctx := context.Background()
	cmds := a.Commands

	_, err := cmds.InitializeRegistry.Handle(ctx, command.InitializeRegistryCommand{Admin: "admin"})
	require.NoError(t, err)
	created, err := cmds.CreateGroup.Handle(ctx, command.CreateGroupCommand{
		Caller:           "creator",
		Name:             "Compilers",
		Subject:          "cs",
		Description:      "dragon book",
		StakeRequirement: 10_000_000,
		MaxMembers:       5,
		DurationDays:     30,
	})
	require.NoError(t, err)
	groupID := created.Group.ID

	for _, member := range []shared.AccountID{"alice", "bob"} {
		_, err := cmds.JoinGroup.Handle(ctx, command.JoinGroupCommand{Caller: member, GroupID: groupID})
		require.NoError(t, err)
	}

	proposed, err := cmds.CreateProposal.Handle(ctx, command.CreateProposalCommand{
		Caller:      "alice",
		GroupID:     groupID,
		Type:        governance.TypeChangeTopic,
		Description: "switch to type systems",
	})
	require.NoError(t, err)
	id := proposed.Proposal.ID

	for _, voter := range []shared.AccountID{"alice", "bob"} {
		_, err := cmds.CastVote.Handle(ctx, command.CastVoteCommand{Caller: voter, ProposalID: id, InFavor: true})
		require.NoError(t, err)
	}

	sched, err := a.NewScheduler()
	require.NoError(t, err)

	// Voting still open: nothing to sweep.
	_, err = sched.RunNow(ctx, "sweep_proposals")
	require.NoError(t, err)
	dto, err := a.Queries.GetProposal.Handle(ctx, query.GetProposalQuery{ProposalID: id})
	require.NoError(t, err)
	assert.Equal(t, string(governance.StatusPending), dto.Status)

	clock.Advance(7*24*time.Hour + time.Second)
	_, err = sched.RunNow(ctx, "sweep_proposals")
	require.NoError(t, err)

	dto, err = a.Queries.GetProposal.Handle(ctx, query.GetProposalQuery{ProposalID: id})
	require.NoError(t, err)
	assert.Equal(t, string(governance.StatusExecuted), dto.Status)
}

func TestNewScheduler_RespectsFeatures(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Features.DisableFeature(config.FeatureSchedulerProposalSweeper))
	a, _ := newTestApp(t, cfg)

	sched, err := a.NewScheduler()
	require.NoError(t, err)
	// Rebuild needs the redis projection, which is off.
	assert.Empty(t, sched.ListJobs())
}

func TestNewServer_ServesHealthAndAuth(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	srv, err := a.NewServer()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/registry/initialize", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
