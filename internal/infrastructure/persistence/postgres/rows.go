package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/studycircle/studycircle-hub/internal/domain/governance"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// Unsigned domain values are stored in signed columns of the same width and
// converted back on scan, which round-trips every bit pattern.

type scanner interface {
	Scan(dest ...any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

const selectRegistrySQL = `SELECT admin, total_groups, total_members, initialized FROM registry WHERE id = 1`

// total_members is only ever moved by countMembersSQL.
const upsertRegistrySQL = `
	INSERT INTO registry (id, admin, total_groups, initialized)
	VALUES (1, $1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET
		admin = EXCLUDED.admin,
		total_groups = EXCLUDED.total_groups,
		initialized = EXCLUDED.initialized,
		updated_at = NOW()`

const countMembersSQL = `
	INSERT INTO registry (id, total_members) VALUES (1, $1)
	ON CONFLICT (id) DO UPDATE SET
		total_members = registry.total_members + EXCLUDED.total_members,
		updated_at = NOW()`

func scanRegistry(row scanner) (*group.Registry, error) {
	var (
		admin          string
		groups, member int64
		r              group.Registry
	)
	if err := row.Scan(&admin, &groups, &member, &r.Initialized); err != nil {
		return nil, err
	}
	r.Admin = shared.AccountID(admin)
	r.TotalGroups = uint64(groups)
	r.TotalMembers = uint64(member)
	return &r, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Groups
// ─────────────────────────────────────────────────────────────────────────────

const selectGroupSQL = `
	SELECT id, creator, name, subject, description, stake_requirement,
	       max_members, current_members, reward_pool, created_at, duration_days,
	       is_active, penalty_rate, proposal_count, total_rewards_claimed
	FROM study_groups`

const upsertGroupSQL = `
	INSERT INTO study_groups (
		id, creator, name, subject, description, stake_requirement,
		max_members, current_members, reward_pool, created_at, duration_days,
		is_active, penalty_rate, proposal_count, total_rewards_claimed
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		subject = EXCLUDED.subject,
		description = EXCLUDED.description,
		stake_requirement = EXCLUDED.stake_requirement,
		max_members = EXCLUDED.max_members,
		current_members = EXCLUDED.current_members,
		reward_pool = EXCLUDED.reward_pool,
		duration_days = EXCLUDED.duration_days,
		is_active = EXCLUDED.is_active,
		penalty_rate = EXCLUDED.penalty_rate,
		proposal_count = EXCLUDED.proposal_count,
		total_rewards_claimed = EXCLUDED.total_rewards_claimed,
		updated_at = NOW()`

func scanGroup(row scanner) (*group.StudyGroup, error) {
	var (
		id, stake, pool, created, proposals, claimed int64
		creator                                      string
		maxMembers, current, penalty                 int16
		duration                                     int32
		g                                            group.StudyGroup
	)
	err := row.Scan(
		&id, &creator, &g.Name, &g.Subject, &g.Description, &stake,
		&maxMembers, &current, &pool, &created, &duration,
		&g.IsActive, &penalty, &proposals, &claimed,
	)
	if err != nil {
		return nil, err
	}
	g.ID = uint64(id)
	g.Creator = shared.AccountID(creator)
	g.StakeRequirement = shared.Amount(stake)
	g.MaxMembers = uint8(maxMembers)
	g.CurrentMembers = uint8(current)
	g.RewardPool = shared.Amount(pool)
	g.CreatedAt = shared.Timestamp(created)
	g.DurationDays = uint32(duration)
	g.PenaltyRate = uint8(penalty)
	g.ProposalCount = uint64(proposals)
	g.TotalRewardsClaimed = shared.Amount(claimed)
	return &g, nil
}

func queueGroup(b *pgx.Batch, g *group.StudyGroup) {
	b.Queue(upsertGroupSQL,
		int64(g.ID), g.Creator.String(), g.Name, g.Subject, g.Description, int64(g.StakeRequirement),
		int16(g.MaxMembers), int16(g.CurrentMembers), int64(g.RewardPool), int64(g.CreatedAt), int32(g.DurationDays),
		g.IsActive, int16(g.PenaltyRate), int64(g.ProposalCount), int64(g.TotalRewardsClaimed),
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

const selectProfileSQL = `
	SELECT group_id, member, stake_amount, check_in_count, current_streak,
	       total_tips_received, tips_received_count, participation_score,
	       claimed_score, votes_cast, join_date, is_active, last_check_in, left_at
	FROM member_profiles`

const upsertProfileSQL = `
	INSERT INTO member_profiles (
		group_id, member, stake_amount, check_in_count, current_streak,
		total_tips_received, tips_received_count, participation_score,
		claimed_score, votes_cast, join_date, is_active, last_check_in, left_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (group_id, member) DO UPDATE SET
		stake_amount = EXCLUDED.stake_amount,
		check_in_count = EXCLUDED.check_in_count,
		current_streak = EXCLUDED.current_streak,
		total_tips_received = EXCLUDED.total_tips_received,
		tips_received_count = EXCLUDED.tips_received_count,
		participation_score = EXCLUDED.participation_score,
		claimed_score = EXCLUDED.claimed_score,
		votes_cast = EXCLUDED.votes_cast,
		is_active = EXCLUDED.is_active,
		last_check_in = EXCLUDED.last_check_in,
		left_at = EXCLUDED.left_at,
		updated_at = NOW()`

func scanProfile(row scanner) (*membership.Profile, error) {
	var (
		groupID, stake, tips, score, claimed, joined, lastCheckIn, leftAt int64
		checkIns, streak, tipCount, votes                                 int32
		member                                                            string
		p                                                                 membership.Profile
	)
	err := row.Scan(
		&groupID, &member, &stake, &checkIns, &streak,
		&tips, &tipCount, &score,
		&claimed, &votes, &joined, &p.IsActive, &lastCheckIn, &leftAt,
	)
	if err != nil {
		return nil, err
	}
	p.GroupID = uint64(groupID)
	p.Member = shared.AccountID(member)
	p.StakeAmount = shared.Amount(stake)
	p.CheckInCount = uint32(checkIns)
	p.CurrentStreak = uint32(streak)
	p.TotalTipsReceived = shared.Amount(tips)
	p.TipsReceivedCount = uint32(tipCount)
	p.ParticipationScore = uint32(score)
	p.ClaimedScore = uint32(claimed)
	p.VotesCast = uint32(votes)
	p.JoinDate = shared.Timestamp(joined)
	p.LastCheckIn = shared.Timestamp(lastCheckIn)
	p.LeftAt = shared.Timestamp(leftAt)
	return &p, nil
}

func queueProfile(b *pgx.Batch, p *membership.Profile) {
	b.Queue(upsertProfileSQL,
		int64(p.GroupID), p.Member.String(), int64(p.StakeAmount), int32(p.CheckInCount), int32(p.CurrentStreak),
		int64(p.TotalTipsReceived), int32(p.TipsReceivedCount), int64(p.ParticipationScore),
		int64(p.ClaimedScore), int32(p.VotesCast), int64(p.JoinDate), p.IsActive, int64(p.LastCheckIn), int64(p.LeftAt),
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Proposals
// ─────────────────────────────────────────────────────────────────────────────

const selectProposalSQL = `
	SELECT group_id, seq, proposer, proposal_type, description, votes_for,
	       votes_against, voting_deadline, status, required_threshold,
	       created_at, resolved_at
	FROM proposals`

const upsertProposalSQL = `
	INSERT INTO proposals (
		group_id, seq, proposer, proposal_type, description, votes_for,
		votes_against, voting_deadline, status, required_threshold,
		created_at, resolved_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (group_id, seq) DO UPDATE SET
		votes_for = EXCLUDED.votes_for,
		votes_against = EXCLUDED.votes_against,
		status = EXCLUDED.status,
		resolved_at = EXCLUDED.resolved_at`

// Votes are immutable once cast.
const insertVoteSQL = `
	INSERT INTO proposal_votes (group_id, seq, voter, in_favor)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (group_id, seq, voter) DO NOTHING`

func scanProposal(row scanner) (*governance.Proposal, error) {
	var (
		groupID, seq, deadline, created, resolved int64
		votesFor, votesAgainst, threshold         int32
		proposer, kind, status                    string
		p                                         governance.Proposal
	)
	err := row.Scan(
		&groupID, &seq, &proposer, &kind, &p.Description, &votesFor,
		&votesAgainst, &deadline, &status, &threshold,
		&created, &resolved,
	)
	if err != nil {
		return nil, err
	}
	p.ID = shared.ProposalID{GroupID: uint64(groupID), Seq: uint64(seq)}
	p.Proposer = shared.AccountID(proposer)
	p.Type = governance.ProposalType(kind)
	p.VotesFor = uint32(votesFor)
	p.VotesAgainst = uint32(votesAgainst)
	p.VotingDeadline = shared.Timestamp(deadline)
	p.Status = governance.Status(status)
	p.RequiredThreshold = uint32(threshold)
	p.CreatedAt = shared.Timestamp(created)
	p.ResolvedAt = shared.Timestamp(resolved)
	p.Voters = map[shared.AccountID]bool{}
	return &p, nil
}

func queueProposal(b *pgx.Batch, p *governance.Proposal) {
	groupID, seq := int64(p.ID.GroupID), int64(p.ID.Seq)
	b.Queue(upsertProposalSQL,
		groupID, seq, p.Proposer.String(), string(p.Type), p.Description, int32(p.VotesFor),
		int32(p.VotesAgainst), int64(p.VotingDeadline), string(p.Status), int32(p.RequiredThreshold),
		int64(p.CreatedAt), int64(p.ResolvedAt),
	)
	for _, voter := range sortedKeys(p.Voters, compareAccounts) {
		b.Queue(insertVoteSQL, groupID, seq, voter.String(), p.Voters[voter])
	}
}

func compareAccounts(a, b shared.AccountID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// loadProposal reads one proposal with its votes.
func loadProposal(ctx context.Context, q Querier, id shared.ProposalID) (*governance.Proposal, error) {
	p, err := scanProposal(q.QueryRow(ctx, selectProposalSQL+" WHERE group_id = $1 AND seq = $2",
		int64(id.GroupID), int64(id.Seq)))
	if IsNoRows(err) {
		return nil, shared.ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if err := attachVotes(ctx, q, []*governance.Proposal{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// queryProposals runs a proposal query and attaches the votes.
func queryProposals(ctx context.Context, q Querier, sql string, args ...any) ([]*governance.Proposal, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	proposals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*governance.Proposal, error) {
		return scanProposal(row)
	})
	if err != nil {
		return nil, err
	}
	if err := attachVotes(ctx, q, proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

func attachVotes(ctx context.Context, q Querier, proposals []*governance.Proposal) error {
	if len(proposals) == 0 {
		return nil
	}
	byID := make(map[shared.ProposalID]*governance.Proposal, len(proposals))
	groups := make([]int64, 0, len(proposals))
	seqs := make([]int64, 0, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
		groups = append(groups, int64(p.ID.GroupID))
		seqs = append(seqs, int64(p.ID.Seq))
	}

	rows, err := q.Query(ctx, `
		SELECT v.group_id, v.seq, v.voter, v.in_favor
		FROM proposal_votes v
		JOIN UNNEST($1::bigint[], $2::bigint[]) AS wanted(group_id, seq)
		  ON v.group_id = wanted.group_id AND v.seq = wanted.seq`, groups, seqs)
	if err != nil {
		return fmt.Errorf("load votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			groupID, seq int64
			voter        string
			inFavor      bool
		)
		if err := rows.Scan(&groupID, &seq, &voter, &inFavor); err != nil {
			return fmt.Errorf("scan vote: %w", err)
		}
		if p, ok := byID[shared.ProposalID{GroupID: uint64(groupID), Seq: uint64(seq)}]; ok {
			p.Voters[shared.AccountID(voter)] = inFavor
		}
	}
	return rows.Err()
}
