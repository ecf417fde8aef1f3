// Package eventhandler contains the reactive side of the system: handlers
// subscribed to committed domain events that keep read models current.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/group"
	"github.com/studycircle/studycircle-hub/internal/domain/membership"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// SCOREBOARD PROJECTOR
// Mirrors participation scores into the scoreboard. Every event that can
// change a score makes the projector re-read the profile and write its
// current score, so replays and reordering are harmless.
// ═══════════════════════════════════════════════════════════════════════════

// ScoreWriter is the write side of a scoreboard.
type ScoreWriter interface {
	SetScore(ctx context.Context, groupID uint64, member shared.AccountID, score uint32) error
	Remove(ctx context.Context, groupID uint64, member shared.AccountID) error
	Replace(ctx context.Context, groupID uint64, entries []query.ScoreEntry) error
}

// ScoreboardProjector keeps a ScoreWriter in sync with member profiles.
type ScoreboardProjector struct {
	groups   group.Repository
	profiles membership.Repository
	board    ScoreWriter
	log      *logger.Logger
	timeout  time.Duration
}

// NewScoreboardProjector creates the projector.
func NewScoreboardProjector(groups group.Repository, profiles membership.Repository, board ScoreWriter, log *logger.Logger) *ScoreboardProjector {
	if log == nil {
		log = logger.Nop()
	}
	return &ScoreboardProjector{
		groups:   groups,
		profiles: profiles,
		board:    board,
		log:      log.With(logger.Component("scoreboard_projector")),
		timeout:  5 * time.Second,
	}
}

// Register subscribes the projector to the events that move scores.
func (p *ScoreboardProjector) Register(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{
		shared.EventMemberJoined,
		shared.EventDailyCheckInRecorded,
		shared.EventMemberTipped,
		shared.EventMemberLeft,
	} {
		if err := bus.Subscribe(t, p.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// Handle implements shared.EventHandler.
func (p *ScoreboardProjector) Handle(event shared.Event) error {
	var key membership.Key
	switch e := event.(type) {
	case shared.MemberJoinedEvent:
		key = membership.Key{GroupID: e.GroupID, Member: e.Member}
	case shared.DailyCheckInRecordedEvent:
		key = membership.Key{GroupID: e.GroupID, Member: e.Member}
	case shared.MemberTippedEvent:
		key = membership.Key{GroupID: e.GroupID, Member: e.Recipient}
	case shared.MemberLeftEvent:
		key = membership.Key{GroupID: e.GroupID, Member: e.Member}
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.Refresh(ctx, key)
}

// Refresh writes the profile's current score, or removes the member when
// the profile is gone or inactive.
func (p *ScoreboardProjector) Refresh(ctx context.Context, key membership.Key) error {
	profile, err := p.profiles.GetProfile(ctx, key)
	if errors.Is(err, shared.ErrMemberNotFound) {
		return p.board.Remove(ctx, key.GroupID, key.Member)
	}
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if !profile.IsActive {
		return p.board.Remove(ctx, key.GroupID, key.Member)
	}
	return p.board.SetScore(ctx, key.GroupID, key.Member, profile.ParticipationScore)
}

// RebuildAll recomputes every group's board from profiles and returns the
// number of groups written. A failing group is logged and skipped.
func (p *ScoreboardProjector) RebuildAll(ctx context.Context) (int, error) {
	const pageSize = 200
	rebuilt := 0
	var failed []error

	for offset := 0; ; offset += pageSize {
		groups, err := p.groups.ListGroups(ctx, group.ListOptions{Offset: offset, Limit: pageSize})
		if err != nil {
			return rebuilt, fmt.Errorf("list groups: %w", err)
		}
		for _, g := range groups {
			if err := p.rebuildGroup(ctx, g.ID); err != nil {
				p.log.Warn("scoreboard rebuild failed", logger.GroupID(g.ID), logger.Err(err))
				failed = append(failed, fmt.Errorf("group %d: %w", g.ID, err))
				continue
			}
			rebuilt++
		}
		if len(groups) < pageSize {
			break
		}
	}

	p.log.Info("scoreboards rebuilt", logger.Int("groups", rebuilt), logger.Int("failed", len(failed)))
	return rebuilt, errors.Join(failed...)
}

func (p *ScoreboardProjector) rebuildGroup(ctx context.Context, groupID uint64) error {
	profiles, err := p.profiles.ListProfilesByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	return p.board.Replace(ctx, groupID, query.RankProfiles(profiles, 0))
}
