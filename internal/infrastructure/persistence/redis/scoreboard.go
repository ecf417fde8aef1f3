package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// scoreClient is the part of the client the scoreboard needs.
type scoreClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
}

// Scoreboard keeps one sorted set per group, member -> participation score.
type Scoreboard struct {
	client scoreClient
	prefix string
}

// NewScoreboard creates a scoreboard under cfg.KeyPrefix.
func NewScoreboard(client scoreClient, cfg Config) *Scoreboard {
	return &Scoreboard{client: client, prefix: cfg.KeyPrefix}
}

// Key returns the sorted set key of a group.
func (s *Scoreboard) Key(groupID uint64) string {
	return fmt.Sprintf("%sscoreboard:%d", s.prefix, groupID)
}

// SetScore records the member's current score.
func (s *Scoreboard) SetScore(ctx context.Context, groupID uint64, member shared.AccountID, score uint32) error {
	return s.client.ZAdd(ctx, s.Key(groupID), redis.Z{Score: float64(score), Member: member.String()}).Err()
}

// Remove drops a member, typically after they left.
func (s *Scoreboard) Remove(ctx context.Context, groupID uint64, member shared.AccountID) error {
	return s.client.ZRem(ctx, s.Key(groupID), member.String()).Err()
}

// Replace swaps the whole set. The new set is built under a temporary key
// and renamed over the live one so readers never see a partial board.
func (s *Scoreboard) Replace(ctx context.Context, groupID uint64, entries []query.ScoreEntry) error {
	key := s.Key(groupID)
	if len(entries) == 0 {
		return s.client.Del(ctx, key).Err()
	}

	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		members = append(members, redis.Z{Score: float64(e.Score), Member: e.Member.String()})
	}
	tmp := key + ":rebuild"
	if err := s.client.Del(ctx, tmp).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", tmp, err)
	}
	if err := s.client.ZAdd(ctx, tmp, members...).Err(); err != nil {
		return fmt.Errorf("fill %s: %w", tmp, err)
	}
	if err := s.client.Rename(ctx, tmp, key).Err(); err != nil {
		return fmt.Errorf("swap %s: %w", key, err)
	}
	return nil
}

// Top implements query.Scoreboard. Equal scores are ordered by account id.
func (s *Scoreboard) Top(ctx context.Context, groupID uint64, limit int) ([]query.ScoreEntry, error) {
	if limit <= 0 {
		return []query.ScoreEntry{}, nil
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, s.Key(groupID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("scoreboard %d: %w", groupID, err)
	}

	entries := make([]query.ScoreEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("scoreboard %d: unexpected member %T", groupID, z.Member)
		}
		entries = append(entries, query.ScoreEntry{Member: shared.AccountID(member), Score: uint32(z.Score)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
