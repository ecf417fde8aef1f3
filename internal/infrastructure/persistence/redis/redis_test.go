package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studycircle/studycircle-hub/internal/application/query"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeStream struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

// fakeSets mimics sorted sets closely enough for the scoreboard.
type fakeSets struct {
	sets map[string]map[string]float64
	err  error
}

func newFakeSets() *fakeSets {
	return &fakeSets{sets: map[string]map[string]float64{}}
}

func (f *fakeSets) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	set, ok := f.sets[key]
	if !ok {
		set = map[string]float64{}
		f.sets[key] = set
	}
	for _, m := range members {
		set[m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeSets) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeSets) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	if f.err != nil {
		return redis.NewZSliceCmdResult(nil, f.err)
	}
	var zs []redis.Z
	for m, s := range f.sets[key] {
		zs = append(zs, redis.Z{Member: m, Score: s})
	}
	// Redis orders equal scores by member, descending, in reverse ranges.
	sort.Slice(zs, func(i, j int) bool {
		if zs[i].Score != zs[j].Score {
			return zs[i].Score > zs[j].Score
		}
		return zs[i].Member.(string) > zs[j].Member.(string)
	})
	if start >= int64(len(zs)) {
		return redis.NewZSliceCmdResult([]redis.Z{}, nil)
	}
	if stop >= int64(len(zs)) {
		stop = int64(len(zs)) - 1
	}
	return redis.NewZSliceCmdResult(zs[start:stop+1], nil)
}

func (f *fakeSets) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.sets, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeSets) Rename(_ context.Context, key, newkey string) *redis.StatusCmd {
	set, ok := f.sets[key]
	if !ok {
		return redis.NewStatusResult("", errors.New("ERR no such key"))
	}
	f.sets[newkey] = set
	delete(f.sets, key)
	return redis.NewStatusResult("OK", nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAM SINK
// ══════════════════════════════════════════════════════════════════════════════

func TestStreamSink_AppendsEnvelope(t *testing.T) {
	fake := &fakeStream{}
	cfg := DefaultConfig()
	cfg.StreamMaxLen = 500
	sink := NewStreamSink(fake, cfg, nil)
	sink.newID = func() string { return "evt-1" }

	event := shared.NewMemberTippedEvent("bob", "alice", 3, 2_000_000, "helpful", 86_400)
	event.BaseEvent = event.WithCorrelationID("req-9")

	require.NoError(t, sink.Handle(event))
	require.Len(t, fake.calls, 1)

	args := fake.calls[0]
	assert.Equal(t, "studycircle:events", args.Stream)
	assert.Equal(t, int64(500), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "evt-1", values["id"])
	assert.Equal(t, string(shared.EventMemberTipped), values["type"])

	var env shared.EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(values["envelope"].(string)), &env))
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, "req-9", env.CorrelationID)
	assert.Equal(t, shared.ProfileAggregate(3, "alice"), env.AggregateID)
	assert.Equal(t, int64(86_400), env.Timestamp.Unix())

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "alice", payload["recipient"])
}

func TestStreamSink_UnboundedAndErrors(t *testing.T) {
	fake := &fakeStream{err: errors.New("READONLY")}
	cfg := DefaultConfig()
	cfg.StreamMaxLen = 0
	sink := NewStreamSink(fake, cfg, nil)

	err := sink.Handle(shared.NewRegistryInitializedEvent("admin", 1))
	assert.ErrorContains(t, err, "READONLY")
	require.Len(t, fake.calls, 1)
	assert.Zero(t, fake.calls[0].MaxLen)
	assert.False(t, fake.calls[0].Approx)
}

// ══════════════════════════════════════════════════════════════════════════════
// SCOREBOARD
// ══════════════════════════════════════════════════════════════════════════════

func TestScoreboard_SetRemoveTop(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSets()
	board := NewScoreboard(fake, DefaultConfig())

	require.NoError(t, board.SetScore(ctx, 4, "carol", 40))
	require.NoError(t, board.SetScore(ctx, 4, "bob", 25))
	require.NoError(t, board.SetScore(ctx, 4, "alice", 25))
	require.NoError(t, board.SetScore(ctx, 4, "dave", 5))
	require.NoError(t, board.SetScore(ctx, 5, "elsewhere", 99))

	top, err := board.Top(ctx, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, []query.ScoreEntry{
		{Rank: 1, Member: "carol", Score: 40},
		{Rank: 2, Member: "alice", Score: 25},
		{Rank: 3, Member: "bob", Score: 25},
	}, top)

	require.NoError(t, board.Remove(ctx, 4, "carol"))
	top, err = board.Top(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, shared.AccountID("alice"), top[0].Member)

	empty, err := board.Top(ctx, 4, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestScoreboard_Replace(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSets()
	board := NewScoreboard(fake, DefaultConfig())

	require.NoError(t, board.SetScore(ctx, 1, "stale", 500))
	require.NoError(t, board.Replace(ctx, 1, []query.ScoreEntry{
		{Member: "alice", Score: 30},
		{Member: "bob", Score: 10},
	}))

	assert.Equal(t, map[string]float64{"alice": 30, "bob": 10}, fake.sets[board.Key(1)])
	_, leftover := fake.sets[board.Key(1)+":rebuild"]
	assert.False(t, leftover)

	require.NoError(t, board.Replace(ctx, 1, nil))
	_, exists := fake.sets[board.Key(1)]
	assert.False(t, exists)
}

func TestScoreboard_PropagatesErrors(t *testing.T) {
	fake := newFakeSets()
	fake.err = errors.New("connection refused")
	board := NewScoreboard(fake, DefaultConfig())

	_, err := board.Top(context.Background(), 1, 5)
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, board.SetScore(context.Background(), 1, "alice", 1))
}
