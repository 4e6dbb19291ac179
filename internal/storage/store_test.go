package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pagewatch/pkg/logx"
)

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pw.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pw.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", logx.Nop())
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			fn(t, st)
		})
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const url = "https://example.com/scout"

		ok, err := st.HasSnapshot(ctx, url)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.GetSnapshot(ctx, url)
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, st.PutSnapshot(ctx, url, "hello"))
		ok, err = st.HasSnapshot(ctx, url)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, st.PutSnapshot(ctx, url, "hello\nworld"))
		text, err := st.GetSnapshot(ctx, url)
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld", text)
	})
}

func TestSubscriptionUniqueness(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		sub := Subscription{GuildID: 1, ChannelID: 10, Target: "scout"}

		added, err := st.AddSubscription(ctx, sub)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = st.AddSubscription(ctx, sub)
		require.NoError(t, err)
		assert.False(t, added)

		subs, err := st.SubscriptionsForTarget(ctx, "scout")
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})
}

func TestSubscriptionQueriesAndRemoval(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, sub := range []Subscription{
			{GuildID: 1, ChannelID: 10, Target: "scout"},
			{GuildID: 1, ChannelID: 11, Target: "scout"},
			{GuildID: 1, ChannelID: 10, Target: "rulings"},
			{GuildID: 2, ChannelID: 20, Target: "scout"},
		} {
			_, err := st.AddSubscription(ctx, sub)
			require.NoError(t, err)
		}

		has, err := st.HasSubscription(ctx, 11, "scout")
		require.NoError(t, err)
		assert.True(t, has)

		subs, err := st.SubscriptionsForTarget(ctx, "scout")
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{10, 11, 20}, channels(subs))

		subs, err = st.SubscriptionsForGuild(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, subs, 3)

		removed, err := st.RemoveSubscription(ctx, 11, "scout")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = st.RemoveSubscription(ctx, 11, "scout")
		require.NoError(t, err)
		assert.False(t, removed)

		n, err := st.RemoveAllForGuild(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		subs, err = st.SubscriptionsForTarget(ctx, "scout")
		require.NoError(t, err)
		assert.Equal(t, []int64{20}, channels(subs))

		subs, err = st.SubscriptionsForGuild(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestRedisAddSubscriptionIsAllOrNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", logx.Nop())
	defer st.Close()
	ctx := context.Background()

	// the guild index cannot take a ZADD
	require.NoError(t, mr.Set("test:subs:guild:1", "not a zset"))

	added, err := st.AddSubscription(ctx, Subscription{GuildID: 1, ChannelID: 10, Target: "scout"})
	require.Error(t, err)
	assert.False(t, added)

	ok, err := st.HasSubscription(ctx, 10, "scout")
	require.NoError(t, err)
	assert.False(t, ok, "record written without its index entries")
	assert.False(t, mr.Exists("test:subs:target:scout"))

	mr.Del("test:subs:guild:1")
	added, err = st.AddSubscription(ctx, Subscription{GuildID: 1, ChannelID: 10, Target: "scout"})
	require.NoError(t, err)
	assert.True(t, added)
	subs, err := st.SubscriptionsForTarget(ctx, "scout")
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, channels(subs))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pw.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutSnapshot(ctx, "u", "v1"))
	_, err = st.AddSubscription(ctx, Subscription{GuildID: 1, ChannelID: 2, Target: "scout"})
	require.NoError(t, err)
	_, err = st.AddSubscription(ctx, Subscription{GuildID: 1, ChannelID: 3, Target: "scout"})
	require.NoError(t, err)
	_, err = st.RemoveSubscription(ctx, 3, "scout")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	text, err := st.GetSnapshot(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "v1", text)
	subs, err := st.SubscriptionsForTarget(ctx, "scout")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, channels(subs))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func channels(subs []Subscription) []int64 {
	out := make([]int64, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ChannelID)
	}
	return out
}
