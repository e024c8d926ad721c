package beowulf

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync/atomic"
	"testing"
	"time"
)

func TestLeaderboardFindEntryPrefersUserID(t *testing.T) {
	t.Parallel()

	cache := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			return []LeaderboardEntry{
				{UserID: "u1", Nickname: "Maverick", Kills: 10},
				{UserID: "u2", Nickname: "Goose", Kills: 5},
			}, nil
		},
		time.Minute,
		testLogHandler(),
	)

	// the handle points at u2, but the ID match must win
	entry := cache.FindEntry(context.Background(), "u1", []string{"Goose"})
	require.NotNil(t, entry)
	assert.Equal(t, "u1", entry.UserID)
}

func TestLeaderboardFindEntryHandleFallback(t *testing.T) {
	t.Parallel()

	cache := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			return []LeaderboardEntry{
				{Nickname: "Maverick", Kills: 10},
				{DisplayName: "Iceman", Kills: 7},
			}, nil
		},
		time.Minute,
		testLogHandler(),
	)

	entry := cache.FindEntry(context.Background(), "u9", []string{"maverick"})
	require.NotNil(t, entry, "handle matching is case-insensitive")
	assert.Equal(t, 10, entry.Kills)

	entry = cache.FindEntry(context.Background(), "u9", []string{"ICEMAN"})
	require.NotNil(t, entry, "display names are consulted too")
	assert.Equal(t, 7, entry.Kills)

	assert.Nil(
		t,
		cache.FindEntry(context.Background(), "u9", []string{"Viper"}),
		"unresolved lookups return nil",
	)
}

func TestLeaderboardCachesWithinTTL(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	cache := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			fetches.Add(1)
			return []LeaderboardEntry{{UserID: "u1"}}, nil
		},
		time.Hour,
		testLogHandler(),
	)

	for i := 0; i < 5; i++ {
		entries := cache.GetPlayerEntries(context.Background())
		assert.Len(t, entries, 1)
	}
	assert.Equal(t, int64(1), fetches.Load())
}

func TestLeaderboardServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	cache := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			if fail.Load() {
				return nil, errors.New("backend unavailable")
			}
			return []LeaderboardEntry{{UserID: "u1"}}, nil
		},
		time.Nanosecond,
		testLogHandler(),
	)

	entries := cache.GetPlayerEntries(context.Background())
	require.Len(t, entries, 1)

	fail.Store(true)
	time.Sleep(time.Millisecond)
	entries = cache.GetPlayerEntries(context.Background())
	assert.Len(t, entries, 1, "stale entries served when refresh fails")
}

func TestLeaderboardEmptyWhenNeverFetched(t *testing.T) {
	t.Parallel()

	cache := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			return nil, errors.New("backend unavailable")
		},
		time.Minute,
		testLogHandler(),
	)

	assert.Empty(t, cache.GetPlayerEntries(context.Background()))
	assert.Nil(t, cache.FindEntry(context.Background(), "u1", nil))
}
