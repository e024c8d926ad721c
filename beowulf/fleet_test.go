package beowulf

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func newTestFleetTracker(
	store FleetStore,
	leaderboard *LeaderboardCache,
	now time.Time,
) *FleetTracker {
	config := &TrackerConfig{
		TickInterval:  time.Minute,
		FleetLookback: time.Hour,
		SweepLookback: 3 * time.Minute,
		MinDwell:      10 * time.Minute,
		Quorum:        3,
	}
	tracker := newFleetTracker(
		store,
		leaderboard,
		config,
		"4.2",
		"https://example.org/icon.png",
		testLogHandler(),
	)
	tracker.clock = func() time.Time { return now }
	return tracker
}

func testMembers(userIDs ...string) map[string]GuildMember {
	members := map[string]GuildMember{}
	for _, id := range userIDs {
		members[id] = GuildMember{UserID: id, Username: "user-" + id}
	}
	return members
}

func TestObserveChannelCreatesFleetAtQuorum(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")

	store := newFakeFleetStore()
	tracker := newTestFleetTracker(store, nil, now)

	ch := ChannelPresence{
		ChannelID:   "chA",
		ChannelName: "Alpha",
		UserIDs:     []string{"u1", "u2", "u3"},
	}
	err := tracker.ObserveChannel(context.Background(), ch, testMembers("u1", "u2", "u3"))
	require.NoError(t, err)

	fleets := store.all()
	require.Len(t, fleets, 1)
	fleet := fleets[0]
	assert.Equal(t, "chA", fleet.ChannelID)
	assert.Equal(t, "Alpha", fleet.ChannelName)
	assert.Equal(t, "4.2", fleet.Patch)
	assert.Equal(t, now, fleet.CreatedAt)
	require.Len(t, fleet.Users, 3)
	for _, member := range fleet.Users {
		assert.Nil(t, member.LeaveTime)
		assert.Equal(t, now, member.JoinTime)
	}
	assert.Equal(t, int64(1), tracker.metricFleetsCreated.Load())
}

func TestObserveChannelMergesExistingFleet(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-30 * time.Minute)
	departed := now.Add(-10 * time.Minute)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Timestamp: createdAt,
			Users: []FleetMember{
				{
					UserID:   "u1",
					Username: "user-u1",
					JoinTime: createdAt,
				},
				{
					UserID:    "u2",
					Username:  "user-u2",
					JoinTime:  createdAt,
					LeaveTime: &departed,
				},
			},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	// u1 still present, u2 gone, u4 newly joined
	ch := ChannelPresence{
		ChannelID: "chA",
		UserIDs:   []string{"u1", "u4"},
	}
	err := tracker.ObserveChannel(context.Background(), ch, testMembers("u1", "u4"))
	require.NoError(t, err)

	fleet := store.get(t, "f1")
	require.Len(t, fleet.Users, 3)

	byID := map[string]FleetMember{}
	for _, member := range fleet.Users {
		byID[member.UserID] = member
	}

	require.NotNil(t, byID["u1"].LeaveTime)
	assert.Equal(t, now, *byID["u1"].LeaveTime, "present member refreshed to now")

	require.NotNil(t, byID["u2"].LeaveTime)
	assert.Equal(t, departed, *byID["u2"].LeaveTime, "absent member's leave time never overwritten")

	assert.Equal(t, now, byID["u4"].JoinTime, "new member appended with fresh join time")
	assert.Nil(t, byID["u4"].LeaveTime)

	assert.Equal(t, now, fleet.Timestamp)
	assert.Equal(t, int64(0), tracker.metricFleetsCreated.Load())
}

func TestObserveChannelAnnotatesAndSumsTotals(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")

	leaderboard := newLeaderboardCache(
		func(_ context.Context) ([]LeaderboardEntry, error) {
			return []LeaderboardEntry{
				{UserID: "u1", Kills: 10, ShipKills: 2, Score: 100},
				{Nickname: "user-u2", Kills: 5, Deaths: 3, Score: 40},
			}, nil
		},
		time.Minute,
		testLogHandler(),
	)

	store := newFakeFleetStore()
	tracker := newTestFleetTracker(store, leaderboard, now)

	ch := ChannelPresence{
		ChannelID: "chA",
		UserIDs:   []string{"u1", "u2", "u3"},
	}
	err := tracker.ObserveChannel(context.Background(), ch, testMembers("u1", "u2", "u3"))
	require.NoError(t, err)

	fleet := store.all()[0]
	byID := map[string]FleetMember{}
	for _, member := range fleet.Users {
		byID[member.UserID] = member
	}

	require.NotNil(t, byID["u1"].Leaderboard, "matched by user id")
	require.NotNil(t, byID["u2"].Leaderboard, "matched by handle fallback")
	assert.Nil(t, byID["u3"].Leaderboard, "unresolved lookup degrades to nil")

	assert.Equal(
		t,
		MemberCounters{Kills: 15, ShipKills: 2, Deaths: 3, Score: 140},
		fleet.Totals,
		"totals are the elementwise sum across members",
	)
}

func TestObserveSnapshotSkipsBelowQuorum(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")

	store := newFakeFleetStore()
	tracker := newTestFleetTracker(store, nil, now)

	snapshot := snapshotWith(
		"afk",
		ChannelPresence{ChannelID: "chA", UserIDs: []string{"u1", "u2"}},
	)
	tracker.ObserveSnapshot(context.Background(), snapshot)

	assert.Empty(t, store.all(), "below-quorum channels never open a fleet")
}

func TestSweepFinalizesBelowQuorum(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-2 * time.Minute)
	earlyJoin := now.Add(-15 * time.Minute)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Timestamp: createdAt,
			Users: []FleetMember{
				{
					UserID:   "u1",
					Username: "user-u1",
					JoinTime: earlyJoin,
					Counters: MemberCounters{Kills: 7},
				},
				{
					UserID:   "u2",
					Username: "user-u2",
					JoinTime: createdAt,
					Counters: MemberCounters{Kills: 3},
				},
			},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	// occupancy dropped to one
	snapshot := snapshotWith(
		"afk",
		ChannelPresence{ChannelID: "chA", UserIDs: []string{"u1"}},
	)
	tracker.Sweep(context.Background(), snapshot)

	fleet := store.get(t, "f1")
	require.Len(t, fleet.Users, 1, "short stays dropped at finalization")
	assert.Equal(t, "u1", fleet.Users[0].UserID)
	require.NotNil(t, fleet.Users[0].LeaveTime)
	assert.Equal(t, now, *fleet.Users[0].LeaveTime)
	assert.Equal(
		t,
		MemberCounters{Kills: 7},
		fleet.Totals,
		"totals recomputed from surviving members only",
	)
	assert.Equal(t, int64(1), tracker.metricFleetsFinalized.Load())
}

func TestSweepFinalizesWhenChannelGone(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-2 * time.Minute)
	earlyJoin := now.Add(-20 * time.Minute)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chGone",
			CreatedAt: createdAt,
			Users: []FleetMember{
				{UserID: "u1", JoinTime: earlyJoin},
			},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	tracker.Sweep(context.Background(), snapshotWith("afk"))

	fleet := store.get(t, "f1")
	require.Len(t, fleet.Users, 1)
	require.NotNil(t, fleet.Users[0].LeaveTime)
	assert.Equal(t, int64(1), tracker.metricFleetsFinalized.Load())
}

func TestSweepMarksDeparturesAboveQuorum(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-2 * time.Minute)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Users: []FleetMember{
				{UserID: "u1", JoinTime: createdAt},
				{UserID: "u2", JoinTime: createdAt},
				{UserID: "u3", JoinTime: createdAt},
				{UserID: "u4", JoinTime: createdAt},
			},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	snapshot := snapshotWith(
		"afk",
		ChannelPresence{
			ChannelID: "chA",
			UserIDs:   []string{"u1", "u2", "u3"},
		},
	)
	tracker.Sweep(context.Background(), snapshot)

	fleet := store.get(t, "f1")
	require.Len(t, fleet.Users, 4, "no members dropped while at quorum")
	byID := map[string]FleetMember{}
	for _, member := range fleet.Users {
		byID[member.UserID] = member
	}
	require.NotNil(t, byID["u4"].LeaveTime, "departed member marked")
	assert.Nil(t, byID["u1"].LeaveTime, "present members left open")
	assert.Equal(t, int64(0), tracker.metricFleetsFinalized.Load())
}

func TestSweepIgnoresFleetsOutsideLookback(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-time.Hour)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Users:     []FleetMember{{UserID: "u1", JoinTime: createdAt}},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	tracker.Sweep(context.Background(), snapshotWith("afk"))

	fleet := store.get(t, "f1")
	assert.Nil(t, fleet.Users[0].LeaveTime, "old fleet untouched")
	assert.Zero(t, store.updates)
}

func TestSweepReentrancyGuard(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-2 * time.Minute)

	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Users:     []FleetMember{{UserID: "u1", JoinTime: createdAt}},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	tracker.sweeping.Store(true)
	tracker.Sweep(context.Background(), snapshotWith("afk"))
	assert.Zero(t, store.updates, "overlapping sweep skipped")
}

func TestObserveChannelMatchesLegacyMembersByName(t *testing.T) {
	t.Parallel()
	now := *ts(t, "2024-05-01T12:00:00Z")
	createdAt := now.Add(-20 * time.Minute)

	// recorded before user IDs were captured
	store := newFakeFleetStore(
		FleetRecord{
			ID:        "f1",
			ChannelID: "chA",
			CreatedAt: createdAt,
			Users: []FleetMember{
				{Username: "user-u1", JoinTime: createdAt},
			},
		},
	)
	tracker := newTestFleetTracker(store, nil, now)

	ch := ChannelPresence{ChannelID: "chA", UserIDs: []string{"u1"}}
	err := tracker.ObserveChannel(context.Background(), ch, testMembers("u1"))
	require.NoError(t, err)

	fleet := store.get(t, "f1")
	require.Len(t, fleet.Users, 1, "name-matched member not duplicated")
	assert.Equal(t, "u1", fleet.Users[0].UserID, "id backfilled on match")
	require.NotNil(t, fleet.Users[0].LeaveTime)
	assert.Equal(t, now, *fleet.Users[0].LeaveTime)
}
