package beowulf

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
	"time"
)

// MemberCounters are the per-user numeric stats carried on fleet members.
// Fleet totals are always the elementwise sum of these across the current
// member list.
type MemberCounters struct {
	Kills     int `json:"kills"`
	ShipKills int `json:"ship_kills"`
	Deaths    int `json:"deaths"`
	Score     int `json:"score"`
}

func (c MemberCounters) add(other MemberCounters) MemberCounters {
	return MemberCounters{
		Kills:     c.Kills + other.Kills,
		ShipKills: c.ShipKills + other.ShipKills,
		Deaths:    c.Deaths + other.Deaths,
		Score:     c.Score + other.Score,
	}
}

// FleetMember is one user's stay window within a fleet record.
//
// LeaveTime doubles as a last-seen marker: observation updates refresh it
// to "now" for members still present, and once a member is recorded absent
// it is never cleared.
type FleetMember struct {
	UserID      string            `json:"user_id,omitempty"`
	Username    string            `json:"username"`
	JoinTime    time.Time         `json:"join_time"`
	LeaveTime   *time.Time        `json:"leave_time,omitempty"`
	Counters    MemberCounters    `json:"counters"`
	Leaderboard *LeaderboardEntry `json:"leaderboard_stats,omitempty"`
}

// identityKey correlates member entries across observations. User IDs are
// preferred; username matching is the fallback for entries recorded before
// IDs were captured.
func (m FleetMember) identityKey() string {
	if m.UserID != "" {
		return m.UserID
	}
	return "name:" + m.Username
}

// dwell is the member's total stay, measured against now when the member
// has no recorded leave time.
func (m FleetMember) dwell(now time.Time) time.Duration {
	if m.LeaveTime != nil {
		return m.LeaveTime.Sub(m.JoinTime)
	}
	return now.Sub(m.JoinTime)
}

// FleetRecord is a rolling aggregate of co-present users in one voice
// channel: merged per-user stay windows plus summed statistics.
type FleetRecord struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	ChannelName string         `json:"channel_name"`
	Users       []FleetMember  `json:"users"`
	Timestamp   time.Time      `json:"timestamp"`
	CreatedAt   time.Time      `json:"created_at"`
	Totals      MemberCounters `json:"totals"`
	Patch       string         `json:"patch"`
	IconURL     string         `json:"icon_url,omitempty"`
}

func (f FleetRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", f.ID),
		slog.String("channel_id", f.ChannelID),
		slog.String("channel_name", f.ChannelName),
		slog.Int("members", len(f.Users)),
	)
}

// recomputeTotals sets Totals to the elementwise sum over current members.
func (f *FleetRecord) recomputeTotals() {
	totals := MemberCounters{}
	for _, member := range f.Users {
		totals = totals.add(member.Counters)
	}
	f.Totals = totals
}

// FleetTracker maintains per-channel fleet aggregates whenever live
// occupancy reaches quorum, independent of individual session bookkeeping.
type FleetTracker struct {
	store       FleetStore
	leaderboard *LeaderboardCache
	config      *TrackerConfig
	patch       string
	iconURL     string
	logger      *slog.Logger

	// clock is swapped out in tests
	clock func() time.Time

	sweeping atomic.Bool

	metricFleetsCreated   atomic.Int64
	metricFleetsFinalized atomic.Int64
}

func newFleetTracker(
	store FleetStore,
	leaderboard *LeaderboardCache,
	config *TrackerConfig,
	patch string,
	iconURL string,
	handler slog.Handler,
) *FleetTracker {
	return &FleetTracker{
		store:       store,
		leaderboard: leaderboard,
		config:      config,
		patch:       patch,
		iconURL:     iconURL,
		logger:      slog.New(handler).With(loggerNameKey, "fleet_tracker"),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// ObserveSnapshot runs update-on-observation for every channel in the
// snapshot at or above quorum. Per-channel failures are logged and don't
// abort the remaining channels.
func (t *FleetTracker) ObserveSnapshot(
	ctx context.Context,
	snapshot PresenceSnapshot,
) {
	for _, ch := range snapshot.Channels {
		if len(ch.UserIDs) < t.config.Quorum {
			continue
		}
		if err := t.ObserveChannel(ctx, ch, snapshot.Members); err != nil {
			t.logger.ErrorContext(
				ctx,
				"fleet observation failed",
				"channel_id", ch.ChannelID,
				"channel_name", ch.ChannelName,
				tint.Err(err),
			)
		}
	}
}

// ObserveChannel merges a channel's current member set into its open fleet
// record, creating one when no fleet exists for the channel within the
// lookback window.
//
// Merge rules:
//   - every currently-present user gets LeaveTime refreshed to "now"
//     (still active)
//   - a user previously recorded but now absent keeps the LeaveTime
//     already recorded
//   - users not previously recorded are appended with a fresh JoinTime
//
// Totals are recomputed as the elementwise sum across the merged member
// list after per-user leaderboard annotation.
func (t *FleetTracker) ObserveChannel(
	ctx context.Context,
	ch ChannelPresence,
	members map[string]GuildMember,
) error {
	now := t.clock()

	fleet, err := t.findRecentFleet(ctx, ch.ChannelID, now)
	if err != nil {
		return err
	}

	if fleet == nil {
		created := t.newFleet(ctx, ch, members, now)
		if _, err := t.store.CreateFleet(ctx, created); err != nil {
			return fmt.Errorf("error creating fleet: %w", err)
		}
		t.metricFleetsCreated.Add(1)
		t.logger.InfoContext(
			ctx,
			"created fleet",
			fleetLogAttrs(created)...,
		)
		return nil
	}

	recorded := map[string]int{}
	for i, member := range fleet.Users {
		recorded[member.identityKey()] = i
	}

	for _, userID := range ch.UserIDs {
		member := members[userID]
		entry := t.annotate(ctx, userID, member)

		idx, known := recorded[userID]
		if !known {
			// entries recorded before IDs were captured match by name
			for _, handle := range member.Handles() {
				if i, ok := recorded["name:"+handle]; ok {
					idx = i
					known = true
					break
				}
			}
		}

		if known {
			leaveTime := now
			fleet.Users[idx].LeaveTime = &leaveTime
			if fleet.Users[idx].UserID == "" {
				fleet.Users[idx].UserID = userID
			}
			fleet.Users[idx].Leaderboard = entry
			fleet.Users[idx].Counters = countersFromEntry(entry)
			continue
		}

		joined := FleetMember{
			UserID:      userID,
			Username:    member.DisplayName(),
			JoinTime:    now,
			Counters:    countersFromEntry(entry),
			Leaderboard: entry,
		}
		fleet.Users = append(fleet.Users, joined)
		recorded[joined.identityKey()] = len(fleet.Users) - 1
	}

	fleet.Timestamp = now
	fleet.recomputeTotals()

	if _, err := t.store.UpdateFleet(ctx, fleet.ID, *fleet); err != nil {
		return fmt.Errorf("error updating fleet %s: %w", fleet.ID, err)
	}
	t.logger.DebugContext(ctx, "merged fleet observation", fleetLogAttrs(*fleet)...)
	return nil
}

// Sweep re-derives live membership for recently created fleets, marks
// departures, and finalizes any fleet whose channel has dropped below
// quorum (or no longer exists). At finalization, members whose total dwell
// is under the minimum threshold are dropped before final totals are
// computed and persisted.
//
// Per-fleet failures are logged and don't abort the remaining fleets. An
// "already running" guard skips overlapping invocations.
func (t *FleetTracker) Sweep(ctx context.Context, snapshot PresenceSnapshot) {
	if !t.sweeping.CompareAndSwap(false, true) {
		t.logger.WarnContext(ctx, "previous fleet sweep still running, skipping")
		return
	}
	defer t.sweeping.Store(false)

	now := t.clock()
	fleets, err := t.store.ListFleetsInWindow(
		ctx,
		now.Add(-t.config.SweepLookback),
		now,
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "error listing fleets for sweep", tint.Err(err))
		return
	}

	for _, fleet := range fleets {
		if err := t.sweepFleet(ctx, fleet, snapshot, now); err != nil {
			t.logger.ErrorContext(
				ctx,
				"fleet sweep failed",
				append(fleetLogAttrs(fleet), tint.Err(err))...,
			)
		}
	}
}

func (t *FleetTracker) sweepFleet(
	ctx context.Context,
	fleet FleetRecord,
	snapshot PresenceSnapshot,
	now time.Time,
) error {
	live, channelExists := snapshot.Channels[fleet.ChannelID]

	changed := false
	for i, member := range fleet.Users {
		if member.LeaveTime != nil {
			continue
		}
		if !channelExists ||
			(member.UserID != "" && !live.Contains(member.UserID)) {
			leaveTime := now
			fleet.Users[i].LeaveTime = &leaveTime
			changed = true
		}
	}

	occupancy := 0
	if channelExists {
		occupancy = len(live.UserIDs)
	}

	if occupancy >= t.config.Quorum {
		if !changed {
			return nil
		}
		fleet.Timestamp = now
		fleet.recomputeTotals()
		if _, err := t.store.UpdateFleet(ctx, fleet.ID, fleet); err != nil {
			return fmt.Errorf("error updating fleet: %w", err)
		}
		return nil
	}

	// below quorum: finalize. Everyone still missing a leave time gets one,
	// then short stays are dropped before final totals.
	for i, member := range fleet.Users {
		if member.LeaveTime == nil {
			leaveTime := now
			fleet.Users[i].LeaveTime = &leaveTime
		}
	}

	survivors := fleet.Users[:0:0]
	for _, member := range fleet.Users {
		if member.dwell(now) >= t.config.MinDwell {
			survivors = append(survivors, member)
		}
	}
	dropped := len(fleet.Users) - len(survivors)
	fleet.Users = survivors
	fleet.Timestamp = now
	fleet.recomputeTotals()

	if _, err := t.store.UpdateFleet(ctx, fleet.ID, fleet); err != nil {
		return fmt.Errorf("error finalizing fleet: %w", err)
	}
	t.metricFleetsFinalized.Add(1)
	t.logger.InfoContext(
		ctx,
		"finalized fleet",
		append(
			fleetLogAttrs(fleet),
			"occupancy", occupancy,
			"dropped_members", dropped,
		)...,
	)
	return nil
}

// findRecentFleet returns the most recently created fleet for the channel
// within the lookback window, or nil when none exists.
func (t *FleetTracker) findRecentFleet(
	ctx context.Context,
	channelID string,
	now time.Time,
) (*FleetRecord, error) {
	fleets, err := t.store.ListFleetsInWindow(
		ctx,
		now.Add(-t.config.FleetLookback),
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing fleets: %w", err)
	}
	var found *FleetRecord
	for i := range fleets {
		if fleets[i].ChannelID != channelID {
			continue
		}
		if found == nil || fleets[i].CreatedAt.After(found.CreatedAt) {
			found = &fleets[i]
		}
	}
	return found, nil
}

func (t *FleetTracker) newFleet(
	ctx context.Context,
	ch ChannelPresence,
	members map[string]GuildMember,
	now time.Time,
) FleetRecord {
	fleet := FleetRecord{
		ID:          newRecordID(),
		ChannelID:   ch.ChannelID,
		ChannelName: ch.ChannelName,
		Timestamp:   now,
		CreatedAt:   now,
		Patch:       t.patch,
		IconURL:     t.iconURL,
	}
	for _, userID := range ch.UserIDs {
		member := members[userID]
		entry := t.annotate(ctx, userID, member)
		fleet.Users = append(
			fleet.Users,
			FleetMember{
				UserID:      userID,
				Username:    member.DisplayName(),
				JoinTime:    now,
				Counters:    countersFromEntry(entry),
				Leaderboard: entry,
			},
		)
	}
	fleet.recomputeTotals()
	return fleet
}

// annotate resolves a member against the cached leaderboard. Unresolved
// lookups yield nil rather than failing the merge.
func (t *FleetTracker) annotate(
	ctx context.Context,
	userID string,
	member GuildMember,
) *LeaderboardEntry {
	if t.leaderboard == nil {
		return nil
	}
	return t.leaderboard.FindEntry(ctx, userID, member.Handles())
}

func countersFromEntry(entry *LeaderboardEntry) MemberCounters {
	if entry == nil {
		return MemberCounters{}
	}
	return MemberCounters{
		Kills:     entry.Kills,
		ShipKills: entry.ShipKills,
		Deaths:    entry.Deaths,
		Score:     entry.Score,
	}
}
