package beowulf

import (
	"context"
	"time"
)

// GuildMember holds the identity fields needed to correlate a voice-channel
// occupant with leaderboard entries and fleet membership.
type GuildMember struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Nick       string `json:"nick"`
	Bot        bool   `json:"bot"`
}

// DisplayName returns the most specific name set for the member.
func (m GuildMember) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.GlobalName != "" {
		return m.GlobalName
	}
	return m.Username
}

// Handles returns every name variant for the member, most specific first.
// Used for leaderboard lookups when no ID match exists.
func (m GuildMember) Handles() []string {
	var handles []string
	for _, h := range []string{m.Nick, m.GlobalName, m.Username} {
		if h != "" {
			handles = append(handles, h)
		}
	}
	return handles
}

// ChannelPresence is the set of non-bot users currently occupying one
// trackable voice channel.
type ChannelPresence struct {
	ChannelID   string
	ChannelName string
	UserIDs     []string
}

// Contains reports whether the given user is present in the channel.
func (c ChannelPresence) Contains(userID string) bool {
	for _, id := range c.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// PresenceSnapshot is a point-in-time view of voice-channel occupancy for
// the tracked guild. The AFK channel is identified but excluded from
// Channels - entry into it reads as "absent from every tracked channel"
// plus an explicit idle signal.
type PresenceSnapshot struct {
	GuildID      string
	AFKChannelID string
	TakenAt      time.Time

	// Channels maps channel ID -> presence, excluding the AFK channel
	Channels map[string]ChannelPresence

	// AFKUserIDs are non-bot users currently sitting in the AFK channel
	AFKUserIDs []string

	// Members holds identity info for every user appearing in the snapshot
	Members map[string]GuildMember
}

// ChannelOf returns the tracked channel currently occupied by the user.
func (s PresenceSnapshot) ChannelOf(userID string) (ChannelPresence, bool) {
	for _, ch := range s.Channels {
		if ch.Contains(userID) {
			return ch, true
		}
	}
	return ChannelPresence{}, false
}

// InAFK reports whether the user is currently in the designated AFK channel.
func (s PresenceSnapshot) InAFK(userID string) bool {
	for _, id := range s.AFKUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// PresenceSource supplies, on demand, the current voice-channel occupancy
// of the tracked guild.
type PresenceSource interface {
	Snapshot(ctx context.Context) (PresenceSnapshot, error)
}
