package beowulf

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// VoiceSession represents one continuous occupancy of a single user in a
// single voice channel. Sessions are owned by the org backend; this type is
// the canonical in-memory shape produced by NormalizeSession.
//
// A session with a nil LeftAt is "open". Exactly one open session may exist
// per (user, guild) at any time. Once LeftAt is set the record is terminal
// and is never reopened - a channel switch closes the old session and
// creates a new one.
type VoiceSession struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ChannelID   string     `json:"channel_id"`
	ChannelName string     `json:"channel_name"`
	GuildID     string     `json:"guild_id"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	Minutes     int        `json:"minutes"`
}

// Open reports whether the session is still accumulating time.
func (s VoiceSession) Open() bool {
	return s.LeftAt == nil
}

func (s VoiceSession) LogValue() slog.Value {
	return structToSlogValue(s)
}

// SessionPatch is a partial update sent to the backend. Nil fields are
// omitted from the request body and left untouched by the backend.
type SessionPatch struct {
	Minutes  *int       `json:"minutes,omitempty"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	GuildID  *string    `json:"guild_id,omitempty"`
}

// Field aliases accepted by NormalizeSession. The backend predates its own
// schema cleanup, so historical records mix snake_case, camelCase and a few
// legacy names for the same fields.
var (
	sessionIDAliases        = []string{"id", "_id", "session_id", "sessionId"}
	sessionUserAliases      = []string{"user_id", "userId", "userID", "member_id", "memberId"}
	sessionChannelAliases   = []string{"channel_id", "channelId", "channelID"}
	sessionChanNameAliases  = []string{"channel_name", "channelName"}
	sessionGuildAliases     = []string{"guild_id", "guildId", "guildID", "server_id"}
	sessionJoinedAliases    = []string{"joined_at", "joinedAt", "join_time", "joinTime", "start"}
	sessionLeftAliases      = []string{"left_at", "leftAt", "leave_time", "leaveTime", "end"}
	sessionMinutesAliases   = []string{"minutes", "Minutes", "mins"}
	sessionTimestampAliases = []string{"timestamp", "created_at", "createdAt", "updated_at", "updatedAt"}
)

// NormalizeSession converts a raw backend record into a canonical
// VoiceSession. It accepts aliases for every field, coalesces minutes
// through numeric parsing (non-finite or absent values normalize to 0),
// and generates an ID when none is present.
//
// A record without a resolvable user identifier is still normalized, so the
// repair sweep can fix its duration fields, but callers must treat a missing
// UserID as unusable for fleet correlation.
//
// The function is deterministic for identical input (aside from generated
// IDs) and never mutates the input map.
func NormalizeSession(raw map[string]any, fallbackGuildID string) VoiceSession {
	s := VoiceSession{
		ID:          firstString(raw, sessionIDAliases),
		UserID:      firstString(raw, sessionUserAliases),
		ChannelID:   firstString(raw, sessionChannelAliases),
		ChannelName: firstString(raw, sessionChanNameAliases),
		GuildID:     firstString(raw, sessionGuildAliases),
		JoinedAt:    firstTimestamp(raw, sessionJoinedAliases),
		LeftAt:      firstTimestamp(raw, sessionLeftAliases),
	}
	if s.ID == "" {
		s.ID = newRecordID()
	}
	if s.GuildID == "" {
		s.GuildID = fallbackGuildID
	}
	for _, key := range sessionMinutesAliases {
		if v, ok := raw[key]; ok {
			if minutes, valid := parseMinutes(v); valid {
				s.Minutes = minutes
				break
			}
		}
	}
	return s
}

// hasUsableMinutes reports whether the raw record holds a finite,
// non-negative numeric minutes value under any accepted alias. The repair
// sweep uses this to detect records needing recomputation.
func hasUsableMinutes(raw map[string]any) bool {
	for _, key := range sessionMinutesAliases {
		if v, ok := raw[key]; ok {
			if _, valid := parseMinutes(v); valid {
				return true
			}
		}
	}
	return false
}

// fallbackTimestamp returns the best generic timestamp present on the raw
// record (creation/update/timestamp fields), for repairing records whose
// genuine join/leave timestamps are absent.
func fallbackTimestamp(raw map[string]any) *time.Time {
	return firstTimestamp(raw, sessionTimestampAliases)
}

func firstString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if trimmed := strings.TrimSpace(val); trimmed != "" {
				return trimmed
			}
		case float64:
			// snowflakes occasionally arrive as JSON numbers
			return strconv.FormatInt(int64(val), 10)
		case json.Number:
			return val.String()
		}
	}
	return ""
}

func firstTimestamp(raw map[string]any, keys []string) *time.Time {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if ts := parseTimestamp(v); ts != nil {
			return ts
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp parses a raw timestamp value. It accepts time.Time,
// RFC3339(-ish) strings and unix epoch seconds/milliseconds as numbers.
// Returns nil for anything unparseable.
func parseTimestamp(v any) *time.Time {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return nil
		}
		t := val.UTC()
		return &t
	case *time.Time:
		if val == nil || val.IsZero() {
			return nil
		}
		t := val.UTC()
		return &t
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				t := parsed.UTC()
				return &t
			}
		}
		return nil
	case float64:
		return epochToTime(val)
	case int64:
		return epochToTime(float64(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil
		}
		return epochToTime(f)
	default:
		return nil
	}
}

// epochToTime interprets n as unix milliseconds when it's too large to be
// a plausible unix-seconds value.
func epochToTime(n float64) *time.Time {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return nil
	}
	var t time.Time
	if n > 1e12 {
		t = time.UnixMilli(int64(n)).UTC()
	} else {
		t = time.Unix(int64(n), 0).UTC()
	}
	return &t
}

// parseMinutes coalesces a raw minutes value into a clamped, non-negative
// integer. The boolean result reports whether the value was usable at all;
// unusable values (nil, empty string, non-numeric, non-finite) return
// (0, false).
func parseMinutes(v any) (int, bool) {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case float64:
		f = val
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return clampMinutes(int(math.Round(f))), true
}

// clampMinutes bounds a minute count to [0, MaxSessionMinutes].
func clampMinutes(minutes int) int {
	if minutes < 0 {
		return 0
	}
	if minutes > MaxSessionMinutes {
		return MaxSessionMinutes
	}
	return minutes
}
