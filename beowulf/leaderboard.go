package beowulf

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LeaderboardEntry is one player's row in the org leaderboard, as served
// by the backend. Stats are refreshed out of band by the leaderboard
// ingestion job - this package only reads them.
type LeaderboardEntry struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
	Rank        int    `json:"rank"`
	Kills       int    `json:"kills"`
	ShipKills   int    `json:"ship_kills"`
	Deaths      int    `json:"deaths"`
	Score       int    `json:"score"`
}

// LeaderboardCache is a TTL-cached, read-only view of the org leaderboard.
// A fleet merge can look up dozens of members in one pass, so entries are
// fetched once per TTL rather than per lookup.
type LeaderboardCache struct {
	fetch func(ctx context.Context) ([]LeaderboardEntry, error)
	ttl   time.Duration

	mu        sync.RWMutex
	entries   []LeaderboardEntry
	fetchedAt time.Time

	logger *slog.Logger
}

func newLeaderboardCache(
	fetch func(ctx context.Context) ([]LeaderboardEntry, error),
	ttl time.Duration,
	handler slog.Handler,
) *LeaderboardCache {
	if ttl <= 0 {
		ttl = DefaultLeaderboardTTL
	}
	return &LeaderboardCache{
		fetch:  fetch,
		ttl:    ttl,
		logger: slog.New(handler).With(loggerNameKey, "leaderboard_cache"),
	}
}

// GetPlayerEntries returns the cached leaderboard entries, refreshing them
// from the backend when the cache is stale. A failed refresh degrades to
// the previous entries (possibly none) rather than erroring: an absent
// leaderboard only means fleet members go unannotated.
func (l *LeaderboardCache) GetPlayerEntries(ctx context.Context) []LeaderboardEntry {
	l.mu.RLock()
	fresh := time.Since(l.fetchedAt) < l.ttl && l.entries != nil
	entries := l.entries
	l.mu.RUnlock()
	if fresh {
		return entries
	}
	return l.refresh(ctx)
}

func (l *LeaderboardCache) refresh(ctx context.Context) []LeaderboardEntry {
	entries, err := l.fetch(ctx)
	if err != nil {
		l.logger.WarnContext(
			ctx,
			"leaderboard refresh failed, serving stale entries",
			tint.Err(err),
		)
		l.mu.RLock()
		defer l.mu.RUnlock()
		return l.entries
	}
	l.mu.Lock()
	l.entries = entries
	l.fetchedAt = time.Now()
	l.mu.Unlock()
	l.logger.DebugContext(ctx, "refreshed leaderboard", "entries", len(entries))
	return entries
}

// FindEntry resolves a member to a leaderboard entry. User ID matches win;
// display-name variants are only consulted when no ID match exists, since
// display names aren't guaranteed unique. Returns nil when unresolved.
func (l *LeaderboardCache) FindEntry(
	ctx context.Context,
	userID string,
	handles []string,
) *LeaderboardEntry {
	entries := l.GetPlayerEntries(ctx)

	if userID != "" {
		for i := range entries {
			if entries[i].UserID == userID {
				return &entries[i]
			}
		}
	}
	for _, handle := range handles {
		for i := range entries {
			if strings.EqualFold(entries[i].Nickname, handle) ||
				strings.EqualFold(entries[i].DisplayName, handle) {
				return &entries[i]
			}
		}
	}
	return nil
}
