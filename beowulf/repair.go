package beowulf

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

// RepairReport summarizes one repair sweep.
type RepairReport struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RawSessionLister exposes the un-normalized session payloads the repair
// sweep needs to inspect original field values.
type RawSessionLister interface {
	ListRawSessions(ctx context.Context) ([]map[string]any, error)
}

// SessionRepairer fixes historical session records whose minutes value is
// unusable (null, empty string, or non-numeric).
//
// For each defective record it recomputes minutes with the duration
// calculator, deriving fallback timestamps from generic creation/update
// fields when genuine join/leave timestamps are absent, and writes back
// only minutes, joined_at, left_at and guild_id. Records without a usable
// identifier are skipped and counted separately from repaired ones.
//
// The sweep is idempotent: already-valid records are untouched, so a
// second run over the same snapshot repairs zero additional records.
type SessionRepairer struct {
	sessions SessionStore
	raw      RawSessionLister
	guildID  string
	logger   *slog.Logger

	// clock is swapped out in tests
	clock func() time.Time
}

func newSessionRepairer(
	sessions SessionStore,
	raw RawSessionLister,
	guildID string,
	handler slog.Handler,
) *SessionRepairer {
	return &SessionRepairer{
		sessions: sessions,
		raw:      raw,
		guildID:  guildID,
		logger:   slog.New(handler).With(loggerNameKey, "session_repair"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Run scans the full historical session set and repairs defective records.
// Individual write failures are logged and counted; they never abort the
// sweep.
func (s *SessionRepairer) Run(ctx context.Context) (RepairReport, error) {
	records, err := s.raw.ListRawSessions(ctx)
	if err != nil {
		return RepairReport{}, fmt.Errorf("error listing sessions: %w", err)
	}

	report := RepairReport{}
	for _, raw := range records {
		report.Scanned++

		if hasUsableMinutes(raw) {
			continue
		}

		session := NormalizeSession(raw, s.guildID)
		if firstString(raw, sessionIDAliases) == "" {
			// no usable identifier - nothing to address an update to
			report.Skipped++
			s.logger.WarnContext(
				ctx,
				"defective session has no id, skipping",
				"user_id", session.UserID,
			)
			continue
		}

		patch := s.repairPatch(raw, session)
		if _, err := s.sessions.UpdateSession(ctx, session.ID, patch); err != nil {
			report.Failed++
			s.logger.ErrorContext(
				ctx,
				"error repairing session",
				"id", session.ID,
				tint.Err(err),
			)
			continue
		}
		report.Repaired++
		s.logger.InfoContext(
			ctx,
			"repaired session",
			"id", session.ID,
			"minutes", *patch.Minutes,
		)
	}

	s.logger.InfoContext(
		ctx,
		"repair sweep complete",
		"scanned", report.Scanned,
		"repaired", report.Repaired,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// repairPatch builds the minimal update for a defective record. When the
// record has no genuine join/leave timestamps, fallbacks are derived from
// its generic timestamp fields (defaulting to "now"), with a synthetic
// one-minute window.
func (s *SessionRepairer) repairPatch(
	raw map[string]any,
	session VoiceSession,
) SessionPatch {
	joinedAt := session.JoinedAt
	leftAt := session.LeftAt

	if joinedAt == nil {
		joinedAt = fallbackTimestamp(raw)
		if joinedAt == nil {
			now := s.clock()
			joinedAt = &now
		}
	}
	if leftAt == nil {
		synthetic := joinedAt.Add(time.Minute)
		leftAt = &synthetic
	}

	minutes := ComputeMinutes(joinedAt, leftAt, 0)
	guildID := session.GuildID
	return SessionPatch{
		Minutes:  &minutes,
		JoinedAt: joinedAt,
		LeftAt:   leftAt,
		GuildID:  &guildID,
	}
}
