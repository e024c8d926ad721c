package beowulf

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reconciler is the periodic loop that makes persisted session state match
// currently observed voice membership.
//
// Each tick re-derives truth from a fresh presence snapshot and the
// backend's open sessions - the reconciler holds no session state across
// ticks. A failed write for one user is logged and skipped; the affected
// session self-heals on the next tick.
type Reconciler struct {
	store    SessionStore
	presence PresenceSource
	guildID  string
	logger   *slog.Logger

	// clock is swapped out in tests
	clock func() time.Time

	// ticking guards against overlapping ticks when external calls run
	// longer than the tick interval. An overlapping tick could otherwise
	// observe a user's session before the previous tick's create lands,
	// and create a duplicate.
	ticking atomic.Bool

	metricTicks           atomic.Int64
	metricTicksSkipped    atomic.Int64
	metricSessionsCreated atomic.Int64
	metricSessionsClosed  atomic.Int64
	lastTickAt            atomic.Pointer[time.Time]
}

func newReconciler(
	store SessionStore,
	presence PresenceSource,
	guildID string,
	handler slog.Handler,
) *Reconciler {
	return &Reconciler{
		store:    store,
		presence: presence,
		guildID:  guildID,
		logger:   slog.New(handler).With(loggerNameKey, "reconciler"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Tick runs one reconciliation pass and returns the snapshot it used, so
// the caller can feed the same observation to the fleet aggregator.
//
// Per open session, in order:
//  1. idle/AFK channel: close now (finalize minutes with the session's
//     own counter as fallback)
//  2. same channel: increment minutes by one and persist
//  3. different tracked channel: close the old session, then open a new
//     one for the new channel with zero minutes
//  4. absent from every tracked channel: close
//
// After all open sessions are processed, every user present in a tracked
// channel with no open session gets a new one. Closes are always issued
// before the corresponding create on a switch, so the backend never holds
// two open sessions for one user.
func (r *Reconciler) Tick(ctx context.Context) (*PresenceSnapshot, error) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.metricTicksSkipped.Add(1)
		r.logger.WarnContext(ctx, "previous tick still running, skipping")
		return nil, nil
	}
	defer r.ticking.Store(false)

	snapshot, err := r.presence.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("error taking presence snapshot: %w", err)
	}

	openSessions, err := r.store.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing open sessions: %w", err)
	}

	now := r.clock()

	// users whose open session was handled this tick, so the create pass
	// below doesn't double up
	handled := map[string]bool{}

	for _, session := range openSessions {
		if session.UserID == "" {
			r.logger.WarnContext(
				ctx,
				"open session has no user id, skipping",
				"id", session.ID,
			)
			continue
		}
		if handled[session.UserID] {
			// backend briefly held two open sessions for this user (a
			// prior tick's close failed). Close the straggler.
			r.closeSession(ctx, session, now)
			continue
		}
		handled[session.UserID] = true
		r.reconcileSession(ctx, session, snapshot, now)
	}

	for _, ch := range snapshot.Channels {
		for _, userID := range ch.UserIDs {
			if handled[userID] {
				continue
			}
			handled[userID] = true
			r.createSession(ctx, userID, ch, now)
		}
	}

	r.metricTicks.Add(1)
	tickAt := now
	r.lastTickAt.Store(&tickAt)
	return &snapshot, nil
}

func (r *Reconciler) reconcileSession(
	ctx context.Context,
	session VoiceSession,
	snapshot PresenceSnapshot,
	now time.Time,
) {
	if snapshot.InAFK(session.UserID) {
		// entering the idle channel forces closure; no new session is
		// created for the AFK channel
		r.closeSession(ctx, session, now)
		return
	}

	current, present := snapshot.ChannelOf(session.UserID)
	switch {
	case !present:
		r.closeSession(ctx, session, now)
	case current.ChannelID == session.ChannelID:
		r.incrementSession(ctx, session)
	default:
		// channel switch: close before create, so no observer ever sees
		// two open sessions for the user
		r.closeSession(ctx, session, now)
		r.createSession(ctx, session.UserID, current, now)
	}
}

// closeSession finalizes a session's minutes from elapsed wall-clock time,
// falling back to the session's accumulated counter.
func (r *Reconciler) closeSession(
	ctx context.Context,
	session VoiceSession,
	now time.Time,
) {
	minutes := ComputeMinutes(session.JoinedAt, &now, float64(session.Minutes))
	leftAt := now
	_, err := r.store.UpdateSession(
		ctx,
		session.ID,
		SessionPatch{Minutes: &minutes, LeftAt: &leftAt},
	)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error closing session",
			append(sessionLogAttrs(session), tint.Err(err))...,
		)
		return
	}
	r.metricSessionsClosed.Add(1)
	r.logger.InfoContext(
		ctx,
		"closed session",
		append(sessionLogAttrs(session), "final_minutes", minutes)...,
	)
}

// incrementSession bumps an open session's minute counter by one.
func (r *Reconciler) incrementSession(ctx context.Context, session VoiceSession) {
	minutes := clampMinutes(session.Minutes + 1)
	_, err := r.store.UpdateSession(
		ctx,
		session.ID,
		SessionPatch{Minutes: &minutes},
	)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error incrementing session",
			append(sessionLogAttrs(session), tint.Err(err))...,
		)
		return
	}
	r.logger.DebugContext(
		ctx,
		"incremented session",
		append(sessionLogAttrs(session), "minutes", minutes)...,
	)
}

// createSession opens a new session for a user observed in a tracked
// channel with no open session.
func (r *Reconciler) createSession(
	ctx context.Context,
	userID string,
	ch ChannelPresence,
	now time.Time,
) {
	joinedAt := now
	session := VoiceSession{
		ID:          newRecordID(),
		UserID:      userID,
		ChannelID:   ch.ChannelID,
		ChannelName: ch.ChannelName,
		GuildID:     r.guildID,
		JoinedAt:    &joinedAt,
		Minutes:     0,
	}
	if _, err := r.store.CreateSession(ctx, session); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error creating session",
			append(sessionLogAttrs(session), tint.Err(err))...,
		)
		return
	}
	r.metricSessionsCreated.Add(1)
	r.logger.InfoContext(ctx, "created session", sessionLogAttrs(session)...)
}
