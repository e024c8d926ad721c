package beowulf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogHandler() slog.Handler {
	return newLogHandler(io.Discard, slog.LevelError)
}

func ts(t testing.TB, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("error parsing timestamp %q: %v", value, err)
	}
	parsed = parsed.UTC()
	return &parsed
}

func snapshotWith(
	afkChannelID string,
	channels ...ChannelPresence,
) PresenceSnapshot {
	snapshot := PresenceSnapshot{
		GuildID:      "guild-1",
		AFKChannelID: afkChannelID,
		TakenAt:      time.Now().UTC(),
		Channels:     map[string]ChannelPresence{},
		Members:      map[string]GuildMember{},
	}
	for _, ch := range channels {
		snapshot.Channels[ch.ChannelID] = ch
		for _, userID := range ch.UserIDs {
			snapshot.Members[userID] = GuildMember{
				UserID:   userID,
				Username: "user-" + userID,
			}
		}
	}
	return snapshot
}

// fakePresence returns a canned snapshot.
type fakePresence struct {
	snapshot PresenceSnapshot
	err      error
}

func (f *fakePresence) Snapshot(_ context.Context) (PresenceSnapshot, error) {
	if f.err != nil {
		return PresenceSnapshot{}, f.err
	}
	return f.snapshot, nil
}

// fakeSessionStore is an in-memory SessionStore. Failures can be injected
// per session ID.
type fakeSessionStore struct {
	mu         sync.Mutex
	sessions   map[string]VoiceSession
	order      []string
	failUpdate map[string]error
	createErr  error
	listErr    error
}

func newFakeSessionStore(sessions ...VoiceSession) *fakeSessionStore {
	store := &fakeSessionStore{
		sessions:   map[string]VoiceSession{},
		failUpdate: map[string]error{},
	}
	for _, session := range sessions {
		store.sessions[session.ID] = session
		store.order = append(store.order, session.ID)
	}
	return store
}

func (f *fakeSessionStore) CreateSession(
	_ context.Context,
	session VoiceSession,
) (*VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.sessions[session.ID] = session
	f.order = append(f.order, session.ID)
	created := session
	return &created, nil
}

func (f *fakeSessionStore) UpdateSession(
	_ context.Context,
	id string,
	patch SessionPatch,
) (*VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdate[id]; err != nil {
		return nil, err
	}
	session, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no session with id %s", id)
	}
	if patch.Minutes != nil {
		session.Minutes = *patch.Minutes
	}
	if patch.JoinedAt != nil {
		session.JoinedAt = patch.JoinedAt
	}
	if patch.LeftAt != nil {
		session.LeftAt = patch.LeftAt
	}
	if patch.GuildID != nil {
		session.GuildID = *patch.GuildID
	}
	f.sessions[id] = session
	updated := session
	return &updated, nil
}

func (f *fakeSessionStore) ListOpenSessions(
	_ context.Context,
) ([]VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var open []VoiceSession
	for _, id := range f.order {
		if session := f.sessions[id]; session.Open() {
			open = append(open, session)
		}
	}
	return open, nil
}

func (f *fakeSessionStore) ListAllSessions(
	_ context.Context,
) ([]VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := make([]VoiceSession, 0, len(f.order))
	for _, id := range f.order {
		all = append(all, f.sessions[id])
	}
	return all, nil
}

func (f *fakeSessionStore) openSessionsFor(userID string) []VoiceSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []VoiceSession
	for _, id := range f.order {
		session := f.sessions[id]
		if session.UserID == userID && session.Open() {
			open = append(open, session)
		}
	}
	return open
}

// fakeFleetStore is an in-memory FleetStore.
type fakeFleetStore struct {
	mu        sync.Mutex
	fleets    map[string]FleetRecord
	order     []string
	createErr error
	updateErr error
	listErr   error
	updates   int
}

func newFakeFleetStore(fleets ...FleetRecord) *fakeFleetStore {
	store := &fakeFleetStore{fleets: map[string]FleetRecord{}}
	for _, fleet := range fleets {
		store.fleets[fleet.ID] = fleet
		store.order = append(store.order, fleet.ID)
	}
	return store
}

func (f *fakeFleetStore) CreateFleet(
	_ context.Context,
	record FleetRecord,
) (*FleetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.fleets[record.ID] = record
	f.order = append(f.order, record.ID)
	created := record
	return &created, nil
}

func (f *fakeFleetStore) UpdateFleet(
	_ context.Context,
	id string,
	record FleetRecord,
) (*FleetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if _, ok := f.fleets[id]; !ok {
		return nil, fmt.Errorf("no fleet with id %s", id)
	}
	f.fleets[id] = record
	f.updates++
	updated := record
	return &updated, nil
}

func (f *fakeFleetStore) ListFleetsInWindow(
	_ context.Context,
	start time.Time,
	end time.Time,
) ([]FleetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var fleets []FleetRecord
	for _, id := range f.order {
		fleet := f.fleets[id]
		if fleet.CreatedAt.Before(start) || fleet.CreatedAt.After(end) {
			continue
		}
		fleets = append(fleets, fleet)
	}
	return fleets, nil
}

func (f *fakeFleetStore) get(t testing.TB, id string) FleetRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	fleet, ok := f.fleets[id]
	if !ok {
		t.Fatalf("no fleet with id %s", id)
	}
	return fleet
}

func (f *fakeFleetStore) all() []FleetRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	fleets := make([]FleetRecord, 0, len(f.order))
	for _, id := range f.order {
		fleets = append(fleets, f.fleets[id])
	}
	return fleets
}
