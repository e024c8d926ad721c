package beowulf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// SessionStore is the persistence surface for voice sessions. All calls may
// fail with a network or HTTP error; callers must treat the absence of a
// positive result as "not yet applied" and rely on the next tick to
// re-derive state.
type SessionStore interface {
	CreateSession(ctx context.Context, session VoiceSession) (*VoiceSession, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*VoiceSession, error)
	ListOpenSessions(ctx context.Context) ([]VoiceSession, error)
	ListAllSessions(ctx context.Context) ([]VoiceSession, error)
}

// FleetStore is the persistence surface for fleet aggregate records.
type FleetStore interface {
	CreateFleet(ctx context.Context, record FleetRecord) (*FleetRecord, error)
	UpdateFleet(ctx context.Context, id string, record FleetRecord) (*FleetRecord, error)
	ListFleetsInWindow(ctx context.Context, start time.Time, end time.Time) ([]FleetRecord, error)
}

// OrgClient is the HTTP client for the org backend CRUD API. It implements
// SessionStore and FleetStore, and serves the raw leaderboard fetch used by
// LeaderboardCache.
//
// Outbound requests are throttled with a token-bucket limiter so a busy
// tick can't hammer the backend.
type OrgClient struct {
	baseURL    *url.URL
	token      string
	guildID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newOrgClient(
	config *BackendConfig,
	guildID string,
	httpClient *http.Client,
	handler slog.Handler,
) (*OrgClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("backend URL not set")
	}
	baseURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", config.URL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultBackendRequestsPerSecond
	}
	return &OrgClient{
		baseURL:    baseURL,
		token:      config.Token,
		guildID:    guildID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger: slog.New(handler).With(
			loggerNameKey,
			"org_client",
		),
	}, nil
}

// CreateSession persists a new voice session and returns the stored record.
func (c *OrgClient) CreateSession(
	ctx context.Context,
	session VoiceSession,
) (*VoiceSession, error) {
	var raw map[string]any
	err := c.do(ctx, http.MethodPost, "/api/voice-sessions", nil, session, &raw)
	if err != nil {
		return nil, err
	}
	created := NormalizeSession(raw, c.guildID)
	return &created, nil
}

// UpdateSession applies a partial update to an existing session.
func (c *OrgClient) UpdateSession(
	ctx context.Context,
	id string,
	patch SessionPatch,
) (*VoiceSession, error) {
	var raw map[string]any
	err := c.do(
		ctx,
		http.MethodPut,
		fmt.Sprintf("/api/voice-sessions/%s", url.PathEscape(id)),
		nil,
		patch,
		&raw,
	)
	if err != nil {
		return nil, err
	}
	updated := NormalizeSession(raw, c.guildID)
	return &updated, nil
}

// ListOpenSessions returns every session currently marked open.
func (c *OrgClient) ListOpenSessions(ctx context.Context) ([]VoiceSession, error) {
	return c.listSessions(ctx, url.Values{"open": []string{"true"}})
}

// ListAllSessions returns the full historical session set.
func (c *OrgClient) ListAllSessions(ctx context.Context) ([]VoiceSession, error) {
	return c.listSessions(ctx, nil)
}

func (c *OrgClient) listSessions(
	ctx context.Context,
	query url.Values,
) ([]VoiceSession, error) {
	var raw []map[string]any
	err := c.do(ctx, http.MethodGet, "/api/voice-sessions", query, nil, &raw)
	if err != nil {
		return nil, err
	}
	sessions := make([]VoiceSession, 0, len(raw))
	for _, record := range raw {
		sessions = append(sessions, NormalizeSession(record, c.guildID))
	}
	return sessions, nil
}

// ListRawSessions returns the full session set without normalization, for
// the repair sweep to inspect original field values.
func (c *OrgClient) ListRawSessions(ctx context.Context) ([]map[string]any, error) {
	var raw []map[string]any
	err := c.do(ctx, http.MethodGet, "/api/voice-sessions", nil, nil, &raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// CreateFleet persists a new fleet aggregate record.
func (c *OrgClient) CreateFleet(
	ctx context.Context,
	record FleetRecord,
) (*FleetRecord, error) {
	var created FleetRecord
	err := c.do(ctx, http.MethodPost, "/api/fleets", nil, record, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateFleet replaces an existing fleet record.
func (c *OrgClient) UpdateFleet(
	ctx context.Context,
	id string,
	record FleetRecord,
) (*FleetRecord, error) {
	var updated FleetRecord
	err := c.do(
		ctx,
		http.MethodPut,
		fmt.Sprintf("/api/fleets/%s", url.PathEscape(id)),
		nil,
		record,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListFleetsInWindow returns fleets created within [start, end].
func (c *OrgClient) ListFleetsInWindow(
	ctx context.Context,
	start time.Time,
	end time.Time,
) ([]FleetRecord, error) {
	query := url.Values{
		"start": []string{start.UTC().Format(time.RFC3339)},
		"end":   []string{end.UTC().Format(time.RFC3339)},
	}
	var fleets []FleetRecord
	err := c.do(ctx, http.MethodGet, "/api/fleets", query, nil, &fleets)
	if err != nil {
		return nil, err
	}
	return fleets, nil
}

// FetchLeaderboard returns the current org leaderboard entries.
func (c *OrgClient) FetchLeaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, "/api/leaderboard", nil, nil, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *OrgClient) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	out any,
) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := *c.baseURL
	endpoint.Path, _ = url.JoinPath(endpoint.Path, path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reqBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	rv, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(
			ctx,
			"backend request failed",
			"method", method,
			"path", path,
			tint.Err(err),
		)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = rv.Body.Close()
	}()

	c.logger.DebugContext(
		ctx,
		"backend request completed",
		"method", method,
		"path", path,
		"status", rv.StatusCode,
		"elapsed", time.Since(started),
	)

	if rv.StatusCode < http.StatusOK || rv.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(rv.Body, 4096))
		return fmt.Errorf(
			"%s %s: unexpected status %d: %s",
			method,
			path,
			rv.StatusCode,
			truncate(string(data), 512),
		)
	}

	if out == nil || rv.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(rv.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: error decoding response: %w", method, path, err)
	}
	return nil
}
