package beowulf

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/DocFoxHound/Beowulf-sub003/beowulf.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Beowulf is the main application struct: it owns the discord gateway
// connection (presence source), the org backend client, the reconciliation
// loop, the fleet aggregator, the repair sweep, and the operator API.
type Beowulf struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Gateway connection, used only as the presence source
	discord *Discord

	// Org backend CRUD API client (sessions, fleets, leaderboard)
	backend *OrgClient

	leaderboard *LeaderboardCache
	reconciler  *Reconciler
	fleets      *FleetTracker
	repairer    *SessionRepairer

	// Operator HTTP API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once the gateway is connected,
	// the API is listening and the tick loops are running
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown has finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New creates a new Beowulf instance with the given configuration.
func New(config *Config) (*Beowulf, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.GuildID == "" {
		return nil, errors.New("guild_id not set")
	}

	logHandler := newLogHandler(defaultLogWriter, config.LogLevel)
	logger := slog.New(logHandler).With(loggerNameKey, "beowulf")

	b := &Beowulf{
		config:        config,
		logger:        logger,
		logHandler:    logHandler,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	discord, err := newDiscord(config.Discord, config.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error initializing discord: %w", err)
	}
	discord.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = discord

	backendHandler := newLogHandler(defaultLogWriter, config.Backend.LogLevel)
	backend, err := newOrgClient(
		config.Backend,
		config.GuildID,
		config.HTTPClient,
		backendHandler,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing backend client: %w", err)
	}
	b.backend = backend

	b.leaderboard = newLeaderboardCache(
		backend.FetchLeaderboard,
		config.Backend.LeaderboardTTL,
		backendHandler,
	)
	b.reconciler = newReconciler(backend, discord, config.GuildID, logHandler)
	b.fleets = newFleetTracker(
		backend,
		b.leaderboard,
		config.Tracker,
		config.Patch,
		config.IconURL,
		logHandler,
	)
	b.repairer = newSessionRepairer(backend, backend, config.GuildID, logHandler)
	b.api = newAPI(b, config.API)

	return b, nil
}

// Run starts the bot and blocks until the context is canceled, a stop
// signal is received, or startup fails.
func (b *Beowulf) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	ctx = WithLogger(ctx, b.logger)

	startupCtx, startupCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startupCancel()

	if err := b.discord.Connect(startupCtx); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	apiErrCh := make(chan error, 1)
	go func() {
		apiErrCh <- b.api.Serve(ctx)
	}()

	// warm the leaderboard cache so the first fleet merge doesn't block
	// on a backend fetch mid-tick
	b.leaderboard.GetPlayerEntries(startupCtx)

	tickCtx, tickCancel := context.WithCancel(ctx)
	defer tickCancel()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runTickLoop(tickCtx)
	}()

	b.logger.InfoContext(
		ctx,
		"beowulf running",
		"version", Version,
		"guild_id", b.config.GuildID,
		"config", b.config,
	)
	select {
	case b.signalReady <- struct{}{}:
	default:
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.WarnContext(ctx, "context canceled, shutting down")
	case <-b.signalStop:
		b.logger.WarnContext(ctx, "got stop signal, shutting down")
	case err := <-apiErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("api server error: %w", err)
			b.logger.ErrorContext(ctx, "api server failed", tint.Err(err))
		}
	}

	tickCancel()
	b.shutdown(wg)
	return runErr
}

// Stop signals a running bot to shut down.
func (b *Beowulf) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// runTickLoop drives the reconciliation loop and fleet aggregator. Both
// run off the same tick so fleet aggregates and session records derive
// from one consistent snapshot per cycle, while remaining independent
// aggregates in the backend.
func (b *Beowulf) runTickLoop(ctx context.Context) {
	interval := b.config.Tracker.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.InfoContext(ctx, "starting tick loop", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "stopping tick loop")
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Beowulf) tick(ctx context.Context) {
	snapshot, err := b.reconciler.Tick(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "reconciliation tick failed", tint.Err(err))
		return
	}
	if snapshot == nil {
		// previous tick still running
		return
	}
	b.fleets.ObserveSnapshot(ctx, *snapshot)
	b.fleets.Sweep(ctx, *snapshot)
}

// RepairSessions runs a one-shot repair sweep over the full historical
// session set.
func (b *Beowulf) RepairSessions(ctx context.Context) (RepairReport, error) {
	return b.repairer.Run(ctx)
}

func (b *Beowulf) shutdown(wg *sync.WaitGroup) {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		b.logger.Warn("timed out waiting for tick loop to stop")
	}

	if err := b.api.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("error shutting down api server", tint.Err(err))
	}
	if err := b.discord.Close(); err != nil {
		b.logger.Warn("error closing discord session", tint.Err(err))
	}

	select {
	case b.eventShutdown <- struct{}{}:
	default:
	}
	b.logger.Info(
		"shutdown complete",
		"uptime", time.Since(b.startedAt).Round(time.Second),
	)
}
