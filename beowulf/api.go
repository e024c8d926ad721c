package beowulf

import (
	"context"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// API is the operator HTTP server: health, tick/fleet counters, and a
// trigger for the session repair sweep. It's operator tooling, not a
// user-facing surface - it carries no auth and should be bound to
// localhost or a private interface.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	b          *Beowulf
}

func newAPI(b *Beowulf, config *APIConfig) *API {
	handler := newLogHandler(defaultLogWriter, config.LogLevel)
	a := &API{
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "api"),
		b:      b,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginLoggerMiddleware(handler))
	if len(config.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(config.CORS.GINConfig()))
	}

	engine.GET("/health", a.getHealth)
	engine.GET("/status", a.getStatus)
	engine.POST("/repair", a.postRepair)

	a.engine = engine
	a.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return a
}

// Serve listens on the configured address and serves until Shutdown is
// called or the listener fails.
func (a *API) Serve(ctx context.Context) error {
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listener, err := net.Listen(network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.config.Listen)
	return a.httpServer.Serve(listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) getHealth(c *gin.Context) {
	status := http.StatusOK
	connected := a.b.discord.connected.Load()
	if !connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(
		status,
		gin.H{
			"discord_connected": connected,
			"uptime":            time.Since(a.b.startedAt).Round(time.Second).String(),
		},
	)
}

func (a *API) getStatus(c *gin.Context) {
	var lastTick *time.Time
	if t := a.b.reconciler.lastTickAt.Load(); t != nil {
		lastTick = t
	}
	c.JSON(
		http.StatusOK,
		gin.H{
			"version":           Version,
			"started_at":        a.b.startedAt,
			"last_tick_at":      lastTick,
			"ticks":             a.b.reconciler.metricTicks.Load(),
			"ticks_skipped":     a.b.reconciler.metricTicksSkipped.Load(),
			"sessions_created":  a.b.reconciler.metricSessionsCreated.Load(),
			"sessions_closed":   a.b.reconciler.metricSessionsClosed.Load(),
			"fleets_created":    a.b.fleets.metricFleetsCreated.Load(),
			"fleets_finalized":  a.b.fleets.metricFleetsFinalized.Load(),
			"gateway_connects":  a.b.discord.metricConnects.Load(),
			"gateway_reconnect": a.b.discord.metricDisconnects.Load(),
		},
	)
}

func (a *API) postRepair(c *gin.Context) {
	report, err := a.b.RepairSessions(c.Request.Context())
	if err != nil {
		c.JSON(
			http.StatusBadGateway,
			gin.H{"error": err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, report)
}
