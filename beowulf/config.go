//nolint:lll // struct tags can't be split
package beowulf

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix = "BEOWULF_ENV_PREFIX"
	DefaultEnvPrefix   = "BWLF"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultBackendLogLevel   = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultTickInterval is how often the session reconciliation loop
	// diffs live voice membership against open sessions.
	DefaultTickInterval = time.Minute

	// DefaultFleetLookback is how far back ObserveChannel searches for an
	// existing fleet record before creating a new one for a channel.
	DefaultFleetLookback = time.Hour

	// DefaultSweepLookback bounds the fleet sweep to recently created
	// fleets. Older fleets are already finalized or abandoned.
	DefaultSweepLookback = 3 * time.Minute

	// DefaultMinDwell is the minimum stay a fleet member needs to survive
	// finalization. Drive-by joins shorter than this are dropped.
	DefaultMinDwell = 10 * time.Minute

	// DefaultFleetQuorum is the minimum simultaneous non-bot occupancy
	// required to open or maintain a fleet aggregate.
	DefaultFleetQuorum = 3

	// MaxSessionMinutes is the hard cap on a session's minute counter.
	MaxSessionMinutes = 32767

	DefaultBackendRequestsPerSecond = 5
	DefaultBackendTimeout           = 15 * time.Second
	DefaultLeaderboardTTL           = 10 * time.Minute

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level configuration for the bot.
type Config struct {
	// GuildID is the single moderated guild whose voice channels are tracked
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// Patch is the current game patch/version tag stamped onto fleet records
	Patch string `yaml:"patch" mapstructure:"patch" json:"patch"`

	// IconURL is the icon stamped onto new fleet records
	IconURL string `yaml:"icon_url" mapstructure:"icon_url" json:"icon_url"`

	// Discord configures the gateway connection used as the presence source
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Backend configures the org backend CRUD API client
	Backend *BackendConfig `yaml:"backend" mapstructure:"backend" json:"backend"`

	// Tracker configures the reconciliation loop and fleet aggregator timing
	Tracker *TrackerConfig `yaml:"tracker" mapstructure:"tracker" json:"tracker"`

	// API configures the operator HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord gateway connection.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// BackendConfig configures the org backend API client. All session and
// fleet persistence goes through this API - the bot has no database of
// its own.
//
//nolint:lll // can't break tags
type BackendConfig struct {
	// Base URL of the org backend API (e.g., "https://api.example.org")
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Bearer token sent with every backend request
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Outbound request rate limit
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second"`

	// Per-request timeout
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// LeaderboardTTL is how long cached leaderboard entries are served
	// before being refreshed from the backend
	LeaderboardTTL time.Duration `yaml:"leaderboard_ttl" mapstructure:"leaderboard_ttl" json:"leaderboard_ttl"`

	// Log level for backend API requests
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// TrackerConfig configures the reconciliation loop and fleet aggregator.
//
//nolint:lll // can't break tags
type TrackerConfig struct {
	// TickInterval is the reconciliation loop interval
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" json:"tick_interval"`

	// FleetLookback is the window searched for an existing fleet before a
	// new one is created for a channel at quorum
	FleetLookback time.Duration `yaml:"fleet_lookback" mapstructure:"fleet_lookback" json:"fleet_lookback"`

	// SweepLookback bounds the fleet sweep to fleets created this recently
	SweepLookback time.Duration `yaml:"sweep_lookback" mapstructure:"sweep_lookback" json:"sweep_lookback"`

	// MinDwell is the minimum member stay that survives fleet finalization
	MinDwell time.Duration `yaml:"min_dwell" mapstructure:"min_dwell" json:"min_dwell"`

	// Quorum is the minimum non-bot occupancy to open/maintain a fleet
	Quorum int `yaml:"quorum" mapstructure:"quorum" json:"quorum"`
}

// APIConfig configures the operator HTTP API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	backendLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	backendLogLevel.Set(DefaultBackendLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Backend: &BackendConfig{
			RequestsPerSecond: DefaultBackendRequestsPerSecond,
			Timeout:           DefaultBackendTimeout,
			LeaderboardTTL:    DefaultLeaderboardTTL,
			LogLevel:          backendLogLevel,
		},
		Tracker: &TrackerConfig{
			TickInterval:  DefaultTickInterval,
			FleetLookback: DefaultFleetLookback,
			SweepLookback: DefaultSweepLookback,
			MinDwell:      DefaultMinDwell,
			Quorum:        DefaultFleetQuorum,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
