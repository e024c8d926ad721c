package cmd

import (
	"context"
	"fmt"
	"github.com/DocFoxHound/Beowulf-sub003/beowulf"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = beowulf.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "beowulf [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("guild_id", "")
	viper.SetDefault("patch", "")
	viper.SetDefault("icon_url", "")

	viper.SetDefault("log_level", beowulf.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", beowulf.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", beowulf.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		beowulf.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		beowulf.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		beowulf.DefaultDiscordGatewayIntent,
	)

	// Backend config
	viper.SetDefault("backend.url", "")
	viper.SetDefault("backend.token", "")
	viper.SetDefault(
		"backend.requests_per_second",
		beowulf.DefaultBackendRequestsPerSecond,
	)
	viper.SetDefault("backend.timeout", beowulf.DefaultBackendTimeout)
	viper.SetDefault("backend.leaderboard_ttl", beowulf.DefaultLeaderboardTTL)
	viper.SetDefault(
		"backend.log_level",
		beowulf.DefaultBackendLogLevel.String(),
	)

	// Tracker config
	viper.SetDefault("tracker.tick_interval", beowulf.DefaultTickInterval)
	viper.SetDefault("tracker.fleet_lookback", beowulf.DefaultFleetLookback)
	viper.SetDefault("tracker.sweep_lookback", beowulf.DefaultSweepLookback)
	viper.SetDefault("tracker.min_dwell", beowulf.DefaultMinDwell)
	viper.SetDefault("tracker.quorum", beowulf.DefaultFleetQuorum)

	// API config
	viper.SetDefault("api.listen", beowulf.DefaultAPIListen)
	viper.SetDefault("api.log_level", beowulf.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", beowulf.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		beowulf.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", beowulf.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", beowulf.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		beowulf.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		beowulf.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", beowulf.DefaultCORSMaxAge)

	envPrefix := os.Getenv(beowulf.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = beowulf.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"backend.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
