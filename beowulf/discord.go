package beowulf

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"sync/atomic"
	"time"
)

// Discord manages the gateway connection used as the presence source.
//
// The gateway is only used for its state cache: voice states, channel
// metadata and member identities. The bot registers no slash commands and
// sends no messages from this package.
type Discord struct {
	session   *discordgo.Session
	config    *DiscordConfig
	guildID   string
	logger    *slog.Logger
	connected atomic.Bool

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
}

// newDiscord initializes a new Discord instance with the provided
// configuration. The session isn't opened until Connect is called.
func newDiscord(config *DiscordConfig, guildID string) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	d := &Discord{config: config, guildID: guildID}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	session.StateEnabled = true
	session.State.TrackVoice = true
	session.State.TrackChannels = true
	session.State.TrackMembers = true
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	d.session = session
	return d, nil
}

// Connect opens the gateway connection and installs connect/disconnect
// handlers.
func (d *Discord) Connect(ctx context.Context) error {
	d.session.LogLevel = discordgo.LogDebug
	logHandler := newLogHandler(defaultLogWriter, d.config.DiscordGoLogLevel)
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		logHandler.WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	d.session.AddHandler(
		func(_ *discordgo.Session, _ *discordgo.Connect) {
			d.connected.Store(true)
			d.metricConnects.Add(1)
			d.logger.Info("connected to discord gateway")
		},
	)
	d.session.AddHandler(
		func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			d.connected.Store(false)
			d.metricDisconnects.Add(1)
			d.logger.Warn("disconnected from discord gateway")
		},
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// Close closes the gateway connection.
func (d *Discord) Close() error {
	return d.session.Close()
}

// Snapshot implements PresenceSource against the discordgo state cache,
// falling back to REST lookups where the cache is cold.
func (d *Discord) Snapshot(ctx context.Context) (PresenceSnapshot, error) {
	guild, err := d.guild()
	if err != nil {
		return PresenceSnapshot{}, fmt.Errorf(
			"error fetching guild %s: %w",
			d.guildID,
			err,
		)
	}

	snapshot := PresenceSnapshot{
		GuildID:      d.guildID,
		AFKChannelID: guild.AfkChannelID,
		TakenAt:      time.Now().UTC(),
		Channels:     map[string]ChannelPresence{},
		Members:      map[string]GuildMember{},
	}

	channelNames := map[string]string{}
	for _, ch := range guild.Channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice ||
			ch.Type == discordgo.ChannelTypeGuildStageVoice {
			channelNames[ch.ID] = ch.Name
		}
	}

	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == "" {
			continue
		}
		member, err := d.member(ctx, vs.UserID)
		if err != nil {
			d.logger.Warn(
				"could not resolve voice channel member",
				"user_id", vs.UserID,
				"channel_id", vs.ChannelID,
				"error", err,
			)
			continue
		}
		if member.Bot {
			continue
		}
		snapshot.Members[member.UserID] = member

		if vs.ChannelID == guild.AfkChannelID {
			snapshot.AFKUserIDs = append(snapshot.AFKUserIDs, vs.UserID)
			continue
		}

		name, tracked := channelNames[vs.ChannelID]
		if !tracked {
			continue
		}
		ch, ok := snapshot.Channels[vs.ChannelID]
		if !ok {
			ch = ChannelPresence{ChannelID: vs.ChannelID, ChannelName: name}
		}
		ch.UserIDs = append(ch.UserIDs, vs.UserID)
		snapshot.Channels[vs.ChannelID] = ch
	}

	return snapshot, nil
}

func (d *Discord) guild() (*discordgo.Guild, error) {
	guild, err := d.session.State.Guild(d.guildID)
	if err == nil && guild != nil {
		return guild, nil
	}
	return d.session.Guild(d.guildID)
}

func (d *Discord) member(
	ctx context.Context,
	userID string,
) (GuildMember, error) {
	member, err := d.session.State.Member(d.guildID, userID)
	if err != nil || member == nil {
		member, err = d.session.GuildMember(
			d.guildID,
			userID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return GuildMember{}, err
		}
	}
	if member.User == nil {
		return GuildMember{}, fmt.Errorf("member %s has no user data", userID)
	}
	return GuildMember{
		UserID:     member.User.ID,
		Username:   member.User.Username,
		GlobalName: member.User.GlobalName,
		Nick:       member.Nick,
		Bot:        member.User.Bot,
	}, nil
}
