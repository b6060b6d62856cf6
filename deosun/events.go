package deosun

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleMemberAdd grants the default role to members joining the
// managed guild
func (d *Deosun) handleMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.GuildID != d.config.Discord.GuildID {
		return
	}
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	member := newMember(m.GuildID, m.Member)
	if err := d.grantDefaultRole(ctx, member); err != nil {
		d.logger.ErrorContext(ctx, "error adding default role", "member", member, tint.Err(err))
	}
}

// handleMessageCreate runs each step for a new message. Every step is
// isolated: a failure is logged and the next step still runs.
//
// In the managed guild, the chat counter is incremented and the author's
// tier reconciled. Messages in a TTS channel are read aloud, or rejected
// with a reply if the author isn't in a voice channel. Anything else goes
// to the translation flow.
func (d *Deosun) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != "" && m.GuildID != d.config.Discord.GuildID {
		return
	}
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	logger := d.logger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			columnUserID, m.Author.ID,
		),
	)
	ctx = WithLogger(ctx, logger)

	if m.GuildID != "" {
		member := messageMember(m)
		d.recordActivity(ctx, member, StatChat)

		if slices.Contains(d.config.Discord.TTSChannelIDs, m.ChannelID) {
			channelID := d.userVoiceChannel(m.GuildID, m.Author.ID)
			if channelID == "" {
				d.replyError(ctx, m, ErrNotInVoiceChannel)
				return
			}
			d.readAloud(ctx, m, channelID)
			return
		}
	}

	d.translateMessage(ctx, m)
}

// handleVoiceStateUpdate counts a voice join (and reconciles the
// member's tier) when a member enters a voice channel from none. Moves
// between channels and leaves aren't counted.
func (d *Deosun) handleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.GuildID != d.config.Discord.GuildID {
		return
	}
	if v.Member == nil || v.Member.User == nil || v.Member.User.Bot {
		return
	}
	joined := (v.BeforeUpdate == nil || v.BeforeUpdate.ChannelID == "") && v.ChannelID != ""
	if !joined {
		return
	}
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	member := newMember(v.GuildID, v.Member)
	ctx = WithLogger(ctx, d.logger.With("member", member, "channel_id", v.ChannelID))
	d.recordActivity(ctx, member, StatVoice)
}

// recordActivity increments the member's counter, then reconciles their
// tier with the updated counts
func (d *Deosun) recordActivity(ctx context.Context, member Member, field StatField) {
	logger := contextLoggerOr(ctx, d.logger)

	if err := d.stats.UpsertIncrement(ctx, member.UserID, member.DisplayName, field); err != nil {
		logger.ErrorContext(ctx, "error incrementing stats", "field", field, tint.Err(err))
	}

	stat, found, err := d.stats.Get(ctx, member.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error reading stats", tint.Err(err))
		return
	}
	if !found {
		return
	}
	if _, err = d.roles.Reconcile(ctx, member, stat.ChatCount, stat.VoiceJoinCount); err != nil {
		logger.ErrorContext(ctx, "error reconciling tier", tint.Err(err))
	}
}

// readAloud makes sure the bot is in the author's voice channel, and
// queues the message for text-to-speech
func (d *Deosun) readAloud(ctx context.Context, m *discordgo.MessageCreate, channelID string) {
	logger := contextLoggerOr(ctx, d.logger)

	text, err := PrepareTTSText(
		m.Content,
		messageMentions(m.Message, d.lookupMember),
		d.config.Voice.TTSMaxLength,
	)
	if err != nil {
		logger.DebugContext(ctx, "nothing to read aloud", tint.Err(err))
		return
	}
	if err = d.voice.EnsureSession(ctx, m.GuildID, channelID); err != nil {
		logger.ErrorContext(ctx, "error joining voice channel", tint.Err(err))
		d.replyError(ctx, m, err)
		return
	}
	if err = d.voice.Enqueue(m.GuildID, text); err != nil {
		logger.ErrorContext(ctx, "error queueing tts", tint.Err(err))
		d.replyError(ctx, m, err)
	}
}

// replyError replies to the message with the user-facing text for err
func (d *Deosun) replyError(ctx context.Context, m *discordgo.MessageCreate, err error) {
	if _, sendErr := d.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		userFacingMessage(err),
		m.Reference(),
		discordgo.WithContext(ctx),
	); sendErr != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
	}
}

// translateMessage replies with a translation when the channel, the
// message and the author's settings all allow it
func (d *Deosun) translateMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if d.translation == nil || !d.config.Translate.Enabled {
		return
	}
	logger := contextLoggerOr(ctx, d.logger)

	reply, ok, err := d.translation.Process(
		ctx,
		TranslationRequest{
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			Message:   newMessage(m.Message),
			Mentions: func() []Mention {
				return messageMentions(m.Message, d.lookupMember)
			},
		},
	)
	if errors.Is(err, ErrTranslationDisabled) {
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error translating message", tint.Err(err))
		return
	}
	if !ok {
		return
	}
	if _, err = d.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending translation", tint.Err(err))
	}
}

// messageMember builds a Member for a message author. The member
// payload on MessageCreate has no user, so it's taken from the author.
func messageMember(m *discordgo.MessageCreate) Member {
	member := Member{
		GuildID:     m.GuildID,
		UserID:      m.Author.ID,
		DisplayName: userDisplayName(m.Author),
	}
	if m.Member != nil {
		member.RoleIDs = slices.Clone(m.Member.Roles)
		if m.Member.Nick != "" {
			member.DisplayName = m.Member.Nick
		}
	}
	return member
}

// lookupMember returns the member from the gateway state cache, and
// falls back to the API when it isn't cached
func (d *Deosun) lookupMember(guildID, userID string) (*discordgo.Member, error) {
	if state := d.discord.session.State(); state != nil {
		if member, err := state.Member(guildID, userID); err == nil {
			return member, nil
		}
	}
	return d.discord.session.GuildMember(guildID, userID)
}
