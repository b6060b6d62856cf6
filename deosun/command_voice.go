package deosun

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
)

const (
	joinVoiceTemplate = "접속 완료: "
	exitVoiceMessage  = "퇴장했습니다."
)

// handleJoinVoice connects the bot to the caller's voice channel.
// Connecting can take longer than discord allows for an initial
// response, so the reply is deferred and sent as an edit.
func (d *Deosun) handleJoinVoice(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}
	user := interactionUser(i)

	channelID := d.userVoiceChannel(i.GuildID, user.ID)
	if channelID == "" {
		_ = handler.Respond(ctx, ephemeralResponse(userFacingMessage(ErrNotInVoiceChannel)))
		return ErrNotInVoiceChannel
	}

	if err := handler.Respond(ctx, deferredEphemeralResponse()); err != nil {
		return err
	}

	content := joinVoiceTemplate + channelMention(channelID)
	err := d.voice.EnsureSession(ctx, i.GuildID, channelID)
	if err != nil {
		content = userFacingMessage(err)
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// handleExitVoice disconnects the bot from the guild's voice channel
func (d *Deosun) handleExitVoice(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}

	err := d.voice.Leave(i.GuildID)
	switch {
	case errors.Is(err, ErrNoVoiceSession):
		return handler.Respond(ctx, ephemeralResponse(userFacingMessage(err)))
	case err != nil:
		_ = handler.Respond(ctx, ephemeralResponse(userFacingMessage(err)))
		return err
	}
	return handler.Respond(ctx, ephemeralResponse(exitVoiceMessage))
}

// userVoiceChannel returns the voice channel the user is connected to,
// or an empty string if they aren't in one (or state isn't available)
func (d *Deosun) userVoiceChannel(guildID, userID string) string {
	state := d.discord.session.State()
	if state == nil {
		return ""
	}
	return voiceChannelOf(state, guildID, userID)
}
