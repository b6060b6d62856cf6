package deosun

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const agentErrorMessage = "AI 응답 생성 중 오류가 발생했습니다."

// handleAgent acknowledges the /commands prompt, then posts the agent's
// reply as a follow-up
func (d *Deosun) handleAgent(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()

	var text string
	if opt, ok := discordInteractionOptions(i)[agentInputOption]; ok {
		text = strings.TrimSpace(opt.StringValue())
	}
	if text == "" {
		return handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
	}

	ack := shortenString(fmt.Sprintf("받은 메시지: \"%s\"", text), discordMaxMessageLength)
	if err := handler.Respond(ctx, ephemeralResponse(ack)); err != nil {
		return err
	}

	reply, err := d.agent.Ask(ctx, text)
	if err != nil {
		msg := agentErrorMessage
		if errors.Is(err, ErrAgentUnavailable) {
			msg = userFacingMessage(err)
		}
		_, _ = handler.Followup(
			ctx,
			&discordgo.WebhookParams{Content: msg, Flags: discordgo.MessageFlagsEphemeral},
		)
		return err
	}

	_, err = handler.Followup(
		ctx,
		&discordgo.WebhookParams{Content: shortenString(reply, discordMaxMessageLength)},
	)
	return err
}
