package deosun

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// interactionFunc handles a single slash command or component
// interaction. The returned error is logged and audited; replying to
// the user is the handler's job.
type interactionFunc func(ctx context.Context, handler InteractionHandler) error

// InteractionHandler defines the interface for responding to a Discord
// interaction.
//
// GatewayHandler is the implementation used at runtime. Tests provide
// their own, to capture responses.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error

	// Edit modifies the original interaction response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes the original interaction response
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// Followup sends an additional message for the interaction
	Followup(ctx context.Context, params *discordgo.WebhookParams) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event
	GetInteraction() *discordgo.InteractionCreate

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup message", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// commandHandlers maps slash command names to their handlers
func (d *Deosun) commandHandlers() map[string]interactionFunc {
	return map[string]interactionFunc{
		DiscordSlashCommandCheckStats:       d.handleCheckStats,
		DiscordSlashCommandTranslator:       d.handleTranslator,
		DiscordSlashCommandTransOnOff:       d.handleTransOnOff,
		DiscordSlashCommandTranslateChannel: d.handleTranslateChannel,
		DiscordSlashCommandAddRole:          d.handleAddRole,
		DiscordSlashCommandAgent:            d.handleAgent,
		DiscordSlashCommandJoinVoice:        d.handleJoinVoice,
		DiscordSlashCommandExitVoice:        d.handleExitVoice,
	}
}

// componentHandlers maps message component custom IDs to their handlers
func (d *Deosun) componentHandlers() map[string]interactionFunc {
	return map[string]interactionFunc{
		customIDInputLanguage:  d.languageSelectHandler(languageFieldSource),
		customIDOutputLanguage: d.languageSelectHandler(languageFieldTarget),
		customIDTransOn:        d.translateToggleHandler(true),
		customIDTransOff:       d.translateToggleHandler(false),
		customIDSelectRole:     d.handleRoleSelect,
	}
}

// handleInteraction dispatches an interaction to its command or
// component handler, and records the outcome in the command audit log.
// Interactions from bots are ignored.
func (d *Deosun) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	user := interactionUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	var (
		name string
		h    interactionFunc
		ok   bool
	)
	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	case discordgo.InteractionApplicationCommand:
		name = i.ApplicationCommandData().Name
		h, ok = d.commands[name]
	case discordgo.InteractionMessageComponent:
		name = i.MessageComponentData().CustomID
		h, ok = d.components[name]
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if !ok {
		logger.WarnContext(ctx, "unknown interaction", "name", name)
		_ = handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}

	logger.InfoContext(ctx, "handling interaction", "name", name)
	err := h(ctx, handler)
	if err != nil {
		logger.ErrorContext(ctx, "interaction failed", "name", name, tint.Err(err))
	}
	d.audit.Command(ctx, name, user.ID, i.GuildID, err)
}
