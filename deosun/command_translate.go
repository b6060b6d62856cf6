package deosun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// translatorSelectionTimeout is how long a /translator prompt waits
	// for both languages to be picked
	translatorSelectionTimeout = 60 * time.Second
	pendingSweepInterval       = 5 * time.Second

	// transToggleReplyLifetime is how long the trans-onoff confirmation
	// stays up before it's deleted
	transToggleReplyLifetime = 3 * time.Second

	translatorPrompt         = "**입력 언어**와 **출력 언어**를 선택해 주세요."
	translatorTimeoutMessage = "시간이 초과되었습니다. /translator 명령어를 다시 입력해 주세요."
	transOnOffPrompt         = "실시간 번역을 활성화하시겠습니까?"
	transOnMessage           = "실시간 번역이 활성화되었습니다."
	transOffMessage          = "실시간 번역이 비활성화되었습니다."
	settingsErrorMessage     = "설정 저장 중 오류가 발생했습니다."
	guildOnlyMessage         = "서버에서만 사용할 수 있는 명령어입니다."
)

type languageField int

const (
	languageFieldSource languageField = iota
	languageFieldTarget
)

// languageSelection is a /translator prompt waiting on the user's picks
type languageSelection struct {
	interaction *discordgo.Interaction

	mu     sync.Mutex
	source string
	target string
	done   bool
}

func translatorComponents() []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(Languages))
	for _, l := range Languages {
		options = append(options, discordgo.SelectMenuOption{Label: l.Label, Value: l.Code})
	}
	one := 1
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    customIDInputLanguage,
					Placeholder: "입력 언어 선택",
					MaxValues:   one,
					Options:     options,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    customIDOutputLanguage,
					Placeholder: "출력 언어 선택",
					MaxValues:   one,
					Options:     options,
				},
			},
		},
	}
}

// handleTranslator shows the language select menus, and holds a
// pending selection for the user until both are picked or it expires
func (d *Deosun) handleTranslator(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	user := interactionUser(i)

	// a newer prompt replaces the old one, which gets its menus removed
	if _, found := d.pendingLanguages.Get(user.ID); found {
		d.pendingLanguages.Delete(user.ID)
	}
	d.pendingLanguages.SetDefault(user.ID, &languageSelection{interaction: i.Interaction})

	return handler.Respond(ctx, ephemeralResponse(translatorPrompt, translatorComponents()...))
}

// onLanguageSelectionEvicted runs when a pending selection expires or is
// replaced. Unfinished prompts are edited to remove their menus.
func (d *Deosun) onLanguageSelectionEvicted(userID string, v any) {
	sel, ok := v.(*languageSelection)
	if !ok {
		return
	}
	sel.mu.Lock()
	done := sel.done
	sel.done = true
	sel.mu.Unlock()
	if done {
		return
	}

	d.deferCleanup(
		0, func(ctx context.Context) {
			content := translatorTimeoutMessage
			components := []discordgo.MessageComponent{}
			if _, err := d.discord.session.InteractionResponseEdit(
				sel.interaction,
				&discordgo.WebhookEdit{Content: &content, Components: &components},
				discordgo.WithContext(ctx),
			); err != nil {
				d.logger.WarnContext(
					ctx,
					"error removing expired translator prompt",
					columnUserID, userID,
					tint.Err(err),
				)
			}
		},
	)
}

// languageSelectHandler handles a pick from one of the /translator menus.
// Once both languages are known, they're saved to the user's settings.
func (d *Deosun) languageSelectHandler(field languageField) interactionFunc {
	return func(ctx context.Context, handler InteractionHandler) error {
		i := handler.GetInteraction()
		user := interactionUser(i)

		values := i.MessageComponentData().Values
		if len(values) == 0 {
			return handler.Respond(ctx, updateMessageResponse(translatorPrompt, translatorComponents()))
		}
		lang, ok := languageByCode(values[0])
		if !ok {
			return fmt.Errorf("unknown language code %q", values[0])
		}

		v, found := d.pendingLanguages.Get(user.ID)
		if !found {
			return handler.Respond(ctx, updateMessageResponse(translatorTimeoutMessage, nil))
		}
		sel := v.(*languageSelection)

		sel.mu.Lock()
		if sel.done {
			sel.mu.Unlock()
			return handler.Respond(ctx, updateMessageResponse(translatorTimeoutMessage, nil))
		}
		switch field {
		case languageFieldSource:
			sel.source = lang.Code
		case languageFieldTarget:
			sel.target = lang.Code
		}
		source, target := sel.source, sel.target
		complete := source != "" && target != ""
		if complete {
			sel.done = true
		}
		sel.mu.Unlock()

		if !complete {
			return handler.Respond(
				ctx,
				updateMessageResponse(languageProgressMessage(source, target), translatorComponents()),
			)
		}

		d.pendingLanguages.Delete(user.ID)
		if err := d.settings.SetLanguages(
			ctx,
			user.ID,
			interactionDisplayName(i),
			source,
			target,
		); err != nil {
			_ = handler.Respond(ctx, updateMessageResponse(settingsErrorMessage, nil))
			return err
		}
		return handler.Respond(ctx, updateMessageResponse(languageProgressMessage(source, target), nil))
	}
}

// languageProgressMessage describes which languages have been picked
func languageProgressMessage(source, target string) string {
	src, _ := languageByCode(source)
	tgt, _ := languageByCode(target)
	switch {
	case source != "" && target != "":
		return fmt.Sprintf("✅ **입력 언어 :** %s\n✅ **출력 언어 :** %s", src.Label, tgt.Label)
	case source != "":
		return fmt.Sprintf("입력 언어 : %s\n출력 언어를 선택해 주세요.", src.Label)
	case target != "":
		return fmt.Sprintf("출력 언어 : %s\n입력 언어를 선택해 주세요.", tgt.Label)
	default:
		return translatorPrompt
	}
}

// handleTransOnOff shows the ON and OFF buttons
func (d *Deosun) handleTransOnOff(ctx context.Context, handler InteractionHandler) error {
	buttons := discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "ON",
				Style:    discordgo.SuccessButton,
				CustomID: customIDTransOn,
			},
			discordgo.Button{
				Label:    "OFF",
				Style:    discordgo.DangerButton,
				CustomID: customIDTransOff,
			},
		},
	}
	return handler.Respond(ctx, ephemeralResponse(transOnOffPrompt, buttons))
}

// translateToggleHandler saves the user's translation opt-in. The
// confirmation is deleted after transToggleReplyLifetime.
func (d *Deosun) translateToggleHandler(enabled bool) interactionFunc {
	return func(ctx context.Context, handler InteractionHandler) error {
		i := handler.GetInteraction()
		user := interactionUser(i)

		if err := d.settings.SetTranslateEnabled(
			ctx,
			user.ID,
			interactionDisplayName(i),
			enabled,
		); err != nil {
			_ = handler.Respond(ctx, ephemeralResponse(settingsErrorMessage))
			return err
		}

		msg := transOffMessage
		if enabled {
			msg = transOnMessage
		}
		if err := handler.Respond(ctx, ephemeralResponse(msg)); err != nil {
			return err
		}
		d.deferCleanup(
			transToggleReplyLifetime, func(ctx context.Context) {
				handler.Delete(ctx)
			},
		)
		return nil
	}
}

// handleTranslateChannel adds or removes the current channel from the
// server's translation allowlist
func (d *Deosun) handleTranslateChannel(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}

	var action string
	if opt, ok := discordInteractionOptions(i)[translateChannelOption]; ok {
		action = opt.StringValue()
	}

	var (
		changed bool
		err     error
		msg     string
	)
	switch action {
	case translateChannelActionAdd:
		changed, err = d.settings.AddTranslateChannel(ctx, i.GuildID, i.ChannelID)
		msg = "이미 번역 채널로 등록되어 있습니다."
		if changed {
			msg = "번역 채널로 등록했습니다: " + channelMention(i.ChannelID)
		}
	case translateChannelActionDrop:
		changed, err = d.settings.RemoveTranslateChannel(ctx, i.GuildID, i.ChannelID)
		msg = "번역 채널이 아닙니다."
		if changed {
			msg = "번역 채널에서 해제했습니다: " + channelMention(i.ChannelID)
		}
	default:
		return fmt.Errorf("unknown translate-channel action %q", action)
	}
	if err != nil {
		_ = handler.Respond(ctx, ephemeralResponse(settingsErrorMessage))
		return err
	}
	return handler.Respond(ctx, ephemeralResponse(msg))
}

// interactionDisplayName returns the caller's guild nickname, or their
// user display name outside a guild
func interactionDisplayName(i *discordgo.InteractionCreate) string {
	if i.Member != nil {
		return memberDisplayName(i.Member)
	}
	return userDisplayName(i.User)
}
