package deosun

import (
	"github.com/bwmarrin/discordgo"
)

const (
	DiscordSlashCommandCheckStats       = "check-stats"
	DiscordSlashCommandTranslator       = "translator"
	DiscordSlashCommandTransOnOff       = "trans-onoff"
	DiscordSlashCommandTranslateChannel = "translate-channel"
	DiscordSlashCommandAddRole          = "addrole"
	DiscordSlashCommandAgent            = "commands"
	DiscordSlashCommandJoinVoice        = "join_voice"
	DiscordSlashCommandExitVoice        = "exit_voice"

	agentInputOption           = "input"
	translateChannelOption     = "action"
	translateChannelActionAdd  = "add"
	translateChannelActionDrop = "remove"

	customIDInputLanguage  = "inputLanguage"
	customIDOutputLanguage = "outputLanguage"
	customIDTransOn        = "transOn"
	customIDTransOff       = "transOff"
	customIDSelectRole     = "select-role"
)

// appCommands returns every slash command the bot registers
func appCommands() []*discordgo.ApplicationCommand {
	adminPerm := int64(discordgo.PermissionAdministrator)
	sendPerm := int64(discordgo.PermissionSendMessages)
	minInput := 1

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandCheckStats,
			Type:        discordgo.ChatApplicationCommand,
			Description: "본인의 현재 활동량을 확인합니다.",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.EnglishUS: "Check your current activity.",
				discordgo.EnglishGB: "Check your current activity.",
				discordgo.Japanese:  "現在の活動量を確認します。",
				discordgo.ChineseCN: "检查您当前的活动量。",
				discordgo.ChineseTW: "檢查您當前的活動量。",
			},
		},
		{
			Name:        DiscordSlashCommandTranslator,
			Type:        discordgo.ChatApplicationCommand,
			Description: "입력 언어와 출력 언어를 선택해 주세요",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.EnglishUS: "Select your input and output language",
				discordgo.EnglishGB: "Select your input and output language",
				discordgo.Japanese:  "入力言語と出力言語を選択してください",
				discordgo.ChineseCN: "请选择您的输入和输出语言",
				discordgo.ChineseTW: "請選擇您的輸入和輸出語言",
			},
		},
		{
			Name:        DiscordSlashCommandTransOnOff,
			Type:        discordgo.ChatApplicationCommand,
			Description: "실시간 번역 여부를 설정해 주세요",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.EnglishUS: "Set whether to enable real-time translation",
				discordgo.EnglishGB: "Set whether to enable real-time translation",
				discordgo.Japanese:  "リアルタイム翻訳かどうかを設定してください",
				discordgo.ChineseCN: "请设置是否启用实时翻译",
				discordgo.ChineseTW: "請設定是否啟用即時翻譯",
			},
		},
		{
			Name:                     DiscordSlashCommandTranslateChannel,
			Type:                     discordgo.ChatApplicationCommand,
			Description:              "현재 채널을 번역 채널로 등록하거나 해제합니다.",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        translateChannelOption,
					Description: "등록 또는 해제",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "등록", Value: translateChannelActionAdd},
						{Name: "해제", Value: translateChannelActionDrop},
					},
				},
			},
		},
		{
			Name:        DiscordSlashCommandAddRole,
			Type:        discordgo.ChatApplicationCommand,
			Description: "선택 후 역할이 부여될 경우, 언급 및 알림에 동의한 것으로 간주됩니다.",
		},
		{
			Name:        DiscordSlashCommandAgent,
			Type:        discordgo.ChatApplicationCommand,
			Description: "더순에게 말을 걸어보세요! 일처리도 가능합니다!",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        agentInputOption,
					Description: "더순에게 보낼 메시지를 입력하세요",
					Required:    true,
					MinLength:   &minInput,
					MaxLength:   discordMaxMessageLength,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandJoinVoice,
			Type:                     discordgo.ChatApplicationCommand,
			Description:              "현재 내가 있는 음성 채널로 봇을 호출합니다.",
			DefaultMemberPermissions: &sendPerm,
		},
		{
			Name:                     DiscordSlashCommandExitVoice,
			Type:                     discordgo.ChatApplicationCommand,
			Description:              "봇을 음성 채널에서 퇴장시킵니다.",
			DefaultMemberPermissions: &sendPerm,
		},
	}
}

// ephemeralResponse is an immediate, ephemeral interaction reply
func ephemeralResponse(content string, components ...discordgo.MessageComponent) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Flags:      discordgo.MessageFlagsEphemeral,
			Components: components,
		},
	}
}

// deferredEphemeralResponse acknowledges an interaction whose reply
// will be sent with an edit
func deferredEphemeralResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// updateMessageResponse replaces the message a component is attached to
func updateMessageResponse(content string, components []discordgo.MessageComponent) *discordgo.InteractionResponse {
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: components,
		},
	}
}
