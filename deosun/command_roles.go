package deosun

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	addRolePrompt          = "원하는 게임 역할을 선택하세요!"
	addRoleNoneConfigured  = "선택 가능한 역할이 없습니다."
	addRoleAlreadyHeld     = "이미 선택한 역할을 보유 중입니다 😥"
	addRoleNotFound        = "선택한 역할을 찾을 수 없습니다."
	addRoleErrorMessage    = "역할 부여 중 오류가 발생했습니다."
	addRoleSuccessTemplate = "%s 역할을 부여하였습니다! 😀"
)

// handleAddRole shows a multi-select of the self-assignable roles
func (d *Deosun) handleAddRole(ctx context.Context, handler InteractionHandler) error {
	roles := d.config.Discord.SelfAssignableRoles
	if len(roles) == 0 {
		return handler.Respond(ctx, ephemeralResponse(addRoleNoneConfigured))
	}

	options := make([]discordgo.SelectMenuOption, 0, len(roles))
	for _, r := range roles {
		options = append(options, discordgo.SelectMenuOption{Label: r.Label, Value: r.RoleID})
	}
	minValues := 0
	menu := discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.StringSelectMenu,
				CustomID:    customIDSelectRole,
				Placeholder: "역할 선택",
				MinValues:   &minValues,
				MaxValues:   len(options),
				Options:     options,
			},
		},
	}
	return handler.Respond(ctx, ephemeralResponse(addRolePrompt, menu))
}

// handleRoleSelect adds the selected roles the member doesn't already
// hold. Values that aren't configured self-assignable roles are ignored.
func (d *Deosun) handleRoleSelect(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	if i.Member == nil || i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}
	member := newMember(i.GuildID, i.Member)

	selected := selectedRoles(d.config.Discord.SelfAssignableRoles, i.MessageComponentData().Values)
	if len(selected) == 0 {
		return handler.Respond(ctx, ephemeralResponse(addRoleNotFound))
	}

	var added []string
	for _, r := range selected {
		if member.hasRole(r.RoleID) {
			continue
		}
		err := d.discord.session.GuildMemberRoleAdd(
			member.GuildID,
			member.UserID,
			r.RoleID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			err = fmt.Errorf("%w: adding role %s: %w", ErrRoleUpdate, r.RoleID, err)
			d.audit.RoleUpdate(ctx, member, "", r.Label, err)
			_ = handler.Respond(ctx, ephemeralResponse(addRoleErrorMessage))
			return err
		}
		d.audit.RoleUpdate(ctx, member, "", r.Label, nil)
		added = append(added, r.Label)
	}

	if len(added) == 0 {
		return handler.Respond(ctx, ephemeralResponse(addRoleAlreadyHeld))
	}
	return handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf(addRoleSuccessTemplate, strings.Join(added, ", "))),
	)
}

// selectedRoles returns the configured roles matching the selected
// role IDs, in configuration order
func selectedRoles(roles []SelectableRole, values []string) []SelectableRole {
	var selected []SelectableRole
	for _, r := range roles {
		for _, v := range values {
			if v == r.RoleID {
				selected = append(selected, r)
				break
			}
		}
	}
	return selected
}

// grantDefaultRole adds the configured default role to a new member
func (d *Deosun) grantDefaultRole(ctx context.Context, member Member) error {
	roleID := d.config.Discord.DefaultRoleID
	if roleID == "" {
		return nil
	}
	if member.hasRole(roleID) {
		return nil
	}
	err := d.discord.session.GuildMemberRoleAdd(
		member.GuildID,
		member.UserID,
		roleID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		err = errors.Join(ErrRoleUpdate, err)
	}
	d.audit.RoleUpdate(ctx, member, "", roleID, err)
	return err
}
