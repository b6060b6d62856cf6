package deosun

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const promotionMessageFormat = "%s 님이 %s 역할로 승급했습니다! 🎉"

// roleSession is the subset of DiscordSessionHandler used to manage
// member roles and announce promotions
type roleSession interface {
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Member is a guild member, as far as role reconciliation is concerned
type Member struct {
	GuildID     string
	UserID      string
	DisplayName string
	RoleIDs     []string
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", m.GuildID),
		slog.String(columnUserID, m.UserID),
		slog.String("display_name", m.DisplayName),
	)
}

func (m Member) hasRole(roleID string) bool {
	return slices.Contains(m.RoleIDs, roleID)
}

// newMember converts a discordgo member. guildID is used when the
// member payload doesn't carry one (ex: MessageCreate.Member)
func newMember(guildID string, m *discordgo.Member) Member {
	member := Member{GuildID: m.GuildID, RoleIDs: slices.Clone(m.Roles)}
	if member.GuildID == "" {
		member.GuildID = guildID
	}
	if m.User != nil {
		member.UserID = m.User.ID
	}
	member.DisplayName = memberDisplayName(m)
	return member
}

// ReconcileResult describes what Reconcile did
type ReconcileResult struct {
	Previous    Tier
	HadPrevious bool
	Current     Tier
	Changed     bool
}

// RoleManager keeps each member's tier role in line with their
// activity counters
type RoleManager struct {
	tiers                 *TierTable
	session               roleSession
	notificationChannelID string
	audit                 *AuditLog
	logger                *slog.Logger
}

func newRoleManager(
	tiers *TierTable,
	session roleSession,
	notificationChannelID string,
	audit *AuditLog,
	logger *slog.Logger,
) *RoleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleManager{
		tiers:                 tiers,
		session:               session,
		notificationChannelID: notificationChannelID,
		audit:                 audit,
		logger:                logger.With(loggerNameKey, "role_manager"),
	}
}

// Reconcile moves the member to the tier their counters qualify for.
//
// If the eligible tier's role is the only tier role the member holds,
// nothing is changed. Otherwise every other tier role is removed, the
// eligible role is added if missing, and a promotion message is sent to
// the notification channel when the member's tier changed. Role failures
// are returned wrapping ErrRoleUpdate and aren't retried; the next
// activity event will try again.
func (r *RoleManager) Reconcile(
	ctx context.Context,
	member Member,
	chatCount int,
	voiceJoinCount int,
) (ReconcileResult, error) {
	eligible := r.tiers.Eligible(chatCount, voiceJoinCount)
	current, hasCurrent := r.tiers.Current(member.RoleIDs)
	result := ReconcileResult{
		Previous:    current,
		HadPrevious: hasCurrent,
		Current:     eligible,
	}
	var stale []string
	for _, roleID := range member.RoleIDs {
		if roleID != eligible.RoleID && r.tiers.IsTierRole(roleID) {
			stale = append(stale, roleID)
		}
	}
	holdsEligible := member.hasRole(eligible.RoleID)
	if holdsEligible && len(stale) == 0 {
		return result, nil
	}

	logger := r.logger.With("member", member)
	logger.InfoContext(
		ctx,
		"updating tier",
		"previous", current.Name,
		"eligible", eligible.Name,
		"chat_count", chatCount,
		"voice_join_count", voiceJoinCount,
	)

	var errs []error
	for _, roleID := range stale {
		if err := r.session.GuildMemberRoleRemove(
			member.GuildID,
			member.UserID,
			roleID,
			discordgo.WithContext(ctx),
		); err != nil {
			errs = append(errs, fmt.Errorf("removing role %s: %w", roleID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		err = fmt.Errorf("%w: %w", ErrRoleUpdate, err)
		r.audit.RoleUpdate(ctx, member, current.Name, eligible.Name, err)
		return result, err
	}

	if !holdsEligible {
		if err := r.session.GuildMemberRoleAdd(
			member.GuildID,
			member.UserID,
			eligible.RoleID,
			discordgo.WithContext(ctx),
		); err != nil {
			err = fmt.Errorf("%w: adding role %s: %w", ErrRoleUpdate, eligible.RoleID, err)
			r.audit.RoleUpdate(ctx, member, current.Name, eligible.Name, err)
			return result, err
		}
	}
	result.Changed = true
	r.audit.RoleUpdate(ctx, member, current.Name, eligible.Name, nil)

	// Dropping a lower leftover role doesn't change the member's tier
	if hasCurrent && current.RoleID == eligible.RoleID {
		return result, nil
	}
	r.notify(ctx, logger, member, eligible)
	return result, nil
}

func (r *RoleManager) notify(ctx context.Context, logger *slog.Logger, member Member, tier Tier) {
	if r.notificationChannelID == "" {
		return
	}
	msg := fmt.Sprintf(promotionMessageFormat, member.DisplayName, tier.Name)
	if _, err := r.session.ChannelMessageSend(
		r.notificationChannelID,
		msg,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending promotion message", tint.Err(err))
	}
}

// TierName returns the display name of the tier the counters qualify for
func (r *RoleManager) TierName(chatCount, voiceJoinCount int) string {
	return r.tiers.Eligible(chatCount, voiceJoinCount).Name
}

// Ranking holds the leaderboards shown by /check-stats
type Ranking struct {
	TopChat  []UserStat `json:"top_chat"`
	TopVoice []UserStat `json:"top_voice"`
}

// rankStats returns the top n users by chat count, and by voice join count.
// Ties are broken by user ID so output is stable.
func rankStats(stats []UserStat, n int) Ranking {
	byChat := slices.Clone(stats)
	slices.SortStableFunc(
		byChat, func(a, b UserStat) int {
			return cmp.Or(cmp.Compare(b.ChatCount, a.ChatCount), cmp.Compare(a.ID, b.ID))
		},
	)
	byVoice := slices.Clone(stats)
	slices.SortStableFunc(
		byVoice, func(a, b UserStat) int {
			return cmp.Or(
				cmp.Compare(b.VoiceJoinCount, a.VoiceJoinCount),
				cmp.Compare(a.ID, b.ID),
			)
		},
	)
	return Ranking{
		TopChat:  byChat[:min(n, len(byChat))],
		TopVoice: byVoice[:min(n, len(byVoice))],
	}
}
