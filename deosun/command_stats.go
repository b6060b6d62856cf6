package deosun

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	statsRankingSize = 3

	statsNoDataMessage = "⚠️ 활동 데이터가 존재하지 않습니다."
	statsErrorMessage  = "❌ 데이터를 불러오는 중 오류가 발생했습니다."
)

// activityZone is the timezone activity dates are shown in
var activityZone = time.FixedZone("KST", 9*60*60)

// handleCheckStats replies with the caller's activity counters, their
// tier, and the chat and voice leaderboards
func (d *Deosun) handleCheckStats(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	user := interactionUser(i)

	stat, found, err := d.stats.Get(ctx, user.ID)
	if err != nil {
		_ = handler.Respond(ctx, ephemeralResponse(statsErrorMessage))
		return err
	}
	if !found {
		return handler.Respond(ctx, ephemeralResponse(statsNoDataMessage))
	}

	all, err := d.stats.ScanAll(ctx)
	if err != nil {
		_ = handler.Respond(ctx, ephemeralResponse(statsErrorMessage))
		return err
	}

	content := statsSummary(
		stat,
		d.roles.TierName(stat.ChatCount, stat.VoiceJoinCount),
		rankStats(all, statsRankingSize),
	)
	return handler.Respond(ctx, ephemeralResponse(shortenString(content, discordMaxMessageLength)))
}

// statsSummary renders the /check-stats reply
func statsSummary(stat UserStat, tierName string, ranking Ranking) string {
	last := stat.LastUpdated.In(activityZone)
	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"<@%s>님의 채팅 횟수는 %d번, 음성 채팅 접속 횟수는 %d번, 마지막 활동 날짜는 %d. %d. %d.입니다.",
		stat.ID,
		stat.ChatCount,
		stat.VoiceJoinCount,
		last.Year(),
		last.Month(),
		last.Day(),
	)
	if tierName != "" {
		fmt.Fprintf(&sb, "\n현재 티어는 %s입니다.", tierName)
	}

	sb.WriteString("\n\n💬 채팅 활동 TOP 3")
	for n, s := range ranking.TopChat {
		fmt.Fprintf(&sb, "\n%d위: %s (%d회)", n+1, rankingName(s), s.ChatCount)
	}
	sb.WriteString("\n\n🎤 음성 채팅 접속 TOP 3")
	for n, s := range ranking.TopVoice {
		fmt.Fprintf(&sb, "\n%d위: %s (%d회)", n+1, rankingName(s), s.VoiceJoinCount)
	}
	return sb.String()
}

func rankingName(s UserStat) string {
	if s.UserName != "" {
		return s.UserName
	}
	return "<@" + s.ID + ">"
}
