package deosun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTierTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tiers   []Tier
		wantErr bool
	}{
		{
			name:  "default tiers",
			tiers: DefaultTiers(),
		},
		{
			name: "unsorted input",
			tiers: []Tier{
				{RoleID: "s", Name: "SILVER", ChatThreshold: 200, VoiceThreshold: 20},
				{RoleID: "u", Name: "UNRANK"},
				{RoleID: "b", Name: "BRONZE", ChatThreshold: 100, VoiceThreshold: 10},
			},
		},
		{
			name:    "empty",
			wantErr: true,
		},
		{
			name: "no sentinel",
			tiers: []Tier{
				{RoleID: "b", Name: "BRONZE", ChatThreshold: 100, VoiceThreshold: 10},
			},
			wantErr: true,
		},
		{
			name: "two sentinels",
			tiers: []Tier{
				{RoleID: "u", Name: "UNRANK"},
				{RoleID: "n", Name: "NEWBIE"},
			},
			wantErr: true,
		},
		{
			name: "duplicate role",
			tiers: []Tier{
				{RoleID: "u", Name: "UNRANK"},
				{RoleID: "u", Name: "BRONZE", ChatThreshold: 100, VoiceThreshold: 10},
			},
			wantErr: true,
		},
		{
			name: "missing role id",
			tiers: []Tier{
				{RoleID: "u", Name: "UNRANK"},
				{Name: "BRONZE", ChatThreshold: 100, VoiceThreshold: 10},
			},
			wantErr: true,
		},
		{
			name: "voice threshold decreases",
			tiers: []Tier{
				{RoleID: "u", Name: "UNRANK"},
				{RoleID: "b", Name: "BRONZE", ChatThreshold: 100, VoiceThreshold: 30},
				{RoleID: "s", Name: "SILVER", ChatThreshold: 200, VoiceThreshold: 20},
			},
			wantErr: true,
		},
		{
			name: "negative threshold",
			tiers: []Tier{
				{RoleID: "u", Name: "UNRANK", VoiceThreshold: -1},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				table, err := NewTierTable(tc.tiers)
				if tc.wantErr {
					require.ErrorIs(t, err, ErrInvalidTierTable)
					return
				}
				require.NoError(t, err)
				sorted := table.Tiers()
				for i := 1; i < len(sorted); i++ {
					assert.LessOrEqual(t, sorted[i-1].ChatThreshold, sorted[i].ChatThreshold)
				}
			},
		)
	}
}

func TestTierTable_Eligible(t *testing.T) {
	t.Parallel()
	table, err := NewTierTable(testTiers())
	require.NoError(t, err)

	tests := []struct {
		name  string
		chat  int
		voice int
		want  string
	}{
		{name: "new user", chat: 0, voice: 0, want: "UNRANK"},
		{name: "just under bronze", chat: 99, voice: 9, want: "UNRANK"},
		{name: "chat 150", chat: 150, voice: 0, want: "BRONZE"},
		{name: "chat threshold exact", chat: 200, voice: 0, want: "SILVER"},
		{name: "voice only", chat: 0, voice: 10, want: "BRONZE"},
		{name: "voice reaches higher tier than chat", chat: 120, voice: 25, want: "SILVER"},
		{name: "beyond top tier", chat: 100000, voice: 100000, want: "SILVER"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.want, table.Eligible(tc.chat, tc.voice).Name)
			},
		)
	}
}

// Every non-negative pair of counters has an eligible tier, and it's
// the highest tier either counter qualifies for.
func TestTierTable_EligibleAlwaysFound(t *testing.T) {
	t.Parallel()
	table, err := NewTierTable(DefaultTiers())
	require.NoError(t, err)

	for chat := 0; chat <= 2500; chat += 37 {
		for voice := 0; voice <= 250; voice += 7 {
			tier := table.Eligible(chat, voice)
			require.NotEmpty(t, tier.RoleID)
			require.True(t, tier.eligible(chat, voice))

			for _, higher := range table.Tiers() {
				if higher.ChatThreshold > tier.ChatThreshold {
					require.False(
						t,
						higher.eligible(chat, voice),
						"chat=%d voice=%d eligible for %s, got %s",
						chat, voice, higher.Name, tier.Name,
					)
				}
			}
		}
	}
}

func TestTierTable_OrThreshold(t *testing.T) {
	t.Parallel()
	table, err := NewTierTable(DefaultTiers())
	require.NoError(t, err)

	tier := table.Eligible(0, 200)
	assert.Equal(t, "1365050608377139270", tier.RoleID)
	assert.LessOrEqual(t, tier.VoiceThreshold, 200)
	assert.Greater(t, tier.ChatThreshold, 0)
}

func TestTierTable_Current(t *testing.T) {
	t.Parallel()
	table, err := NewTierTable(testTiers())
	require.NoError(t, err)

	tier, ok := table.Current([]string{"other", "role-bronze", "role-unrank"})
	require.True(t, ok)
	assert.Equal(t, "BRONZE", tier.Name)

	_, ok = table.Current([]string{"other"})
	assert.False(t, ok)

	assert.True(t, table.IsTierRole("role-silver"))
	assert.False(t, table.IsTierRole("other"))
}
