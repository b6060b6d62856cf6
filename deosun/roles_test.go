package deosun

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoleManager(t *testing.T, session *fakeSession) *RoleManager {
	t.Helper()
	table, err := NewTierTable(testTiers())
	require.NoError(t, err)
	return newRoleManager(table, session, "notify", nil, nil)
}

// applyRoleCalls returns the member's roles after the recorded
// removes and adds
func applyRoleCalls(member Member, session *fakeSession) Member {
	session.mu.Lock()
	defer session.mu.Unlock()
	roles := slices.Clone(member.RoleIDs)
	for _, r := range session.roleRemoves {
		roles = slices.DeleteFunc(roles, func(id string) bool { return id == r.RoleID })
	}
	for _, r := range session.roleAdds {
		roles = append(roles, r.RoleID)
	}
	member.RoleIDs = roles
	return member
}

func TestRoleManager_Reconcile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		roles       []string
		chat        int
		voice       int
		wantTier    string
		wantChanged bool
		cleanupOnly bool
		noAdd       bool
		wantRemoved []string
	}{
		{
			name:        "new member gets unrank",
			chat:        1,
			wantTier:    "UNRANK",
			wantChanged: true,
		},
		{
			name:        "promotion to bronze",
			roles:       []string{"role-unrank", "game"},
			chat:        150,
			wantTier:    "BRONZE",
			wantChanged: true,
			wantRemoved: []string{"role-unrank"},
		},
		{
			name:     "already holds eligible tier",
			roles:    []string{"role-bronze"},
			chat:     150,
			wantTier: "BRONZE",
		},
		{
			name:        "stale extra tier roles are removed",
			roles:       []string{"role-unrank", "role-bronze"},
			voice:       20,
			wantTier:    "SILVER",
			wantChanged: true,
			wantRemoved: []string{"role-unrank", "role-bronze"},
		},
		{
			name:        "lower tier role held alongside eligible",
			roles:       []string{"role-unrank", "role-bronze"},
			chat:        150,
			wantTier:    "BRONZE",
			wantChanged: true,
			cleanupOnly: true,
			wantRemoved: []string{"role-unrank"},
		},
		{
			name:        "higher tier role held alongside eligible",
			roles:       []string{"role-bronze", "role-silver"},
			chat:        150,
			wantTier:    "BRONZE",
			wantChanged: true,
			noAdd:       true,
			wantRemoved: []string{"role-silver"},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				session := newFakeSession()
				rm := newTestRoleManager(t, session)
				member := Member{
					GuildID:     testGuildID,
					UserID:      "user",
					DisplayName: "Sam",
					RoleIDs:     tc.roles,
				}

				result, err := rm.Reconcile(context.Background(), member, tc.chat, tc.voice)
				require.NoError(t, err)
				assert.Equal(t, tc.wantTier, result.Current.Name)
				assert.Equal(t, tc.wantChanged, result.Changed)

				var removed []string
				for _, r := range session.roleRemoves {
					removed = append(removed, r.RoleID)
				}
				assert.ElementsMatch(t, tc.wantRemoved, removed)

				if !tc.wantChanged {
					assert.Zero(t, session.roleMutations())
					assert.Empty(t, session.sentMessages())
					return
				}
				if tc.cleanupOnly {
					assert.Empty(t, session.roleAdds)
					assert.Empty(t, session.sentMessages())
					return
				}
				if tc.noAdd {
					assert.Empty(t, session.roleAdds)
				} else {
					require.Len(t, session.roleAdds, 1)
					assert.Equal(t, result.Current.RoleID, session.roleAdds[0].RoleID)
				}
				assert.Equal(
					t,
					[]sentMessage{{ChannelID: "notify", Content: "Sam 님이 " + tc.wantTier + " 역할로 승급했습니다! 🎉"}},
					session.sentMessages(),
				)
			},
		)
	}
}

func TestRoleManager_ReconcileIdempotent(t *testing.T) {
	t.Parallel()
	session := newFakeSession()
	rm := newTestRoleManager(t, session)
	ctx := context.Background()

	member := Member{GuildID: testGuildID, UserID: "user", RoleIDs: []string{"role-unrank"}}
	_, err := rm.Reconcile(ctx, member, 210, 0)
	require.NoError(t, err)
	mutations := session.roleMutations()
	notifications := len(session.sentMessages())
	require.NotZero(t, mutations)

	member = applyRoleCalls(member, session)
	result, err := rm.Reconcile(ctx, member, 210, 0)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, mutations, session.roleMutations())
	assert.Len(t, session.sentMessages(), notifications)
}

func TestRoleManager_ReconcileMutualExclusion(t *testing.T) {
	t.Parallel()
	table, err := NewTierTable(testTiers())
	require.NoError(t, err)

	starting := [][]string{
		nil,
		{"role-unrank"},
		{"role-unrank", "role-bronze", "role-silver"},
		{"game", "role-silver"},
	}
	counters := [][2]int{{0, 0}, {150, 0}, {0, 15}, {500, 500}}

	for _, roles := range starting {
		for _, c := range counters {
			session := newFakeSession()
			rm := newRoleManager(table, session, "", nil, nil)
			member := Member{GuildID: testGuildID, UserID: "user", RoleIDs: roles}

			_, err = rm.Reconcile(context.Background(), member, c[0], c[1])
			require.NoError(t, err)

			after := applyRoleCalls(member, session)
			tierRoles := 0
			for _, r := range after.RoleIDs {
				if table.IsTierRole(r) {
					tierRoles++
				}
			}
			assert.Equal(t, 1, tierRoles, "roles=%v counters=%v -> %v", roles, c, after.RoleIDs)
			assert.Empty(t, session.sentMessages())
		}
	}
}

func TestRoleManager_ReconcileScenario(t *testing.T) {
	t.Parallel()
	session := newFakeSession()
	rm := newTestRoleManager(t, session)

	assert.Equal(t, "BRONZE", rm.TierName(150, 0))

	result, err := rm.Reconcile(
		context.Background(),
		Member{GuildID: testGuildID, UserID: "user", RoleIDs: []string{"role-unrank"}},
		150,
		0,
	)
	require.NoError(t, err)
	assert.Equal(t, "BRONZE", result.Current.Name)
	assert.Equal(t, "UNRANK", result.Previous.Name)
}

func TestRoleManager_ReconcileErrors(t *testing.T) {
	t.Parallel()

	t.Run(
		"remove fails", func(t *testing.T) {
			t.Parallel()
			session := newFakeSession()
			session.roleRemoveErr = errors.New("missing permissions")
			rm := newTestRoleManager(t, session)

			_, err := rm.Reconcile(
				context.Background(),
				Member{GuildID: testGuildID, UserID: "user", RoleIDs: []string{"role-unrank"}},
				150,
				0,
			)
			require.ErrorIs(t, err, ErrRoleUpdate)
			assert.Empty(t, session.roleAdds)
			assert.Empty(t, session.sentMessages())
		},
	)

	t.Run(
		"add fails", func(t *testing.T) {
			t.Parallel()
			session := newFakeSession()
			session.roleAddErr = errors.New("missing permissions")
			rm := newTestRoleManager(t, session)

			result, err := rm.Reconcile(
				context.Background(),
				Member{GuildID: testGuildID, UserID: "user"},
				150,
				0,
			)
			require.ErrorIs(t, err, ErrRoleUpdate)
			assert.False(t, result.Changed)
			assert.Empty(t, session.sentMessages())
		},
	)

	t.Run(
		"notification failure is not an error", func(t *testing.T) {
			t.Parallel()
			session := newFakeSession()
			session.sendErr = errors.New("no access")
			rm := newTestRoleManager(t, session)

			result, err := rm.Reconcile(
				context.Background(),
				Member{GuildID: testGuildID, UserID: "user"},
				150,
				0,
			)
			require.NoError(t, err)
			assert.True(t, result.Changed)
		},
	)
}

func TestNewMember(t *testing.T) {
	t.Parallel()
	m := newMember(
		testGuildID,
		&discordgo.Member{
			User:  &discordgo.User{ID: "user", Username: "sam", GlobalName: "Sammy"},
			Nick:  "Sam",
			Roles: []string{"a", "b"},
		},
	)
	assert.Equal(
		t,
		Member{GuildID: testGuildID, UserID: "user", DisplayName: "Sam", RoleIDs: []string{"a", "b"}},
		m,
	)
	assert.True(t, m.hasRole("b"))
	assert.False(t, m.hasRole("c"))
}

func TestRankStats(t *testing.T) {
	t.Parallel()
	stats := []UserStat{
		{ID: "a", ChatCount: 10, VoiceJoinCount: 1},
		{ID: "b", ChatCount: 30, VoiceJoinCount: 5},
		{ID: "c", ChatCount: 30, VoiceJoinCount: 9},
		{ID: "d", ChatCount: 5, VoiceJoinCount: 20},
	}

	ranking := rankStats(stats, 3)
	ids := func(s []UserStat) []string {
		out := make([]string, 0, len(s))
		for _, st := range s {
			out = append(out, st.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids(ranking.TopChat))
	assert.Equal(t, []string{"d", "c", "b"}, ids(ranking.TopVoice))

	small := rankStats(stats[:1], 3)
	assert.Len(t, small.TopChat, 1)
	assert.Empty(t, rankStats(nil, 3).TopVoice)
}
