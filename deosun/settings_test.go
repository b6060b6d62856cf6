package deosun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) *SettingsStore {
	t.Helper()
	db, cfg := newTestDB(t)
	return newSettingsStore(db, cfg.Tables)
}

func TestSettingsStore_User(t *testing.T) {
	t.Parallel()
	s := newTestSettings(t)
	ctx := context.Background()

	_, found, err := s.User(ctx, "user")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetTranslateEnabled(ctx, "user", "sam", true))
	u, found, err := s.User(ctx, "user")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, u.TranslateEnabled)
	assert.False(t, u.translationReady())

	require.NoError(t, s.SetLanguages(ctx, "user", "sam", "ko", "en"))
	u, _, err = s.User(ctx, "user")
	require.NoError(t, err)
	assert.True(t, u.TranslateEnabled, "setting languages keeps the toggle")
	assert.Equal(t, "ko", u.SourceLang)
	assert.Equal(t, "en", u.TargetLang)
	assert.True(t, u.translationReady())

	require.NoError(t, s.SetTranslateEnabled(ctx, "user", "sam", false))
	u, _, err = s.User(ctx, "user")
	require.NoError(t, err)
	assert.False(t, u.TranslateEnabled)
	assert.Equal(t, "ko", u.SourceLang, "toggling keeps the languages")
}

func TestSettingsStore_TranslateChannels(t *testing.T) {
	t.Parallel()
	s := newTestSettings(t)
	ctx := context.Background()

	channels, err := s.TranslateChannels(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, channels)

	added, err := s.AddTranslateChannel(ctx, testGuildID, "general")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddTranslateChannel(ctx, testGuildID, "general")
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.AddTranslateChannel(ctx, testGuildID, "random")
	require.NoError(t, err)
	assert.True(t, added)

	channels, err = s.TranslateChannels(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "random"}, channels)

	ok, err := s.IsTranslateChannel(ctx, testGuildID, "random")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsTranslateChannel(ctx, "other-guild", "random")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := s.RemoveTranslateChannel(ctx, testGuildID, "general")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveTranslateChannel(ctx, testGuildID, "general")
	require.NoError(t, err)
	assert.False(t, removed)

	channels, err = s.TranslateChannels(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"random"}, channels)
}

func TestStringList(t *testing.T) {
	t.Parallel()

	var l StringList
	require.NoError(t, l.Scan(`["a","b"]`))
	assert.Equal(t, StringList{"a", "b"}, l)

	require.NoError(t, l.Scan([]byte(`[]`)))
	assert.Empty(t, l)

	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)

	assert.Error(t, l.Scan(42))

	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}
