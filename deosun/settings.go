package deosun

import (
	"context"
	"errors"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingsProvider = "settings_store"

// SettingsStore holds user translation preferences and the per-server
// translation channel allowlist
type SettingsStore struct {
	db          *gorm.DB
	userTable   string
	serverTable string
}

func newSettingsStore(db *gorm.DB, tables TableConfig) *SettingsStore {
	return &SettingsStore{
		db:          db,
		userTable:   tables.UserSettings,
		serverTable: tables.ServerSettings,
	}
}

// User returns the user's settings. ok is false if the user has never
// changed any.
func (s *SettingsStore) User(ctx context.Context, userID string) (UserSettings, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u UserSettings
	err := s.db.WithContext(ctx).Table(s.userTable).Where("user_id = ?", userID).Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserSettings{}, false, nil
		}
		return UserSettings{}, false, providerError(settingsProvider, "get_user", err)
	}
	return u, true, nil
}

// SetTranslateEnabled turns translation on or off for the user
func (s *SettingsStore) SetTranslateEnabled(
	ctx context.Context,
	userID, userName string,
	enabled bool,
) error {
	return s.upsertUser(
		ctx,
		UserSettings{UserID: userID, UserName: userName, TranslateEnabled: enabled},
		"translate_enabled",
	)
}

// SetLanguages saves the user's source and target language
func (s *SettingsStore) SetLanguages(
	ctx context.Context,
	userID, userName, source, target string,
) error {
	return s.upsertUser(
		ctx,
		UserSettings{UserID: userID, UserName: userName, SourceLang: source, TargetLang: target},
		"source_lang", "target_lang",
	)
}

func (s *SettingsStore) upsertUser(ctx context.Context, u UserSettings, columns ...string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	columns = append(columns, columnUserName, "updated_at")
	err := s.db.WithContext(ctx).Table(s.userTable).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.AssignmentColumns(columns),
		},
	).Create(&u).Error
	return providerError(settingsProvider, "upsert_user", err)
}

// TranslateChannels returns the server's translation channel allowlist
func (s *SettingsStore) TranslateChannels(ctx context.Context, serverID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var srv ServerSettings
	err := s.db.WithContext(ctx).Table(s.serverTable).Where("server_id = ?", serverID).Take(&srv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, providerError(settingsProvider, "get_server", err)
	}
	return srv.TranslateChannelIDs, nil
}

// IsTranslateChannel reports whether channelID is on the server's allowlist
func (s *SettingsStore) IsTranslateChannel(ctx context.Context, serverID, channelID string) (bool, error) {
	channels, err := s.TranslateChannels(ctx, serverID)
	if err != nil {
		return false, err
	}
	return slices.Contains(channels, channelID), nil
}

// AddTranslateChannel adds channelID to the allowlist. added is false if
// it was already present.
func (s *SettingsStore) AddTranslateChannel(
	ctx context.Context,
	serverID, channelID string,
) (added bool, err error) {
	err = s.updateChannels(
		ctx, serverID, func(ids []string) []string {
			if slices.Contains(ids, channelID) {
				return ids
			}
			added = true
			return append(ids, channelID)
		},
	)
	return added, err
}

// RemoveTranslateChannel removes channelID from the allowlist. removed
// is false if it wasn't present.
func (s *SettingsStore) RemoveTranslateChannel(
	ctx context.Context,
	serverID, channelID string,
) (removed bool, err error) {
	err = s.updateChannels(
		ctx, serverID, func(ids []string) []string {
			n := len(ids)
			ids = slices.DeleteFunc(ids, func(id string) bool { return id == channelID })
			removed = len(ids) != n
			return ids
		},
	)
	return removed, err
}

func (s *SettingsStore) updateChannels(
	ctx context.Context,
	serverID string,
	update func([]string) []string,
) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var srv ServerSettings
			err := tx.Table(s.serverTable).Where("server_id = ?", serverID).Take(&srv).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			srv.ServerID = serverID
			srv.TranslateChannelIDs = update(slices.Clone(srv.TranslateChannelIDs))
			return tx.Table(s.serverTable).Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "server_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"translate_channel_ids", "updated_at"}),
				},
			).Create(&srv).Error
		},
	)
	return providerError(settingsProvider, "update_server", err)
}
