package deosun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatField selects the counter incremented by UpsertIncrement
type StatField string

const (
	StatChat  StatField = "chat"
	StatVoice StatField = "voice"

	statsProvider = "stats_store"

	cacheKeyAllStats  = "stats:all"
	cacheKeyUserStats = "stats:user:"
)

func (f StatField) column() (string, error) {
	switch f {
	case StatChat:
		return columnChatCount, nil
	case StatVoice:
		return columnVoiceJoinCount, nil
	default:
		return "", fmt.Errorf("unknown stat field: %q", string(f))
	}
}

// StatsStore persists per-user activity counters
type StatsStore interface {
	// Get returns the user's counters. ok is false if the user has no
	// row yet.
	Get(ctx context.Context, userID string) (stat UserStat, ok bool, err error)

	// UpsertIncrement creates the user's row if needed, and adds one to
	// the given counter, in a single statement.
	UpsertIncrement(ctx context.Context, userID string, userName string, field StatField) error

	ScanAll(ctx context.Context) ([]UserStat, error)
}

// gormStatsStore is a StatsStore backed by a SQL table
type gormStatsStore struct {
	db     *gorm.DB
	table  string
	logger *slog.Logger
}

func newGormStatsStore(db *gorm.DB, table string, logger *slog.Logger) *gormStatsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormStatsStore{
		db:     db,
		table:  table,
		logger: logger.With(loggerNameKey, statsProvider),
	}
}

func (s *gormStatsStore) Get(ctx context.Context, userID string) (UserStat, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var stat UserStat
	rv := s.db.WithContext(ctx).Table(s.table).Where("id = ?", userID).Take(&stat)
	if rv.Error != nil {
		if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			return UserStat{}, false, nil
		}
		return UserStat{}, false, providerError(statsProvider, "get", rv.Error)
	}
	return stat, true, nil
}

func (s *gormStatsStore) UpsertIncrement(
	ctx context.Context,
	userID string,
	userName string,
	field StatField,
) error {
	col, err := field.column()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	stat := UserStat{ID: userID, UserName: userName, LastUpdated: now}
	switch field {
	case StatChat:
		stat.ChatCount = 1
	case StatVoice:
		stat.VoiceJoinCount = 1
	}

	rv := s.db.WithContext(ctx).Table(s.table).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					col: gorm.Expr(
						"? + 1",
						clause.Column{Table: s.table, Name: col},
					),
					columnUserName:    userName,
					columnLastUpdated: now,
				},
			),
		},
	).Create(&stat)
	if rv.Error != nil {
		s.logger.ErrorContext(
			ctx,
			"error incrementing stat",
			columnUserID, userID,
			"field", field,
			tint.Err(rv.Error),
		)
		return providerError(statsProvider, "upsert_increment", rv.Error)
	}
	return nil
}

func (s *gormStatsStore) ScanAll(ctx context.Context) ([]UserStat, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var stats []UserStat
	if err := s.db.WithContext(ctx).Table(s.table).Order("id").Find(&stats).Error; err != nil {
		return nil, providerError(statsProvider, "scan_all", err)
	}
	return stats, nil
}

// cachedStatsStore wraps a StatsStore with a read cache. Any write
// drops the user's entry and the scan-all entry.
type cachedStatsStore struct {
	store  StatsStore
	cache  StatsCache
	logger *slog.Logger
}

func newCachedStatsStore(store StatsStore, cache StatsCache, logger *slog.Logger) *cachedStatsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedStatsStore{
		store:  store,
		cache:  cache,
		logger: logger.With(loggerNameKey, "stats_cache"),
	}
}

func (c *cachedStatsStore) Get(ctx context.Context, userID string) (UserStat, bool, error) {
	key := cacheKeyUserStats + userID
	var stat UserStat
	if c.load(ctx, key, &stat) {
		return stat, true, nil
	}
	stat, ok, err := c.store.Get(ctx, userID)
	if err != nil || !ok {
		return stat, ok, err
	}
	c.save(ctx, key, stat)
	return stat, true, nil
}

func (c *cachedStatsStore) UpsertIncrement(
	ctx context.Context,
	userID string,
	userName string,
	field StatField,
) error {
	err := c.store.UpsertIncrement(ctx, userID, userName, field)
	if delErr := c.cache.Delete(ctx, cacheKeyUserStats+userID, cacheKeyAllStats); delErr != nil {
		c.logger.WarnContext(ctx, "error invalidating cache", columnUserID, userID, tint.Err(delErr))
	}
	return err
}

func (c *cachedStatsStore) ScanAll(ctx context.Context) ([]UserStat, error) {
	var stats []UserStat
	if c.load(ctx, cacheKeyAllStats, &stats) {
		return stats, nil
	}
	stats, err := c.store.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	c.save(ctx, cacheKeyAllStats, stats)
	return stats, nil
}

func (c *cachedStatsStore) load(ctx context.Context, key string, v any) bool {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "error reading cache", "key", key, tint.Err(err))
		return false
	}
	if !ok {
		return false
	}
	if err = json.Unmarshal(data, v); err != nil {
		c.logger.WarnContext(ctx, "error decoding cached value", "key", key, tint.Err(err))
		return false
	}
	return true
}

func (c *cachedStatsStore) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WarnContext(ctx, "error encoding cache value", "key", key, tint.Err(err))
		return
	}
	if err = c.cache.Set(ctx, key, data); err != nil {
		c.logger.WarnContext(ctx, "error writing cache", "key", key, tint.Err(err))
	}
}
