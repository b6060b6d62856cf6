package deosun

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID         = "user_id"
	columnChatCount      = "chat_count"
	columnVoiceJoinCount = "voice_join_count"
	columnUserName       = "user_name"
	columnLastUpdated    = "last_updated"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// UserStat holds a member's activity counters. Rows are created on the
// first chat message or voice join, and only ever incremented.
type UserStat struct {
	ID             string    `gorm:"primaryKey" json:"user_id"`
	UserName       string    `json:"user_name"`
	ChatCount      int       `gorm:"not null;default:0" json:"chat_count"`
	VoiceJoinCount int       `gorm:"not null;default:0" json:"voice_join_count"`
	LastUpdated    time.Time `json:"last_updated"`
}

func (s UserStat) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, s.ID),
		slog.String(columnUserName, s.UserName),
		slog.Int(columnChatCount, s.ChatCount),
		slog.Int(columnVoiceJoinCount, s.VoiceJoinCount),
	)
}

// UserSettings holds a member's translation preferences
type UserSettings struct {
	UserID           string `gorm:"primaryKey" json:"user_id"`
	UserName         string `json:"user_name"`
	TranslateEnabled bool   `gorm:"not null;default:false" json:"translate_enabled"`
	SourceLang       string `json:"source_lang"`
	TargetLang       string `json:"target_lang"`
	ModelUnixTime
}

// translationReady reports whether the user opted in and picked both
// languages
func (u UserSettings) translationReady() bool {
	return u.TranslateEnabled && u.SourceLang != "" && u.TargetLang != ""
}

// ServerSettings holds per-guild settings. TranslateChannelIDs are the
// channels where messages are translated.
type ServerSettings struct {
	ServerID            string     `gorm:"primaryKey" json:"server_id"`
	TranslateChannelIDs StringList `json:"translate_channel_ids"`
	ModelUnixTime
}

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// StringList is a []string stored as a JSON array
type StringList []string

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("invalid type for StringList")
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	return string(data), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringList) GormDataType() string {
	return "text"
}

// CreateDB opens the database and migrates the stats and settings
// tables using the configured table names.
func CreateDB(ctx context.Context, config *Config, handler slog.Handler) (*gorm.DB, error) {
	if handler == nil {
		handler = tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: slog.LevelWarn, AddSource: true},
		)
	}
	logger := slog.New(handler).With(loggerNameKey, "database")
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", config.DatabaseType,
	)

	gormLogger := newGORMLogger(handler, config.DatabaseSlowThreshold)
	db, err := getDB(config.DatabaseType, config.Database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, fmt.Errorf("error getting database connection: %w", e)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	migrations := []struct {
		table string
		model any
	}{
		{config.Tables.Stats, &UserStat{}},
		{config.Tables.UserSettings, &UserSettings{}},
		{config.Tables.ServerSettings, &ServerSettings{}},
	}
	for _, m := range migrations {
		if err = db.WithContext(ctx).Table(m.table).AutoMigrate(m.model); err != nil {
			logger.ErrorContext(ctx, "error migrating database", "table", m.table, tint.Err(err))
			return nil, fmt.Errorf("error migrating %s: %w", m.table, err)
		}
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// withTimeout applies dbOperationTimeout if ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}
