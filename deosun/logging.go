package deosun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const (
	loggerNameKey = "logger"

	auditRolesFile        = "roles.log"
	auditTranslationsFile = "translations.log"
	auditCommandsFile     = "commands.log"
)

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the slog handler
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", s,
	}

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		g.logger.ErrorContext(ctx, "sql error", append(attrs, tint.Err(err))...)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(ctx, "slow sql", attrs...)
	default:
		g.logger.DebugContext(ctx, "sql completed", attrs...)
	}
}

// AuditLog records role changes, translations and command use as JSON
// lines, one file per kind. A nil *AuditLog discards everything.
type AuditLog struct {
	roles        *slog.Logger
	translations *slog.Logger
	commands     *slog.Logger
	files        []*os.File
}

// NewAuditLog opens (or creates) the audit files in dir. If dir is
// empty, entries are written to fallback instead.
func NewAuditLog(dir string, fallback slog.Handler) (*AuditLog, error) {
	if dir == "" {
		if fallback == nil {
			fallback = slog.Default().Handler()
		}
		base := slog.New(fallback).With(loggerNameKey, "audit")
		return &AuditLog{
			roles:        base.With("audit", "roles"),
			translations: base.With("audit", "translations"),
			commands:     base.With("audit", "commands"),
		}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating audit log dir: %w", err)
	}
	a := &AuditLog{}
	open := func(name string) *slog.Logger {
		f, err := os.OpenFile(
			filepath.Join(dir, name),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY,
			0o644,
		)
		if err != nil {
			a.files = append(a.files, nil)
			return nil
		}
		a.files = append(a.files, f)
		return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	a.roles = open(auditRolesFile)
	a.translations = open(auditTranslationsFile)
	a.commands = open(auditCommandsFile)
	if a.roles == nil || a.translations == nil || a.commands == nil {
		_ = a.Close()
		return nil, fmt.Errorf("error opening audit log files in %s", dir)
	}
	return a, nil
}

// Close closes any open audit files
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, f := range a.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	a.files = nil
	return errors.Join(errs...)
}

func auditLevel(err error) slog.Level {
	if err != nil {
		return slog.LevelError
	}
	return slog.LevelInfo
}

func auditErr(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// RoleUpdate records a tier change attempt, or a default role grant
// when from is empty
func (a *AuditLog) RoleUpdate(ctx context.Context, member Member, from, to string, err error) {
	if a == nil {
		return
	}
	a.roles.LogAttrs(
		ctx,
		auditLevel(err),
		"role update",
		slog.String("guild_id", member.GuildID),
		slog.String(columnUserID, member.UserID),
		slog.String("display_name", member.DisplayName),
		slog.String("from", from),
		slog.String("to", to),
		slog.Bool("success", err == nil),
		auditErr(err),
	)
}

// Translation records a translated message
func (a *AuditLog) Translation(
	ctx context.Context,
	userID, channelID, source, target string,
	chars int,
	err error,
) {
	if a == nil {
		return
	}
	a.translations.LogAttrs(
		ctx,
		auditLevel(err),
		"translation",
		slog.String(columnUserID, userID),
		slog.String("channel_id", channelID),
		slog.String("source", source),
		slog.String("target", target),
		slog.Int("chars", chars),
		slog.Bool("success", err == nil),
		auditErr(err),
	)
}

// Command records a slash command or component interaction
func (a *AuditLog) Command(
	ctx context.Context,
	command, userID, guildID string,
	err error,
) {
	if a == nil {
		return
	}
	a.commands.LogAttrs(
		ctx,
		auditLevel(err),
		"command",
		slog.String("command", command),
		slog.String(columnUserID, userID),
		slog.String("guild_id", guildID),
		slog.Bool("success", err == nil),
		auditErr(err),
	)
}
