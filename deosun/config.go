//nolint:lll // struct tags can't be split
package deosun

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

const (
	EnvvarSetEnvPrefix    = "DEOSUN_ENV_PREFIX"
	DefaultEnvPrefix      = "DS"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "deosun.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordErrorMessage   = "명령 처리 중 오류가 발생했습니다."
	DefaultDiscordStartupMessage = ""
	discordMaxMessageLength      = 2000

	DefaultStatsTable          = "user_stats"
	DefaultUserSettingsTable   = "user_settings"
	DefaultServerSettingsTable = "server_settings"

	DefaultCacheTTL       = 5 * time.Minute
	DefaultCacheKeyPrefix = "deosun:"

	DefaultVoiceReadyTimeout     = 15 * time.Second
	DefaultVoiceLivenessInterval = 10 * time.Second
	DefaultVoiceLogLevel         = slog.LevelInfo
	DefaultFFmpegPath            = "ffmpeg"
	DefaultTTSLanguageCode       = "ko-KR"
	DefaultTTSVoiceName          = "ko-KR-Standard-A"
	DefaultTTSMaxLength          = 6000

	DefaultTranslateLogLevel    = slog.LevelInfo
	DefaultTranslateReplyPrefix = translatedPrefix + " "

	DefaultOpenAIModel                = "gpt-4o"
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAISystemPrompt         = "너는 친근하고 가볍지만 살짝 장난기 있는 말투로 반말로 대답하는 디스코드 서버 도우미야. 비하하거나 모욕적인 표현은 쓰지 마."

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultAuditLogDir = "logs"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// DefaultTiers is the rank ladder the server launched with.
func DefaultTiers() []Tier {
	return []Tier{
		{RoleID: "1365050608377139270", Name: "🌟RADIANT🌟", ChatThreshold: 2000, VoiceThreshold: 200},
		{RoleID: "1364153977259819030", Name: "🔥IMMORTAL🔥", ChatThreshold: 1500, VoiceThreshold: 150},
		{RoleID: "1365050476193910844", Name: "🌌ASCENDANT🌌", ChatThreshold: 1200, VoiceThreshold: 100},
		{RoleID: "1365050391607251115", Name: "💎DIAMOND💎", ChatThreshold: 900, VoiceThreshold: 75},
		{RoleID: "1364153824423710720", Name: "💠PLATINUM💠", ChatThreshold: 600, VoiceThreshold: 50},
		{RoleID: "1364153723474935860", Name: "🥇GOLD🥇", ChatThreshold: 400, VoiceThreshold: 35},
		{RoleID: "1364153651232379020", Name: "🥈SILVER🥈", ChatThreshold: 200, VoiceThreshold: 20},
		{RoleID: "1364153517295796224", Name: "🥉BRONZE🥉", ChatThreshold: 100, VoiceThreshold: 10},
		{RoleID: "1364153417911762965", Name: "UNRANK", ChatThreshold: 0, VoiceThreshold: 0},
	}
}

// DefaultSelectableRoles are the game roles offered by /addrole
func DefaultSelectableRoles() []SelectableRole {
	return []SelectableRole{
		{Label: "HOYO", RoleID: "1241611849032667216"},
		{Label: "Rainbow Six", RoleID: "1341734133600096266"},
		{Label: "Battlefield V", RoleID: "1322526183115456594"},
		{Label: "Lost Ark", RoleID: "1241612083372490814"},
		{Label: "Minecraft", RoleID: "1241612044365467759"},
		{Label: "NIKKE", RoleID: "1241611985649401958"},
		{Label: "PUBG", RoleID: "1241612122618593343"},
		{Label: "Overwatch", RoleID: "1365224550589140992"},
		{Label: "Valorant", RoleID: "1241611683366047834"},
		{Label: "Wuthering Waves", RoleID: "1244981585623912469"},
		{Label: "Delta Force", RoleID: "1351495039745916998"},
		{Label: "DNF", RoleID: "1251493567147540582"},
	}
}

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Tables overrides the table names used for stats and settings
	Tables TableConfig `yaml:"tables" mapstructure:"tables" json:"tables"`

	// Cache configures the read cache in front of the stats store
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache" json:"cache"`

	// Tiers is the rank ladder. Order doesn't matter, it's sorted
	// by chat threshold on startup.
	Tiers []Tier `yaml:"tiers" mapstructure:"tiers" json:"tiers" binding:"required,min=1,dive"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Voice *VoiceConfig `yaml:"voice" mapstructure:"voice" json:"voice" binding:"required"`

	Translate *TranslateConfig `yaml:"translate" mapstructure:"translate" json:"translate" binding:"required"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Google holds credentials shared by the text-to-speech and
	// translation clients
	Google GoogleConfig `yaml:"google" mapstructure:"google" json:"google"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// AuditLogDir is where roles.log, translations.log and commands.log
	// are written. If empty, audit entries go to the default logger.
	AuditLogDir string `yaml:"audit_log_dir" mapstructure:"audit_log_dir" json:"audit_log_dir"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds database init, provider setup and the
	// discord gateway connection
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for in-flight handlers and
	// voice sessions to finish after the bot is asked to stop
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks struct constraints and the tier ladder invariants.
// A failure here is fatal; the bot refuses to start.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := NewTierTable(c.Tiers); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TableConfig names the tables backing the stats and settings stores
type TableConfig struct {
	Stats          string `yaml:"stats" mapstructure:"stats" json:"stats" binding:"required"`
	UserSettings   string `yaml:"user_settings" mapstructure:"user_settings" json:"user_settings" binding:"required"`
	ServerSettings string `yaml:"server_settings" mapstructure:"server_settings" json:"server_settings" binding:"required"`
}

// CacheConfig configures the stats read cache. When RedisAddr is empty,
// an in-process cache is used.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl" binding:"min=0"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr" json:"redis_addr"`
	RedisUsername string        `yaml:"redis_username" mapstructure:"redis_username" json:"redis_username"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password" json:"redis_password" log:"[redacted]"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db" json:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the community server the bot manages. Slash commands
	// are registered to this guild, and only its messages count
	// towards stats.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// DefaultRoleID is added to every member who joins the guild
	DefaultRoleID string `yaml:"default_role_id" mapstructure:"default_role_id" json:"default_role_id"`

	// NotificationChannelID receives tier promotion announcements
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// TTSChannelIDs are text channels whose messages are read aloud in
	// the author's voice channel
	TTSChannelIDs []string `yaml:"tts_channel_ids" mapstructure:"tts_channel_ids" json:"tts_channel_ids"`

	// SelfAssignableRoles are offered by /addrole
	SelfAssignableRoles []SelectableRole `yaml:"self_assignable_roles" mapstructure:"self_assignable_roles" json:"self_assignable_roles" binding:"max=25,dive"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, along with NotificationChannelID, this message is sent to
	// the notification channel whenever the bot connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// SelectableRole is a role members can add to themselves via /addrole
type SelectableRole struct {
	Label  string `yaml:"label" mapstructure:"label" json:"label" binding:"required,max=100"`
	RoleID string `yaml:"role_id" mapstructure:"role_id" json:"role_id" binding:"required"`
}

// VoiceConfig configures voice connections and text-to-speech
type VoiceConfig struct {
	// ReadyTimeout bounds how long to wait for a voice connection to
	// report ready
	ReadyTimeout time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout" json:"ready_timeout" binding:"min=1s"`

	// LivenessInterval is how often sessions are checked for an empty
	// voice channel
	LivenessInterval time.Duration `yaml:"liveness_interval" mapstructure:"liveness_interval" json:"liveness_interval" binding:"min=1s"`

	FFmpegPath string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path" json:"ffmpeg_path" binding:"required"`

	// TTSVoiceName is the Google Cloud TTS voice, ex: ko-KR-Standard-A
	TTSVoiceName string `yaml:"tts_voice_name" mapstructure:"tts_voice_name" json:"tts_voice_name"`

	TTSLanguageCode string `yaml:"tts_language_code" mapstructure:"tts_language_code" json:"tts_language_code" binding:"required"`

	// TTSMaxLength caps the number of characters synthesized per message
	TTSMaxLength int `yaml:"tts_max_length" mapstructure:"tts_max_length" json:"tts_max_length" binding:"min=1,max=6000"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// TranslateConfig configures message translation
type TranslateConfig struct {
	// Enabled turns the translation flow on or off entirely
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// ReplyPrefix is prepended to translated replies. Messages starting
	// with it are never translated again.
	ReplyPrefix string `yaml:"reply_prefix" mapstructure:"reply_prefix" json:"reply_prefix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GoogleConfig holds Google Cloud client options. If CredentialsFile is
// empty, Application Default Credentials are used.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file" json:"credentials_file"`
	APIKey          string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
}

// OpenAIConfig configures the /commands chat agent
type OpenAIConfig struct {
	// OpenAI API token. When empty, /commands replies that the agent is
	// unavailable.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required on every /api request
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development enables pprof endpoints under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		Tables: TableConfig{
			Stats:          DefaultStatsTable,
			UserSettings:   DefaultUserSettingsTable,
			ServerSettings: DefaultServerSettingsTable,
		},
		Cache: &CacheConfig{
			TTL:       DefaultCacheTTL,
			KeyPrefix: DefaultCacheKeyPrefix,
		},
		Tiers:           DefaultTiers(),
		AuditLogDir:     DefaultAuditLogDir,
		LogLevel:        newLevelVar(DefaultLogLevel),
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:      DefaultDiscordGatewayIntent,
			SelfAssignableRoles: DefaultSelectableRoles(),
			LogLevel:            newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel:   newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:      DefaultDiscordStartupMessage,
		},
		Voice: &VoiceConfig{
			ReadyTimeout:     DefaultVoiceReadyTimeout,
			LivenessInterval: DefaultVoiceLivenessInterval,
			FFmpegPath:       DefaultFFmpegPath,
			TTSVoiceName:     DefaultTTSVoiceName,
			TTSLanguageCode:  DefaultTTSLanguageCode,
			TTSMaxLength:     DefaultTTSMaxLength,
			LogLevel:         newLevelVar(DefaultVoiceLogLevel),
		},
		Translate: &TranslateConfig{
			Enabled:     true,
			ReplyPrefix: DefaultTranslateReplyPrefix,
			LogLevel:    newLevelVar(DefaultTranslateLogLevel),
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			SystemPrompt:         DefaultOpenAISystemPrompt,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
