package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"unicode"

	"github.com/deosun-bot/deosun/deosun"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = deosun.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "deosun [flags]",
	Short: "Discord community bot: tier roles, TTS, translation and stats",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
					StringToListHookFunc(),
					JSONStringToSliceHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// JSONStringToSliceHookFunc decodes a JSON array string into a slice of
// structs, so lists like the tier ladder can be set from a single env
// var: DS_TIERS='[{"role_id":"1","name":"UNRANK"}]'
func JSONStringToSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
			return data, nil
		}
		if t.Elem().Kind() != reflect.Struct {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return reflect.MakeSlice(t, 0, 0).Interface(), nil
		}
		v := reflect.New(t)
		if err := json.Unmarshal([]byte(s), v.Interface()); err != nil {
			return nil, fmt.Errorf("invalid JSON list for %s: %w", t, err)
		}
		return v.Elem().Interface(), nil
	}
}

// StringToListHookFunc decodes comma or space separated strings into
// []string fields, ex: DS_DISCORD_TTS_CHANNEL_IDS="123,456"
func StringToListHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
			return data, nil
		}
		if t.Elem().Kind() != reflect.String {
			return data, nil
		}
		return splitList(data.(string)), nil
	}
}

// splitList splits on commas and whitespace, dropping empty entries
func splitList(s string) []string {
	return strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		},
	)
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", deosun.DefaultDatabase)
	viper.SetDefault("database_type", deosun.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", deosun.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", deosun.DefaultDatabaseLogLevel.String())
	viper.SetDefault("audit_log_dir", deosun.DefaultAuditLogDir)

	viper.SetDefault("log_level", deosun.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", deosun.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", deosun.DefaultShutdownTimeout)

	viper.SetDefault("tables.stats", deosun.DefaultStatsTable)
	viper.SetDefault("tables.user_settings", deosun.DefaultUserSettingsTable)
	viper.SetDefault("tables.server_settings", deosun.DefaultServerSettingsTable)

	// Stats cache
	viper.SetDefault("cache.ttl", deosun.DefaultCacheTTL)
	viper.SetDefault("cache.key_prefix", deosun.DefaultCacheKeyPrefix)
	viper.SetDefault("cache.redis_addr", "")
	viper.SetDefault("cache.redis_username", "")
	viper.SetDefault("cache.redis_db", 0)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.default_role_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.tts_channel_ids", []string{})
	viper.SetDefault("discord.log_level", deosun.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		deosun.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", deosun.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", deosun.DefaultDiscordStartupMessage)

	// Voice and TTS
	viper.SetDefault("voice.ready_timeout", deosun.DefaultVoiceReadyTimeout)
	viper.SetDefault("voice.liveness_interval", deosun.DefaultVoiceLivenessInterval)
	viper.SetDefault("voice.ffmpeg_path", deosun.DefaultFFmpegPath)
	viper.SetDefault("voice.tts_voice_name", deosun.DefaultTTSVoiceName)
	viper.SetDefault("voice.tts_language_code", deosun.DefaultTTSLanguageCode)
	viper.SetDefault("voice.tts_max_length", deosun.DefaultTTSMaxLength)
	viper.SetDefault("voice.log_level", deosun.DefaultVoiceLogLevel.String())

	// Translation
	viper.SetDefault("translate.enabled", true)
	viper.SetDefault("translate.reply_prefix", deosun.DefaultTranslateReplyPrefix)
	viper.SetDefault("translate.log_level", deosun.DefaultTranslateLogLevel.String())

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", deosun.DefaultOpenAIModel)
	viper.SetDefault("openai.system_prompt", deosun.DefaultOpenAISystemPrompt)
	viper.SetDefault(
		"openai.max_requests_per_second",
		deosun.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", deosun.DefaultOpenAILogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", deosun.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", deosun.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", deosun.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", deosun.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", deosun.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", deosun.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", deosun.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", deosun.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", deosun.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", deosun.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", deosun.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(deosun.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = deosun.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// BindEnv resolves the env name immediately, so these must follow
	// SetEnvPrefix. Unset keys keep the value from deosun.DefaultConfig.
	fatalErr(viper.BindEnv("tiers"))
	fatalErr(viper.BindEnv("discord.self_assignable_roles"))
	fatalErr(viper.BindEnv("cache.redis_password"))
	fatalErr(viper.BindEnv("google.credentials_file"))
	fatalErr(viper.BindEnv("google.api_key"))
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load before reading the environment",
	)
}
