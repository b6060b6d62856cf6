package deosun

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathStats            = "/stats"
	apiPathUserStats        = "/stats/:user_id"
	apiPathRanking          = "/ranking"
	apiPathVoiceSessions    = "/voice"
	apiPathVoiceLeave       = "/voice/:guild_id/leave"
	apiPathRegisterCommands = "/discord/register_commands"

	xRequestIDHeader = "X-Request-ID"

	defaultRankingSize = 3
	maxRankingSize     = 50
)

// API is the admin HTTP server. Every route under /api, other than
// the health check, requires the configured secret as a bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	handlers *APIHandlers
}

func newAPI(d *Deosun, config *APIConfig) (*API, error) {
	if config.Enabled && config.Secret == "" {
		return nil, errors.New("api secret must be set when the api is enabled")
	}

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         slog.New(componentHandler(config.LogLevel, "api")),
	}
	api.handlers = &APIHandlers{d: d, logger: api.logger}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.GET(apiPrefix+apiHealthCheck, api.handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(bearerAuthMiddleware(config.Secret))

	protected.GET(apiPathStats, api.handlers.listStats)
	protected.GET(apiPathUserStats, api.handlers.getUserStats)
	protected.GET(apiPathRanking, api.handlers.getRanking)
	protected.GET(apiPathVoiceSessions, api.handlers.listVoiceSessions)
	protected.POST(apiPathVoiceLeave, api.handlers.leaveVoice)
	protected.POST(apiPathRegisterCommands, api.handlers.registerCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

// APIHandlers holds the admin API route handlers
type APIHandlers struct {
	d      *Deosun
	logger *slog.Logger
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool    `json:"discord_gateway_connected"`
	VoiceSessions           int     `json:"voice_sessions"`
	Uptime                  string  `json:"uptime"`
	Version                 string  `json:"version"`
	CPUPercent              float64 `json:"cpu_percent"`
	MemoryPercent           float64 `json:"memory_percent"`
}

type userStatsResponse struct {
	UserStat
	Tier string `json:"tier"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// healthCheck reports gateway connectivity, voice sessions and host
// load. Host stats that can't be read are reported as zero.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.d.discord.connected.Load(),
		Version:                 Version,
	}
	if !h.d.startedAt.IsZero() {
		resp.Uptime = time.Since(h.d.startedAt).Round(time.Second).String()
	}
	if h.d.voice != nil {
		resp.VoiceSessions = len(h.d.voice.Sessions())
	}

	if pct, err := cpu.PercentWithContext(c.Request.Context(), 0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	} else if err != nil {
		ginContextLogger(c).Debug("unable to read cpu usage", tint.Err(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		resp.MemoryPercent = vm.UsedPercent
	} else {
		ginContextLogger(c).Debug("unable to read memory usage", tint.Err(err))
	}

	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) listStats(c *gin.Context) {
	if !h.storesReady(c) {
		return
	}
	stats, err := h.d.stats.ScanAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error reading stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) getUserStats(c *gin.Context) {
	if !h.storesReady(c) {
		return
	}
	stat, found, err := h.d.stats.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error reading stats")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, httpError{Error: "not found"})
		return
	}
	c.JSON(
		http.StatusOK,
		userStatsResponse{
			UserStat: stat,
			Tier:     h.d.tiers.Eligible(stat.ChatCount, stat.VoiceJoinCount).Name,
		},
	)
}

// getRanking returns the top users by chat and voice. The size
// defaults to 3, and can be set with ?n=
func (h *APIHandlers) getRanking(c *gin.Context) {
	if !h.storesReady(c) {
		return
	}
	n := defaultRankingSize
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxRankingSize {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("n must be between 1 and %d", maxRankingSize)},
			)
			return
		}
		n = parsed
	}
	stats, err := h.d.stats.ScanAll(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error reading stats")
		return
	}
	c.JSON(http.StatusOK, rankStats(stats, n))
}

func (h *APIHandlers) listVoiceSessions(c *gin.Context) {
	sessions := []VoiceSessionInfo{}
	if h.d.voice != nil {
		sessions = append(sessions, h.d.voice.Sessions()...)
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *APIHandlers) leaveVoice(c *gin.Context) {
	guildID := c.Param("guild_id")
	if h.d.voice == nil {
		c.JSON(http.StatusNotFound, httpError{Error: ErrNoVoiceSession.Error()})
		return
	}
	err := h.d.voice.Leave(guildID)
	switch {
	case errors.Is(err, ErrNoVoiceSession):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	case err != nil:
		_ = c.Error(err)
		ginReplyError(c, "error leaving voice channel")
	default:
		ginContextLogger(c).Info("left voice channel", "guild_id", guildID)
		ginReplyMessage(c, "left voice channel")
	}
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	cmds, err := h.d.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusOK, cmds)
}

func (h *APIHandlers) storesReady(c *gin.Context) bool {
	if h.d.stats == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return false
	}
	return true
}

// bearerAuthMiddleware rejects requests whose Authorization header
// doesn't carry the secret as a bearer token
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || len(expected) == 0 ||
			subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			ginContextLogger(c).Warn("unauthorized api request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, and sets it
// as the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger stored in the gin
// context, creating it with request details on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, "errors", errs.Errors(), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

// metricMiddleware counts requests by method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func generateRandomHexString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
