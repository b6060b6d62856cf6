package deosun

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const voiceReadyPollInterval = 100 * time.Millisecond

// VoiceSessionInfo is a snapshot of a guild's voice session
type VoiceSessionInfo struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	QueueLength int       `json:"queue_length"`
	Playing     bool      `json:"playing"`
	ConnectedAt time.Time `json:"connected_at"`
}

// voiceSession is a guild's voice connection and its TTS queue.
// Only one job plays at a time; playing is set while a drain
// goroutine owns the queue.
type voiceSession struct {
	guildID     string
	channelID   string
	conn        VoiceConnection
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []TTSJob
	playing bool
	closed  bool
}

func (s *voiceSession) info() VoiceSessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VoiceSessionInfo{
		GuildID:     s.guildID,
		ChannelID:   s.channelID,
		QueueLength: len(s.queue),
		Playing:     s.playing,
		ConnectedAt: s.connectedAt,
	}
}

// VoiceRegistry owns every guild's voice session. At most one session
// exists per guild, and each session plays its queue in order, one
// job at a time.
type VoiceRegistry struct {
	connector  VoiceConnector
	synth      Synthesizer
	transcoder Transcoder
	occupancy  occupancyFunc

	readyTimeout     time.Duration
	livenessInterval time.Duration

	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*voiceSession
	connectMu map[string]*sync.Mutex

	// drains tracks running queue drain goroutines
	drains sync.WaitGroup
}

func newVoiceRegistry(
	cfg *VoiceConfig,
	connector VoiceConnector,
	synth Synthesizer,
	transcoder Transcoder,
	occupancy occupancyFunc,
	logger *slog.Logger,
) *VoiceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceRegistry{
		connector:        connector,
		synth:            synth,
		transcoder:       transcoder,
		occupancy:        occupancy,
		readyTimeout:     cfg.ReadyTimeout,
		livenessInterval: cfg.LivenessInterval,
		logger:           logger.With(loggerNameKey, "voice"),
		sessions:         map[string]*voiceSession{},
		connectMu:        map[string]*sync.Mutex{},
	}
}

func (r *VoiceRegistry) guildConnectLock(guildID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.connectMu[guildID]
	if !ok {
		m = &sync.Mutex{}
		r.connectMu[guildID] = m
	}
	return m
}

func (r *VoiceRegistry) session(guildID string) (*voiceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// EnsureSession makes sure the bot is connected to channelID in the
// guild. An existing session on the same channel is reused. A session
// on another channel is torn down first, and its queue is dropped.
func (r *VoiceRegistry) EnsureSession(ctx context.Context, guildID, channelID string) error {
	if channelID == "" {
		return ErrNotInVoiceChannel
	}
	lock := r.guildConnectLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	logger := r.logger.With("guild_id", guildID, "channel_id", channelID)

	if existing, ok := r.session(guildID); ok {
		if existing.channelID == channelID {
			return nil
		}
		logger.InfoContext(ctx, "moving to another voice channel", "previous_channel_id", existing.channelID)
		r.remove(existing)
	}

	conn, err := r.connector.Connect(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	if err = r.waitReady(ctx, conn); err != nil {
		logger.WarnContext(ctx, "voice connection not ready", tint.Err(err))
		if dErr := conn.Disconnect(); dErr != nil {
			logger.WarnContext(ctx, "error disconnecting", tint.Err(dErr))
		}
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &voiceSession{
		guildID:     guildID,
		channelID:   channelID,
		conn:        conn,
		connectedAt: time.Now().UTC(),
		ctx:         sessionCtx,
		cancel:      cancel,
	}
	r.mu.Lock()
	r.sessions[guildID] = s
	r.mu.Unlock()
	logger.InfoContext(ctx, "voice session started")
	return nil
}

// waitReady polls the connection until it's ready, or readyTimeout
// elapses
func (r *VoiceRegistry) waitReady(ctx context.Context, conn VoiceConnection) error {
	if conn.Ready() {
		return nil
	}
	timeout := time.NewTimer(r.readyTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(voiceReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return ErrVoiceConnectTimeout
		case <-ticker.C:
			if conn.Ready() {
				return nil
			}
		}
	}
}

// Enqueue adds text to the guild's TTS queue, and starts playing the
// queue if it isn't already.
func (r *VoiceRegistry) Enqueue(guildID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTTSText
	}
	s, ok := r.session(guildID)
	if !ok {
		return ErrNoVoiceSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoVoiceSession
	}
	s.queue = append(s.queue, TTSJob{Text: text})
	if !s.playing {
		s.playing = true
		r.drains.Add(1)
		go r.drain(s)
	}
	return nil
}

// drain plays queued jobs until the queue is empty or the session is
// closed. A failed or panicking job is logged and skipped.
func (r *VoiceRegistry) drain(s *voiceSession) {
	defer r.drains.Done()
	logger := r.logger.With("guild_id", s.guildID, "channel_id", s.channelID)

	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.playing = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		started := time.Now()
		if err := r.playJob(s, job); err != nil {
			logger.Error("error playing tts job", "chars", len([]rune(job.Text)), tint.Err(err))
			continue
		}
		logger.Debug("played tts job", "chars", len([]rune(job.Text)), "elapsed", time.Since(started))
	}
}

// playJob plays a single job, turning a panic into an error so the
// rest of the queue still drains
func (r *VoiceRegistry) playJob(s *voiceSession, job TTSJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(
				"recovered from panic playing tts",
				"guild_id", s.guildID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic playing tts: %v", p)
		}
	}()
	return r.play(s, job)
}

func (r *VoiceRegistry) play(s *voiceSession, job TTSJob) error {
	audio, err := r.synth.Synthesize(s.ctx, job.Text)
	if err != nil {
		return fmt.Errorf("error synthesizing speech: %w", err)
	}
	defer func() {
		_ = audio.Close()
	}()

	stream, err := r.transcoder.Transcode(s.ctx, audio)
	if err != nil {
		return fmt.Errorf("error transcoding speech: %w", err)
	}
	err = playStream(s.ctx, s.conn, stream)
	if closeErr := stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Leave disconnects from the guild's voice channel and drops its queue
func (r *VoiceRegistry) Leave(guildID string) error {
	lock := r.guildConnectLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	s, ok := r.session(guildID)
	if !ok {
		return ErrNoVoiceSession
	}
	return r.remove(s)
}

// remove closes the session and deletes it from the registry, if it's
// still the guild's current session
func (r *VoiceRegistry) remove(s *voiceSession) error {
	r.mu.Lock()
	if cur, ok := r.sessions[s.guildID]; ok && cur == s {
		delete(r.sessions, s.guildID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	if err := s.conn.Disconnect(); err != nil {
		r.logger.Warn("error disconnecting voice", "guild_id", s.guildID, tint.Err(err))
		return err
	}
	r.logger.Info("voice session ended", "guild_id", s.guildID, "channel_id", s.channelID)
	return nil
}

// StartLiveness checks every session on each tick, and leaves any voice
// channel with no remaining non-bot members. Blocks until ctx is done.
func (r *VoiceRegistry) StartLiveness(ctx context.Context) {
	ticker := time.NewTicker(r.livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkLiveness(ctx)
		}
	}
}

func (r *VoiceRegistry) checkLiveness(ctx context.Context) {
	if r.occupancy == nil {
		return
	}
	r.mu.Lock()
	sessions := make([]*voiceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if r.occupancy(s.guildID, s.channelID) > 0 {
			continue
		}
		lock := r.guildConnectLock(s.guildID)
		lock.Lock()
		r.logger.InfoContext(
			ctx,
			"leaving empty voice channel",
			"guild_id", s.guildID,
			"channel_id", s.channelID,
		)
		_ = r.remove(s)
		lock.Unlock()
	}
}

// Sessions returns a snapshot of all sessions, ordered by guild ID
func (r *VoiceRegistry) Sessions() []VoiceSessionInfo {
	r.mu.Lock()
	sessions := make([]*voiceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]VoiceSessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].GuildID < infos[j].GuildID })
	return infos
}

// Close ends every session and waits for queue drains to stop
func (r *VoiceRegistry) Close() {
	r.mu.Lock()
	sessions := make([]*voiceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = r.remove(s)
	}
	r.drains.Wait()
}
