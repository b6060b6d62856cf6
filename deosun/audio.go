package deosun

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

const (
	opusSampleRate   = 48000
	opusChannels     = 2
	opusFrameSize    = 960
	opusMaxFrameSize = opusFrameSize * opusChannels
	pcmFrameBytes    = opusFrameSize * opusChannels * 2

	frameSendTimeout = 5 * time.Second
)

// VoiceConnection is a joined voice channel that can play opus audio
type VoiceConnection interface {
	ChannelID() string
	Ready() bool
	Speaking(speaking bool) error
	SendFrame(ctx context.Context, frame []byte) error
	Disconnect() error
}

// VoiceConnector joins voice channels
type VoiceConnector interface {
	Connect(ctx context.Context, guildID, channelID string) (VoiceConnection, error)
}

// OpusStream yields 20ms opus frames until io.EOF
type OpusStream interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Transcoder turns encoded audio (ex: MP3) into opus frames
type Transcoder interface {
	Transcode(ctx context.Context, audio io.Reader) (OpusStream, error)
}

// ffmpegTranscoder decodes audio to 48kHz stereo PCM with ffmpeg, and
// encodes it to opus with gopus
type ffmpegTranscoder struct {
	path string
}

func newFFmpegTranscoder(path string) *ffmpegTranscoder {
	return &ffmpegTranscoder{path: path}
}

func (f *ffmpegTranscoder) Transcode(ctx context.Context, audio io.Reader) (OpusStream, error) {
	cmd := exec.CommandContext(
		ctx,
		f.path,
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", fmt.Sprint(opusSampleRate),
		"-ac", fmt.Sprint(opusChannels),
		"pipe:1",
	)
	cmd.Stdin = audio
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating ffmpeg stdout pipe: %w", err)
	}

	encoder, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("error creating opus encoder: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}
	return &ffmpegOpusStream{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		encoder: encoder,
		pcmBuf:  make([]byte, pcmFrameBytes),
		pcm:     make([]int16, opusFrameSize*opusChannels),
	}, nil
}

type ffmpegOpusStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	encoder *gopus.Encoder
	pcmBuf  []byte
	pcm     []int16
	done    bool
}

func (s *ffmpegOpusStream) ReadFrame() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	n, err := io.ReadFull(s.stdout, s.pcmBuf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// pad the final partial frame with silence
		clear(s.pcmBuf[n:])
		s.done = true
	case err != nil:
		return nil, fmt.Errorf("error reading pcm: %w", err)
	}

	if err = binary.Read(bytes.NewReader(s.pcmBuf), binary.LittleEndian, s.pcm); err != nil {
		return nil, fmt.Errorf("error decoding pcm: %w", err)
	}
	frame, err := s.encoder.Encode(s.pcm, opusFrameSize, opusMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("error encoding opus frame: %w", err)
	}
	return frame, nil
}

func (s *ffmpegOpusStream) Close() error {
	_ = s.stdout.Close()
	err := s.cmd.Wait()
	if err != nil && s.done {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && s.stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg: %s: %w", strings.TrimSpace(s.stderr.String()), err)
		}
		return err
	}
	// stopped early, so ffmpeg exiting on a closed pipe is expected
	return nil
}

// playStream sends every frame from the stream to the connection,
// marking the bot as speaking for the duration
func playStream(ctx context.Context, conn VoiceConnection, stream OpusStream) (err error) {
	if err = conn.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state: %w", err)
	}
	defer func() {
		_ = conn.Speaking(false)
	}()

	for {
		frame, readErr := stream.ReadFrame()
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		if err = conn.SendFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// voiceJoiner is the subset of DiscordSessionHandler used to join
// voice channels
type voiceJoiner interface {
	ChannelVoiceJoin(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
}

type discordVoiceConnector struct {
	session voiceJoiner
}

func (d discordVoiceConnector) Connect(
	_ context.Context,
	guildID, channelID string,
) (VoiceConnection, error) {
	vc, err := d.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		if vc != nil {
			_ = vc.Disconnect()
		}
		return nil, fmt.Errorf("error joining voice channel %s: %w", channelID, err)
	}
	return &discordVoiceConnection{vc: vc}, nil
}

// discordVoiceConnection adapts *discordgo.VoiceConnection
type discordVoiceConnection struct {
	vc *discordgo.VoiceConnection
}

func (d *discordVoiceConnection) ChannelID() string {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.ChannelID
}

func (d *discordVoiceConnection) Ready() bool {
	d.vc.RLock()
	defer d.vc.RUnlock()
	return d.vc.Ready
}

func (d *discordVoiceConnection) Speaking(speaking bool) error {
	return d.vc.Speaking(speaking)
}

func (d *discordVoiceConnection) SendFrame(ctx context.Context, frame []byte) error {
	timer := time.NewTimer(frameSendTimeout)
	defer timer.Stop()
	select {
	case d.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out sending audio frame")
	}
}

func (d *discordVoiceConnection) Disconnect() error {
	return d.vc.Disconnect()
}

// occupancyFunc returns the number of non-bot members in a voice channel
type occupancyFunc func(guildID, channelID string) int

// stateOccupancy counts voice channel members from the gateway state cache
func stateOccupancy(state *discordgo.State) occupancyFunc {
	return func(guildID, channelID string) int {
		state.RLock()
		defer state.RUnlock()

		guild, ok := findGuild(state, guildID)
		if !ok {
			return 0
		}
		count := 0
		for _, vs := range guild.VoiceStates {
			if vs == nil || vs.ChannelID != channelID {
				continue
			}
			if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
				continue
			}
			if isBotMember(guild, vs.UserID) {
				continue
			}
			count++
		}
		return count
	}
}

// findGuild looks up a guild in the state cache. The caller holds the
// state's read lock.
func findGuild(state *discordgo.State, guildID string) (*discordgo.Guild, bool) {
	for _, g := range state.Guilds {
		if g.ID == guildID {
			return g, true
		}
	}
	return nil, false
}

func isBotMember(guild *discordgo.Guild, userID string) bool {
	for _, m := range guild.Members {
		if m.User != nil && m.User.ID == userID {
			return m.User.Bot
		}
	}
	return false
}

// voiceChannelOf returns the voice channel the user is connected to,
// from the gateway state cache
func voiceChannelOf(state *discordgo.State, guildID, userID string) string {
	vs, err := state.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}
