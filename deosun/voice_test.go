package deosun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnection records the frames it's sent, and whether two
// streams were ever played at the same time
type fakeConnection struct {
	channelID string
	ready     atomic.Bool

	speaking   atomic.Int32
	overlapped atomic.Bool
	frameDelay time.Duration

	mu           sync.Mutex
	frames       []string
	disconnected bool
}

func (f *fakeConnection) ChannelID() string { return f.channelID }

func (f *fakeConnection) Ready() bool { return f.ready.Load() }

func (f *fakeConnection) Speaking(speaking bool) error {
	if speaking {
		if f.speaking.Add(1) > 1 {
			f.overlapped.Store(true)
		}
		return nil
	}
	f.speaking.Add(-1)
	return nil
}

func (f *fakeConnection) SendFrame(ctx context.Context, frame []byte) error {
	if f.frameDelay > 0 {
		select {
		case <-time.After(f.frameDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(frame))
	return nil
}

func (f *fakeConnection) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeConnection) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeConnection) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeConnector struct {
	mu          sync.Mutex
	connections []*fakeConnection
	notReady    bool
	frameDelay  time.Duration
	connectErr  error
	connectWait time.Duration
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{}
}

func (f *fakeConnector) Connect(_ context.Context, _, channelID string) (VoiceConnection, error) {
	if f.connectWait > 0 {
		time.Sleep(f.connectWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conn := &fakeConnection{channelID: channelID, frameDelay: f.frameDelay}
	conn.ready.Store(!f.notReady)
	f.connections = append(f.connections, conn)
	return conn, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}

func (f *fakeConnector) last() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connections) == 0 {
		return nil
	}
	return f.connections[len(f.connections)-1]
}

// fakeSynthesizer returns the text itself as the audio. Texts in fail
// return an error, and texts in panics panic.
type fakeSynthesizer struct {
	mu     sync.Mutex
	fail   map[string]bool
	panics map[string]bool
	calls  []string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.panics[text] {
		panic("synthesizer exploded")
	}
	if f.fail[text] {
		return nil, errors.New("synthesis failed")
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (f *fakeSynthesizer) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeTranscoder turns the whole input into a single frame
type fakeTranscoder struct{}

func (fakeTranscoder) Transcode(_ context.Context, audio io.Reader) (OpusStream, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, err
	}
	return &fakeStream{frames: [][]byte{data}}, nil
}

type fakeStream struct {
	frames [][]byte
}

func (f *fakeStream) ReadFrame() ([]byte, error) {
	if len(f.frames) == 0 {
		return nil, io.EOF
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return frame, nil
}

func (f *fakeStream) Close() error { return nil }

func newTestVoiceRegistry(
	t *testing.T,
	connector *fakeConnector,
	synth *fakeSynthesizer,
	occupancy occupancyFunc,
) *VoiceRegistry {
	t.Helper()
	cfg := &VoiceConfig{
		ReadyTimeout:     200 * time.Millisecond,
		LivenessInterval: 20 * time.Millisecond,
	}
	r := newVoiceRegistry(cfg, connector, synth, fakeTranscoder{}, occupancy, slog.Default())
	t.Cleanup(r.Close)
	return r
}

func TestVoiceRegistry_PlaysInOrder(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	connector.frameDelay = 20 * time.Millisecond
	r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)
	ctx := context.Background()

	require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, r.Enqueue("guild", text))
	}

	conn := connector.last()
	require.Eventually(
		t,
		func() bool { return len(conn.played()) == 3 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, []string{"A", "B", "C"}, conn.played())
	assert.False(t, conn.overlapped.Load())
}

func TestVoiceRegistry_ConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	connector.frameDelay = 10 * time.Millisecond
	r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)
	ctx := context.Background()
	require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))

	var order []string
	var orderMu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, text := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			orderMu.Lock()
			defer orderMu.Unlock()
			assert.NoError(t, r.Enqueue("guild", text))
			order = append(order, text)
		}()
	}
	close(start)
	wg.Wait()

	conn := connector.last()
	require.Eventually(
		t,
		func() bool { return len(conn.played()) == 3 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, order, conn.played())
	assert.False(t, conn.overlapped.Load())
}

func TestVoiceRegistry_FailedJobIsSkipped(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	synth := &fakeSynthesizer{fail: map[string]bool{"B": true}}
	r := newTestVoiceRegistry(t, connector, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, r.Enqueue("guild", text))
	}

	conn := connector.last()
	require.Eventually(
		t,
		func() bool { return len(conn.played()) == 2 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, []string{"A", "C"}, conn.played())

	// B isn't retried
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, synth.synthesized())
}

func TestVoiceRegistry_PanickingJobIsSkipped(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	synth := &fakeSynthesizer{panics: map[string]bool{"B": true}}
	r := newTestVoiceRegistry(t, connector, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, r.Enqueue("guild", text))
	}

	conn := connector.last()
	require.Eventually(
		t,
		func() bool { return len(conn.played()) == 2 },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, []string{"A", "C"}, conn.played())
	require.Eventually(
		t,
		func() bool {
			sessions := r.Sessions()
			return len(sessions) == 1 && !sessions[0].Playing && sessions[0].QueueLength == 0
		},
		time.Second,
		10*time.Millisecond,
	)
}

func TestVoiceRegistry_EnsureSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"reuses same channel", func(t *testing.T) {
			t.Parallel()
			connector := newFakeConnector()
			r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)
			require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
			require.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
			assert.Equal(t, 1, connector.count())
		},
	)

	t.Run(
		"moves to another channel", func(t *testing.T) {
			t.Parallel()
			connector := newFakeConnector()
			r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)
			require.NoError(t, r.EnsureSession(ctx, "guild", "voice-1"))
			first := connector.last()
			require.NoError(t, r.EnsureSession(ctx, "guild", "voice-2"))

			assert.True(t, first.isDisconnected())
			assert.Equal(t, 2, connector.count())
			sessions := r.Sessions()
			require.Len(t, sessions, 1)
			assert.Equal(t, "voice-2", sessions[0].ChannelID)
		},
	)

	t.Run(
		"concurrent callers connect once", func(t *testing.T) {
			t.Parallel()
			connector := newFakeConnector()
			connector.connectWait = 20 * time.Millisecond
			r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)

			var wg sync.WaitGroup
			for range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, r.EnsureSession(ctx, "guild", "voice"))
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, connector.count())
		},
	)

	t.Run(
		"ready timeout", func(t *testing.T) {
			t.Parallel()
			connector := newFakeConnector()
			connector.notReady = true
			r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)

			err := r.EnsureSession(ctx, "guild", "voice")
			require.ErrorIs(t, err, ErrVoiceConnectTimeout)
			assert.True(t, connector.last().isDisconnected())
			assert.Empty(t, r.Sessions())
			assert.ErrorIs(t, r.Enqueue("guild", "hello"), ErrNoVoiceSession)
		},
	)

	t.Run(
		"connect error", func(t *testing.T) {
			t.Parallel()
			connector := newFakeConnector()
			connector.connectErr = errors.New("gateway unavailable")
			r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)
			require.Error(t, r.EnsureSession(ctx, "guild", "voice"))
			assert.Empty(t, r.Sessions())
		},
	)

	t.Run(
		"no channel", func(t *testing.T) {
			t.Parallel()
			r := newTestVoiceRegistry(t, newFakeConnector(), &fakeSynthesizer{}, nil)
			assert.ErrorIs(t, r.EnsureSession(ctx, "guild", ""), ErrNotInVoiceChannel)
		},
	)
}

func TestVoiceRegistry_EnqueueErrors(t *testing.T) {
	t.Parallel()
	r := newTestVoiceRegistry(t, newFakeConnector(), &fakeSynthesizer{}, nil)

	assert.ErrorIs(t, r.Enqueue("guild", "hello"), ErrNoVoiceSession)
	require.NoError(t, r.EnsureSession(context.Background(), "guild", "voice"))
	assert.ErrorIs(t, r.Enqueue("guild", "   "), ErrEmptyTTSText)
}

func TestVoiceRegistry_Leave(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, nil)

	require.NoError(t, r.EnsureSession(context.Background(), "guild", "voice"))
	require.NoError(t, r.Leave("guild"))
	assert.True(t, connector.last().isDisconnected())
	assert.Empty(t, r.Sessions())
	assert.ErrorIs(t, r.Leave("guild"), ErrNoVoiceSession)
}

func TestVoiceRegistry_Liveness(t *testing.T) {
	t.Parallel()
	connector := newFakeConnector()
	var occupied atomic.Bool
	occupied.Store(true)
	occupancy := func(_, _ string) int {
		if occupied.Load() {
			return 1
		}
		return 0
	}
	r := newTestVoiceRegistry(t, connector, &fakeSynthesizer{}, occupancy)
	require.NoError(t, r.EnsureSession(context.Background(), "guild", "voice"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.StartLiveness(ctx)
	}()

	time.Sleep(60 * time.Millisecond)
	require.Len(t, r.Sessions(), 1)

	occupied.Store(false)
	require.Eventually(
		t,
		func() bool { return len(r.Sessions()) == 0 },
		2*time.Second,
		10*time.Millisecond,
	)
	assert.True(t, connector.last().isDisconnected())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("liveness loop didn't stop")
	}
}

func TestVoiceRegistry_SessionsSnapshot(t *testing.T) {
	t.Parallel()
	r := newTestVoiceRegistry(t, newFakeConnector(), &fakeSynthesizer{}, nil)
	ctx := context.Background()
	require.NoError(t, r.EnsureSession(ctx, "guild-b", "voice"))
	require.NoError(t, r.EnsureSession(ctx, "guild-a", "voice"))

	sessions := r.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "guild-a", sessions[0].GuildID)
	assert.Equal(t, "guild-b", sessions[1].GuildID)
	assert.False(t, sessions[0].ConnectedAt.IsZero())
}

func testVoiceState(t *testing.T) *discordgo.State {
	t.Helper()
	state := discordgo.NewState()
	require.NoError(
		t,
		state.GuildAdd(
			&discordgo.Guild{
				ID: "guild",
				Members: []*discordgo.Member{
					{User: &discordgo.User{ID: "human"}},
					{User: &discordgo.User{ID: "bot", Bot: true}},
					{User: &discordgo.User{ID: "other-bot", Bot: true}},
				},
				VoiceStates: []*discordgo.VoiceState{
					{GuildID: "guild", UserID: "human", ChannelID: "voice"},
					{GuildID: "guild", UserID: "bot", ChannelID: "voice"},
					{GuildID: "guild", UserID: "other-bot", ChannelID: "bots-only"},
				},
			},
		),
	)
	return state
}

func TestStateOccupancy(t *testing.T) {
	t.Parallel()
	occupancy := stateOccupancy(testVoiceState(t))

	assert.Equal(t, 1, occupancy("guild", "voice"))
	assert.Equal(t, 0, occupancy("guild", "bots-only"))
	assert.Equal(t, 0, occupancy("other-guild", "voice"))
}

func TestVoiceChannelOf(t *testing.T) {
	t.Parallel()
	state := testVoiceState(t)

	assert.Equal(t, "voice", voiceChannelOf(state, "guild", "human"))
	assert.Equal(t, "", voiceChannelOf(state, "guild", "nobody"))
	assert.Equal(t, "", voiceChannelOf(state, "other-guild", "human"))
}

func TestPlayStream(t *testing.T) {
	t.Parallel()
	conn := &fakeConnection{}
	stream := &fakeStream{frames: [][]byte{[]byte("one"), []byte("two")}}

	require.NoError(t, playStream(context.Background(), conn, stream))
	assert.Equal(t, []string{"one", "two"}, conn.played())
	assert.Equal(t, int32(0), conn.speaking.Load())
}
