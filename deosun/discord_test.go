package deosun

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roleCall struct {
	GuildID string
	UserID  string
	RoleID  string
}

type sentMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// fakeSession implements DiscordSessionHandler, recording every call
// that would have gone to discord
type fakeSession struct {
	mu sync.Mutex

	state    *discordgo.State
	members  map[string]*discordgo.Member
	handlers int
	opened   bool
	closed   bool

	roleAdds    []roleCall
	roleRemoves []roleCall
	messages    []sentMessage
	replies     []sentMessage
	commands    []*discordgo.ApplicationCommand
	voiceJoins  []roleCall

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	deletes   int
	followups []*discordgo.WebhookParams

	roleAddErr    error
	roleRemoveErr error
	sendErr       error
}

func newFakeSession() *fakeSession {
	return &fakeSession{members: map[string]*discordgo.Member{}}
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) AddHandler(any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers--
	}
}

func (f *fakeSession) State() *discordgo.State {
	return f.state
}

func (f *fakeSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.messages = append(f.messages, sentMessage{ChannelID: channelID, Content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (f *fakeSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.replies = append(
		f.replies,
		sentMessage{ChannelID: channelID, Content: content, Reference: reference},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = commands
	return commands, nil
}

func (f *fakeSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, newresp)
	return &discordgo.Message{}, nil
}

func (f *fakeSession) InteractionResponseDelete(
	_ *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followups = append(f.followups, data)
	return &discordgo.Message{Content: data.Content}, nil
}

func (f *fakeSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return m, nil
}

func (f *fakeSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleAddErr != nil {
		return f.roleAddErr
	}
	f.roleAdds = append(f.roleAdds, roleCall{GuildID: guildID, UserID: userID, RoleID: roleID})
	return nil
}

func (f *fakeSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleRemoveErr != nil {
		return f.roleRemoveErr
	}
	f.roleRemoves = append(
		f.roleRemoves,
		roleCall{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	return nil
}

func (f *fakeSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	_ bool,
	_ bool,
) (*discordgo.VoiceConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceJoins = append(f.voiceJoins, roleCall{GuildID: guildID, RoleID: channelID})
	return nil, errors.New("voice not available in tests")
}

func (f *fakeSession) SetLogLevel(slog.Level) error {
	return nil
}

func (f *fakeSession) SetHTTPClient(*http.Client) {}

func (f *fakeSession) roleMutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roleAdds) + len(f.roleRemoves)
}

func (f *fakeSession) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeSession) sentReplies() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.replies...)
}

// stubInteractionHandler captures interaction responses instead of
// sending them
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	deleted   chan struct{}
}

func newStubInteractionHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.Default(),
		deleted:     make(chan struct{}, 10),
	}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response)
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Delete(_ context.Context, _ ...discordgo.RequestOption) {
	s.deleted <- struct{}{}
}

func (s *stubInteractionHandler) Followup(
	_ context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups = append(s.followups, params)
	return &discordgo.Message{Content: params.Content}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// lastResponse returns the content of the most recent response
func (s *stubInteractionHandler) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.responses)
	return s.responses[len(s.responses)-1]
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	session := newFakeSession()
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	created, err := d.registerCommands()
	require.NoError(t, err)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandCheckStats,
			DiscordSlashCommandTranslator,
			DiscordSlashCommandTransOnOff,
			DiscordSlashCommandTranslateChannel,
			DiscordSlashCommandAddRole,
			DiscordSlashCommandAgent,
			DiscordSlashCommandJoinVoice,
			DiscordSlashCommandExitVoice,
		},
		names,
	)
}

func TestDiscord_ConnectionHandlers(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.NotificationChannelID = "notify"
	cfg.Discord.StartupMessage = "online"

	session := newFakeSession()
	d := newDiscord(cfg.Discord, slog.Default())
	d.session = session

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	assert.Equal(
		t,
		[]sentMessage{{ChannelID: "notify", Content: "online"}},
		session.sentMessages(),
	)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscord_RemoveHandlers(t *testing.T) {
	t.Parallel()
	session := newFakeSession()
	d := newDiscord(DefaultTestConfig(t).Discord, slog.Default())
	d.session = session
	d.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(nil),
		session.AddHandler(nil),
	}
	require.Equal(t, 2, session.handlers)

	d.removeHandlers()
	assert.Equal(t, 0, session.handlers)
	assert.Empty(t, d.discordgoRemoveHandlerFuncs)
}
