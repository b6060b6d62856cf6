package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// fakeDiscordAPI answers the bulk overwrite endpoint by echoing the
// submitted commands back with IDs assigned
type fakeDiscordAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
}

func (f *fakeDiscordAPI) client() *http.Client {
	return &http.Client{Transport: roundTripFunc(f.roundTrip)}
}

func (f *fakeDiscordAPI) roundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	body := []byte(`{"message": "401: Unauthorized", "code": 0}`)
	if status == http.StatusOK {
		var cmds []*discordgo.ApplicationCommand
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
			return nil, err
		}
		for i, c := range cmds {
			c.ID = strings.Repeat("1", i+1)
		}
		var err error
		body, err = json.Marshal(cmds)
		if err != nil {
			return nil, err
		}
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    r,
	}, nil
}

func setRegisterEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"DS_DISCORD_TOKEN":          "bot-token",
		"DS_DISCORD_APPLICATION_ID": "app-id",
		"DS_DISCORD_GUILD_ID":       "guild-id",
		"DS_AUDIT_LOG_DIR":          t.TempDir(),
	} {
		require.NoError(t, os.Setenv(k, v))
	}
}

func TestRegisterCommand(t *testing.T) {
	isolateEnv(t)
	setRegisterEnv(t)

	api := &fakeDiscordAPI{}
	cfg.HTTPClient = api.client()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"register"})
	require.NoError(t, rootCmd.Execute())

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.True(
		t,
		strings.HasSuffix(req.URL.Path, "/applications/app-id/guilds/guild-id/commands"),
		req.URL.Path,
	)
	assert.Equal(t, "Bot bot-token", req.Header.Get("Authorization"))

	output := out.String()
	assert.Contains(t, output, "registered /check-stats")
	assert.Contains(t, output, "registered to guild guild-id")
}

func TestRegisterCommand_Errors(t *testing.T) {
	t.Run(
		"invalid config", func(t *testing.T) {
			isolateEnv(t)
			require.NoError(t, os.Setenv("DS_AUDIT_LOG_DIR", t.TempDir()))

			api := &fakeDiscordAPI{}
			cfg.HTTPClient = api.client()

			rootCmd.SetArgs([]string{"register"})
			assert.Error(t, rootCmd.Execute())
			assert.Empty(t, api.requests)
		},
	)

	t.Run(
		"discord error", func(t *testing.T) {
			isolateEnv(t)
			setRegisterEnv(t)

			api := &fakeDiscordAPI{status: http.StatusUnauthorized}
			cfg.HTTPClient = api.client()

			rootCmd.SetArgs([]string{"register"})
			err := rootCmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "error registering commands")
		},
	)
}
