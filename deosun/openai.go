package deosun

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const openaiProvider = "openai"

// ChatCompleter defines the subset of the OpenAI API used by the agent.
// *openai.Client satisfies it; tests use a mock.
type ChatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// Agent answers /commands prompts with a chat completion, in the
// configured persona
type Agent struct {
	client       ChatCompleter
	model        string
	systemPrompt string
	logger       *slog.Logger

	mu             sync.RWMutex // protects requestLimiter
	requestLimiter *rate.Limiter
}

func newAgent(config *OpenAIConfig, httpClient *http.Client, handler slog.Handler) *Agent {
	a := &Agent{
		model:        config.Model,
		systemPrompt: config.SystemPrompt,
		logger:       slog.New(handler).With(loggerNameKey, openaiProvider),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(1, int(config.MaxRequestsPerSecond)),
		),
	}
	if config.Token == "" {
		return a
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	a.client = openai.NewClientWithConfig(clientCfg)
	return a
}

// Available reports whether an OpenAI client is configured
func (a *Agent) Available() bool {
	return a != nil && a.client != nil
}

// SetRateLimit replaces the request limiter
func (a *Agent) SetRateLimit(requestsPerSecond float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, int(requestsPerSecond)))
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, or for ctx to be done
func (a *Agent) waitOnRequestLimiter(ctx context.Context) error {
	a.mu.RLock()
	requestLimiter := a.requestLimiter
	a.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Ask sends the user's text with the system prompt, and returns the
// model's reply
func (a *Agent) Ask(ctx context.Context, text string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if a.systemPrompt != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text},
	)
	return a.Complete(ctx, messages)
}

// Complete runs a chat completion with the configured model
func (a *Agent) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	if !a.Available() {
		return "", ErrAgentUnavailable
	}
	logger := contextLoggerOr(ctx, a.logger)

	if err := a.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	started := time.Now()
	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{Model: a.model, Messages: messages},
	)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			logger.ErrorContext(
				ctx,
				"openai api error",
				"status_code", apiErr.HTTPStatusCode,
				"code", apiErr.Code,
				tint.Err(err),
			)
		} else {
			logger.ErrorContext(ctx, "error creating chat completion", tint.Err(err))
		}
		return "", providerError(openaiProvider, "chat_completion", err)
	}
	logger.InfoContext(
		ctx,
		"chat completion finished",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", time.Since(started),
	)
	if len(resp.Choices) == 0 {
		return "", providerError(openaiProvider, "chat_completion", errors.New("no choices returned"))
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", providerError(openaiProvider, "chat_completion", errors.New("empty reply"))
	}
	return reply, nil
}
