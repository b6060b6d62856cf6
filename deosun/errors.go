package deosun

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInVoiceChannel is returned when a voice session is requested
	// by a member who isn't connected to a voice channel
	ErrNotInVoiceChannel = errors.New("member is not in a voice channel")

	// ErrVoiceConnectTimeout is returned when a voice connection doesn't
	// become ready within VoiceConfig.ReadyTimeout
	ErrVoiceConnectTimeout = errors.New("timed out waiting for voice connection")

	ErrNoVoiceSession = errors.New("no voice session for guild")
	ErrEmptyTTSText   = errors.New("nothing to read aloud")

	// ErrRoleUpdate wraps any failure to add or remove a tier role
	ErrRoleUpdate = errors.New("role update failed")

	// ErrTranslationDisabled is returned when a user hasn't opted in to
	// translation, or hasn't picked both languages
	ErrTranslationDisabled = errors.New("translation not enabled for user")

	ErrInvalidTierTable = errors.New("invalid tier table")

	ErrAgentUnavailable = errors.New("chat agent is not configured")
)

// ProviderError is a failed call to an external service (store,
// translation, text-to-speech, LLM). These are not retried; the caller
// logs it and the user gets a generic reply.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// userFacingMessage maps an error to the reply shown to a discord user.
func userFacingMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotInVoiceChannel):
		return "먼저 음성 채널에 접속하세요."
	case errors.Is(err, ErrVoiceConnectTimeout):
		return "음성 채널 연결에 실패했습니다. 잠시 후 다시 시도해주세요."
	case errors.Is(err, ErrNoVoiceSession):
		return "현재 연결된 음성 채널이 없습니다."
	case errors.Is(err, ErrAgentUnavailable):
		return "AI 기능이 설정되지 않았습니다."
	default:
		return DefaultDiscordErrorMessage
	}
}
