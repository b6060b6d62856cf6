package deosun

import (
	"bytes"
	"context"
	"io"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

const ttsProvider = "google_tts"

// TTSJob is a single message to be read aloud
type TTSJob struct {
	Text string
}

// PrepareTTSText trims the content, replaces user mentions with display
// names and caps the result at maxLength characters. Returns
// ErrEmptyTTSText if nothing is left to read.
func PrepareTTSText(content string, mentions []Mention, maxLength int) (string, error) {
	text := strings.TrimSpace(ResolveMentions(content, mentions))
	if text == "" {
		return "", ErrEmptyTTSText
	}
	if maxLength > 0 {
		text = truncate(text, maxLength)
	}
	return text, nil
}

// Synthesizer turns text into encoded audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// googleSynthesizer is a Synthesizer backed by Google Cloud
// Text-to-Speech. Audio is returned as MP3.
type googleSynthesizer struct {
	client       *texttospeech.Client
	languageCode string
	voiceName    string
}

func newGoogleSynthesizer(
	ctx context.Context,
	cfg GoogleConfig,
	voice *VoiceConfig,
) (*googleSynthesizer, error) {
	client, err := texttospeech.NewClient(ctx, googleClientOptions(cfg)...)
	if err != nil {
		return nil, providerError(ttsProvider, "new_client", err)
	}
	return &googleSynthesizer{
		client:       client,
		languageCode: voice.TTSLanguageCode,
		voiceName:    voice.TTSVoiceName,
	}, nil
}

func (g *googleSynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := g.client.SynthesizeSpeech(
		ctx,
		&texttospeechpb.SynthesizeSpeechRequest{
			Input: &texttospeechpb.SynthesisInput{
				InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
			},
			Voice: &texttospeechpb.VoiceSelectionParams{
				LanguageCode: g.languageCode,
				Name:         g.voiceName,
			},
			AudioConfig: &texttospeechpb.AudioConfig{
				AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			},
		},
	)
	if err != nil {
		return nil, providerError(ttsProvider, "synthesize", err)
	}
	return io.NopCloser(bytes.NewReader(resp.GetAudioContent())), nil
}

func (g *googleSynthesizer) Close() error {
	return g.client.Close()
}
