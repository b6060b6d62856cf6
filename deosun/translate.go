package deosun

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"cloud.google.com/go/translate"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

const (
	translatedPrefix   = "[Translated]"
	translatorProvider = "google_translate"
)

var (
	customEmojiPattern = regexp.MustCompile(`<a?:\w+:\d+>`)
	urlPattern         = regexp.MustCompile(`https?://\S+`)
	mediaContentTypes  = []string{"image/", "video/", "audio/"}
)

// Language is a translation language offered by /translator
type Language struct {
	Label string
	Code  string
}

// Languages are the supported translation languages
var Languages = []Language{
	{Label: "Korean / 한국어", Code: "ko"},
	{Label: "English / 영어", Code: "en"},
	{Label: "Japanese / 日本語", Code: "ja"},
	{Label: "Chinese / 中文", Code: "zh"},
	{Label: "Taiwanese / 繁體中文", Code: "zh-TW"},
}

func languageByCode(code string) (Language, bool) {
	for _, l := range Languages {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}

// Message is the part of a discord message the translation gate
// looks at
type Message struct {
	Content                string
	StickerCount           int
	AttachmentContentTypes []string
}

func newMessage(m *discordgo.Message) Message {
	msg := Message{Content: m.Content, StickerCount: len(m.StickerItems)}
	for _, a := range m.Attachments {
		msg.AttachmentContentTypes = append(msg.AttachmentContentTypes, a.ContentType)
	}
	return msg
}

func (m Message) mediaOnly() bool {
	if len(m.AttachmentContentTypes) == 0 {
		return false
	}
	for _, ct := range m.AttachmentContentTypes {
		media := false
		for _, prefix := range mediaContentTypes {
			if strings.HasPrefix(ct, prefix) {
				media = true
				break
			}
		}
		if !media {
			return false
		}
	}
	return true
}

// ShouldTranslate reports whether a message has text worth translating.
// Messages are skipped if they're already a translation, have stickers,
// only carry media attachments, are only emoji (or contain a custom
// emoji), or contain a URL.
func ShouldTranslate(m Message) bool {
	switch {
	case strings.HasPrefix(m.Content, translatedPrefix):
		return false
	case m.StickerCount > 0:
		return false
	case m.mediaOnly():
		return false
	case emojiOnly(m.Content), customEmojiPattern.MatchString(m.Content):
		return false
	case urlPattern.MatchString(m.Content):
		return false
	}
	return true
}

// emojiOnly reports whether s is made up entirely of emoji and
// whitespace. Blank strings count as emoji-only.
func emojiOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) && !isEmojiRune(r) {
			return false
		}
	}
	return true
}

func isEmojiRune(r rune) bool {
	switch {
	case r == '\u200d', r == '\ufe0f', r == '\ufe0e', r == '\u20e3':
		// joiner, variation selectors, keycap
		return true
	case r >= 0x1f3fb && r <= 0x1f3ff:
		// skin tone modifiers
		return true
	case r >= 0xe0020 && r <= 0xe007f:
		// flag tags
		return true
	}
	return unicode.Is(unicode.So, r)
}

// Mention is a user mentioned in a message
type Mention struct {
	ID         string
	Nick       string
	GlobalName string
	Username   string
}

// DisplayName returns the guild nickname, global name or username, in
// that order of preference
func (m Mention) DisplayName() string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.GlobalName != "":
		return m.GlobalName
	default:
		return m.Username
	}
}

// ResolveMentions replaces user mention markup (<@id> and <@!id>) with
// @displayName
func ResolveMentions(content string, mentions []Mention) string {
	if len(mentions) == 0 {
		return content
	}
	pairs := make([]string, 0, len(mentions)*4)
	for _, m := range mentions {
		name := "@" + m.DisplayName()
		pairs = append(pairs, "<@"+m.ID+">", name, "<@!"+m.ID+">", name)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// memberLookup returns a guild member
type memberLookup func(guildID, userID string) (*discordgo.Member, error)

// messageMentions builds the mention list for a message, using the
// guild member (when it can be found) for nicknames
func messageMentions(m *discordgo.Message, lookup memberLookup) []Mention {
	mentions := make([]Mention, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		mention := Mention{ID: u.ID, GlobalName: u.GlobalName, Username: u.Username}
		if lookup != nil && m.GuildID != "" {
			if member, err := lookup(m.GuildID, u.ID); err == nil && member != nil {
				mention.Nick = member.Nick
			}
		}
		mentions = append(mentions, mention)
	}
	return mentions
}

// Translator translates text between two language codes
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// googleTranslator is a Translator backed by Google Cloud Translation
type googleTranslator struct {
	client *translate.Client
}

func googleClientOptions(cfg GoogleConfig) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return opts
}

func newGoogleTranslator(ctx context.Context, cfg GoogleConfig) (*googleTranslator, error) {
	client, err := translate.NewClient(ctx, googleClientOptions(cfg)...)
	if err != nil {
		return nil, providerError(translatorProvider, "new_client", err)
	}
	return &googleTranslator{client: client}, nil
}

func (g *googleTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	src, err := language.Parse(source)
	if err != nil {
		return "", fmt.Errorf("invalid source language %q: %w", source, err)
	}
	tgt, err := language.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target language %q: %w", target, err)
	}
	res, err := g.client.Translate(
		ctx,
		[]string{text},
		tgt,
		&translate.Options{Source: src, Format: translate.Text},
	)
	if err != nil {
		return "", providerError(translatorProvider, "translate", err)
	}
	if len(res) == 0 {
		return "", providerError(translatorProvider, "translate", fmt.Errorf("empty response"))
	}
	return html.UnescapeString(res[0].Text), nil
}

func (g *googleTranslator) Close() error {
	return g.client.Close()
}

// translationFlow decides whether a guild message gets a translated
// reply, and produces it
type translationFlow struct {
	settings   *SettingsStore
	translator Translator
	audit      *AuditLog
	prefix     string
}

// TranslationRequest is a message considered for translation
type TranslationRequest struct {
	GuildID   string
	ChannelID string
	UserID    string
	Message   Message
	// Mentions resolves the users mentioned in the message. It's only
	// called once the message is going to be translated.
	Mentions func() []Mention
}

// Process returns the reply text for the request. ok is false when the
// message shouldn't be translated: the channel isn't on the server's
// allowlist, the gate rejects it, or the user hasn't opted in. The last
// case also returns ErrTranslationDisabled.
func (f *translationFlow) Process(ctx context.Context, req TranslationRequest) (reply string, ok bool, err error) {
	if req.GuildID != "" {
		allowed, e := f.settings.IsTranslateChannel(ctx, req.GuildID, req.ChannelID)
		if e != nil {
			return "", false, e
		}
		if !allowed {
			return "", false, nil
		}
	}
	if !ShouldTranslate(req.Message) {
		return "", false, nil
	}

	user, found, err := f.settings.User(ctx, req.UserID)
	if err != nil {
		return "", false, err
	}
	if !found || !user.translationReady() {
		return "", false, ErrTranslationDisabled
	}

	var mentions []Mention
	if req.Mentions != nil {
		mentions = req.Mentions()
	}
	text := ResolveMentions(req.Message.Content, mentions)
	translated, err := f.translator.Translate(ctx, text, user.SourceLang, user.TargetLang)
	f.audit.Translation(
		ctx,
		req.UserID,
		req.ChannelID,
		user.SourceLang,
		user.TargetLang,
		len([]rune(text)),
		err,
	)
	if err != nil {
		return "", false, err
	}
	return truncate(f.prefix+translated, discordMaxMessageLength), true, nil
}
