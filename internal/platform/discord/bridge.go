// Package discord bridges mapped Discord channels into daemon sessions.
// Ordinary channel traffic is mirrored into the session's conversation log as
// ambient context; messages that mention the bot become injections and the
// response is posted back to the channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/wopr-network/wopr/internal/config"
	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

// messageLimit is Discord's hard cap on message length, in runes.
const messageLimit = 2000

// Injector runs an injection against a session. *queue.Manager satisfies it.
type Injector interface {
	Inject(ctx context.Context, session, message string, opts types.InjectOptions) (*types.InjectResult, error)
}

// MessageLogger records ambient messages without triggering a response.
// *store.ConvLog satisfies it.
type MessageLogger interface {
	LogMessage(session, message string, opts store.LogOptions) error
}

// replier is the slice of discordgo.Session the bridge needs to answer.
type replier interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bridge owns the Discord gateway connection.
type Bridge struct {
	session  *discordgo.Session
	channels map[string]string
	log      MessageLogger
	injector Injector

	mu        sync.Mutex
	botID     string
	closeOnce sync.Once
}

// New creates a Bridge and connects to the Discord gateway. The token must be
// non-empty; callers should skip construction entirely when the bridge is not
// configured.
func New(cfg config.DiscordConfig, log MessageLogger, injector Injector) (*Bridge, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token must not be empty")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bridge{
		session:  session,
		channels: cfg.Channels,
		log:      log,
		injector: injector,
	}
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.handleMessage(context.Background(), s, m)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.mu.Lock()
	if session.State != nil && session.State.User != nil {
		b.botID = session.State.User.ID
	}
	b.mu.Unlock()

	slog.Info("discord bridge connected", "channels", len(cfg.Channels))
	return b, nil
}

// Run blocks until ctx is cancelled. The gateway connection is event-driven;
// there is nothing to pump here.
func (b *Bridge) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from the gateway.
func (b *Bridge) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bridge closed")
	})
	return closeErr
}

// handleMessage routes one gateway message. Unmapped channels and the bot's
// own messages are ignored.
func (b *Bridge) handleMessage(ctx context.Context, r replier, m *discordgo.MessageCreate) {
	b.mu.Lock()
	botID := b.botID
	b.mu.Unlock()

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	session, ok := b.channels[m.ChannelID]
	if !ok {
		return
	}

	from := m.Author.Username
	if from == "" {
		from = m.Author.ID
	}
	channel := "discord:" + m.ChannelID

	if !mentions(m, botID) {
		err := b.log.LogMessage(session, m.Content, store.LogOptions{
			From:     from,
			SenderID: m.Author.ID,
			Channel:  channel,
		})
		if err != nil {
			slog.Warn("discord: log ambient message", "session", session, "err", err)
		}
		return
	}

	prompt := stripMention(m.Content, botID)
	if prompt == "" {
		return
	}
	res, err := b.injector.Inject(ctx, session, prompt, types.InjectOptions{
		From:     from,
		SenderID: m.Author.ID,
		Channel:  channel,
		Source:   &types.InjectionSource{Type: types.SourceDaemon, Origin: "discord"},
	})
	if err != nil {
		slog.Warn("discord: injection failed", "session", session, "err", err)
		if _, serr := r.ChannelMessageSend(m.ChannelID, "Error: "+err.Error()); serr != nil {
			slog.Warn("discord: send error reply", "err", serr)
		}
		return
	}
	for _, part := range chunkMessage(res.Response, messageLimit) {
		if _, err := r.ChannelMessageSend(m.ChannelID, part); err != nil {
			slog.Warn("discord: send reply", "session", session, "err", err)
			return
		}
	}
}

// mentions reports whether the message mentions the bot user.
func mentions(m *discordgo.MessageCreate, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

// stripMention removes the bot's mention tokens from content.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// chunkMessage splits text into pieces of at most limit runes, preferring to
// break at newlines and then at spaces.
func chunkMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == limit {
			for i := limit; i > limit/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
