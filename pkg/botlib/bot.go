package botlib

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aeolun/darkroom/pkg/client"
	"github.com/aeolun/darkroom/pkg/protocol"
)

// ErrNotConnected is returned by Say while the bot is between sessions.
var ErrNotConnected = errors.New("bot is not connected")

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port, ssh://user@host:port or ws://host:port)
	Server string

	// Nickname for the bot (e.g., "assistant")
	Nickname string

	// Password for protected rooms
	Password string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// History is how many recent lines handlers can see (default: 20)
	History int

	// ReconnectDelay is the first backoff after a lost session (default: 2s),
	// doubling up to MaxReconnectDelay (default: 1m).
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Bot represents a Dark Room bot instance.
type Bot struct {
	config Config
	logger *log.Logger

	mu      sync.Mutex
	client  *client.Client
	history []Message

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler

	wg sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.History <= 0 {
		config.History = 20
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if config.MaxReconnectDelay < config.ReconnectDelay {
		config.MaxReconnectDelay = max(time.Minute, config.ReconnectDelay)
	}

	return &Bot{
		config: config,
		logger: config.Logger,
	}
}

// OnMessage registers a handler for chat lines that do not mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Run joins the room and processes messages until ctx is cancelled,
// rejoining whenever the session drops. It returns early only when the
// server refuses the bot outright.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()

	for joined := false; ; joined = true {
		c, err := b.connect(ctx, joined)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.setClient(c)
		b.logger.Printf("Joined %s as %s", b.config.Server, b.config.Nickname)

		err = c.Run(ctx, b.handleEvent)
		b.setClient(nil)
		c.Close()

		if ctx.Err() != nil {
			b.logger.Printf("Bot stopped")
			return nil
		}
		b.logger.Printf("Session ended (%v), rejoining", err)
	}
}

// Say sends content to the room as the bot.
func (b *Bot) Say(content string) error {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	// the relay never echoes our own lines back
	b.remember(Message{
		Author:      b.config.Nickname,
		Content:     content,
		ReceivedAt:  time.Now(),
		botNickname: b.config.Nickname,
	})

	limit := c.MaxMessage() - len(b.config.Nickname) - len(": ")
	for _, part := range wrap(content, limit) {
		if err := c.Send(part); err != nil {
			return err
		}
	}
	return nil
}

// wrap splits text into lines of at most limit bytes, breaking between
// words where it can.
func wrap(text string, limit int) []string {
	words := strings.Fields(text)
	if limit <= 0 || len(words) == 0 {
		return nil
	}

	var lines []string
	var cur strings.Builder
	for _, w := range words {
		for len(w) > limit {
			if cur.Len() > 0 {
				lines = append(lines, cur.String())
				cur.Reset()
			}
			cut := limit
			for cut > 0 && !utf8.RuneStart(w[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			lines = append(lines, w[:cut])
			w = w[cut:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > limit {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

func (b *Bot) setClient(c *client.Client) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}

// remember appends m to the history window and returns what came before.
func (b *Bot) remember(m Message) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := make([]Message, len(b.history))
	copy(before, b.history)
	b.history = append(b.history, m)
	if over := len(b.history) - b.config.History; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
	return before
}

func (b *Bot) handleEvent(e client.Event) {
	if e.Kind != client.EventChat || e.Payload.Kind != protocol.KindChat {
		return
	}

	msg := parseMessage(e.Text, b.config.Nickname, time.Now())
	recent := b.remember(msg)
	if msg.IsNotice() {
		return
	}

	handler := b.onMessage
	if msg.MentionsMe() && b.onMention != nil {
		handler = b.onMention
	}
	if handler == nil {
		return
	}

	// handlers may block on slow work; the receive loop must keep draining
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		handler(&Context{bot: b, message: &msg, recent: recent}, &msg)
	}()
}
