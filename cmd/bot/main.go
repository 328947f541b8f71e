// Command bot is a Dark Room participant that uses an LLM to answer mentions.
// Supports both Claude (Anthropic) and Ollama backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/darkroom/pkg/botlib"
)

// conversation turns the recent room lines into alternating chat turns,
// folding consecutive lines from others into one user turn.
func conversation(botNick string, recent []botlib.Message, current *botlib.Message) []turn {
	var messages []turn
	add := func(role, content string) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n" + content
			return
		}
		messages = append(messages, turn{Role: role, Content: content})
	}

	for _, m := range recent {
		if m.IsNotice() {
			continue
		}
		if m.Author == botNick {
			add("assistant", m.MentionedContent())
			continue
		}
		content := m.Content
		if m.MentionsMe() {
			content = m.MentionedContent()
		}
		add("user", fmt.Sprintf("%s: %s", m.Author, content))
	}
	add("user", fmt.Sprintf("%s: %s", current.Author, current.MentionedContent()))

	// both APIs want the first turn to come from the user
	for len(messages) > 0 && messages[0].Role == "assistant" {
		messages = messages[1:]
	}
	return messages
}

func main() {
	server := flag.String("server", "localhost:5000", "Server address (host:port, ssh://user@host:port, ws://host:port)")
	nickname := flag.String("nickname", "assistant", "Bot nickname")
	password := flag.String("password", "", "Room password, if the server is protected")
	history := flag.Int("history", 20, "Recent lines used as conversation context")
	backendName := flag.String("backend", "ollama", "LLM backend: 'ollama' or 'claude'")
	model := flag.String("model", "", "Model to use (default: llama3.2 for ollama, claude-sonnet-4-20250514 for claude)")
	ollamaURL := flag.String("ollama-url", "http://localhost:11434", "Ollama server URL")
	maxTokens := flag.Int("max-tokens", 500, "Maximum tokens in response (Claude only)")
	systemPrompt := flag.String("system", "", "System prompt (optional)")
	flag.Parse()

	if *systemPrompt == "" {
		*systemPrompt = `You are a helpful assistant participating in an encrypted chat room.
Keep your responses short, a few sentences at most.
Each user line starts with the speaker's nickname.
Don't use markdown formatting since the chat client doesn't render it.`
	}

	var llm backend
	switch *backendName {
	case "ollama":
		if *model == "" {
			*model = "llama3.2"
		}
		llm = ollama{url: *ollamaURL, model: *model, system: *systemPrompt}
		log.Printf("Using Ollama backend: %s (model: %s)", *ollamaURL, *model)

	case "claude":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			log.Fatal("ANTHROPIC_API_KEY environment variable is required for Claude backend")
		}
		if *model == "" {
			*model = "claude-sonnet-4-20250514"
		}
		llm = claude{url: anthropicURL, key: apiKey, model: *model, maxTokens: *maxTokens, system: *systemPrompt}
		log.Printf("Using Claude backend (model: %s)", *model)

	default:
		log.Fatalf("Unknown backend: %s (use 'ollama' or 'claude')", *backendName)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bot := botlib.New(botlib.Config{
		Server:   *server,
		Nickname: *nickname,
		Password: *password,
		History:  *history,
	})

	// Respond when someone mentions the bot
	bot.OnMention(func(bctx *botlib.Context, msg *botlib.Message) {
		bctx.Log("Mentioned by %s: %s", msg.Author, msg.Content)

		if msg.MentionedContent() == "" {
			bctx.Reply("Hi! How can I help you?")
			return
		}

		response, err := llm.Answer(ctx, conversation(bctx.BotNickname(), bctx.Recent(), msg))
		if err != nil {
			bctx.Log("LLM error: %v", err)
			bctx.Reply("Sorry, I encountered an error. Please try again.")
			return
		}

		if err := bctx.Reply(response); err != nil {
			bctx.Log("Failed to reply: %v", err)
		}
	})

	log.Printf("Starting bot...")
	log.Printf("  Server: %s", *server)
	log.Printf("  Nickname: %s", *nickname)

	if err := bot.Run(ctx); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
