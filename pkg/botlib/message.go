// Package botlib provides a simple library for building Dark Room bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat line received by the bot.
type Message struct {
	// Author is the nickname prefix of the line, empty for room notices
	// such as joins and leaves.
	Author     string
	Content    string
	ReceivedAt time.Time

	// Internal: the bot's nickname for mention detection
	botNickname string
}

// parseMessage splits a relayed "<nick>: <text>" line. Lines without the
// prefix are room notices.
func parseMessage(text, botNickname string, at time.Time) Message {
	m := Message{Content: text, ReceivedAt: at, botNickname: botNickname}
	if author, content, ok := strings.Cut(text, ": "); ok && author != "" && !strings.ContainsAny(author, " \t") {
		m.Author = author
		m.Content = content
	}
	return m
}

// IsNotice returns true for lines the server sent on its own behalf.
func (m *Message) IsNotice() bool {
	return m.Author == ""
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @nickname patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botNickname == "" || m.IsNotice() {
		return false
	}

	content := strings.ToLower(m.Content)
	nickname := strings.ToLower(m.botNickname)

	if strings.Contains(content, "@"+nickname) {
		return true
	}

	// Also check for nickname at start of message (common pattern)
	return strings.HasPrefix(content, nickname+":") ||
		strings.HasPrefix(content, nickname+",") ||
		strings.HasPrefix(content, nickname+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botNickname == "" {
		return m.Content
	}

	content := m.Content
	lowerNick := strings.ToLower(m.botNickname)

	// Remove @nickname mentions in any case
	for {
		i := strings.Index(strings.ToLower(content), "@"+lowerNick)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+1+len(lowerNick):]
	}

	lower := strings.ToLower(content)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerNick+sep) {
			content = content[len(lowerNick)+1:]
			break
		}
	}

	return strings.Join(strings.Fields(content), " ")
}
