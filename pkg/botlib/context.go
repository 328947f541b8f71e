package botlib

import "fmt"

// Context provides methods for responding to messages.
// It is passed to message handlers.
type Context struct {
	bot     *Bot
	message *Message
	recent  []Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply addresses content to the author of the current message.
func (c *Context) Reply(content string) error {
	if c.message.Author == "" {
		return c.bot.Say(content)
	}
	return c.bot.Say("@" + c.message.Author + " " + content)
}

// Say sends content to the room.
func (c *Context) Say(content string) error {
	return c.bot.Say(content)
}

// Author returns the nickname of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotNickname returns the bot's nickname.
func (c *Context) BotNickname() string {
	return c.bot.config.Nickname
}

// Recent returns the chat lines seen before this one, oldest first,
// including the bot's own replies.
func (c *Context) Recent() []Message {
	return c.recent
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{author=%s, recent=%d}", c.message.Author, len(c.recent))
}
