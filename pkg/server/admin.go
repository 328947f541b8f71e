package server

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/darkroom/pkg/protocol"
)

const (
	defaultBanReason    = "No reason provided"
	defaultHistoryLimit = 10
)

var adminHelp = strings.Join([]string{
	"Admin commands:",
	"/admin ban <nick> [reason] - ban the nickname's address",
	"/admin history [n] - show the last n messages",
	"/admin dbstats - user and message counts",
	"/admin help - this list",
}, "\n")

// handleAdminCommand executes an authorized admin command. Replies go to
// the admin only; nothing here reaches the relay.
func (s *Server) handleAdminCommand(c *Connection, p protocol.Payload) {
	s.metrics.RecordAdminCommand(commandLabel(p.Command))
	debugLog.Printf("Connection %d: admin %s ran %q %v", c.ID, c.Nickname, p.Command, p.Args)

	var reply string
	var err error
	switch p.Command {
	case "ban":
		reply, err = s.adminBan(p.Args)
	case "history":
		reply, err = s.adminHistory(p.Args)
	case "dbstats":
		reply, err = s.adminStats()
	case "help", "":
		reply = adminHelp
	default:
		reply = fmt.Sprintf("Unknown admin command: %s", p.Command)
	}
	if err != nil {
		errorLog.Printf("Admin command %q from %s failed: %v", p.Command, c.Nickname, err)
		reply = "Error: " + err.Error()
		if p.Command == "history" {
			reply = "Error retrieving chat history"
		}
	}

	if err := s.reply(c, reply); err != nil {
		debugLog.Printf("Connection %d: admin reply failed: %v", c.ID, err)
	}
}

// adminBan records a ban on the target's address and disconnects it. The
// target's own relay loop removes and announces it.
func (s *Server) adminBan(args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /admin ban <nick> [reason]", nil
	}
	nick := args[0]
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = defaultBanReason
	}

	target, ok := s.registry.Lookup(nick)
	if !ok {
		return fmt.Sprintf("User %s not found.", nick), nil
	}
	if err := s.store.BanUser(target.Address, reason, s.config.DefaultBanHours); err != nil {
		return "", err
	}

	if err := s.sendText(target.Conn, "You have been banned from this server."); err != nil {
		debugLog.Printf("Connection %d: ban notice failed: %v", target.ID, err)
	}
	// Only the socket is closed here. The target's relay loop sees the read
	// fail and runs drop, which is the single place that removes it and
	// announces "has left.", so a ban still produces a departure line.
	target.Conn.Close()

	return fmt.Sprintf("User %s has been banned. Reason: %s", nick, reason), nil
}

func (s *Server) adminHistory(args []string) (string, error) {
	limit := defaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("invalid count %q", args[0])
		}
		limit = n
	}
	limit = max(1, min(limit, max(s.config.MaxHistory, 1)))

	msgs, err := s.store.RecentMessages(limit)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No chat history.", nil
	}

	var b strings.Builder
	b.WriteString("--- Chat History ---")
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n[%s] <%s> %s", m.Time().Format("2006-01-02 15:04:05"), m.Nickname, m.Content)
	}
	return b.String(), nil
}

func (s *Server) adminStats() (string, error) {
	users, messages, err := s.store.Stats()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Database Stats:\nUsers: %d\nMessages: %d", users, messages), nil
}

// reply sends text to one connection, split across as many encrypted
// frames as the key capacity requires. Splits prefer line boundaries.
func (s *Server) reply(c *Connection, text string) error {
	for _, part := range splitForKey(text, s.keys.MaxPlaintext()) {
		if err := s.sendText(c.Conn, part); err != nil {
			return err
		}
	}
	return nil
}

func splitForKey(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			parts = append(parts, line[:cut])
			line = line[cut:]
		}
		extra := len(line)
		if cur.Len() > 0 {
			extra++
		}
		if cur.Len()+extra > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return parts
}

func commandLabel(cmd string) string {
	switch cmd {
	case "ban", "history", "dbstats", "help":
		return cmd
	case "":
		return "help"
	}
	return "unknown"
}
