// Command dbview prints the contents of a Dark Room database.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aeolun/darkroom/pkg/database"
	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginTop(1)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	adminStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	systemStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
)

const timeLayout = "2006-01-02 15:04:05"

func main() {
	dbPath := flag.String("db", "~/.darkroom/darkroom.db", "Path to the database")
	limit := flag.Int("limit", 10, "Number of recent messages to show")
	flag.Parse()

	path := *dbPath
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		path = home + path[1:]
	}
	if _, err := os.Stat(path); err != nil {
		log.Fatalf("Database not found: %v", err)
	}

	db, err := database.Open(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := dump(db, *limit); err != nil {
		log.Fatal(err)
	}
}

func dump(db *database.DB, limit int) error {
	users, err := db.AllUsers()
	if err != nil {
		return err
	}
	fmt.Println(headingStyle.Render(fmt.Sprintf("Users (%d)", len(users))))
	for _, u := range users {
		line := fmt.Sprintf("  %-20s joined %s", u.Nickname, time.UnixMilli(u.CreatedAt).Format(timeLayout))
		if u.IsAdmin {
			line += " " + adminStyle.Render("[admin]")
		}
		fmt.Println(line)
	}

	msgs, err := db.RecentMessages(limit)
	if err != nil {
		return err
	}
	fmt.Println(headingStyle.Render(fmt.Sprintf("Recent messages (%d)", len(msgs))))
	for _, m := range msgs {
		ts := dimStyle.Render(m.Time().Format(timeLayout))
		if m.Nickname == "System" {
			fmt.Printf("  %s %s\n", ts, systemStyle.Render(m.Content))
			continue
		}
		fmt.Printf("  %s <%s> %s\n", ts, m.Nickname, m.Content)
	}

	files, err := db.SharedFiles()
	if err != nil {
		return err
	}
	fmt.Println(headingStyle.Render(fmt.Sprintf("Shared files (%d)", len(files))))
	for _, f := range files {
		fmt.Printf("  #%s %-30s by %s at %s\n", f.Code, f.Filename, f.Nickname, time.UnixMilli(f.SharedAt).Format(timeLayout))
	}

	bans, err := db.ListBans(true)
	if err != nil {
		return err
	}
	fmt.Println(headingStyle.Render(fmt.Sprintf("Bans (%d)", len(bans))))
	now := time.Now().UnixMilli()
	for _, b := range bans {
		until := "permanent"
		if b.BannedUntil != nil {
			until = "until " + time.UnixMilli(*b.BannedUntil).Format(timeLayout)
		}
		state := ""
		if !b.Active(now) {
			state = " " + dimStyle.Render("(expired)")
		}
		fmt.Printf("  %-16s %s, %s%s\n", b.Address, b.Reason, until, state)
	}
	return nil
}
