// Command client is a line-oriented Dark Room client.
//
// Lines typed on stdin are sent to the room. /upload <path> shares a
// file, /get #code fetches one, /admin passes a command through and /quit
// leaves.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aeolun/darkroom/pkg/client"
	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/aeolun/darkroom/pkg/transfer"
	"github.com/gen2brain/beeep"
)

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Server address (host:port, ssh://user@host:port, ws://host:port)")
	nick := flag.String("nick", "", "Nickname")
	password := flag.String("password", "", "Room password, if the server is protected")
	downloads := flag.String("downloads", ".", "Directory for received files")
	notify := flag.Bool("notify", false, "Desktop notification when a file arrives")
	verbose := flag.Bool("v", false, "Log connection details to stderr")
	flag.Parse()

	lines := bufio.NewScanner(os.Stdin)
	prompt := func(label string) (string, error) {
		fmt.Print(label)
		if !lines.Scan() {
			if err := lines.Err(); err != nil {
				return "", err
			}
			return "", errors.New("stdin closed")
		}
		return strings.TrimSpace(lines.Text()), nil
	}

	if *nick == "" {
		n, err := prompt("Nickname: ")
		if err != nil {
			log.Fatalf("No nickname: %v", err)
		}
		*nick = n
	}

	cfg := client.Config{
		Nickname: *nick,
		Password: *password,
		PasswordPrompt: func(attempt int) (string, error) {
			return prompt(fmt.Sprintf("Password (attempt %d): ", attempt))
		},
		Sink: transfer.DirSink{Dir: *downloads},
	}
	if *verbose {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, *serverAddr, cfg)
	switch {
	case errors.Is(err, client.ErrBanned):
		fmt.Println("You are banned from this server.")
		os.Exit(1)
	case errors.Is(err, client.ErrAuthRejected):
		fmt.Println("Wrong password.")
		os.Exit(1)
	case errors.Is(err, client.ErrNicknameRejected):
		fmt.Printf("Nickname %q is taken or not allowed.\n", *nick)
		os.Exit(1)
	case err != nil:
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(e client.Event) { show(e, *notify) })
	}()

	input := make(chan string)
	go func() {
		defer close(input)
		for lines.Scan() {
			input <- lines.Text()
		}
	}()

	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Connection lost: %v", err)
			}
			return
		case line, ok := <-input:
			if !ok {
				return
			}
			if quit := handleLine(c, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// handleLine dispatches one input line. It reports true on /quit.
func handleLine(c *client.Client, line string) bool {
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/quit", protocol.ExitMarker:
		return true
	case "/upload":
		if arg == "" {
			fmt.Println("Usage: /upload <path>")
			return false
		}
		var entry transfer.SharedEntry
		entry, err = c.ShareFile(arg)
		if err == nil {
			fmt.Printf("Shared %s (%s) as #%s\n", entry.Name, transfer.FormatSize(entry.Size), entry.Code)
		}
	case "/get":
		if arg == "" {
			fmt.Println("Usage: /get #code")
			return false
		}
		err = c.RequestFile(arg)
	case protocol.AdminPrefix:
		err = c.SendRaw(line)
	default:
		err = c.Send(line)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	return false
}

func show(e client.Event, notify bool) {
	switch e.Kind {
	case client.EventChat:
		if e.Payload.Kind == protocol.KindSharedFile {
			fmt.Printf("%s  (type /get #%s to download)\n", e.Text, e.Payload.Code)
			return
		}
		fmt.Println(e.Text)
	case client.EventFileReceived:
		fmt.Println(e.Text)
		if notify && e.File != nil {
			if err := beeep.Notify("Dark Room", fmt.Sprintf("Received %s", e.File.Filename), ""); err != nil {
				log.Printf("Failed to send desktop notification: %v", err)
			}
		}
	case client.EventTransferFailed, client.EventFileSent:
		fmt.Println(e.Text)
	case client.EventDisconnected:
		fmt.Println("Disconnected from server.")
	}
}
