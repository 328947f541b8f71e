package server

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/darkroom/pkg/client"
	"github.com/aeolun/darkroom/pkg/crypto"
	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/aeolun/darkroom/pkg/transfer"
	"github.com/aeolun/darkroom/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journeyServer is a test server listening on all three transports.
type journeyServer struct {
	*testServer
	sshAddr string
	wsAddr  string
}

func startJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServer {
	t.Helper()
	ts := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
		if mutate != nil {
			mutate(cfg)
		}
	})

	sshCfg, err := ts.srv.sshConfig()
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.srv.sshListener = l
	ts.srv.wg.Add(1)
	go ts.srv.acceptSSHLoop(l, sshCfg)

	mux := http.NewServeMux()
	mux.HandleFunc(transport.WebSocketPath, ts.srv.HandleWebSocket)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)

	return &journeyServer{
		testServer: ts,
		sshAddr:    "ssh://journey@" + l.Addr().String(),
		wsAddr:     "ws://" + strings.TrimPrefix(hs.URL, "http://"),
	}
}

func (js *journeyServer) address(transportName string) string {
	switch transportName {
	case "ssh":
		return js.sshAddr
	case "websocket":
		return js.wsAddr
	}
	return js.addr
}

func joinVia(t *testing.T, js *journeyServer, transportName, nick string, cfg client.Config) *peer {
	t.Helper()
	cfg.Nickname = nick
	p, err := dialPeer(t, js.address(transportName), cfg)
	require.NoError(t, err, "join %s via %s", nick, transportName)
	require.Equal(t, transportName, p.c.Transport())
	p.waitChat(t, testWelcome)
	return p
}

func TestJourneyEachTransport(t *testing.T) {
	for _, tr := range []string{"tcp", "ssh", "websocket"} {
		t.Run(tr, func(t *testing.T) {
			js := startJourneyServer(t, nil)
			alice := joinVia(t, js, tr, "alice", client.Config{})
			bob := joinVia(t, js, tr, "bob", client.Config{})
			alice.waitChat(t, "bob has joined.")

			require.NoError(t, alice.c.Send("hello over "+tr))
			bob.waitChat(t, "alice: hello over "+tr)

			require.NoError(t, bob.c.Send("and back"))
			alice.waitChat(t, "bob: and back")

			c, ok := js.srv.registry.Lookup("bob")
			require.True(t, ok)
			assert.Equal(t, tr, c.Transport)
			assert.Equal(t, "127.0.0.1", c.Address)

			require.NoError(t, bob.c.Close())
			alice.waitChat(t, "bob has left.")
		})
	}
}

func TestJourneyCrossTransport(t *testing.T) {
	js := startJourneyServer(t, func(cfg *ServerConfig) {
		cfg.Protected = true
		cfg.PasswordHash = crypto.HashPassword("door")
	})

	pw := client.Config{Password: "door"}
	alice := joinVia(t, js, "tcp", "alice", pw)
	bob := joinVia(t, js, "ssh", "bob", pw)
	carol := joinVia(t, js, "websocket", "carol", pw)

	require.NoError(t, bob.c.Send("ssh says hi"))
	alice.waitChat(t, "bob: ssh says hi")
	carol.waitChat(t, "bob: ssh says hi")
	bob.noChat(t, "bob: ssh says hi", 100*time.Millisecond)

	require.NoError(t, carol.c.Send("websocket says hi"))
	alice.waitChat(t, "carol: websocket says hi")
	bob.waitChat(t, "carol: websocket says hi")

	require.Eventually(t, func() bool {
		msgs, err := js.db.RecentMessages(100)
		if err != nil {
			return false
		}
		var got []string
		for _, m := range msgs {
			if m.Nickname != SystemNickname {
				got = append(got, m.Content)
			}
		}
		return assert.ObjectsAreEqual([]string{"bob: ssh says hi", "carol: websocket says hi"}, got)
	}, waitFor, 10*time.Millisecond)
}

func TestJourneyFileTransfer(t *testing.T) {
	js := startJourneyServer(t, nil)

	content := bytes.Repeat([]byte("darkroom file body\n"), 200)
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	downloads := t.TempDir()
	bob := joinVia(t, js, "ssh", "bob", client.Config{})
	carol := joinVia(t, js, "websocket", "carol", client.Config{Sink: transfer.DirSink{Dir: downloads}})
	alice := joinVia(t, js, "tcp", "alice", client.Config{Sink: transfer.DirSink{Dir: t.TempDir()}})

	entry, err := bob.c.ShareFile(src)
	require.NoError(t, err)
	e := carol.waitEvent(t, func(e client.Event) bool {
		return e.Kind == client.EventChat && e.Payload.Kind == protocol.KindSharedFile
	}, "share announcement")
	assert.Equal(t, entry.Code, e.Payload.Code)

	require.NoError(t, carol.c.RequestFile("#"+entry.Code))
	bob.waitEvent(t, func(e client.Event) bool { return e.Kind == client.EventFileSent }, "file sent")

	got := carol.waitEvent(t, func(e client.Event) bool {
		return e.Kind == client.EventFileReceived
	}, "file received")
	require.NotNil(t, got.File)
	assert.Equal(t, "notes.txt", got.File.Filename)
	assert.Equal(t, fmt.Sprintf("File saved successfully: %s", got.File.Path), got.Text)

	data, err := os.ReadFile(filepath.Join(downloads, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// alice never asked, so nothing lands in her downloads
	require.NoError(t, alice.c.Send("done"))
	carol.waitChat(t, "alice: done")
	assert.NotContains(t, drainKinds(alice), client.EventFileReceived)

	// one shared file, and the fragments went into the history with it
	files, err := js.db.SharedFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "bob", files[0].Nickname)
	require.Eventually(t, func() bool {
		msgs, err := js.db.AllMessages()
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Nickname == "bob" && strings.Contains(m.Content, protocol.MarkerFileEnd) {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestJourneyBanAppliesAcrossTransports(t *testing.T) {
	js := startJourneyServer(t, withAdmin("root"))
	root := joinVia(t, js, "tcp", "root", client.Config{})
	joinVia(t, js, "websocket", "eve", client.Config{})
	root.waitChat(t, "eve has joined.")

	require.NoError(t, root.c.Admin("ban", "eve"))
	root.waitChats(t, "User eve has been banned. Reason: "+defaultBanReason, "eve has left.")

	// every transport reaches the server from the banned loopback address
	for _, tr := range []string{"ssh", "websocket", "tcp"} {
		_, err := dialPeer(t, js.address(tr), client.Config{Nickname: "eve2"})
		assert.ErrorIs(t, err, client.ErrBanned, tr)
	}
}

// drainKinds collects the kinds of events already queued.
func drainKinds(p *peer) []client.EventKind {
	var kinds []client.EventKind
	for {
		select {
		case e := <-p.events:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}
