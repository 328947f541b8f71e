// Package client is the participant side of the relay: it dials a server,
// completes the handshake, receives the shared key and then sends and
// receives encrypted chat, including chunked file transfers.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aeolun/darkroom/pkg/crypto"
	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/aeolun/darkroom/pkg/transfer"
)

var (
	ErrBanned           = errors.New("banned from this server")
	ErrAuthRejected     = errors.New("password rejected")
	ErrNicknameRejected = errors.New("nickname rejected")
	ErrClosed           = errors.New("client closed")
)

// Config controls one client session.
type Config struct {
	Nickname string
	Password string

	// PasswordPrompt supplies the next password after a retry. When nil the
	// same password is resent until the server gives up.
	PasswordPrompt func(attempt int) (string, error)

	DialTimeout time.Duration

	// Sink receives completed downloads. Defaults to the working directory.
	Sink transfer.Sink

	// AcceptFile decides whether an incoming transfer is kept. By default
	// only codes this client asked for with RequestFile are.
	AcceptFile func(code, filename string) bool

	Logger *log.Logger
}

// EventKind classifies what Run reports to its Handler.
type EventKind int

const (
	EventChat EventKind = iota
	EventFileReceived
	EventTransferFailed
	EventFileSent
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventChat:
		return "chat"
	case EventFileReceived:
		return "file_received"
	case EventTransferFailed:
		return "transfer_failed"
	case EventFileSent:
		return "file_sent"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one thing that happened on the receive side.
type Event struct {
	Kind    EventKind
	Text    string
	Payload protocol.Payload
	File    *transfer.Completed
	Err     error
}

// Handler is called from Run for every event, one at a time.
type Handler func(Event)

// Client is one joined participant.
type Client struct {
	conn      net.Conn
	r         *bufio.Reader
	transport string
	cfg       Config
	logger    *log.Logger
	keys      *crypto.Keypair

	writeMu sync.Mutex

	library   *transfer.Library
	assembler *transfer.Assembler

	mu        sync.Mutex
	requested map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to addr over TCP, SSH or WebSocket and joins the room.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dc, err := parseServerAddress(addr, timeout)
	if err != nil {
		return nil, err
	}

	conn, err := dc.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", dc.display, err)
	}

	c, err := New(ctx, conn, dc.transport, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.logf("Joined %s as %s", dc.display, c.Nickname())
	return c, nil
}

// New runs the handshake on an established connection. Cancelling ctx
// aborts the handshake by closing conn.
func New(ctx context.Context, conn net.Conn, transportName string, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = transfer.DirSink{Dir: "."}
	}

	c := &Client{
		conn:      conn,
		r:         bufio.NewReader(conn),
		transport: transportName,
		cfg:       cfg,
		logger:    logger,
		library:   transfer.NewLibrary(),
		assembler: transfer.NewAssembler(sink),
		requested: make(map[string]bool),
		closed:    make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err := c.handshake()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	sig, err := protocol.ReadSignal(c.r)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	switch sig {
	case protocol.SignalBanned:
		return ErrBanned
	case protocol.SignalProtected:
		if err := c.authenticate(); err != nil {
			return err
		}
	case protocol.SignalUnprotected:
	default:
		return fmt.Errorf("unexpected greeting %q", sig)
	}

	if err := c.writeFrame(protocol.NewFrame(protocol.TypeNickname, 0, []byte(c.cfg.Nickname))); err != nil {
		return fmt.Errorf("send nickname: %w", err)
	}
	sig, err = protocol.ReadSignal(c.r)
	if err != nil {
		return fmt.Errorf("read nickname reply: %w", err)
	}
	switch sig {
	case protocol.SignalAccepted:
	case protocol.SignalExit:
		return fmt.Errorf("%w: %q", ErrNicknameRejected, c.cfg.Nickname)
	default:
		return fmt.Errorf("unexpected nickname reply %q", sig)
	}

	size, err := protocol.ReadFrameSize(c.r)
	if err != nil {
		return fmt.Errorf("read frame size: %w", err)
	}
	pub, err := protocol.Expect(c.r, protocol.TypePublicKey)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	priv, err := protocol.Expect(c.r, protocol.TypePrivateKey)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	keys, err := crypto.ParseKeypair(pub.Payload, priv.Payload)
	if err != nil {
		return err
	}
	if keys.Bits() != size {
		return fmt.Errorf("server announced %d bit frames but sent a %d bit key", size, keys.Bits())
	}
	c.keys = keys
	return nil
}

// authenticate answers the password gate. The server replies /retry after
// each wrong attempt and /exit after the last one.
func (c *Client) authenticate() error {
	password := c.cfg.Password
	for attempt := 1; ; attempt++ {
		credential := crypto.HashPassword(password)
		if err := c.writeFrame(protocol.NewFrame(protocol.TypeCredential, 0, []byte(credential))); err != nil {
			return fmt.Errorf("send credential: %w", err)
		}

		sig, err := protocol.ReadSignal(c.r)
		if err != nil {
			return fmt.Errorf("read password reply: %w", err)
		}
		switch sig {
		case protocol.SignalAccepted:
			return nil
		case protocol.SignalExit:
			return fmt.Errorf("%w after %d attempts", ErrAuthRejected, attempt)
		case protocol.SignalRetry:
			if c.cfg.PasswordPrompt != nil {
				password, err = c.cfg.PasswordPrompt(attempt + 1)
				if err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected password reply %q", sig)
		}
	}
}

func (c *Client) Nickname() string  { return c.cfg.Nickname }
func (c *Client) Transport() string { return c.transport }

// MaxMessage is the largest text SendRaw accepts.
func (c *Client) MaxMessage() int { return c.keys.MaxPlaintext() }

// Send relays a chat line with the author prefix.
func (c *Client) Send(text string) error {
	return c.SendRaw(c.cfg.Nickname + ": " + text)
}

// SendRaw encrypts text as is. Admin commands, the exit marker and file
// fragments go through here.
func (c *Client) SendRaw(text string) error {
	ct, err := c.keys.EncryptString(text)
	if err != nil {
		return err
	}
	return c.writeFrame(protocol.NewFrame(protocol.TypeChat, protocol.FlagEncrypted, ct))
}

// Admin sends "/admin <command> [args...]".
func (c *Client) Admin(command string, args ...string) error {
	return c.SendRaw(protocol.FormatAdminCommand(command, args...))
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.EncodeFrame(c.conn, f)
}

// Run receives until the connection ends, ctx is cancelled or Close is
// called. Frames are handled in arrival order. A clean end returns nil.
func (c *Client) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		frame, err := protocol.DecodeFrame(c.r)
		if err != nil {
			select {
			case <-c.closed:
				err = nil
			default:
				if ctx.Err() != nil {
					err = ctx.Err()
				} else if errors.Is(err, io.EOF) {
					err = nil
				}
			}
			h(Event{Kind: EventDisconnected, Err: err})
			return err
		}
		c.handleFrame(frame, h)
	}
}

func (c *Client) handleFrame(frame *protocol.Frame, h Handler) {
	if frame.Type != protocol.TypeChat {
		c.logf("Ignoring %s frame", protocol.TypeName(frame.Type))
		return
	}

	plaintext := frame.Payload
	if frame.Flags&protocol.FlagEncrypted != 0 {
		var err error
		plaintext, err = c.keys.Decrypt(frame.Payload)
		if err != nil {
			c.logf("Dropping frame: %v", err)
			return
		}
	}

	p := protocol.ParsePayload(string(plaintext))
	switch {
	case p.Kind.IsFileFragment():
		c.receiveFile(p, h)
	case p.Kind == protocol.KindFileRequest:
		c.answerRequest(p.Code, h)
	default:
		h(Event{Kind: EventChat, Text: p.Text, Payload: p})
	}
}

// Close announces the departure and closes the connection. It waits for
// file answers already in flight.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.keys != nil {
			c.SendRaw(protocol.ExitMarker)
		}
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Client) logf(format string, args ...any) {
	c.logger.Printf(format, args...)
}
