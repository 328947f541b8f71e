package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHServerVersion is the banner the relay advertises. Clients refuse
// servers with a different banner prefix.
const SSHServerVersion = "SSH-2.0-DarkRoom"

// ChannelConn wraps an ssh.Channel to implement net.Conn. On the server
// side the remote address is the SSH peer's, so bans apply across
// transports. On the client side client is closed with the channel.
type ChannelConn struct {
	channel ssh.Channel
	client  *ssh.Client
	local   net.Addr
	remote  net.Addr
	once    sync.Once
	err     error
}

func NewChannelConn(channel ssh.Channel, local, remote net.Addr) *ChannelConn {
	return &ChannelConn{channel: channel, local: local, remote: remote}
}

// DialSSH opens a session channel on an SSH server that accepts clients
// without authentication. The host key is not pinned; the room password
// and the relay key are what protect the conversation.
func DialSSH(ctx context.Context, user, address string, timeout time.Duration) (*ChannelConn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	// Set a deadline for the SSH handshake to enforce the timeout
	if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, SSHServerVersion) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected banner prefix %q", banner, SSHServerVersion)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &ChannelConn{
		channel: channel,
		client:  client,
		local:   netConn.LocalAddr(),
		remote:  netConn.RemoteAddr(),
	}, nil
}

func (c *ChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *ChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *ChannelConn) Close() error {
	c.once.Do(func() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.err = err
		}
		if c.client != nil {
			c.client.Close()
		}
	})
	return c.err
}

func (c *ChannelConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *ChannelConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

// SSH channels have no deadlines; a stalled peer is bounded by the SSH
// window instead.
func (c *ChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *ChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *ChannelConn) SetWriteDeadline(t time.Time) error { return nil }
