package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/darkroom/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// The owning relay loop, broadcasts from other loops and admin replies may
// all write to the same connection. Every write goes through one mutex and
// is bounded by the write timeout so a stalled peer cannot hold a broadcast.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps a net.Conn with write synchronization. A zero timeout
// disables write deadlines.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// EncodeFrame encodes and sends a protocol frame.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	data, err := protocol.Marshal(frame)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes pre-encoded frame bytes. Used by broadcasts, which
// marshal once for every recipient. Failures wrap ErrPeerUnreachable.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
		defer sc.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := sc.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
