package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aeolun/darkroom/pkg/protocol"
)

// relayLoop reads frames from one participant until it leaves. Frames from
// a single participant are handled strictly in order.
func (s *Server) relayLoop(c *Connection) {
	defer s.drop(c)

	for {
		frame, err := c.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Connection %d: %s disconnected", c.ID, c.Nickname)
			} else {
				debugLog.Printf("Connection %d: read error: %v", c.ID, err)
			}
			return
		}

		debugLog.Printf("Connection %d ← RECV: Type=%s Flags=0x%02X PayloadLen=%d", c.ID, protocol.TypeName(frame.Type), frame.Flags, len(frame.Payload))

		if err := s.handleFrame(c, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("Connection %d: %s left gracefully", c.ID, c.Nickname)
				return
			}
			errorLog.Printf("Connection %d handle error: %v", c.ID, err)
		}
	}
}

// handleFrame decodes one chat frame once and decides whether it is an
// admin command, an exit, or something to persist and relay.
func (s *Server) handleFrame(c *Connection, frame *protocol.Frame) error {
	if frame.Type != protocol.TypeChat {
		debugLog.Printf("Connection %d: ignoring %s frame after handshake", c.ID, protocol.TypeName(frame.Type))
		return nil
	}

	raw, err := protocol.Marshal(frame)
	if err != nil {
		return fmt.Errorf("re-encode frame: %w", err)
	}

	plaintext := frame.Payload
	if frame.Flags&protocol.FlagEncrypted != 0 {
		plaintext, err = s.keys.Decrypt(frame.Payload)
		if err != nil {
			// forward what we cannot read
			debugLog.Printf("Connection %d: %v; forwarding unchanged", c.ID, err)
			s.metrics.RecordFrameReceived("undecryptable")
			s.broadcast(raw, c.ID)
			return nil
		}
	}

	p := protocol.ParsePayload(string(plaintext))
	s.metrics.RecordFrameReceived(p.Kind.String())

	switch p.Kind {
	case protocol.KindAdminCommand:
		if c.IsAdmin && s.config.AdminCommandsEnabled {
			s.handleAdminCommand(c, p)
			return nil
		}
	case protocol.KindExit:
		return ErrClientDisconnecting
	}

	s.persist(c, p)
	s.broadcast(raw, c.ID)
	return nil
}

// persist stores every relayed payload, file frames included unless
// HistoryFileFragments is off.
func (s *Server) persist(c *Connection, p protocol.Payload) {
	if !s.config.HistoryEnabled {
		return
	}
	if p.Kind.IsFileFragment() && !s.config.HistoryFileFragments {
		return
	}
	if err := s.store.SaveMessage(c.Nickname, p.Text); err != nil {
		errorLog.Printf("Failed to save message from %s: %v", c.Nickname, err)
	}
	if p.Kind == protocol.KindSharedFile {
		if err := s.store.SaveSharedFile(c.Nickname, p.Filename, p.Code); err != nil {
			errorLog.Printf("Failed to save shared file from %s: %v", c.Nickname, err)
		}
	}
}

// broadcast writes pre-encoded frame bytes to every connection except
// excludeID. A failed recipient is dropped once the broadcast is done;
// delivery to the rest continues.
func (s *Server) broadcast(data []byte, excludeID uint64) {
	s.broadcastMu.Lock()
	start := time.Now()
	var failed []*Connection
	delivered := 0
	for _, c := range s.registry.Snapshot() {
		if c.ID == excludeID {
			continue
		}
		if err := c.Conn.WriteBytes(data); err != nil {
			debugLog.Printf("Connection %d: broadcast failed: %v", c.ID, err)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	s.metrics.ObserveBroadcast(time.Since(start))
	s.metrics.RecordFramesRelayed(delivered)
	s.broadcastMu.Unlock()

	for _, c := range failed {
		s.metrics.RecordBroadcastFailure()
		s.drop(c)
	}
}

// drop removes c, closes its socket and announces the departure. Only the
// first caller for a given connection does anything.
func (s *Server) drop(c *Connection) {
	if _, ok := s.registry.Remove(c.ID); !ok {
		return
	}
	c.Conn.Close()
	s.announce(fmt.Sprintf("%s has left.", c.Nickname), c.ID)
}

// announce broadcasts a server notice and records it as System.
func (s *Server) announce(text string, excludeID uint64) {
	frame, err := s.chatFrame(text)
	if err != nil {
		errorLog.Printf("Failed to build notice %q: %v", text, err)
		return
	}
	data, err := protocol.Marshal(frame)
	if err != nil {
		errorLog.Printf("Failed to encode notice %q: %v", text, err)
		return
	}
	s.broadcast(data, excludeID)

	if s.config.HistoryEnabled {
		if err := s.store.SaveMessage(SystemNickname, text); err != nil {
			errorLog.Printf("Failed to save notice: %v", err)
		}
	}
}

// chatFrame encrypts text under the shared key.
func (s *Server) chatFrame(text string) (*protocol.Frame, error) {
	ct, err := s.keys.EncryptString(text)
	if err != nil {
		return nil, err
	}
	return protocol.NewFrame(protocol.TypeChat, protocol.FlagEncrypted, ct), nil
}

// sendText sends one encrypted message to a single connection.
func (s *Server) sendText(sc *SafeConn, text string) error {
	frame, err := s.chatFrame(text)
	if err != nil {
		return err
	}
	return sc.EncodeFrame(frame)
}
