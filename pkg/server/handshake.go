package server

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/darkroom/pkg/crypto"
	"github.com/aeolun/darkroom/pkg/protocol"
)

// SystemNickname authors join and departure notices in the history.
const SystemNickname = "System"

const adminNotice = "You are logged in as an administrator. Use /admin command <args> for admin functions."

// handshake walks a new connection through ban check, password gate,
// nickname negotiation, key distribution and welcome. On success the
// connection is registered and announced.
func (s *Server) handshake(sc *SafeConn, transport string) (*Connection, error) {
	address := hostOf(sc.RemoteAddr())

	banned, err := s.store.IsBanned(address)
	if err != nil {
		// fail closed
		errorLog.Printf("Ban check for %s failed: %v", address, err)
		banned = true
	}
	if banned {
		s.sendSignal(sc, protocol.SignalBanned)
		return nil, fmt.Errorf("%w: %s", ErrBannedPeer, address)
	}

	if err := s.passwordGate(sc); err != nil {
		return nil, err
	}

	nickname, err := s.negotiateNickname(sc)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.RegisterOrGetUser(nickname); err != nil {
		errorLog.Printf("Failed to record user %s: %v", nickname, err)
	}

	c := &Connection{
		ID:        s.registry.NextID(),
		Nickname:  nickname,
		Address:   address,
		IsAdmin:   s.isAdmin(nickname),
		Transport: transport,
		Conn:      sc,
	}
	// no broadcast may land between /accepted and the key frames
	s.broadcastMu.Lock()
	if err := s.registry.Register(c); err != nil {
		s.broadcastMu.Unlock()
		// lost a race for the nickname
		s.sendSignal(sc, protocol.SignalExit)
		return nil, fmt.Errorf("%w: %q", err, nickname)
	}
	err = s.distributeKeys(c)
	if err == nil {
		err = s.welcome(c)
	}
	if err != nil {
		s.registry.Remove(c.ID)
		s.broadcastMu.Unlock()
		return nil, err
	}
	s.broadcastMu.Unlock()

	debugLog.Printf("Connection %d: %s joined via %s from %s (admin=%v)", c.ID, nickname, transport, address, c.IsAdmin)
	s.announce(fmt.Sprintf("%s has joined.", nickname), c.ID)
	return c, nil
}

func (s *Server) passwordGate(sc *SafeConn) error {
	if !s.config.Protected {
		return s.sendSignal(sc, protocol.SignalUnprotected)
	}
	if err := s.sendSignal(sc, protocol.SignalProtected); err != nil {
		return err
	}

	attempts := max(s.config.MaxLoginAttempts, 1)
	for i := 1; i <= attempts; i++ {
		frame, err := readExpect(sc, protocol.TypeCredential)
		if err != nil {
			return err
		}
		if crypto.CredentialMatches(string(frame.Payload), s.config.PasswordHash) {
			return s.sendSignal(sc, protocol.SignalAccepted)
		}
		if i < attempts {
			if err := s.sendSignal(sc, protocol.SignalRetry); err != nil {
				return err
			}
		}
	}

	s.sendSignal(sc, protocol.SignalExit)
	return fmt.Errorf("%w: %d failed attempts", ErrAuthRejected, attempts)
}

// negotiateNickname reads and validates the proposed nickname. The
// /accepted signal is sent later, once the registry insert succeeds.
func (s *Server) negotiateNickname(sc *SafeConn) (string, error) {
	frame, err := readExpect(sc, protocol.TypeNickname)
	if err != nil {
		return "", err
	}

	nickname := strings.TrimSpace(string(frame.Payload))
	if err := s.validateNickname(nickname); err != nil {
		s.sendSignal(sc, protocol.SignalExit)
		return "", err
	}
	if _, taken := s.registry.Lookup(nickname); taken {
		s.sendSignal(sc, protocol.SignalExit)
		return "", fmt.Errorf("%w: %q", ErrDuplicateNickname, nickname)
	}
	return nickname, nil
}

func (s *Server) validateNickname(nickname string) error {
	switch {
	case nickname == "":
		return fmt.Errorf("%w: empty", ErrInvalidNickname)
	case s.config.MaxNicknameLength > 0 && utf8.RuneCountInString(nickname) > s.config.MaxNicknameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidNickname, s.config.MaxNicknameLength)
	case strings.EqualFold(nickname, SystemNickname):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidNickname, nickname)
	case strings.ContainsAny(nickname, "\r\n\t"):
		return fmt.Errorf("%w: control characters", ErrInvalidNickname)
	}
	return nil
}

// isAdmin is true when the store flags the user or the config lists it.
func (s *Server) isAdmin(nickname string) bool {
	for _, admin := range s.config.AdminUsers {
		if nickname == admin {
			return true
		}
	}
	isAdmin, err := s.store.IsAdmin(nickname)
	if err != nil {
		errorLog.Printf("Admin lookup for %s failed: %v", nickname, err)
		return false
	}
	return isAdmin
}

// distributeKeys accepts the nickname and hands over the shared keypair.
// Frames are length-prefixed, so they go out back to back.
func (s *Server) distributeKeys(c *Connection) error {
	frames := []*protocol.Frame{
		protocol.SignalFrame(protocol.SignalAccepted),
		protocol.FrameSizeFrame(s.keys.Bits()),
		protocol.KeyFrame(protocol.TypePublicKey, s.keys.MarshalPublicPEM()),
		protocol.KeyFrame(protocol.TypePrivateKey, s.keys.MarshalPrivatePEM()),
	}
	for _, f := range frames {
		if err := c.Conn.EncodeFrame(f); err != nil {
			return fmt.Errorf("send %s: %w", protocol.TypeName(f.Type), err)
		}
	}
	return nil
}

func (s *Server) welcome(c *Connection) error {
	if msg := strings.TrimSpace(s.config.WelcomeMessage); msg != "" {
		if err := s.sendText(c.Conn, msg); err != nil {
			return fmt.Errorf("send welcome: %w", err)
		}
	}
	if c.IsAdmin {
		if err := s.sendText(c.Conn, adminNotice); err != nil {
			return fmt.Errorf("send admin notice: %w", err)
		}
	}
	return nil
}

func (s *Server) sendSignal(sc *SafeConn, sig protocol.Signal) error {
	return sc.EncodeFrame(protocol.SignalFrame(sig))
}

// readExpect reads one handshake frame of the given type.
func readExpect(sc *SafeConn, msgType uint8) (*protocol.Frame, error) {
	frame, err := sc.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Type != msgType {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFrame, protocol.TypeName(frame.Type), protocol.TypeName(msgType))
	}
	return frame, nil
}
