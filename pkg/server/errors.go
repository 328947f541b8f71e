package server

import "errors"

var (
	// ErrBannedPeer is returned when the peer's address has an active ban.
	ErrBannedPeer = errors.New("peer is banned")
	// ErrAuthRejected is returned when the password budget is exhausted.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrDuplicateNickname is returned when the nickname is already connected.
	ErrDuplicateNickname = errors.New("nickname already in use")
	// ErrInvalidNickname is returned for empty, oversized or reserved nicknames.
	ErrInvalidNickname = errors.New("invalid nickname")
	// ErrUnexpectedFrame is a protocol violation during the handshake.
	ErrUnexpectedFrame = errors.New("unexpected frame")
	// ErrPeerUnreachable marks a recipient whose write failed.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClientDisconnecting ends the relay loop after /exit.
	ErrClientDisconnecting = errors.New("client disconnecting")
)
