package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Frame types
const (
	TypeSignal     = 0x01 // S->C handshake signal token
	TypeCredential = 0x02 // C->S hex password hash
	TypeNickname   = 0x03 // C->S proposed nickname
	TypeFrameSize  = 0x04 // S->C decimal frame size
	TypePublicKey  = 0x05 // S->C PEM public key
	TypePrivateKey = 0x06 // S->C PEM private key
	TypeChat       = 0x10 // chat body, usually FlagEncrypted
)

// Signal is a bit-exact handshake token exchanged outside encryption.
type Signal string

const (
	SignalBanned      Signal = "banned"
	SignalProtected   Signal = "protected"
	SignalUnprotected Signal = "no_protected"
	SignalAccepted    Signal = "/accepted"
	SignalRetry       Signal = "/retry"
	SignalExit        Signal = "/exit"
)

var (
	ErrUnexpectedType = errors.New("unexpected frame type")
	ErrUnknownSignal  = errors.New("unknown signal")
)

// TypeName returns a short label for logs and metrics.
func TypeName(t uint8) string {
	switch t {
	case TypeSignal:
		return "signal"
	case TypeCredential:
		return "credential"
	case TypeNickname:
		return "nickname"
	case TypeFrameSize:
		return "frame_size"
	case TypePublicKey:
		return "public_key"
	case TypePrivateKey:
		return "private_key"
	case TypeChat:
		return "chat"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

func (s Signal) valid() bool {
	switch s {
	case SignalBanned, SignalProtected, SignalUnprotected, SignalAccepted, SignalRetry, SignalExit:
		return true
	}
	return false
}

// SignalFrame wraps a signal token in a frame.
func SignalFrame(s Signal) *Frame {
	return NewFrame(TypeSignal, 0, []byte(s))
}

// FrameSizeFrame announces the frame size as decimal ASCII.
func FrameSizeFrame(size int) *Frame {
	return NewFrame(TypeFrameSize, 0, []byte(strconv.Itoa(size)))
}

// KeyFrame carries one PEM key blob. The blob is compressed up front so it
// travels compressed even when it is below CompressionThreshold.
func KeyFrame(msgType uint8, pemBlob []byte) *Frame {
	payload, flags := pemBlob, uint8(0)
	if compressed, ok := CompressPayload(pemBlob); ok {
		payload, flags = compressed, FlagCompressed
	}
	return NewFrame(msgType, flags, payload)
}

// Expect reads the next frame and checks its type.
func Expect(r io.Reader, msgType uint8) (*Frame, error) {
	f, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	if f.Type != msgType {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, TypeName(f.Type), TypeName(msgType))
	}
	return f, nil
}

// ReadSignal reads a TypeSignal frame and validates its token.
func ReadSignal(r io.Reader) (Signal, error) {
	f, err := Expect(r, TypeSignal)
	if err != nil {
		return "", err
	}
	s := Signal(f.Payload)
	if !s.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, string(f.Payload))
	}
	return s, nil
}

// ReadFrameSize reads a TypeFrameSize frame.
func ReadFrameSize(r io.Reader) (int, error) {
	f, err := Expect(r, TypeFrameSize)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(f.Payload))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid frame size %q", string(f.Payload))
	}
	return n, nil
}
