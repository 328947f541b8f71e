package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// headerLen is Version + Type + Flags
	headerLen = 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 compressed payload
	FlagEncrypted  = 0x02 // Bit 1: payload is ciphertext under the shared keypair
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one discrete unit on the wire.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// NewFrame builds a frame at the current protocol version.
func NewFrame(msgType, flags uint8, payload []byte) *Frame {
	return &Frame{
		Version: ProtocolVersion,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data and false if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// incompressible
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// EncodeFrame writes a frame to w as a single Write call, compressing
// payloads of at least CompressionThreshold bytes when that saves space.
// Frames that already carry FlagCompressed are written as-is.
func EncodeFrame(w io.Writer, f *Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// Marshal encodes a frame to its wire bytes. Broadcasts marshal once and
// write the same bytes to every recipient.
func Marshal(f *Frame) ([]byte, error) {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(headerLen + len(payload))
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+int(length))
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[7:], payload)
	return buf, nil
}

// DecodeFrame reads one frame from r. A clean io.EOF before the length
// prefix means the peer closed the connection.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [4 + headerLen]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < headerLen {
		return nil, ErrInvalidFrameLength
	}

	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return nil, unexpected(err)
	}

	payload := make([]byte, length-headerLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, unexpected(err)
		}
	}

	flags := header[6]
	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: header[4],
		Type:    header[5],
		Flags:   flags,
		Payload: payload,
	}, nil
}

// Unmarshal decodes a frame from a byte slice.
func Unmarshal(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// unexpected turns an EOF in the middle of a frame into io.ErrUnexpectedEOF
// so callers can tell a truncated frame from a clean disconnect.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
