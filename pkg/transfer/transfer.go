// Package transfer carries files inside chat-shaped text frames: a start
// frame, base64 chunk frames, and an end frame, reassembled by code on the
// receiving side.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/google/uuid"
)

const (
	// DirectTransferLimit is the largest file sent through the relay.
	DirectTransferLimit = 50 * 1024

	// MaxFileSize is the hard upper bound on any shared file.
	MaxFileSize = 10 * 1024 * 1024

	// DefaultFragmentSize is used when the key capacity is unknown.
	DefaultFragmentSize = 80
)

var (
	ErrTooLarge           = errors.New("file too large for direct transfer")
	ErrTransferIncomplete = errors.New("file transfer incomplete")
	ErrUnknownTransfer    = errors.New("unknown transfer code")
	ErrChunkOutOfRange    = errors.New("chunk index out of range")
	ErrCorruptData        = errors.New("transfer data is not valid base64")
	ErrSizeMismatch       = errors.New("decoded size does not match declared size")
	ErrBadChunkCount      = errors.New("declared chunk count does not fit the file size")
)

// TransferIncompleteError reports a terminating frame that arrived before every
// chunk. It matches ErrTransferIncomplete.
type TransferIncompleteError struct {
	Code     string
	Filename string
	Received int
	Total    int
}

func (e *TransferIncompleteError) Error() string {
	return fmt.Sprintf("File transfer incomplete: received %d of %d chunks", e.Received, e.Total)
}

func (e *TransferIncompleteError) Is(target error) bool {
	return target == ErrTransferIncomplete
}

// NewCode returns an 8 character hex transfer code.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// FragmentSize returns the largest base64 fragment, as a multiple of 4,
// whose chunk frame fits in maxPlaintext bytes. prefixLen is the length of
// any author prefix the sender adds.
func FragmentSize(maxPlaintext, prefixLen int) int {
	// "[b]File chunk:[/b] #" + 8 code + ":" + up to 6 index digits + ":"
	overhead := len(protocol.MarkerFileChunk) + 1 + 8 + 1 + 6 + 1 + prefixLen
	n := (maxPlaintext - overhead) / 4 * 4
	if n < 4 {
		return 0
	}
	return n
}

// Encode turns data into the ordered frame texts of one transfer:
// start, chunks, end.
func Encode(code, filename string, data []byte, fragmentSize int) ([]string, error) {
	if len(data) > DirectTransferLimit {
		return nil, fmt.Errorf("%w: %s is %s, limit %s", ErrTooLarge, filename, FormatSize(int64(len(data))), FormatSize(DirectTransferLimit))
	}
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	fragments := split(encoded, fragmentSize)

	frames := make([]string, 0, len(fragments)+2)
	frames = append(frames, protocol.FormatFileStart(code, filename, int64(len(data)), len(fragments)))
	for i, frag := range fragments {
		frames = append(frames, protocol.FormatFileChunk(code, i, frag))
	}
	frames = append(frames, protocol.FormatFileEnd(code))
	return frames, nil
}

func split(s string, size int) []string {
	var out []string
	for len(s) > 0 {
		n := min(size, len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

// TooLargeNotice is the text sent instead of a file over the limit.
func TooLargeNotice(filename string, size int64) string {
	return protocol.FormatFileTooLarge(fmt.Sprintf("%s (%s) is too big for direct transfer. Limit is %s.",
		filename, FormatSize(size), FormatSize(DirectTransferLimit)))
}

// FormatSize renders a byte count as B, KB or MB.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// Transfer is receive-side state for one code.
type Transfer struct {
	Code     string
	Filename string
	Size     int64
	Total    int
	chunks   map[int]string
}

// Received counts distinct chunk indices seen.
func (t *Transfer) Received() int {
	return len(t.chunks)
}

// Completed describes a file written to the sink.
type Completed struct {
	Code     string
	Filename string
	Size     int64
	Path     string
}

// Assembler tracks in-flight transfers by code. Safe for concurrent use.
type Assembler struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	sink      Sink
}

// NewAssembler creates an assembler writing completed files to sink.
func NewAssembler(sink Sink) *Assembler {
	return &Assembler{
		transfers: make(map[string]*Transfer),
		sink:      sink,
	}
}

// Start allocates state for a transfer, replacing any stale one with the
// same code. Every chunk carries at least one base64 character, so total
// can never exceed the encoded length of size.
func (a *Assembler) Start(code, filename string, size int64, total int) error {
	if size > MaxFileSize {
		return fmt.Errorf("%w: %s declares %s", ErrTooLarge, filename, FormatSize(size))
	}
	if size < 0 || total < 0 || (total == 0 && size > 0) || total > base64.StdEncoding.EncodedLen(int(size)) {
		return fmt.Errorf("%w: %s declares %d chunks for %d bytes", ErrBadChunkCount, filename, total, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers[code] = &Transfer{
		Code:     code,
		Filename: filename,
		Size:     size,
		Total:    total,
		chunks:   make(map[int]string),
	}
	return nil
}

// Chunk stores a fragment at its index. A repeated index overwrites the
// fragment without counting twice.
func (a *Assembler) Chunk(code string, index int, data string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[code]
	if !ok {
		return fmt.Errorf("%w: #%s", ErrUnknownTransfer, code)
	}
	if index < 0 || index >= t.Total {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrChunkOutOfRange, index, t.Total)
	}
	t.chunks[index] = data
	return nil
}

// Pending returns a snapshot of the in-flight transfer for code.
func (a *Assembler) Pending(code string) (Transfer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transfers[code]
	if !ok {
		return Transfer{}, false
	}
	return Transfer{Code: t.Code, Filename: t.Filename, Size: t.Size, Total: t.Total, chunks: nil}, true
}

// Active returns the number of in-flight transfers.
func (a *Assembler) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// End finishes a transfer. The file is written only when every chunk has
// arrived; otherwise a *TransferIncompleteError is returned. State for code is
// discarded in both cases.
func (a *Assembler) End(code string) (*Completed, error) {
	a.mu.Lock()
	t, ok := a.transfers[code]
	delete(a.transfers, code)
	a.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: #%s", ErrUnknownTransfer, code)
	}
	if t.Received() != t.Total {
		return nil, &TransferIncompleteError{Code: code, Filename: t.Filename, Received: t.Received(), Total: t.Total}
	}

	var b strings.Builder
	for i := 0; i < t.Total; i++ {
		b.WriteString(t.chunks[i])
	}
	return a.write(code, t.Filename, t.Size, b.String())
}

// Data handles the legacy single-frame transfer.
func (a *Assembler) Data(code, filename string, size int64, encoded string) (*Completed, error) {
	return a.write(code, filename, size, encoded)
}

func (a *Assembler) write(code, filename string, size int64, encoded string) (*Completed, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, len(data), size)
	}
	path, err := a.sink.Write(filename, data)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", filename, err)
	}
	return &Completed{Code: code, Filename: filename, Size: size, Path: path}, nil
}

// Handle routes a decoded file payload. It returns a non-nil Completed
// when a file was written.
func (a *Assembler) Handle(p protocol.Payload) (*Completed, error) {
	switch p.Kind {
	case protocol.KindFileStart:
		return nil, a.Start(p.Code, p.Filename, p.Size, p.Total)
	case protocol.KindFileChunk:
		return nil, a.Chunk(p.Code, p.Index, p.Data)
	case protocol.KindFileEnd:
		return a.End(p.Code)
	case protocol.KindFileData:
		return a.Data(p.Code, p.Filename, p.Size, p.Data)
	default:
		return nil, nil
	}
}
