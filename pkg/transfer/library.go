package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aeolun/darkroom/pkg/protocol"
)

var ErrNotShared = errors.New("no shared file with that code")

// SharedEntry is a local file offered to the room.
type SharedEntry struct {
	Code string
	Path string
	Name string
	Size int64
}

// Library is the sender's table of shared files, keyed by code.
type Library struct {
	mu      sync.RWMutex
	entries map[string]SharedEntry
}

func NewLibrary() *Library {
	return &Library{entries: make(map[string]SharedEntry)}
}

// Share registers path under a fresh code and returns the entry together
// with the announcement text. Files over MaxFileSize are refused.
func (l *Library) Share(path string) (SharedEntry, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SharedEntry{}, "", err
	}
	if info.IsDir() {
		return SharedEntry{}, "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return SharedEntry{}, "", fmt.Errorf("%w: %s is %s, hard limit %s", ErrTooLarge,
			info.Name(), FormatSize(info.Size()), FormatSize(MaxFileSize))
	}

	entry := SharedEntry{
		Code: NewCode(),
		Path: path,
		Name: filepath.Base(path),
		Size: info.Size(),
	}

	l.mu.Lock()
	l.entries[entry.Code] = entry
	l.mu.Unlock()

	return entry, protocol.FormatSharedFile(entry.Name, FormatSize(entry.Size), entry.Code), nil
}

func (l *Library) Lookup(code string) (SharedEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[code]
	return e, ok
}

// Frames reads a shared file and encodes it for sending. Files over
// DirectTransferLimit produce a single too-large notice instead.
func (l *Library) Frames(code string, fragmentSize int) ([]string, error) {
	e, ok := l.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: #%s", ErrNotShared, code)
	}
	if e.Size > DirectTransferLimit {
		return []string{TooLargeNotice(e.Name, e.Size)}, nil
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, err
	}
	return Encode(e.Code, e.Name, data, fragmentSize)
}
