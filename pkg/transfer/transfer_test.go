package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/darkroom/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// memSink keeps written files in memory.
type memSink struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{files: make(map[string][]byte)}
}

func (s *memSink) Write(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

type failSink struct{}

func (failSink) Write(string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func feed(t *testing.T, a *Assembler, frames []string) (*Completed, error) {
	t.Helper()
	var done *Completed
	var err error
	for _, text := range frames {
		p := protocol.ParsePayload(text)
		require.True(t, p.Kind.IsFileFragment(), "frame %q", text)
		done, err = a.Handle(p)
		if p.Kind != protocol.KindFileEnd {
			require.NoError(t, err)
		}
	}
	return done, err
}

func TestNewCode(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewCode()
		assert.Regexp(t, re, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestFragmentSize(t *testing.T) {
	// 2048-bit key, SHA-256 OAEP
	n := FragmentSize(190, len("alice: "))
	assert.Positive(t, n)
	assert.Zero(t, n%4)

	chunk := "alice: " + protocol.FormatFileChunk("deadbeef", 999999, strings.Repeat("A", n))
	assert.LessOrEqual(t, len(chunk), 190)

	assert.Zero(t, FragmentSize(20, 0))
}

func TestEncodeLayout(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 300)
	frames, err := Encode("deadbeef", "notes.txt", data, 80)
	require.NoError(t, err)

	// 300 bytes -> 400 base64 chars -> 5 fragments of 80
	require.Len(t, frames, 7)

	start := protocol.ParsePayload(frames[0])
	assert.Equal(t, protocol.KindFileStart, start.Kind)
	assert.Equal(t, "notes.txt", start.Filename)
	assert.EqualValues(t, 300, start.Size)
	assert.Equal(t, 5, start.Total)

	for i, text := range frames[1:6] {
		p := protocol.ParsePayload(text)
		assert.Equal(t, protocol.KindFileChunk, p.Kind)
		assert.Equal(t, i, p.Index)
		assert.Len(t, p.Data, 80)
	}

	end := protocol.ParsePayload(frames[6])
	assert.Equal(t, protocol.KindFileEnd, end.Kind)
	assert.Equal(t, "deadbeef", end.Code)
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode("deadbeef", "big.bin", make([]byte, DirectTransferLimit+1), 80)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Encode("deadbeef", "edge.bin", make([]byte, DirectTransferLimit), 80)
	assert.NoError(t, err)
}

func TestAssembleInOrder(t *testing.T) {
	sink := newMemSink()
	a := NewAssembler(sink)

	data := []byte("hello over the relay, in several pieces")
	frames, err := Encode("c0ffee00", "greeting.txt", data, 8)
	require.NoError(t, err)

	done, err := feed(t, a, frames)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, "greeting.txt", done.Filename)
	assert.Equal(t, "mem://greeting.txt", done.Path)
	assert.Equal(t, data, sink.files["greeting.txt"])
	assert.Zero(t, a.Active())
}

func TestIncompleteTransfer(t *testing.T) {
	sink := newMemSink()
	a := NewAssembler(sink)

	// 30 fragments of 4 base64 chars each
	data := bytes.Repeat([]byte("abc"), 30)
	frames, err := Encode("abad1dea", "partial.bin", data, 4)
	require.NoError(t, err)
	require.Len(t, frames, 32)

	// drop chunk 17
	frames = append(frames[:18], frames[19:]...)

	done, err := feed(t, a, frames)
	assert.Nil(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferIncomplete)

	var inc *TransferIncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, 29, inc.Received)
	assert.Equal(t, 30, inc.Total)
	assert.Equal(t, "File transfer incomplete: received 29 of 30 chunks", err.Error())

	assert.Empty(t, sink.files)
	_, pending := a.Pending("abad1dea")
	assert.False(t, pending, "state is discarded after end")
}

func TestDuplicateChunkCountsOnce(t *testing.T) {
	a := NewAssembler(newMemSink())
	require.NoError(t, a.Start("feedface", "dup.bin", 3, 2))
	require.NoError(t, a.Chunk("feedface", 0, "YWJj"))
	require.NoError(t, a.Chunk("feedface", 0, "YWJj"))

	_, err := a.End("feedface")
	var inc *TransferIncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, 1, inc.Received)
}

func TestChunkErrors(t *testing.T) {
	a := NewAssembler(newMemSink())

	err := a.Chunk("missing0", 0, "AAAA")
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	require.NoError(t, a.Start("12345678", "f.bin", 3, 1))
	assert.ErrorIs(t, a.Chunk("12345678", 1, "AAAA"), ErrChunkOutOfRange)
	assert.ErrorIs(t, a.Chunk("12345678", -1, "AAAA"), ErrChunkOutOfRange)

	_, err = a.End("missing0")
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestStartRejectsHugeFiles(t *testing.T) {
	a := NewAssembler(newMemSink())
	err := a.Start("12345678", "huge.iso", MaxFileSize+1, 10)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestStartRejectsImpossibleChunkCounts(t *testing.T) {
	tests := []struct {
		name  string
		size  int64
		total int
	}{
		{"count beyond encoded length", 10, 1 << 30},
		{"one more chunk than characters", 3, 5},
		{"no chunks for a non-empty file", 10, 0},
		{"negative count", 10, -1},
		{"chunks for an empty file", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(newMemSink())
			err := a.Start("deadbeef", "x", tt.size, tt.total)
			assert.ErrorIs(t, err, ErrBadChunkCount)
			assert.Zero(t, a.Active(), "no state is kept")
		})
	}

	// the same start frame arriving off the wire
	a := NewAssembler(newMemSink())
	_, err := a.Handle(protocol.ParsePayload(protocol.FormatFileStart("deadbeef", "x", 10, 1<<30)))
	assert.ErrorIs(t, err, ErrBadChunkCount)

	// boundaries that real senders produce still pass
	require.NoError(t, a.Start("00000000", "empty", 0, 0))
	require.NoError(t, a.Start("11111111", "tiny", 3, 4))
}

func TestStartReplacesStaleTransfer(t *testing.T) {
	sink := newMemSink()
	a := NewAssembler(sink)

	require.NoError(t, a.Start("aaaaaaaa", "old.txt", 30, 5))
	require.NoError(t, a.Chunk("aaaaaaaa", 0, "AAAA"))

	frames, err := Encode("aaaaaaaa", "new.txt", []byte("abc"), 80)
	require.NoError(t, err)
	done, err := feed(t, a, frames)
	require.NoError(t, err)
	assert.Equal(t, "new.txt", done.Filename)
}

func TestLegacyData(t *testing.T) {
	sink := newMemSink()
	a := NewAssembler(sink)

	text := protocol.FormatFileData("0badf00d", "tiny.txt", 2, "aGk=")
	done, err := a.Handle(protocol.ParsePayload(text))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), sink.files["tiny.txt"])
	assert.Equal(t, "0badf00d", done.Code)

	_, err = a.Data("0badf00d", "bad.txt", 2, "!!!")
	assert.ErrorIs(t, err, ErrCorruptData)

	_, err = a.Data("0badf00d", "short.txt", 5, "aGk=")
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestSinkFailure(t *testing.T) {
	a := NewAssembler(failSink{})
	_, err := a.Data("0badf00d", "tiny.txt", 2, "aGk=")
	assert.ErrorContains(t, err, "disk full")
}

func TestHandleIgnoresChat(t *testing.T) {
	a := NewAssembler(newMemSink())
	done, err := a.Handle(protocol.ParsePayload("alice: hi"))
	assert.Nil(t, done)
	assert.NoError(t, err)
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1.0 MB"},
		{MaxFileSize, "10.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.n))
	}
}

func TestTooLargeNotice(t *testing.T) {
	p := protocol.ParsePayload(TooLargeNotice("movie.mp4", 2*1024*1024))
	assert.Equal(t, protocol.KindFileTooLarge, p.Kind)
	assert.Contains(t, p.Notice, "movie.mp4 (2.0 MB)")
	assert.Contains(t, p.Notice, "50.0 KB")
}

func TestAssembleAnyOrderRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "data")
		frag := rapid.IntRange(1, 64).Draw(t, "fragment") * 4

		frames, err := Encode("0a1b2c3d", "blob.bin", data, frag)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		chunks := frames[1 : len(frames)-1]
		perm := rapid.Permutation(chunks).Draw(t, "order")
		// replay a random subset of chunks to exercise duplicates
		dups := rapid.SliceOfN(rapid.IntRange(0, max(len(chunks)-1, 0)), 0, 5).Draw(t, "dups")

		sink := newMemSink()
		a := NewAssembler(sink)
		if _, err := a.Handle(protocol.ParsePayload(frames[0])); err != nil {
			t.Fatalf("start: %v", err)
		}
		for _, c := range perm {
			if _, err := a.Handle(protocol.ParsePayload(c)); err != nil {
				t.Fatalf("chunk: %v", err)
			}
		}
		if len(chunks) > 0 {
			for _, i := range dups {
				if _, err := a.Handle(protocol.ParsePayload(chunks[i])); err != nil {
					t.Fatalf("dup chunk: %v", err)
				}
			}
		}
		done, err := a.Handle(protocol.ParsePayload(frames[len(frames)-1]))
		if err != nil {
			t.Fatalf("end: %v", err)
		}
		if done == nil || !bytes.Equal(sink.files["blob.bin"], data) {
			t.Fatalf("reassembled file differs")
		}
	})
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink := DirSink{Dir: filepath.Join(dir, "downloads")}

	p1, err := sink.Write("report.txt", []byte("one"))
	require.NoError(t, err)
	p2, err := sink.Write("report.txt", []byte("two"))
	require.NoError(t, err)
	p3, err := sink.Write("../../etc/passwd", []byte("three"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "downloads", "report.txt"), p1)
	assert.Equal(t, filepath.Join(dir, "downloads", "report (1).txt"), p2)
	assert.Equal(t, filepath.Join(dir, "downloads", "passwd"), p3)

	got, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b.txt", SanitizeName("a:b.txt"))
	assert.Equal(t, "evil.exe", SanitizeName(`C:\temp\evil.exe`))
	assert.Equal(t, "download", SanitizeName(".."))
	assert.Equal(t, "download", SanitizeName(""))
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("shared contents"), 0o644))
	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, DirectTransferLimit+10), 0o644))

	lib := NewLibrary()

	entry, announce, err := lib.Share(small)
	require.NoError(t, err)
	p := protocol.ParsePayload(announce)
	assert.Equal(t, protocol.KindSharedFile, p.Kind)
	assert.Equal(t, entry.Code, p.Code)
	assert.Equal(t, "small.txt", p.Filename)

	got, ok := lib.Lookup(entry.Code)
	require.True(t, ok)
	assert.Equal(t, small, got.Path)

	frames, err := lib.Frames(entry.Code, 80)
	require.NoError(t, err)
	sink := newMemSink()
	done, err := feed(t, NewAssembler(sink), frames)
	require.NoError(t, err)
	assert.Equal(t, "small.txt", done.Filename)
	assert.Equal(t, "shared contents", string(sink.files["small.txt"]))

	bigEntry, _, err := lib.Share(big)
	require.NoError(t, err)
	frames, err = lib.Frames(bigEntry.Code, 80)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindFileTooLarge, protocol.ParsePayload(frames[0]).Kind)

	_, err = lib.Frames("00000000", 80)
	assert.ErrorIs(t, err, ErrNotShared)

	_, _, err = lib.Share(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
