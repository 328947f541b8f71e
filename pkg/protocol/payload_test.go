package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Payload
	}{
		{
			name: "plain chat",
			text: "alice: hello everyone",
			want: Payload{Kind: KindChat, Text: "alice: hello everyone"},
		},
		{
			name: "exit",
			text: "/exit",
			want: Payload{Kind: KindExit, Text: "/exit"},
		},
		{
			name: "exit with author prefix is chat",
			text: "alice: /exit",
			want: Payload{Kind: KindChat, Text: "alice: /exit"},
		},
		{
			name: "admin ban with reason",
			text: "/admin ban bob spamming the room",
			want: Payload{Kind: KindAdminCommand, Text: "/admin ban bob spamming the room", Command: "ban", Args: []string{"bob", "spamming", "the", "room"}},
		},
		{
			name: "admin command is case-insensitive",
			text: "/admin DBSTATS",
			want: Payload{Kind: KindAdminCommand, Text: "/admin DBSTATS", Command: "dbstats", Args: []string{}},
		},
		{
			name: "bare admin",
			text: "/admin",
			want: Payload{Kind: KindAdminCommand, Text: "/admin"},
		},
		{
			name: "admin lookalike",
			text: "/administrator",
			want: Payload{Kind: KindChat, Text: "/administrator"},
		},
		{
			name: "file start with colon in name",
			text: "[b]File start:[/b] #1a2b3c4d:report:v2.txt:1024:13",
			want: Payload{Kind: KindFileStart, Text: "[b]File start:[/b] #1a2b3c4d:report:v2.txt:1024:13", Code: "1a2b3c4d", Filename: "report:v2.txt", Size: 1024, Total: 13},
		},
		{
			name: "file chunk",
			text: "[b]File chunk:[/b] #1a2b3c4d:7:aGVsbG8=",
			want: Payload{Kind: KindFileChunk, Text: "[b]File chunk:[/b] #1a2b3c4d:7:aGVsbG8=", Code: "1a2b3c4d", Index: 7, Data: "aGVsbG8="},
		},
		{
			name: "file end",
			text: "[b]File end:[/b] #1a2b3c4d",
			want: Payload{Kind: KindFileEnd, Text: "[b]File end:[/b] #1a2b3c4d", Code: "1a2b3c4d"},
		},
		{
			name: "legacy file data",
			text: "[b]File data:[/b] #1a2b3c4d:a.txt:5:aGVsbG8=",
			want: Payload{Kind: KindFileData, Text: "[b]File data:[/b] #1a2b3c4d:a.txt:5:aGVsbG8=", Code: "1a2b3c4d", Filename: "a.txt", Size: 5, Data: "aGVsbG8="},
		},
		{
			name: "file request behind author prefix",
			text: "bob: [b]Requesting file:[/b] #1a2b3c4d",
			want: Payload{Kind: KindFileRequest, Text: "bob: [b]Requesting file:[/b] #1a2b3c4d", Code: "1a2b3c4d"},
		},
		{
			name: "file too large",
			text: "[b]File too large:[/b] movie.mkv is too big for direct transfer",
			want: Payload{Kind: KindFileTooLarge, Text: "[b]File too large:[/b] movie.mkv is too big for direct transfer", Notice: "movie.mkv is too big for direct transfer"},
		},
		{
			name: "shared file",
			text: "alice: [b]Shared file:[/b] notes (final).txt (2.0 KB) | Code: #deadbeef",
			want: Payload{Kind: KindSharedFile, Text: "alice: [b]Shared file:[/b] notes (final).txt (2.0 KB) | Code: #deadbeef", Code: "deadbeef", Filename: "notes (final).txt", Label: "notes (final).txt (2.0 KB)"},
		},
		{
			name: "malformed chunk index degrades to chat",
			text: "[b]File chunk:[/b] #1a2b3c4d:x:aGVsbG8=",
			want: Payload{Kind: KindChat, Text: "[b]File chunk:[/b] #1a2b3c4d:x:aGVsbG8="},
		},
		{
			name: "file start missing fields degrades to chat",
			text: "[b]File start:[/b] #1a2b3c4d:only",
			want: Payload{Kind: KindChat, Text: "[b]File start:[/b] #1a2b3c4d:only"},
		},
		{
			name: "file end without code degrades to chat",
			text: "[b]File end:[/b] ",
			want: Payload{Kind: KindChat, Text: "[b]File end:[/b] "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePayload(tt.text))
		})
	}
}

func TestFormatAdminCommand(t *testing.T) {
	assert.Equal(t, "/admin ban bob spam", FormatAdminCommand("ban", "bob", "spam"))
	assert.Equal(t, "/admin dbstats", FormatAdminCommand("dbstats"))

	p := ParsePayload(FormatAdminCommand("history", "5"))
	assert.Equal(t, KindAdminCommand, p.Kind)
	assert.Equal(t, "history", p.Command)
	assert.Equal(t, []string{"5"}, p.Args)
}

func TestKindIsFileFragment(t *testing.T) {
	for _, k := range []Kind{KindFileStart, KindFileChunk, KindFileEnd, KindFileData} {
		assert.True(t, k.IsFileFragment(), k.String())
	}
	for _, k := range []Kind{KindChat, KindAdminCommand, KindExit, KindFileRequest, KindFileTooLarge, KindSharedFile} {
		assert.False(t, k.IsFileFragment(), k.String())
	}
}
