package botlib

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		author  string
		content string
	}{
		{"chat", "alice: hello there", "alice", "hello there"},
		{"colon in body", "alice: ratio 1: 2", "alice", "ratio 1: 2"},
		{"join notice", "bob has joined.", "", "bob has joined."},
		{"notice with colon", "User eve has been banned. Reason: spam", "", "User eve has been banned. Reason: spam"},
		{"empty body", "alice: ", "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parseMessage(tt.text, "helper", time.Now())
			assert.Equal(t, tt.author, m.Author)
			assert.Equal(t, tt.content, m.Content)
			assert.Equal(t, tt.author == "", m.IsNotice())
		})
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		content   string
		mentioned bool
		query     string
	}{
		{"@helper what time is it", true, "what time is it"},
		{"hey @Helper, you there?", true, "hey , you there?"},
		{"helper: ping", true, "ping"},
		{"Helper, ping", true, "ping"},
		{"helper ping", true, "ping"},
		{"helpers are nice", false, "helpers are nice"},
		{"ask the helper", false, "ask the helper"},
		{"@helper", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			m := parseMessage("alice: "+tt.content, "helper", time.Now())
			assert.Equal(t, tt.mentioned, m.MentionsMe())
			assert.Equal(t, tt.query, m.MentionedContent())
		})
	}

	notice := parseMessage("@helper has joined.", "helper", time.Now())
	assert.False(t, notice.MentionsMe(), "notices never mention")
}

func TestWrap(t *testing.T) {
	assert.Equal(t, []string{"one two", "three"}, wrap("one two three", 7))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, wrap("abcdefghij", 4))
	assert.Equal(t, []string{"héllo"}, wrap("  héllo \n", 10))
	assert.Nil(t, wrap("   ", 10))
	assert.Nil(t, wrap("text", 0))
}

func TestWrapProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-zé ]{0,200}`).Draw(t, "text")
		limit := rapid.IntRange(4, 40).Draw(t, "limit")

		lines := wrap(text, limit)
		for _, line := range lines {
			if len(line) > limit {
				t.Fatalf("line %q longer than %d", line, limit)
			}
			if !utf8.ValidString(line) {
				t.Fatalf("line %q splits a rune", line)
			}
			if line == "" {
				t.Fatalf("empty line")
			}
		}
		// nothing but whitespace is lost
		got := strings.ReplaceAll(strings.Join(lines, ""), " ", "")
		want := strings.ReplaceAll(text, " ", "")
		if got != want {
			t.Fatalf("wrap lost text: %q != %q", got, want)
		}
	})
}
