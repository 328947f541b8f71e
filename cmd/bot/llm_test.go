package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aeolun/darkroom/pkg/botlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationFoldsTurns(t *testing.T) {
	recent := []botlib.Message{
		{Author: "assistant", Content: "earlier answer"},
		{Content: "bob has joined."},
		{Author: "alice", Content: "hi"},
		{Author: "bob", Content: "hello"},
		{Author: "assistant", Content: "hey both"},
	}
	current := &botlib.Message{Author: "alice", Content: "what time is it"}

	turns := conversation("assistant", recent, current)
	assert.Equal(t, []turn{
		{Role: "user", Content: "alice: hi\nbob: hello"},
		{Role: "assistant", Content: "hey both"},
		{Role: "user", Content: "alice: what time is it"},
	}, turns)
}

func TestOllamaSendsSystemTurn(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []turn `json:"messages"`
		Stream   bool   `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"message":{"role":"assistant","content":"pong"}}`))
	}))
	defer srv.Close()

	answer, err := ollama{url: srv.URL, model: "m", system: "be brief"}.Answer(context.Background(),
		[]turn{{Role: "user", Content: "alice: ping"}})
	require.NoError(t, err)
	assert.Equal(t, "pong", answer)
	assert.Equal(t, "m", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, turn{Role: "system", Content: "be brief"}, got.Messages[0])
}

func TestOllamaReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	_, err := ollama{url: srv.URL, model: "m"}.Answer(context.Background(), []turn{{Role: "user", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestClaudeRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"type":"text","text":"hello alice"}]}`))
	}))
	defer srv.Close()

	c := claude{url: srv.URL, key: "secret", model: "m", maxTokens: 50, system: "be brief"}
	answer, err := c.Answer(context.Background(), []turn{{Role: "user", Content: "alice: hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello alice", answer)
	assert.Equal(t, "be brief", got["system"])
	assert.EqualValues(t, 50, got["max_tokens"])
	assert.Len(t, got["messages"], 1)
}

func TestClaudeEmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	_, err := claude{url: srv.URL, key: "k", model: "m", maxTokens: 1}.Answer(context.Background(), []turn{{Role: "user", Content: "x"}})
	assert.ErrorIs(t, err, errEmptyAnswer)
}
