package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

// turn is one side of the conversation handed to a backend.
type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// backend answers the room conversation. The turns alternate and start with
// a user turn; the system prompt is the backend's own business.
type backend interface {
	Answer(ctx context.Context, turns []turn) (string, error)
}

var errEmptyAnswer = errors.New("backend returned no text")

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// postJSON sends in as a JSON body and decodes the response into out. Non-2xx
// answers are decoded too, since both APIs report failures in the body.
func postJSON(ctx context.Context, url string, header http.Header, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", resp.Status, err)
	}
	return resp.StatusCode, nil
}

// ollama talks to a local Ollama /api/chat endpoint. It has no system field,
// so the prompt travels as a leading system turn.
type ollama struct {
	url    string
	model  string
	system string
}

func (o ollama) Answer(ctx context.Context, turns []turn) (string, error) {
	msgs := turns
	if o.system != "" {
		msgs = append([]turn{{Role: "system", Content: o.system}}, turns...)
	}
	var out struct {
		Message turn   `json:"message"`
		Error   string `json:"error"`
	}
	status, err := postJSON(ctx, o.url+"/api/chat", nil, map[string]any{
		"model":    o.model,
		"messages": msgs,
		"stream":   false,
	}, &out)
	switch {
	case err != nil:
		return "", fmt.Errorf("ollama: %w", err)
	case out.Error != "":
		return "", fmt.Errorf("ollama: %s (status %d)", out.Error, status)
	case out.Message.Content == "":
		return "", fmt.Errorf("ollama: %w", errEmptyAnswer)
	}
	return out.Message.Content, nil
}

// claude talks to the Anthropic messages API.
type claude struct {
	url       string
	key       string
	model     string
	maxTokens int
	system    string
}

func (c claude) Answer(ctx context.Context, turns []turn) (string, error) {
	header := http.Header{}
	header.Set("x-api-key", c.key)
	header.Set("anthropic-version", "2023-06-01")

	in := map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages":   turns,
	}
	if c.system != "" {
		in["system"] = c.system
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	status, err := postJSON(ctx, c.url, header, in, &out)
	if err != nil {
		return "", fmt.Errorf("claude: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("claude: %s (status %d)", out.Error.Message, status)
	}
	for _, block := range out.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("claude: %w", errEmptyAnswer)
}
