package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectProvider(t *testing.T) {
	cases := map[string]Provider{
		"gpt-4o":                             ProviderOpenAI,
		"gpt-5-preview":                      ProviderOpenAI,
		"o1-mini":                            ProviderOpenAI,
		"chatgpt-4o-latest":                  ProviderOpenAI,
		"claude-3-5-sonnet-latest":           ProviderAnthropic,
		"claude-unreleased":                  ProviderAnthropic,
		"llama-3.1-8b-instant":               ProviderGroq,
		"mixtral-8x7b-32768":                 ProviderGroq,
		"gemma2-9b-it":                       ProviderGroq,
		"mistralai/mistral-7b-instruct:free": ProviderOpenRouter,
		"anthropic/claude-3.5-sonnet":        ProviderOpenRouter,
		"unknown-model":                      ProviderOpenAI,
	}
	for model, want := range cases {
		assert.Equal(t, want, SelectProvider(model), model)
	}
}

func TestStopListUnmarshal(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4o","stop":"END"}`), &req))
	assert.Equal(t, StopList{"END"}, req.Stop)

	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4o","stop":["a","b"]}`), &req))
	assert.Equal(t, StopList{"a", "b"}, req.Stop)

	assert.Error(t, json.Unmarshal([]byte(`{"stop":42}`), &req))
}

func TestCanonicalBodyDeterministic(t *testing.T) {
	temp := 0.7
	a := &ChatRequest{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "  hello  "}},
		Temperature: &temp,
	}
	b := &ChatRequest{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "hello"}},
		Temperature: &temp,
	}
	assert.Equal(t, a.CanonicalBody(), b.CanonicalBody(), "content is trimmed before hashing")

	c := &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "system", Content: "hello"}},
	}
	assert.NotEqual(t, a.CanonicalBody(), c.CanonicalBody(), "role is part of the identity")
}

func TestCompletionCanonicalBody(t *testing.T) {
	a := &CompletionRequest{Model: "gpt-4o", Prompt: "  finish this  "}
	b := &CompletionRequest{Model: "gpt-4o", Prompt: "finish this"}
	assert.Equal(t, a.CanonicalBody(), b.CanonicalBody(), "prompt is trimmed before hashing")

	// A chat request whose single turn flattens to the same text must not
	// collide with the completion body.
	chat := &ChatRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "finish this"}}}
	assert.NotEqual(t, b.CanonicalBody(), chat.CanonicalBody())

	maxTokens := 16
	c := &CompletionRequest{Model: "gpt-4o", Prompt: "finish this", MaxTokens: &maxTokens}
	assert.NotEqual(t, b.CanonicalBody(), c.CanonicalBody(), "sampling parameters are part of the identity")
}

func TestPrompt(t *testing.T) {
	req := &ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}}
	assert.Equal(t, "system: be brief\nuser: hi", req.Prompt())
}

func newTestRouter(t *testing.T, handler http.Handler) (*Router, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	overrides := map[Provider]string{
		ProviderOpenAI:     srv.URL,
		ProviderAnthropic:  srv.URL,
		ProviderGroq:       srv.URL,
		ProviderOpenRouter: srv.URL,
	}
	return NewRouter(zerolog.Nop(), overrides), srv
}

func TestOpenAIChat(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/chat/completions", req.URL.Path)
		gotAuth = req.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(req.Body)
		json.NewEncoder(w).Encode(ChatResponse{
			ID:      "chatcmpl-1",
			Model:   "gpt-4o",
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "hi there"}}},
			Usage:   Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))

	resp, err := r.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
		Stream:   true, // forced off on the non-streaming path
	}, "sk-secret")
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text())
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer sk-secret", gotAuth)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.NotEqual(t, true, wire["stream"])
}

func TestOpenAIChatErrorPassthrough(t *testing.T) {
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))

	_, err := r.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}, "sk")
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Contains(t, upErr.Body, "rate limited")
	assert.Equal(t, ProviderOpenAI, upErr.Provider)
}

func TestOpenAIChatErrorBodyBounded(t *testing.T) {
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(bytes.Repeat([]byte("x"), 10_000))
	}))

	_, err := r.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}, "sk")
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.LessOrEqual(t, len(upErr.Body), 2048)
}

func TestAnthropicChatTranslation(t *testing.T) {
	var wire anthropicRequest
	var gotKey, gotVersion string
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/messages", req.URL.Path)
		gotKey = req.Header.Get("x-api-key")
		gotVersion = req.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&wire))
		fmt.Fprint(w, `{
			"id": "msg-1",
			"model": "claude-3-5-sonnet-latest",
			"content": [{"type":"text","text":"Hello "},{"type":"text","text":"world"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`)
	}))

	maxTokens := 512
	resp, err := r.Chat(context.Background(), &ChatRequest{
		Model: "claude-3-5-sonnet-latest",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: &maxTokens,
		Stop:      StopList{"DONE"},
	}, "anthropic-key")
	require.NoError(t, err)

	assert.Equal(t, "anthropic-key", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)

	// System turns leave the messages array.
	assert.Equal(t, "be brief", wire.System)
	require.Len(t, wire.Messages, 1)
	assert.Equal(t, "user", wire.Messages[0].Role)
	assert.Equal(t, 512, wire.MaxTokens)
	assert.Equal(t, []string{"DONE"}, wire.StopSeqs)

	// The response folds back into the normalized shape.
	assert.Equal(t, "Hello world", resp.Text())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestAnthropicDefaultMaxTokens(t *testing.T) {
	var wire anthropicRequest
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&wire)
		fmt.Fprint(w, `{"id":"m","model":"claude-3-5-haiku-latest","content":[],"usage":{}}`)
	}))

	_, err := r.Chat(context.Background(), &ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, "k")
	require.NoError(t, err)
	assert.Equal(t, 4096, wire.MaxTokens)
}

func TestAnthropicRejectsStreamingAndCompletions(t *testing.T) {
	r := NewRouter(zerolog.Nop(), nil)

	_, err := r.ChatStream(context.Background(), &ChatRequest{Model: "claude-3-5-haiku-latest"}, "k")
	assert.ErrorIs(t, err, ErrStreamingNotSupported)

	_, err = r.Completion(context.Background(), &CompletionRequest{Model: "claude-3-5-haiku-latest"}, "k")
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadRequest, upErr.StatusCode)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_use", mapStopReason("tool_use"))
}

func TestChatStreamForward(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	var wantStream bool
	r, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(req.Body).Decode(&body)
		wantStream, _ = body["stream"].(bool)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse)
	}))

	stream, err := r.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, "sk")
	require.NoError(t, err)

	var out bytes.Buffer
	flushes := 0
	content, err := stream.Forward(context.Background(), &out, func() { flushes++ })
	require.NoError(t, err)

	assert.True(t, wantStream, "stream flag forced on for the streaming path")
	assert.Equal(t, "Hello", content, "delta text accumulates for metering")
	assert.Greater(t, flushes, 0)

	// The client receives the SSE lines verbatim.
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Contains(t, lines, "data: [DONE]")
}

func TestChatStreamForwardCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	s := &Stream{body: pr}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))
		cancel()
		pw.Write([]byte("data: more\n"))
		pw.Close()
	}()

	var out bytes.Buffer
	_, err := s.Forward(ctx, &out, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
