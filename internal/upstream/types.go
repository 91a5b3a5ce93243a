package upstream

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// NORMALIZED WIRE TYPES - OpenAI-shape request/response used internally
// ============================================================================

// Provider identifies an upstream vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGroq       Provider = "groq"
	ProviderOpenRouter Provider = "openrouter"
)

// StopList accepts the OpenAI-style stop union: a single string or an array
// of strings. Always marshals as an array.
type StopList []string

func (s *StopList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = StopList(many)
	return nil
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the normalized chat completion request. Internal code
// operates on this shape; provider adapters translate at the boundary.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stop        StopList          `json:"stop,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	User        string            `json:"user,omitempty"`
}

// Prompt flattens the conversation into the text the semantic cache embeds.
func (r *ChatRequest) Prompt() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// CanonicalBody renders the deterministic byte form used for coalescing
// fingerprints: ordered (role, content) pairs with trimmed content, then the
// sampling parameters. Role order is preserved — reordering changes meaning.
func (r *ChatRequest) CanonicalBody() []byte {
	type canonMsg struct {
		Role    string `json:"r"`
		Content string `json:"c"`
	}
	canon := struct {
		Messages    []canonMsg        `json:"m"`
		Temperature *float64          `json:"t,omitempty"`
		MaxTokens   *int              `json:"x,omitempty"`
		Stop        StopList          `json:"s,omitempty"`
		Tools       []json.RawMessage `json:"tl,omitempty"`
	}{
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stop:        r.Stop,
		Tools:       r.Tools,
	}
	for _, m := range r.Messages {
		canon.Messages = append(canon.Messages, canonMsg{
			Role:    m.Role,
			Content: strings.TrimSpace(m.Content),
		})
	}
	out, _ := json.Marshal(canon)
	return out
}

// Usage is the normalized token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the normalized chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Text returns the first choice's content, or "".
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// CompletionRequest is the legacy text-completion request (OpenAI-style
// providers only).
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        StopList `json:"stop,omitempty"`
}

// CanonicalBody renders the deterministic byte form used for coalescing
// fingerprints. The prompt is trimmed like chat content; the field keys keep
// completion bodies disjoint from chat bodies that flatten to the same text.
func (r *CompletionRequest) CanonicalBody() []byte {
	canon := struct {
		Prompt      string   `json:"p"`
		Temperature *float64 `json:"t,omitempty"`
		MaxTokens   *int     `json:"x,omitempty"`
		Stop        StopList `json:"s,omitempty"`
	}{
		Prompt:      strings.TrimSpace(r.Prompt),
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stop:        r.Stop,
	}
	out, _ := json.Marshal(canon)
	return out
}

// CompletionResponse is the legacy text-completion response.
type CompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// EmbeddingsRequest is the passthrough embeddings request. Input is a string
// or array of strings, preserved as raw JSON.
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// EmbeddingsResponse carries the provider response verbatim plus usage.
type EmbeddingsResponse struct {
	Object string            `json:"object"`
	Data   []json.RawMessage `json:"data"`
	Model  string            `json:"model"`
	Usage  Usage             `json:"usage"`
}
