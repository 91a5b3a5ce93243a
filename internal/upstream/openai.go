package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// OPENAI-COMPATIBLE ADAPTER - OpenAI, Groq and OpenRouter share this shape
// ============================================================================

func (r *Router) openAIChat(ctx context.Context, provider Provider, req *ChatRequest, secret string) (*ChatResponse, error) {
	// The normalized shape is already the OpenAI wire shape; only the
	// stream flag is forced off for the non-streaming path.
	wire := *req
	wire.Stream = false

	resp, err := r.post(ctx, provider, "/chat/completions", secret, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", provider, err)
	}
	return &out, nil
}

func (r *Router) openAICompletion(ctx context.Context, provider Provider, req *CompletionRequest, secret string) (*CompletionResponse, error) {
	resp, err := r.post(ctx, provider, "/completions", secret, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", provider, err)
	}
	return &out, nil
}

func (r *Router) openAIEmbeddings(ctx context.Context, provider Provider, req *EmbeddingsRequest, secret string) (*EmbeddingsResponse, error) {
	resp, err := r.post(ctx, provider, "/embeddings", secret, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out EmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", provider, err)
	}
	return &out, nil
}

// post sends one JSON request and returns the response on 200. Non-2xx
// bodies are read up to 2KB and wrapped in *Error.
func (r *Router) post(ctx context.Context, provider Provider, path, secret string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL(provider)+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &Error{Provider: provider, StatusCode: resp.StatusCode, Body: string(msg)}
	}
	return resp, nil
}

// ============================================================================
// STREAMING - SSE passthrough with token accumulation
// ============================================================================

// Stream is a live SSE response. Forward copies events to the client writer
// while accumulating the assistant text for metering.
type Stream struct {
	body    io.ReadCloser
	content strings.Builder
}

// streamChunk is the minimal slice of an OpenAI SSE delta event we read.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (r *Router) openAIChatStream(ctx context.Context, provider Provider, req *ChatRequest, secret string) (*Stream, error) {
	wire := *req
	wire.Stream = true

	resp, err := r.post(ctx, provider, "/chat/completions", secret, wire)
	if err != nil {
		return nil, err
	}
	return &Stream{body: resp.Body}, nil
}

// Forward copies SSE lines to w, flushing per event, until the upstream
// closes or ctx is cancelled. Returns the accumulated assistant text.
func (s *Stream) Forward(ctx context.Context, w io.Writer, flush func()) (string, error) {
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return s.content.String(), ctx.Err()
		default:
		}

		line := scanner.Text()
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return s.content.String(), err
		}
		if line == "" && flush != nil {
			flush()
		}

		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "[DONE]" {
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err == nil && len(chunk.Choices) > 0 {
				s.content.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
	}
	if flush != nil {
		flush()
	}
	return s.content.String(), scanner.Err()
}

// Close releases the upstream body without forwarding.
func (s *Stream) Close() error { return s.body.Close() }
