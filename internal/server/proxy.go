package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ocx/gateway/internal/pipeline"
	"github.com/ocx/gateway/internal/upstream"
)

// ============================================================================
// PROXY HANDLERS - chat, completions, embeddings
// ============================================================================

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	apiKey := bearerToken(r)
	if apiKey == "" {
		s.observe("chat", "error", started)
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req upstream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe("chat", "error", started)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateChatRequest(&req); err != nil {
		s.observe("chat", "error", started)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		s.streamChat(w, r, apiKey, &req, started)
		return
	}

	resp, err := s.pipeline.Chat(r.Context(), apiKey, &req)
	if err != nil {
		s.observe("chat", outcomeLabel(err), started)
		s.mapError(w, err)
		return
	}
	s.observe("chat", "success", started)
	writeJSON(w, http.StatusOK, resp)
}

// streamChat serves the SSE variant. Headers are written only once the
// upstream stream is open, so pre-stream failures still produce the JSON
// envelope.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, apiKey string, req *upstream.ChatRequest, started time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.observe("chat_stream", "error", started)
		writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	err := s.pipeline.ChatStream(r.Context(), apiKey, req, func() (io.Writer, func()) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		return w, flusher.Flush
	})
	if err != nil {
		s.observe("chat_stream", outcomeLabel(err), started)
		s.mapError(w, err)
		return
	}
	s.observe("chat_stream", "success", started)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	apiKey := bearerToken(r)
	if apiKey == "" {
		s.observe("completions", "error", started)
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req upstream.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe("completions", "error", started)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateCompletionRequest(&req); err != nil {
		s.observe("completions", "error", started)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.pipeline.Completion(r.Context(), apiKey, &req)
	if err != nil {
		s.observe("completions", outcomeLabel(err), started)
		s.mapError(w, err)
		return
	}
	s.observe("completions", "success", started)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	apiKey := bearerToken(r)
	if apiKey == "" {
		s.observe("embeddings", "error", started)
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req upstream.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe("embeddings", "error", started)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateEmbeddingsRequest(&req); err != nil {
		s.observe("embeddings", "error", started)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.pipeline.Embeddings(r.Context(), apiKey, &req)
	if err != nil {
		s.observe("embeddings", outcomeLabel(err), started)
		s.mapError(w, err)
		return
	}
	s.observe("embeddings", "success", started)
	writeJSON(w, http.StatusOK, resp)
}

// outcomeLabel classifies an error for the request counter.
func outcomeLabel(err error) string {
	var reqErr *pipeline.RequestError
	if errors.As(err, &reqErr) &&
		(reqErr.Status == http.StatusGatewayTimeout || reqErr.Status == http.StatusRequestTimeout) {
		return "timeout"
	}
	return "error"
}
