package server

import (
	"fmt"

	"github.com/ocx/gateway/internal/sanitize"
	"github.com/ocx/gateway/internal/upstream"
)

// ============================================================================
// REQUEST VALIDATION - enforced before any I/O
// ============================================================================

const (
	maxMessages       = 100
	maxContentLength  = 100_000
	maxStopSequences  = 10
	maxTools          = 50
	maxTemperature    = 2.0
	maxMaxTokens      = 128_000
	maxEmbeddingBytes = 512 * 1024
)

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
	"tool":      true,
}

// ModelAllowlist answers whether a model may pass through the gateway.
type ModelAllowlist interface {
	Allowed(model string) bool
}

func (s *Server) validateChatRequest(req *upstream.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if !s.models.Allowed(req.Model) {
		return fmt.Errorf("model %q is not supported", req.Model)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(req.Messages) > maxMessages {
		return fmt.Errorf("messages exceeds %d entries", maxMessages)
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		if !validRoles[m.Role] {
			return fmt.Errorf("invalid role %q at message %d", m.Role, i)
		}
		if len(m.Content) > maxContentLength {
			return fmt.Errorf("message %d content exceeds %d characters", i, maxContentLength)
		}
		m.Content = sanitize.StripControl(m.Content)
		m.Name = sanitize.StripControl(m.Name)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > maxTemperature) {
		return fmt.Errorf("temperature must be in [0, %g]", maxTemperature)
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > maxMaxTokens) {
		return fmt.Errorf("max_tokens must be in [1, %d]", maxMaxTokens)
	}
	if len(req.Stop) > maxStopSequences {
		return fmt.Errorf("stop exceeds %d sequences", maxStopSequences)
	}
	if len(req.Tools) > maxTools {
		return fmt.Errorf("tools exceeds %d entries", maxTools)
	}
	return nil
}

func (s *Server) validateCompletionRequest(req *upstream.CompletionRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if !s.models.Allowed(req.Model) {
		return fmt.Errorf("model %q is not supported", req.Model)
	}
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(req.Prompt) > maxContentLength {
		return fmt.Errorf("prompt exceeds %d characters", maxContentLength)
	}
	req.Prompt = sanitize.StripControl(req.Prompt)
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > maxTemperature) {
		return fmt.Errorf("temperature must be in [0, %g]", maxTemperature)
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > maxMaxTokens) {
		return fmt.Errorf("max_tokens must be in [1, %d]", maxMaxTokens)
	}
	if len(req.Stop) > maxStopSequences {
		return fmt.Errorf("stop exceeds %d sequences", maxStopSequences)
	}
	return nil
}

func (s *Server) validateEmbeddingsRequest(req *upstream.EmbeddingsRequest) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Input) == 0 {
		return fmt.Errorf("input is required")
	}
	if len(req.Input) > maxEmbeddingBytes {
		return fmt.Errorf("input exceeds %d bytes", maxEmbeddingBytes)
	}
	return nil
}
