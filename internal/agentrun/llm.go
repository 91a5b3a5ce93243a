package agentrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocx/gateway/internal/upstream"
)

// ChatExplainer asks a chat model to explain a step when the deterministic
// rules are below the confidence bar. Uses a cheap fixed model with a
// pool-level key; disabled entirely when no key is configured.
type ChatExplainer struct {
	router *upstream.Router
	model  string
	secret string
}

func NewChatExplainer(router *upstream.Router, model, secret string) *ChatExplainer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &ChatExplainer{router: router, model: model, secret: secret}
}

func (c *ChatExplainer) ExplainStep(ctx context.Context, run *AgentRun, step *AgentStep) (string, error) {
	if c.secret == "" {
		return "", fmt.Errorf("no explainer credential configured")
	}

	var detail strings.Builder
	fmt.Fprintf(&detail, "type=%s", step.Type)
	if step.Summary != "" {
		fmt.Fprintf(&detail, " summary=%q", step.Summary)
	}
	if step.Tool != "" {
		fmt.Fprintf(&detail, " tool=%q", step.Tool)
	}
	if step.Decision != "" {
		fmt.Fprintf(&detail, " decision=%q", step.Decision)
	}

	maxTokens := 120
	resp, err := c.router.Chat(ctx, &upstream.ChatRequest{
		Model: c.model,
		Messages: []upstream.Message{
			{Role: "system", Content: "You explain one step of an AI agent's execution trace in a single short sentence. Be factual; do not speculate."},
			{Role: "user", Content: fmt.Sprintf("Agent %q, step %d of %d: %s",
				run.AgentName, step.StepIndex, len(run.Steps), detail.String())},
		},
		MaxTokens: &maxTokens,
	}, c.secret)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}
