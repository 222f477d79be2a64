package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nous-labs/autoreply/pkg/gate"
	"github.com/nous-labs/autoreply/pkg/memory"
)

// Generator adapts a Provider to the gate's reply generator.
type Generator struct {
	provider    Provider
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

// NewGenerator wraps p.
func NewGenerator(p Provider, maxTokens int, temperature float64, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: p, maxTokens: maxTokens, temperature: temperature, logger: logger}
}

// Generate renders the persona as the system prompt and the history plus
// the new prompt as alternating chat turns.
func (g *Generator) Generate(ctx context.Context, req gate.Request) (string, error) {
	msgs := make([]Message, 0, len(req.History)+1)
	for _, e := range req.History {
		role := "user"
		if e.Speaker == memory.Assistant {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: e.Text})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

	resp, err := g.provider.Complete(ctx, CompletionRequest{
		Messages:    msgs,
		Model:       req.Model,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		System:      req.Persona,
	})
	if err != nil {
		return "", err
	}
	g.logger.Debug("reply generated",
		"provider", g.provider.Name(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return strings.TrimSpace(resp.Content), nil
}
