package sim

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/coderelay/coderelay/pkg/models"
)

// Generator produces one agent's reply to an incoming message. Implemented
// by the genai-backed generator; the engine falls back to stub output when
// generation fails.
type Generator interface {
	Generate(ctx context.Context, agent Agent, conversation []Turn, incoming string) (string, *models.Usage, error)
}

// llmGenerator backs simulation replies with a real model provider.
type llmGenerator struct {
	provider    genai.Provider
	temperature float64
}

// NewLLMGenerator creates a Generator from provider/model config strings.
// Returns nil (stub-only operation) if the provider is unknown or fails to
// initialize — the simulation must keep working offline.
func NewLLMGenerator(ctx context.Context, providerName, model string, temperature float64) Generator {
	if providerName == "" {
		return nil
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("Unknown LLM provider for simulation", "provider", providerName)
		return nil
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("Failed to create LLM provider for simulation",
			"provider", providerName, "err", err)
		return nil
	}
	slog.Info("Simulation real-model generation enabled",
		"provider", providerName, "model", p.ModelID())
	return &llmGenerator{provider: p, temperature: temperature}
}

// defaultSystemPrompt frames the agent's role when no explicit system
// prompt is configured.
func defaultSystemPrompt(agent Agent) string {
	return "You are " + agent.AgentID + ", a " + string(agent.Role) +
		" in a multi-agent engineering simulation. Reply with one short, actionable message."
}

// Generate calls the model with the role's system prompt, the agent's
// conversation window, and the incoming message.
func (g *llmGenerator) Generate(ctx context.Context, agent Agent, conversation []Turn, incoming string) (string, *models.Usage, error) {
	sysPrompt := agent.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt(agent)
	}

	// Flatten the window into one prompt. Kept small: the window is capped
	// and each turn is one short message.
	var b strings.Builder
	for _, turn := range conversation {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteByte('\n')
	}
	b.WriteString("incoming: ")
	b.WriteString(incoming)

	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(b.String())},
		&genai.GenOptionText{
			SystemPrompt: sysPrompt,
			MaxTokens:    512,
			Temperature:  g.temperature,
		},
	)
	if err != nil {
		return "", nil, err
	}

	usage := &models.Usage{
		PromptTokens:     int(res.Usage.InputTokens),
		CompletionTokens: int(res.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return strings.TrimSpace(res.String()), usage, nil
}
