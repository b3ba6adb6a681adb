// Package llm abstracts the language-model providers behind a single completion call.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"agentdash/internal/config"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	// JSON asks the provider for a JSON-only answer where it supports it.
	JSON      bool
	MaxTokens int
}

// Completer returns the model's text for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Temperature returns a pointer to t.
func Temperature(t float64) *float64 { return &t }

// New builds the provider selected by cfg.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("llm: %s is not set", cfg.APIKeyEnv)
		}
		return NewOpenAI(apiKey, cfg.Model, cfg.BaseURL, timeout), nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("llm: %s is not set", cfg.APIKeyEnv)
		}
		return NewGemini(ctx, apiKey, cfg.Model, timeout)
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// Echo is an offline provider for local runs: replies restate the prompt and JSON requests get an empty task list.
type Echo struct{}

func (Echo) Complete(_ context.Context, req Request) (string, error) {
	if req.JSON {
		return `{"tasks":[]}`, nil
	}
	line := strings.TrimSpace(req.Prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return "Noted: " + line, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
