// Package llm provides completion clients for the backends citeseek can
// synthesize with: the internal llm-service, a local Ollama daemon, or the
// Gemini API.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/config"
)

// Request is a single completion request. System and Prompt are kept separate
// so backends that support system instructions can use them natively.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	AgentID     string // observability tag
}

// Response is a completed generation.
type Response struct {
	Text       string
	ModelUsed  string
	TokensUsed int
}

// Client generates completions.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// New builds the client for the configured backend.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Backend {
	case "", "service":
		return NewServiceClient(cfg, logger), nil
	case "ollama":
		return NewOllamaClient(cfg, logger)
	case "gemini":
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm backend: %q", cfg.Backend)
	}
}

var thinkRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkBlocks removes <think>...</think> reasoning blocks that local
// models emit before their answer.
func StripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkRegex.ReplaceAllString(s, ""))
}
