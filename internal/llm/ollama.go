package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/metrics"
)

// OllamaClient runs completions against a local Ollama daemon. The host comes
// from OLLAMA_HOST, defaulting to localhost:11434.
type OllamaClient struct {
	client  *ollama.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOllamaClient builds a client from the environment.
func NewOllamaClient(cfg config.LLMConfig, logger *zap.Logger) (*OllamaClient, error) {
	client, err := ollama.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("could not create ollama client: %w", err)
	}
	model := strings.TrimPrefix(cfg.Model, "ollama:")
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaClient{
		client:  client,
		model:   model,
		timeout: cfg.Timeout(),
		logger:  logger,
	}, nil
}

func (c *OllamaClient) Name() string { return "ollama" }

// Complete streams a chat completion and returns the accumulated text.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	model := strings.TrimPrefix(req.Model, "ollama:")
	if model == "" {
		model = c.model
	}

	var messages []ollama.Message
	if req.System != "" {
		messages = append(messages, ollama.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, ollama.Message{Role: "user", Content: req.Prompt})

	chatReq := &ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"top_p":       1.0,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var sb strings.Builder
	respFunc := func(res ollama.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}

	if err := c.client.Chat(ctx, chatReq, respFunc); err != nil {
		metrics.RecordLLMCall("ollama", "error", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("ollama chat failed: %w", err)
	}

	text := StripThinkBlocks(sb.String())
	if text == "" {
		metrics.RecordLLMCall("ollama", "error", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("ollama returned empty response")
	}

	metrics.RecordLLMCall("ollama", "ok", time.Since(start).Seconds())
	c.logger.Debug("LLM completion",
		zap.String("backend", "ollama"),
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)),
	)

	return Response{Text: text, ModelUsed: model}, nil
}
