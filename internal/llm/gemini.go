package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/metrics"
)

// GeminiClient generates completions with the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGeminiClient builds a Gemini-backed client. Requires GEMINI_API_KEY or
// the configured key.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini backend requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		client:  client,
		model:   model,
		timeout: cfg.Timeout(),
		logger:  logger,
	}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

// Complete sends a single-turn generation request.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	// Gemini takes the instruction and question as one user turn.
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + req.Prompt
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		genCfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		genCfg,
	)
	if err != nil {
		metrics.RecordLLMCall("gemini", "error", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("gemini generate failed: %w", err)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
	}
	if text == "" {
		metrics.RecordLLMCall("gemini", "error", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("gemini returned empty response")
	}

	metrics.RecordLLMCall("gemini", "ok", time.Since(start).Seconds())
	c.logger.Debug("LLM completion",
		zap.String("backend", "gemini"),
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)),
	)

	return Response{Text: StripThinkBlocks(text), ModelUsed: model}, nil
}
