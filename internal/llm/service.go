package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/circuitbreaker"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/metrics"
	"github.com/citeseek/citeseek/internal/tracing"
)

// ServiceClient talks to the internal llm-service over HTTP. The service owns
// provider selection and API keys; we only send the query. A circuit breaker
// fails calls fast while the service is down so research requests degrade
// immediately instead of stacking up timeouts.
type ServiceClient struct {
	base      string
	model     string
	maxTokens int
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	logger    *zap.Logger
}

type serviceRequest struct {
	Query        string                 `json:"query"`
	Context      map[string]interface{} `json:"context"`
	AllowedTools []string               `json:"allowed_tools"`
	AgentID      string                 `json:"agent_id,omitempty"`
	Model        string                 `json:"model,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
}

type serviceResponse struct {
	Response   string                 `json:"response"`
	Metadata   map[string]interface{} `json:"metadata"`
	TokensUsed int                    `json:"tokens_used"`
	ModelUsed  string                 `json:"model_used"`
}

// NewServiceClient builds a client for the configured llm-service endpoint.
func NewServiceClient(cfg config.LLMConfig, logger *zap.Logger) *ServiceClient {
	base := cfg.ServiceURL
	if base == "" {
		base = "http://llm-service:8000"
	}
	return &ServiceClient{
		base:      base,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: cfg.Timeout()},
		breaker:   circuitbreaker.New("llm-service", circuitbreaker.Config{}, logger),
		logger:    logger,
	}
}

func (c *ServiceClient) Name() string { return "service" }

// Complete sends the prompt to llm-service's /agent/query endpoint.
func (c *ServiceClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	reqCtx := map[string]interface{}{}
	if req.System != "" {
		reqCtx["system_prompt"] = req.System
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	body := serviceRequest{
		Query:        req.Prompt,
		Context:      reqCtx,
		AllowedTools: []string{},
		AgentID:      req.AgentID,
		Model:        model,
		MaxTokens:    maxTokens,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal llm request: %w", err)
	}

	var out serviceResponse
	err = c.breaker.Do(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/agent/query", bytes.NewReader(buf))
		if err != nil {
			return fmt.Errorf("failed to create llm request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, httpReq)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call llm service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("llm service returned status %d: %s", resp.StatusCode, string(raw))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode llm response: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordLLMCall("service", "error", time.Since(start).Seconds())
		return Response{}, err
	}
	if out.Response == "" {
		metrics.RecordLLMCall("service", "error", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("llm service returned empty response")
	}

	metrics.RecordLLMCall("service", "ok", time.Since(start).Seconds())
	c.logger.Debug("LLM completion",
		zap.String("backend", "service"),
		zap.String("agent_id", req.AgentID),
		zap.String("model_used", out.ModelUsed),
		zap.Int("tokens_used", out.TokensUsed),
		zap.Duration("duration", time.Since(start)),
	)

	return Response{
		Text:       StripThinkBlocks(out.Response),
		ModelUsed:  out.ModelUsed,
		TokensUsed: out.TokensUsed,
	}, nil
}
