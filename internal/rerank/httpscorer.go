package rerank

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
	"github.com/citeseek/citeseek/internal/tracing"
)

type scoreRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
	Model    string   `json:"model,omitempty"`
}

type scoreResponse struct {
	Scores    []float64 `json:"scores"`
	ModelUsed string    `json:"model_used,omitempty"`
}

// HTTPScorer calls an external cross-encoder service to score query/passage
// pairs. A circuit breaker skips doomed calls while the service is down, so
// reranking drops to the lexical fallback without waiting out the timeout.
type HTTPScorer struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	logger   *zap.Logger
}

func NewHTTPScorer(endpoint, model string, timeout time.Duration, logger *zap.Logger) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("rerank-service", circuitbreaker.Config{}, logger),
		logger:   logger,
	}
}

// ScorePairs posts all pairs in one batch and returns one score per passage.
func (s *HTTPScorer) ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	payload := scoreRequest{Query: query, Passages: passages, Model: s.model}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, s.endpoint)
	defer span.End()

	var sr scoreResponse
	err = s.breaker.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
		}
		return json.NewDecoder(resp.Body).Decode(&sr)
	})
	if err != nil {
		return nil, err
	}
	if len(sr.Scores) != len(passages) {
		return nil, fmt.Errorf("rerank service returned %d scores for %d passages", len(sr.Scores), len(passages))
	}
	return sr.Scores, nil
}
