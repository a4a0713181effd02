// Package rerank scores retrieved passages against the query. A configured
// cross-encoder endpoint does real model scoring; without one, every caller
// gets the deterministic token-overlap fallback so ordering never depends
// on an optional service being up.
package rerank

import (
	"context"

	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/config"
)

// Scorer scores query/passage pairs, one score per passage.
type Scorer interface {
	ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error)
}

type Reranker struct {
	cfg    config.RerankConfig
	scorer Scorer
	logger *zap.Logger
}

// NewReranker builds a reranker. Without an enabled endpoint the scorer is
// absent and ScorePairs reports nil.
func NewReranker(cfg config.RerankConfig, logger *zap.Logger) *Reranker {
	if cfg.WindowChars <= 0 {
		cfg.WindowChars = 600
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}

	r := &Reranker{cfg: cfg, logger: logger}
	if cfg.Enabled && cfg.Endpoint != "" {
		r.scorer = NewHTTPScorer(cfg.Endpoint, cfg.Model, cfg.Timeout(), logger)
	}
	return r
}

// NewWithScorer builds a reranker around an explicit scorer. Test seam.
func NewWithScorer(cfg config.RerankConfig, scorer Scorer, logger *zap.Logger) *Reranker {
	r := NewReranker(cfg, logger)
	r.scorer = scorer
	return r
}

// Enabled reports whether model scoring is configured.
func (r *Reranker) Enabled() bool {
	return r.scorer != nil
}

// TopK is how many reranked candidates callers should keep.
func (r *Reranker) TopK() int {
	if r.cfg.TopK <= 0 {
		return 8
	}
	return r.cfg.TopK
}

// ScorePairs returns model scores for the passages, or nil when no model is
// configured. Callers must keep a deterministic fallback for the nil case.
func (r *Reranker) ScorePairs(ctx context.Context, query string, passages []string) ([]float64, error) {
	if r.scorer == nil {
		return nil, nil
	}
	return r.scorer.ScorePairs(ctx, query, passages)
}

// ScoreTexts produces one score per text, always. With a model, each text is
// split into overlapping windows and takes its best window's score; on any
// scoring failure, and always without a model, token overlap decides.
func (r *Reranker) ScoreTexts(ctx context.Context, query string, texts []string) []float64 {
	if r.Enabled() {
		if scores, ok := r.scoreByWindows(ctx, query, texts); ok {
			return scores
		}
	}

	scores := make([]float64, len(texts))
	for i, t := range texts {
		scores[i] = TokenOverlap(query, t)
	}
	return scores
}

func (r *Reranker) scoreByWindows(ctx context.Context, query string, texts []string) ([]float64, bool) {
	var passages []string
	var owner []int
	for i, t := range texts {
		for _, w := range SplitWindows(t, r.cfg.WindowChars, r.cfg.Overlap) {
			passages = append(passages, w)
			owner = append(owner, i)
		}
	}

	raw, err := r.scorer.ScorePairs(ctx, query, passages)
	if err != nil {
		r.logger.Warn("Rerank scoring failed, using token overlap", zap.Error(err))
		return nil, false
	}
	if len(raw) != len(passages) {
		r.logger.Warn("Rerank score count mismatch, using token overlap",
			zap.Int("want", len(passages)),
			zap.Int("got", len(raw)),
		)
		return nil, false
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for j, s := range raw {
		i := owner[j]
		if !seen[i] || s > scores[i] {
			scores[i] = s
			seen[i] = true
		}
	}
	return scores, true
}
