// Package deepresearch implements the iterative research agent: an explicit
// bounded state machine that plans sub-questions, investigates them in
// parallel, synthesizes a draft, critiques it deterministically and refines
// at most MaxIterations times before finalizing. The machine owns its
// iteration bound; no node can loop past it.
package deepresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/fetch"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/metadata"
	"github.com/citeseek/citeseek/internal/metrics"
	"github.com/citeseek/citeseek/internal/search"
	"github.com/citeseek/citeseek/internal/streaming"
	"github.com/citeseek/citeseek/internal/tracing"
)

const (
	maxSubQuestions     = 5
	maxRefineGaps       = 2
	maxFindingChars     = 500
	minDraftWords       = 100
	investigateParallel = 3
)

const (
	disabledAnswer  = "Deep research is disabled on this server. Set DEEP_RESEARCH_ENABLED=1 to turn it on."
	noAnswerMessage = "No answer could be synthesized from the collected sources."
)

var bracketCitation = regexp.MustCompile(`\[\d+\]`)

// Params control one agent run. RunID keys streaming events and the trace
// metadata; an empty one is generated.
type Params struct {
	Query         string
	Model         string
	MaxIterations int
	RunID         string
}

// Deps are the agent's collaborators. Stream and Cred may be nil.
type Deps struct {
	Search *search.Chain
	Fetch  *fetch.Service
	LLM    llm.Client
	Cred   *metadata.Credibility
	Stream *streaming.Manager
	Logger *zap.Logger
}

// Agent drives the state machine.
type Agent struct {
	cfg    config.DeepResearchConfig
	search *search.Chain
	fetch  *fetch.Service
	llm    llm.Client
	cred   *metadata.Credibility
	stream *streaming.Manager
	logger *zap.Logger
}

// NewAgent builds the deep research agent.
func NewAgent(cfg config.DeepResearchConfig, deps Deps) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.SearchPerSubQ <= 0 {
		cfg.SearchPerSubQ = 3
	}
	if cfg.FetchPerSubQ <= 0 {
		cfg.FetchPerSubQ = 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:    cfg,
		search: deps.Search,
		fetch:  deps.Fetch,
		llm:    deps.LLM,
		cred:   deps.Cred,
		stream: deps.Stream,
		logger: logger,
	}
}

// Enabled reports whether runs do real work or short-circuit with a labeled
// degraded answer.
func (a *Agent) Enabled() bool {
	return a.cfg.Enabled
}

// Run executes the full machine. It always returns a well-formed Result:
// the feature flag being off, cancellation, and even panics inside nodes
// degrade to a labeled best-effort answer with Metadata.Error set.
func (a *Agent) Run(ctx context.Context, p Params) (res Result) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "deepresearch.run")
	defer span.End()

	runID := p.RunID
	if runID == "" {
		runID = tracing.TraceID(ctx)
	}

	st := &ResearchState{
		Query:         strings.TrimSpace(p.Query),
		Model:         p.Model,
		Citations:     []metadata.Citation{},
		Metadata:      map[string]any{},
		MaxIterations: p.MaxIterations,
		runID:         runID,
	}
	if st.MaxIterations <= 0 {
		st.MaxIterations = a.cfg.MaxIterations
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Deep research run panicked",
				zap.String("run_id", runID),
				zap.Any("panic", r))
			res = a.failed(st, fmt.Sprintf("internal error: %v", r), started)
		}
	}()

	if !a.cfg.Enabled {
		metrics.ResearchRequests.WithLabelValues("deep_research", "disabled").Inc()
		return Result{
			Answer:    disabledAnswer,
			Citations: []metadata.Citation{},
			Metadata: Metadata{
				DurationSeconds: time.Since(started).Seconds(),
				TraceID:         runID,
				Error:           "deep research is disabled",
			},
		}
	}
	if st.Query == "" {
		return a.failed(st, "empty query", started)
	}

	a.logger.Info("Deep research started",
		zap.String("run_id", runID),
		zap.String("query", st.Query),
		zap.Int("max_iterations", st.MaxIterations))

	phase := PhasePlan
	for phase != PhaseDone {
		if err := ctx.Err(); err != nil {
			return a.failed(st, err.Error(), started)
		}
		next, err := a.step(ctx, st, phase)
		if err != nil {
			return a.failed(st, err.Error(), started)
		}
		phase = next
	}

	metrics.DeepResearchIterations.Observe(float64(st.Iteration))
	metrics.ResearchRequests.WithLabelValues("deep_research", "ok").Inc()
	a.publish(st, streaming.TypeDone, "Research complete", map[string]any{
		"iterations": st.Iteration,
		"citations":  len(st.Citations),
	})
	a.logger.Info("Deep research completed",
		zap.String("run_id", runID),
		zap.Int("iterations", st.Iteration),
		zap.Int("citations", len(st.Citations)),
		zap.Duration("elapsed", time.Since(started)))

	return Result{
		Answer:    st.FinalAnswer,
		Citations: st.Citations,
		Metadata: Metadata{
			DurationSeconds: time.Since(started).Seconds(),
			Iterations:      st.Iteration,
			TraceID:         runID,
		},
	}
}

// step advances the machine one node and names the next. The iteration
// bound is enforced in critique, so every path reaches PhaseDone.
func (a *Agent) step(ctx context.Context, st *ResearchState, phase Phase) (Phase, error) {
	ctx, span := tracing.StartSpan(ctx, "deepresearch."+string(phase))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordStage("deep_"+string(phase), time.Since(start).Seconds())
	}()

	switch phase {
	case PhasePlan:
		a.plan(ctx, st)
		return PhaseInvestigate, nil
	case PhaseInvestigate:
		if err := a.investigate(ctx, st); err != nil {
			return PhaseDone, err
		}
		return PhaseSynthesize, nil
	case PhaseSynthesize:
		a.synthesize(ctx, st)
		return PhaseCritique, nil
	case PhaseCritique:
		a.critique(st)
		if st.Critique.NeedsRefinement {
			return PhaseRefine, nil
		}
		return PhaseFinalize, nil
	case PhaseRefine:
		a.refine(st)
		return PhaseInvestigate, nil
	case PhaseFinalize:
		a.finalize(st)
		return PhaseDone, nil
	default:
		return PhaseDone, fmt.Errorf("unknown phase %q", phase)
	}
}

func (a *Agent) plan(ctx context.Context, st *ResearchState) {
	a.publish(st, streaming.TypePlan, "Planning the research approach", nil)

	raw := ""
	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:   st.Model,
		System:  planSystemPrompt,
		Prompt:  buildPlanPrompt(st.Query),
		AgentID: "deep-research-plan",
	})
	if err != nil {
		a.logger.Warn("Plan generation failed, falling back to the original query",
			zap.Error(err))
	} else {
		raw = resp.Text
	}

	st.Plan = parsePlan(raw, st.Query)
	st.pending = append([]string(nil), st.Plan.SubQuestions...)
	a.publish(st, streaming.TypePlan,
		fmt.Sprintf("Planned %d sub-questions", len(st.Plan.SubQuestions)),
		map[string]any{
			"sub_questions": st.Plan.SubQuestions,
			"angles":        st.Plan.Angles,
		})
}

// investigate fans out over the pending sub-questions and joins. Branches
// never fail; a dead branch yields an empty-findings investigation.
func (a *Agent) investigate(ctx context.Context, st *ResearchState) error {
	questions := st.pending
	st.pending = nil
	if len(questions) == 0 {
		return nil
	}
	a.publish(st, streaming.TypeInvestigate,
		fmt.Sprintf("Investigating %d sub-questions", len(questions)), nil)

	investigations := make([]Investigation, len(questions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(investigateParallel)
	for i, q := range questions {
		g.Go(func() error {
			// A panicking branch must not take down siblings or the run.
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("Investigation panicked",
						zap.String("question", q),
						zap.Any("panic", r))
					investigations[i] = Investigation{SubQuestion: q, Findings: "No findings."}
				}
			}()
			investigations[i] = a.investigateOne(gctx, q)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, inv := range investigations {
		st.Investigations = append(st.Investigations, inv)
		st.Citations = append(st.Citations, inv.Sources...)
	}
	return nil
}

func (a *Agent) investigateOne(ctx context.Context, question string) Investigation {
	inv := Investigation{SubQuestion: question}

	results, err := a.search.Search(ctx, question, a.cfg.SearchPerSubQ)
	if err != nil {
		a.logger.Warn("Sub-question search failed",
			zap.String("question", question),
			zap.Error(err))
	}
	if len(results) == 0 {
		inv.Findings = "No findings."
		return inv
	}

	n := a.cfg.FetchPerSubQ
	if n > len(results) {
		n = len(results)
	}
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		urls[i] = results[i].URL
	}
	fetched := a.fetch.FetchMultiple(ctx, urls)

	var b strings.Builder
	num := 0
	for i, r := range results {
		text := r.Snippet
		title := r.Title
		if i < len(fetched) {
			if fetched[i].Content != "" {
				text = fetched[i].Content
			}
			if fetched[i].Title != "" {
				title = fetched[i].Title
			}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		num++
		b.WriteString(fmt.Sprintf("%d. %s (%s)\n", num, clip(text, maxFindingChars), r.URL))
		inv.Sources = append(inv.Sources, metadata.Citation{
			Title:   title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Source:  r.Source,
		})
	}
	if num == 0 {
		inv.Findings = "No findings."
		return inv
	}
	inv.Findings = b.String()
	return inv
}

func (a *Agent) synthesize(ctx context.Context, st *ResearchState) {
	a.publish(st, streaming.TypeSynthesize, "Synthesizing the draft answer", nil)

	resp, err := a.llm.Complete(ctx, llm.Request{
		Model:   st.Model,
		System:  synthesizeSystemPrompt,
		Prompt:  buildSynthesizePrompt(st.Query, st.Investigations),
		AgentID: "deep-research-synthesize",
	})
	if err != nil {
		a.logger.Warn("Draft synthesis failed, keeping the previous draft",
			zap.Error(err))
		return
	}
	if text := llm.StripThinkBlocks(resp.Text); text != "" {
		st.DraftAnswer = text
	}
}

// critique grades the draft without an LLM call. At the iteration bound, or
// when synthesis never produced a draft, the score is forced to 1.0 so the
// machine terminates.
func (a *Agent) critique(st *ResearchState) {
	if st.Iteration >= st.MaxIterations-1 || st.DraftAnswer == "" {
		st.Critique = Critique{Score: 1.0}
	} else {
		score := 0.7
		var gaps []string
		if len(strings.Fields(st.DraftAnswer)) < minDraftWords {
			score -= 0.2
			gaps = append(gaps, "depth and detail of the answer")
		}
		if !bracketCitation.MatchString(st.DraftAnswer) {
			score -= 0.3
			gaps = append(gaps, "inline source citations")
		}
		st.Critique = Critique{
			Score:           score,
			Gaps:            gaps,
			NeedsRefinement: score < 0.6 && st.Iteration < st.MaxIterations-1,
		}
	}

	a.publish(st, streaming.TypeCritique,
		fmt.Sprintf("Draft scored %.1f", st.Critique.Score),
		map[string]any{
			"score":            st.Critique.Score,
			"gaps":             st.Critique.Gaps,
			"needs_refinement": st.Critique.NeedsRefinement,
		})
}

func (a *Agent) refine(st *ResearchState) {
	gaps := st.Critique.Gaps
	if len(gaps) > maxRefineGaps {
		gaps = gaps[:maxRefineGaps]
	}
	for _, gap := range gaps {
		st.pending = append(st.pending, "Provide more details about: "+gap)
	}
	st.Iteration++
	a.publish(st, streaming.TypeRefine,
		fmt.Sprintf("Refining the draft, iteration %d", st.Iteration),
		map[string]any{"follow_ups": st.pending})
}

func (a *Agent) finalize(st *ResearchState) {
	answer := st.DraftAnswer
	if answer == "" {
		answer = noAnswerMessage
	}

	st.Citations = metadata.Dedup(st.Citations)
	if a.cred != nil {
		st.Citations = a.cred.Annotate(st.Citations)
	}
	if len(st.Citations) > 0 {
		var b strings.Builder
		b.WriteString(answer)
		b.WriteString("\n\n## Sources\n\n")
		for _, c := range st.Citations {
			title := c.Title
			if title == "" {
				title = c.URL
			}
			b.WriteString(fmt.Sprintf("%d. [%s](%s)\n", c.ID, title, c.URL))
		}
		answer = b.String()
	}

	st.FinalAnswer = answer
	st.Metadata["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	st.Metadata["investigations"] = len(st.Investigations)
	a.publish(st, streaming.TypeFinalize, "Answer finalized",
		map[string]any{"citations": len(st.Citations)})
}

// failed converts a mid-run failure into a best-effort result. An existing
// draft survives as the answer.
func (a *Agent) failed(st *ResearchState, msg string, started time.Time) Result {
	answer := st.DraftAnswer
	if answer == "" {
		answer = "Deep research could not complete: " + msg
	}
	a.publish(st, streaming.TypeError, msg, nil)
	metrics.ResearchRequests.WithLabelValues("deep_research", "error").Inc()
	return Result{
		Answer:    answer,
		Citations: metadata.Dedup(st.Citations),
		Metadata: Metadata{
			DurationSeconds: time.Since(started).Seconds(),
			Iterations:      st.Iteration,
			TraceID:         st.runID,
			Error:           msg,
		},
	}
}

func (a *Agent) publish(st *ResearchState, eventType, message string, payload map[string]any) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(st.runID, streaming.Event{
		Type:    eventType,
		Message: message,
		Payload: payload,
	})
}

// parsePlan decodes the model's JSON plan. Anything unusable degrades to a
// single-question plan around the original query and never errors.
func parsePlan(raw, query string) Plan {
	fallback := Plan{SubQuestions: []string{query}}

	raw = extractJSONObject(llm.StripThinkBlocks(raw))
	if raw == "" {
		return fallback
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fallback
	}

	subs := make([]string, 0, len(p.SubQuestions))
	for _, q := range p.SubQuestions {
		if q = strings.TrimSpace(q); q != "" {
			subs = append(subs, q)
		}
	}
	if len(subs) == 0 {
		return fallback
	}
	if len(subs) > maxSubQuestions {
		subs = subs[:maxSubQuestions]
	}
	p.SubQuestions = subs
	return p
}

// extractJSONObject cuts the outermost {...} span out of model output that
// may be wrapped in prose or markdown fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
