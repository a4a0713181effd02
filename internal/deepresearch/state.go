package deepresearch

import (
	"github.com/citeseek/citeseek/internal/metadata"
)

// Phase tags the node the state machine is about to execute.
type Phase string

const (
	PhasePlan        Phase = "plan"
	PhaseInvestigate Phase = "investigate"
	PhaseSynthesize  Phase = "synthesize"
	PhaseCritique    Phase = "critique"
	PhaseRefine      Phase = "refine"
	PhaseFinalize    Phase = "finalize"
	PhaseDone        Phase = "done"
)

// Plan is the LLM's decomposition of the query.
type Plan struct {
	SubQuestions []string `json:"sub_questions"`
	Angles       []string `json:"angles,omitempty"`
}

// Investigation is the outcome of researching one sub-question: numbered
// findings text plus the sources behind it.
type Investigation struct {
	SubQuestion string
	Findings    string
	Sources     []metadata.Citation
}

// Critique grades the current draft. Deterministic, no LLM involved.
type Critique struct {
	Score           float64
	Gaps            []string
	NeedsRefinement bool
}

// ResearchState carries a run through the machine. Nodes mutate it one at a
// time; Citations only ever grows until Finalize dedups it.
type ResearchState struct {
	Query          string
	Model          string
	Plan           Plan
	Investigations []Investigation
	DraftAnswer    string
	Critique       Critique
	FinalAnswer    string
	Citations      []metadata.Citation
	Metadata       map[string]any
	Iteration      int
	MaxIterations  int

	runID   string
	pending []string // sub-questions queued for the next investigate round
}

// Metadata summarizes a finished run for API callers.
type Metadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Iterations      int     `json:"iterations"`
	TraceID         string  `json:"trace_id"`
	Error           string  `json:"error,omitempty"`
}

// Result is what Run always returns, degraded or not.
type Result struct {
	Answer    string              `json:"answer"`
	Citations []metadata.Citation `json:"citations"`
	Metadata  Metadata            `json:"metadata"`
}
