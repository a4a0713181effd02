package deepresearch

import (
	"fmt"
	"strings"
)

const planSystemPrompt = `You are a research planner. Decompose the user's question into focused sub-questions that together cover it. Respond with ONLY a JSON object of the form {"sub_questions": ["...", "..."], "angles": ["...", "..."]} with 3 to 5 sub-questions. No prose, no markdown fences.`

const synthesizeSystemPrompt = `You are a research writer. Using ONLY the investigation findings provided, write a structured markdown answer to the main question. Use short section headings where they help. Cite findings inline with bracket numbers like [1] matching the numbered findings. If the findings are insufficient, say what is missing instead of guessing.`

func buildPlanPrompt(query string) string {
	var b strings.Builder
	b.WriteString("Main question:\n")
	b.WriteString(query)
	b.WriteString("\n\nBreak this into 3-5 sub-questions a researcher would answer separately, plus the angles (perspectives) worth covering.")
	return b.String()
}

func buildSynthesizePrompt(query string, investigations []Investigation) string {
	var b strings.Builder
	b.WriteString("Main question:\n")
	b.WriteString(query)
	b.WriteString("\n\nInvestigation findings:\n")
	if len(investigations) == 0 {
		b.WriteString("(no findings collected)\n")
	}
	for i, inv := range investigations {
		b.WriteString(fmt.Sprintf("--- Investigation %d: %s\n", i+1, inv.SubQuestion))
		b.WriteString(strings.TrimSpace(inv.Findings))
		b.WriteString("\n\n")
	}
	b.WriteString("Task: Write the best possible answer to the main question from these findings, in structured markdown with inline bracket citations.")
	return b.String()
}
