package research

import (
	"fmt"
	"strings"
)

const synthesisSystemPrompt = "You are a careful research assistant. Answer using ONLY the numbered evidence blocks provided. Cite sources inline with bracket numbers like [1] referring to evidence block numbers. If the evidence does not contain the answer, say so plainly instead of guessing. Never invent sources, quotes, or facts."

const (
	noResultsMessage        = "No recent results found."
	degradedSynthesisAnswer = "Research synthesis is currently unavailable. The sources below were collected for this query; please retry shortly."
)

func buildSynthesisPrompt(query string, evidence []Evidence) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nEvidence:\n")
	if len(evidence) == 0 {
		b.WriteString("(no evidence collected)\n")
	}
	for i, ev := range evidence {
		b.WriteString(fmt.Sprintf("[%d] %s | %s\n", i+1, strings.TrimSpace(ev.Title), strings.TrimSpace(ev.URL)))
		b.WriteString(strings.TrimSpace(ev.Content))
		b.WriteString("\n\n")
	}
	b.WriteString("Task: Write a direct, grounded answer to the question using the evidence above. Cite evidence with bracket numbers at the end of the sentences they support. Be concise and factual.")
	return b.String()
}
