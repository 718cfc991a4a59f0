package answer

import (
	"fmt"
	"strings"

	"github.com/dez2003/bio-for-dummies/internal/agent"
)

const (
	eli5System = "You are Bio Agent, a biomedical explainer who makes complex biology simple and fun. \n" +
		"Use everyday analogies and simple language that a 5-year-old could understand. \n" +
		"Be concise (2-3 sentences max unless more detail is explicitly requested).\n" +
		"Never fabricate information - if you're uncertain, say so clearly."

	scientificSystem = "You are Bio Agent, a precise biomedical explainer for educated audiences.\n" +
		"Use accurate scientific terminology but define key terms briefly in parentheses.\n" +
		"Be concise (2-3 sentences) unless more detail is explicitly requested.\n" +
		"Never fabricate information - if you're uncertain, say so clearly."
)

// SystemPrompt returns the persona for the given mode. Unknown modes get ELI5.
func SystemPrompt(mode agent.Mode) string {
	if mode == agent.ModeScientific {
		return scientificSystem
	}
	return eli5System
}

// UserPrompt assembles the question, optional page context and retrieved text.
func UserPrompt(q agent.Query, r agent.RetrievalResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", q.Text)
	if snippet := q.Context.Snippet(); snippet != "" {
		fmt.Fprintf(&b, "Context from user's page: %s\n\n", snippet)
	}
	fmt.Fprintf(&b, "Retrieved information:\n%s\n\n", r.Summary)

	if q.Preferences.Detail == agent.DetailSummarySources && len(r.Sources) > 0 {
		b.WriteString("Available sources:\n")
		for i, s := range r.Sources {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s.Title)
		}
		b.WriteString("\nProvide a clear explanation and mention that sources are available.")
	} else {
		b.WriteString("Provide a clear, concise explanation.")
	}
	return b.String()
}
