package fallback

import "strings"

// guardrails are prepended to every fallback prompt. Alternate providers
// run non-interactively, so the prompt must rule out behaviors that only
// work in a conversational session.
var guardrails = []string{
	"Work fully autonomously. Do not ask clarifying questions; make reasonable assumptions and state them in your output.",
	"Never pause to wait for confirmation. There is no operator watching this session.",
	"Only edit the files the task requires. Do not touch anything else, and stay inside the project directory.",
	"Before finishing, run the project's quality gates (build, tests, linters) yourself and report their results in your final output.",
}

// WrapPrompt frames a task prompt for unattended execution by a fallback
// provider.
func WrapPrompt(prompt string) string {
	var b strings.Builder
	b.WriteString("You are completing a task handed over from another coding assistant.\n")
	b.WriteString("Operating rules:\n")
	for _, g := range guardrails {
		b.WriteString("- ")
		b.WriteString(g)
		b.WriteString("\n")
	}
	b.WriteString("\nTask:\n")
	b.WriteString(prompt)
	return b.String()
}
